package bvh

import "github.com/oakfield-audio/raytrace/geom"

// Visitor is the query surface over a read-only Bvh: one interface, three
// monomorphized traversals for the three hot loops (blocked, closest,
// all).
type Visitor interface {
	// RayBlocked reports whether any geometry occludes the segment from
	// origin along dir within [0, maxDist].
	RayBlocked(origin, dir geom.Vector, maxDist float64, layerMask uint32) bool
	// RayHitsClosest finds the nearest hit within [0, maxDist], or ok=false
	// if the ray escapes.
	RayHitsClosest(origin, dir geom.Vector, maxDist float64, layerMask uint32) (HitRecord, bool)
	// RayHitsAll invokes cb once for every component the ray hits within
	// [0, maxDist], with that component's closest hit, in arbitrary order.
	// Further hits on the same component are not reported.
	RayHitsAll(origin, dir geom.Vector, maxDist float64, layerMask uint32, cb func(HitRecord))
}

// visitor is the concrete implementation backing all three Visitor methods;
// they share traversal but differ in what they do at a leaf, so each
// method below inlines its own stack-based walk rather than sharing a
// single generic "visit" callback. The three hot loops stay monomorphic.
type visitor struct {
	tree *Bvh
}

// NewVisitor builds the single Visitor implementation over tree. One
// visitor is shared by every RayTraceTask/ListenTask/RoomEstimateTask that
// targets the same Bvh; it carries no mutable state of its own.
func NewVisitor(tree *Bvh) Visitor {
	return &visitor{tree: tree}
}

func layerVisible(mask, query uint32) bool {
	return query == 0 || mask&query != 0
}

// RayBlocked performs a first-hit-terminates traversal: as soon as any
// component reports an occluding hit, the walk stops. This is the cheapest
// of the three queries and backs ListenTask's occlusion test.
func (v *visitor) RayBlocked(origin, dir geom.Vector, maxDist float64, layerMask uint32) bool {
	if v.tree.Root < 0 || maxDist <= 0 {
		return false
	}
	ri := geom.NewRayInverse(dir)
	stack := []int{v.tree.Root}

	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := v.tree.Nodes[idx]

		if _, _, ok := n.Bounds.Slab(origin, ri, 0, maxDist); !ok {
			continue
		}

		if v.tree.isLeaf(n) {
			if n.Component == nil || !layerVisible(n.Component.LayerMask(), layerMask) {
				continue
			}
			if n.Component.IntersectAny(origin, dir, 0, maxDist) {
				return true
			}
			continue
		}

		if n.Left >= 0 {
			stack = append(stack, n.Left)
		}
		if n.Right >= 0 {
			stack = append(stack, n.Right)
		}
	}

	return false
}

// RayHitsClosest performs an ordinary nearest-hit traversal, shrinking the
// search interval as closer hits are found so subtrees farther than the
// current best are skipped via the slab test's tMax. This backs
// RayTraceTask and RoomEstimateTask's per-ray hit search.
func (v *visitor) RayHitsClosest(origin, dir geom.Vector, maxDist float64, layerMask uint32) (HitRecord, bool) {
	var best HitRecord
	found := false
	if v.tree.Root < 0 || maxDist <= 0 {
		return best, false
	}

	ri := geom.NewRayInverse(dir)
	limit := maxDist
	stack := []int{v.tree.Root}

	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := v.tree.Nodes[idx]

		if _, _, ok := n.Bounds.Slab(origin, ri, 0, limit); !ok {
			continue
		}

		if v.tree.isLeaf(n) {
			if n.Component == nil || !layerVisible(n.Component.LayerMask(), layerMask) {
				continue
			}
			hit, ok := n.Component.IntersectClosest(origin, dir, 0, limit)
			if ok && hit.Distance < limit {
				best = hit
				limit = hit.Distance
				found = true
			}
			continue
		}

		if n.Left >= 0 {
			stack = append(stack, n.Left)
		}
		if n.Right >= 0 {
			stack = append(stack, n.Right)
		}
	}

	return best, found
}

// RayHitsAll visits every component along the ray without shrinking the
// search interval, since a closer hit must not suppress visiting farther
// components. Each visible component reports only its closest hit.
func (v *visitor) RayHitsAll(origin, dir geom.Vector, maxDist float64, layerMask uint32, cb func(HitRecord)) {
	if v.tree.Root < 0 || maxDist <= 0 {
		return
	}

	ri := geom.NewRayInverse(dir)
	stack := []int{v.tree.Root}

	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := v.tree.Nodes[idx]

		if _, _, ok := n.Bounds.Slab(origin, ri, 0, maxDist); !ok {
			continue
		}

		if v.tree.isLeaf(n) {
			if n.Component == nil || !layerVisible(n.Component.LayerMask(), layerMask) {
				continue
			}
			if hit, ok := n.Component.IntersectClosest(origin, dir, 0, maxDist); ok {
				cb(hit)
			}
			continue
		}

		if n.Left >= 0 {
			stack = append(stack, n.Left)
		}
		if n.Right >= 0 {
			stack = append(stack, n.Right)
		}
	}
}
