package bvh

import (
	"math"
	"sort"

	"github.com/oakfield-audio/raytrace/geom"
	"gonum.org/v1/gonum/spatial/r3"
)

// subBvhThreshold is the triangle count above which a TriMesh builds its
// per-triangle sub-BVH; below it a linear scan over the triangles beats
// the traversal overhead.
const subBvhThreshold = 8

// TriMesh is a Component implementation: a flat list of triangles sharing
// one material and layer mask. Meshes beyond a handful of triangles carry
// their own per-triangle sub-BVH, so the scene traversal recurses from the
// top-level component tree into a second-level triangle tree. Real scene
// geometry belongs to the host; TriMesh exists so tests and cmd/raybench
// can build a synthetic scene without a second module.
type TriMesh struct {
	Verts     []geom.Vector
	Indices   [][3]int
	Mat       Material
	Layer     uint32
	boundsBox geom.AABB
	sub       []triNode // empty for small meshes, which scan linearly
}

// triNode is one entry of a TriMesh's triangle sub-BVH arena. Leaves carry
// Tri >= 0 and Left/Right == -1.
type triNode struct {
	Bounds      geom.AABB
	Left, Right int
	Tri         int
}

// NewTriMesh computes and caches the mesh's AABB and, for meshes beyond
// the linear-scan threshold, its triangle sub-BVH.
func NewTriMesh(verts []geom.Vector, indices [][3]int, mat Material, layer uint32) *TriMesh {
	m := &TriMesh{Verts: verts, Indices: indices, Mat: mat, Layer: layer}
	if len(verts) > 0 {
		b := geom.AABB{Min: verts[0], Max: verts[0]}
		for _, v := range verts[1:] {
			b = b.Union(geom.AABB{Min: v, Max: v})
		}
		m.boundsBox = b
	}
	if len(indices) > subBvhThreshold {
		m.buildSub()
	}
	return m
}

func (m *TriMesh) triBounds(tri [3]int) geom.AABB {
	a, b, c := m.Verts[tri[0]], m.Verts[tri[1]], m.Verts[tri[2]]
	box := geom.AABB{Min: a, Max: a}
	box = box.Union(geom.AABB{Min: b, Max: b})
	box = box.Union(geom.AABB{Min: c, Max: c})
	return box
}

// buildSub assembles the triangle sub-BVH by recursive median split: the
// axis is the longest one of the node's triangle bounds, and triangles are
// ordered along it by centroid, the same shape as the top-level component
// tree in Build.
func (m *TriMesh) buildSub() {
	order := make([]int, len(m.Indices))
	for i := range order {
		order[i] = i
	}
	m.sub = make([]triNode, 0, len(order)*2)
	m.buildSubRange(order)
}

func (m *TriMesh) buildSubRange(order []int) int {
	bounds := m.triBounds(m.Indices[order[0]])
	for _, ti := range order[1:] {
		bounds = bounds.Union(m.triBounds(m.Indices[ti]))
	}

	if len(order) == 1 {
		idx := len(m.sub)
		m.sub = append(m.sub, triNode{Bounds: bounds, Left: -1, Right: -1, Tri: order[0]})
		return idx
	}

	center := func(ti, axis int) float64 {
		tri := m.Indices[ti]
		switch axis {
		case 0:
			return (m.Verts[tri[0]].X + m.Verts[tri[1]].X + m.Verts[tri[2]].X) / 3
		case 1:
			return (m.Verts[tri[0]].Y + m.Verts[tri[1]].Y + m.Verts[tri[2]].Y) / 3
		default:
			return (m.Verts[tri[0]].Z + m.Verts[tri[1]].Z + m.Verts[tri[2]].Z) / 3
		}
	}

	dx := bounds.Max.X - bounds.Min.X
	dy := bounds.Max.Y - bounds.Min.Y
	dz := bounds.Max.Z - bounds.Min.Z
	axis := 0
	if dy >= dx && dy >= dz {
		axis = 1
	} else if dz >= dx && dz >= dy {
		axis = 2
	}
	sort.Slice(order, func(i, j int) bool { return center(order[i], axis) < center(order[j], axis) })

	mid := len(order) / 2
	idx := len(m.sub)
	m.sub = append(m.sub, triNode{Tri: -1, Bounds: bounds})
	left := m.buildSubRange(order[:mid])
	right := m.buildSubRange(order[mid:])
	m.sub[idx].Left = left
	m.sub[idx].Right = right
	return idx
}

func (m *TriMesh) Bounds() geom.AABB { return m.boundsBox }
func (m *TriMesh) LayerMask() uint32 { return m.Layer }

// intersectTriangle implements the Möller-Trumbore ray/triangle test,
// returning the hit distance and the unit geometric normal, flipped to face
// against dir.
func intersectTriangle(origin, dir, a, b, c geom.Vector, tMin, tMax float64) (float64, geom.Vector, bool) {
	const eps = 1e-9

	edge1 := r3.Sub(b, a)
	edge2 := r3.Sub(c, a)
	h := r3.Cross(dir, edge2)
	det := r3.Dot(edge1, h)
	if math.Abs(det) < eps {
		return 0, geom.Vector{}, false
	}
	invDet := 1 / det
	s := r3.Sub(origin, a)
	u := r3.Dot(s, h) * invDet
	if u < 0 || u > 1 {
		return 0, geom.Vector{}, false
	}
	q := r3.Cross(s, edge1)
	vv := r3.Dot(dir, q) * invDet
	if vv < 0 || u+vv > 1 {
		return 0, geom.Vector{}, false
	}
	t := r3.Dot(edge2, q) * invDet
	if t < tMin || t > tMax {
		return 0, geom.Vector{}, false
	}

	n := geom.Unit(r3.Cross(edge1, edge2))
	if r3.Dot(n, dir) > 0 {
		n = r3.Scale(-1, n)
	}
	return t, n, true
}

func (m *TriMesh) testTriangle(ti int, origin, dir geom.Vector, tMin, tMax float64) (float64, geom.Vector, bool) {
	tri := m.Indices[ti]
	return intersectTriangle(origin, dir, m.Verts[tri[0]], m.Verts[tri[1]], m.Verts[tri[2]], tMin, tMax)
}

func (m *TriMesh) IntersectClosest(origin, dir geom.Vector, tMin, tMax float64) (HitRecord, bool) {
	best := tMax
	found := false
	var hit HitRecord

	record := func(t float64, n geom.Vector) {
		best = t
		found = true
		hit = HitRecord{
			Position:  r3.Add(origin, r3.Scale(t, dir)),
			Normal:    n,
			Distance:  t,
			Material:  m.Mat,
			LayerMask: m.Layer,
		}
	}

	if len(m.sub) == 0 {
		for ti := range m.Indices {
			if t, n, ok := m.testTriangle(ti, origin, dir, tMin, best); ok {
				record(t, n)
			}
		}
		return hit, found
	}

	ri := geom.NewRayInverse(dir)
	stack := []int{0}
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := m.sub[idx]

		if _, _, ok := n.Bounds.Slab(origin, ri, tMin, best); !ok {
			continue
		}
		if n.Tri >= 0 {
			if t, nrm, ok := m.testTriangle(n.Tri, origin, dir, tMin, best); ok {
				record(t, nrm)
			}
			continue
		}
		stack = append(stack, n.Left, n.Right)
	}

	return hit, found
}

func (m *TriMesh) IntersectAny(origin, dir geom.Vector, tMin, tMax float64) bool {
	if len(m.sub) == 0 {
		for ti := range m.Indices {
			if _, _, ok := m.testTriangle(ti, origin, dir, tMin, tMax); ok {
				return true
			}
		}
		return false
	}

	ri := geom.NewRayInverse(dir)
	stack := []int{0}
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := m.sub[idx]

		if _, _, ok := n.Bounds.Slab(origin, ri, tMin, tMax); !ok {
			continue
		}
		if n.Tri >= 0 {
			if _, _, ok := m.testTriangle(n.Tri, origin, dir, tMin, tMax); ok {
				return true
			}
			continue
		}
		stack = append(stack, n.Left, n.Right)
	}
	return false
}
