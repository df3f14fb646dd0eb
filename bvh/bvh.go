// Package bvh implements read-only traversal of a scene bounding-volume
// hierarchy: the slab ray/AABB test and the three visitor queries the
// ray-tracing tasks need. The core never builds a BVH — it
// only consumes one handed to it by the host's WorldGeom collaborator.
package bvh

import "github.com/oakfield-audio/raytrace/geom"

// Band indices of the fixed low/mid/high acoustic taxonomy.
const (
	BandLow = iota
	BandMid
	BandHigh
	BandCount
)

// Material carries the per-band acoustic coefficients of a surface.
// Absorption and Transmission are indexed by band; TransmissionRange is the
// traversal distance at which transmission has fully decayed to zero.
type Material struct {
	Absorption        [BandCount]float64
	Transmission      [BandCount]float64
	TransmissionRange float64
}

// Component is one piece of scene geometry: a leaf of the top-level BVH
// that owns its own per-triangle sub-BVH. LayerMask lets invalidation and
// ray queries restrict themselves to a subset of geometry layers.
type Component interface {
	Bounds() geom.AABB
	LayerMask() uint32
	// IntersectClosest finds the closest triangle hit along the ray within
	// [tMin, tMax] local to this component, or ok=false.
	IntersectClosest(origin, dir geom.Vector, tMin, tMax float64) (hit HitRecord, ok bool)
	// IntersectAny reports whether any triangle blocks the ray within
	// [tMin, tMax]; used by the RayBlocked visitor, which can stop at the
	// first hit instead of finding the closest one.
	IntersectAny(origin, dir geom.Vector, tMin, tMax float64) bool
}

// HitRecord describes a single ray/geometry intersection.
type HitRecord struct {
	Position  geom.Vector
	Normal    geom.Vector
	Distance  float64
	Material  Material
	LayerMask uint32
}

// Node is one entry of the top-level BVH's node arena. Internal nodes have
// Component == nil and point at two children; leaves reference exactly one
// Component. Keeping the nodes in one flat arena with index links instead
// of a pointer graph makes the tree trivially shareable read-only across
// worker tasks (leaf/internal split by child index sentinel, here -1).
type Node struct {
	Bounds      geom.AABB
	Left, Right int // -1 for a leaf
	Component   Component
}

// Bvh is the read-only node arena handed in by WorldGeom.Bvh.
// Cost model: O(log M) node visits and O(k) component visits per ray,
// where M is the node count and k is the number of components crossed.
type Bvh struct {
	Nodes []Node
	Root  int
}

// New constructs a Bvh from a pre-built node arena. The core never builds
// BVHs itself; this constructor exists only so tests and cmd/raybench can
// assemble a synthetic scene.
func New(nodes []Node, root int) *Bvh {
	return &Bvh{Nodes: nodes, Root: root}
}

func (b *Bvh) isLeaf(n Node) bool {
	return n.Left < 0 && n.Right < 0
}
