package bvh

import "sort"

// Build assembles a Bvh over components by recursive median-split on the
// longest axis of their bounds. The core itself never builds a BVH — this is a
// convenience for tests and cmd/raybench to assemble a synthetic scene
// without a second module providing one.
func Build(components []Component) *Bvh {
	if len(components) == 0 {
		return &Bvh{Root: -1}
	}

	b := &Bvh{Nodes: make([]Node, 0, len(components)*2)}
	b.Root = b.buildRange(components)
	return b
}

func (b *Bvh) buildRange(components []Component) int {
	bounds := components[0].Bounds()
	for _, c := range components[1:] {
		bounds = bounds.Union(c.Bounds())
	}

	if len(components) == 1 {
		idx := len(b.Nodes)
		b.Nodes = append(b.Nodes, Node{Bounds: bounds, Left: -1, Right: -1, Component: components[0]})
		return idx
	}

	dx := bounds.Max.X - bounds.Min.X
	dy := bounds.Max.Y - bounds.Min.Y
	dz := bounds.Max.Z - bounds.Min.Z

	sorted := make([]Component, len(components))
	copy(sorted, components)

	switch {
	case dx >= dy && dx >= dz:
		sort.Slice(sorted, func(i, j int) bool { return centerAxis(sorted[i], 0) < centerAxis(sorted[j], 0) })
	case dy >= dx && dy >= dz:
		sort.Slice(sorted, func(i, j int) bool { return centerAxis(sorted[i], 1) < centerAxis(sorted[j], 1) })
	default:
		sort.Slice(sorted, func(i, j int) bool { return centerAxis(sorted[i], 2) < centerAxis(sorted[j], 2) })
	}

	mid := len(sorted) / 2

	// Reserve this node's slot before recursing so Left/Right point at the
	// correct indices once the children append their own subtrees.
	idx := len(b.Nodes)
	b.Nodes = append(b.Nodes, Node{Bounds: bounds})

	left := b.buildRange(sorted[:mid])
	right := b.buildRange(sorted[mid:])
	b.Nodes[idx].Left = left
	b.Nodes[idx].Right = right

	return idx
}

func centerAxis(c Component, axis int) float64 {
	bb := c.Bounds()
	switch axis {
	case 0:
		return (bb.Min.X + bb.Max.X) / 2
	case 1:
		return (bb.Min.Y + bb.Max.Y) / 2
	default:
		return (bb.Min.Z + bb.Max.Z) / 2
	}
}
