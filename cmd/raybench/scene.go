package main

import (
	"github.com/oakfield-audio/raytrace/bvh"
	"github.com/oakfield-audio/raytrace/geom"
)

// buildBox assembles a closed rectangular room of the given size centered
// on the origin, one TriMesh component per wall, all sharing mat — just
// enough geometry to drive the pipeline end to end.
func buildBox(size float64, mat bvh.Material, layer uint32) *bvh.Bvh {
	h := size / 2
	corners := []geom.Vector{
		{X: -h, Y: -h, Z: -h}, // 0
		{X: h, Y: -h, Z: -h},  // 1
		{X: h, Y: h, Z: -h},   // 2
		{X: -h, Y: h, Z: -h},  // 3
		{X: -h, Y: -h, Z: h},  // 4
		{X: h, Y: -h, Z: h},   // 5
		{X: h, Y: h, Z: h},    // 6
		{X: -h, Y: h, Z: h},   // 7
	}

	quad := func(a, b, c, d int) bvh.Component {
		return bvh.NewTriMesh(corners, [][3]int{{a, b, c}, {a, c, d}}, mat, layer)
	}

	components := []bvh.Component{
		quad(0, 1, 2, 3), // floor (z=-h)
		quad(7, 6, 5, 4), // ceiling (z=+h)
		quad(0, 4, 5, 1), // wall y=-h
		quad(3, 2, 6, 7), // wall y=+h
		quad(0, 3, 7, 4), // wall x=-h
		quad(1, 5, 6, 2), // wall x=+h
	}

	return bvh.Build(components)
}
