package geom

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// FibonacciSphere returns n unit directions approximately equi-spaced on
// the sphere using a Fibonacci spiral. phi is the golden angle;
// z steps uniformly from 1 to -1 so each direction's height is evenly
// distributed before being wrapped around the spiral's azimuth.
func FibonacciSphere(n int) []Vector {
	if n <= 0 {
		return nil
	}
	dirs := make([]Vector, n)
	phi := math.Pi * (3 - math.Sqrt(5))
	for i := 0; i < n; i++ {
		z := 1 - (2*float64(i)+1)/float64(n)
		radius := math.Sqrt(max(0, 1-z*z))
		theta := phi * float64(i)
		dirs[i] = Vector{
			X: math.Cos(theta) * radius,
			Y: math.Sin(theta) * radius,
			Z: z,
		}
	}
	return dirs
}

// icoBase is the level-0 icosahedron: 12 vertices, 20 triangular faces.
func icoBase() ([]Vector, [][3]int) {
	t := (1 + math.Sqrt(5)) / 2

	raw := []Vector{
		{X: -1, Y: t, Z: 0}, {X: 1, Y: t, Z: 0}, {X: -1, Y: -t, Z: 0}, {X: 1, Y: -t, Z: 0},
		{X: 0, Y: -1, Z: t}, {X: 0, Y: 1, Z: t}, {X: 0, Y: -1, Z: -t}, {X: 0, Y: 1, Z: -t},
		{X: t, Y: 0, Z: -1}, {X: t, Y: 0, Z: 1}, {X: -t, Y: 0, Z: -1}, {X: -t, Y: 0, Z: 1},
	}
	verts := make([]Vector, len(raw))
	for i, v := range raw {
		verts[i] = Unit(v)
	}

	faces := [][3]int{
		{0, 11, 5}, {0, 5, 1}, {0, 1, 7}, {0, 7, 10}, {0, 10, 11},
		{1, 5, 9}, {5, 11, 4}, {11, 10, 2}, {10, 7, 6}, {7, 1, 8},
		{3, 9, 4}, {3, 4, 2}, {3, 2, 6}, {3, 6, 8}, {3, 8, 9},
		{4, 9, 5}, {2, 4, 11}, {6, 2, 10}, {8, 6, 7}, {9, 8, 1},
	}
	return verts, faces
}

// edgeKey orders a pair of vertex indices so (a,b) and (b,a) hash the same,
// giving every subdivision a single shared midpoint vertex per edge
// regardless of which of its two adjacent faces visits it first.
type edgeKey struct{ a, b int }

func newEdgeKey(a, b int) edgeKey {
	if a > b {
		a, b = b, a
	}
	return edgeKey{a, b}
}

// IcoSphere subdivides the base icosahedron `level` times, returning the
// resulting unit vertex directions. Subdivision keeps a midpoint cache
// keyed by edge so each subdivision quadruples the face count while
// reusing shared edge vertices exactly once — and, crucially,
// the first N directions of level k+1 are exactly level k's directions
// followed by the new midpoints, since each subdivision pass only appends
// and never reorders existing vertices. This makes refinement restartable: a caller holding a level-k
// RayConfig can extend it to level k+1 without redoing level k's rays.
func IcoSphere(level int) []Vector {
	verts, faces := icoBase()

	for l := 0; l < level; l++ {
		midpoints := make(map[edgeKey]int)
		newFaces := make([][3]int, 0, len(faces)*4)

		midpoint := func(a, b int) int {
			key := newEdgeKey(a, b)
			if idx, ok := midpoints[key]; ok {
				return idx
			}
			m := Unit(r3.Scale(0.5, r3.Add(verts[a], verts[b])))
			idx := len(verts)
			verts = append(verts, m)
			midpoints[key] = idx
			return idx
		}

		for _, f := range faces {
			a, b, c := f[0], f[1], f[2]
			ab := midpoint(a, b)
			bc := midpoint(b, c)
			ca := midpoint(c, a)
			newFaces = append(newFaces,
				[3]int{a, ab, ca},
				[3]int{b, bc, ab},
				[3]int{c, ca, bc},
				[3]int{ab, bc, ca},
			)
		}

		faces = newFaces
	}

	return verts
}
