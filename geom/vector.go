// Package geom holds the small set of vector and bounding-box primitives
// shared by the bvh and task packages. It leans on gonum's r3 package for
// the actual arithmetic rather than hand-rolling a Vec3.
package geom

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Vector is the position/direction/normal type used throughout the
// ray-tracing core. Positions, AABB extents and all arithmetic use r3.Vec's
// float64 components, which avoids compounding roundoff across long segment
// chains.
type Vector = r3.Vec

// Zero is the additive identity vector.
var Zero = Vector{}

// Reflect mirrors d about the plane with unit normal n: d - 2(d·n)n.
// Used by task.RayTraceTask's Reflect state.
func Reflect(d, n Vector) Vector {
	return r3.Sub(d, r3.Scale(2*r3.Dot(d, n), n))
}

// Unit returns v normalized to unit length. The zero vector is returned
// unchanged rather than producing NaNs; callers that rely on a nonzero
// direction must check beforehand.
func Unit(v Vector) Vector {
	n := r3.Norm(v)
	if n == 0 {
		return v
	}
	return r3.Scale(1/n, v)
}

// LinearStep ramps linearly from edge0 to edge1 as x moves from x0 to x1,
// clamped to the [edge0, edge1] range outside it. Material transmission
// decays through wall thickness with this ramp (task.hitEnergies).
func LinearStep(x, x0, x1, edge0, edge1 float64) float64 {
	if x1 == x0 {
		if x <= x0 {
			return edge0
		}
		return edge1
	}
	t := (x - x0) / (x1 - x0)
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return edge0 + t*(edge1-edge0)
}

// Max3 returns the largest of three band values; the pan-direction weight
// of a contribution is its strongest band.
func Max3(a, b, c float64) float64 {
	return math.Max(a, math.Max(b, c))
}
