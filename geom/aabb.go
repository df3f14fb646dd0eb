package geom

// AABB is an axis-aligned bounding box used both by bvh nodes and by
// EnvProbe's minExtend/maxExtend pair.
type AABB struct {
	Min, Max Vector
}

// Union returns the smallest AABB enclosing both a and b.
func (a AABB) Union(b AABB) AABB {
	return AABB{
		Min: Vector{X: min(a.Min.X, b.Min.X), Y: min(a.Min.Y, b.Min.Y), Z: min(a.Min.Z, b.Min.Z)},
		Max: Vector{X: max(a.Max.X, b.Max.X), Y: max(a.Max.Y, b.Max.Y), Z: max(a.Max.Z, b.Max.Z)},
	}
}

// Contains reports whether p lies within the box, inclusive of its faces.
func (a AABB) Contains(p Vector) bool {
	return p.X >= a.Min.X && p.X <= a.Max.X &&
		p.Y >= a.Min.Y && p.Y <= a.Max.Y &&
		p.Z >= a.Min.Z && p.Z <= a.Max.Z
}

// Overlaps reports whether a and b intersect, inclusive of touching faces.
func (a AABB) Overlaps(b AABB) bool {
	return a.Min.X <= b.Max.X && a.Max.X >= b.Min.X &&
		a.Min.Y <= b.Max.Y && a.Max.Y >= b.Min.Y &&
		a.Min.Z <= b.Max.Z && a.Max.Z >= b.Min.Z
}

// RayInverse precomputes the per-axis inverse direction and zero-component
// enable flags used by the three-slab intersection test. A
// direction component of exactly zero would otherwise divide to +/-Inf,
// which IEEE754 handles correctly, but we still carry an explicit flag so
// axis-aligned rays never depend on the sign of the resulting infinity.
type RayInverse struct {
	Inv    Vector
	Enable [3]bool
}

// NewRayInverse builds a RayInverse for a (non-zero) ray direction.
func NewRayInverse(dir Vector) RayInverse {
	ri := RayInverse{}
	if dir.X != 0 {
		ri.Inv.X = 1 / dir.X
		ri.Enable[0] = true
	}
	if dir.Y != 0 {
		ri.Inv.Y = 1 / dir.Y
		ri.Enable[1] = true
	}
	if dir.Z != 0 {
		ri.Inv.Z = 1 / dir.Z
		ri.Enable[2] = true
	}
	return ri
}

// Slab intersects the box with a ray given its origin and precomputed
// inverse direction, returning the entry/exit distances along the ray and
// whether they overlap [tMin, tMax]. Axes with Enable==false are skipped
// entirely (their component can never cull or restrict the interval), which
// is what keeps axis-aligned rays from dividing by zero.
func (a AABB) Slab(origin Vector, ri RayInverse, tMin, tMax float64) (float64, float64, bool) {
	lo, hi := tMin, tMax

	if ri.Enable[0] {
		t0 := (a.Min.X - origin.X) * ri.Inv.X
		t1 := (a.Max.X - origin.X) * ri.Inv.X
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		lo, hi = max(lo, t0), min(hi, t1)
		if lo > hi {
			return lo, hi, false
		}
	} else if origin.X < a.Min.X || origin.X > a.Max.X {
		return lo, hi, false
	}

	if ri.Enable[1] {
		t0 := (a.Min.Y - origin.Y) * ri.Inv.Y
		t1 := (a.Max.Y - origin.Y) * ri.Inv.Y
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		lo, hi = max(lo, t0), min(hi, t1)
		if lo > hi {
			return lo, hi, false
		}
	} else if origin.Y < a.Min.Y || origin.Y > a.Max.Y {
		return lo, hi, false
	}

	if ri.Enable[2] {
		t0 := (a.Min.Z - origin.Z) * ri.Inv.Z
		t1 := (a.Max.Z - origin.Z) * ri.Inv.Z
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		lo, hi = max(lo, t0), min(hi, t1)
		if lo > hi {
			return lo, hi, false
		}
	} else if origin.Z < a.Min.Z || origin.Z > a.Max.Z {
		return lo, hi, false
	}

	return lo, hi, true
}
