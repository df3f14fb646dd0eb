package raytrace

import "github.com/oakfield-audio/raytrace/bvh"

// Constants with fixed numerical semantics.
const (
	SoundSpeed = 343.0 // m/s

	BandLow  = bvh.BandLow
	BandMid  = bvh.BandMid
	BandHigh = bvh.BandHigh

	// LogEpsilon clamps the argument of the T60 logarithm away from zero.
	LogEpsilon = 1e-5

	// GainFloor is the linear-amplitude floor below which impulse-response
	// samples are reported at the fixed dB floors below rather than
	// computing log10(0).
	GainFloor = 1e-10
	// PressureDBFloor is the reported dB value for pressure (gain) samples
	// at or below GainFloor.
	PressureDBFloor = -200.0
	// IntensityDBFloor is the reported dB value for intensity samples at or
	// below GainFloor.
	IntensityDBFloor = -100.0
)

// WorldGeom is the host collaborator that owns scene geometry.
// The core only ever reads through it; it never builds or mutates a BVH.
type WorldGeom interface {
	// Bvh returns the current read-only scene BVH.
	Bvh() *bvh.Bvh
	// InvalidationVisitor calls cb for every region a geometry change
	// matching layerMask actually touched within [minExt, maxExt]; a host
	// with no finer knowledge reports the queried region itself.
	// ProbeCache.InvalidateInside drives its probe scan through this.
	InvalidationVisitor(layerMask uint32, minExt, maxExt Vector, cb func(minExt, maxExt Vector))
}
