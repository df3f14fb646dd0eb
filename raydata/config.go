package raydata

import (
	"math"

	"github.com/oakfield-audio/raytrace/geom"
	"gonum.org/v1/gonum/spatial/r3"
)

// Config gathers the host-supplied tunables of the tracing core. The
// receiver-radius scale, separation-time factor, and listener blend radius
// are deliberately knobs rather than constants so test scenes can pin
// them.
type Config struct {
	RayCountTrace     int
	RayCountEstimate  int
	MaxBounces        int
	MaxTransmits      int
	ThresholdReflect  float64
	ThresholdTransmit float64
	AddRayMinLength   float64
	ReuseDistance     float64
	MaxProbeCount     int

	// ReceiverRadiusScale is the sphere-receiver's k factor. 1 suits
	// ordinary rooms; larger values help door-connected scenes.
	ReceiverRadiusScale float64

	// SeparationTimeMFPFactor is the multiplier in t_FLR = factor * meanFreePath
	// / soundSpeed. The active formula uses 4.
	SeparationTimeMFPFactor float64

	// ListenerBlendRadius is the radius within which a probe's cached
	// listener result is reused instead of re-running the listen reduction.
	ListenerBlendRadius float64

	// MinReceiverRadius floors the sphere-receiver radius, independent of
	// AddRayMinLength (which floors segment length during tracing, a
	// different concern).
	MinReceiverRadius float64
}

// DefaultConfig returns the values the test scenes are calibrated against.
func DefaultConfig() Config {
	return Config{
		RayCountTrace:           162,
		RayCountEstimate:        32,
		MaxBounces:              32,
		MaxTransmits:            4,
		ThresholdReflect:        1e-4,
		ThresholdTransmit:       1e-4,
		AddRayMinLength:         0.01,
		ReuseDistance:           1.0,
		MaxProbeCount:           64,
		ReceiverRadiusScale:     1.0,
		SeparationTimeMFPFactor: 4.0,
		ListenerBlendRadius:     1.0,
		MinReceiverRadius:       0.1,
	}
}

// RayConfig is the immutable-after-setup set of ray directions plus the
// geometric constants derived from them. It is shared by every
// probe of the same purpose (tracing, room-estimate) and by every
// RayTraceTask/ListenTask that targets one such probe concurrently, so
// Rotate must only be called during configuration setup, before the
// RayConfig is handed to a ProbeCache — never while tasks are in flight.
type RayConfig struct {
	Directions   []geom.Vector
	UnitSurface  float64
	UnitVolume   float64
	OpeningAngle float64
}

// NewEquiSpacedRayConfig builds a RayConfig with n directions via a
// Fibonacci spiral. N==0 is rejected.
func NewEquiSpacedRayConfig(n int) (*RayConfig, error) {
	if n <= 0 {
		return nil, ErrInvalidArgument
	}
	dirs := geom.FibonacciSphere(n)
	return newRayConfig(dirs), nil
}

// NewIcoSphereRayConfig builds a RayConfig from `level` icosphere
// subdivisions; level 0 yields the base 12-vertex icosahedron.
// Level k's directions are a prefix of level k+1's, so refining a tracing
// configuration never invalidates probes traced against the coarser level.
func NewIcoSphereRayConfig(level int) (*RayConfig, error) {
	if level < 0 {
		return nil, ErrInvalidArgument
	}
	dirs := geom.IcoSphere(level)
	return newRayConfig(dirs), nil
}

func newRayConfig(dirs []geom.Vector) *RayConfig {
	n := len(dirs)
	rc := &RayConfig{
		Directions:  dirs,
		UnitSurface: 4 * math.Pi / float64(n),
	}
	rc.UnitVolume = rc.UnitSurface / 3
	rc.OpeningAngle = openingAngle(dirs)
	return rc
}

// openingAngle derives the opening angle from the nearest-neighbor
// separation of the first two directions: 2*atan(|d1-d0|/2).
func openingAngle(dirs []geom.Vector) float64 {
	if len(dirs) < 2 {
		return 0
	}
	d := r3.Norm(r3.Sub(dirs[1], dirs[0]))
	return 2 * math.Atan(d/2)
}

// Rotate applies a rotation to every direction in place, used to avoid
// axis-aligned sampling artifacts. Only tracing configurations are
// rotated; room-estimate configurations are left axis-aligned.
func (rc *RayConfig) Rotate(rx, ry, rz float64) {
	m := rotationMatrix(rx, ry, rz)
	for i, d := range rc.Directions {
		rc.Directions[i] = applyRotation(m, d)
	}
}

// rotation3 is a 3x3 rotation matrix stored row-major.
type rotation3 [3][3]float64

func rotationMatrix(rx, ry, rz float64) rotation3 {
	sx, cx := math.Sincos(rx)
	sy, cy := math.Sincos(ry)
	sz, cz := math.Sincos(rz)

	// Combined R = Rz * Ry * Rx.
	return rotation3{
		{cy * cz, sx*sy*cz - cx*sz, cx*sy*cz + sx*sz},
		{cy * sz, sx*sy*sz + cx*cz, cx*sy*sz - sx*cz},
		{-sy, sx * cy, cx * cy},
	}
}

func applyRotation(m rotation3, v geom.Vector) geom.Vector {
	return geom.Vector{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}
