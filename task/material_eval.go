// Package task implements the parallel ray-tracing worker tasks:
// RayTraceTask, RoomEstimateTask, ListenTask, and the two FinishTask
// variants. Each task implements dispatch.Task (Run() error, Cancel())
// structurally, without this package importing dispatch.
package task

import (
	"github.com/oakfield-audio/raytrace/bvh"
	"github.com/oakfield-audio/raytrace/geom"
)

// hitEnergies evaluates the per-band absorption/transmission/reflected
// split at a surface hit.
// wallThickness is the traversal distance used to decay the transmission
// coefficient linearly to zero at the material's transmission range.
func hitEnergies(mat bvh.Material, wallThickness float64) (absorption, transmission, reflected [3]float64) {
	for b := 0; b < bvh.BandCount; b++ {
		absorption[b] = mat.Absorption[b]
		transmission[b] = geom.LinearStep(wallThickness, 0, mat.TransmissionRange, mat.Transmission[b], 0)
		reflected[b] = (1 - absorption[b]) - transmission[b]
	}
	return
}

// anyAbove reports whether any of the three bands exceeds threshold.
func anyAbove(v [3]float64, threshold float64) bool {
	return v[0] > threshold || v[1] > threshold || v[2] > threshold
}
