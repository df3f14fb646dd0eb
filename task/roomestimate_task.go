package task

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/oakfield-audio/raytrace/bvh"
	"github.com/oakfield-audio/raytrace/geom"
	"github.com/oakfield-audio/raytrace/raydata"
	"gonum.org/v1/gonum/spatial/r3"
)

// RoomEstimateTask is the cheap single-bounce probe variant: unlike
// RayTraceTask it casts each ray to its first hit only, never reflects or
// transmits, and produces no SoundRayList — just the same RoomTracePartial
// shape RayTraceTask does, so both feed the same FinishTask reducer.
type RoomEstimateTask struct {
	Visitor   bvh.Visitor
	RayConfig *raydata.RayConfig
	Origin    geom.Vector
	Range     float64
	LayerMask uint32
	FirstRay  int
	RayCount  int

	Partial RoomTracePartial

	cancelled atomic.Bool
}

// NewRoomEstimateTask returns an empty, reusable task.
func NewRoomEstimateTask() *RoomEstimateTask {
	return &RoomEstimateTask{}
}

func (t *RoomEstimateTask) Cancel() {
	t.cancelled.Store(true)
}

// Run casts this task's slab of rays to their first hit and accumulates the
// same Monte-Carlo surface/volume/absorption partials a RayTraceTask's first
// top-level hit would.
func (t *RoomEstimateTask) Run() error {
	t.cancelled.Store(false)
	t.Partial = newRoomTracePartial()

	for i := 0; i < t.RayCount; i++ {
		if t.cancelled.Load() {
			return context.Canceled
		}

		dir := t.RayConfig.Directions[t.FirstRay+i]
		hit, ok := t.Visitor.RayHitsClosest(t.Origin, dir, t.Range, t.LayerMask)
		if !ok {
			t.Partial.firstMiss(t.RayConfig.UnitSurface, t.RayConfig.UnitVolume, t.Range)
			t.Partial.MeanFreePathSum += t.Range
			t.Partial.MeanFreePathCount++
			continue
		}

		t.Partial.MeanFreePathSum += hit.Distance
		t.Partial.MeanFreePathCount++
		t.Partial.extend(hit.Position)

		cosTheta := math.Abs(r3.Dot(dir, hit.Normal))
		t.Partial.firstHit(t.RayConfig.UnitSurface, t.RayConfig.UnitVolume, hit.Distance, cosTheta, hit.Material.Absorption)
		for b := 0; b < bvh.BandCount; b++ {
			t.Partial.AbsorptionSum[b] += hit.Material.Absorption[b]
		}
		t.Partial.AbsorptionCount++
	}

	return nil
}
