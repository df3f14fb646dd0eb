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

// wallProbeEpsilon offsets the thickness probe off a hit surface so it
// doesn't immediately re-intersect the triangle it starts on.
const wallProbeEpsilon = 1e-4

// surfaceCosFloor bounds the 1/cos(theta) enlargement of the per-ray wall
// surface estimate at grazing hits.
const surfaceCosFloor = 0.1

// castEpsilon nudges each cast off its scatter point so a reflected or
// transmitted leg never re-intersects the surface it just left at t=0.
const castEpsilon = 1e-6

// RoomTracePartial is the set of accumulators RayTraceTask and
// RoomEstimateTask both produce. FinishTask reduces a slice of these, one
// per worker, into a RoomParameters.
type RoomTracePartial struct {
	MinExtend, MaxExtend geom.Vector
	MeanFreePathSum      float64
	MeanFreePathCount    int
	SabineSum            [3]float64
	AbsorptionSum        [3]float64
	AbsorptionCount      int
	FirstHitCount        int
	RoomVolumeSum        float64
	RoomSurfaceSum       float64
	HasExtend            bool
}

func newRoomTracePartial() RoomTracePartial {
	inf := math.Inf(1)
	return RoomTracePartial{
		MinExtend: geom.Vector{X: inf, Y: inf, Z: inf},
		MaxExtend: geom.Vector{X: -inf, Y: -inf, Z: -inf},
	}
}

func (p *RoomTracePartial) extend(v geom.Vector) {
	p.MinExtend = geom.Vector{X: min(p.MinExtend.X, v.X), Y: min(p.MinExtend.Y, v.Y), Z: min(p.MinExtend.Z, v.Z)}
	p.MaxExtend = geom.Vector{X: max(p.MaxExtend.X, v.X), Y: max(p.MaxExtend.Y, v.Y), Z: max(p.MaxExtend.Z, v.Z)}
	p.HasExtend = true
}

// firstHit folds the first top-level hit of a ray into the Monte-Carlo
// room estimate: the ray's solid-angle share covers dA = d^2 dOmega /
// cos(theta) of wall at distance d (the cosine undoes the projection onto
// the sampling sphere) and dV = d^3/3 dOmega of room volume. Only the
// first boundary crossed from the probe origin is a valid sample.
func (p *RoomTracePartial) firstHit(unitSurface, unitVolume, dist, cosTheta float64, absorption [3]float64) {
	d2 := dist * dist
	dA := unitSurface * d2 / max(cosTheta, surfaceCosFloor)
	p.RoomSurfaceSum += dA
	p.RoomVolumeSum += unitVolume * d2 * dist
	for b := 0; b < bvh.BandCount; b++ {
		p.SabineSum[b] += dA * absorption[b]
	}
	p.FirstHitCount++
}

// firstMiss folds a top-level ray whose first cast escaped: it adds the
// volume and the Sabine and absorption shares of a hit at full range
// against a fully absorbing boundary, which keeps the room estimate
// bounded for open scenes instead of under-sampling them. It adds no wall
// surface and does not count as a first hit.
func (p *RoomTracePartial) firstMiss(unitSurface, unitVolume, rangeVal float64) {
	r2 := rangeVal * rangeVal
	p.RoomVolumeSum += unitVolume * r2 * rangeVal
	for b := 0; b < bvh.BandCount; b++ {
		p.SabineSum[b] += unitSurface * r2
		p.AbsorptionSum[b] += 1
	}
	p.AbsorptionCount++
}

// RayTraceTask traces one slab of rays ([FirstRay, FirstRay+RayCount) into
// RayConfig.Directions), producing a segment chain per ray plus the
// absorption/mean-free-path partials FinishTask later reduces. A
// RayTraceTask is reused across probes via dispatch.TaskPool: its fields
// are only written while the task sits in the pool's ready state, and its
// Local arena is Clear'd (not reallocated) at the start of every Run.
type RayTraceTask struct {
	Visitor           bvh.Visitor
	RayConfig         *raydata.RayConfig
	Origin            geom.Vector
	Range             float64
	Attenuation       raydata.Attenuation
	LayerMask         uint32
	AddRayMinLength   float64
	MaxBounceCount    int
	MaxTransmitCount  int
	ThresholdReflect  float64
	ThresholdTransmit float64
	InverseRayTracing bool
	FirstRay          int
	RayCount          int

	Local   *raydata.SoundRayList
	Partial RoomTracePartial

	cancelled atomic.Bool
}

// NewRayTraceTask returns a task with its own reusable local arena.
func NewRayTraceTask() *RayTraceTask {
	return &RayTraceTask{Local: raydata.NewSoundRayList()}
}

// Cancel marks the task cancelled; an in-flight Run observes this between
// rays and stops without finalizing its remaining output.
func (t *RayTraceTask) Cancel() {
	t.cancelled.Store(true)
}

// Run traces this task's slab of rays. It never suspends, and it never
// touches t.Local or t.Partial concurrently with another task, since each
// RayTraceTask owns its own arena.
func (t *RayTraceTask) Run() error {
	t.cancelled.Store(false)
	t.Local.Clear()
	t.Partial = newRoomTracePartial()

	fullGain := [3]float64{1, 1, 1}
	for i := 0; i < t.RayCount; i++ {
		if t.cancelled.Load() {
			return context.Canceled
		}
		dir := t.RayConfig.Directions[t.FirstRay+i]
		ray := t.traceRay(t.Origin, dir, geom.Zero, 0, fullGain, [3]float64{}, 0)
		t.Local.AddRay(ray)
	}

	return nil
}

// pendingTransmit defers a transmission event's trace until the parent
// ray's own segment chain has finished, so a ray's segments stay
// contiguous in t.Local.Segments even though the transmitted children are
// traced depth-first right afterward.
type pendingTransmit struct {
	parentSegment  int
	origin, normal geom.Vector
	dir            geom.Vector
	baseDist       float64
	gain           [3]float64
	absorptionSum  [3]float64
}

// traceRay walks one logical ray through its hit/reflect/transmit states. A
// segment is one straight leg of the path: its Position/Normal describe
// the scatter point the leg leaves from (the source itself for the first
// leg, with a zero normal so it never radiates), its Gain the per-band
// energy carried along the leg, and its AbsorptionSum the cumulative wall
// absorption picked up before the leg started. Transmitted children enter
// with the parent's traveled distance, remaining transmission budget, the
// transmitted share of the parent's energy, and the flipped wall normal so
// they radiate into the far half-space.
func (t *RayTraceTask) traceRay(origin, dir, startNormal geom.Vector, baseDist float64, startGain, startAbsorption [3]float64, transmitDepth int) raydata.Ray {
	first := len(t.Local.Segments)

	curOrigin := origin
	curDir := dir
	curNormal := startNormal
	curDist := baseDist
	curBounce := 0
	gain := startGain
	cumAbsorption := startAbsorption

	outside := false
	var pending []pendingTransmit

	for {
		remaining := t.Range - curDist
		if remaining <= t.AddRayMinLength {
			t.addLeg(curOrigin, curDir, curNormal, max(remaining, 0), curDist, gain, cumAbsorption, curBounce, 0)
			outside = true
			break
		}

		castOrigin := r3.Add(curOrigin, r3.Scale(castEpsilon, curDir))
		hit, ok := t.Visitor.RayHitsClosest(castOrigin, curDir, remaining, t.LayerMask)
		if !ok {
			t.addLeg(curOrigin, curDir, curNormal, remaining, curDist, gain, cumAbsorption, curBounce, 0)
			if transmitDepth == 0 && curBounce == 0 {
				t.Partial.firstMiss(t.RayConfig.UnitSurface, t.RayConfig.UnitVolume, t.Range)
			}
			t.Partial.MeanFreePathSum += remaining
			t.Partial.MeanFreePathCount++
			outside = true
			break
		}

		thickness := t.wallThickness(hit, curDir)
		absorption, transmission, reflected := hitEnergies(hit.Material, thickness)

		reflectedEnergy := [3]float64{
			gain[0] * reflected[0],
			gain[1] * reflected[1],
			gain[2] * reflected[2],
		}
		transmittedEnergy := [3]float64{
			gain[0] * transmission[0],
			gain[1] * transmission[1],
			gain[2] * transmission[2],
		}

		transmitTrigger := transmitDepth < t.MaxTransmitCount && anyAbove(transmittedEnergy, t.ThresholdTransmit)
		reflectTrigger := curBounce+1 <= t.MaxBounceCount && anyAbove(reflectedEnergy, t.ThresholdReflect)

		segTransmitCount := 0
		if transmitTrigger {
			segTransmitCount = 1
		}
		t.addLeg(curOrigin, curDir, curNormal, hit.Distance, curDist, gain, cumAbsorption, curBounce, segTransmitCount)

		t.Partial.MeanFreePathSum += hit.Distance
		t.Partial.MeanFreePathCount++
		for b := 0; b < bvh.BandCount; b++ {
			t.Partial.AbsorptionSum[b] += absorption[b]
		}
		t.Partial.AbsorptionCount++
		t.Partial.extend(hit.Position)

		if transmitDepth == 0 && curBounce == 0 {
			cosTheta := math.Abs(r3.Dot(curDir, hit.Normal))
			t.Partial.firstHit(t.RayConfig.UnitSurface, t.RayConfig.UnitVolume, hit.Distance, cosTheta, absorption)
		}

		if transmitTrigger {
			pending = append(pending, pendingTransmit{
				parentSegment: len(t.Local.Segments) - 1,
				origin:        hit.Position,
				normal:        r3.Scale(-1, hit.Normal),
				dir:           curDir,
				baseDist:      curDist + hit.Distance,
				gain:          transmittedEnergy,
				absorptionSum: cumAbsorption,
			})
		}

		if !reflectTrigger {
			break
		}

		curOrigin = hit.Position
		curNormal = hit.Normal
		curDir = geom.Reflect(curDir, hit.Normal)
		curDist += hit.Distance
		curBounce++
		gain = reflectedEnergy
		for b := 0; b < bvh.BandCount; b++ {
			cumAbsorption[b] += absorption[b]
		}
	}

	count := len(t.Local.Segments) - first

	// Reserve the child entries up front so this ray's transmitted range
	// stays contiguous; the children's own descendants land after it.
	firstTrans := len(t.Local.TransmittedRays)
	for range pending {
		t.Local.AddTransmittedRay(raydata.TransmittedRay{})
	}
	for i, p := range pending {
		child := t.traceRay(p.origin, p.dir, p.normal, p.baseDist, p.gain, p.absorptionSum, transmitDepth+1)
		t.Local.TransmittedRays[firstTrans+i] = raydata.TransmittedRay{ParentSegment: p.parentSegment, Ray: child}
	}

	return raydata.Ray{
		FirstSegment:     first,
		SegmentCount:     count,
		FirstTransmitted: firstTrans,
		TransmittedCount: len(pending),
		Outside:          outside,
	}
}

// addLeg appends one segment, baking the source's artistic attenuation at
// the leg's start distance into the stored gain unless the task runs in
// inverse mode, where ListenTask applies the curve at consumption time
// instead.
func (t *RayTraceTask) addLeg(pos, dir, normal geom.Vector, length, dist float64, gain, absorptionSum [3]float64, bounce, transmitCount int) {
	stored := gain
	if !t.InverseRayTracing {
		atten := t.Attenuation.Apply(dist)
		for b := range stored {
			stored[b] *= atten
		}
	}
	t.Local.AddSegment(raydata.Segment{
		Position:         pos,
		Direction:        dir,
		Normal:           normal,
		Length:           length,
		Distance:         dist,
		Gain:             stored,
		AbsorptionSum:    absorptionSum,
		BounceCount:      bounce,
		TransmittedCount: transmitCount,
	})
}

// wallThickness estimates the traversal distance a transmitted child would
// cross inside the hit material by casting a second ray from the hit point
// onward and measuring the distance to the next surface (the far side of
// the wall for solid geometry). Single-sided walls have no far side within
// the probe range and count as zero thickness, so their transmission
// coefficient applies undecayed; a wall thicker than the material's
// transmission range decays it to nothing.
func (t *RayTraceTask) wallThickness(hit bvh.HitRecord, dir geom.Vector) float64 {
	probeRange := hit.Material.TransmissionRange * 4
	if probeRange <= 0 {
		return 0
	}
	probeOrigin := r3.Add(hit.Position, r3.Scale(wallProbeEpsilon, dir))
	exit, ok := t.Visitor.RayHitsClosest(probeOrigin, dir, probeRange, hit.LayerMask)
	if !ok {
		return 0
	}
	return exit.Distance + wallProbeEpsilon
}
