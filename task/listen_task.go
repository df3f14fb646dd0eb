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

const (
	gainFloor = 1e-10

	// occlusionEpsilon stops the receiver-to-scatter-point occlusion ray
	// just short of the surface the scatter point sits on, so the wall
	// that produced a contribution never occludes it.
	occlusionEpsilon = 1e-3

	// minSlopeTime/minSlopeDb guard the per-ray decay-slope estimate
	// against degenerate single-sample rays and flat decays.
	minSlopeTime = 1e-3
	minSlopeDb   = 1e-4
)

// Contribution is one raw impulse-response sample produced by ListenTask
// before FinishTask bins it into time buckets.
type Contribution struct {
	Time   float64
	Energy [3]float64
}

// ListenPartial is one worker's share of the sphere-receiver reduction.
// FinishTask merges a slice of these, one per ListenTask, into a
// ListenerParameters.
type ListenPartial struct {
	LRGain  [3]float64
	LRPan   geom.Vector
	LRCount int

	FRGain        [3]float64
	FRPan         geom.Vector
	FRCount       int
	FRMinDistance float64
	FRMaxDistance float64
	FRSumDistance float64

	Contributions []Contribution

	// AbsorptionSum/AbsorptionCount and MeanFreePathSum/MeanFreePathCount
	// sample the walked segment chains so listener-centric mode can derive
	// its own reverberation time from the rays actually contributing.
	AbsorptionSum     [3]float64
	AbsorptionCount   int
	MeanFreePathSum   float64
	MeanFreePathCount int

	// LimitRevTimeSum holds per-ray decay-slope T60 estimates for rays
	// that escaped the range; LimitRevTimeCount and
	// UnlimitRevTimeCount are the blend weights FinishTask uses to cap
	// reverberation in open spaces.
	LimitRevTimeSum     [3]float64
	LimitRevTimeCount   int
	UnlimitRevTimeCount int
}

func newListenPartial() ListenPartial {
	return ListenPartial{
		FRMinDistance: math.Inf(1),
		FRMaxDistance: math.Inf(-1),
	}
}

// ListenTask walks one slab of a traced ray set with the sphere-receiver
// model and accumulates per-listener contributions. SourceRays
// is the source probe's SoundRayList (or, in inverse/listener-centric
// mode, the listen probe's own ray list traced with the listener as
// origin); the two modes differ only in which attenuation factor applies,
// since in listener-centric mode the rays were traced without baking the
// source's attenuation curve into their gain.
type ListenTask struct {
	Visitor         bvh.Visitor
	SourceRays      *raydata.SoundRayList
	ReceiverCenter  geom.Vector
	ReceiverRadius  float64
	DirectDistance  float64
	SeparationDist  float64 // separationTimeFLR * soundSpeed, precomputed by the caller
	SoundSpeed      float64
	LayerMask       uint32
	ListenerCentric bool
	SourceAtten     raydata.Attenuation
	FirstRay        int
	RayCount        int

	Partial ListenPartial

	cancelled atomic.Bool
}

// NewListenTask returns an empty, reusable task.
func NewListenTask() *ListenTask {
	return &ListenTask{}
}

func (t *ListenTask) Cancel() {
	t.cancelled.Store(true)
}

// Run walks this task's slab of top-level rays, and each one's transmitted
// descendants, accumulating contributions at the receiver sphere. The
// children are walked too since they are the physical continuation of the
// same sound ray on the far side of a wall.
func (t *ListenTask) Run() error {
	t.cancelled.Store(false)
	t.Partial = newListenPartial()

	for i := 0; i < t.RayCount; i++ {
		if t.cancelled.Load() {
			return context.Canceled
		}
		t.walkRay(t.SourceRays.Rays[t.FirstRay+i], nil)
	}

	return nil
}

// walkRay folds one logical ray's segments into t.Partial, then recurses
// into its transmitted children. firstImpinge carries the earliest
// contribution down the transmitted-ray tree so a child's decay slope is
// measured against the whole ray path, not just its own continuation.
func (t *ListenTask) walkRay(ray raydata.Ray, firstImpinge *Contribution) {
	if ray.SegmentCount == 0 {
		return
	}

	initialDistance := t.SourceRays.Segments[ray.FirstSegment].Distance
	var lastImpinge Contribution
	lastContrib := -1

	for s := ray.FirstSegment; s < ray.FirstSegment+ray.SegmentCount; s++ {
		seg := t.SourceRays.Segments[s]

		c, totalDist, ok := t.segmentContribution(seg)
		if !ok {
			continue
		}

		t.classify(seg, c, totalDist)
		sample := Contribution{Time: totalDist / t.SoundSpeed, Energy: c}
		t.Partial.Contributions = append(t.Partial.Contributions, sample)

		lastImpinge = sample
		lastContrib = s
		if firstImpinge == nil {
			first := sample
			firstImpinge = &first
		}
	}

	if lastContrib >= 0 {
		seg := t.SourceRays.Segments[lastContrib]

		for b := 0; b < bvh.BandCount; b++ {
			t.Partial.AbsorptionSum[b] += seg.AbsorptionSum[b]
		}
		t.Partial.AbsorptionCount += seg.BounceCount

		if ray.Outside {
			t.Partial.MeanFreePathSum += seg.Distance - initialDistance
			t.Partial.MeanFreePathCount += max(seg.BounceCount-1, 0)
			t.limitRevTime(firstImpinge, lastImpinge)
		} else {
			t.Partial.MeanFreePathSum += seg.Distance - initialDistance + seg.Length
			t.Partial.MeanFreePathCount += seg.BounceCount
			t.Partial.UnlimitRevTimeCount++
		}
	}

	for c := ray.FirstTransmitted; c < ray.FirstTransmitted+ray.TransmittedCount; c++ {
		t.walkRay(t.SourceRays.TransmittedRays[c].Ray, firstImpinge)
	}
}

// limitRevTime estimates a per-ray T60 from the intensity decay between
// the ray's first and last impinge on the receiver, the open-space cap on
// reverberation. A ray with a single impinge contributes a zero
// estimate, pulling the blended reverberation time down, which is exactly
// what an escaping ray should do.
func (t *ListenTask) limitRevTime(first *Contribution, last Contribution) {
	if first != nil {
		diffTime := last.Time - first.Time
		if diffTime > minSlopeTime {
			for b := 0; b < bvh.BandCount; b++ {
				ratio := max(last.Energy[b], gainFloor) / max(first.Energy[b], gainFloor)
				diffDb := -10 * math.Log10(ratio)
				if diffDb > minSlopeDb {
					t.Partial.LimitRevTimeSum[b] += diffTime * 60 / diffDb
				}
			}
		}
	}
	t.Partial.LimitRevTimeCount++
}

// segmentContribution evaluates one segment at the receiver: front-facing cull,
// fade factor, occlusion test, and the per-band energy contribution. The
// first leg of every ray has a zero normal and is culled here, which keeps
// the direct sound path out of the reflection accumulators.
func (t *ListenTask) segmentContribution(seg raydata.Segment) (c [3]float64, totalDist float64, ok bool) {
	v := r3.Sub(t.ReceiverCenter, seg.Position)
	nDotV := r3.Dot(seg.Normal, v)
	if nDotV <= 0 {
		return c, 0, false
	}

	f := nDotV / t.ReceiverRadius
	if f > 1 {
		f = 1
	}

	d := r3.Norm(v)
	if d <= 0 {
		return c, 0, false
	}

	if t.Visitor.RayBlocked(t.ReceiverCenter, r3.Scale(-1/d, v), d-occlusionEpsilon, t.LayerMask) {
		return c, 0, false
	}

	totalDist = seg.Distance + d
	atten := 1.0
	if t.ListenerCentric {
		a := t.SourceAtten.Apply(totalDist)
		atten = a * a
	}

	for b := 0; b < bvh.BandCount; b++ {
		c[b] = seg.Gain[b] * f * atten
	}
	return c, totalDist, true
}

// classify splits a contribution into first-reflection and late-reflection
// accumulators by comparing traveled distance against the separation
// threshold derived from t_FLR.
func (t *ListenTask) classify(seg raydata.Segment, c [3]float64, totalDist float64) {
	late := seg.BounceCount > 1 && totalDist > t.DirectDistance+t.SeparationDist
	dir := geom.Unit(seg.Direction)
	weight := geom.Max3(c[0], c[1], c[2])

	if late {
		for b := range c {
			t.Partial.LRGain[b] += c[b]
		}
		t.Partial.LRPan = r3.Add(t.Partial.LRPan, r3.Scale(weight, dir))
		t.Partial.LRCount++
		return
	}

	for b := range c {
		t.Partial.FRGain[b] += c[b]
	}
	t.Partial.FRPan = r3.Add(t.Partial.FRPan, r3.Scale(weight, dir))
	t.Partial.FRCount++
	t.Partial.FRMinDistance = math.Min(t.Partial.FRMinDistance, totalDist)
	t.Partial.FRMaxDistance = math.Max(t.Partial.FRMaxDistance, totalDist)
	t.Partial.FRSumDistance += totalDist
}

// ReceiverRadius computes the sphere-receiver radius
// r = meanFreePath * sqrt(2*pi/N) * k, where N is the ray count the source
// probe was traced with and k is Config.ReceiverRadiusScale.
func ReceiverRadius(meanFreePath float64, rayCount int, k, minRadius float64) float64 {
	if rayCount <= 0 {
		return minRadius
	}
	r := meanFreePath * math.Sqrt(2*math.Pi/float64(rayCount)) * k
	if r < minRadius {
		return minRadius
	}
	return r
}
