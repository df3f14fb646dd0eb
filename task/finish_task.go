package task

import (
	"math"
	"sort"

	"github.com/oakfield-audio/raytrace/bvh"
	"github.com/oakfield-audio/raytrace/raydata"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	logEpsilonReverb = 1e-5

	// minRoomMeasure keeps the surface/volume divisors of the room
	// reduction away from zero for scenes where no ray hits anything.
	minRoomMeasure = 0.01
)

// t60 evaluates the Eyring-style reverberation time from a mean free path
// and an average absorption coefficient, with the logarithm clamped away
// from zero. Absorption at or below zero yields zero rather than infinity.
func t60(meanFreePath, avgAbsorption, soundSpeed float64) float64 {
	if meanFreePath <= 0 || avgAbsorption <= 0 {
		return 0
	}
	denom := math.Log(math.Max(1-avgAbsorption, logEpsilonReverb))
	if denom >= 0 {
		return 0
	}
	return -13.8 * meanFreePath / (soundSpeed * denom)
}

// RoomFinishTask reduces a set of RayTraceTask/RoomEstimateTask partials,
// in submission order, into a RoomParameters. Submission order matters:
// reducing by task index keeps the floating-point result deterministic for
// identical inputs, so Partials must be appended in the same order the
// dispatcher submitted the corresponding tasks.
type RoomFinishTask struct {
	Partials   []RoomTracePartial
	SoundSpeed float64

	// SepTimeFactor is the multiplier in t_FLR = factor * meanFreePath /
	// soundSpeed; zero selects the pinned default of 4.
	SepTimeFactor float64

	Out       raydata.RoomParameters
	OutRays   *raydata.SoundRayList // nil for RoomEstimateTask's variant
	sources   []*raydata.SoundRayList
	cancelled bool
}

// NewRoomFinishTask returns an empty, reusable finish task.
func NewRoomFinishTask() *RoomFinishTask {
	return &RoomFinishTask{}
}

func (f *RoomFinishTask) Cancel() {
	f.cancelled = true
}

// Reset clears the per-invocation state so a pooled finish task can be
// reconfigured while sitting in the ready pool.
func (f *RoomFinishTask) Reset() {
	f.Partials = f.Partials[:0]
	f.OutRays = nil
	f.sources = nil
	f.cancelled = false
	f.Out = raydata.RoomParameters{}
}

// Run reduces the partials into room parameters. It is always called
// inline by the dispatcher after every worker task has completed without
// error
// (dispatch.Dispatcher.RunSync), so it never itself runs concurrently with
// the tasks whose Partials it reads.
func (f *RoomFinishTask) Run() error {
	if f.cancelled {
		f.Out = raydata.RoomParameters{}
		return nil
	}

	var out raydata.RoomParameters
	out.MinExtend = raydata.Vector{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	out.MaxExtend = raydata.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}

	var mfpSum float64
	var mfpCount int
	var absSum [3]float64
	var absCount int
	hasExtend := false

	for _, p := range f.Partials {
		if p.HasExtend {
			out.MinExtend = r3.Vec{
				X: math.Min(out.MinExtend.X, p.MinExtend.X),
				Y: math.Min(out.MinExtend.Y, p.MinExtend.Y),
				Z: math.Min(out.MinExtend.Z, p.MinExtend.Z),
			}
			out.MaxExtend = r3.Vec{
				X: math.Max(out.MaxExtend.X, p.MaxExtend.X),
				Y: math.Max(out.MaxExtend.Y, p.MaxExtend.Y),
				Z: math.Max(out.MaxExtend.Z, p.MaxExtend.Z),
			}
			hasExtend = true
		}
		mfpSum += p.MeanFreePathSum
		mfpCount += p.MeanFreePathCount
		absCount += p.AbsorptionCount
		out.RoomVolume += p.RoomVolumeSum
		out.RoomSurface += p.RoomSurfaceSum
		for b := 0; b < bvh.BandCount; b++ {
			out.Sabine[b] += p.SabineSum[b]
			absSum[b] += p.AbsorptionSum[b]
		}
	}

	if !hasExtend {
		out.MinExtend = raydata.Vector{}
		out.MaxExtend = raydata.Vector{}
	}

	if mfpCount > 0 {
		out.MeanFreePath = mfpSum / float64(mfpCount)
	}
	if absCount > 0 {
		for b := 0; b < bvh.BandCount; b++ {
			out.AvgAbsorption[b] = absSum[b] / float64(absCount)
		}
	}

	out.RoomSurface = math.Max(out.RoomSurface, minRoomMeasure)
	out.RoomVolume = math.Max(out.RoomVolume, minRoomMeasure)
	for b := 0; b < bvh.BandCount; b++ {
		out.RoomAbsorption[b] = out.Sabine[b] / out.RoomSurface
		out.ReverbTime[b] = t60(out.MeanFreePath, out.AvgAbsorption[b], f.SoundSpeed)
	}

	out.EchoDelay = out.MeanFreePath / f.SoundSpeed
	sepFactor := f.SepTimeFactor
	if sepFactor == 0 {
		sepFactor = 4
	}
	out.SepTimeFirstLateReflection = sepFactor * out.MeanFreePath / f.SoundSpeed

	f.Out = out

	if f.OutRays != nil {
		f.OutRays.Clear()
		for _, r := range f.sources {
			f.OutRays.Append(r)
		}
	}

	return nil
}

// SetSources registers the per-worker SoundRayList arenas to merge, in
// submission order, when OutRays is non-nil.
func (f *RoomFinishTask) SetSources(sources []*raydata.SoundRayList) {
	f.sources = sources
}

// ListenFinishTask reduces a set of ListenTask partials into a
// ListenerParameters. In listener-centric mode it derives reverberation
// time and echo delay from the walked
// segment chains themselves; otherwise it copies the source probe's
// already-reduced room values. Either way the per-ray decay-slope cap for
// escaping rays is blended in afterwards.
type ListenFinishTask struct {
	Partials        []ListenPartial
	DirectDistance  float64
	SoundSpeed      float64
	RayCount        int
	ListenerCentric bool

	// SourceReverbTime/SourceEchoDelay are the source probe's
	// RoomParameters values, used verbatim in source-centric mode.
	SourceReverbTime [3]float64
	SourceEchoDelay  float64

	Out raydata.ListenerParameters

	cancelled bool
}

// NewListenFinishTask returns an empty, reusable finish task.
func NewListenFinishTask() *ListenFinishTask {
	return &ListenFinishTask{}
}

func (f *ListenFinishTask) Cancel() {
	f.cancelled = true
}

// Reset clears the per-invocation state for pool reuse.
func (f *ListenFinishTask) Reset() {
	f.Partials = f.Partials[:0]
	f.cancelled = false
	f.Out = raydata.ListenerParameters{}
}

func (f *ListenFinishTask) Run() error {
	if f.cancelled {
		f.Out = raydata.ListenerParameters{}
		return nil
	}

	var out raydata.ListenerParameters
	var frGain, lrGain, absSum, limitSum [3]float64
	frMin := math.Inf(1)
	var frCount int
	var absCount, mfpCount, limitCount, unlimitCount int
	var mfpSum float64
	var lrPan, frPan r3.Vec
	var allContributions []Contribution

	for _, p := range f.Partials {
		for b := 0; b < bvh.BandCount; b++ {
			frGain[b] += p.FRGain[b]
			lrGain[b] += p.LRGain[b]
			absSum[b] += p.AbsorptionSum[b]
			limitSum[b] += p.LimitRevTimeSum[b]
		}
		frCount += p.FRCount
		absCount += p.AbsorptionCount
		mfpSum += p.MeanFreePathSum
		mfpCount += p.MeanFreePathCount
		limitCount += p.LimitRevTimeCount
		unlimitCount += p.UnlimitRevTimeCount
		frMin = math.Min(frMin, p.FRMinDistance)
		lrPan = r3.Add(lrPan, p.LRPan)
		frPan = r3.Add(frPan, p.FRPan)
		allContributions = append(allContributions, p.Contributions...)
	}

	// Accumulated per-band intensities become linear amplitudes: the
	// sound-intensity level and sound-pressure level agree in value, so
	// gain = sqrt(intensity) after normalizing by the ray count.
	invRayCount := 1.0
	if f.RayCount > 0 {
		invRayCount = 1 / float64(f.RayCount)
	}
	for b := 0; b < bvh.BandCount; b++ {
		out.Reflected[b] = math.Sqrt(math.Max(frGain[b]*invRayCount, 0))
		out.ReverbGain[b] = math.Sqrt(math.Max(lrGain[b]*invRayCount, 0))
	}
	out.ReflectionPan = frPan
	out.ReverbPan = lrPan

	if f.ListenerCentric {
		var avgAbs [3]float64
		if absCount > 0 {
			for b := 0; b < bvh.BandCount; b++ {
				avgAbs[b] = absSum[b] / float64(absCount)
			}
		}
		mfp := 0.0
		if mfpCount > 0 {
			mfp = mfpSum / float64(mfpCount)
		}
		out.EchoDelay = mfp / f.SoundSpeed
		for b := 0; b < bvh.BandCount; b++ {
			out.ReverbTime[b] = t60(mfp, avgAbs[b], f.SoundSpeed)
		}
	} else {
		out.ReverbTime = f.SourceReverbTime
		out.EchoDelay = f.SourceEchoDelay
	}

	// Open-space cap: rays that escaped the range bound the reverberation
	// by their measured decay slope.
	if total := limitCount + unlimitCount; total > 0 {
		for b := 0; b < bvh.BandCount; b++ {
			out.ReverbTime[b] = (limitSum[b] + out.ReverbTime[b]*float64(unlimitCount)) / float64(total)
		}
	}

	if frCount > 0 && !math.IsInf(frMin, 1) {
		out.ReflectionDelay = math.Max(frMin-f.DirectDistance, 0) / f.SoundSpeed
	}
	// 1.5 is derived from comparing EAX presets; open profiles sit lower
	// but are already handled by the decay-slope cap.
	out.ReverbDelay = out.ReflectionDelay * 1.5

	out.ImpulseResponse = binImpulseResponse(allContributions, invRayCount)

	f.Out = out
	return nil
}

// binImpulseResponse groups raw contributions into fixed-width time
// buckets, summing energy within each, then returns the bins sorted by
// time ascending. Downstream reverberators resample from these coarse
// buckets rather than from the raw per-segment samples.
func binImpulseResponse(contributions []Contribution, scale float64) []raydata.ImpulseResponseBin {
	if len(contributions) == 0 {
		return nil
	}

	const binWidth = 0.001 // 1ms buckets

	buckets := make(map[int]*raydata.ImpulseResponseBin)
	for _, c := range contributions {
		idx := int(c.Time / binWidth)
		b, ok := buckets[idx]
		if !ok {
			b = &raydata.ImpulseResponseBin{Time: float64(idx) * binWidth}
			buckets[idx] = b
		}
		for band := 0; band < bvh.BandCount; band++ {
			b.Energy[band] += c.Energy[band] * scale
		}
	}

	keys := lo.Keys(buckets)
	sort.Ints(keys)

	bins := make([]raydata.ImpulseResponseBin, 0, len(keys))
	for _, k := range keys {
		bins = append(bins, *buckets[k])
	}
	return bins
}
