package raytrace

import (
	"context"
	"fmt"
	"runtime"

	"github.com/oakfield-audio/raytrace/bvh"
	"github.com/oakfield-audio/raytrace/dispatch"
	"github.com/oakfield-audio/raytrace/raydata"
	"github.com/oakfield-audio/raytrace/task"
	"gonum.org/v1/gonum/spatial/r3"
)

// funcTask adapts a closure pair to dispatch.Task, used to wrap a finish
// task's Run so it can first copy each worker's partial into the finish
// task's input slice in submission order. The dispatch package stays
// ignorant of the concrete task types; the glue lives here so no task
// ever calls back into the dispatcher outside the finish protocol.
type funcTask struct {
	run    func() error
	cancel func()
}

func (f funcTask) Run() error { return f.run() }
func (f funcTask) Cancel()    { f.cancel() }

// maxCachedListenersPerProbe bounds EnvProbe.CachedListeners; a small
// fixed cap keeps FindCachedListener's linear scan cheap.
const maxCachedListenersPerProbe = 8

// slab is a contiguous [first, first+count) range of ray indices assigned
// to one worker task.
type slab struct{ first, count int }

// splitSlabs partitions n rays into up to parts contiguous slabs. parts is
// clamped to [1, n] so a small ray count never produces empty slabs.
func splitSlabs(n, parts int) []slab {
	if n <= 0 {
		return nil
	}
	if parts < 1 {
		parts = 1
	}
	if parts > n {
		parts = n
	}

	base := n / parts
	rem := n % parts
	slabs := make([]slab, 0, parts)
	first := 0
	for i := 0; i < parts; i++ {
		count := base
		if i < rem {
			count++
		}
		if count == 0 {
			continue
		}
		slabs = append(slabs, slab{first: first, count: count})
		first += count
	}
	return slabs
}

// defaultParallelism sizes fan-out to the host machine. A CPU-bound ray
// fan-out gains nothing from hyperthread oversubscription, so this stays
// at a single NumCPU().
func defaultParallelism() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 1
}

// Tracer owns the typed task pools backing the three public operations:
// one task object per worker slab plus one finish task, preallocated on
// first use and reused across calls. Task objects are configured only
// while they sit in a pool's ready state; a Tracer's methods may be called
// from multiple goroutines, each call acquiring its own disjoint task set.
type Tracer struct {
	dispatcher *dispatch.Dispatcher

	tracePool        *dispatch.TaskPool[*task.RayTraceTask]
	estimatePool     *dispatch.TaskPool[*task.RoomEstimateTask]
	listenPool       *dispatch.TaskPool[*task.ListenTask]
	roomFinishPool   *dispatch.TaskPool[*task.RoomFinishTask]
	listenFinishPool *dispatch.TaskPool[*task.ListenFinishTask]
}

// NewTracer builds a Tracer submitting through dispatcher. Pools grow
// lazily and keep their task objects (and the trace tasks' arenas) alive
// across calls.
func NewTracer(dispatcher *dispatch.Dispatcher) *Tracer {
	return &Tracer{
		dispatcher:       dispatcher,
		tracePool:        dispatch.NewTaskPool(task.NewRayTraceTask),
		estimatePool:     dispatch.NewTaskPool(task.NewRoomEstimateTask),
		listenPool:       dispatch.NewTaskPool(task.NewListenTask),
		roomFinishPool:   dispatch.NewTaskPool(task.NewRoomFinishTask),
		listenFinishPool: dispatch.NewTaskPool(task.NewListenFinishTask),
	}
}

// TraceSoundRays runs the full ray-tracing pipeline for a source at pos
// and returns the reduced RoomParameters plus the merged SoundRayList.
// rtConfig must be the tracing RayConfig the caller wants this probe
// traced with; nil means no sound-tracing configuration is attached, and
// an empty one is rejected outright.
func (t *Tracer) TraceSoundRays(ctx context.Context, world WorldGeom, cfg Config, rtConfig *RayConfig, pos Vector, rangeVal float64, atten Attenuation, layerMask uint32) (RoomParameters, *SoundRayList, error) {
	if rtConfig == nil {
		return RoomParameters{}, nil, ErrConfigurationMissing
	}
	if len(rtConfig.Directions) == 0 {
		return RoomParameters{}, nil, ErrInvalidArgument
	}
	if world == nil {
		return RoomParameters{}, nil, ErrInvalidArgument
	}

	visitor := bvh.NewVisitor(world.Bvh())
	slabs := splitSlabs(len(rtConfig.Directions), defaultParallelism())

	rtTasks := t.tracePool.Acquire(len(slabs))
	defer t.tracePool.Release(rtTasks)
	finishes := t.roomFinishPool.Acquire(1)
	defer t.roomFinishPool.Release(finishes)

	tasks := make([]dispatch.Task, 0, len(slabs))
	arenas := make([]*raydata.SoundRayList, 0, len(slabs))
	for i, s := range slabs {
		rt := rtTasks[i]
		rt.Visitor = visitor
		rt.RayConfig = rtConfig
		rt.Origin = pos
		rt.Range = rangeVal
		rt.Attenuation = atten
		rt.LayerMask = layerMask
		rt.AddRayMinLength = cfg.AddRayMinLength
		rt.MaxBounceCount = cfg.MaxBounces
		rt.MaxTransmitCount = cfg.MaxTransmits
		rt.ThresholdReflect = cfg.ThresholdReflect
		rt.ThresholdTransmit = cfg.ThresholdTransmit
		rt.InverseRayTracing = false
		rt.FirstRay = s.first
		rt.RayCount = s.count

		tasks = append(tasks, rt)
		arenas = append(arenas, rt.Local)
	}

	finish := finishes[0]
	finish.Reset()
	finish.SoundSpeed = SoundSpeed
	finish.SepTimeFactor = cfg.SeparationTimeMFPFactor
	outRays := raydata.NewSoundRayList()
	finish.OutRays = outRays
	finish.SetSources(arenas)

	wrapped := funcTask{
		run: func() error {
			partials := make([]task.RoomTracePartial, len(rtTasks))
			for i, rt := range rtTasks {
				partials[i] = rt.Partial
			}
			finish.Partials = partials
			return finish.Run()
		},
		cancel: finish.Cancel,
	}

	if err := t.dispatcher.RunSync(ctx, tasks, wrapped); err != nil {
		return RoomParameters{}, nil, fmt.Errorf("raytrace: trace sound rays: %w", errTaskFailed(err))
	}

	return finish.Out, outRays, nil
}

// EstimateRoomParameters runs the cheap single-bounce probe and returns
// only the room descriptor, with no SoundRayList.
func (t *Tracer) EstimateRoomParameters(ctx context.Context, world WorldGeom, pos Vector, rangeVal float64, layerMask uint32, rayConfig *RayConfig) (RoomParameters, error) {
	if rayConfig == nil {
		return RoomParameters{}, ErrConfigurationMissing
	}
	if len(rayConfig.Directions) == 0 {
		return RoomParameters{}, ErrInvalidArgument
	}
	if world == nil {
		return RoomParameters{}, ErrInvalidArgument
	}

	visitor := bvh.NewVisitor(world.Bvh())
	slabs := splitSlabs(len(rayConfig.Directions), defaultParallelism())

	reTasks := t.estimatePool.Acquire(len(slabs))
	defer t.estimatePool.Release(reTasks)
	finishes := t.roomFinishPool.Acquire(1)
	defer t.roomFinishPool.Release(finishes)

	tasks := make([]dispatch.Task, 0, len(slabs))
	for i, s := range slabs {
		rt := reTasks[i]
		rt.Visitor = visitor
		rt.RayConfig = rayConfig
		rt.Origin = pos
		rt.Range = rangeVal
		rt.LayerMask = layerMask
		rt.FirstRay = s.first
		rt.RayCount = s.count

		tasks = append(tasks, rt)
	}

	finish := finishes[0]
	finish.Reset()
	finish.SoundSpeed = SoundSpeed

	wrapped := funcTask{
		run: func() error {
			partials := make([]task.RoomTracePartial, len(reTasks))
			for i, rt := range reTasks {
				partials[i] = rt.Partial
			}
			finish.Partials = partials
			return finish.Run()
		},
		cancel: finish.Cancel,
	}

	if err := t.dispatcher.RunSync(ctx, tasks, wrapped); err != nil {
		return RoomParameters{}, fmt.Errorf("raytrace: estimate room parameters: %w", errTaskFailed(err))
	}

	return finish.Out, nil
}

// Listen runs the sphere-receiver reduction for one (source, listener)
// pair. listenProbe is non-nil only in inverse/listener-centric mode, where
// it holds rays traced from the listener's position; sourceProbe supplies
// the artistic attenuation curve and owns the CachedListeners blend cache
// regardless of which probe's rays are walked.
func (t *Tracer) Listen(ctx context.Context, world WorldGeom, cfg Config, sourceProbe, listenProbe *EnvProbe, listenerPos Vector, layerMask uint32) (ListenerParameters, error) {
	if sourceProbe == nil {
		return ListenerParameters{}, ErrInvalidArgument
	}
	if sourceProbe.Estimated && listenProbe == nil {
		return ListenerParameters{}, ErrStateViolation
	}
	if world == nil {
		return ListenerParameters{}, ErrInvalidArgument
	}

	local := r3.Sub(listenerPos, sourceProbe.Position)
	if cached := sourceProbe.FindCachedListener(local, cfg.ListenerBlendRadius); cached != nil {
		cached.LastUsed = sourceProbe.LastUsedCounter
		return cached.ListenerParameters, nil
	}

	tracedProbe := sourceProbe
	centric := false
	if listenProbe != nil {
		tracedProbe = listenProbe
		centric = true
	}
	if tracedProbe.SoundRayList == nil || tracedProbe.RTConfig == nil {
		return ListenerParameters{}, ErrStateViolation
	}

	rayCount := len(tracedProbe.RTConfig.Directions)
	meanFreePath := tracedProbe.RoomParameters.MeanFreePath
	receiverRadius := task.ReceiverRadius(meanFreePath, rayCount, cfg.ReceiverRadiusScale, cfg.MinReceiverRadius)
	directDistance := r3.Norm(r3.Sub(listenerPos, sourceProbe.Position))
	separationDist := tracedProbe.RoomParameters.SepTimeFirstLateReflection * SoundSpeed

	// In listener-centric mode the receiver sits at the source's position
	// within the listen probe's ray field; the rays themselves were cast
	// from the listener.
	receiverCenter := listenerPos
	if centric {
		receiverCenter = sourceProbe.Position
	}

	visitor := bvh.NewVisitor(world.Bvh())
	rays := tracedProbe.SoundRayList
	slabs := splitSlabs(len(rays.Rays), defaultParallelism())

	ltTasks := t.listenPool.Acquire(len(slabs))
	defer t.listenPool.Release(ltTasks)
	finishes := t.listenFinishPool.Acquire(1)
	defer t.listenFinishPool.Release(finishes)

	tasks := make([]dispatch.Task, 0, len(slabs))
	for i, s := range slabs {
		lt := ltTasks[i]
		lt.Visitor = visitor
		lt.SourceRays = rays
		lt.ReceiverCenter = receiverCenter
		lt.ReceiverRadius = receiverRadius
		lt.DirectDistance = directDistance
		lt.SeparationDist = separationDist
		lt.SoundSpeed = SoundSpeed
		lt.LayerMask = layerMask
		lt.ListenerCentric = centric
		lt.SourceAtten = sourceProbe.Attenuation
		lt.FirstRay = s.first
		lt.RayCount = s.count

		tasks = append(tasks, lt)
	}

	finish := finishes[0]
	finish.Reset()
	finish.DirectDistance = directDistance
	finish.SoundSpeed = SoundSpeed
	finish.RayCount = rayCount
	finish.ListenerCentric = centric
	finish.SourceReverbTime = sourceProbe.RoomParameters.ReverbTime
	finish.SourceEchoDelay = sourceProbe.RoomParameters.EchoDelay

	wrapped := funcTask{
		run: func() error {
			partials := make([]task.ListenPartial, len(ltTasks))
			for i, lt := range ltTasks {
				partials[i] = lt.Partial
			}
			finish.Partials = partials
			return finish.Run()
		},
		cancel: finish.Cancel,
	}

	if err := t.dispatcher.RunSync(ctx, tasks, wrapped); err != nil {
		return ListenerParameters{}, fmt.Errorf("raytrace: listen: %w", errTaskFailed(err))
	}

	out := finish.Out

	sourceProbe.AddCachedListener(raydata.CachedListener{
		LocalPosition:      local,
		LastUsed:           sourceProbe.LastUsedCounter,
		ListenerParameters: out,
	}, maxCachedListenersPerProbe)

	return out, nil
}

// errTaskFailed wraps any dispatcher-reported failure as ErrTaskFailed,
// preserving the underlying cause via %w chaining, so callers can match
// the kind with errors.Is while still logging the cause.
func errTaskFailed(cause error) error {
	return fmt.Errorf("%w: %w", ErrTaskFailed, cause)
}

// TraceResult is an asynchronous trace's outcome, delivered at the
// caller's next synchronization point.
type TraceResult struct {
	Room RoomParameters
	Rays *SoundRayList
	Err  error
}

// TraceHandle fulfils once an asynchronous trace's finish barrier fires.
type TraceHandle struct {
	done chan TraceResult
}

// Wait blocks until the trace completes and returns its result.
func (h *TraceHandle) Wait() (RoomParameters, *SoundRayList, error) {
	r := <-h.done
	return r.Room, r.Rays, r.Err
}

// TraceSoundRaysAsync is TraceSoundRays' non-blocking counterpart: the
// caller keeps running and collects the result from the handle at its next
// frame synchronization point instead of suspending on the barrier.
func (t *Tracer) TraceSoundRaysAsync(ctx context.Context, world WorldGeom, cfg Config, rtConfig *RayConfig, pos Vector, rangeVal float64, atten Attenuation, layerMask uint32) *TraceHandle {
	h := &TraceHandle{done: make(chan TraceResult, 1)}
	go func() {
		room, rays, err := t.TraceSoundRays(ctx, world, cfg, rtConfig, pos, rangeVal, atten, layerMask)
		h.done <- TraceResult{Room: room, Rays: rays, Err: err}
	}()
	return h
}

// ListenResult is an asynchronous listen's outcome.
type ListenResult struct {
	Params ListenerParameters
	Err    error
}

// ListenHandle fulfils once an asynchronous listen's finish barrier fires.
type ListenHandle struct {
	done chan ListenResult
}

// Wait blocks until the listen completes and returns its result.
func (h *ListenHandle) Wait() (ListenerParameters, error) {
	r := <-h.done
	return r.Params, r.Err
}

// ListenAsync is Listen's non-blocking counterpart.
func (t *Tracer) ListenAsync(ctx context.Context, world WorldGeom, cfg Config, sourceProbe, listenProbe *EnvProbe, listenerPos Vector, layerMask uint32) *ListenHandle {
	h := &ListenHandle{done: make(chan ListenResult, 1)}
	go func() {
		params, err := t.Listen(ctx, world, cfg, sourceProbe, listenProbe, listenerPos, layerMask)
		h.done <- ListenResult{Params: params, Err: err}
	}()
	return h
}
