package raytrace

import (
	"context"
	"math"
	"testing"

	"github.com/oakfield-audio/raytrace/bvh"
	"github.com/oakfield-audio/raytrace/dispatch"
	"github.com/oakfield-audio/raytrace/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testWorld implements WorldGeom over a fixed tree. It has no change
// tracking, so the invalidation visitor reports the queried region itself,
// counting calls so tests can check the cache drives its scan through it.
type testWorld struct {
	tree              *bvh.Bvh
	invalidationCalls int
}

func (w *testWorld) Bvh() *bvh.Bvh { return w.tree }

func (w *testWorld) InvalidationVisitor(layerMask uint32, minExt, maxExt Vector, cb func(minExt, maxExt Vector)) {
	w.invalidationCalls++
	cb(minExt, maxExt)
}

func quadComponent(a, b, c, d geom.Vector, mat bvh.Material, layer uint32) bvh.Component {
	return bvh.NewTriMesh([]geom.Vector{a, b, c, d}, [][3]int{{0, 1, 2}, {0, 2, 3}}, mat, layer)
}

func uniformMat(absorption float64) bvh.Material {
	return bvh.Material{Absorption: [3]float64{absorption, absorption, absorption}}
}

// boxWorld is a closed cube of edge length size centered on center.
func boxWorld(center Vector, size float64, mat bvh.Material) *testWorld {
	h := size / 2
	c := center
	corners := []geom.Vector{
		{X: c.X - h, Y: c.Y - h, Z: c.Z - h}, {X: c.X + h, Y: c.Y - h, Z: c.Z - h},
		{X: c.X + h, Y: c.Y + h, Z: c.Z - h}, {X: c.X - h, Y: c.Y + h, Z: c.Z - h},
		{X: c.X - h, Y: c.Y - h, Z: c.Z + h}, {X: c.X + h, Y: c.Y - h, Z: c.Z + h},
		{X: c.X + h, Y: c.Y + h, Z: c.Z + h}, {X: c.X - h, Y: c.Y + h, Z: c.Z + h},
	}
	quad := func(a, b, cc, d int) bvh.Component {
		return bvh.NewTriMesh(corners, [][3]int{{a, b, cc}, {a, cc, d}}, mat, 0)
	}
	return &testWorld{tree: bvh.Build([]bvh.Component{
		quad(0, 1, 2, 3), quad(7, 6, 5, 4),
		quad(0, 4, 5, 1), quad(3, 2, 6, 7),
		quad(0, 3, 7, 4), quad(1, 5, 6, 2),
	})}
}

// planeWorld is a single large ground rectangle at y=0.
func planeWorld(mat bvh.Material) *testWorld {
	return &testWorld{tree: bvh.Build([]bvh.Component{quadComponent(
		geom.Vector{X: -500, Y: 0, Z: -500},
		geom.Vector{X: 500, Y: 0, Z: -500},
		geom.Vector{X: 500, Y: 0, Z: 500},
		geom.Vector{X: -500, Y: 0, Z: 500},
		mat, 0,
	)})}
}

// twoRoomWorld builds two 5x5x3 rooms sharing the wall at x=0 with a
// doorway of the given width centered on it, reaching full room height.
func twoRoomWorld(door float64, mat bvh.Material) *testWorld {
	const hs, hh = 2.5, 1.5
	hd := door / 2

	q := func(a, b, c, d geom.Vector) bvh.Component {
		return quadComponent(a, b, c, d, mat, 0)
	}

	components := []bvh.Component{
		// room A spans x in [-5, 0]
		q(geom.Vector{X: -5, Y: -hh, Z: -hs}, geom.Vector{X: 0, Y: -hh, Z: -hs}, geom.Vector{X: 0, Y: -hh, Z: hs}, geom.Vector{X: -5, Y: -hh, Z: hs}),
		q(geom.Vector{X: -5, Y: hh, Z: -hs}, geom.Vector{X: -5, Y: hh, Z: hs}, geom.Vector{X: 0, Y: hh, Z: hs}, geom.Vector{X: 0, Y: hh, Z: -hs}),
		q(geom.Vector{X: -5, Y: -hh, Z: -hs}, geom.Vector{X: -5, Y: hh, Z: -hs}, geom.Vector{X: 0, Y: hh, Z: -hs}, geom.Vector{X: 0, Y: -hh, Z: -hs}),
		q(geom.Vector{X: -5, Y: -hh, Z: hs}, geom.Vector{X: 0, Y: -hh, Z: hs}, geom.Vector{X: 0, Y: hh, Z: hs}, geom.Vector{X: -5, Y: hh, Z: hs}),
		q(geom.Vector{X: -5, Y: -hh, Z: -hs}, geom.Vector{X: -5, Y: -hh, Z: hs}, geom.Vector{X: -5, Y: hh, Z: hs}, geom.Vector{X: -5, Y: hh, Z: -hs}),

		// shared wall at x=0, split either side of the doorway
		q(geom.Vector{X: 0, Y: -hh, Z: -hs}, geom.Vector{X: 0, Y: hh, Z: -hs}, geom.Vector{X: 0, Y: hh, Z: -hd}, geom.Vector{X: 0, Y: -hh, Z: -hd}),
		q(geom.Vector{X: 0, Y: -hh, Z: hd}, geom.Vector{X: 0, Y: hh, Z: hd}, geom.Vector{X: 0, Y: hh, Z: hs}, geom.Vector{X: 0, Y: -hh, Z: hs}),

		// room B spans x in [0, 5]
		q(geom.Vector{X: 0, Y: -hh, Z: -hs}, geom.Vector{X: 5, Y: -hh, Z: -hs}, geom.Vector{X: 5, Y: -hh, Z: hs}, geom.Vector{X: 0, Y: -hh, Z: hs}),
		q(geom.Vector{X: 0, Y: hh, Z: -hs}, geom.Vector{X: 0, Y: hh, Z: hs}, geom.Vector{X: 5, Y: hh, Z: hs}, geom.Vector{X: 5, Y: hh, Z: -hs}),
		q(geom.Vector{X: 0, Y: -hh, Z: -hs}, geom.Vector{X: 0, Y: hh, Z: -hs}, geom.Vector{X: 5, Y: hh, Z: -hs}, geom.Vector{X: 5, Y: -hh, Z: -hs}),
		q(geom.Vector{X: 0, Y: -hh, Z: hs}, geom.Vector{X: 5, Y: -hh, Z: hs}, geom.Vector{X: 5, Y: hh, Z: hs}, geom.Vector{X: 0, Y: hh, Z: hs}),
		q(geom.Vector{X: 5, Y: -hh, Z: -hs}, geom.Vector{X: 5, Y: -hh, Z: hs}, geom.Vector{X: 5, Y: hh, Z: hs}, geom.Vector{X: 5, Y: hh, Z: -hs}),
	}

	return &testWorld{tree: bvh.Build(components)}
}

func newTestTracer() *Tracer {
	return NewTracer(dispatch.New(dispatch.NewFixedPool(4)))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxBounces = 32
	return cfg
}

// flatAttenuation disables distance rolloff so traced gains reflect wall
// interactions alone; the closed-box expectations below depend on it.
var flatAttenuation = Attenuation{RefDist: 1, Rolloff: 0}

func traceBox(t *testing.T) (RoomParameters, *SoundRayList, *testWorld, *Tracer, *RayConfig) {
	t.Helper()
	world := boxWorld(Vector{}, 10, uniformMat(0.1))
	rc, err := NewEquiSpacedRayConfig(162)
	require.NoError(t, err)
	rc.Rotate(0.1, 0.2, 0.05)

	tracer := newTestTracer()
	room, rays, err := tracer.TraceSoundRays(context.Background(), world, testConfig(), rc, Vector{}, 600, flatAttenuation, 0)
	require.NoError(t, err)
	return room, rays, world, tracer, rc
}

// A 10m closed box with uniform absorption 0.1 measures close to its
// analytic mean free path 4V/S = 6.67m, volume 1000 m^3, and surface
// 600 m^2 at 162 rays.
func TestTraceClosedBoxRoomParameters(t *testing.T) {
	room, rays, _, _, _ := traceBox(t)

	assert.InDelta(t, 6.67, room.MeanFreePath, 6.67*0.05)
	assert.InDelta(t, 1000, room.RoomVolume, 1000*0.05)
	assert.InDelta(t, 600, room.RoomSurface, 600*0.05)
	assert.InDelta(t, 0.1, room.AvgAbsorption[1], 0.01)

	wantT60 := -13.8 * room.MeanFreePath / (SoundSpeed * math.Log(1-room.AvgAbsorption[1]))
	assert.InDelta(t, wantT60, room.ReverbTime[1], 1e-9)
	assert.Greater(t, room.ReverbTime[1], 1.5)
	assert.Less(t, room.ReverbTime[1], 3.5)

	assert.InDelta(t, room.MeanFreePath/SoundSpeed, room.EchoDelay, 1e-12)
	assert.InDelta(t, 4*room.MeanFreePath/SoundSpeed, room.SepTimeFirstLateReflection, 1e-12)

	assert.InDelta(t, -5, room.MinExtend.X, 0.1)
	assert.InDelta(t, 5, room.MaxExtend.Y, 0.1)

	require.Len(t, rays.Rays, 162)
	for _, r := range rays.Rays {
		assert.False(t, r.Outside)
	}
}

// Identical inputs produce bit-identical room parameters: the reduction
// order is fixed by task index, not completion order.
func TestTraceDeterminism(t *testing.T) {
	room1, _, world, tracer, rc := traceBox(t)
	room2, _, err := tracer.TraceSoundRays(context.Background(), world, testConfig(), rc, Vector{}, 600, flatAttenuation, 0)
	require.NoError(t, err)
	assert.Equal(t, room1, room2)
}

// Rotating the ray configuration must not change the room parameters
// beyond Monte Carlo noise.
func TestTraceRotationInvariance(t *testing.T) {
	world := boxWorld(Vector{}, 10, uniformMat(0.1))
	tracer := newTestTracer()

	trace := func(rx, ry, rz float64) RoomParameters {
		rc, err := NewEquiSpacedRayConfig(162)
		require.NoError(t, err)
		rc.Rotate(rx, ry, rz)
		room, _, err := tracer.TraceSoundRays(context.Background(), world, testConfig(), rc, Vector{}, 600, flatAttenuation, 0)
		require.NoError(t, err)
		return room
	}

	a := trace(0.1, 0.2, 0.05)
	b := trace(0.9, 0.4, 0.7)

	assert.InDelta(t, a.MeanFreePath, b.MeanFreePath, a.MeanFreePath*0.05)
	assert.InDelta(t, a.RoomVolume, b.RoomVolume, a.RoomVolume*0.05)
	assert.InDelta(t, a.RoomSurface, b.RoomSurface, a.RoomSurface*0.05)
}

// Invalid ray configurations are rejected before any fan-out.
func TestTraceArgumentValidation(t *testing.T) {
	world := boxWorld(Vector{}, 10, uniformMat(0.1))
	tracer := newTestTracer()

	_, _, err := tracer.TraceSoundRays(context.Background(), world, testConfig(), nil, Vector{}, 600, flatAttenuation, 0)
	assert.ErrorIs(t, err, ErrConfigurationMissing)

	empty := &RayConfig{}
	_, _, err = tracer.TraceSoundRays(context.Background(), world, testConfig(), empty, Vector{}, 600, flatAttenuation, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = tracer.EstimateRoomParameters(context.Background(), nil, Vector{}, 600, 0, empty)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

// The single-bounce estimate reproduces the box's first-hit geometry
// within the same tolerances as the full trace.
func TestEstimateRoomParametersClosedBox(t *testing.T) {
	world := boxWorld(Vector{}, 10, uniformMat(0.1))
	rc, err := NewEquiSpacedRayConfig(162)
	require.NoError(t, err)

	tracer := newTestTracer()
	room, err := tracer.EstimateRoomParameters(context.Background(), world, Vector{}, 600, 0, rc)
	require.NoError(t, err)

	assert.InDelta(t, 1000, room.RoomVolume, 1000*0.05)
	assert.InDelta(t, 600, room.RoomSurface, 600*0.05)
	assert.InDelta(t, 0.1, room.AvgAbsorption[0], 0.01)
}

func probeFromTrace(pos Vector, rc *RayConfig, room RoomParameters, rays *SoundRayList) *EnvProbe {
	return &EnvProbe{
		Position:       pos,
		Range:          600,
		Attenuation:    flatAttenuation,
		RTConfig:       rc,
		SoundRayList:   rays,
		RoomParameters: room,
	}
}

// Listening inside the closed box yields positive reflection and
// reverberation gains, a positive reflection delay, and the probe's
// reverberation time carried through.
func TestListenClosedBox(t *testing.T) {
	room, rays, world, tracer, rc := traceBox(t)
	probe := probeFromTrace(Vector{}, rc, room, rays)

	params, err := tracer.Listen(context.Background(), world, testConfig(), probe, nil, Vector{X: 2, Y: 1, Z: 0.5}, 0)
	require.NoError(t, err)

	for b := 0; b < 3; b++ {
		assert.Greater(t, params.Reflected[b], 0.0)
		assert.Greater(t, params.ReverbGain[b], 0.0)
	}
	assert.Greater(t, params.ReflectionDelay, 0.0)
	assert.InDelta(t, params.ReflectionDelay*1.5, params.ReverbDelay, 1e-12)
	assert.InDelta(t, room.ReverbTime[1], params.ReverbTime[1], 1e-9)
	assert.InDelta(t, room.EchoDelay, params.EchoDelay, 1e-9)
	assert.NotEmpty(t, params.ImpulseResponse)
}

// A listener at the source position still resolves: delays are finite and
// non-negative, reverberation bounded.
func TestListenAtSourcePosition(t *testing.T) {
	room, rays, world, tracer, rc := traceBox(t)
	probe := probeFromTrace(Vector{}, rc, room, rays)

	params, err := tracer.Listen(context.Background(), world, testConfig(), probe, nil, Vector{}, 0)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, params.ReflectionDelay, 0.0)
	assert.False(t, math.IsInf(params.ReverbTime[0], 0))
	assert.False(t, math.IsNaN(params.ReverbTime[0]))
	assert.Greater(t, params.ReverbGain[1], 0.0)
}

// Listen results are cached per listener position and reused within the
// blend radius.
func TestListenCachesListener(t *testing.T) {
	room, rays, world, tracer, rc := traceBox(t)
	probe := probeFromTrace(Vector{}, rc, room, rays)

	first, err := tracer.Listen(context.Background(), world, testConfig(), probe, nil, Vector{X: 2}, 0)
	require.NoError(t, err)
	require.Len(t, probe.CachedListeners, 1)

	second, err := tracer.Listen(context.Background(), world, testConfig(), probe, nil, Vector{X: 2.1}, 0)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, probe.CachedListeners, 1)
}

// Listening against an estimated-only probe requires a listen probe.
func TestListenEstimatedProbeStateViolation(t *testing.T) {
	world := boxWorld(Vector{}, 10, uniformMat(0.1))
	tracer := newTestTracer()

	probe := &EnvProbe{Estimated: true}
	_, err := tracer.Listen(context.Background(), world, testConfig(), probe, nil, Vector{X: 1}, 0)
	assert.ErrorIs(t, err, ErrStateViolation)
}

// Listener-centric mode walks the listen probe's rays with the receiver at
// the source and applies the source's attenuation curve at consumption
// time.
func TestListenListenerCentric(t *testing.T) {
	room, rays, world, tracer, rc := traceBox(t)
	listenProbe := probeFromTrace(Vector{}, rc, room, rays)

	sourceProbe := &EnvProbe{
		Position:       Vector{X: 2},
		Range:          600,
		Attenuation:    flatAttenuation,
		RoomParameters: room,
		Estimated:      true,
	}

	params, err := tracer.Listen(context.Background(), world, testConfig(), sourceProbe, listenProbe, Vector{}, 0)
	require.NoError(t, err)

	assert.Greater(t, params.ReverbGain[1], 0.0)
	assert.Greater(t, params.ReverbTime[1], 0.0)
	assert.False(t, math.IsInf(params.ReverbTime[1], 0))
}

// An open ground plane bounds the reverberation time via the per-ray
// decay slope of escaping rays, despite the inflated mean free path.
func TestListenOpenPlaneCapsReverbTime(t *testing.T) {
	world := planeWorld(uniformMat(0.1))
	rc, err := NewEquiSpacedRayConfig(162)
	require.NoError(t, err)
	rc.Rotate(0.1, 0.2, 0.05)

	tracer := newTestTracer()
	src := Vector{Y: 1.7}
	room, rays, err := tracer.TraceSoundRays(context.Background(), world, testConfig(), rc, src, 100, flatAttenuation, 0)
	require.NoError(t, err)

	probe := probeFromTrace(src, rc, room, rays)
	params, err := tracer.Listen(context.Background(), world, testConfig(), probe, nil, Vector{X: 3, Y: 1.7}, 0)
	require.NoError(t, err)

	assert.Less(t, params.ReverbTime[1], 2.0)
	assert.GreaterOrEqual(t, params.ReverbTime[1], 0.0)
}

// Sound reaching a listener through a doorway is quieter and later than
// for a listener in the source's own room.
func TestListenTwoConnectedRooms(t *testing.T) {
	mat := uniformMat(0.1)
	connected := twoRoomWorld(1.0, mat)
	single := boxWorld(Vector{X: -2.5}, 5, mat) // a lone room around the source

	rc, err := NewEquiSpacedRayConfig(642)
	require.NoError(t, err)
	rc.Rotate(0.1, 0.2, 0.05)

	cfg := testConfig()
	src := Vector{X: -2.5}
	ctx := context.Background()

	tracer := newTestTracer()
	sameRoomParams := func(world *testWorld) ListenerParameters {
		room, rays, err := tracer.TraceSoundRays(ctx, world, cfg, rc, src, 600, flatAttenuation, 0)
		require.NoError(t, err)
		probe := probeFromTrace(src, rc, room, rays)
		p, err := tracer.Listen(ctx, world, cfg, probe, nil, Vector{X: -1.5, Y: 0.5}, 0)
		require.NoError(t, err)
		return p
	}
	throughDoorParams := func(world *testWorld) ListenerParameters {
		room, rays, err := tracer.TraceSoundRays(ctx, world, cfg, rc, src, 600, flatAttenuation, 0)
		require.NoError(t, err)
		probe := probeFromTrace(src, rc, room, rays)
		p, err := tracer.Listen(ctx, world, cfg, probe, nil, Vector{X: 2.5, Y: 0.5}, 0)
		require.NoError(t, err)
		return p
	}

	alone := sameRoomParams(single)
	door := throughDoorParams(connected)

	assert.Greater(t, alone.ReverbGain[1], door.ReverbGain[1])
	assert.Greater(t, door.ReverbGain[1], 0.0)
	assert.Greater(t, door.ReflectionDelay, alone.ReflectionDelay)
}

// The asynchronous variants deliver the same values the synchronous calls
// produce, just through a handle the caller waits on later.
func TestTraceSoundRaysAsyncMatchesSync(t *testing.T) {
	world := boxWorld(Vector{}, 10, uniformMat(0.1))
	rc, err := NewEquiSpacedRayConfig(64)
	require.NoError(t, err)
	rc.Rotate(0.1, 0.2, 0.05)

	tracer := newTestTracer()
	ctx := context.Background()

	syncRoom, _, err := tracer.TraceSoundRays(ctx, world, testConfig(), rc, Vector{}, 600, flatAttenuation, 0)
	require.NoError(t, err)

	handle := tracer.TraceSoundRaysAsync(ctx, world, testConfig(), rc, Vector{}, 600, flatAttenuation, 0)
	asyncRoom, asyncRays, err := handle.Wait()
	require.NoError(t, err)
	require.NotNil(t, asyncRays)

	assert.Equal(t, syncRoom, asyncRoom)
}
