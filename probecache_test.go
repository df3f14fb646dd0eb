package raytrace

import (
	"context"
	"testing"

	"github.com/oakfield-audio/raytrace/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBoxCache(t *testing.T, cfg Config) (*ProbeCache, *testWorld) {
	t.Helper()
	world := boxWorld(Vector{}, 40, uniformMat(0.1))

	cache := CreateForWorld(world, dispatch.New(dispatch.NewFixedPool(4)), cfg)
	cache.SetRange(600)
	cache.SetAttenuation(flatAttenuation)

	rc, err := NewEquiSpacedRayConfig(42)
	require.NoError(t, err)
	rc.Rotate(0.1, 0.2, 0.05)
	cache.SetRTConfig(rc)

	est, err := NewEquiSpacedRayConfig(16)
	require.NoError(t, err)
	cache.SetEstimateConfig(est)

	return cache, world
}

func cacheConfig() Config {
	cfg := DefaultConfig()
	cfg.ReuseDistance = 1.0
	cfg.MaxProbeCount = 4
	return cfg
}

// Tracing-mode lookups fail until a tracing configuration is attached.
func TestProbeCacheRequiresRTConfig(t *testing.T) {
	world := boxWorld(Vector{}, 40, uniformMat(0.1))
	cache := CreateForWorld(world, dispatch.New(dispatch.NewFixedPool(2)), cacheConfig())
	cache.SetRange(600)

	_, err := cache.GetProbeForTracing(context.Background(), Vector{})
	assert.ErrorIs(t, err, ErrConfigurationMissing)

	_, err = cache.GetProbeForEstimate(context.Background(), Vector{})
	assert.ErrorIs(t, err, ErrConfigurationMissing)
}

// Two lookups within the reuse distance return the same probe; a lookup
// farther away traces a second one.
func TestProbeCacheReusesWithinDistance(t *testing.T) {
	cache, _ := newBoxCache(t, cacheConfig())
	ctx := context.Background()

	p1, err := cache.GetProbeForTracing(ctx, Vector{X: 1})
	require.NoError(t, err)
	require.NotNil(t, p1)
	assert.False(t, p1.Estimated)
	assert.NotNil(t, p1.SoundRayList)

	p2, err := cache.GetProbeForTracing(ctx, Vector{X: 1.5})
	require.NoError(t, err)
	assert.Same(t, p1, p2)

	p3, err := cache.GetProbeForTracing(ctx, Vector{X: 5})
	require.NoError(t, err)
	assert.NotSame(t, p1, p3)
	assert.Equal(t, 2, cache.ValidCount())
}

// Under capacity pressure the probe with the greatest age since last use
// is evicted and its slot retraced at the new position.
func TestProbeCacheLRUEviction(t *testing.T) {
	cache, _ := newBoxCache(t, cacheConfig())
	ctx := context.Background()

	positions := []Vector{{X: -16}, {X: -8}, {X: 0}, {X: 8}}
	for _, pos := range positions {
		cache.PrepareFrame()
		_, err := cache.GetProbeForTracing(ctx, pos)
		require.NoError(t, err)
	}
	require.Equal(t, 4, cache.ValidCount())

	// Touch every probe except the first so P0 is the LRU victim.
	cache.PrepareFrame()
	for _, pos := range positions[1:] {
		_, err := cache.GetProbeForTracing(ctx, pos)
		require.NoError(t, err)
	}

	cache.PrepareFrame()
	p4, err := cache.GetProbeForTracing(ctx, Vector{X: 16})
	require.NoError(t, err)
	assert.Equal(t, Vector{X: 16}, p4.Position)
	assert.Equal(t, 4, cache.ValidCount())
	assert.Equal(t, 4, cache.Len())

	// The evicted position misses and allocates a fresh trace in place of
	// the next victim.
	cache.PrepareFrame()
	p0again, err := cache.GetProbeForTracing(ctx, positions[0])
	require.NoError(t, err)
	assert.Equal(t, positions[0], p0again.Position)
	assert.LessOrEqual(t, cache.ValidCount(), 4)
}

// An estimated probe near a tracing-mode lookup is upgraded in place to a
// full trace.
func TestProbeCacheUpgradesEstimatedProbe(t *testing.T) {
	cache, _ := newBoxCache(t, cacheConfig())
	ctx := context.Background()

	est, err := cache.GetProbeForEstimate(ctx, Vector{X: 2})
	require.NoError(t, err)
	require.True(t, est.Estimated)
	assert.Nil(t, est.SoundRayList)

	traced, err := cache.GetProbeForTracing(ctx, Vector{X: 2})
	require.NoError(t, err)
	assert.Same(t, est, traced)
	assert.False(t, traced.Estimated)
	assert.NotNil(t, traced.SoundRayList)
}

// Estimate-mode lookups are satisfied by fully traced probes too.
func TestProbeCacheEstimateAcceptsTracedProbe(t *testing.T) {
	cache, _ := newBoxCache(t, cacheConfig())
	ctx := context.Background()

	traced, err := cache.GetProbeForTracing(ctx, Vector{X: 2})
	require.NoError(t, err)

	est, err := cache.GetProbeForEstimate(ctx, Vector{X: 2})
	require.NoError(t, err)
	assert.Same(t, traced, est)
}

// Invalidation runs through the world's invalidation visitor and only
// touches probes whose extents overlap a reported region and whose layer
// mask matches.
func TestProbeCacheInvalidateInside(t *testing.T) {
	cache, world := newBoxCache(t, cacheConfig())
	ctx := context.Background()

	p, err := cache.GetProbeForTracing(ctx, Vector{X: 1})
	require.NoError(t, err)
	require.True(t, p.Valid())

	// A region far outside the box leaves the probe alone.
	cache.InvalidateInside(Vector{X: 100}, Vector{X: 110}, 0)
	assert.True(t, p.Valid())
	assert.Equal(t, 1, world.invalidationCalls)

	cache.InvalidateInside(Vector{X: -30, Y: -30, Z: -30}, Vector{X: 30, Y: 30, Z: 30}, 0)
	assert.False(t, p.Valid())
	assert.Equal(t, 0, cache.ValidCount())
	assert.Equal(t, 2, world.invalidationCalls)
}

// InvalidateAll followed by a fresh lookup retraces from scratch and
// reproduces the same parameters the first trace measured.
func TestProbeCacheInvalidateAllRoundTrip(t *testing.T) {
	cache, _ := newBoxCache(t, cacheConfig())
	ctx := context.Background()

	p1, err := cache.GetProbeForTracing(ctx, Vector{X: 1})
	require.NoError(t, err)
	before := p1.RoomParameters

	cache.InvalidateAll()
	assert.Equal(t, 0, cache.ValidCount())

	cache.PrepareFrame()
	p2, err := cache.GetProbeForTracing(ctx, Vector{X: 1})
	require.NoError(t, err)
	require.True(t, p2.Valid())

	assert.InDelta(t, before.MeanFreePath, p2.RoomParameters.MeanFreePath, 1e-9)
	assert.InDelta(t, before.RoomVolume, p2.RoomParameters.RoomVolume, 1e-9)
	assert.InDelta(t, before.ReverbTime[1], p2.RoomParameters.ReverbTime[1], 1e-9)
}

// Quick dispose drops every index entry without touching the probe pool.
func TestProbeCachePrepareQuickDispose(t *testing.T) {
	cache, _ := newBoxCache(t, cacheConfig())
	ctx := context.Background()

	_, err := cache.GetProbeForTracing(ctx, Vector{X: 1})
	require.NoError(t, err)
	_, err = cache.GetProbeForTracing(ctx, Vector{X: 5})
	require.NoError(t, err)

	cache.PrepareQuickDispose()
	assert.Equal(t, 0, cache.ValidCount())
	assert.Equal(t, 2, cache.Len())
}

// The number of valid probes never exceeds the configured maximum.
func TestProbeCacheRespectsMaxProbeCount(t *testing.T) {
	cache, _ := newBoxCache(t, cacheConfig())
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		cache.PrepareFrame()
		_, err := cache.GetProbeForTracing(ctx, Vector{X: float64(i*4 - 16)})
		require.NoError(t, err)
		assert.LessOrEqual(t, cache.ValidCount(), 4)
	}
	assert.Equal(t, 4, cache.Len())
}
