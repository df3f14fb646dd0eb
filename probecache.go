package raytrace

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/oakfield-audio/raytrace/dispatch"
	"github.com/oakfield-audio/raytrace/geom"
	"github.com/oakfield-audio/raytrace/raydata"
	"github.com/samber/lo"
)

// ProbeCache is the spatially-indexed environment-probe cache: it scans
// its own probes for reuse, evicts the least-recently-used entry under
// pressure, and invalidates probes a geometry change touches. Membership
// in the spatial index is the indexed sentinel on each EnvProbe;
// ProbeCache owns the dense probe slice and scans it directly.
type ProbeCache struct {
	mu sync.Mutex

	world  WorldGeom
	tracer *Tracer
	cfg    Config

	probes          []*EnvProbe
	reuseDistance   float64
	maxProbeCount   int
	lastUsedCounter uint64

	rangeVal       float64
	attenuation    Attenuation
	layerMask      uint32
	tracingConfig  *RayConfig
	estimateConfig *RayConfig
}

// CreateForWorld builds a ProbeCache bound to world and dispatcher.
// cfg.ReuseDistance/MaxProbeCount seed the cache's reuse radius and
// capacity; SetRTConfig must be called before the first GetProbeForTracing.
func CreateForWorld(world WorldGeom, dispatcher *dispatch.Dispatcher, cfg Config) *ProbeCache {
	return &ProbeCache{
		world:         world,
		tracer:        NewTracer(dispatcher),
		cfg:           cfg,
		reuseDistance: cfg.ReuseDistance,
		maxProbeCount: cfg.MaxProbeCount,
	}
}

// Tracer returns the cache's task-pool-backed tracer so hosts can run
// Listen against probes this cache produced without building a second set
// of pools.
func (c *ProbeCache) Tracer() *Tracer {
	return c.tracer
}

// SetRange sets the probe query range used for subsequent misses.
func (c *ProbeCache) SetRange(r float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rangeVal = r
}

// SetAttenuation sets the artistic attenuation curve baked into newly
// traced probes' ray gains.
func (c *ProbeCache) SetAttenuation(a Attenuation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attenuation = a
}

// SetLayerMask restricts subsequent traces/estimates to layerMask.
func (c *ProbeCache) SetLayerMask(layerMask uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layerMask = layerMask
}

// SetRTConfig attaches the tracing RayConfig new probes are traced with.
// Tracing-mode misses before this is called fail with
// ErrConfigurationMissing.
func (c *ProbeCache) SetRTConfig(rt *RayConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracingConfig = rt
}

// SetEstimateConfig attaches the (typically coarser, axis-aligned)
// RayConfig estimate-mode misses are traced with.
func (c *ProbeCache) SetEstimateConfig(rt *RayConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.estimateConfig = rt
}

// PrepareFrame bumps the monotone lastUsedCounter; callers
// invoke this once per frame before querying probes so LRU age can be
// measured as counter-minus-probe.LastUsedCounter.
func (c *ProbeCache) PrepareFrame() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUsedCounter++
}

func distSq(a, b Vector) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return dx*dx + dy*dy + dz*dz
}

// nearest returns the valid probe closest to pos within reuseDistance.
// Estimate-mode lookups accept any probe, even a fully traced one;
// tracing-mode lookups reject estimated-only probes. Must be called with
// c.mu held.
func (c *ProbeCache) nearest(pos Vector, acceptEstimated bool) *EnvProbe {
	limit := c.reuseDistance * c.reuseDistance
	var candidates []*EnvProbe
	for _, p := range c.probes {
		if !p.Valid() {
			continue
		}
		if p.Estimated && !acceptEstimated {
			continue
		}
		if distSq(p.Position, pos) <= limit {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return lo.MinBy(candidates, func(a, b *EnvProbe) bool {
		return distSq(a.Position, pos) < distSq(b.Position, pos)
	})
}

// firstInvalid returns the first pool slot not currently indexed, or nil.
func (c *ProbeCache) firstInvalid() *EnvProbe {
	for _, p := range c.probes {
		if !p.Valid() {
			return p
		}
	}
	return nil
}

// lruVictim returns the valid probe with the largest age
// (lastUsedCounter - probe.LastUsedCounter).
func (c *ProbeCache) lruVictim() *EnvProbe {
	valid := lo.Filter(c.probes, func(p *EnvProbe, _ int) bool { return p.Valid() })
	if len(valid) == 0 {
		return nil
	}
	return lo.MaxBy(valid, func(a, b *EnvProbe) bool {
		return (c.lastUsedCounter - a.LastUsedCounter) > (c.lastUsedCounter - b.LastUsedCounter)
	})
}

// GetProbeForTracing looks up or creates a fully traced probe at pos.
// Miss handling in order: upgrade a nearby estimated probe, else reuse an
// invalid slot, else evict the LRU victim under pressure, else grow the
// pool.
func (c *ProbeCache) GetProbeForTracing(ctx context.Context, pos Vector) (*EnvProbe, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tracingConfig == nil {
		return nil, ErrConfigurationMissing
	}

	if hit := c.nearest(pos, false); hit != nil {
		hit.LastUsedCounter = c.lastUsedCounter
		return hit, nil
	}

	if est := c.nearest(pos, true); est != nil && est.Estimated {
		log.Printf("raytrace: upgrading estimated probe at %v to a full trace", est.Position)
		est.MarkInvalid()
		est.ClearCachedListeners()
		return c.traceInto(ctx, est, pos)
	}

	if p := c.firstInvalid(); p != nil {
		log.Printf("raytrace: reusing invalid probe slot for trace at %v", pos)
		return c.traceInto(ctx, p, pos)
	}

	if len(c.probes) >= c.maxProbeCount {
		victim := c.lruVictim()
		log.Printf("raytrace: evicting LRU probe at %v for trace at %v", victim.Position, pos)
		victim.MarkInvalid()
		victim.ClearCachedListeners()
		return c.traceInto(ctx, victim, pos)
	}

	p := raydata.NewEnvProbe()
	c.probes = append(c.probes, p)
	log.Printf("raytrace: allocating new probe slot (%d/%d) for trace at %v", len(c.probes), c.maxProbeCount, pos)
	return c.traceInto(ctx, p, pos)
}

// GetProbeForEstimate looks up or creates a probe carrying at least room
// parameters; any valid probe within reuseDistance satisfies it, traced or
// estimated.
func (c *ProbeCache) GetProbeForEstimate(ctx context.Context, pos Vector) (*EnvProbe, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.estimateConfig == nil {
		return nil, ErrConfigurationMissing
	}

	if hit := c.nearest(pos, true); hit != nil {
		hit.LastUsedCounter = c.lastUsedCounter
		return hit, nil
	}

	if p := c.firstInvalid(); p != nil {
		return c.estimateInto(ctx, p, pos)
	}

	if len(c.probes) >= c.maxProbeCount {
		victim := c.lruVictim()
		victim.MarkInvalid()
		victim.ClearCachedListeners()
		return c.estimateInto(ctx, victim, pos)
	}

	p := raydata.NewEnvProbe()
	c.probes = append(c.probes, p)
	return c.estimateInto(ctx, p, pos)
}

// traceInto runs a full TraceSoundRays into probe and re-inserts it with
// updated extents. Called with c.mu held; TraceSoundRays
// itself does not touch ProbeCache state, so holding the lock across the
// (potentially long) fan-out keeps all probe mutation serialized by the
// one cache mutex.
func (c *ProbeCache) traceInto(ctx context.Context, p *EnvProbe, pos Vector) (*EnvProbe, error) {
	room, rays, err := c.tracer.TraceSoundRays(ctx, c.world, c.cfg, c.tracingConfig, pos, c.rangeVal, c.attenuation, c.layerMask)
	if err != nil {
		return nil, fmt.Errorf("raytrace: probe cache trace at %v: %w", pos, err)
	}

	p.Position = pos
	p.Range = c.rangeVal
	p.Attenuation = c.attenuation
	p.LayerMask = c.layerMask
	p.RTConfig = c.tracingConfig
	p.MinExtend = room.MinExtend
	p.MaxExtend = room.MaxExtend
	p.RoomCenter = geom.Vector{
		X: (room.MinExtend.X + room.MaxExtend.X) / 2,
		Y: (room.MinExtend.Y + room.MaxExtend.Y) / 2,
		Z: (room.MinExtend.Z + room.MaxExtend.Z) / 2,
	}
	p.SoundRayList = rays
	p.RoomParameters = room
	p.Estimated = false
	p.LastUsedCounter = c.lastUsedCounter
	p.MarkIndexed()

	return p, nil
}

// estimateInto runs EstimateRoomParameters into probe, leaving it marked
// Estimated with no SoundRayList.
func (c *ProbeCache) estimateInto(ctx context.Context, p *EnvProbe, pos Vector) (*EnvProbe, error) {
	room, err := c.tracer.EstimateRoomParameters(ctx, c.world, pos, c.rangeVal, c.layerMask, c.estimateConfig)
	if err != nil {
		return nil, fmt.Errorf("raytrace: probe cache estimate at %v: %w", pos, err)
	}

	p.Position = pos
	p.Range = c.rangeVal
	p.Attenuation = c.attenuation
	p.LayerMask = c.layerMask
	p.RTConfig = c.estimateConfig
	p.MinExtend = room.MinExtend
	p.MaxExtend = room.MaxExtend
	p.RoomCenter = geom.Vector{
		X: (room.MinExtend.X + room.MaxExtend.X) / 2,
		Y: (room.MinExtend.Y + room.MaxExtend.Y) / 2,
		Z: (room.MinExtend.Z + room.MaxExtend.Z) / 2,
	}
	p.SoundRayList = nil
	p.RoomParameters = room
	p.Estimated = true
	p.LastUsedCounter = c.lastUsedCounter
	p.MarkIndexed()

	return p, nil
}

// InvalidateInside queries the world's invalidation visitor for the
// regions a geometry change inside [minExt,maxExt] actually touched, and
// marks every valid probe whose AABB overlaps a reported region and whose
// LayerMask intersects layerMask as invalid. Invalidation does not free
// the probe; it stays in the pool with its SoundRayList arena's capacity
// intact for the next trace to reuse.
func (c *ProbeCache) InvalidateInside(minExt, maxExt Vector, layerMask uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.world.InvalidationVisitor(layerMask, minExt, maxExt, func(regionMin, regionMax Vector) {
		region := geom.AABB{Min: regionMin, Max: regionMax}
		for _, p := range c.probes {
			if !p.Valid() {
				continue
			}
			if layerMask != 0 && p.LayerMask&layerMask == 0 {
				continue
			}
			probeBox := geom.AABB{Min: p.MinExtend, Max: p.MaxExtend}
			if !region.Overlaps(probeBox) {
				continue
			}
			p.MarkInvalid()
			p.ClearCachedListeners()
		}
	})
}

// InvalidateAll marks every probe invalid, e.g. on a full scene reload.
func (c *ProbeCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.probes {
		p.MarkInvalid()
		p.ClearCachedListeners()
	}
}

// PrepareQuickDispose nulls every probe's index sentinel without touching
// any external index structure: on world teardown the index is destroyed
// wholesale anyway, and removing probes one by one would be O(n^2).
func (c *ProbeCache) PrepareQuickDispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.probes {
		p.MarkInvalid()
	}
}

// Len reports the number of probe slots (valid and invalid) currently
// held by the cache.
func (c *ProbeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.probes)
}

// ValidCount reports the number of currently-indexed probes.
func (c *ProbeCache) ValidCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.probes {
		if p.Valid() {
			n++
		}
	}
	return n
}
