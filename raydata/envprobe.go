package raydata

// Attenuation describes the artistic rolloff curve attached to a probe's
// originating sound source.
type Attenuation struct {
	RefDist    float64
	Rolloff    float64
	DistOffset float64
}

// Apply evaluates the attenuation curve at distance d. Listen squares this
// in listener-centric mode (intensities, not amplitudes) since the
// source's curve is otherwise baked into the ray's gain once during
// tracing.
func (a Attenuation) Apply(d float64) float64 {
	denom := a.RefDist + a.Rolloff*(d-a.RefDist) + a.DistOffset
	if denom <= 0 {
		return 1
	}
	return a.RefDist / denom
}

// CachedListener is a per-listener blend result owned by an EnvProbe.
// LocalPosition is relative to the probe's position so cache
// hits can be recognized within Config.ListenerBlendRadius without
// re-running ListenTask.
type CachedListener struct {
	LocalPosition      Vector
	LastUsed           uint64
	ListenerParameters ListenerParameters
}

// EnvProbe is a cached tracing result at a point in world space.
// Estimated==true means only RoomParameters are present; SoundRayList and
// CachedListeners are unused in that state. A probe with no index entry is
// invalid and eligible for reuse.
type EnvProbe struct {
	Position    Vector
	Range       float64
	Attenuation Attenuation
	LayerMask   uint32
	RTConfig    *RayConfig
	MinExtend   Vector
	MaxExtend   Vector
	RoomCenter  Vector

	SoundRayList   *SoundRayList
	RoomParameters RoomParameters

	CachedListeners []CachedListener

	// indexed reports whether the spatial index currently holds an entry
	// for this probe; an unindexed probe is invalid and eligible for reuse.
	indexed bool

	LastUsedCounter uint64
	Estimated       bool
}

// NewEnvProbe allocates an empty, not-yet-indexed probe. ProbeCache fills
// in Position/Range/Attenuation/LayerMask/RTConfig and either a traced
// SoundRayList or Estimated=true before inserting it.
func NewEnvProbe() *EnvProbe {
	return &EnvProbe{}
}

// Valid reports whether the probe is currently reachable via the spatial
// index.
func (p *EnvProbe) Valid() bool {
	return p != nil && p.indexed
}

// MarkIndexed records that the spatial index now holds an entry for this
// probe.
func (p *EnvProbe) MarkIndexed() {
	p.indexed = true
}

// MarkInvalid flips the probe's index sentinel off. The probe's arenas keep
// their capacity for reuse; only CachedListeners is explicitly cleared by
// the caller via ClearCachedListeners, since invalidation always follows a
// geometry change that can stale every cached listener blend.
func (p *EnvProbe) MarkInvalid() {
	p.indexed = false
}

// ClearCachedListeners empties the probe's listener cache while keeping the
// slice's capacity, mirroring SoundRayList.Clear's arena discipline.
func (p *EnvProbe) ClearCachedListeners() {
	p.CachedListeners = p.CachedListeners[:0]
}

// FindCachedListener returns the cached listener within blendRadius of pos,
// or nil. A probe's listener list stays small (single digits), so a linear
// scan beats any index.
func (p *EnvProbe) FindCachedListener(pos Vector, blendRadius float64) *CachedListener {
	best := -1
	bestDist := blendRadius * blendRadius
	for i := range p.CachedListeners {
		d := distance2(p.CachedListeners[i].LocalPosition, pos)
		if d <= bestDist {
			bestDist = d
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	return &p.CachedListeners[best]
}

func distance2(a, b Vector) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return dx*dx + dy*dy + dz*dz
}

// AddCachedListener appends a new blend result, evicting the oldest (by
// LastUsed) entry first if the cache has reached maxEntries. Small fixed
// caps keep this a linear scan, matching FindCachedListener's shape.
func (p *EnvProbe) AddCachedListener(cl CachedListener, maxEntries int) {
	if maxEntries > 0 && len(p.CachedListeners) >= maxEntries {
		oldest := 0
		for i := 1; i < len(p.CachedListeners); i++ {
			if p.CachedListeners[i].LastUsed < p.CachedListeners[oldest].LastUsed {
				oldest = i
			}
		}
		p.CachedListeners[oldest] = cl
		return
	}
	p.CachedListeners = append(p.CachedListeners, cl)
}
