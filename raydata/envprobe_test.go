package raydata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvProbeValidityFollowsIndexSentinel(t *testing.T) {
	p := NewEnvProbe()
	assert.False(t, p.Valid())
	p.MarkIndexed()
	assert.True(t, p.Valid())
	p.MarkInvalid()
	assert.False(t, p.Valid())
}

func TestFindCachedListenerWithinBlendRadius(t *testing.T) {
	p := NewEnvProbe()
	p.AddCachedListener(CachedListener{LocalPosition: Vector{X: 1}, LastUsed: 1}, 8)
	p.AddCachedListener(CachedListener{LocalPosition: Vector{X: 5}, LastUsed: 2}, 8)

	got := p.FindCachedListener(Vector{X: 1.05}, 1.0)
	require.NotNil(t, got)
	assert.Equal(t, Vector{X: 1}, got.LocalPosition)

	assert.Nil(t, p.FindCachedListener(Vector{X: 100}, 1.0))
}

// The per-probe listener cache evicts its least-recently-used entry when
// full, same shape as the probe cache itself.
func TestAddCachedListenerEvictsOldestWhenFull(t *testing.T) {
	p := NewEnvProbe()
	for i := 0; i < 3; i++ {
		p.AddCachedListener(CachedListener{LocalPosition: Vector{X: float64(i)}, LastUsed: uint64(i)}, 3)
	}
	require.Len(t, p.CachedListeners, 3)

	p.AddCachedListener(CachedListener{LocalPosition: Vector{X: 99}, LastUsed: 10}, 3)
	require.Len(t, p.CachedListeners, 3)

	for _, cl := range p.CachedListeners {
		assert.NotEqual(t, Vector{X: 0}, cl.LocalPosition)
	}
}

func TestClearCachedListenersKeepsCapacity(t *testing.T) {
	p := NewEnvProbe()
	p.AddCachedListener(CachedListener{LocalPosition: Vector{X: 1}}, 8)
	capBefore := cap(p.CachedListeners)
	p.ClearCachedListeners()
	assert.Len(t, p.CachedListeners, 0)
	assert.Equal(t, capBefore, cap(p.CachedListeners))
}

func TestAttenuationApplyFallsBackToUnityForNonPositiveDenominator(t *testing.T) {
	a := Attenuation{RefDist: 1, Rolloff: -10, DistOffset: 0}
	assert.Equal(t, 1.0, a.Apply(5))
}
