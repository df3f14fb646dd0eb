package raydata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoundRayListAddAndClear(t *testing.T) {
	l := NewSoundRayList()
	segIdx := l.AddSegment(Segment{Distance: 1})
	rayIdx := l.AddRay(Ray{FirstSegment: segIdx, SegmentCount: 1})
	assert.Equal(t, 0, segIdx)
	assert.Equal(t, 0, rayIdx)
	assert.Len(t, l.Segments, 1)

	capBefore := cap(l.Segments)
	l.Clear()
	assert.Len(t, l.Segments, 0)
	assert.Equal(t, capBefore, cap(l.Segments))
}

// TestSoundRayListAppendOffsetsIndices exercises Append: the
// merged list must be indistinguishable from one traced into a single
// arena, so every index the appended rays/transmitted-rays carry has to
// shift by the destination's prior length.
func TestSoundRayListAppendOffsetsIndices(t *testing.T) {
	dst := NewSoundRayList()
	dst.AddSegment(Segment{Distance: 0})
	dst.AddRay(Ray{FirstSegment: 0, SegmentCount: 1})

	src := NewSoundRayList()
	srcSeg := src.AddSegment(Segment{Distance: 5})
	src.AddRay(Ray{FirstSegment: srcSeg, SegmentCount: 1})
	src.AddTransmittedRay(TransmittedRay{ParentSegment: srcSeg, Ray: Ray{FirstSegment: 0, SegmentCount: 1}})

	dst.Append(src)

	require.Len(t, dst.Rays, 2)
	require.Len(t, dst.Segments, 2)
	require.Len(t, dst.TransmittedRays, 1)

	assert.Equal(t, 1, dst.Rays[1].FirstSegment)
	assert.Equal(t, 1, dst.TransmittedRays[0].ParentSegment)
	assert.Equal(t, 1, dst.TransmittedRays[0].Ray.FirstSegment)
}

func TestSoundRayListReserveSizeGrowsCapacityOnly(t *testing.T) {
	l := NewSoundRayList()
	l.ReserveSize(10, 20, 5)
	assert.GreaterOrEqual(t, cap(l.Rays), 10)
	assert.GreaterOrEqual(t, cap(l.Segments), 20)
	assert.GreaterOrEqual(t, cap(l.TransmittedRays), 5)
	assert.Len(t, l.Rays, 0)
	assert.Len(t, l.Segments, 0)
	assert.Len(t, l.TransmittedRays, 0)
}
