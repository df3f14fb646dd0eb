package raydata

import "github.com/oakfield-audio/raytrace/geom"

// Ray is one top-level entry of a SoundRayList. Outside marks a
// ray that escaped to `range` without a final hit.
type Ray struct {
	FirstSegment     int
	SegmentCount     int
	FirstTransmitted int
	TransmittedCount int
	Outside          bool
}

// Segment is one per-segment record of a traced ray. Gain and
// AbsorptionSum are indexed by the three fixed acoustic bands.
type Segment struct {
	Position         geom.Vector
	Direction        geom.Vector
	Normal           geom.Vector
	Length           float64
	Distance         float64 // cumulative distance to this segment's origin
	Gain             [3]float64
	AbsorptionSum    [3]float64
	BounceCount      int
	TransmittedCount int
}

// TransmittedRay is a child ray spawned by a transmission event.
// ParentSegment indexes the segment whose end hit spawned it; the tree of
// transmitted rays is walked depth-first, its depth bounded by
// maxTransmitCount.
type TransmittedRay struct {
	ParentSegment int
	Ray           Ray
}

// SoundRayList is the struct-of-arrays arena backing one probe's traced
// rays. It never deletes entries; Clear resets counts while keeping the
// underlying slices' capacity so reuse never reallocates.
type SoundRayList struct {
	Rays            []Ray
	Segments        []Segment
	TransmittedRays []TransmittedRay
}

// NewSoundRayList returns an empty arena.
func NewSoundRayList() *SoundRayList {
	return &SoundRayList{}
}

// ReserveSize grows the arena's capacity without changing its length.
func (l *SoundRayList) ReserveSize(rays, segs, trans int) {
	if cap(l.Rays) < rays {
		grown := make([]Ray, len(l.Rays), rays)
		copy(grown, l.Rays)
		l.Rays = grown
	}
	if cap(l.Segments) < segs {
		grown := make([]Segment, len(l.Segments), segs)
		copy(grown, l.Segments)
		l.Segments = grown
	}
	if cap(l.TransmittedRays) < trans {
		grown := make([]TransmittedRay, len(l.TransmittedRays), trans)
		copy(grown, l.TransmittedRays)
		l.TransmittedRays = grown
	}
}

// AddRay appends a new top-level ray and returns its index.
func (l *SoundRayList) AddRay(r Ray) int {
	l.Rays = append(l.Rays, r)
	return len(l.Rays) - 1
}

// AddSegment appends a segment and returns its index. Callers are
// responsible for keeping a ray's segment indices contiguous; RayTraceTask
// always appends a ray's segments back-to-back before moving to the next
// ray.
func (l *SoundRayList) AddSegment(s Segment) int {
	l.Segments = append(l.Segments, s)
	return len(l.Segments) - 1
}

// AddTransmittedRay appends a child ray and returns its index within
// TransmittedRays.
func (l *SoundRayList) AddTransmittedRay(t TransmittedRay) int {
	l.TransmittedRays = append(l.TransmittedRays, t)
	return len(l.TransmittedRays) - 1
}

// Clear resets all three arrays to zero length, keeping capacity, so a
// reused task-local SoundRayList doesn't reallocate between traces.
func (l *SoundRayList) Clear() {
	l.Rays = l.Rays[:0]
	l.Segments = l.Segments[:0]
	l.TransmittedRays = l.TransmittedRays[:0]
}

// Append concatenates other onto l, offset-adjusting every index other's
// rays/transmitted-rays hold into Segments/TransmittedRays so the result is
// indistinguishable from having traced everything into one arena to begin
// with. Used by FinishTask to merge per-worker partial ray lists in
// submission order.
func (l *SoundRayList) Append(other *SoundRayList) {
	segBase := len(l.Segments)
	transBase := len(l.TransmittedRays)

	for _, r := range other.Rays {
		r.FirstSegment += segBase
		r.FirstTransmitted += transBase
		l.Rays = append(l.Rays, r)
	}

	for _, s := range other.Segments {
		l.Segments = append(l.Segments, s)
	}

	for _, t := range other.TransmittedRays {
		t.ParentSegment += segBase
		t.Ray.FirstSegment += segBase
		t.Ray.FirstTransmitted += transBase
		l.TransmittedRays = append(l.TransmittedRays, t)
	}
}
