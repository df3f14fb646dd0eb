package raydata

import "github.com/oakfield-audio/raytrace/geom"

// RoomParameters is the plain struct FinishTask reduces per-worker partials
// into. Sabine, RoomAbsorption, AvgAbsorption, and ReverbTime are
// indexed by the three fixed acoustic bands.
type RoomParameters struct {
	MinExtend                  geom.Vector
	MaxExtend                  geom.Vector
	MeanFreePath               float64
	RoomVolume                 float64
	RoomSurface                float64
	Sabine                     [3]float64
	RoomAbsorption             [3]float64
	AvgAbsorption              [3]float64
	ReverbTime                 [3]float64
	EchoDelay                  float64
	SepTimeFirstLateReflection float64
}
