package raydata

import "github.com/oakfield-audio/raytrace/geom"

// Vector re-exports geom.Vector so the data-model types in this package
// don't each need to import geom directly for a plain position/direction
// field.
type Vector = geom.Vector
