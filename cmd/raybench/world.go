package main

import (
	"github.com/oakfield-audio/raytrace/bvh"
	"github.com/oakfield-audio/raytrace/geom"
)

// staticWorld implements raytrace.WorldGeom over a fixed Bvh built once at
// startup. A real host tracks which geometry a change touched and reports
// those regions; this benchmark has no change tracking, so it reports the
// queried region itself.
type staticWorld struct {
	tree *bvh.Bvh
}

func (w *staticWorld) Bvh() *bvh.Bvh {
	return w.tree
}

func (w *staticWorld) InvalidationVisitor(layerMask uint32, minExt, maxExt geom.Vector, cb func(minExt, maxExt geom.Vector)) {
	cb(minExt, maxExt)
}
