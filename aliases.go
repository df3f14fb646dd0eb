// Package raytrace is the acoustic ray-tracing core of a real-time 3D audio
// engine: it traces sound rays from a source through a read-only scene BVH
// and reduces the traced rays, per listener, into reverberation parameters
// and an impulse response. Everything outside the pipeline itself — mixer
// bindings, debug overlays, scene loading, octree construction — is a
// collaborator the host supplies through WorldGeom and the worker pool
// handed to dispatch.New.
package raytrace

import "github.com/oakfield-audio/raytrace/raydata"

// The data-model types are defined in raydata so the lower-level bvh/task
// packages can depend on them without importing this package; they are
// re-exported here so callers only ever need to import raytrace.
type (
	Vector             = raydata.Vector
	RayConfig          = raydata.RayConfig
	Config             = raydata.Config
	SoundRayList       = raydata.SoundRayList
	Ray                = raydata.Ray
	Segment            = raydata.Segment
	TransmittedRay     = raydata.TransmittedRay
	EnvProbe           = raydata.EnvProbe
	Attenuation        = raydata.Attenuation
	CachedListener     = raydata.CachedListener
	RoomParameters     = raydata.RoomParameters
	ListenerParameters = raydata.ListenerParameters
	ImpulseResponseBin = raydata.ImpulseResponseBin
)

var (
	ErrInvalidArgument      = raydata.ErrInvalidArgument
	ErrConfigurationMissing = raydata.ErrConfigurationMissing
	ErrTaskFailed           = raydata.ErrTaskFailed
	ErrStateViolation       = raydata.ErrStateViolation
)

var (
	NewEquiSpacedRayConfig = raydata.NewEquiSpacedRayConfig
	NewIcoSphereRayConfig  = raydata.NewIcoSphereRayConfig
	DefaultConfig          = raydata.DefaultConfig
)
