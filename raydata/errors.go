package raydata

import "errors"

// Error kinds. Each is a sentinel that callers can match with
// errors.Is; the public API wraps them with context via fmt.Errorf's %w.
var (
	// ErrInvalidArgument covers out-of-range indices, nil required inputs,
	// and negative sizes.
	ErrInvalidArgument = errors.New("raytrace: invalid argument")

	// ErrConfigurationMissing is returned when no RayConfig is available:
	// TraceSoundRays or EstimateRoomParameters given a nil one, or a
	// ProbeCache miss before the matching RayConfig was attached.
	ErrConfigurationMissing = errors.New("raytrace: no sound tracing configuration attached")

	// ErrTaskFailed is returned when a worker task raised an error or was
	// cancelled; the FinishTask's barrier release carries this status back
	// to the public API.
	ErrTaskFailed = errors.New("raytrace: worker task failed")

	// ErrStateViolation covers listening against an estimated-only probe
	// without a listenProbe supplied.
	ErrStateViolation = errors.New("raytrace: invalid probe state for operation")
)
