package cpufreq

import "errors"

var (
	// ErrRangeConflict means the requested bounds cannot be satisfied
	// against the group's existing user bounds.
	ErrRangeConflict = errors.New("requested range conflicts with user policy bounds")

	// ErrUnsupportedRange means the hardware cannot satisfy any point in
	// the requested range.
	ErrUnsupportedRange = errors.New("no supported operating point in requested range")

	// ErrGovernorStartFailed means the new governor refused to start and
	// the previous governor was restored.
	ErrGovernorStartFailed = errors.New("governor start failed")

	// ErrLatencyIncompatible means the governor cannot tolerate the
	// hardware's transition latency and no fallback governor is registered.
	ErrLatencyIncompatible = errors.New("governor incompatible with hardware transition latency")

	// ErrStaleCPU means the lock resolved to a CPU that went offline
	// before or while the lock was being acquired.
	ErrStaleCPU = errors.New("cpu went offline while acquiring policy lock")

	// ErrNoPolicy means the operation targets a CPU with no registered
	// policy group.
	ErrNoPolicy = errors.New("no policy registered for cpu")

	// ErrDriverBusy means driver registration was attempted while another
	// driver is active.
	ErrDriverBusy = errors.New("a scaling driver is already registered")

	// ErrInvalidDriver means the driver descriptor lacks a required
	// operation.
	ErrInvalidDriver = errors.New("driver must implement Verify, Init and one of Target or SetPolicy")

	// ErrGovernorExists means a governor with the same name is already
	// registered.
	ErrGovernorExists = errors.New("governor name already registered")

	// ErrNoGovernor means no governor could be resolved for a policy.
	ErrNoGovernor = errors.New("no such governor")
)
