package cpufreq

import (
	"time"
)

// PolicyKind selects the operating mode for drivers that accept a policy
// range directly instead of explicit frequency targets.
type PolicyKind int

const (
	KindUnknown PolicyKind = iota
	KindPerformance
	KindPowersave
)

func (k PolicyKind) String() string {
	switch k {
	case KindPerformance:
		return "performance"
	case KindPowersave:
		return "powersave"
	default:
		return "unknown"
	}
}

// Relation tells a target-mode driver how to round a requested frequency
// to the nearest supported operating point.
type Relation int

const (
	// RelationLow selects the highest supported frequency at or below target.
	RelationLow Relation = iota
	// RelationHigh selects the lowest supported frequency at or above target.
	RelationHigh
)

// DriverFlags describe driver capabilities that change core behavior.
type DriverFlags uint

const (
	// FlagConstLoops marks hardware whose timing loops are frequency
	// independent, so no loops-per-jiffy compensation is needed and the
	// driver-reported "old" frequency is trusted as-is.
	FlagConstLoops DriverFlags = 1 << iota
	// FlagSticky keeps the driver registered even when it initializes no CPU.
	FlagSticky
)

// GovernorEvent is the lifecycle event delivered to a governor.
type GovernorEvent int

const (
	GovernorStart GovernorEvent = iota
	GovernorStop
	GovernorLimits
)

func (e GovernorEvent) String() string {
	switch e {
	case GovernorStart:
		return "start"
	case GovernorStop:
		return "stop"
	case GovernorLimits:
		return "limits"
	default:
		return "unknown"
	}
}

// PolicyEvent is broadcast on the policy notifier chain during policy
// creation and validation.
type PolicyEvent int

const (
	// PolicyStart announces a freshly initialized policy group.
	PolicyStart PolicyEvent = iota
	// PolicyAdjust lets subscribers narrow the requested bounds for any reason.
	PolicyAdjust
	// PolicyIncompatible lets subscribers narrow bounds for hardware
	// incompatibility reasons.
	PolicyIncompatible
	// PolicyNotify announces the final bounds; subscribers must not mutate.
	PolicyNotify
)

// Phase brackets a frequency transition.
type Phase int

const (
	Prechange Phase = iota
	Postchange
)

func (p Phase) String() string {
	if p == Prechange {
		return "prechange"
	}
	return "postchange"
}

// Freqs is a frequency transition event, produced once per actual or
// assumed hardware transition. Frequencies are in kHz.
type Freqs struct {
	CPU   uint
	Old   uint
	New   uint
	Flags DriverFlags
}

// CPUInfo is the hardware capability snapshot taken at policy creation.
// Immutable afterwards.
type CPUInfo struct {
	MinFreq           uint
	MaxFreq           uint
	TransitionLatency time.Duration
}

// UserPolicy records the bounds and selection last explicitly requested,
// independent of transient platform clamps.
type UserPolicy struct {
	Min      uint
	Max      uint
	Kind     PolicyKind
	Governor Governor
}

// Policy is the per-clock-domain governance state. One Policy covers every
// CPU sharing a clock; CPU identifies the owner whose lock protects the
// whole group. Drivers may adjust Min/Max in place during Verify.
type Policy struct {
	// CPU is the group owner; it indexes the lock and registry root.
	CPU uint
	// CPUs are the online CPUs governed by this policy.
	CPUs *CPUSet
	// RelatedCPUs are all CPUs that would share this policy even while
	// offline. Superset of CPUs.
	RelatedCPUs *CPUSet

	Min uint
	Max uint
	// Cur is the last known or applied frequency, 0 when unknown.
	Cur uint

	Kind     PolicyKind
	Governor Governor

	CPUInfo    CPUInfo
	UserPolicy UserPolicy

	// governorStarted tracks that exactly one governor is started per policy.
	governorStarted bool
}

// snapshot returns a deep copy safe to hand out without the group lock.
func (p *Policy) snapshot() Policy {
	cp := *p
	cp.CPUs = p.CPUs.Clone()
	cp.RelatedCPUs = p.RelatedCPUs.Clone()
	return cp
}

// governorName is the name recorded for a CPU when it detaches from a group.
func (p *Policy) governorName() string {
	switch {
	case p.Kind == KindPowersave:
		return "powersave"
	case p.Kind == KindPerformance:
		return "performance"
	case p.Governor != nil:
		return p.Governor.Name()
	default:
		return ""
	}
}

// Scale linearly rescales a reference value from one frequency to another.
// Used for loops-per-jiffy compensation.
func Scale(old uint64, mult, div uint) uint64 {
	if div == 0 {
		return old
	}
	return old * uint64(mult) / uint64(div)
}
