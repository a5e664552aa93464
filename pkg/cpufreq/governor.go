package cpufreq

import (
	"fmt"
	"time"
)

// Governor is a pluggable scaling algorithm. The core drives it through
// lifecycle events: GovernorStart begins governing (the governor may
// immediately evaluate and request a frequency through ctrl),
// GovernorStop ceases governing and must leave no pending asynchronous
// requests, and GovernorLimits re-clamps the last target into new bounds
// without a stop/start cycle.
//
// Govern is always invoked with the policy group's write lock held; the
// governor must not call back into locking core entry points from it.
type Governor interface {
	Name() string
	// MaxTransitionLatency is the worst hardware transition latency the
	// governor tolerates. Zero means unconstrained.
	MaxTransitionLatency() time.Duration
	Govern(ctrl FrequencyController, policy *Policy, event GovernorEvent) error
}

// SpeedSetter is implemented by governors that accept an explicit speed
// request (the userspace-style contract).
type SpeedSetter interface {
	SetSpeed(ctrl FrequencyController, policy *Policy, freq uint) error
}

// FrequencyController is the narrow view of the core handed to a governor
// so it can drive frequency changes for the policy it governs.
type FrequencyController interface {
	Target(policy *Policy, targetFreq uint, relation Relation) error
}

// fallbackGovernorName is substituted when a governor cannot tolerate the
// hardware transition latency.
const fallbackGovernorName = "performance"

// RegisterGovernor adds a governor to the registry. Names are unique;
// a duplicate fails with ErrGovernorExists.
func (c *Coordinator) RegisterGovernor(g Governor) error {
	if g == nil {
		return fmt.Errorf("%w: nil governor", ErrNoGovernor)
	}

	c.governorMu.Lock()
	defer c.governorMu.Unlock()

	if c.findGovernorLocked(g.Name()) != nil {
		return fmt.Errorf("governor %q: %w", g.Name(), ErrGovernorExists)
	}
	c.governors = append(c.governors, g)
	c.log.V(4).Info("governor registered", "governor", g.Name())
	return nil
}

// UnregisterGovernor removes a governor from the registry and clears the
// remembered governor name of every offline CPU that referenced it.
//
// Removal is not rejected while the governor is still active on an online
// CPU; the caller is trusted to know it is unused. A warning is logged
// when that trust looks misplaced.
func (c *Coordinator) UnregisterGovernor(g Governor) {
	if g == nil {
		return
	}

	c.mu.Lock()
	for cpu, name := range c.cpuGovernors {
		if !c.online[cpu] && name == g.Name() {
			delete(c.cpuGovernors, cpu)
		}
	}
	c.mu.Unlock()

	c.governorMu.Lock()
	defer c.governorMu.Unlock()

	if n := c.active[g.Name()]; n > 0 {
		c.log.Info("unregistering governor still active on CPUs", "governor", g.Name(), "policies", n)
	}
	for i, reg := range c.governors {
		if reg == g {
			c.governors = append(c.governors[:i], c.governors[i+1:]...)
			break
		}
	}
	c.log.V(4).Info("governor unregistered", "governor", g.Name())
}

// AvailableGovernors lists registered governor names in registration
// order. Drivers in direct-setpolicy mode only support the two static
// kinds.
func (c *Coordinator) AvailableGovernors() []string {
	if d, _ := c.currentDriver(); d != nil {
		if _, ok := d.(TargetDriver); !ok {
			return []string{"performance", "powersave"}
		}
	}

	c.governorMu.Lock()
	defer c.governorMu.Unlock()

	names := make([]string, 0, len(c.governors))
	for _, g := range c.governors {
		names = append(names, g.Name())
	}
	return names
}

func (c *Coordinator) findGovernor(name string) Governor {
	c.governorMu.Lock()
	defer c.governorMu.Unlock()
	return c.findGovernorLocked(name)
}

func (c *Coordinator) findGovernorLocked(name string) Governor {
	for _, g := range c.governors {
		if g.Name() == name {
			return g
		}
	}
	return nil
}

// governorEvent dispatches a lifecycle event to the policy's governor,
// substituting the latency-tolerant fallback when the governor declares a
// max transition latency tighter than the hardware's. Caller holds the
// group's write lock, except for GovernorStop on the teardown path.
func (c *Coordinator) governorEvent(policy *Policy, event GovernorEvent) error {
	gov := policy.Governor
	if gov == nil {
		return fmt.Errorf("policy for cpu %d has no governor: %w", policy.CPU, ErrNoGovernor)
	}

	if lat := gov.MaxTransitionLatency(); lat > 0 && policy.CPUInfo.TransitionLatency > lat {
		fallback := c.findGovernor(fallbackGovernorName)
		if fallback == nil {
			return fmt.Errorf("governor %q cannot handle transition latency %s: %w",
				gov.Name(), policy.CPUInfo.TransitionLatency, ErrLatencyIncompatible)
		}
		c.log.Info("governor cannot handle hardware transition latency, falling back",
			"governor", gov.Name(), "fallback", fallback.Name(),
			"latency", policy.CPUInfo.TransitionLatency)
		policy.Governor = fallback
		gov = fallback
	}

	c.log.V(5).Info("governor event", "cpu", policy.CPU, "governor", gov.Name(), "event", event.String())
	err := gov.Govern(c.targeter(), policy, event)

	// One active reference per started policy.
	c.governorMu.Lock()
	switch {
	case event == GovernorStart && err == nil:
		c.active[gov.Name()]++
		policy.governorStarted = true
	case event == GovernorStop && err == nil:
		if c.active[gov.Name()] > 0 {
			c.active[gov.Name()]--
		}
		policy.governorStarted = false
	}
	c.governorMu.Unlock()

	return err
}
