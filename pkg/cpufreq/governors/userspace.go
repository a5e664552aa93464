package governors

import (
	"fmt"
	"sync"
	"time"

	"github.com/AMDEPYC/go-cpufreq/pkg/cpufreq"
)

// userspace holds each governed domain at whatever frequency the caller
// last requested through SetSpeed, clamped into the policy bounds.
type userspace struct {
	mu sync.Mutex
	// setSpeed remembers the requested frequency per governed policy.
	// Keyed by identity so the entry survives group ownership transfers.
	setSpeed map[*cpufreq.Policy]uint
}

// NewUserspace returns the externally driven governor.
func NewUserspace() cpufreq.Governor {
	return &userspace{setSpeed: make(map[*cpufreq.Policy]uint)}
}

func (u *userspace) Name() string { return "userspace" }

func (u *userspace) MaxTransitionLatency() time.Duration { return 0 }

func (u *userspace) Govern(ctrl cpufreq.FrequencyController, policy *cpufreq.Policy, event cpufreq.GovernorEvent) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch event {
	case cpufreq.GovernorStart:
		u.setSpeed[policy] = policy.Cur
		return nil

	case cpufreq.GovernorStop:
		delete(u.setSpeed, policy)
		return nil

	case cpufreq.GovernorLimits:
		speed := clamp(u.setSpeed[policy], policy.Min, policy.Max)
		u.setSpeed[policy] = speed
		if speed == 0 {
			return nil
		}
		return ctrl.Target(policy, speed, cpufreq.RelationLow)
	}
	return nil
}

// SetSpeed requests an explicit frequency for the governed domain.
func (u *userspace) SetSpeed(ctrl cpufreq.FrequencyController, policy *cpufreq.Policy, freq uint) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, governed := u.setSpeed[policy]; !governed {
		return fmt.Errorf("cpu %d is not governed by userspace", policy.CPU)
	}

	speed := clamp(freq, policy.Min, policy.Max)
	u.setSpeed[policy] = speed
	return ctrl.Target(policy, speed, cpufreq.RelationLow)
}

func clamp(v, lo, hi uint) uint {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
