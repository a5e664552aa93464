// Package governors provides the built-in scaling governors: the static
// performance and powersave policies, the externally driven userspace
// governor and the load-following ondemand governor.
package governors

import (
	"time"

	"github.com/AMDEPYC/go-cpufreq/pkg/cpufreq"
)

// performance pins every governed domain to its maximum frequency.
type performance struct{}

// NewPerformance returns the static maximum-frequency governor.
func NewPerformance() cpufreq.Governor {
	return performance{}
}

func (performance) Name() string { return "performance" }

func (performance) MaxTransitionLatency() time.Duration { return 0 }

func (performance) Govern(ctrl cpufreq.FrequencyController, policy *cpufreq.Policy, event cpufreq.GovernorEvent) error {
	switch event {
	case cpufreq.GovernorStart, cpufreq.GovernorLimits:
		return ctrl.Target(policy, policy.Max, cpufreq.RelationHigh)
	}
	return nil
}
