package governors

import (
	"time"

	"github.com/AMDEPYC/go-cpufreq/pkg/cpufreq"
)

// powersave pins every governed domain to its minimum frequency.
type powersave struct{}

// NewPowersave returns the static minimum-frequency governor.
func NewPowersave() cpufreq.Governor {
	return powersave{}
}

func (powersave) Name() string { return "powersave" }

func (powersave) MaxTransitionLatency() time.Duration { return 0 }

func (powersave) Govern(ctrl cpufreq.FrequencyController, policy *cpufreq.Policy, event cpufreq.GovernorEvent) error {
	switch event {
	case cpufreq.GovernorStart, cpufreq.GovernorLimits:
		return ctrl.Target(policy, policy.Min, cpufreq.RelationLow)
	}
	return nil
}
