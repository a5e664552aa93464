// Package testutils holds the shared mock types used by the cpufreq
// package tests.
package testutils

import (
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/AMDEPYC/go-cpufreq/pkg/cpufreq"
)

// MockDriver mocks a target-mode scaling driver, including frequency
// read-back.
type MockDriver struct {
	mock.Mock
}

func (m *MockDriver) Name() string {
	return m.Called().String(0)
}

func (m *MockDriver) Flags() cpufreq.DriverFlags {
	return m.Called().Get(0).(cpufreq.DriverFlags)
}

func (m *MockDriver) Init(policy *cpufreq.Policy) error {
	return m.Called(policy).Error(0)
}

func (m *MockDriver) Exit(policy *cpufreq.Policy) error {
	return m.Called(policy).Error(0)
}

func (m *MockDriver) Verify(policy *cpufreq.Policy) error {
	return m.Called(policy).Error(0)
}

func (m *MockDriver) Target(policy *cpufreq.Policy, targetFreq uint, relation cpufreq.Relation) error {
	return m.Called(policy, targetFreq, relation).Error(0)
}

func (m *MockDriver) Get(cpu uint) (uint, error) {
	args := m.Called(cpu)
	return args.Get(0).(uint), args.Error(1)
}

// MockPolicyDriver mocks a driver that accepts policy ranges directly
// and cannot target explicit frequencies.
type MockPolicyDriver struct {
	mock.Mock
}

func (m *MockPolicyDriver) Name() string {
	return m.Called().String(0)
}

func (m *MockPolicyDriver) Flags() cpufreq.DriverFlags {
	return m.Called().Get(0).(cpufreq.DriverFlags)
}

func (m *MockPolicyDriver) Init(policy *cpufreq.Policy) error {
	return m.Called(policy).Error(0)
}

func (m *MockPolicyDriver) Exit(policy *cpufreq.Policy) error {
	return m.Called(policy).Error(0)
}

func (m *MockPolicyDriver) Verify(policy *cpufreq.Policy) error {
	return m.Called(policy).Error(0)
}

func (m *MockPolicyDriver) SetPolicy(policy *cpufreq.Policy) error {
	return m.Called(policy).Error(0)
}

// MockBareDriver implements neither driving mode; registration must
// reject it.
type MockBareDriver struct {
	mock.Mock
}

func (m *MockBareDriver) Name() string {
	return m.Called().String(0)
}

func (m *MockBareDriver) Flags() cpufreq.DriverFlags {
	return m.Called().Get(0).(cpufreq.DriverFlags)
}

func (m *MockBareDriver) Init(policy *cpufreq.Policy) error {
	return m.Called(policy).Error(0)
}

func (m *MockBareDriver) Exit(policy *cpufreq.Policy) error {
	return m.Called(policy).Error(0)
}

func (m *MockBareDriver) Verify(policy *cpufreq.Policy) error {
	return m.Called(policy).Error(0)
}

// MockGovernor mocks a scaling governor.
type MockGovernor struct {
	mock.Mock
}

func (m *MockGovernor) Name() string {
	return m.Called().String(0)
}

func (m *MockGovernor) MaxTransitionLatency() time.Duration {
	return m.Called().Get(0).(time.Duration)
}

func (m *MockGovernor) Govern(ctrl cpufreq.FrequencyController, policy *cpufreq.Policy, event cpufreq.GovernorEvent) error {
	return m.Called(ctrl, policy, event).Error(0)
}

// InitFromRange returns an Init stub filling the policy the way a real
// driver describing a single-CPU domain with the given limits would.
func InitFromRange(minFreq, maxFreq uint, latency time.Duration) func(mock.Arguments) {
	return func(args mock.Arguments) {
		policy := args.Get(0).(*cpufreq.Policy)
		policy.CPUInfo.MinFreq = minFreq
		policy.CPUInfo.MaxFreq = maxFreq
		policy.CPUInfo.TransitionLatency = latency
		policy.Min = minFreq
		policy.Max = maxFreq
	}
}

// InitSharedDomain is like InitFromRange but reports every CPU in cpus
// as sharing the clock domain.
func InitSharedDomain(minFreq, maxFreq uint, latency time.Duration, cpus ...uint) func(mock.Arguments) {
	return func(args mock.Arguments) {
		policy := args.Get(0).(*cpufreq.Policy)
		policy.CPUInfo.MinFreq = minFreq
		policy.CPUInfo.MaxFreq = maxFreq
		policy.CPUInfo.TransitionLatency = latency
		policy.Min = minFreq
		policy.Max = maxFreq
		for _, j := range cpus {
			policy.CPUs.Add(j)
			policy.RelatedCPUs.Add(j)
		}
	}
}

// ClampToRange returns a Verify stub clamping the policy bounds into the
// given hardware range.
func ClampToRange(minFreq, maxFreq uint) func(mock.Arguments) {
	return func(args mock.Arguments) {
		policy := args.Get(0).(*cpufreq.Policy)
		if policy.Min < minFreq {
			policy.Min = minFreq
		}
		if policy.Max > maxFreq {
			policy.Max = maxFreq
		}
	}
}
