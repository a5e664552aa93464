package cpufreq_test

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/AMDEPYC/go-cpufreq/pkg/cpufreq"
	"github.com/AMDEPYC/go-cpufreq/pkg/testutils"
)

func TestSetPolicyRoundTrip(t *testing.T) {
	coord, drv := setupManagedCPU(t, 0)

	requested := cpufreq.Policy{Min: 1000000, Max: 2000000}
	require.NoError(t, coord.SetPolicy(0, requested))

	policy, err := coord.GetPolicy(0)
	require.NoError(t, err)
	assert.Equal(t, uint(1000000), policy.Min)
	assert.Equal(t, uint(2000000), policy.Max)
	assert.Equal(t, uint(1000000), policy.UserPolicy.Min)
	assert.Equal(t, uint(2000000), policy.UserPolicy.Max)
	assert.Equal(t, testMinFreq, policy.CPUInfo.MinFreq)
	assert.Equal(t, testMaxFreq, policy.CPUInfo.MaxFreq)

	// The running governor was re-clamped into the new bounds.
	drv.AssertCalled(t, "Target", mock.Anything, uint(2000000), cpufreq.RelationHigh)
}

func TestSetPolicyBoundsOnlyKeepsGovernor(t *testing.T) {
	coord, drv := setupManagedCPU(t, 0)

	require.NoError(t, coord.SetGovernor(0, "powersave"))

	// A request carrying only bounds must not be read as a switch away
	// from the running governor.
	require.NoError(t, coord.SetPolicy(0, cpufreq.Policy{Min: 1200000, Max: 2400000}))

	gov, err := coord.CurrentGovernor(0)
	require.NoError(t, err)
	assert.Equal(t, "powersave", gov)
	drv.AssertCalled(t, "Target", mock.Anything, uint(1200000), cpufreq.RelationLow)

	policy, err := coord.GetPolicy(0)
	require.NoError(t, err)
	assert.Equal(t, uint(1200000), policy.Min)
	assert.Equal(t, uint(2400000), policy.Max)
}

func TestSetPolicyIdempotent(t *testing.T) {
	coord, _ := setupManagedCPU(t, 0)

	request := cpufreq.Policy{Min: 1000000, Max: 2000000}

	require.NoError(t, coord.SetPolicy(0, request))
	first, err := coord.GetPolicy(0)
	require.NoError(t, err)

	require.NoError(t, coord.SetPolicy(0, request))
	second, err := coord.GetPolicy(0)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestSetPolicyConcurrentBoundsInvariant(t *testing.T) {
	coord, _ := newSimulatedSetup(t)
	points := []uint{800000, 1200000, 1800000, 2400000, 3700000}

	checkInvariant := func(policy cpufreq.Policy) {
		assert.LessOrEqual(t, policy.CPUInfo.MinFreq, policy.Min)
		assert.LessOrEqual(t, policy.Min, policy.Cur)
		assert.LessOrEqual(t, policy.Cur, policy.Max)
		assert.LessOrEqual(t, policy.Max, policy.CPUInfo.MaxFreq)
	}

	var wg sync.WaitGroup
	for seed := 0; seed < 4; seed++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 50; i++ {
				lo := rng.Intn(len(points))
				hi := lo + rng.Intn(len(points)-lo)
				// A request may conflict with another writer's freshly
				// recorded user bounds; that rejection leaves the group
				// untouched and is fine here.
				if err := coord.SetPolicy(0, cpufreq.Policy{Min: points[lo], Max: points[hi]}); err != nil {
					assert.ErrorIs(t, err, cpufreq.ErrRangeConflict)
				}

				policy, err := coord.GetPolicy(0)
				if assert.NoError(t, err) {
					checkInvariant(policy)
				}
			}
		}(int64(seed))
	}

	// A pure reader races the writers on the same group.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			policy, err := coord.GetPolicy(0)
			if assert.NoError(t, err) {
				checkInvariant(policy)
			}
			coord.QuickGet(0)
		}
	}()

	wg.Wait()
}

func TestSetPolicyQoSClamp(t *testing.T) {
	tcases := []struct {
		testCase    string
		qosMin      uint
		qosMax      uint
		requestMin  uint
		requestMax  uint
		expectedMin uint
		expectedMax uint
	}{
		{
			testCase:    "Test Case 1 - QoS ceiling caps the effective max",
			qosMax:      2400000,
			requestMin:  1000000,
			requestMax:  3700000,
			expectedMin: 1000000,
			expectedMax: 2400000,
		},
		{
			testCase:    "Test Case 2 - QoS floor raises the effective min",
			qosMin:      1800000,
			requestMin:  800000,
			requestMax:  3700000,
			expectedMin: 1800000,
			expectedMax: 3700000,
		},
		{
			testCase:    "Test Case 3 - no QoS limits leave the request as-is",
			requestMin:  1200000,
			requestMax:  3000000,
			expectedMin: 1200000,
			expectedMax: 3000000,
		},
	}

	for _, tc := range tcases {
		t.Log(tc.testCase)

		coord, _ := setupManagedCPU(t, 0)
		if tc.qosMin != 0 {
			coord.SetQoSMinFreq(tc.qosMin)
		}
		if tc.qosMax != 0 {
			coord.SetQoSMaxFreq(tc.qosMax)
		}

		require.NoError(t, coord.SetPolicy(0, cpufreq.Policy{Min: tc.requestMin, Max: tc.requestMax}))

		policy, err := coord.GetPolicy(0)
		require.NoError(t, err)
		assert.Equal(t, tc.expectedMin, policy.Min)
		assert.Equal(t, tc.expectedMax, policy.Max)
		// User intent is recorded unclamped.
		assert.Equal(t, tc.requestMin, policy.UserPolicy.Min)
		assert.Equal(t, tc.requestMax, policy.UserPolicy.Max)
	}
}

func TestSetPolicyRangeConflict(t *testing.T) {
	coord, _ := setupManagedCPU(t, 0)

	require.NoError(t, coord.SetPolicy(0, cpufreq.Policy{Min: testMinFreq, Max: 2000000}))

	err := coord.SetPolicy(0, cpufreq.Policy{Min: 2500000, Max: 3000000})
	assert.ErrorIs(t, err, cpufreq.ErrRangeConflict)

	// Even the rejected request is recorded as user intent, so a later
	// re-evaluation can apply it once the conflict clears.
	policy, getErr := coord.GetPolicy(0)
	require.NoError(t, getErr)
	assert.Equal(t, uint(2500000), policy.UserPolicy.Min)
	assert.Equal(t, uint(3000000), policy.UserPolicy.Max)
	assert.Equal(t, uint(2000000), policy.Max)
}

func TestSetPolicyDriverRejection(t *testing.T) {
	coord := newCoordinator(t)
	registerBuiltinGovernors(t, coord)

	drv := new(testutils.MockDriver)
	drv.On("Name").Return("strict")
	drv.On("Flags").Return(cpufreq.DriverFlags(0))
	drv.On("Init", mock.Anything).
		Run(testutils.InitFromRange(testMinFreq, testMaxFreq, testLatency)).Return(nil)
	drv.On("Exit", mock.Anything).Return(nil)
	drv.On("Target", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	drv.On("Get", mock.Anything).Return(uint(0), nil)
	// Bring-up and the first SetPolicy each verify twice; the fifth
	// verification rejects.
	drv.On("Verify", mock.Anything).
		Run(testutils.ClampToRange(testMinFreq, testMaxFreq)).Return(nil).Times(4)
	drv.On("Verify", mock.Anything).Return(errors.New("unsupported point"))

	require.NoError(t, coord.CPUOnline(0))
	require.NoError(t, coord.RegisterDriver(drv))

	require.NoError(t, coord.SetPolicy(0, cpufreq.Policy{Min: testMinFreq, Max: 2000000}))
	err := coord.SetPolicy(0, cpufreq.Policy{Min: testMinFreq, Max: 1500000})
	assert.ErrorIs(t, err, cpufreq.ErrUnsupportedRange)
}

func TestSetGovernorSwitch(t *testing.T) {
	coord, drv := setupManagedCPU(t, 0)

	gov, err := coord.CurrentGovernor(0)
	require.NoError(t, err)
	require.Equal(t, "performance", gov)

	require.NoError(t, coord.SetGovernor(0, "powersave"))

	gov, err = coord.CurrentGovernor(0)
	require.NoError(t, err)
	assert.Equal(t, "powersave", gov)
	drv.AssertCalled(t, "Target", mock.Anything, testMinFreq, cpufreq.RelationLow)
}

func TestSetGovernorSameNameRejected(t *testing.T) {
	coord, _ := setupManagedCPU(t, 0)

	assert.Error(t, coord.SetGovernor(0, "performance"))
}

func TestSetGovernorUnknownName(t *testing.T) {
	coord, _ := setupManagedCPU(t, 0)

	assert.ErrorIs(t, coord.SetGovernor(0, "nosuch"), cpufreq.ErrNoGovernor)
}

func TestSetGovernorStartFailureRestoresPrevious(t *testing.T) {
	coord, _ := setupManagedCPU(t, 0)

	failing := new(testutils.MockGovernor)
	failing.On("Name").Return("failing")
	failing.On("MaxTransitionLatency").Return(time.Duration(0))
	failing.On("Govern", mock.Anything, mock.Anything, cpufreq.GovernorStart).
		Return(errors.New("no resources"))
	require.NoError(t, coord.RegisterGovernor(failing))

	err := coord.SetGovernor(0, "failing")
	assert.ErrorIs(t, err, cpufreq.ErrGovernorStartFailed)

	gov, getErr := coord.CurrentGovernor(0)
	require.NoError(t, getErr)
	assert.Equal(t, "performance", gov)
}

func TestLatencyIntolerantGovernorFallsBack(t *testing.T) {
	coord, _ := setupManagedCPU(t, 0)

	slow := new(testutils.MockGovernor)
	slow.On("Name").Return("slow")
	slow.On("MaxTransitionLatency").Return(time.Nanosecond)
	require.NoError(t, coord.RegisterGovernor(slow))

	require.NoError(t, coord.SetGovernor(0, "slow"))

	// The hardware latency exceeds what the governor tolerates, so the
	// fallback took over instead.
	gov, err := coord.CurrentGovernor(0)
	require.NoError(t, err)
	assert.Equal(t, "performance", gov)
	slow.AssertNotCalled(t, "Govern", mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdatePolicyReappliesUserIntent(t *testing.T) {
	coord, _ := setupManagedCPU(t, 0)

	require.NoError(t, coord.SetPolicy(0, cpufreq.Policy{Min: 1000000, Max: 2000000}))

	coord.SetQoSMaxFreq(1500000)
	require.NoError(t, coord.UpdatePolicy(0))

	policy, err := coord.GetPolicy(0)
	require.NoError(t, err)
	assert.Equal(t, uint(1500000), policy.Max)

	// Lifting the limit restores the user's range on the next pass.
	coord.SetQoSMaxFreq(^uint(0))
	require.NoError(t, coord.UpdatePolicy(0))

	policy, err = coord.GetPolicy(0)
	require.NoError(t, err)
	assert.Equal(t, uint(2000000), policy.Max)
}

func TestQuickAccessors(t *testing.T) {
	coord, _ := setupManagedCPU(t, 0)

	require.NoError(t, coord.SetPolicy(0, cpufreq.Policy{Min: testMinFreq, Max: 2400000}))
	assert.Equal(t, uint(2400000), coord.QuickGetMax(0))

	// No policy covers CPU 5.
	assert.Zero(t, coord.QuickGet(5))
	assert.Zero(t, coord.QuickGetMax(5))
}
