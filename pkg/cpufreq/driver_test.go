package cpufreq_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/AMDEPYC/go-cpufreq/pkg/cpufreq"
	"github.com/AMDEPYC/go-cpufreq/pkg/testutils"
)

func TestRegisterDriverRejectsInvalid(t *testing.T) {
	coord := newCoordinator(t)

	assert.ErrorIs(t, coord.RegisterDriver(nil), cpufreq.ErrInvalidDriver)

	bare := new(testutils.MockBareDriver)
	bare.On("Name").Return("bare")
	assert.ErrorIs(t, coord.RegisterDriver(bare), cpufreq.ErrInvalidDriver)
}

func TestRegisterDriverSingleton(t *testing.T) {
	coord, _ := setupManagedCPU(t, 0)

	other := newMockTargetDriver()
	assert.ErrorIs(t, coord.RegisterDriver(other), cpufreq.ErrDriverBusy)
}

func TestRegisterDriverRollsBackWhenNoCPUComesUp(t *testing.T) {
	coord := newCoordinator(t)
	registerBuiltinGovernors(t, coord)
	require.NoError(t, coord.CPUOnline(0))

	failing := new(testutils.MockDriver)
	failing.On("Name").Return("failing")
	failing.On("Flags").Return(cpufreq.DriverFlags(0))
	failing.On("Init", mock.Anything).Return(errors.New("hardware absent"))

	err := coord.RegisterDriver(failing)
	assert.ErrorIs(t, err, cpufreq.ErrNoPolicy)

	// Slot must be free again for the next driver.
	assert.NoError(t, coord.RegisterDriver(newMockTargetDriver()))
}

func TestRegisterDriverStickyStaysWithoutCPUs(t *testing.T) {
	coord := newCoordinator(t)
	registerBuiltinGovernors(t, coord)
	require.NoError(t, coord.CPUOnline(0))

	sticky := new(testutils.MockDriver)
	sticky.On("Name").Return("sticky")
	sticky.On("Flags").Return(cpufreq.FlagSticky)
	sticky.On("Init", mock.Anything).Return(errors.New("hardware absent"))

	assert.NoError(t, coord.RegisterDriver(sticky))

	// The sticky driver holds the slot even with zero policies.
	assert.ErrorIs(t, coord.RegisterDriver(newMockTargetDriver()), cpufreq.ErrDriverBusy)
	assert.NoError(t, coord.UnregisterDriver(sticky))
}

func TestUnregisterDriverRejectsLivePolicies(t *testing.T) {
	coord, drv := setupManagedCPU(t, 0)

	assert.ErrorIs(t, coord.UnregisterDriver(drv), cpufreq.ErrDriverBusy)

	require.NoError(t, coord.CPUOffline(0))
	assert.NoError(t, coord.UnregisterDriver(drv))
	drv.AssertCalled(t, "Exit", mock.Anything)
}

func TestUnregisterDriverRejectsWrongDriver(t *testing.T) {
	coord, _ := setupManagedCPU(t, 0)

	other := newMockTargetDriver()
	assert.Error(t, coord.UnregisterDriver(other))
}

func TestPolicyDriverForcesConstLoops(t *testing.T) {
	coord := newCoordinator(t)

	drv := new(testutils.MockPolicyDriver)
	drv.On("Name").Return("rangemode")
	drv.On("Flags").Return(cpufreq.DriverFlags(0))
	drv.On("Init", mock.Anything).
		Run(testutils.InitFromRange(testMinFreq, testMaxFreq, testLatency)).Return(nil)
	drv.On("Exit", mock.Anything).Return(nil)
	drv.On("Verify", mock.Anything).
		Run(testutils.ClampToRange(testMinFreq, testMaxFreq)).Return(nil)
	drv.On("SetPolicy", mock.Anything).Return(nil)

	require.NoError(t, coord.CPUOnline(0))
	require.NoError(t, coord.RegisterDriver(drv))

	// Transitions from a range-mode driver must carry the const-loops
	// marker even though the driver did not declare it.
	var flags cpufreq.DriverFlags
	tok := coord.SubscribeTransition(func(phase cpufreq.Phase, freqs *cpufreq.Freqs) {
		flags = freqs.Flags
	})
	defer coord.Unsubscribe(tok)

	coord.NotifyTransition(&cpufreq.Freqs{CPU: 0, Old: testMaxFreq, New: testMinFreq}, cpufreq.Prechange)
	assert.NotZero(t, flags&cpufreq.FlagConstLoops)

	// Range-mode drivers only support the two static kinds.
	assert.Equal(t, []string{"performance", "powersave"}, coord.AvailableGovernors())
	drv.AssertCalled(t, "SetPolicy", mock.Anything)
}
