package cpufreq_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AMDEPYC/go-cpufreq/pkg/cpufreq"
	"github.com/AMDEPYC/go-cpufreq/pkg/drivers/simulated"
)

func TestTransitionChainOrderAndUnsubscribe(t *testing.T) {
	coord := newCoordinator(t)

	var order []string
	tokA := coord.SubscribeTransition(func(phase cpufreq.Phase, freqs *cpufreq.Freqs) {
		order = append(order, "a")
	})
	tokB := coord.SubscribeTransition(func(phase cpufreq.Phase, freqs *cpufreq.Freqs) {
		order = append(order, "b")
	})

	coord.NotifyTransition(&cpufreq.Freqs{CPU: 0, Old: 1000000, New: 2000000}, cpufreq.Prechange)
	assert.Equal(t, []string{"a", "b"}, order)

	assert.True(t, coord.Unsubscribe(tokA))
	assert.False(t, coord.Unsubscribe(tokA))

	order = nil
	coord.NotifyTransition(&cpufreq.Freqs{CPU: 0, Old: 1000000, New: 2000000}, cpufreq.Prechange)
	assert.Equal(t, []string{"b"}, order)

	assert.True(t, coord.Unsubscribe(tokB))
}

func TestPolicyChainAdjustNarrowsBounds(t *testing.T) {
	coord, _ := setupManagedCPU(t, 0)

	tok := coord.SubscribePolicy(func(event cpufreq.PolicyEvent, policy *cpufreq.Policy) {
		if event == cpufreq.PolicyAdjust && policy.Max > 2400000 {
			policy.Max = 2400000
		}
	})
	defer coord.Unsubscribe(tok)

	require.NoError(t, coord.SetPolicy(0, cpufreq.Policy{Min: testMinFreq, Max: testMaxFreq}))

	policy, err := coord.GetPolicy(0)
	require.NoError(t, err)
	assert.Equal(t, uint(2400000), policy.Max)
	// User intent still records what was asked for.
	assert.Equal(t, testMaxFreq, policy.UserPolicy.Max)
}

type transitionEvent struct {
	phase cpufreq.Phase
	old   uint
	new   uint
}

// transitionRecorder collects chain broadcasts; subscribers can be
// called from the coordinator's worker goroutine as well.
type transitionRecorder struct {
	mu     sync.Mutex
	events []transitionEvent
}

func (r *transitionRecorder) record(phase cpufreq.Phase, freqs *cpufreq.Freqs) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, transitionEvent{phase: phase, old: freqs.Old, new: freqs.New})
}

func (r *transitionRecorder) snapshot() []transitionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transitionEvent(nil), r.events...)
}

func newSimulatedSetup(t *testing.T) (*cpufreq.Coordinator, *simulated.Driver) {
	coord := newCoordinator(t)
	registerBuiltinGovernors(t, coord)

	drv, err := simulated.New(simulated.Config{
		Frequencies:       []uint{800000, 1200000, 1800000, 2400000, 3700000},
		Domains:           [][]uint{{0, 1}, {2, 3}},
		TransitionLatency: testLatency,
	}, coord)
	require.NoError(t, err)

	for cpu := uint(0); cpu < 4; cpu++ {
		require.NoError(t, coord.CPUOnline(cpu))
	}
	require.NoError(t, coord.RegisterDriver(drv))

	t.Cleanup(func() {
		for cpu := uint(0); cpu < 4; cpu++ {
			assert.NoError(t, coord.CPUOffline(cpu))
		}
		assert.NoError(t, coord.UnregisterDriver(drv))
	})
	return coord, drv
}

func TestDriftDetectionEmitsSyntheticTransition(t *testing.T) {
	coord, drv := newSimulatedSetup(t)

	// Performance pinned the domain at the table maximum.
	require.Equal(t, uint(3700000), coord.QuickGet(0))

	rec := &transitionRecorder{}
	tok := coord.SubscribeTransition(rec.record)
	defer coord.Unsubscribe(tok)

	// A firmware agent changed the frequency behind the core's back.
	drv.Drift(0, 1200000)

	freq, err := coord.Get(0)
	require.NoError(t, err)
	assert.Equal(t, uint(1200000), freq)

	// Exactly one synthetic pre/post pair re-synchronized subscribers;
	// the queued re-evaluation may append more afterwards.
	events := rec.snapshot()
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, transitionEvent{phase: cpufreq.Prechange, old: 3700000, new: 1200000}, events[0])
	assert.Equal(t, transitionEvent{phase: cpufreq.Postchange, old: 3700000, new: 1200000}, events[1])

	// The queued re-evaluation lets the governor pull the domain back to
	// the policy maximum.
	assert.Eventually(t, func() bool {
		snap, err := coord.GetPolicy(0)
		return err == nil && snap.Cur == 3700000
	}, time.Second, 10*time.Millisecond)
}

func TestConcurrentGetsAfterDrift(t *testing.T) {
	coord, drv := newSimulatedSetup(t)

	// Every reader may detect the drift and commit the corrected
	// frequency; the commits must serialize against each other and
	// against snapshot readers.
	drv.Drift(0, 1200000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := coord.Get(0)
				assert.NoError(t, err)
				coord.QuickGet(0)
				_, err = coord.GetPolicy(0)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
}

func TestTargetBracketsTransition(t *testing.T) {
	coord, _ := newSimulatedSetup(t)

	require.NoError(t, coord.SetGovernor(2, "userspace"))

	rec := &transitionRecorder{}
	tok := coord.SubscribeTransition(rec.record)
	defer coord.Unsubscribe(tok)

	require.NoError(t, coord.SetSpeed(2, 1800000))

	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, cpufreq.Prechange, events[0].phase)
	assert.Equal(t, cpufreq.Postchange, events[1].phase)
	assert.Equal(t, uint(1800000), events[1].new)
	assert.Equal(t, uint(1800000), coord.QuickGet(2))

	// Other domains are untouched.
	assert.Equal(t, uint(3700000), coord.QuickGet(0))
}

func TestUserspaceGovernorEndToEnd(t *testing.T) {
	coord, _ := newSimulatedSetup(t)

	require.NoError(t, coord.SetGovernor(0, "userspace"))
	require.NoError(t, coord.SetSpeed(0, 2400000))
	assert.Equal(t, uint(2400000), coord.QuickGet(0))

	// Narrowing the policy re-clamps the userspace speed.
	require.NoError(t, coord.SetPolicy(0, cpufreq.Policy{Min: 800000, Max: 1800000}))
	assert.Equal(t, uint(1800000), coord.QuickGet(0))

	// Requests outside the governed CPU set fail.
	assert.Error(t, coord.SetSpeed(2, 1200000))
}

func TestGovernorSwitchTargetsNewBound(t *testing.T) {
	coord, _ := newSimulatedSetup(t)

	require.NoError(t, coord.SetGovernor(0, "powersave"))
	assert.Equal(t, uint(800000), coord.QuickGet(0))

	require.NoError(t, coord.SetGovernor(0, "performance"))
	assert.Equal(t, uint(3700000), coord.QuickGet(0))

	// Bounds clamp what performance may pick.
	require.NoError(t, coord.SetPolicy(0, cpufreq.Policy{Min: 800000, Max: 2400000}))
	assert.Equal(t, uint(2400000), coord.QuickGet(0))
}

func TestSuspendResume(t *testing.T) {
	coord, _ := newSimulatedSetup(t)

	// The simulated driver has no suspend hooks; the cycle is still a
	// clean no-op that queues re-evaluations.
	require.NoError(t, coord.Suspend())
	require.NoError(t, coord.Resume())

	// Give the queued updates a moment to drain.
	assert.Eventually(t, func() bool {
		snap, err := coord.GetPolicy(0)
		return err == nil && snap.Cur == 3700000
	}, time.Second, 10*time.Millisecond)
}
