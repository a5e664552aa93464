package governors

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/AMDEPYC/go-cpufreq/pkg/cpufreq"
)

const (
	defaultSamplePeriod = 100 * time.Millisecond
	defaultUpThreshold  = 0.80

	// Sampling makes no sense on hardware that takes longer than this
	// to switch frequencies.
	ondemandMaxLatency = 10 * time.Millisecond
)

// LoadFunc reports the recent utilization of a CPU in [0, 1].
type LoadFunc func(cpu uint) (float64, error)

// Updater queues an asynchronous policy re-evaluation without blocking.
// *cpufreq.Coordinator satisfies it.
type Updater interface {
	RequestUpdate(cpu uint)
}

// OndemandConfig configures the sampling governor. Load and Updater are
// required; the rest defaults to sensible values.
type OndemandConfig struct {
	// SamplePeriod is the interval between load samples.
	SamplePeriod time.Duration
	// UpThreshold is the load above which the domain is pushed to its
	// maximum frequency. Below it the target scales proportionally.
	UpThreshold float64

	Load    LoadFunc
	Updater Updater
	Logger  logr.Logger
}

// ondemand raises the frequency with load. Each governed domain gets a
// sampling worker that periodically reads the load, records the desired
// frequency and asks the core to re-evaluate the policy; the actual
// targeting happens inside Govern, which the core invokes with the
// group's write lock held.
//
// The worker itself never touches core entry points that take locks, so
// GovernorStop can wait for it from under the write lock without
// deadlocking.
type ondemand struct {
	cfg OndemandConfig
	log logr.Logger

	mu      sync.Mutex
	domains map[*cpufreq.Policy]*samplingDomain
}

type samplingDomain struct {
	cancelFunc func()
	waitGroup  sync.WaitGroup

	// owner and cpus are snapshots of the group owner and members,
	// refreshed on limit changes so the worker follows hotplug and
	// ownership transfers without reading the policy concurrently.
	mu    sync.Mutex
	owner uint
	cpus  []uint

	desired atomic.Uint64
}

// NewOndemand returns the load-following sampling governor.
func NewOndemand(cfg OndemandConfig) (cpufreq.Governor, error) {
	if cfg.Load == nil {
		return nil, fmt.Errorf("ondemand: a load function is required")
	}
	if cfg.Updater == nil {
		return nil, fmt.Errorf("ondemand: an updater is required")
	}
	if cfg.SamplePeriod <= 0 {
		cfg.SamplePeriod = defaultSamplePeriod
	}
	if cfg.UpThreshold <= 0 || cfg.UpThreshold > 1 {
		cfg.UpThreshold = defaultUpThreshold
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}

	return &ondemand{
		cfg:     cfg,
		log:     cfg.Logger.WithName("ondemand"),
		domains: make(map[*cpufreq.Policy]*samplingDomain),
	}, nil
}

func (o *ondemand) Name() string { return "ondemand" }

func (o *ondemand) MaxTransitionLatency() time.Duration { return ondemandMaxLatency }

func (o *ondemand) Govern(ctrl cpufreq.FrequencyController, policy *cpufreq.Policy, event cpufreq.GovernorEvent) error {
	switch event {
	case cpufreq.GovernorStart:
		return o.startDomain(policy)

	case cpufreq.GovernorStop:
		o.stopDomain(policy)
		return nil

	case cpufreq.GovernorLimits:
		return o.applyLimits(ctrl, policy)
	}
	return nil
}

func (o *ondemand) startDomain(policy *cpufreq.Policy) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.domains[policy]; exists {
		return fmt.Errorf("cpu %d is already governed by ondemand", policy.CPU)
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	domain := &samplingDomain{
		cancelFunc: cancelFunc,
		owner:      policy.CPU,
		cpus:       policy.CPUs.Slice(),
	}
	domain.desired.Store(uint64(policy.Cur))
	o.domains[policy] = domain

	domain.waitGroup.Add(1)
	go o.runLoop(ctx, domain, policy.CPUInfo.MinFreq, policy.CPUInfo.MaxFreq)

	o.log.V(4).Info("sampling started", "cpu", policy.CPU, "period", o.cfg.SamplePeriod)
	return nil
}

// stopDomain stops the domain's worker and waits for it. The worker only
// samples and schedules, so waiting here is safe even when the core
// delivers the stop with the group lock held.
func (o *ondemand) stopDomain(policy *cpufreq.Policy) {
	o.mu.Lock()
	domain, exists := o.domains[policy]
	delete(o.domains, policy)
	o.mu.Unlock()

	if !exists {
		return
	}
	domain.cancelFunc()
	domain.waitGroup.Wait()
	o.log.V(4).Info("sampling stopped", "cpu", policy.CPU)
}

func (o *ondemand) applyLimits(ctrl cpufreq.FrequencyController, policy *cpufreq.Policy) error {
	o.mu.Lock()
	domain, exists := o.domains[policy]
	o.mu.Unlock()

	if !exists {
		return fmt.Errorf("cpu %d is not governed by ondemand", policy.CPU)
	}

	domain.mu.Lock()
	domain.owner = policy.CPU
	domain.cpus = policy.CPUs.Slice()
	domain.mu.Unlock()

	desired := clamp(uint(domain.desired.Load()), policy.Min, policy.Max)
	domain.desired.Store(uint64(desired))
	if desired == 0 {
		return nil
	}
	return ctrl.Target(policy, desired, cpufreq.RelationLow)
}

func (o *ondemand) runLoop(ctx context.Context, domain *samplingDomain, minFreq, maxFreq uint) {
	defer domain.waitGroup.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.cfg.SamplePeriod):
			o.sample(domain, minFreq, maxFreq)
		}
	}
}

// sample reads the load of every domain member, derives the desired
// frequency from the busiest one and queues a re-evaluation when it
// differs from the last request.
func (o *ondemand) sample(domain *samplingDomain, minFreq, maxFreq uint) {
	domain.mu.Lock()
	owner := domain.owner
	cpus := domain.cpus
	domain.mu.Unlock()

	load := 0.0
	for _, cpu := range cpus {
		l, err := o.cfg.Load(cpu)
		if err != nil {
			o.log.V(5).Info("load sample failed", "cpu", cpu, "error", err.Error())
			continue
		}
		load = math.Max(load, l)
	}

	desired := o.desiredFreq(load, minFreq, maxFreq)
	if uint64(desired) == domain.desired.Swap(uint64(desired)) {
		return
	}

	o.log.V(5).Info("load sample", "cpu", owner, "load", load, "desiredKHz", desired)
	o.cfg.Updater.RequestUpdate(owner)
}

// desiredFreq maps a load to a frequency: the hardware maximum above the
// threshold, a proportional point between the hardware bounds below it.
func (o *ondemand) desiredFreq(load float64, minFreq, maxFreq uint) uint {
	if load >= o.cfg.UpThreshold {
		return maxFreq
	}
	span := float64(maxFreq - minFreq)
	return minFreq + uint(span*load/o.cfg.UpThreshold)
}
