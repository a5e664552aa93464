// Package simulated implements an in-memory scaling driver with a fixed
// frequency table and configurable clock-domain topology. It backs the
// demo binary and the integration tests; no hardware is touched.
package simulated

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/AMDEPYC/go-cpufreq/pkg/cpufreq"
)

// TransitionNotifier is the slice of the core the driver needs to report
// frequency changes. Satisfied by *cpufreq.Coordinator.
type TransitionNotifier interface {
	NotifyTransition(freqs *cpufreq.Freqs, phase cpufreq.Phase)
}

// Config describes the simulated hardware.
type Config struct {
	// Frequencies is the supported operating-point table in kHz, any order.
	Frequencies []uint
	// Domains lists clock domains as groups of CPU indices. CPUs absent
	// from every domain are rejected by Init.
	Domains [][]uint
	// TransitionLatency is reported to the core for every domain.
	TransitionLatency time.Duration
	// ConstLoops marks the simulated hardware as timing-loop invariant.
	ConstLoops bool

	Logger logr.Logger
}

// Driver is a table-based in-memory scaling driver.
type Driver struct {
	log      logr.Logger
	freqs    []uint
	domains  [][]uint
	latency  time.Duration
	flags    cpufreq.DriverFlags
	notifier TransitionNotifier

	mu  sync.Mutex
	cur map[uint]uint
}

// New builds a simulated driver. The notifier is usually the Coordinator
// the driver will be registered with.
func New(cfg Config, notifier TransitionNotifier) (*Driver, error) {
	if len(cfg.Frequencies) == 0 {
		return nil, fmt.Errorf("simulated driver needs a frequency table")
	}
	if notifier == nil {
		return nil, fmt.Errorf("simulated driver needs a transition notifier")
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}

	freqs := slices.Clone(cfg.Frequencies)
	slices.Sort(freqs)

	var flags cpufreq.DriverFlags
	if cfg.ConstLoops {
		flags = cpufreq.FlagConstLoops
	}

	return &Driver{
		log:      cfg.Logger.WithName("simulated-driver"),
		freqs:    freqs,
		domains:  cfg.Domains,
		latency:  cfg.TransitionLatency,
		flags:    flags,
		notifier: notifier,
		cur:      make(map[uint]uint),
	}, nil
}

func (d *Driver) Name() string { return "simulated" }

func (d *Driver) Flags() cpufreq.DriverFlags { return d.flags }

// MinFreq and MaxFreq expose the table edges for callers building
// policies or assertions around the driver.
func (d *Driver) MinFreq() uint { return d.freqs[0] }

func (d *Driver) MaxFreq() uint { return d.freqs[len(d.freqs)-1] }

func (d *Driver) domainOf(cpu uint) []uint {
	for _, domain := range d.domains {
		if slices.Contains(domain, cpu) {
			return domain
		}
	}
	return nil
}

func (d *Driver) Init(policy *cpufreq.Policy) error {
	domain := d.domainOf(policy.CPU)
	if domain == nil {
		return fmt.Errorf("cpu %d is not in any simulated clock domain", policy.CPU)
	}

	policy.CPUInfo.MinFreq = d.MinFreq()
	policy.CPUInfo.MaxFreq = d.MaxFreq()
	policy.CPUInfo.TransitionLatency = d.latency
	policy.Min = d.MinFreq()
	policy.Max = d.MaxFreq()

	for _, j := range domain {
		policy.CPUs.Add(j)
		policy.RelatedCPUs.Add(j)
	}

	d.mu.Lock()
	if cur, ok := d.cur[policy.CPU]; ok {
		policy.Cur = cur
	} else {
		policy.Cur = d.MaxFreq()
		d.cur[policy.CPU] = policy.Cur
	}
	d.mu.Unlock()

	d.log.V(4).Info("domain initialized", "cpu", policy.CPU, "curKHz", policy.Cur)
	return nil
}

func (d *Driver) Exit(policy *cpufreq.Policy) error {
	d.mu.Lock()
	delete(d.cur, policy.CPU)
	d.mu.Unlock()
	return nil
}

// Verify snaps the requested bounds onto the frequency table.
func (d *Driver) Verify(policy *cpufreq.Policy) error {
	if policy.Min < d.MinFreq() {
		policy.Min = d.MinFreq()
	}
	if policy.Max > d.MaxFreq() {
		policy.Max = d.MaxFreq()
	}
	if policy.Min > policy.Max {
		return fmt.Errorf("no supported frequency in %d-%d kHz", policy.Min, policy.Max)
	}
	return nil
}

// pick resolves a target against the table honoring the relation, within
// the policy bounds.
func (d *Driver) pick(policy *cpufreq.Policy, target uint, relation cpufreq.Relation) (uint, error) {
	best := uint(0)
	found := false
	for _, f := range d.freqs {
		if f < policy.Min || f > policy.Max {
			continue
		}
		switch relation {
		case cpufreq.RelationLow:
			if f <= target && (!found || f > best) {
				best, found = f, true
			}
		case cpufreq.RelationHigh:
			if f >= target && (!found || f < best) {
				best, found = f, true
			}
		}
	}
	if found {
		return best, nil
	}
	// Nothing on the requested side; take the nearest in-bounds point.
	for _, f := range d.freqs {
		if f >= policy.Min && f <= policy.Max {
			if relation == cpufreq.RelationLow {
				best, found = f, true
				break
			}
			best, found = f, true
		}
	}
	if !found {
		return 0, fmt.Errorf("no supported frequency in %d-%d kHz", policy.Min, policy.Max)
	}
	return best, nil
}

// Target applies a frequency to the whole domain, bracketed by the
// two-phase transition protocol like a real driver would.
func (d *Driver) Target(policy *cpufreq.Policy, targetFreq uint, relation cpufreq.Relation) error {
	next, err := d.pick(policy, targetFreq, relation)
	if err != nil {
		return err
	}

	d.mu.Lock()
	old := d.cur[policy.CPU]
	d.mu.Unlock()

	if old == next {
		return nil
	}

	freqs := cpufreq.Freqs{CPU: policy.CPU, Old: old, New: next}
	d.notifier.NotifyTransition(&freqs, cpufreq.Prechange)

	d.mu.Lock()
	for _, j := range policy.CPUs.Slice() {
		d.cur[j] = next
	}
	d.cur[policy.CPU] = next
	d.mu.Unlock()

	d.notifier.NotifyTransition(&freqs, cpufreq.Postchange)
	d.log.V(4).Info("frequency switched", "cpu", policy.CPU, "oldKHz", old, "newKHz", next)
	return nil
}

// Get reads the simulated hardware frequency.
func (d *Driver) Get(cpu uint) (uint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cur[cpu]; ok {
		return cur, nil
	}
	return 0, fmt.Errorf("cpu %d is not initialized", cpu)
}

// Drift silently changes the hardware frequency without notifying the
// core, imitating a firmware agent. Tests and the demo use it to
// exercise out-of-sync recovery.
func (d *Driver) Drift(cpu uint, freq uint) {
	d.mu.Lock()
	d.cur[cpu] = freq
	d.mu.Unlock()
	d.log.V(4).Info("injected frequency drift", "cpu", cpu, "freqKHz", freq)
}
