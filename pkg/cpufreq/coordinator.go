package cpufreq

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
)

// Config configures a Coordinator. The zero value is not usable;
// PossibleCPUs must be set.
type Config struct {
	// PossibleCPUs is the number of CPU slots the machine can ever hold;
	// CPU indices range over [0, PossibleCPUs).
	PossibleCPUs uint
	// DefaultGovernor names the governor assigned to a new policy group
	// when no online sibling provides one. Defaults to "performance".
	DefaultGovernor string
	// ScaleLoopsPerJiffy enables timing-loop compensation on transitions
	// for drivers without FlagConstLoops. Only meaningful on machines
	// without per-CPU asymmetric timing awareness.
	ScaleLoopsPerJiffy bool
	// LoopsPerJiffy seeds the timing-loop value when scaling is enabled.
	LoopsPerJiffy uint64
	// UpdateQueueDepth bounds the asynchronous re-evaluation queue.
	// Defaults to 4 slots per possible CPU.
	UpdateQueueDepth int

	Logger logr.Logger
}

// Coordinator is the process-wide scheduling context: it owns the driver
// slot, the governor registry, the per-CPU policy registry and lock
// table, both notifier chains, the QoS limits and the asynchronous
// policy re-evaluation worker.
//
// Construct it before any CPU online event and shut it down only after
// every policy has been torn down.
type Coordinator struct {
	cfg Config
	log logr.Logger

	// mu guards driver, driverFlags, registry, lockOwner, online and
	// cpuGovernors. It is only ever held briefly and never across driver,
	// governor or subscriber callbacks.
	mu           sync.Mutex
	driver       Driver
	driverFlags  DriverFlags
	registry     map[uint]*Policy
	lockOwner    map[uint]uint
	online       map[uint]bool
	cpuGovernors map[uint]string

	locks []*sync.RWMutex

	governorMu sync.Mutex
	governors  []Governor
	active     map[string]int

	policyChain     chain[PolicyListener]
	transitionChain chain[TransitionListener]

	qosMu  sync.Mutex
	qosMin uint
	qosMax uint

	lpjMu      sync.Mutex
	lpj        uint64
	lpjRef     uint64
	lpjRefFreq uint

	updateCh chan uint
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds a Coordinator and starts its update worker.
func New(cfg Config) (*Coordinator, error) {
	if cfg.PossibleCPUs == 0 {
		return nil, fmt.Errorf("config: PossibleCPUs must be positive")
	}
	if cfg.DefaultGovernor == "" {
		cfg.DefaultGovernor = fallbackGovernorName
	}
	if cfg.UpdateQueueDepth <= 0 {
		cfg.UpdateQueueDepth = int(cfg.PossibleCPUs) * 4
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}

	c := &Coordinator{
		cfg:          cfg,
		log:          cfg.Logger.WithName("cpufreq"),
		registry:     make(map[uint]*Policy),
		lockOwner:    make(map[uint]uint),
		online:       make(map[uint]bool),
		cpuGovernors: make(map[uint]string),
		locks:        make([]*sync.RWMutex, cfg.PossibleCPUs),
		active:       make(map[string]int),
		qosMax:       ^uint(0),
		lpj:          cfg.LoopsPerJiffy,
		updateCh:     make(chan uint, cfg.UpdateQueueDepth),
	}
	for i := range c.locks {
		c.locks[i] = &sync.RWMutex{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.updateLoop(ctx)

	return c, nil
}

// Shutdown stops the update worker. Policies must already be torn down
// (CPUs offlined, driver unregistered); Shutdown does not do it for the
// caller. It returns the context error if the worker does not drain in
// time.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// updateLoop services asynchronous policy re-evaluation requests queued
// by QoS changes, drift detection and sampling governors.
func (c *Coordinator) updateLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case cpu := <-c.updateCh:
			if err := c.UpdatePolicy(cpu); err != nil {
				c.log.V(5).Info("scheduled policy update failed", "cpu", cpu, "error", err.Error())
			}
		}
	}
}

// scheduleUpdate queues a full policy re-evaluation for cpu. Drops the
// request when the queue is full; a pending re-evaluation for the group
// is already queued in that case and coalescing is acceptable.
func (c *Coordinator) scheduleUpdate(cpu uint) {
	select {
	case c.updateCh <- cpu:
	default:
		c.log.V(5).Info("update queue full, coalescing", "cpu", cpu)
	}
}

// RequestUpdate queues an asynchronous policy re-evaluation for cpu.
// It never blocks, so governors may call it from their sampling loops.
func (c *Coordinator) RequestUpdate(cpu uint) {
	c.scheduleUpdate(cpu)
}

// policyFor returns the live policy registered for cpu, or nil.
func (c *Coordinator) policyFor(cpu uint) *Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry[cpu]
}

func (c *Coordinator) isOnline(cpu uint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online[cpu]
}

// OnlineCPUs returns the CPUs currently marked online, ascending.
func (c *Coordinator) OnlineCPUs() []uint {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := NewCPUSet()
	for cpu, on := range c.online {
		if on {
			set.Add(cpu)
		}
	}
	return set.Slice()
}

// targeter is the FrequencyController handed to governors. Govern always
// runs with the group write lock held, so the targeter must not acquire
// it again.
type targeterImpl struct {
	c *Coordinator
}

func (c *Coordinator) targeter() FrequencyController {
	return targeterImpl{c: c}
}

func (t targeterImpl) Target(policy *Policy, targetFreq uint, relation Relation) error {
	return t.c.driverTarget(policy, targetFreq, relation)
}

// driverTarget asks the driver to apply a frequency target. Caller holds
// the group's write lock.
func (c *Coordinator) driverTarget(policy *Policy, targetFreq uint, relation Relation) error {
	if !c.isOnline(policy.CPU) {
		return fmt.Errorf("cpu %d: %w", policy.CPU, ErrStaleCPU)
	}
	d, _ := c.currentDriver()
	td, ok := d.(TargetDriver)
	if !ok {
		return fmt.Errorf("driver cannot target explicit frequencies")
	}

	c.log.V(4).Info("targeting frequency", "cpu", policy.CPU, "targetKHz", targetFreq, "relation", relation)
	return td.Target(policy, targetFreq, relation)
}

// Target applies a frequency target on behalf of an external caller,
// taking the group's write lock. Governors must use the controller they
// were handed instead.
func (c *Coordinator) Target(cpu uint, targetFreq uint, relation Relation) error {
	l, err := c.lockWrite(cpu)
	if err != nil {
		return err
	}
	defer l.unlock()

	policy := c.policyFor(cpu)
	if policy == nil {
		return fmt.Errorf("cpu %d: %w", cpu, ErrNoPolicy)
	}
	return c.driverTarget(policy, targetFreq, relation)
}
