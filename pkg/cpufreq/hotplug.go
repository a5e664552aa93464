package cpufreq

import (
	"fmt"
)

// CPU hotplug entry points. Callers are expected to serialize hotplug
// events with each other; concurrent policy operations on other CPUs
// remain safe.

// CPUOnline admits cpu into frequency management. When a driver is
// registered this creates a new policy group for the CPU or merges it
// into the group of an online clock-domain sibling.
func (c *Coordinator) CPUOnline(cpu uint) error {
	if cpu >= c.cfg.PossibleCPUs {
		return fmt.Errorf("cpu %d out of range: %w", cpu, ErrNoPolicy)
	}

	c.mu.Lock()
	c.online[cpu] = true
	c.mu.Unlock()

	c.log.V(4).Info("cpu online", "cpu", cpu)
	return c.addDev(cpu)
}

// CPUDownFailed re-admits a CPU whose hot-removal was aborted after the
// offline path already detached it.
func (c *Coordinator) CPUDownFailed(cpu uint) error {
	c.log.V(4).Info("cpu down failed, re-adding", "cpu", cpu)
	return c.CPUOnline(cpu)
}

// CPUOffline withdraws cpu from frequency management, detaching it from
// its policy group. When the group owner leaves, ownership transfers to
// the lowest surviving member without disturbing the running governor;
// the last member tears the group down.
func (c *Coordinator) CPUOffline(cpu uint) error {
	if cpu >= c.cfg.PossibleCPUs {
		return fmt.Errorf("cpu %d out of range: %w", cpu, ErrNoPolicy)
	}
	if !c.isOnline(cpu) {
		return nil
	}

	if c.policyFor(cpu) == nil {
		c.mu.Lock()
		c.online[cpu] = false
		c.mu.Unlock()
		return nil
	}

	l, err := c.lockWrite(cpu)
	if err != nil {
		c.mu.Lock()
		c.online[cpu] = false
		c.mu.Unlock()
		return err
	}

	// Marked offline while holding the group lock, so any acquisition
	// for this CPU that was parked behind us fails its online re-check.
	c.mu.Lock()
	c.online[cpu] = false
	c.mu.Unlock()

	c.log.V(4).Info("cpu offline", "cpu", cpu)
	return c.removeDev(cpu, l)
}

// addDev brings up frequency management for an online CPU: create a
// policy, let the driver describe its clock domain, merge into an
// already managed sibling group if one exists, otherwise commit the new
// group through the full policy-setting sequence.
func (c *Coordinator) addDev(cpu uint) error {
	d, _ := c.currentDriver()
	if d == nil {
		return nil
	}
	if c.policyFor(cpu) != nil {
		c.log.V(4).Info("cpu already managed", "cpu", cpu)
		return nil
	}

	policy := &Policy{
		CPU:         cpu,
		CPUs:        NewCPUSet(cpu),
		RelatedCPUs: NewCPUSet(cpu),
	}

	cleanup := func() {
		c.mu.Lock()
		delete(c.lockOwner, cpu)
		delete(c.registry, cpu)
		c.mu.Unlock()
	}

	// The lock mapping must exist before the group lock can be taken.
	c.mu.Lock()
	c.lockOwner[cpu] = cpu
	remembered := c.cpuGovernors[cpu]
	c.mu.Unlock()

	l, err := c.lockWrite(cpu)
	if err != nil {
		cleanup()
		return err
	}

	if err := c.pickInitialGovernor(d, policy, remembered); err != nil {
		cleanup()
		l.unlock()
		return err
	}

	if err := d.Init(policy); err != nil {
		cleanup()
		l.unlock()
		return fmt.Errorf("driver init for cpu %d: %w", cpu, err)
	}
	policy.CPUs.Add(cpu)
	if policy.RelatedCPUs == nil {
		policy.RelatedCPUs = NewCPUSet()
	}
	policy.RelatedCPUs.Union(policy.CPUs)

	policy.UserPolicy.Min = policy.Min
	policy.UserPolicy.Max = policy.Max

	c.notifyPolicy(PolicyStart, policy)

	// A sibling already under management means the driver reported a
	// shared clock domain; join that group and discard our duplicate
	// initialization.
	for _, j := range policy.CPUs.Slice() {
		if j == cpu {
			continue
		}
		managed := c.policyFor(j)
		if managed == nil {
			continue
		}
		return c.mergeManaged(cpu, policy, managed, l, d)
	}

	// New group: publish the registry and lock mappings for every online
	// member before running the start sequence.
	c.mu.Lock()
	for _, j := range policy.CPUs.Slice() {
		if c.online[j] {
			c.registry[j] = policy
			c.lockOwner[j] = cpu
		}
	}
	c.mu.Unlock()

	requested := policy.snapshot()
	// Clearing the governor forces setPolicy to run the full start
	// sequence for the one carried in the request.
	policy.Governor = nil

	err = c.setPolicy(policy, &requested)
	policy.UserPolicy.Kind = policy.Kind
	policy.UserPolicy.Governor = policy.Governor
	if err != nil {
		c.log.Error(err, "initial policy rejected, rolling back", "cpu", cpu)
		if exitErr := d.Exit(policy); exitErr != nil {
			c.log.Error(exitErr, "driver exit during rollback", "cpu", cpu)
		}
		c.mu.Lock()
		for _, j := range policy.CPUs.Slice() {
			if c.registry[j] == policy {
				delete(c.registry, j)
				delete(c.lockOwner, j)
			}
		}
		c.mu.Unlock()
		l.unlock()
		return err
	}

	l.unlock()
	c.log.V(4).Info("policy group initialized",
		"cpu", cpu, "cpus", policy.CPUs.String(), "minKHz", policy.Min, "maxKHz", policy.Max)
	return nil
}

// pickInitialGovernor seeds the new policy's governor or static kind from
// the CPU's remembered selection, falling back to the configured default.
func (c *Coordinator) pickInitialGovernor(d Driver, policy *Policy, remembered string) error {
	if _, ok := d.(TargetDriver); !ok {
		switch remembered {
		case "powersave":
			policy.Kind = KindPowersave
		case "performance":
			policy.Kind = KindPerformance
		default:
			if c.cfg.DefaultGovernor == "powersave" {
				policy.Kind = KindPowersave
			} else {
				policy.Kind = KindPerformance
			}
		}
		return nil
	}

	for _, name := range []string{remembered, c.cfg.DefaultGovernor, fallbackGovernorName} {
		if name == "" {
			continue
		}
		if gov := c.findGovernor(name); gov != nil {
			policy.Governor = gov
			return nil
		}
	}
	return fmt.Errorf("cpu %d: no usable governor registered: %w", policy.CPU, ErrNoGovernor)
}

// mergeManaged folds a freshly initialized CPU into the existing group of
// a clock-domain sibling. Caller holds the new CPU's own group lock.
func (c *Coordinator) mergeManaged(cpu uint, policy, managed *Policy, l *groupLock, d Driver) error {
	c.log.V(4).Info("cpu shares a clock with a managed sibling, merging",
		"cpu", cpu, "owner", managed.CPU)

	// Redirect our lock resolution to the sibling's owner, then take that
	// group's lock before touching its membership.
	l.unlock()
	c.mu.Lock()
	c.lockOwner[cpu] = managed.CPU
	c.mu.Unlock()

	ml, err := c.lockWrite(cpu)
	if err != nil {
		c.mu.Lock()
		delete(c.lockOwner, cpu)
		c.mu.Unlock()
		if exitErr := d.Exit(policy); exitErr != nil {
			c.log.Error(exitErr, "driver exit after failed merge", "cpu", cpu)
		}
		return err
	}

	managed.CPUs.Union(policy.CPUs)
	managed.RelatedCPUs.Union(policy.RelatedCPUs)
	c.mu.Lock()
	c.registry[cpu] = managed
	c.mu.Unlock()
	ml.unlock()

	// The duplicate per-group driver state is released; the sibling's
	// initialization stands.
	if err := d.Exit(policy); err != nil {
		c.log.Error(err, "driver exit of duplicate initialization", "cpu", cpu)
	}
	return nil
}

// removeDev detaches an already offline-marked CPU. Caller passes the
// group write lock, which removeDev releases.
func (c *Coordinator) removeDev(cpu uint, l *groupLock) error {
	data := c.policyFor(cpu)
	if data == nil {
		l.unlock()
		return fmt.Errorf("cpu %d: %w", cpu, ErrNoPolicy)
	}

	name := data.governorName()

	if data.CPU != cpu {
		c.log.V(4).Info("detaching cpu from group", "cpu", cpu, "owner", data.CPU)
		data.CPUs.Remove(cpu)
		c.mu.Lock()
		if name != "" {
			c.cpuGovernors[cpu] = name
		}
		delete(c.registry, cpu)
		delete(c.lockOwner, cpu)
		c.mu.Unlock()
		l.unlock()
		return nil
	}

	data.CPUs.Remove(cpu)

	if data.CPUs.Len() > 0 {
		// Owner leaves but the group survives: hand ownership to the
		// lowest remaining member. The governor keeps running; no driver
		// exit/init cycle happens for a live clock domain.
		newOwner := data.CPUs.First()
		c.log.V(4).Info("transferring group ownership", "cpu", cpu, "newOwner", newOwner)

		c.mu.Lock()
		if name != "" {
			c.cpuGovernors[cpu] = name
		}
		data.CPU = newOwner
		delete(c.registry, cpu)
		delete(c.lockOwner, cpu)
		for _, j := range data.CPUs.Slice() {
			if c.online[j] {
				c.lockOwner[j] = newOwner
			}
		}
		c.mu.Unlock()

		// Contenders parked on the old owner's lock re-resolve and retry
		// against the new owner once we release.
		l.unlock()
		c.scheduleUpdate(newOwner)
		return nil
	}

	// Last member: tear the group down. The driver is fetched before the
	// registry entries go away; once they do, a concurrent UnregisterDriver
	// may succeed and clear the slot.
	c.log.V(4).Info("last cpu of group leaving, tearing down", "cpu", cpu)
	d, _ := c.currentDriver()

	c.mu.Lock()
	if name != "" {
		c.cpuGovernors[cpu] = name
	}
	delete(c.registry, cpu)
	delete(c.lockOwner, cpu)
	c.mu.Unlock()
	l.unlock()

	if d == nil {
		return nil
	}

	// The governor is stopped after the group lock is released so a
	// governor draining its work items can never deadlock against a
	// policy operation holding the lock.
	if _, ok := d.(TargetDriver); ok && data.governorStarted {
		if err := c.governorEvent(data, GovernorStop); err != nil {
			c.log.Error(err, "stopping governor during teardown", "cpu", cpu)
		}
	}

	// Exit still serializes against a concurrent re-add of the same slot
	// through the raw arena lock; the owner mapping is already gone.
	mu := c.locks[cpu]
	mu.Lock()
	err := d.Exit(data)
	mu.Unlock()
	if err != nil {
		c.log.Error(err, "driver exit during teardown", "cpu", cpu)
	}
	return nil
}
