package cpufreq

import (
	"fmt"

	"go.uber.org/multierr"
)

// policyOwners returns one CPU per live policy group, ascending.
func (c *Coordinator) policyOwners() []uint {
	c.mu.Lock()
	defer c.mu.Unlock()

	owners := NewCPUSet()
	for _, p := range c.registry {
		owners.Add(p.CPU)
	}
	return owners.Slice()
}

// Suspend quiesces frequency scaling before a system sleep, giving the
// driver a chance to park each clock domain. Errors are aggregated so
// one failing domain does not hide the others.
func (c *Coordinator) Suspend() error {
	d, _ := c.currentDriver()
	s, ok := d.(Suspender)
	if !ok {
		return nil
	}

	var errs error
	for _, owner := range c.policyOwners() {
		l, err := c.lockWrite(owner)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		policy := c.policyFor(owner)
		if policy == nil {
			l.unlock()
			continue
		}
		c.log.V(4).Info("suspending clock domain", "cpu", owner)
		if err := s.Suspend(policy); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("suspend cpu %d: %w", owner, err))
		}
		l.unlock()
	}
	return errs
}

// Resume restores frequency scaling after a system sleep. Firmware may
// have left each domain at an arbitrary frequency, so every group is
// also queued for a full policy re-evaluation.
func (c *Coordinator) Resume() error {
	d, _ := c.currentDriver()
	r, rok := d.(Resumer)

	var errs error
	for _, owner := range c.policyOwners() {
		if rok {
			l, err := c.lockWrite(owner)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			policy := c.policyFor(owner)
			if policy != nil {
				c.log.V(4).Info("resuming clock domain", "cpu", owner)
				if err := r.Resume(policy); err != nil {
					errs = multierr.Append(errs, fmt.Errorf("resume cpu %d: %w", owner, err))
				}
			}
			l.unlock()
		}
		c.scheduleUpdate(owner)
	}
	return errs
}
