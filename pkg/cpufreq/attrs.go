package cpufreq

import (
	"fmt"
)

// ReadPolicy runs fn against the live policy covering cpu while holding
// the group's read lock. The policy must not be mutated or retained past
// the call.
func (c *Coordinator) ReadPolicy(cpu uint, fn func(policy *Policy) error) error {
	l, err := c.lockRead(cpu)
	if err != nil {
		return err
	}
	defer l.unlock()

	data := c.policyFor(cpu)
	if data == nil {
		return fmt.Errorf("cpu %d: %w", cpu, ErrNoPolicy)
	}
	return fn(data)
}

// WritePolicy runs fn against the live policy covering cpu while holding
// the group's write lock. fn may mutate the policy in place; callers
// changing bounds should go through SetPolicy instead so the full
// validation sequence runs.
func (c *Coordinator) WritePolicy(cpu uint, fn func(policy *Policy) error) error {
	l, err := c.lockWrite(cpu)
	if err != nil {
		return err
	}
	defer l.unlock()

	data := c.policyFor(cpu)
	if data == nil {
		return fmt.Errorf("cpu %d: %w", cpu, ErrNoPolicy)
	}
	return fn(data)
}

// SetSpeed forwards an explicit speed request to the governor covering
// cpu, when that governor accepts one.
func (c *Coordinator) SetSpeed(cpu uint, freq uint) error {
	l, err := c.lockWrite(cpu)
	if err != nil {
		return err
	}
	defer l.unlock()

	data := c.policyFor(cpu)
	if data == nil {
		return fmt.Errorf("cpu %d: %w", cpu, ErrNoPolicy)
	}
	ss, ok := data.Governor.(SpeedSetter)
	if !ok {
		return fmt.Errorf("cpu %d: governor does not accept speed requests: %w", cpu, ErrNoGovernor)
	}
	return ss.SetSpeed(c.targeter(), data, freq)
}
