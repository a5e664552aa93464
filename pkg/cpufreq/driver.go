package cpufreq

import (
	"fmt"
)

// Driver is the hardware abstraction consumed by the core. Exactly one
// driver is active per Coordinator at a time. Init and Exit bracket a
// policy group's lifetime; Verify clamps a requested range to the nearest
// supported values, mutating the policy in place.
//
// Drivers additionally implement TargetDriver or PolicyDriver (at least
// one is required), and optionally FrequencyGetter, BIOSLimiter, Suspender
// and Resumer. Capabilities are discovered by type assertion.
type Driver interface {
	Name() string
	Flags() DriverFlags
	// Init fills in the policy's CPUInfo, initial bounds and the CPUs
	// sharing the owner's clock domain. May block on hardware.
	Init(policy *Policy) error
	Exit(policy *Policy) error
	// Verify adjusts policy.Min/Max in place to supported values, or
	// returns an error when no supported point exists in the range.
	Verify(policy *Policy) error
}

// TargetDriver is implemented by drivers that apply explicit frequency
// targets chosen by a governor.
type TargetDriver interface {
	Target(policy *Policy, targetFreq uint, relation Relation) error
}

// PolicyDriver is implemented by drivers that accept a policy range
// directly and pick operating points autonomously.
type PolicyDriver interface {
	SetPolicy(policy *Policy) error
}

// FrequencyGetter is implemented by drivers that can read back the
// current hardware frequency.
type FrequencyGetter interface {
	Get(cpu uint) (uint, error)
}

// BIOSLimiter is implemented by drivers that can report a firmware-imposed
// frequency ceiling.
type BIOSLimiter interface {
	BIOSLimit(cpu uint) (uint, error)
}

// Suspender and Resumer are implemented by drivers needing system
// suspend/resume hooks.
type Suspender interface {
	Suspend(policy *Policy) error
}

type Resumer interface {
	Resume(policy *Policy) error
}

// RegisterDriver installs the scaling driver and brings up a policy for
// every online CPU. It fails with ErrDriverBusy when another driver got
// here first, and ErrInvalidDriver when the descriptor lacks a required
// operation. Drivers without FlagSticky are rolled back when no CPU could
// be initialized.
func (c *Coordinator) RegisterDriver(d Driver) error {
	if d == nil {
		return ErrInvalidDriver
	}
	_, hasTarget := d.(TargetDriver)
	_, hasSetPolicy := d.(PolicyDriver)
	if !hasTarget && !hasSetPolicy {
		return fmt.Errorf("driver %q: %w", d.Name(), ErrInvalidDriver)
	}

	flags := d.Flags()
	if hasSetPolicy {
		// Range-mode hardware manages its own timing loops.
		flags |= FlagConstLoops
	}

	c.mu.Lock()
	if c.driver != nil {
		c.mu.Unlock()
		return fmt.Errorf("cannot register driver %q: %w", d.Name(), ErrDriverBusy)
	}
	c.driver = d
	c.driverFlags = flags
	var cpus []uint
	for cpu, on := range c.online {
		if on {
			cpus = append(cpus, cpu)
		}
	}
	c.mu.Unlock()

	c.log.V(4).Info("registering driver", "driver", d.Name())

	for _, cpu := range cpus {
		if err := c.addDev(cpu); err != nil {
			c.log.Error(err, "driver failed to initialize cpu", "driver", d.Name(), "cpu", cpu)
		}
	}

	if flags&FlagSticky == 0 {
		c.mu.Lock()
		if len(c.registry) == 0 {
			c.driver = nil
			c.driverFlags = 0
			c.mu.Unlock()
			return fmt.Errorf("driver %q initialized no CPU: %w", d.Name(), ErrNoPolicy)
		}
		c.mu.Unlock()
	}

	c.log.V(4).Info("driver up and running", "driver", d.Name())
	return nil
}

// UnregisterDriver removes the active driver. All policy groups must have
// been torn down first (every governed CPU taken offline); unregistering
// out from under live policies is rejected.
func (c *Coordinator) UnregisterDriver(d Driver) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.driver == nil || c.driver != d {
		return fmt.Errorf("driver %q is not the registered driver", d.Name())
	}
	if len(c.registry) != 0 {
		return fmt.Errorf("driver %q still manages %d CPUs: %w", d.Name(), len(c.registry), ErrDriverBusy)
	}

	c.log.V(4).Info("unregistering driver", "driver", d.Name())
	c.driver = nil
	c.driverFlags = 0
	return nil
}

// currentDriver returns the active driver and its effective flags.
func (c *Coordinator) currentDriver() (Driver, DriverFlags) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.driver, c.driverFlags
}
