package cpufreq

import (
	"errors"
	"fmt"
)

// setPolicy validates and applies a requested policy onto the live group
// state. Caller holds the group's write lock. On return the requested
// policy's bounds are restored to the caller's pre-clamp values so they
// can be persisted as user intent, regardless of outcome.
//
// Either the full sequence commits or the group retains its prior
// governor and bounds.
func (c *Coordinator) setPolicy(data *Policy, requested *Policy) (err error) {
	d, _ := c.currentDriver()
	if d == nil {
		return fmt.Errorf("cpu %d: no driver registered: %w", data.CPU, ErrNoPolicy)
	}

	pmin, pmax := requested.Min, requested.Max
	defer func() {
		// Callers persist what the user asked for, not what was applied.
		requested.Min, requested.Max = pmin, pmax
	}()

	// Clamp to QoS limits, each bounded by the opposite user extreme so a
	// QoS floor can never be pushed above the user ceiling and vice versa.
	qmin := min(c.qosMinFreq(), data.UserPolicy.Max)
	qmax := max(c.qosMaxFreq(), data.UserPolicy.Min)
	requested.Min = max(pmin, qmin)
	requested.Max = min(pmax, qmax)
	requested.CPUInfo = data.CPUInfo

	c.log.V(4).Info("setting new policy",
		"cpu", requested.CPU, "minKHz", requested.Min, "maxKHz", requested.Max,
		"qosMinKHz", qmin, "qosMaxKHz", qmax)

	if requested.Min > data.UserPolicy.Max || requested.Max < data.UserPolicy.Min {
		return fmt.Errorf("cpu %d: clamped range %d-%d kHz vs user %d-%d kHz: %w",
			requested.CPU, requested.Min, requested.Max,
			data.UserPolicy.Min, data.UserPolicy.Max, ErrRangeConflict)
	}

	// The driver may adjust bounds in place to the nearest supported values.
	if err := d.Verify(requested); err != nil {
		return fmt.Errorf("cpu %d: driver rejected %d-%d kHz (%v): %w",
			requested.CPU, requested.Min, requested.Max, err, ErrUnsupportedRange)
	}

	// Subscribers may narrow further - any reason first, then hardware
	// incompatibility - so verify once more against the final bounds.
	c.notifyPolicy(PolicyAdjust, requested)
	c.notifyPolicy(PolicyIncompatible, requested)

	if err := d.Verify(requested); err != nil {
		return fmt.Errorf("cpu %d: driver rejected adjusted %d-%d kHz (%v): %w",
			requested.CPU, requested.Min, requested.Max, err, ErrUnsupportedRange)
	}

	c.notifyPolicy(PolicyNotify, requested)

	data.Min = requested.Min
	data.Max = requested.Max
	c.log.V(4).Info("new policy bounds", "cpu", data.CPU, "minKHz", data.Min, "maxKHz", data.Max)

	if pd, ok := d.(PolicyDriver); ok {
		if _, targets := d.(TargetDriver); !targets {
			data.Kind = requested.Kind
			c.log.V(5).Info("applying range directly", "cpu", data.CPU, "kind", data.Kind.String())
			return pd.SetPolicy(requested)
		}
	}

	if requested.Governor != data.Governor {
		oldGov := data.Governor

		c.log.V(4).Info("governor switch", "cpu", data.CPU)
		if data.Governor != nil {
			if stopErr := c.governorEvent(data, GovernorStop); stopErr != nil {
				c.log.Error(stopErr, "stopping old governor failed", "cpu", data.CPU)
			}
		}

		data.Governor = requested.Governor
		if startErr := c.governorEvent(data, GovernorStart); startErr != nil {
			c.log.V(4).Info("starting governor failed, restoring previous",
				"cpu", data.CPU, "governor", data.governorName(), "error", startErr.Error())
			if oldGov != nil {
				data.Governor = oldGov
				if restartErr := c.governorEvent(data, GovernorStart); restartErr != nil {
					c.log.Error(restartErr, "restarting previous governor failed", "cpu", data.CPU)
				}
			}
			if errors.Is(startErr, ErrLatencyIncompatible) {
				return startErr
			}
			return fmt.Errorf("cpu %d: %v: %w", data.CPU, startErr, ErrGovernorStartFailed)
		}
	}

	c.log.V(5).Info("governor: change or update limits", "cpu", data.CPU)
	return c.governorEvent(data, GovernorLimits)
}

// SetPolicy validates requested against the group covering cpu and
// commits it. The requested policy carries the caller's desired bounds,
// kind and governor; on success the group's user bounds record exactly
// the pre-clamp values passed in.
func (c *Coordinator) SetPolicy(cpu uint, requested Policy) error {
	l, err := c.lockWrite(cpu)
	if err != nil {
		return err
	}
	defer l.unlock()

	data := c.policyFor(cpu)
	if data == nil {
		return fmt.Errorf("cpu %d: %w", cpu, ErrNoPolicy)
	}

	requested.CPU = data.CPU
	requested.CPUs = data.CPUs
	requested.RelatedCPUs = data.RelatedCPUs
	// A bounds-only request keeps the current selection running.
	if requested.Governor == nil {
		requested.Governor = data.Governor
	}
	if requested.Kind == KindUnknown {
		requested.Kind = data.Kind
	}

	err = c.setPolicy(data, &requested)

	// User bounds follow the request whether or not it was applied; kind
	// and governor follow whatever actually survived.
	data.UserPolicy.Min = requested.Min
	data.UserPolicy.Max = requested.Max
	data.UserPolicy.Kind = data.Kind
	data.UserPolicy.Governor = data.Governor

	return err
}

// UpdatePolicy re-evaluates the group covering cpu with its stored user
// bounds, probing for out-of-band hardware drift first. This is the entry
// point for QoS changes and scheduled re-evaluations.
func (c *Coordinator) UpdatePolicy(cpu uint) error {
	l, err := c.lockWrite(cpu)
	if err != nil {
		return err
	}
	defer l.unlock()

	data := c.policyFor(cpu)
	if data == nil {
		return fmt.Errorf("cpu %d: %w", cpu, ErrNoPolicy)
	}

	c.log.V(4).Info("updating policy", "cpu", cpu)

	requested := *data
	requested.Min = data.UserPolicy.Min
	requested.Max = data.UserPolicy.Max
	requested.Kind = data.UserPolicy.Kind
	requested.Governor = data.UserPolicy.Governor

	// Firmware may have changed frequency behind our back; re-sync
	// subscribers before re-applying policy.
	d, _ := c.currentDriver()
	if g, ok := d.(FrequencyGetter); ok {
		if cur, getErr := g.Get(cpu); getErr == nil && cur != 0 {
			requested.Cur = cur
			if data.Cur == 0 {
				c.log.V(4).Info("driver did not initialize current frequency", "cpu", cpu)
				data.Cur = cur
			} else if data.Cur != cur {
				c.outOfSync(cpu, data.Cur, cur)
			}
		}
	}

	return c.setPolicy(data, &requested)
}

// GetPolicy returns a consistent snapshot of the policy covering cpu.
func (c *Coordinator) GetPolicy(cpu uint) (Policy, error) {
	l, err := c.lockRead(cpu)
	if err != nil {
		return Policy{}, err
	}
	defer l.unlock()

	data := c.policyFor(cpu)
	if data == nil {
		return Policy{}, fmt.Errorf("cpu %d: %w", cpu, ErrNoPolicy)
	}
	return data.snapshot(), nil
}

// SetGovernor switches the group covering cpu to the named governor. For
// direct-setpolicy drivers the name selects the static kind instead.
func (c *Coordinator) SetGovernor(cpu uint, name string) error {
	current, err := c.CurrentGovernor(cpu)
	if err != nil {
		return err
	}
	if current == name {
		return fmt.Errorf("cpu %d: governor %q already active", cpu, name)
	}

	snap, err := c.GetPolicy(cpu)
	if err != nil {
		return err
	}

	requested := snap
	requested.Min = snap.UserPolicy.Min
	requested.Max = snap.UserPolicy.Max
	if err := c.parseGovernor(name, &requested); err != nil {
		return err
	}

	return c.SetPolicy(cpu, requested)
}

// parseGovernor resolves a governor name against the active driver mode,
// filling the requested policy's Kind or Governor.
func (c *Coordinator) parseGovernor(name string, requested *Policy) error {
	d, _ := c.currentDriver()
	if d == nil {
		return fmt.Errorf("no driver registered: %w", ErrNoPolicy)
	}

	if _, ok := d.(TargetDriver); !ok {
		switch name {
		case "performance":
			requested.Kind = KindPerformance
		case "powersave":
			requested.Kind = KindPowersave
		default:
			return fmt.Errorf("governor %q unsupported by setpolicy driver: %w", name, ErrNoGovernor)
		}
		return nil
	}

	gov := c.findGovernor(name)
	if gov == nil {
		return fmt.Errorf("governor %q: %w", name, ErrNoGovernor)
	}
	requested.Governor = gov
	return nil
}

// CurrentGovernor reports the governor (or static kind) active for cpu.
func (c *Coordinator) CurrentGovernor(cpu uint) (string, error) {
	l, err := c.lockRead(cpu)
	if err != nil {
		return "", err
	}
	defer l.unlock()

	data := c.policyFor(cpu)
	if data == nil {
		return "", fmt.Errorf("cpu %d: %w", cpu, ErrNoPolicy)
	}
	name := data.governorName()
	if name == "" {
		return "", fmt.Errorf("cpu %d: %w", cpu, ErrNoGovernor)
	}
	return name, nil
}
