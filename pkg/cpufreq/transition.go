package cpufreq

import (
	"fmt"
)

// NotifyTransition runs the two-phase protocol bracketing every real or
// assumed hardware frequency change. Drivers call it once with Prechange
// before touching the hardware and once with Postchange after.
//
// During Prechange, when the driver does not guarantee constant timing
// loops and the core's cached frequency disagrees with the caller's
// "old" value, the event is corrected to the core's belief. Postchange
// commits the new frequency into the owning policy's Cur.
//
// Subscribers may block, so this must never be called from a context
// that cannot.
func (c *Coordinator) NotifyTransition(freqs *Freqs, phase Phase) {
	_, flags := c.currentDriver()
	freqs.Flags = flags

	c.log.V(5).Info("frequency transition notification",
		"cpu", freqs.CPU, "phase", phase.String(), "newKHz", freqs.New)

	policy := c.policyFor(freqs.CPU)

	switch phase {
	case Prechange:
		if flags&FlagConstLoops == 0 &&
			policy != nil && policy.CPU == freqs.CPU &&
			policy.Cur != 0 && policy.Cur != freqs.Old {
			c.log.Info("driver reported unexpected old frequency",
				"cpu", freqs.CPU, "reportedKHz", freqs.Old, "assumedKHz", policy.Cur)
			freqs.Old = policy.Cur
		}
		c.notifyTransitionChain(Prechange, freqs)
		c.adjustJiffies(Prechange, freqs)

	case Postchange:
		c.adjustJiffies(Postchange, freqs)
		c.notifyTransitionChain(Postchange, freqs)
		// Never write into a group the caller does not own.
		if policy != nil && policy.CPU == freqs.CPU {
			policy.Cur = freqs.New
		}
	}
}

// adjustJiffies rescales the timing-loop calibration for the new clock
// speed. Raising the frequency is compensated before the change, lowering
// it after, so the calibration never undershoots while the change is in
// flight.
func (c *Coordinator) adjustJiffies(phase Phase, freqs *Freqs) {
	if !c.cfg.ScaleLoopsPerJiffy || freqs.Flags&FlagConstLoops != 0 {
		return
	}

	c.lpjMu.Lock()
	defer c.lpjMu.Unlock()

	if c.lpjRefFreq == 0 {
		c.lpjRef = c.lpj
		c.lpjRefFreq = freqs.Old
		c.log.V(5).Info("saved loops-per-jiffy reference",
			"loopsPerJiffy", c.lpjRef, "freqKHz", c.lpjRefFreq)
	}
	if (phase == Prechange && freqs.Old < freqs.New) ||
		(phase == Postchange && freqs.Old > freqs.New) {
		c.lpj = Scale(c.lpjRef, freqs.New, c.lpjRefFreq)
		c.log.V(5).Info("scaled loops-per-jiffy",
			"loopsPerJiffy", c.lpj, "freqKHz", freqs.New)
	}
}

// LoopsPerJiffy reports the current timing-loop calibration value.
func (c *Coordinator) LoopsPerJiffy() uint64 {
	c.lpjMu.Lock()
	defer c.lpjMu.Unlock()
	return c.lpj
}

// outOfSync re-synchronizes subscribers after detecting that the hardware
// runs at a different frequency than the cached value, by synthesizing a
// full transition pair.
func (c *Coordinator) outOfSync(cpu uint, oldFreq, newFreq uint) {
	c.log.Info("cpu frequency out of sync",
		"cpu", cpu, "assumedKHz", oldFreq, "actualKHz", newFreq)

	freqs := Freqs{CPU: cpu, Old: oldFreq, New: newFreq}
	c.NotifyTransition(&freqs, Prechange)
	c.NotifyTransition(&freqs, Postchange)
}

// getLocked reads the hardware frequency and runs drift detection.
// Caller holds the group's write lock; correcting drift commits the
// actual frequency into the policy.
func (c *Coordinator) getLocked(cpu uint) uint {
	d, flags := c.currentDriver()
	g, ok := d.(FrequencyGetter)
	if !ok {
		return 0
	}

	freq, err := g.Get(cpu)
	if err != nil {
		c.log.V(4).Info("driver frequency read failed", "cpu", cpu, "error", err.Error())
		return 0
	}

	policy := c.policyFor(cpu)
	if freq != 0 && policy != nil && policy.Cur != 0 && flags&FlagConstLoops == 0 {
		if freq != policy.Cur {
			c.outOfSync(cpu, policy.Cur, freq)
			c.scheduleUpdate(cpu)
		}
	}
	return freq
}

// Get returns the current hardware frequency for cpu in kHz, detecting
// and correcting drift from firmware agents along the way.
func (c *Coordinator) Get(cpu uint) (uint, error) {
	if c.policyFor(cpu) == nil {
		return 0, fmt.Errorf("cpu %d: %w", cpu, ErrNoPolicy)
	}

	l, err := c.lockWrite(cpu)
	if err != nil {
		return 0, err
	}
	defer l.unlock()

	return c.getLocked(cpu), nil
}

// QuickGet returns the cached frequency for cpu without touching the
// driver. Zero when unknown or no policy covers the CPU.
func (c *Coordinator) QuickGet(cpu uint) uint {
	l, err := c.lockRead(cpu)
	if err != nil {
		return 0
	}
	defer l.unlock()

	if policy := c.policyFor(cpu); policy != nil {
		return policy.Cur
	}
	return 0
}

// QuickGetMax returns the effective maximum frequency for cpu without
// touching the driver.
func (c *Coordinator) QuickGetMax(cpu uint) uint {
	l, err := c.lockRead(cpu)
	if err != nil {
		return 0
	}
	defer l.unlock()

	if policy := c.policyFor(cpu); policy != nil {
		return policy.Max
	}
	return 0
}

// BIOSLimit reports the firmware frequency ceiling for cpu, falling back
// to the hardware maximum when the driver cannot read one.
func (c *Coordinator) BIOSLimit(cpu uint) (uint, error) {
	policy := c.policyFor(cpu)
	if policy == nil {
		return 0, fmt.Errorf("cpu %d: %w", cpu, ErrNoPolicy)
	}

	d, _ := c.currentDriver()
	if bl, ok := d.(BIOSLimiter); ok {
		if limit, err := bl.BIOSLimit(cpu); err == nil {
			return limit, nil
		}
	}
	return policy.CPUInfo.MaxFreq, nil
}
