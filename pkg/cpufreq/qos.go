package cpufreq

// Frequency quality-of-service limits. External subsystems (thermal,
// power capping) impose process-wide floors and ceilings that clamp
// every policy on top of the user bounds. Changing a limit queues a
// full re-evaluation of every online CPU so the clamp takes effect
// asynchronously, off the caller's stack.

func (c *Coordinator) qosMinFreq() uint {
	c.qosMu.Lock()
	defer c.qosMu.Unlock()
	return c.qosMin
}

func (c *Coordinator) qosMaxFreq() uint {
	c.qosMu.Lock()
	defer c.qosMu.Unlock()
	return c.qosMax
}

// SetQoSMinFreq raises or lowers the process-wide frequency floor in
// kHz. Zero removes the floor.
func (c *Coordinator) SetQoSMinFreq(khz uint) {
	c.qosMu.Lock()
	c.qosMin = khz
	c.qosMu.Unlock()

	c.log.V(4).Info("qos minimum frequency changed", "minKHz", khz)
	c.reevaluateAll()
}

// SetQoSMaxFreq raises or lowers the process-wide frequency ceiling in
// kHz. The maximum uint value removes the ceiling.
func (c *Coordinator) SetQoSMaxFreq(khz uint) {
	c.qosMu.Lock()
	c.qosMax = khz
	c.qosMu.Unlock()

	c.log.V(4).Info("qos maximum frequency changed", "maxKHz", khz)
	c.reevaluateAll()
}

func (c *Coordinator) reevaluateAll() {
	for _, cpu := range c.OnlineCPUs() {
		c.scheduleUpdate(cpu)
	}
}
