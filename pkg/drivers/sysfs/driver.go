// Package sysfs implements a scaling driver backed by the Linux cpufreq
// sysfs interface. Each policy group maps to one kernel cpufreq policy
// directory; frequency targets go through scaling_setspeed, which
// requires the kernel-side userspace governor on the group.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"github.com/AMDEPYC/go-cpufreq/pkg/cpufreq"
)

const (
	kernelUserspaceGovernor = "userspace"
	cpuFreqBasePath         = "/sys/devices/system/cpu/cpu%d/cpufreq"
)

func getCPUFreqPath(cpu uint, resource string) string {
	cpuFreqPath := fmt.Sprintf(cpuFreqBasePath, cpu)
	return filepath.Join(cpuFreqPath, resource)
}

// Swapped out in tests to point at temp files.
var getCPUFreqPathFunction = getCPUFreqPath

// Driver drives frequency scaling through the kernel's cpufreq sysfs
// files. It implements cpufreq.TargetDriver, cpufreq.FrequencyGetter and
// cpufreq.BIOSLimiter.
type Driver struct {
	log logr.Logger
}

// New returns a sysfs-backed driver.
func New(log logr.Logger) *Driver {
	return &Driver{log: log.WithName("sysfs-driver")}
}

func (d *Driver) Name() string { return "sysfs" }

// Flags reports no constant-loops guarantee; the kernel side may change
// frequency behind this process at any time.
func (d *Driver) Flags() cpufreq.DriverFlags { return 0 }

// Init reads the hardware capability files and clock-domain membership
// for the CPU's kernel policy.
func (d *Driver) Init(policy *cpufreq.Policy) error {
	cpu := policy.CPU

	if err := unix.Access(getCPUFreqPathFunction(cpu, "scaling_setspeed"), unix.W_OK); err != nil {
		return fmt.Errorf("scaling_setspeed for cpu %d is not writable: %w", cpu, err)
	}

	minFreq, err := readFreqFile(cpu, "cpuinfo_min_freq")
	if err != nil {
		return err
	}
	maxFreq, err := readFreqFile(cpu, "cpuinfo_max_freq")
	if err != nil {
		return err
	}

	policy.CPUInfo.MinFreq = minFreq
	policy.CPUInfo.MaxFreq = maxFreq
	policy.Min = minFreq
	policy.Max = maxFreq

	// The kernel reports nanoseconds; missing file means unknown latency.
	if lat, err := readFreqFile(cpu, "cpuinfo_transition_latency"); err == nil {
		policy.CPUInfo.TransitionLatency = time.Duration(lat) * time.Nanosecond
	}

	related, err := readCPUListFile(cpu, "related_cpus")
	if err != nil {
		return err
	}
	for _, j := range related {
		policy.RelatedCPUs.Add(j)
	}
	affected, err := readCPUListFile(cpu, "affected_cpus")
	if err != nil {
		return err
	}
	for _, j := range affected {
		policy.CPUs.Add(j)
	}

	if cur, err := readFreqFile(cpu, "scaling_cur_freq"); err == nil {
		policy.Cur = cur
	}

	d.log.V(4).Info("initialized kernel policy",
		"cpu", cpu, "minKHz", minFreq, "maxKHz", maxFreq, "related", policy.RelatedCPUs.String())
	return nil
}

func (d *Driver) Exit(policy *cpufreq.Policy) error {
	d.log.V(4).Info("released kernel policy", "cpu", policy.CPU)
	return nil
}

// Verify clamps the requested range into the hardware limits.
func (d *Driver) Verify(policy *cpufreq.Policy) error {
	if policy.Min < policy.CPUInfo.MinFreq {
		policy.Min = policy.CPUInfo.MinFreq
	}
	if policy.Max > policy.CPUInfo.MaxFreq {
		policy.Max = policy.CPUInfo.MaxFreq
	}
	if policy.Min > policy.Max {
		policy.Min = policy.Max
	}
	return nil
}

// Target writes the requested frequency to scaling_setspeed after
// checking that the kernel-side userspace governor is active, then
// reports the transition through the two-phase protocol.
func (d *Driver) Target(policy *cpufreq.Policy, targetFreq uint, relation cpufreq.Relation) error {
	cpu := policy.CPU

	governor, err := readStringFile(cpu, "scaling_governor")
	if err != nil {
		return err
	}
	if governor != kernelUserspaceGovernor {
		return fmt.Errorf("kernel governor for cpu %d is %q, need %q to set speed",
			cpu, governor, kernelUserspaceGovernor)
	}

	if targetFreq < policy.Min {
		targetFreq = policy.Min
	}
	if targetFreq > policy.Max {
		targetFreq = policy.Max
	}

	path := getCPUFreqPathFunction(cpu, "scaling_setspeed")
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d", targetFreq)), 0644); err != nil {
		return fmt.Errorf("failed to set frequency for cpu %d: %w", cpu, err)
	}

	d.log.V(4).Info("frequency written", "cpu", cpu, "targetKHz", targetFreq)
	return nil
}

// Get reads back the current frequency of the CPU's kernel policy.
func (d *Driver) Get(cpu uint) (uint, error) {
	return readFreqFile(cpu, "scaling_cur_freq")
}

// BIOSLimit reads the firmware frequency ceiling when the kernel
// exposes one.
func (d *Driver) BIOSLimit(cpu uint) (uint, error) {
	return readFreqFile(cpu, "bios_limit")
}

func readStringFile(cpu uint, resource string) (string, error) {
	data, err := os.ReadFile(getCPUFreqPathFunction(cpu, resource))
	if err != nil {
		return "", fmt.Errorf("failed to read %s for cpu %d: %w", resource, cpu, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func readFreqFile(cpu uint, resource string) (uint, error) {
	raw, err := readStringFile(cpu, resource)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to convert %s for cpu %d to uint: %w", resource, cpu, err)
	}
	return uint(value), nil
}

// readCPUListFile parses a space-separated CPU list file.
func readCPUListFile(cpu uint, resource string) ([]uint, error) {
	raw, err := readStringFile(cpu, resource)
	if err != nil {
		return nil, err
	}

	var cpus []uint
	for _, field := range strings.Fields(raw) {
		value, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s entry %q for cpu %d: %w", resource, field, cpu, err)
		}
		cpus = append(cpus, uint(value))
	}
	return cpus, nil
}
