// Package cpufreq coordinates CPU clock-frequency scaling across clock
// domains. A Coordinator owns a registry of per-domain policies, a
// pluggable hardware driver, a set of pluggable governors and two
// notifier chains, and keeps them consistent under CPU hotplug.
//
// CPUs sharing a clock share one Policy; the group owner's lock
// serializes all policy operations for the domain. Drivers apply
// frequency changes and report them through the two-phase transition
// protocol; governors choose targets within the policy bounds; QoS
// limits clamp every policy on top of the user's requested range.
package cpufreq
