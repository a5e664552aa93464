package cpufreq

import (
	"fmt"
	"slices"
	"strings"
)

// CPUSet is a set of CPU indices kept sorted for deterministic iteration.
// Not safe for concurrent use; instances are protected by their policy's
// group lock.
type CPUSet struct {
	cpus []uint
}

func NewCPUSet(cpus ...uint) *CPUSet {
	s := &CPUSet{}
	for _, c := range cpus {
		s.Add(c)
	}
	return s
}

func (s *CPUSet) Add(cpu uint) {
	i, found := slices.BinarySearch(s.cpus, cpu)
	if found {
		return
	}
	s.cpus = slices.Insert(s.cpus, i, cpu)
}

func (s *CPUSet) Remove(cpu uint) {
	i, found := slices.BinarySearch(s.cpus, cpu)
	if found {
		s.cpus = slices.Delete(s.cpus, i, i+1)
	}
}

func (s *CPUSet) Contains(cpu uint) bool {
	_, found := slices.BinarySearch(s.cpus, cpu)
	return found
}

func (s *CPUSet) Len() int {
	return len(s.cpus)
}

// First returns the lowest CPU index in the set. Callers must ensure the
// set is not empty.
func (s *CPUSet) First() uint {
	return s.cpus[0]
}

// Slice returns the members in ascending order. The returned slice is a copy.
func (s *CPUSet) Slice() []uint {
	return slices.Clone(s.cpus)
}

func (s *CPUSet) Clone() *CPUSet {
	if s == nil {
		return nil
	}
	return &CPUSet{cpus: slices.Clone(s.cpus)}
}

// Union adds every member of other to s.
func (s *CPUSet) Union(other *CPUSet) {
	if other == nil {
		return
	}
	for _, c := range other.cpus {
		s.Add(c)
	}
}

func (s *CPUSet) Equal(other *CPUSet) bool {
	if s == nil || other == nil {
		return s == other
	}
	return slices.Equal(s.cpus, other.cpus)
}

func (s *CPUSet) String() string {
	parts := make([]string, len(s.cpus))
	for i, c := range s.cpus {
		parts[i] = fmt.Sprint(c)
	}
	return strings.Join(parts, " ")
}
