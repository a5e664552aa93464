package cpufreq

import (
	"fmt"
	"sync"
)

// Per-group locking.
//
// Every CPU has a reader/writer lock in a fixed arena, but all CPUs of a
// policy group resolve to the group owner's lock, so one lock protects
// the whole group. Resolution is an explicit two-step lookup under the
// registry mutex: cpu -> owner, owner -> lock. Because ownership can be
// transferred while a contender sleeps on the old owner's lock, acquirers
// re-resolve after acquisition and retry when the mapping moved.
//
// Rules:
//   - readers take lockRead for anything inspecting a policy;
//   - writers take lockWrite for anything mutating a policy or moving
//     CPUs between groups;
//   - after acquiring, the CPU must still be online, otherwise the lock
//     is dropped and the acquisition fails with ErrStaleCPU;
//   - the teardown path must not deliver GovernorStop while holding the
//     group lock.

// groupLock is the handle returned by a successful acquisition. Releasing
// through the handle guarantees the same mutex is unlocked even if the
// CPU's owner mapping has moved since.
type groupLock struct {
	mu    *sync.RWMutex
	write bool
}

func (g *groupLock) unlock() {
	if g.write {
		g.mu.Unlock()
	} else {
		g.mu.RUnlock()
	}
}

func (c *Coordinator) lockRead(cpu uint) (*groupLock, error) {
	return c.lockPolicy(cpu, false)
}

func (c *Coordinator) lockWrite(cpu uint) (*groupLock, error) {
	return c.lockPolicy(cpu, true)
}

func (c *Coordinator) lockPolicy(cpu uint, write bool) (*groupLock, error) {
	if cpu >= c.cfg.PossibleCPUs {
		return nil, fmt.Errorf("cpu %d out of range: %w", cpu, ErrNoPolicy)
	}

	for {
		c.mu.Lock()
		owner, ok := c.lockOwner[cpu]
		c.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("cpu %d: %w", cpu, ErrNoPolicy)
		}

		mu := c.locks[owner]
		if write {
			mu.Lock()
		} else {
			mu.RLock()
		}

		c.mu.Lock()
		nowOwner, ok := c.lockOwner[cpu]
		online := c.online[cpu]
		c.mu.Unlock()

		g := &groupLock{mu: mu, write: write}
		if !ok {
			g.unlock()
			return nil, fmt.Errorf("cpu %d: %w", cpu, ErrNoPolicy)
		}
		if nowOwner != owner {
			// Ownership transferred while we slept on the old lock.
			g.unlock()
			continue
		}
		if !online {
			g.unlock()
			return nil, fmt.Errorf("cpu %d: %w", cpu, ErrStaleCPU)
		}
		return g, nil
	}
}
