package cpufreq

import (
	"sync"

	"github.com/google/uuid"
)

// Token identifies a notifier subscription for later removal.
type Token = uuid.UUID

// PolicyListener observes policy validation events. During PolicyAdjust
// and PolicyIncompatible the listener may narrow policy.Min/Max in place;
// PolicyStart and PolicyNotify are informational.
type PolicyListener func(event PolicyEvent, policy *Policy)

// TransitionListener observes the two-phase frequency transition protocol.
type TransitionListener func(phase Phase, freqs *Freqs)

// chain is a subscriber registry with stable tokens. Broadcast order is
// insertion order for determinism.
type chain[T any] struct {
	mu   sync.RWMutex
	subs []subscription[T]
}

type subscription[T any] struct {
	token Token
	fn    T
}

func (c *chain[T]) subscribe(fn T) Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	tok := uuid.New()
	c.subs = append(c.subs, subscription[T]{token: tok, fn: fn})
	return tok
}

func (c *chain[T]) unsubscribe(tok Token) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, s := range c.subs {
		if s.token == tok {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return true
		}
	}
	return false
}

// snapshot copies the subscriber list so callbacks run without the chain
// lock held; subscribers are allowed to block.
func (c *chain[T]) snapshot() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()

	fns := make([]T, len(c.subs))
	for i, s := range c.subs {
		fns[i] = s.fn
	}
	return fns
}

// SubscribePolicy registers a listener on the policy notifier channel.
func (c *Coordinator) SubscribePolicy(fn PolicyListener) Token {
	return c.policyChain.subscribe(fn)
}

// SubscribeTransition registers a listener on the transition notifier
// channel.
func (c *Coordinator) SubscribeTransition(fn TransitionListener) Token {
	return c.transitionChain.subscribe(fn)
}

// Unsubscribe removes a subscription from whichever channel issued the
// token. Reports whether the token was found.
func (c *Coordinator) Unsubscribe(tok Token) bool {
	if c.policyChain.unsubscribe(tok) {
		return true
	}
	return c.transitionChain.unsubscribe(tok)
}

func (c *Coordinator) notifyPolicy(event PolicyEvent, policy *Policy) {
	for _, fn := range c.policyChain.snapshot() {
		fn(event, policy)
	}
}

func (c *Coordinator) notifyTransitionChain(phase Phase, freqs *Freqs) {
	for _, fn := range c.transitionChain.snapshot() {
		fn(phase, freqs)
	}
}
