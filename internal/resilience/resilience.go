// Package resilience wraps calls to external upstreams (rspamd, outbound
// SMTP peers) in a per-upstream circuit breaker, grounded on the pack's own
// use of github.com/sony/gobreaker around Gmail API calls
// (worker_gmail_adapter.go's executeWithCircuitBreaker): trip after a run of
// consecutive failures or a high failure ratio, fail fast while open, probe
// with limited concurrency once the timeout elapses.
package resilience

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Breakers hands out one named circuit breaker per upstream host, creating
// it on first use.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewBreakers() *Breakers {
	return &Breakers{breakers: map[string]*gobreaker.CircuitBreaker{}}
}

// For returns the circuit breaker for name, creating it with the package's
// default trip settings if this is the first call for that name.
func (b *Breakers) For(name string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 || (counts.Requests >= 10 && failureRatio >= 0.6)
		},
	})
	b.breakers[name] = cb
	return cb
}

// Execute runs fn under the named breaker, translating gobreaker's sentinel
// errors (ErrOpenState, ErrTooManyRequests) into the same error fn would
// have returned on a genuine upstream failure, so callers only need one
// error-handling path.
func (b *Breakers) Execute(name string, fn func() error) error {
	_, err := b.For(name).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}
