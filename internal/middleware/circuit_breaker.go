package middleware

import (
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerConfig holds configuration for a CallBreaker.
type CircuitBreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// FailureThreshold is the failure ratio at which the breaker trips,
	// once at least MinRequests calls have been counted.
	FailureThreshold float64
	MinRequests      uint32
}

// CallBreaker is a gobreaker wrapper for non-HTTP calls, such as the
// capacity reader's polling of DescribeTable.
type CallBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewCallBreaker builds a CallBreaker from a CircuitBreakerConfig.
func NewCallBreaker(config CircuitBreakerConfig) *CallBreaker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < config.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= config.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("circuit breaker '%s' state changed from %v to %v", name, from, to)
		},
	})
	return &CallBreaker{cb: cb}
}

// Execute runs fn through the breaker, returning gobreaker.ErrOpenState or
// gobreaker.ErrTooManyRequests without calling fn when the breaker is open.
func (b *CallBreaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}