// Package breaker wraps gobreaker.CircuitBreaker per named external
// service (embedding, tag, proposition), generalized from the teacher's
// HTTP-middleware circuit breaker to a plain function-call wrapper, since
// extractor calls are not HTTP handlers.
package breaker

import (
	"context"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"htm/internal/config"
	appErrors "htm/pkg/errors"
	"htm/pkg/observability"
)

// Breaker guards calls to a single named external service with the
// closed/open/half_open state machine from spec §4.3. gobreaker's native
// ReadyToTrip/Counts model maps directly onto "consecutive failures" and
// MaxRequests in the half-open state maps onto half_open_max_calls, so no
// hand-rolled state machine is needed.
type Breaker[T any] struct {
	name string
	cb   *gobreaker.CircuitBreaker
	tel  *observability.Telemetry
}

// New builds a Breaker for service `name` using cfg's failure_threshold,
// reset_timeout, and half_open_max_calls.
func New[T any](name string, cfg config.CircuitBreakerConfig, tel *observability.Telemetry) *Breaker[T] {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxCalls,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	}

	b := &Breaker[T]{name: name, tel: tel}

	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		if tel != nil {
			logFn := tel.Logger.Warn
			if to == gobreaker.StateClosed {
				logFn = tel.Logger.Info
			}
			logFn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			tel.RecordCircuitState(name, stateToGauge(to))
		}
	}

	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

func stateToGauge(s gobreaker.State) int {
	switch s {
	case gobreaker.StateClosed:
		return observability.CircuitStateClosed
	case gobreaker.StateHalfOpen:
		return observability.CircuitStateHalfOpen
	default:
		return observability.CircuitStateOpen
	}
}

// Call executes fn under breaker protection. When the breaker is open it
// fails fast with CIRCUIT_OPEN without invoking fn, per spec §4.3/§7 ("the
// CIRCUIT_OPEN kind is never wrapped").
func (b *Breaker[T]) Call(ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := b.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return zero, appErrors.NewCircuitOpen(b.name)
		}
		return zero, err
	}
	return result.(T), nil
}

// State returns the breaker's current state name ("closed", "half-open",
// "open"), primarily for tests and diagnostics.
func (b *Breaker[T]) State() string {
	return b.cb.State().String()
}
