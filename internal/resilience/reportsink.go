package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/audioknife/audioknife/pkg/billing"
)

// ReportSaver is the slice of the billing store the guarded sink needs.
// *pgstore.Store satisfies it.
type ReportSaver interface {
	SaveReports(ctx context.Context, billingID string, reports []billing.Report) error
}

// GuardedSink wraps a billing report store with a circuit breaker. Report
// saves run on the terminal path of every billed conversation, so once the
// store starts timing out the breaker opens and subsequent saves fail fast
// until a probe succeeds. The reports those conversations already emitted to
// the client in-band are unaffected.
type GuardedSink struct {
	sink    ReportSaver
	breaker *CircuitBreaker
}

// GuardReports wraps sink with breaker. A nil breaker gets the default
// tuning under the name "billing-store".
func GuardReports(sink ReportSaver, breaker *CircuitBreaker) *GuardedSink {
	if breaker == nil {
		breaker = NewCircuitBreaker(CircuitBreakerConfig{Name: "billing-store"})
	}
	return &GuardedSink{sink: sink, breaker: breaker}
}

// SaveReports forwards to the wrapped store unless the breaker is open.
func (g *GuardedSink) SaveReports(ctx context.Context, billingID string, reports []billing.Report) error {
	err := g.breaker.Execute(func() error {
		return g.sink.SaveReports(ctx, billingID, reports)
	})
	if errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("resilience: report save for %q shed: %w", billingID, err)
	}
	return err
}

// State exposes the breaker state, for logs and probes.
func (g *GuardedSink) State() State {
	return g.breaker.State()
}
