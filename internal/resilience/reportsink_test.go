package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/audioknife/audioknife/pkg/billing"
	"github.com/audioknife/audioknife/pkg/protocol"
)

type flakySaver struct {
	err   error
	calls int
}

func (f *flakySaver) SaveReports(_ context.Context, _ string, _ []billing.Report) error {
	f.calls++
	return f.err
}

func sampleReports() []billing.Report {
	return []billing.Report{{
		Service: "azure-synthesize",
		Scope:   "en-US-JennyNeural",
		Records: []protocol.BillingRecord{protocol.CountRecord("synthesizedText", 6)},
	}}
}

func TestGuardReports_ForwardsWhenHealthy(t *testing.T) {
	saver := &flakySaver{}
	sink := GuardReports(saver, nil)

	if err := sink.SaveReports(context.Background(), "tenant-1", sampleReports()); err != nil {
		t.Fatalf("SaveReports: %v", err)
	}
	if saver.calls != 1 {
		t.Fatalf("store calls = %d, want 1", saver.calls)
	}
	if sink.State() != StateClosed {
		t.Fatalf("state = %v, want closed", sink.State())
	}
}

func TestGuardReports_ShedsWhenStoreIsDown(t *testing.T) {
	saver := &flakySaver{err: errStore}
	sink := GuardReports(saver, NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "billing-store",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	}))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := sink.SaveReports(ctx, "tenant-1", sampleReports()); !errors.Is(err, errStore) {
			t.Fatalf("save %d: err = %v, want the store error", i, err)
		}
	}

	// Breaker open: the save is shed without touching the store.
	err := sink.SaveReports(ctx, "tenant-1", sampleReports())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if saver.calls != 2 {
		t.Fatalf("store calls = %d, want 2 (shed save must not reach the store)", saver.calls)
	}
}

func TestGuardReports_RecoversThroughProbes(t *testing.T) {
	saver := &flakySaver{err: errStore}
	sink := GuardReports(saver, NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "billing-store",
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  1,
	}))

	ctx := context.Background()
	_ = sink.SaveReports(ctx, "tenant-1", sampleReports())
	if sink.State() != StateOpen {
		t.Fatalf("state = %v, want open", sink.State())
	}

	saver.err = nil
	time.Sleep(15 * time.Millisecond)

	if err := sink.SaveReports(ctx, "tenant-1", sampleReports()); err != nil {
		t.Fatalf("probe save: %v", err)
	}
	if sink.State() != StateClosed {
		t.Fatalf("state = %v, want closed after a successful probe", sink.State())
	}
}
