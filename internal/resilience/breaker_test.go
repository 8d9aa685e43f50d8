package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func alwaysFail() error { return errBoom }
func alwaysOK() error   { return nil }

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := b.Execute(alwaysFail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected the wrapped failure, got %v", i, err)
		}
	}
	if err := b.Execute(alwaysOK); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	_ = b.Execute(alwaysFail)
	_ = b.Execute(alwaysFail)
	if err := b.Execute(alwaysOK); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Two more failures should not reach the threshold of three.
	_ = b.Execute(alwaysFail)
	_ = b.Execute(alwaysFail)
	if err := b.Execute(alwaysOK); errors.Is(err, ErrCircuitOpen) {
		t.Fatal("circuit must still be closed after a reset")
	}
}

func TestBreakerHalfOpenAfterTimeout(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBreaker(1, 30*time.Second)
	b.now = func() time.Time { return now }

	_ = b.Execute(alwaysFail)
	if err := b.Execute(alwaysOK); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}

	now = now.Add(31 * time.Second)
	if err := b.Execute(alwaysOK); err != nil {
		t.Fatalf("half-open probe should pass through, got %v", err)
	}
	// The successful probe closes the circuit again.
	if err := b.Execute(alwaysOK); err != nil {
		t.Fatalf("unexpected error after recovery: %v", err)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBreaker(1, 30*time.Second)
	b.now = func() time.Time { return now }

	_ = b.Execute(alwaysFail)
	now = now.Add(31 * time.Second)
	if err := b.Execute(alwaysFail); !errors.Is(err, errBoom) {
		t.Fatalf("half-open probe should run, got %v", err)
	}
	if err := b.Execute(alwaysOK); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("failed probe must reopen the circuit, got %v", err)
	}
}
