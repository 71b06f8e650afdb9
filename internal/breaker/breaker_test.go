package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/terraingossip/terraingossip/internal/tgerr"
)

func testConfig() Config {
	return Config{MaxFailures: 2, Timeout: 10 * time.Millisecond, HalfOpenMaxRequests: 1}
}

func TestExecutePassesThroughWhenClosed(t *testing.T) {
	b := New(testConfig())
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
}

func TestExecuteOpensAfterMaxFailures(t *testing.T) {
	b := New(testConfig())
	failing := errors.New("boom")
	for i := 0; i < testConfig().MaxFailures; i++ {
		if err := b.Execute(func() error { return failing }); err == nil {
			t.Fatal("expected failing call to return its error")
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after %d failures, got %s", testConfig().MaxFailures, b.State())
	}

	err := b.Execute(func() error {
		t.Fatal("fn should not run while breaker is open")
		return nil
	})
	if !tgerr.Is(err, tgerr.KindState, "NoPath") {
		t.Fatalf("expected NoPath, got %v", err)
	}
}

func TestExecuteHalfOpensAfterTimeoutAndCloses(t *testing.T) {
	cfg := testConfig()
	b := New(cfg)
	failing := errors.New("boom")
	for i := 0; i < cfg.MaxFailures; i++ {
		b.Execute(func() error { return failing })
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	time.Sleep(cfg.Timeout * 2)

	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected half-open probe to run: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %s", b.State())
	}
}

func TestExecuteReopensOnFailedHalfOpenProbe(t *testing.T) {
	cfg := testConfig()
	b := New(cfg)
	failing := errors.New("boom")
	for i := 0; i < cfg.MaxFailures; i++ {
		b.Execute(func() error { return failing })
	}

	time.Sleep(cfg.Timeout * 2)

	if err := b.Execute(func() error { return failing }); err == nil {
		t.Fatal("expected the probe's own error to propagate")
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after failed probe, got %s", b.State())
	}
}
