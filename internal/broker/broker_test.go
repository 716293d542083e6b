package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shaiso/Courier/internal/domain"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 10 * time.Second}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second}, // capped at max
		{50, 10 * time.Second},
	}

	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.expected {
			t.Errorf("attempt %d: expected %v, got %v", tt.attempt, tt.expected, got)
		}
	}
}

func TestBackoff_ZeroValues(t *testing.T) {
	if got := (Backoff{}).Delay(1); got != time.Second {
		t.Errorf("expected 1s default, got %v", got)
	}
}

func TestUnavailable(t *testing.T) {
	base := errors.New("connection reset")
	err := Unavailable("ack", base)

	if !IsUnavailable(err) {
		t.Error("should be unavailable")
	}
	if !errors.Is(err, base) {
		t.Error("should wrap base error")
	}

	transient, classified := domain.IsTransient(fmt.Errorf("wrap: %w", err))
	if !transient || !classified {
		t.Error("unavailable errors should classify as transient")
	}

	if Unavailable("ack", nil) != nil {
		t.Error("nil should stay nil")
	}
	if Unavailable("nack", err) != err {
		t.Error("already wrapped error should not be wrapped twice")
	}
}

func TestRetry_RecoversFromUnavailable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, Backoff{Initial: time.Millisecond, Max: time.Millisecond},
		func(context.Context) error {
			calls++
			if calls < 3 {
				return Unavailable("publish_result", errors.New("down"))
			}
			return nil
		})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_DoesNotRetryOtherErrors(t *testing.T) {
	calls := 0
	want := errors.New("bad payload")
	err := Retry(context.Background(), 5, Backoff{Initial: time.Millisecond},
		func(context.Context) error {
			calls++
			return want
		})

	if !errors.Is(err, want) || calls != 1 {
		t.Errorf("expected single call with original error, got %d calls, err=%v", calls, err)
	}
}

func TestRetry_GivesUp(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, Backoff{Initial: time.Millisecond, Max: time.Millisecond},
		func(context.Context) error {
			calls++
			return Unavailable("ack", errors.New("down"))
		})

	if !IsUnavailable(err) {
		t.Errorf("expected unavailable error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, 10, Backoff{Initial: time.Hour},
		func(context.Context) error {
			calls++
			return Unavailable("ack", errors.New("down"))
		})

	if err == nil || calls != 1 {
		t.Errorf("expected to stop after first call, got %d calls", calls)
	}
}
