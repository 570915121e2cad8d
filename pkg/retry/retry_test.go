package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/torbolabs/torbo-base/pkg/retry"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}
}

func TestDoReturnsLastError(t *testing.T) {
	sentinel := errors.New("still broken")
	calls := 0
	err := retry.Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("error: got %v, want %v", err, sentinel)
	}
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	sentinel := errors.New("bad request")
	calls := 0
	err := retry.Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return retry.Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("error should unwrap to the original: got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls: got %d, want 1 (no retries after Permanent)", calls)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := retry.Do(ctx, 10, 200*time.Millisecond, func() error {
		calls++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error: got %v, want context.Canceled", err)
	}
	if calls > 2 {
		t.Errorf("calls: got %d, want at most 2", calls)
	}
}

func TestPermanentNilIsNil(t *testing.T) {
	if retry.Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
