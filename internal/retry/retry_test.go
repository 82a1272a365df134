package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Microsecond, MaxDelay: 10 * time.Microsecond}
}

func TestDo_SucceedsAfterRetryableErrors(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("write stock: %w", model.ErrTransientStore)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_GivesUp(t *testing.T) {
	calls := 0
	err := fastPolicy(4).Do(context.Background(), func(context.Context) error {
		calls++
		return model.ErrRateLimited
	})
	if !errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
}

func TestDo_DoesNotRetryRejections(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func(context.Context) error {
		calls++
		return model.ErrInsufficientFunds
	})
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestConflicts_OnlyRetriesConflicts(t *testing.T) {
	p := Conflicts()
	p.BaseDelay = time.Microsecond

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return model.ErrTransientStore
	})
	if !errors.Is(err, model.ErrTransientStore) || calls != 1 {
		t.Errorf("transient: err=%v calls=%d, want 1 call", err, calls)
	}

	calls = 0
	err = p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return model.ErrConflict
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("conflict: err=%v calls=%d, want success on 2nd call", err, calls)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 10, BaseDelay: time.Hour}

	calls := 0
	err := p.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return model.ErrConflict
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_AttemptTimeoutIsTransient(t *testing.T) {
	p := fastPolicy(2)
	p.AttemptTimeout = time.Millisecond

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, model.ErrTransientStore) {
		t.Fatalf("err = %v, want ErrTransientStore", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestBackoff_Bounds(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		step := p.BaseDelay << (attempt - 1)
		if step > p.MaxDelay {
			step = p.MaxDelay
		}
		for i := 0; i < 50; i++ {
			got := p.Backoff(attempt)
			if got < step/2 || got > step {
				t.Fatalf("attempt %d: backoff %v outside [%v, %v]", attempt, got, step/2, step)
			}
		}
	}
}

func TestSleep(t *testing.T) {
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("Sleep = %v, want nil", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep on cancelled ctx = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Sleep on cancelled ctx took %v", time.Since(start))
	}
}
