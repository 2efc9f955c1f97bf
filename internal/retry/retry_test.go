package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fast() Option { return WithBackoff(time.Millisecond) }

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return nil
	}, fast())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("502")
		}
		return nil
	}, fast())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return errors.New("down")
	}, fast(), WithMaxAttempts(2))
	if err == nil || err.Error() != "down" {
		t.Fatalf("err = %v, want down", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestDo_PermanentStopsAndUnwraps(t *testing.T) {
	calls := 0
	cause := errors.New("404")
	err := Do(context.Background(), func() error {
		calls++
		return Permanent(cause)
	}, fast())
	if err != cause {
		t.Fatalf("err = %v, want the unwrapped cause", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_RetryIfRejects(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return errors.New("bad credentials")
	}, fast(), WithRetryIf(func(error) bool { return false }))
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, func() error {
		calls++
		cancel()
		return errors.New("fail")
	}, WithBackoff(time.Hour))
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoVal_ReturnsValueAndReportsRetries(t *testing.T) {
	var retried []int
	calls := 0
	v, err := DoVal(context.Background(), func() (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("timeout")
		}
		return "ok", nil
	}, fast(), WithOnRetry(func(attempt int, err error, wait time.Duration) {
		retried = append(retried, attempt)
	}))
	if err != nil || v != "ok" {
		t.Fatalf("DoVal = %q, %v", v, err)
	}
	if len(retried) != 1 || retried[0] != 1 {
		t.Errorf("retried = %v, want [1]", retried)
	}
}

func TestPermanent_NilAndIsPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	if !IsPermanent(Permanent(errors.New("x"))) {
		t.Error("expected IsPermanent")
	}
	if IsPermanent(errors.New("x")) {
		t.Error("plain error is not permanent")
	}
}

func TestDelay_ReusesLast(t *testing.T) {
	b := []time.Duration{time.Second, 2 * time.Second}
	if delay(b, 0) != time.Second || delay(b, 5) != 2*time.Second {
		t.Error("unexpected delay schedule")
	}
	if delay(nil, 3) != 0 {
		t.Error("empty schedule should not wait")
	}
}
