package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

const key = "createInvoiceLink"

var errUpstream = errors.New("bad gateway")

// newTestBreaker returns a breaker whose clock advances only via the
// returned func.
func newTestBreaker(threshold int, open time.Duration) (*Breaker, func(time.Duration)) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New(threshold, open)
	b.now = func() time.Time { return now }
	return b, func(d time.Duration) { now = now.Add(d) }
}

func trip(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		b.RecordFailure(key)
	}
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b := New(3, time.Second)
	if !b.Allow(key) {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_Defaults(t *testing.T) {
	b := New(0, 0)
	if b.threshold != 5 || b.openDuration != 30*time.Second {
		t.Fatalf("expected defaults 5/30s, got %d/%v", b.threshold, b.openDuration)
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)

	trip(b, 2)
	if !b.Allow(key) {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure(key)
	if b.Allow(key) {
		t.Fatal("should be open after 3 failures")
	}
	if b.State(key) != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State(key))
	}
}

func TestBreaker_OpenToHalfOpenAfterDuration(t *testing.T) {
	b, advance := newTestBreaker(2, time.Second)

	trip(b, 2)
	advance(999 * time.Millisecond)
	if b.Allow(key) {
		t.Fatal("should be open before cool-down elapses")
	}

	advance(time.Millisecond)
	if !b.Allow(key) {
		t.Fatal("should allow probe in half-open")
	}
	if b.State(key) != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State(key))
	}
	if b.Allow(key) {
		t.Fatal("should reject second request in half-open")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b, advance := newTestBreaker(2, time.Second)

	trip(b, 2)
	advance(time.Second)
	b.Allow(key)

	b.RecordSuccess(key)
	if b.State(key) != StateClosed {
		t.Fatalf("expected StateClosed after success, got %v", b.State(key))
	}
	if !b.Allow(key) {
		t.Fatal("should allow after recovery")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, advance := newTestBreaker(2, time.Second)

	trip(b, 2)
	advance(time.Second)
	b.Allow(key)

	b.RecordFailure(key)
	if b.State(key) != StateOpen {
		t.Fatalf("expected StateOpen after half-open failure, got %v", b.State(key))
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)

	trip(b, 2)
	b.RecordSuccess(key)

	b.RecordFailure(key)
	if !b.Allow(key) {
		t.Fatal("should still be closed after reset")
	}
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(2, time.Second)

	trip(b, 2)
	if b.Allow(key) {
		t.Fatal("invoice key should be open")
	}
	if !b.Allow("answerPreCheckoutQuery") {
		t.Fatal("other key should be closed")
	}
}

func TestBreaker_UnknownKeyIsClosed(t *testing.T) {
	b := New(2, time.Second)
	if b.State("unknown") != StateClosed {
		t.Fatalf("expected StateClosed for unknown key, got %v", b.State("unknown"))
	}
}

func TestBreaker_Do(t *testing.T) {
	b, advance := newTestBreaker(2, time.Second)

	calls := 0
	failing := func() error { calls++; return errUpstream }

	for i := 0; i < 2; i++ {
		if err := b.Do(key, failing); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d: expected upstream error, got %v", i, err)
		}
	}
	if err := b.Do(key, failing); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected fn not called while open, got %d calls", calls)
	}

	advance(time.Second)
	if err := b.Do(key, func() error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State(key) != StateClosed {
		t.Fatalf("expected StateClosed after successful probe, got %v", b.State(key))
	}
}

func TestBreaker_TransitionMetric(t *testing.T) {
	b, _ := newTestBreaker(1, time.Second)
	counter := transitionsTotal.WithLabelValues("metric-key", "closed", "open")
	before := testutil.ToFloat64(counter)

	b.RecordFailure("metric-key")

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Fatalf("expected one closed->open transition, got %v", got)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
