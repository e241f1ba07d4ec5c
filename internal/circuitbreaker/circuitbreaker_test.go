package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	conduit "github.com/conduitproxy/conduit/internal"
	"github.com/conduitproxy/conduit/internal/storage"
)

type healthUpdate struct {
	id       string
	healthy  bool
	failures int
	cooldown *time.Time
}

// healthStore records UpdateDeploymentHealth calls. The embedded interface
// panics on any other method, which no breaker path should reach.
type healthStore struct {
	storage.DeploymentStore
	updates []healthUpdate
}

func (s *healthStore) UpdateDeploymentHealth(_ context.Context, id string, healthy bool, failures int, cooldown *time.Time) error {
	s.updates = append(s.updates, healthUpdate{id, healthy, failures, cooldown})
	return nil
}

func newTestBreaker(now time.Time) (*Breaker, *healthStore) {
	store := &healthStore{}
	b := New(store, Config{FailureThreshold: 3, Cooldown: 60 * time.Second}, nil)
	b.now = func() time.Time { return now }
	return b, store
}

func healthyDeployment() *conduit.Deployment {
	return &conduit.Deployment{ID: "dep-1", Name: "primary", Healthy: true}
}

func TestStateOf(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b, _ := newTestBreaker(now)

	future := now.Add(30 * time.Second)
	past := now.Add(-time.Second)

	tests := []struct {
		name string
		d    conduit.Deployment
		want State
	}{
		{"healthy", conduit.Deployment{Healthy: true}, StateClosed},
		{"healthy ignores stale cooldown", conduit.Deployment{Healthy: true, CooldownUntil: &future}, StateClosed},
		{"unhealthy in cooldown", conduit.Deployment{Healthy: false, CooldownUntil: &future}, StateOpen},
		{"unhealthy cooldown elapsed", conduit.Deployment{Healthy: false, CooldownUntil: &past}, StateHalfOpen},
		{"unhealthy no cooldown", conduit.Deployment{Healthy: false}, StateHalfOpen},
	}
	for _, tt := range tests {
		if got := b.StateOf(&tt.d); got != tt.want {
			t.Errorf("%s: state = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	for s, want := range map[State]string{
		StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half_open", State(9): "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestRecordFailure_OpensAtThreshold(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	b, store := newTestBreaker(now)
	d := healthyDeployment()
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		if err := b.RecordFailure(ctx, d); err != nil {
			t.Fatal(err)
		}
		if !d.Healthy {
			t.Fatalf("opened after %d failures, threshold is 3", i)
		}
		if d.ConsecutiveFailures != i {
			t.Fatalf("failures = %d, want %d", d.ConsecutiveFailures, i)
		}
	}

	if err := b.RecordFailure(ctx, d); err != nil {
		t.Fatal(err)
	}
	if d.Healthy {
		t.Error("still healthy after threshold failures")
	}
	if d.CooldownUntil == nil || !d.CooldownUntil.Equal(now.Add(60*time.Second)) {
		t.Errorf("cooldown_until = %v, want %v", d.CooldownUntil, now.Add(60*time.Second))
	}
	if b.StateOf(d) != StateOpen {
		t.Errorf("state = %v, want open", b.StateOf(d))
	}

	// Every failure flushed to storage, last one unhealthy.
	if len(store.updates) != 3 {
		t.Fatalf("store updates = %d, want 3", len(store.updates))
	}
	last := store.updates[2]
	if last.healthy || last.failures != 3 || last.cooldown == nil {
		t.Errorf("last update = %+v", last)
	}
}

func TestRecordSuccess_Resets(t *testing.T) {
	t.Parallel()
	b, store := newTestBreaker(time.Now().UTC())
	d := healthyDeployment()
	ctx := context.Background()

	b.RecordFailure(ctx, d)
	b.RecordFailure(ctx, d)
	if err := b.RecordSuccess(ctx, d); err != nil {
		t.Fatal(err)
	}
	if !d.Healthy || d.ConsecutiveFailures != 0 || d.CooldownUntil != nil {
		t.Errorf("deployment not reset: %+v", d)
	}

	// A success on an already-clean deployment is a no-op write.
	n := len(store.updates)
	if err := b.RecordSuccess(ctx, d); err != nil {
		t.Fatal(err)
	}
	if len(store.updates) != n {
		t.Error("clean success should not write to storage")
	}
}

func TestHalfOpen_SingleProbe(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	b, _ := newTestBreaker(now)
	past := now.Add(-time.Second)
	d := &conduit.Deployment{ID: "dep-1", Healthy: false, ConsecutiveFailures: 3, CooldownUntil: &past}

	if !b.Allow(d) {
		t.Fatal("first half-open probe should be admitted")
	}
	if b.Allow(d) {
		t.Error("second concurrent probe should be rejected")
	}

	// Probe succeeds: breaker closes and traffic flows again.
	if err := b.RecordSuccess(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if b.StateOf(d) != StateClosed {
		t.Errorf("state = %v, want closed", b.StateOf(d))
	}
	if !b.Allow(d) || !b.Allow(d) {
		t.Error("closed breaker should admit freely")
	}
}

func TestHalfOpenFailure_DoublesCooldown(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	b, _ := newTestBreaker(now)
	past := now.Add(-time.Second)
	d := &conduit.Deployment{ID: "dep-1", Healthy: false, ConsecutiveFailures: 3, CooldownUntil: &past}

	if !b.Allow(d) {
		t.Fatal("probe should be admitted")
	}
	if err := b.RecordFailure(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if d.Healthy {
		t.Error("failed probe should keep breaker open")
	}
	want := now.Add(120 * time.Second)
	if d.CooldownUntil == nil || !d.CooldownUntil.Equal(want) {
		t.Errorf("cooldown_until = %v, want doubled %v", d.CooldownUntil, want)
	}

	// The probe gate was released; once cooldown elapses a new probe runs.
	b.now = func() time.Time { return want.Add(time.Second) }
	if !b.Allow(d) {
		t.Error("new probe should be admitted after the doubled cooldown")
	}
}

type statusErr struct{ code int }

func (e *statusErr) Error() string   { return fmt.Sprintf("HTTP %d", e.code) }
func (e *statusErr) HTTPStatus() int { return e.code }

func TestTrips(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"caller cancelled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"upstream 500", &statusErr{500}, true},
		{"upstream 503", &statusErr{503}, true},
		{"upstream 429", &statusErr{429}, true},
		{"upstream 408", &statusErr{408}, true},
		{"upstream 400", &statusErr{400}, false},
		{"upstream 404", &statusErr{404}, false},
		{"wrapped provider sentinel", fmt.Errorf("call: %w", conduit.ErrProvider), true},
		{"generic network-ish error", errors.New("connection refused"), true},
	}
	for _, tt := range tests {
		if got := Trips(tt.err); got != tt.want {
			t.Errorf("%s: Trips = %v, want %v", tt.name, got, tt.want)
		}
	}
}
