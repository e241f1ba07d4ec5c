package worker

import (
	"context"
	"testing"
	"time"

	conduit "github.com/conduitproxy/conduit/internal"
	"github.com/conduitproxy/conduit/internal/testutil"
)

func waitForRows(t *testing.T, store *testutil.FakeStore, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(store.RequestLogs()) >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("rows = %d, want %d", len(store.RequestLogs()), want)
}

func TestRecorder_FlushOnSize(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	rec := NewRecorder(store, RecorderConfig{FlushSize: 3, FlushInterval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = rec.Run(ctx)
		close(done)
	}()

	for range 3 {
		rec.Record(conduit.RequestLog{Model: "gpt-4o", StatusCode: 200})
	}
	waitForRows(t, store, 3)

	cancel()
	<-done
}

func TestRecorder_FlushOnInterval(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	rec := NewRecorder(store, RecorderConfig{FlushSize: 100, FlushInterval: 20 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = rec.Run(ctx)
		close(done)
	}()

	rec.Record(conduit.RequestLog{Model: "gpt-4o", StatusCode: 200})
	waitForRows(t, store, 1)

	cancel()
	<-done
}

func TestRecorder_DrainOnShutdown(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	rec := NewRecorder(store, RecorderConfig{FlushSize: 100, FlushInterval: time.Hour}, nil)

	// Enqueue before Run so everything is still buffered at cancel time.
	for range 5 {
		rec.Record(conduit.RequestLog{Model: "gpt-4o", StatusCode: 200})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rec.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if got := len(store.RequestLogs()); got != 5 {
		t.Errorf("rows after drain = %d, want 5", got)
	}
}

func TestRecorder_DropsOnFullQueue(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	rec := NewRecorder(store, RecorderConfig{QueueSize: 1, FlushSize: 100, FlushInterval: time.Hour}, nil)

	rec.Record(conduit.RequestLog{Model: "kept"})
	rec.Record(conduit.RequestLog{Model: "dropped"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rec.Run(ctx); err != nil {
		t.Fatal(err)
	}

	rows := store.RequestLogs()
	if len(rows) != 1 || rows[0].Model != "kept" {
		t.Errorf("rows = %+v, want only the first record", rows)
	}
}

func TestRecorder_AssignsIDs(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	rec := NewRecorder(store, RecorderConfig{}, nil)

	rec.Record(conduit.RequestLog{Model: "gpt-4o"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rec.Run(ctx); err != nil {
		t.Fatal(err)
	}

	rows := store.RequestLogs()
	if len(rows) != 1 || rows[0].ID == "" {
		t.Errorf("rows = %+v, want one row with an assigned id", rows)
	}
}
