package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	conduit "github.com/conduitproxy/conduit/internal"
	"github.com/conduitproxy/conduit/internal/storage"
	"github.com/conduitproxy/conduit/internal/telemetry"
)

const recorderDrainTime = 30 * time.Second

// RecorderConfig tunes the async request log pipeline.
type RecorderConfig struct {
	// QueueSize bounds the in-flight queue; Record drops on overflow.
	QueueSize int
	// FlushSize triggers a batch insert once this many rows are buffered.
	FlushSize int
	// FlushInterval bounds how long a partial batch waits.
	FlushInterval time.Duration
}

func (c RecorderConfig) withDefaults() RecorderConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 10_000
	}
	if c.FlushSize <= 0 {
		c.FlushSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	return c
}

// Recorder buffers request log rows off the hot path and batch-inserts them.
// Rows are dropped with a warning when the queue is full, so a slow database
// never backs up into request handling.
type Recorder struct {
	ch      chan conduit.RequestLog
	store   storage.RequestLogStore
	cfg     RecorderConfig
	metrics *telemetry.Metrics
}

// NewRecorder creates a Recorder backed by store. metrics may be nil.
func NewRecorder(store storage.RequestLogStore, cfg RecorderConfig, metrics *telemetry.Metrics) *Recorder {
	cfg = cfg.withDefaults()
	return &Recorder{
		ch:      make(chan conduit.RequestLog, cfg.QueueSize),
		store:   store,
		cfg:     cfg,
		metrics: metrics,
	}
}

// Name returns the worker identifier.
func (rc *Recorder) Name() string { return "request_log_recorder" }

// Record enqueues one log row. It never blocks; drops on a full queue.
func (rc *Recorder) Record(row conduit.RequestLog) {
	select {
	case rc.ch <- row:
		rc.gauge()
	default:
		slog.Warn("request log dropped, queue full",
			"model", row.Model, "request_id", row.RequestID)
	}
}

// Run processes rows until ctx is cancelled, then drains the queue.
func (rc *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(rc.cfg.FlushInterval)
	defer ticker.Stop()

	buf := make([]conduit.RequestLog, 0, rc.cfg.FlushSize)

	for {
		select {
		case row := <-rc.ch:
			rc.gauge()
			buf = append(buf, row)
			if len(buf) >= rc.cfg.FlushSize {
				rc.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				rc.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			rc.drain(buf)
			return nil
		}
	}
}

// drain empties the queue after shutdown with a bounded grace period.
func (rc *Recorder) drain(buf []conduit.RequestLog) {
	ctx, cancel := context.WithTimeout(context.Background(), recorderDrainTime)
	defer cancel()

	for {
		select {
		case row := <-rc.ch:
			buf = append(buf, row)
			if len(buf) >= rc.cfg.FlushSize {
				rc.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				rc.flush(ctx, buf)
			}
			rc.gauge()
			return
		}
	}
}

func (rc *Recorder) flush(ctx context.Context, buf []conduit.RequestLog) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]conduit.RequestLog, len(buf))
	copy(batch, buf)

	// Assign IDs off the hot path; callers leave ID empty.
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := rc.store.InsertRequestLogs(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "request log flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}

func (rc *Recorder) gauge() {
	if rc.metrics != nil {
		rc.metrics.LogQueueLength.Set(float64(len(rc.ch)))
	}
}
