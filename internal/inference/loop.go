package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/proctor/internal/models"
	"github.com/care/proctor/internal/types"
)

// Sampling interval bounds
const (
	MinInterval = 10 * time.Millisecond
	MaxInterval = 10 * time.Second
)

// FrameSource yields the latest captured frame (camera.Handle)
type FrameSource interface {
	Current() (types.Frame, bool)
}

// Consumer receives every detection produced by a loop
type Consumer interface {
	OnDetection(ctx context.Context, df types.DetectionFrame)
}

// FrameSink receives the raw frame on ticks that produce no detection
// (model not ready or inference error) so downstream output never freezes
type FrameSink interface {
	OnRawFrame(ctx context.Context, frame types.Frame)
}

// ConsumerFunc adapts a function to Consumer
type ConsumerFunc func(ctx context.Context, df types.DetectionFrame)

func (f ConsumerFunc) OnDetection(ctx context.Context, df types.DetectionFrame) { f(ctx, df) }

// Config configures a loop
type Config struct {
	Interval  time.Duration
	Consumers []Consumer
	Sinks     []FrameSink
}

// Stats is a snapshot of loop counters
type Stats struct {
	Model           types.ModelKind `json:"model"`
	Interval        string          `json:"interval"`
	Ticks           uint64          `json:"ticks"`
	Inferences      uint64          `json:"inferences"`
	SkippedBusy     uint64          `json:"skipped_busy"`
	SkippedNotReady uint64          `json:"skipped_not_ready"`
	SkippedNoFrame  uint64          `json:"skipped_no_frame"`
	Errors          uint64          `json:"errors"`
	AvgLatencyMS    float64         `json:"avg_latency_ms"`
}

// Loop samples a frame source on a fixed interval and runs one model on it.
// Sampling is not re-entrant: while an invocation and its consumers are in
// flight, ticks are skipped rather than queued.
type Loop struct {
	handle    *models.Handle
	source    FrameSource
	interval  time.Duration
	consumers []Consumer
	sinks     []FrameSink

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	busy atomic.Bool
	seq  uint64

	ticks           atomic.Uint64
	inferences      atomic.Uint64
	skippedBusy     atomic.Uint64
	skippedNotReady atomic.Uint64
	skippedNoFrame  atomic.Uint64
	errors          atomic.Uint64
	totalLatency    atomic.Int64
}

// New creates a loop for handle over source
func New(handle *models.Handle, source FrameSource, cfg Config) (*Loop, error) {
	if handle == nil || source == nil {
		return nil, fmt.Errorf("handle and source are required")
	}
	if cfg.Interval < MinInterval || cfg.Interval > MaxInterval {
		return nil, fmt.Errorf("interval %s out of range [%s, %s]", cfg.Interval, MinInterval, MaxInterval)
	}
	return &Loop{
		handle:    handle,
		source:    source,
		interval:  cfg.Interval,
		consumers: cfg.Consumers,
		sinks:     cfg.Sinks,
	}, nil
}

// Kind returns the model kind this loop drives
func (l *Loop) Kind() types.ModelKind {
	return l.handle.Kind()
}

// Start begins sampling
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return fmt.Errorf("loop already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.wg.Add(1)
	go l.run(ctx)

	slog.Info("inference loop started",
		"model", l.handle.Kind(),
		"interval", l.interval,
		"model_status", l.handle.Status().String(),
	)
	return nil
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	l.ticks.Add(1)
	if !l.busy.CompareAndSwap(false, true) {
		l.skippedBusy.Add(1)
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.busy.Store(false)
		l.sample(ctx)
	}()
}

// sample runs one invocation; consumers run before busy is cleared
func (l *Loop) sample(ctx context.Context) {
	frame, ok := l.source.Current()
	if !ok {
		l.skippedNoFrame.Add(1)
		return
	}

	model, err := l.handle.Model()
	if err != nil {
		l.skippedNotReady.Add(1)
		l.emitRaw(ctx, frame)
		return
	}

	start := time.Now()
	df, err := model.Infer(ctx, frame)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		l.errors.Add(1)
		slog.Warn("inference failed",
			"model", l.handle.Kind(),
			"frame_seq", frame.Seq,
			"trace_id", frame.TraceID,
			"error", err,
		)
		if !errors.Is(err, models.ErrModelUnavailable) {
			l.emitRaw(ctx, frame)
		}
		return
	}

	l.seq++
	df.Seq = l.seq
	df.Model = l.handle.Kind()
	if df.At.IsZero() {
		df.At = frame.Timestamp
	}
	if !df.Source.Valid() {
		df.Source = frame
	}
	if df.Latency == 0 {
		df.Latency = time.Since(start)
	}
	l.inferences.Add(1)
	l.totalLatency.Add(int64(df.Latency))

	for _, c := range l.consumers {
		if ctx.Err() != nil {
			return
		}
		c.OnDetection(ctx, df)
	}
}

func (l *Loop) emitRaw(ctx context.Context, frame types.Frame) {
	for _, s := range l.sinks {
		if ctx.Err() != nil {
			return
		}
		s.OnRawFrame(ctx, frame)
	}
}

// Stop cancels sampling and waits for any in-flight invocation.
// No consumer or sink is called after Stop returns.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	l.wg.Wait()

	st := l.Stats()
	slog.Info("inference loop stopped",
		"model", st.Model,
		"ticks", st.Ticks,
		"inferences", st.Inferences,
		"skipped_busy", st.SkippedBusy,
		"skipped_not_ready", st.SkippedNotReady,
		"errors", st.Errors,
	)
}

// Stats returns a snapshot of the loop counters
func (l *Loop) Stats() Stats {
	st := Stats{
		Model:           l.handle.Kind(),
		Interval:        l.interval.String(),
		Ticks:           l.ticks.Load(),
		Inferences:      l.inferences.Load(),
		SkippedBusy:     l.skippedBusy.Load(),
		SkippedNotReady: l.skippedNotReady.Load(),
		SkippedNoFrame:  l.skippedNoFrame.Load(),
		Errors:          l.errors.Load(),
	}
	if st.Inferences > 0 {
		st.AvgLatencyMS = float64(l.totalLatency.Load()) / float64(st.Inferences) / float64(time.Millisecond)
	}
	return st
}
