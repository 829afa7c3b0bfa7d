package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/care/proctor/internal/types"
)

var (
	// ErrQueueClosed is returned for work submitted after Close
	ErrQueueClosed = errors.New("outbound queue closed")
	// ErrQueueFull is returned when an anomaly report cannot be buffered
	ErrQueueFull = errors.New("outbound queue full")
)

// Backend receives anomaly reports and segment uploads
type Backend interface {
	PostAbnormal(ctx context.Context, ev types.AnomalyEvent) error
	UploadSegment(ctx context.Context, seg *types.Segment) error
}

// Archiver stores a copy of each segment before it is uploaded
type Archiver interface {
	ArchiveSegment(ctx context.Context, seg *types.Segment) error
}

// Mirror receives a copy of every anomaly event
type Mirror interface {
	PublishEvent(ev types.AnomalyEvent) error
}

// QueueConfig configures the outbound queue
type QueueConfig struct {
	Workers int
	Size    int
}

// QueueStats is a snapshot of outbound traffic
type QueueStats struct {
	Pending          int    `json:"pending"`
	AnomaliesSent    uint64 `json:"anomalies_sent"`
	AnomaliesFailed  uint64 `json:"anomalies_failed"`
	AnomaliesDropped uint64 `json:"anomalies_dropped"`
	SegmentsSent     uint64 `json:"segments_sent"`
	SegmentsFailed   uint64 `json:"segments_failed"`
	SegmentsArchived uint64 `json:"segments_archived"`
	MirrorDropped    uint64 `json:"mirror_dropped"`
	Closed           bool   `json:"closed"`
}

type task struct {
	anomaly *types.AnomalyEvent
	segment *types.Segment
}

// Queue is the single outbound task queue. Anomaly reports are best effort;
// segment submissions block until buffered so no sealed segment is lost.
type Queue struct {
	backend  Backend
	archiver Archiver
	mirror   Mirror

	tasks    chan task
	mirrored chan types.AnomalyEvent
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc

	anomaliesSent    atomic.Uint64
	anomaliesFailed  atomic.Uint64
	anomaliesDropped atomic.Uint64
	segmentsSent     atomic.Uint64
	segmentsFailed   atomic.Uint64
	segmentsArchived atomic.Uint64
	mirrorDropped    atomic.Uint64
}

// NewQueue starts the queue workers. archiver and mirror may be nil.
func NewQueue(cfg QueueConfig, backend Backend, archiver Archiver, mirror Mirror) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Size <= 0 {
		cfg.Size = 64
	}

	q := &Queue{
		backend:  backend,
		archiver: archiver,
		mirror:   mirror,
		tasks:    make(chan task, cfg.Size),
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())

	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	if mirror != nil {
		q.mirrored = make(chan types.AnomalyEvent, cfg.Size)
		q.wg.Add(1)
		go q.mirrorLoop()
	}
	return q
}

// ReportAnomaly queues ev for the backend and the mirror. It never blocks;
// a slow broker only costs mirrored copies.
func (q *Queue) ReportAnomaly(ctx context.Context, ev types.AnomalyEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	if q.mirrored != nil {
		select {
		case q.mirrored <- ev:
		default:
			q.mirrorDropped.Add(1)
		}
	}

	select {
	case q.tasks <- task{anomaly: &ev}:
		return nil
	default:
		q.anomaliesDropped.Add(1)
		return ErrQueueFull
	}
}

// UploadSegment queues seg, blocking while the queue is full. It gives up
// when ctx is done or an expired Close abandons the queue.
func (q *Queue) UploadSegment(ctx context.Context, seg *types.Segment) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.tasks <- task{segment: seg}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to queue segment %s: %w", seg.ID, ctx.Err())
	case <-q.ctx.Done():
		return fmt.Errorf("failed to queue segment %s: %w", seg.ID, ErrQueueClosed)
	}
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for t := range q.tasks {
		switch {
		case t.anomaly != nil:
			q.sendAnomaly(*t.anomaly)
		case t.segment != nil:
			q.sendSegment(t.segment)
		}
	}
	slog.Debug("outbound worker stopped", "worker", id)
}

func (q *Queue) mirrorLoop() {
	defer q.wg.Done()
	for ev := range q.mirrored {
		if q.ctx.Err() != nil {
			continue
		}
		if err := q.mirror.PublishEvent(ev); err != nil {
			slog.Debug("anomaly mirror failed", "type", ev.Type, "error", err)
		}
	}
}

func (q *Queue) sendAnomaly(ev types.AnomalyEvent) {
	if err := q.backend.PostAbnormal(q.ctx, ev); err != nil {
		q.anomaliesFailed.Add(1)
		slog.Error("failed to report anomaly",
			"type", ev.Type,
			"detected_time", ev.DetectedTime,
			"error", err,
		)
		return
	}
	q.anomaliesSent.Add(1)
}

func (q *Queue) sendSegment(seg *types.Segment) {
	if q.archiver != nil {
		if err := q.archiver.ArchiveSegment(q.ctx, seg); err != nil {
			slog.Warn("failed to archive segment", "segment", seg.ID, "error", err)
		} else {
			q.segmentsArchived.Add(1)
		}
	}

	if err := q.backend.UploadSegment(q.ctx, seg); err != nil {
		q.segmentsFailed.Add(1)
		slog.Error("failed to upload segment",
			"segment", seg.ID,
			"index", seg.Index,
			"error", err,
		)
		return
	}
	q.segmentsSent.Add(1)
}

// Close refuses new work and drains queued tasks. When ctx expires first,
// in-flight requests are cancelled and the remaining tasks are abandoned.
func (q *Queue) Close(ctx context.Context) error {
	// A segment blocked on a full queue holds the read lock; an expired
	// deadline releases it by abandoning the queue
	locked := make(chan struct{})
	go func() {
		q.mu.Lock()
		close(locked)
	}()
	var abandoned error
	select {
	case <-locked:
	case <-ctx.Done():
		q.cancel()
		<-locked
		abandoned = ctx.Err()
	}

	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	pending := len(q.tasks)
	close(q.tasks)
	if q.mirrored != nil {
		close(q.mirrored)
	}
	q.mu.Unlock()

	slog.Info("draining outbound queue", "pending", pending)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		if abandoned != nil {
			return fmt.Errorf("outbound queue drain: %w", abandoned)
		}
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return fmt.Errorf("outbound queue drain: %w", ctx.Err())
	}
}

// Stats returns a snapshot of the queue counters
func (q *Queue) Stats() QueueStats {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()

	return QueueStats{
		Pending:          len(q.tasks),
		AnomaliesSent:    q.anomaliesSent.Load(),
		AnomaliesFailed:  q.anomaliesFailed.Load(),
		AnomaliesDropped: q.anomaliesDropped.Load(),
		SegmentsSent:     q.segmentsSent.Load(),
		SegmentsFailed:   q.segmentsFailed.Load(),
		SegmentsArchived: q.segmentsArchived.Load(),
		MirrorDropped:    q.mirrorDropped.Load(),
		Closed:           closed,
	}
}
