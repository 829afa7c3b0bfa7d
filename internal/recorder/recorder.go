package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/care/proctor/internal/types"
)

// ErrNotRecording is returned by Rotate when no segment is active
var ErrNotRecording = errors.New("not recording")

// SegmentSink receives sealed, non-empty segments
type SegmentSink interface {
	UploadSegment(ctx context.Context, seg *types.Segment) error
}

// State of the recorder
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
)

// Stats is a snapshot of recorder counters
type Stats struct {
	State           State  `json:"state"`
	SegmentsStarted uint64 `json:"segments_started"`
	SegmentsSealed  uint64 `json:"segments_sealed"`
	SegmentsEmpty   uint64 `json:"segments_empty"`
	Chunks          uint64 `json:"chunks"`
	WriteErrors     uint64 `json:"write_errors"`
	CurrentSegment  string `json:"current_segment,omitempty"`
	BufferedChunks  int    `json:"buffered_chunks"`
}

// run is one recording segment in progress
type run struct {
	seg *types.Segment
	enc Encoder

	mu     sync.Mutex
	chunks [][]byte

	collected  chan struct{}
	sealed     chan struct{}
	prevSealed <-chan struct{}
}

func (r *run) buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

// Recorder records the canvas capture stream into fixed segments.
//
// Frames from the source go to exactly one encoder: Rotate swaps encoders
// under the same lock that feeds frames. The replaced segment is finalized
// and handed to the sink in the background. Segments are sealed in order,
// so chunk sequence numbers are contiguous across segments.
type Recorder struct {
	newEncoder NewEncoderFunc
	sink       SegmentSink
	source     <-chan types.Frame

	mu       sync.Mutex
	current  *run
	lastSeal <-chan struct{}
	index    int
	pumpOnce sync.Once
	pending  sync.WaitGroup
	sealMu   sync.Mutex
	chunkSeq uint64

	// handoff outlives the callers of Rotate; Stop cancels it when its
	// deadline passes
	handoff       context.Context
	cancelHandoff context.CancelFunc

	started     atomic.Uint64
	sealedCount atomic.Uint64
	empty       atomic.Uint64
	chunks      atomic.Uint64
	writeErrors atomic.Uint64
}

// New creates a recorder reading frames from source
func New(source <-chan types.Frame, newEncoder NewEncoderFunc, sink SegmentSink) *Recorder {
	done := make(chan struct{})
	close(done)
	r := &Recorder{
		newEncoder: newEncoder,
		sink:       sink,
		source:     source,
		lastSeal:   done,
	}
	r.handoff, r.cancelHandoff = context.WithCancel(context.Background())
	return r
}

// Start begins the first segment
func (r *Recorder) Start(ctx context.Context) error {
	r.pumpOnce.Do(func() { go r.pump() })

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		return fmt.Errorf("recorder already recording")
	}
	if r.handoff.Err() != nil {
		r.handoff, r.cancelHandoff = context.WithCancel(context.Background())
	}
	next, err := r.begin(ctx)
	if err != nil {
		return err
	}
	r.current = next
	return nil
}

// Rotate ends the current segment and immediately starts the next one.
// The old segment is finalized and uploaded without blocking the new one.
func (r *Recorder) Rotate(ctx context.Context) error {
	r.mu.Lock()
	old := r.current
	if old == nil {
		r.mu.Unlock()
		return ErrNotRecording
	}
	next, err := r.begin(ctx)
	if err != nil {
		r.mu.Unlock()
		slog.Error("failed to start next segment, extending current one",
			"segment", old.seg.ID,
			"error", err,
		)
		return err
	}
	r.current = next
	r.retire(old)
	r.mu.Unlock()

	slog.Info("segment rotated",
		"ended", old.seg.ID,
		"started", next.seg.ID,
		"index", next.seg.Index,
	)
	return nil
}

// Stop finalizes the current segment and waits until every retired segment
// has been handed to the sink. When ctx is done first, hand-offs still
// waiting on the sink are cancelled.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	old := r.current
	r.current = nil
	if old != nil {
		r.retire(old)
	}
	cancelHandoff := r.cancelHandoff
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		cancelHandoff()
		return fmt.Errorf("waiting for segment hand-off: %w", ctx.Err())
	}

	if old != nil {
		slog.Info("recorder stopped", "last_segment", old.seg.ID)
	}
	return nil
}

// begin must be called with r.mu held
func (r *Recorder) begin(ctx context.Context) (*run, error) {
	enc, err := r.newEncoder(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	r.index++
	next := &run{
		seg: &types.Segment{
			ID:        uuid.New().String(),
			Index:     r.index,
			StartedAt: time.Now(),
			MIMEType:  enc.MIMEType(),
		},
		enc:        enc,
		collected:  make(chan struct{}),
		sealed:     make(chan struct{}),
		prevSealed: r.lastSeal,
	}
	r.lastSeal = next.sealed
	r.started.Add(1)

	go r.collect(next)

	slog.Debug("segment started", "segment", next.seg.ID, "index", next.seg.Index, "mime", next.seg.MIMEType)
	return next, nil
}

// retire must be called with r.mu held; no frame reaches old afterwards
func (r *Recorder) retire(old *run) {
	old.seg.EndedAt = time.Now()
	r.pending.Add(1)
	go r.finalize(r.handoff, old)
}

func (r *Recorder) pump() {
	for frame := range r.source {
		r.mu.Lock()
		cur := r.current
		if cur != nil {
			if err := cur.enc.WriteFrame(frame); err != nil {
				r.writeErrors.Add(1)
				slog.Debug("encoder rejected frame", "segment", cur.seg.ID, "error", err)
			}
		}
		r.mu.Unlock()
	}
}

// collect buffers chunks as the encoder emits them
func (r *Recorder) collect(rn *run) {
	defer close(rn.collected)
	for chunk := range rn.enc.Chunks() {
		if len(chunk) == 0 {
			continue
		}
		rn.mu.Lock()
		rn.chunks = append(rn.chunks, chunk)
		rn.mu.Unlock()
	}
}

func (r *Recorder) finalize(ctx context.Context, rn *run) {
	defer r.pending.Done()

	if err := rn.enc.Stop(); err != nil {
		slog.Warn("encoder stop failed", "segment", rn.seg.ID, "error", err)
	}
	<-rn.collected

	// Seal strictly after the previous segment so sequence numbers never interleave
	<-rn.prevSealed
	r.sealMu.Lock()
	rn.mu.Lock()
	rn.seg.Chunks = make([]types.Chunk, len(rn.chunks))
	for i, data := range rn.chunks {
		r.chunkSeq++
		rn.seg.Chunks[i] = types.Chunk{Seq: r.chunkSeq, Data: data}
	}
	rn.chunks = nil
	rn.mu.Unlock()
	r.sealMu.Unlock()
	close(rn.sealed)

	r.sealedCount.Add(1)
	r.chunks.Add(uint64(len(rn.seg.Chunks)))

	if len(rn.seg.Chunks) == 0 {
		r.empty.Add(1)
		slog.Info("segment has no data, skipping upload",
			"segment", rn.seg.ID,
			"index", rn.seg.Index,
		)
		return
	}

	slog.Info("segment sealed",
		"segment", rn.seg.ID,
		"index", rn.seg.Index,
		"chunks", len(rn.seg.Chunks),
		"size_bytes", rn.seg.Size(),
		"duration", rn.seg.EndedAt.Sub(rn.seg.StartedAt),
	)
	if r.sink == nil {
		return
	}
	if err := r.sink.UploadSegment(ctx, rn.seg); err != nil {
		slog.Error("failed to hand off segment", "segment", rn.seg.ID, "error", err)
	}
}

// State returns idle or recording
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return StateIdle
	}
	return StateRecording
}

// Stats returns a snapshot of the recorder counters
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	cur := r.current
	r.mu.Unlock()

	st := Stats{
		State:           StateIdle,
		SegmentsStarted: r.started.Load(),
		SegmentsSealed:  r.sealedCount.Load(),
		SegmentsEmpty:   r.empty.Load(),
		Chunks:          r.chunks.Load(),
		WriteErrors:     r.writeErrors.Load(),
	}
	if cur != nil {
		st.State = StateRecording
		st.CurrentSegment = cur.seg.ID
		st.BufferedChunks = cur.buffered()
	}
	return st
}
