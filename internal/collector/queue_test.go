package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/care/proctor/internal/types"
)

type fakeBackend struct {
	mu        sync.Mutex
	calls     []string
	anomalies []types.AnomalyEvent
	segments  []string
	block     chan struct{}
	err       error
}

func (b *fakeBackend) PostAbnormal(ctx context.Context, ev types.AnomalyEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "abnormal")
	b.anomalies = append(b.anomalies, ev)
	return b.err
}

func (b *fakeBackend) UploadSegment(ctx context.Context, seg *types.Segment) error {
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "upload")
	b.segments = append(b.segments, seg.ID)
	return b.err
}

func (b *fakeBackend) snapshot() ([]string, []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...), append([]string(nil), b.segments...)
}

type fakeArchiver struct {
	backend *fakeBackend
}

func (a *fakeArchiver) ArchiveSegment(ctx context.Context, seg *types.Segment) error {
	a.backend.mu.Lock()
	defer a.backend.mu.Unlock()
	a.backend.calls = append(a.backend.calls, "archive")
	return nil
}

type fakeMirror struct {
	mu     sync.Mutex
	events []types.AnomalyEvent
}

func (m *fakeMirror) PublishEvent(ev types.AnomalyEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return errors.New("not connected")
}

func TestQueueDeliversAndDrainsOnClose(t *testing.T) {
	backend := &fakeBackend{}
	mirror := &fakeMirror{}
	q := NewQueue(QueueConfig{Workers: 1, Size: 8}, backend, &fakeArchiver{backend: backend}, mirror)
	ctx := context.Background()

	require.NoError(t, q.ReportAnomaly(ctx, types.AnomalyEvent{Type: "absence"}))
	require.NoError(t, q.UploadSegment(ctx, &types.Segment{ID: "a"}))
	require.NoError(t, q.UploadSegment(ctx, &types.Segment{ID: "b"}))
	require.NoError(t, q.Close(ctx))

	calls, segs := backend.snapshot()
	assert.Equal(t, []string{"abnormal", "archive", "upload", "archive", "upload"}, calls)
	assert.Equal(t, []string{"a", "b"}, segs)
	assert.Len(t, mirror.events, 1, "mirror failures do not block the report")

	st := q.Stats()
	assert.True(t, st.Closed)
	assert.Equal(t, uint64(1), st.AnomaliesSent)
	assert.Equal(t, uint64(2), st.SegmentsSent)
	assert.Equal(t, uint64(2), st.SegmentsArchived)
}

func TestQueueRefusesWorkAfterClose(t *testing.T) {
	q := NewQueue(QueueConfig{}, &fakeBackend{}, nil, nil)
	ctx := context.Background()
	require.NoError(t, q.Close(ctx))
	require.NoError(t, q.Close(ctx), "close is idempotent")

	assert.ErrorIs(t, q.ReportAnomaly(ctx, types.AnomalyEvent{}), ErrQueueClosed)
	assert.ErrorIs(t, q.UploadSegment(ctx, &types.Segment{ID: "late"}), ErrQueueClosed)
}

func TestQueueDropsAnomaliesWhenFull(t *testing.T) {
	backend := &fakeBackend{block: make(chan struct{})}
	q := NewQueue(QueueConfig{Workers: 1, Size: 1}, backend, nil, nil)
	ctx := context.Background()

	// Worker holds the first upload, the second fills the buffer
	require.NoError(t, q.UploadSegment(ctx, &types.Segment{ID: "a"}))
	require.Eventually(t, func() bool { return q.Stats().Pending == 0 }, time.Second, time.Millisecond)
	require.NoError(t, q.UploadSegment(ctx, &types.Segment{ID: "b"}))

	assert.ErrorIs(t, q.ReportAnomaly(ctx, types.AnomalyEvent{Type: "phone"}), ErrQueueFull)
	assert.Equal(t, uint64(1), q.Stats().AnomaliesDropped)

	timeout, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.UploadSegment(timeout, &types.Segment{ID: "c"}), context.DeadlineExceeded)

	close(backend.block)
	require.NoError(t, q.Close(ctx))
	_, segs := backend.snapshot()
	assert.Equal(t, []string{"a", "b"}, segs)
}

func TestQueueCloseDeadlineCancelsInFlight(t *testing.T) {
	backend := &fakeBackend{block: make(chan struct{})}
	q := NewQueue(QueueConfig{Workers: 1}, backend, nil, nil)
	ctx := context.Background()

	require.NoError(t, q.UploadSegment(ctx, &types.Segment{ID: "stuck"}))

	timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := q.Close(timeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint64(1), q.Stats().SegmentsFailed)
}

type slowMirror struct {
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	events  []types.AnomalyEvent
}

func (m *slowMirror) PublishEvent(ev types.AnomalyEvent) error {
	select {
	case m.entered <- struct{}{}:
	default:
	}
	<-m.release
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func TestReportAnomalyDoesNotWaitForMirror(t *testing.T) {
	backend := &fakeBackend{}
	mirror := &slowMirror{entered: make(chan struct{}, 1), release: make(chan struct{})}
	q := NewQueue(QueueConfig{Workers: 1, Size: 2}, backend, nil, mirror)
	ctx := context.Background()

	require.NoError(t, q.ReportAnomaly(ctx, types.AnomalyEvent{Type: "phone"}))
	<-mirror.entered

	for i := 0; i < 4; i++ {
		require.Eventually(t, func() bool { return q.Stats().Pending == 0 }, time.Second, time.Millisecond)
		start := time.Now()
		require.NoError(t, q.ReportAnomaly(ctx, types.AnomalyEvent{Type: "phone"}))
		assert.Less(t, time.Since(start), 100*time.Millisecond, "a stalled broker never holds the caller")
	}

	// One event is in flight, two are buffered, the rest were dropped
	assert.Equal(t, uint64(2), q.Stats().MirrorDropped)
	require.Eventually(t, func() bool { return q.Stats().AnomaliesSent == 5 }, time.Second, time.Millisecond)

	close(mirror.release)
	require.NoError(t, q.Close(ctx))
	assert.Len(t, mirror.events, 3)
}

func TestCloseDeadlineReleasesBlockedSegment(t *testing.T) {
	backend := &fakeBackend{block: make(chan struct{})}
	q := NewQueue(QueueConfig{Workers: 1, Size: 1}, backend, nil, nil)
	ctx := context.Background()

	require.NoError(t, q.UploadSegment(ctx, &types.Segment{ID: "a"}))
	require.Eventually(t, func() bool { return q.Stats().Pending == 0 }, time.Second, time.Millisecond)
	require.NoError(t, q.UploadSegment(ctx, &types.Segment{ID: "b"}))

	blocked := make(chan error, 1)
	go func() {
		blocked <- q.UploadSegment(ctx, &types.Segment{ID: "c"})
	}()
	time.Sleep(20 * time.Millisecond)

	timeout, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.ErrorIs(t, q.Close(timeout), context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked segment submission never returned")
	}
}
