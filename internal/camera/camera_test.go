package camera

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/care/proctor/internal/types"
)

func mockConstraints() Constraints {
	return Constraints{FacingMode: "user", Width: 32, Height: 24, FPS: 100}
}

// After Release every track is stopped and a new Acquire yields a fresh,
// independent handle.
func TestReleaseStopsTracksAndReacquireIsFresh(t *testing.T) {
	device := &MockDevice{}
	src := NewSource(device, mockConstraints())

	h1, err := src.Acquire(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := h1.Current()
		return ok
	}, time.Second, time.Millisecond)

	require.NoError(t, src.Release())
	assert.True(t, h1.Released())
	for _, tr := range h1.Tracks() {
		assert.True(t, tr.Stopped(), "track %s still live", tr.ID())
		assert.True(t, tr.stream.(*MockStream).Stopped())
	}
	_, ok := h1.Current()
	assert.False(t, ok, "released handle must not serve frames")

	// Releasing again is harmless
	require.NoError(t, src.Release())
	require.NoError(t, h1.Release())

	h2, err := src.Acquire(context.Background())
	require.NoError(t, err)
	defer src.Release()

	assert.NotEqual(t, h1.ID(), h2.ID())
	assert.False(t, h2.Released())
	assert.False(t, h2.Tracks()[0].Stopped())
	assert.Equal(t, 2, device.Opens())

	require.Eventually(t, func() bool {
		_, ok := h2.Current()
		return ok
	}, time.Second, time.Millisecond)
	assert.True(t, h1.Released(), "old handle stays released")
}

func TestAcquireIsExclusive(t *testing.T) {
	src := NewSource(&MockDevice{}, mockConstraints())

	h, err := src.Acquire(context.Background())
	require.NoError(t, err)
	defer src.Release()

	_, err = src.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyAcquired)
	assert.Same(t, h, src.Current())

	// Releasing the handle directly frees the source as well
	require.NoError(t, h.Release())
	assert.Nil(t, src.Current())
	h2, err := src.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, h, h2)
}

func TestAcquireSurfacesUnavailable(t *testing.T) {
	tests := []struct {
		name  string
		cause error
	}{
		{"permission denied", ErrPermissionDenied},
		{"no hardware", ErrNoDevice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := NewSource(&MockDevice{OpenErr: tt.cause}, mockConstraints())
			h, err := src.Acquire(context.Background())
			assert.Nil(t, h)
			assert.ErrorIs(t, err, ErrCameraUnavailable)
			assert.ErrorIs(t, err, tt.cause)
			assert.Nil(t, src.Current())
		})
	}
}

func TestNewSourceDefaultsToFrontFacing(t *testing.T) {
	src := NewSource(&MockDevice{}, Constraints{Width: 4, Height: 4})
	assert.Equal(t, "user", src.constraints.FacingMode)
}

func TestHandleCurrentTracksLatestFrame(t *testing.T) {
	src := NewSource(&MockDevice{}, mockConstraints())
	h, err := src.Acquire(context.Background())
	require.NoError(t, err)
	defer src.Release()

	var first types.Frame
	require.Eventually(t, func() bool {
		f, ok := h.Current()
		first = f
		return ok
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		f, ok := h.Current()
		return ok && f.Seq > first.Seq
	}, time.Second, time.Millisecond)

	second, ok := h.Current()
	require.True(t, ok)
	assert.NotEmpty(t, second.TraceID)
	assert.True(t, second.Valid())
}

func TestMailboxCountsUnsampledFrames(t *testing.T) {
	m := NewMailbox()
	_, ok := m.Latest()
	assert.False(t, ok)

	m.Publish(types.Frame{Seq: 1})
	m.Publish(types.Frame{Seq: 2})
	m.Publish(types.Frame{Seq: 3})
	assert.Equal(t, uint64(2), m.Drops())

	f, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(3), f.Seq)

	again, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(3), again.Seq, "Latest keeps the frame until a newer one arrives")

	// Sampled frames are not drops
	m.Publish(types.Frame{Seq: 4})
	_, _ = m.Latest()
	m.Publish(types.Frame{Seq: 5})
	assert.Equal(t, uint64(2), m.Drops())

	m.Close()
	_, ok = m.Latest()
	assert.False(t, ok)
	m.Publish(types.Frame{Seq: 6})
	assert.Equal(t, uint64(2), m.Drops(), "publishes after close are ignored")
}

func TestReleaseReportsTeardownFailure(t *testing.T) {
	src := NewSource(&MockDevice{StopErr: errors.New("pipeline stuck in PAUSED")}, mockConstraints())
	h, err := src.Acquire(context.Background())
	require.NoError(t, err)

	err = src.Release()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline stuck in PAUSED")
	assert.True(t, h.Tracks()[0].Stopped())
	assert.True(t, h.Released())
	assert.NoError(t, h.Release(), "second release is a no-op")
}
