package models

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/care/proctor/internal/types"
)

type stubModel struct {
	closed atomic.Bool
}

func (m *stubModel) Infer(ctx context.Context, frame types.Frame) (types.DetectionFrame, error) {
	return types.DetectionFrame{At: frame.Timestamp, Source: frame}, nil
}

func (m *stubModel) Close() error {
	m.closed.Store(true)
	return nil
}

// gatedProvider blocks every load until release is closed
type gatedProvider struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
	model   *stubModel
}

func newGatedProvider() *gatedProvider {
	return &gatedProvider{release: make(chan struct{}), model: &stubModel{}}
}

func (p *gatedProvider) Load(ctx context.Context, kind types.ModelKind) (Model, error) {
	p.calls.Add(1)
	select {
	case <-p.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.model, nil
}

// Two concurrent loads of the same kind share one provider call and
// both observe the same final status.
func TestLoaderConcurrentLoadIsShared(t *testing.T) {
	provider := newGatedProvider()
	loader := NewLoader(provider, nil)

	var wg sync.WaitGroup
	handles := make([]*Handle, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = loader.Load(context.Background(), types.ModelFaceMesh)
		}(i)
	}

	require.Eventually(t, func() bool {
		return loader.Handle(types.ModelFaceMesh).Status() == StatusLoading
	}, time.Second, time.Millisecond)
	close(provider.release)
	wg.Wait()

	assert.Equal(t, int32(1), provider.calls.Load())
	assert.Equal(t, uint64(1), loader.Loads())
	for i := 0; i < 2; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, handles[0], handles[i])
		assert.Equal(t, StatusReady, handles[i].Status())
	}

	m, err := handles[0].Model()
	require.NoError(t, err)
	assert.Same(t, provider.model, m)

	// A later load returns the cached handle without calling the provider
	_, err = loader.Load(context.Background(), types.ModelFaceMesh)
	require.NoError(t, err)
	assert.Equal(t, int32(1), provider.calls.Load())
}

func TestLoaderFailureIsTerminal(t *testing.T) {
	provider := newGatedProvider()
	provider.err = errors.New("model.json: 404")
	close(provider.release)
	loader := NewLoader(provider, nil)

	h, err := loader.Load(context.Background(), types.ModelTensor)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.Equal(t, StatusFailed, h.Status())

	select {
	case <-h.Ready():
	default:
		t.Fatal("ready channel must close on failure")
	}

	_, err = h.Model()
	assert.ErrorIs(t, err, ErrModelUnavailable)

	// No retry
	_, err = loader.Load(context.Background(), types.ModelTensor)
	assert.Error(t, err)
	assert.Equal(t, int32(1), provider.calls.Load())
}

func TestLoaderCancelledCallerDoesNotFailLoad(t *testing.T) {
	provider := newGatedProvider()
	loader := NewLoader(provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := loader.Load(ctx, types.ModelTinyFace)
		done <- err
	}()

	require.Eventually(t, func() bool { return provider.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(provider.release)
	h := loader.Handle(types.ModelTinyFace)
	require.NoError(t, h.Wait(context.Background()))
	assert.Equal(t, StatusReady, h.Status())
}

func TestLoaderLoadTimeout(t *testing.T) {
	provider := newGatedProvider()
	loader := NewLoader(provider, map[types.ModelKind]time.Duration{
		types.ModelFaceMesh: 20 * time.Millisecond,
	})

	h, err := loader.Load(context.Background(), types.ModelFaceMesh)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusFailed, h.Status())
}

func TestLoaderUnknownKind(t *testing.T) {
	loader := NewLoader(newGatedProvider(), nil)
	_, err := loader.Load(context.Background(), types.ModelKind("pose"))
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestLoaderCloseClosesReadyModels(t *testing.T) {
	provider := newGatedProvider()
	close(provider.release)
	loader := NewLoader(provider, nil)

	_, err := loader.Load(context.Background(), types.ModelFaceMesh)
	require.NoError(t, err)
	loader.Handle(types.ModelTinyFace) // unloaded handle is skipped

	require.NoError(t, loader.Close())
	assert.True(t, provider.model.closed.Load())

	statuses := loader.Statuses()
	assert.Equal(t, StatusReady, statuses[types.ModelFaceMesh])
	assert.Equal(t, StatusUnloaded, statuses[types.ModelTinyFace])
}

func TestLoaderLoadFinishingAfterCloseIsReleased(t *testing.T) {
	provider := newGatedProvider()
	loader := NewLoader(provider, nil)

	done := make(chan error, 1)
	go func() {
		_, err := loader.Load(context.Background(), types.ModelTensor)
		done <- err
	}()
	require.Eventually(t, func() bool { return provider.calls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, loader.Close())
	close(provider.release)

	err := <-done
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.True(t, provider.model.closed.Load())
	assert.Equal(t, StatusFailed, loader.Handle(types.ModelTensor).Status())

	_, err = loader.Load(context.Background(), types.ModelFaceMesh)
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "unloaded", StatusUnloaded.String())
	assert.Equal(t, "loading", StatusLoading.String())
	assert.Equal(t, "ready", StatusReady.String())
	assert.Equal(t, "failed", StatusFailed.String())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusLoading.Terminal())
}
