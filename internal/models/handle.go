package models

import (
	"context"
	"errors"
	"sync"

	"github.com/care/proctor/internal/types"
)

// ErrModelUnavailable is returned for a model that failed to load or was never configured
var ErrModelUnavailable = errors.New("model unavailable")

// Status is the lifecycle state of a model handle
type Status int32

const (
	StatusUnloaded Status = iota
	StatusLoading
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusUnloaded:
		return "unloaded"
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// Model is one loaded inference capability.
// Infer must not be called concurrently on the same model.
type Model interface {
	Infer(ctx context.Context, frame types.Frame) (types.DetectionFrame, error)
	Close() error
}

// Handle tracks one model kind. Status only moves forward:
// unloaded -> loading -> ready | failed.
type Handle struct {
	kind types.ModelKind

	mu     sync.RWMutex
	status Status
	model  Model
	err    error
	ready  chan struct{}
}

func newHandle(kind types.ModelKind) *Handle {
	return &Handle{
		kind:  kind,
		ready: make(chan struct{}),
	}
}

// Kind returns the model kind
func (h *Handle) Kind() types.ModelKind {
	return h.kind
}

// Status returns the current status
func (h *Handle) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Ready is closed once the handle reaches ready or failed
func (h *Handle) Ready() <-chan struct{} {
	return h.ready
}

// Model returns the loaded model, or ErrModelUnavailable when not ready
func (h *Handle) Model() (Model, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.status != StatusReady {
		return nil, ErrModelUnavailable
	}
	return h.model, nil
}

// Err returns the load failure, nil unless failed
func (h *Handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// Wait blocks until the handle is terminal or ctx is done
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.ready:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) markLoading() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != StatusUnloaded {
		return false
	}
	h.status = StatusLoading
	return true
}

func (h *Handle) resolve(m Model, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Terminal() {
		return
	}
	if err != nil {
		h.status = StatusFailed
		h.err = errors.Join(ErrModelUnavailable, err)
	} else {
		h.status = StatusReady
		h.model = m
	}
	close(h.ready)
}
