package models

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/care/proctor/internal/types"
)

// DefaultLoadTimeout bounds a single model load when none is configured
const DefaultLoadTimeout = 60 * time.Second

// Provider produces a loaded model for a kind
type Provider interface {
	Load(ctx context.Context, kind types.ModelKind) (Model, error)
}

// Loader owns one Handle per model kind for the process lifetime.
// Concurrent Load calls for the same kind share a single provider call,
// and a kind that reached ready or failed is never loaded again.
type Loader struct {
	provider Provider
	timeouts map[types.ModelKind]time.Duration

	mu      sync.Mutex
	handles map[types.ModelKind]*Handle
	group   singleflight.Group
	closed  bool

	loads atomic.Uint64
}

// NewLoader creates a loader; timeouts may be nil
func NewLoader(provider Provider, timeouts map[types.ModelKind]time.Duration) *Loader {
	return &Loader{
		provider: provider,
		timeouts: timeouts,
		handles:  make(map[types.ModelKind]*Handle),
	}
}

// Handle returns the handle for kind, creating it unloaded on first use
func (l *Loader) Handle(kind types.ModelKind) *Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handles[kind]
	if !ok {
		h = newHandle(kind)
		l.handles[kind] = h
	}
	return h
}

// Load resolves the model for kind. The load itself is detached from ctx
// so a cancelled caller does not fail it for everyone else; ctx only bounds
// how long this caller waits.
func (l *Loader) Load(ctx context.Context, kind types.ModelKind) (*Handle, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown model kind %q", ErrModelUnavailable, kind)
	}

	h := l.Handle(kind)
	if l.isClosed() {
		return h, fmt.Errorf("%w: loader closed", ErrModelUnavailable)
	}
	if h.Status().Terminal() {
		return h, h.Err()
	}

	ch := l.group.DoChan(string(kind), func() (interface{}, error) {
		if !h.markLoading() {
			// Another flight already resolved it
			<-h.Ready()
			return h, h.Err()
		}
		l.load(ctx, h)
		return h, h.Err()
	})

	select {
	case res := <-ch:
		return h, res.Err
	case <-ctx.Done():
		return h, ctx.Err()
	}
}

func (l *Loader) load(ctx context.Context, h *Handle) {
	timeout := l.timeouts[h.kind]
	if timeout <= 0 {
		timeout = DefaultLoadTimeout
	}
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	l.loads.Add(1)
	start := time.Now()
	slog.Info("loading model", "model", h.kind, "timeout", timeout)

	m, err := l.provider.Load(loadCtx, h.kind)
	if err == nil && l.isClosed() {
		// Finished after shutdown; nobody will close it later
		m.Close()
		m, err = nil, fmt.Errorf("loader closed")
	}
	h.resolve(m, err)

	if err != nil {
		slog.Error("model load failed, capability disabled for this session",
			"model", h.kind,
			"duration", time.Since(start),
			"error", err,
		)
		return
	}
	slog.Info("model ready", "model", h.kind, "duration", time.Since(start))
}

// Loads returns how many provider loads were started
func (l *Loader) Loads() uint64 {
	return l.loads.Load()
}

// Statuses returns a snapshot of every known handle
func (l *Loader) Statuses() map[types.ModelKind]Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[types.ModelKind]Status, len(l.handles))
	for kind, h := range l.handles {
		out[kind] = h.Status()
	}
	return out
}

func (l *Loader) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close releases every ready model. Loads finishing afterwards are
// closed immediately.
func (l *Loader) Close() error {
	l.mu.Lock()
	l.closed = true
	handles := make([]*Handle, 0, len(l.handles))
	for _, h := range l.handles {
		handles = append(handles, h)
	}
	l.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		m, err := h.Model()
		if err != nil {
			continue
		}
		if err := m.Close(); err != nil {
			slog.Warn("model close failed", "model", h.kind, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
