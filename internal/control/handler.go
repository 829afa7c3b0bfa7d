package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Command represents a control plane command
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string `json:"command_ack"`
	Status     string `json:"status"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// Transport is the broker connection the handler listens on
type Transport interface {
	Subscribe(topic string, qos byte, fn func(payload []byte)) error
	Unsubscribe(topic string) error
	Publish(topic string, qos byte, payload []byte) error
}

// Callbacks are the session operations reachable from the control plane
type Callbacks struct {
	OnGetStatus     func() any
	OnRotateSegment func(ctx context.Context) error
	OnEndSession    func() error
}

// Config names the control topics
type Config struct {
	CommandTopic  string
	ResponseTopic string
	QoS           byte
}

// Handler handles control plane commands
type Handler struct {
	cfg       Config
	transport Transport
	callbacks Callbacks
	commands  chan Command

	mu       sync.Mutex
	handled  map[string]uint64
	started  bool
	stopped  bool
	stopOnce sync.Once
}

// NewHandler creates a new control plane handler
func NewHandler(cfg Config, transport Transport, callbacks Callbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		transport: transport,
		callbacks: callbacks,
		commands:  make(chan Command, 10),
		handled:   make(map[string]uint64),
	}
}

// Start subscribes to the command topic and processes commands until ctx
// is cancelled or Stop is called
func (h *Handler) Start(ctx context.Context) error {
	slog.Info("subscribing to control plane", "topic", h.cfg.CommandTopic, "qos", h.cfg.QoS)

	if err := h.transport.Subscribe(h.cfg.CommandTopic, h.cfg.QoS, h.onMessage); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	h.mu.Lock()
	h.started = true
	h.mu.Unlock()

	go h.processCommands(ctx)
	return nil
}

// Stop unsubscribes and ends command processing
func (h *Handler) Stop() error {
	var err error
	h.stopOnce.Do(func() {
		h.mu.Lock()
		started := h.started
		h.mu.Unlock()
		if started {
			err = h.transport.Unsubscribe(h.cfg.CommandTopic)
		}
		h.mu.Lock()
		h.stopped = true
		close(h.commands)
		h.mu.Unlock()
		slog.Info("control plane handler stopped")
	})
	return err
}

func (h *Handler) onMessage(payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	// Late deliveries can race Stop; commands is closed under mu
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.sendResponse(h.handleCommand(ctx, cmd))
		}
	}
}

func (h *Handler) handleCommand(ctx context.Context, cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			return notImplemented(resp)
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case "rotate_segment":
		if h.callbacks.OnRotateSegment == nil {
			return notImplemented(resp)
		}
		if err := h.callbacks.OnRotateSegment(ctx); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
		} else {
			resp.Status = "rotated"
		}

	case "end_session":
		if h.callbacks.OnEndSession == nil {
			return notImplemented(resp)
		}
		if err := h.callbacks.OnEndSession(); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
		} else {
			resp.Status = "stopping"
		}

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	h.mu.Lock()
	h.handled[cmd.Command]++
	h.mu.Unlock()
	return resp
}

func notImplemented(resp Response) Response {
	resp.Status = "error"
	resp.Error = resp.CommandAck + " not implemented"
	return resp
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}
	if err := h.transport.Publish(h.cfg.ResponseTopic, h.cfg.QoS, payload); err != nil {
		slog.Error("failed to publish response", "command_ack", resp.CommandAck, "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

// Handled returns how many commands of each kind were executed
func (h *Handler) Handled() map[string]uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]uint64, len(h.handled))
	for k, v := range h.handled {
		out[k] = v
	}
	return out
}
