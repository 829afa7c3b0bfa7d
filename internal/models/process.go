package models

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/care/proctor/internal/types"
)

// WorkerSpec configures the subprocess serving one model kind
type WorkerSpec struct {
	Command    string
	Args       []string
	ModelPath  string
	Confidence float64
	// Tensor is used to decode raw output of the tensor model
	Tensor TensorLayout
	// WriteTimeout bounds a single stdin write (default 2s)
	WriteTimeout time.Duration
}

// ProcessProvider loads models by spawning one worker process per kind.
//
// Wire protocol: every message in both directions is a 4-byte big-endian
// length followed by a msgpack map. The worker's first message is the load
// result ({"type":"ready"} or {"type":"error","error":"..."}); after that it
// answers each frame request with exactly one result carrying the same seq.
type ProcessProvider struct {
	specs map[types.ModelKind]WorkerSpec
}

// NewProcessProvider creates a provider for the configured kinds
func NewProcessProvider(specs map[types.ModelKind]WorkerSpec) *ProcessProvider {
	return &ProcessProvider{specs: specs}
}

type frameRequest struct {
	Type      string `msgpack:"type"`
	Seq       uint64 `msgpack:"seq"`
	FrameData []byte `msgpack:"frame_data"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	Timestamp string `msgpack:"timestamp"`
	TraceID   string `msgpack:"trace_id"`
}

type workerMessage struct {
	Type    string                `msgpack:"type"`
	Seq     uint64                `msgpack:"seq"`
	Error   string                `msgpack:"error"`
	Faces   []types.FaceLandmarks `msgpack:"faces"`
	Objects []types.ObjectBox     `msgpack:"objects"`
	Tensor  []float32             `msgpack:"tensor"`
	Timing  map[string]float64    `msgpack:"timing"`
}

// Load spawns the worker for kind and waits for its ready handshake
func (p *ProcessProvider) Load(ctx context.Context, kind types.ModelKind) (Model, error) {
	spec, ok := p.specs[kind]
	if !ok || spec.Command == "" {
		return nil, fmt.Errorf("no worker configured for %s", kind)
	}
	if spec.WriteTimeout <= 0 {
		spec.WriteTimeout = 2 * time.Second
	}

	m := &processModel{
		kind:    kind,
		spec:    spec,
		results: make(chan workerMessage, 1),
		exited:  make(chan struct{}),
	}
	if err := m.spawn(); err != nil {
		return nil, fmt.Errorf("failed to spawn %s worker: %w", kind, err)
	}

	select {
	case msg, ok := <-m.results:
		if !ok {
			m.Close()
			return nil, fmt.Errorf("%s worker exited before ready", kind)
		}
		if msg.Type != "ready" {
			m.Close()
			if msg.Error == "" {
				msg.Error = "unexpected handshake " + msg.Type
			}
			return nil, fmt.Errorf("%s worker failed to load: %s", kind, msg.Error)
		}
	case <-ctx.Done():
		m.Close()
		return nil, fmt.Errorf("%s worker load: %w", kind, ctx.Err())
	}

	slog.Info("model worker ready",
		"model", kind,
		"pid", m.cmd.Process.Pid,
		"model_path", spec.ModelPath,
	)
	return m, nil
}

// processModel is one worker subprocess
type processModel struct {
	kind types.ModelKind
	spec WorkerSpec

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	// Infer is never re-entrant; mu guards against misuse
	mu      sync.Mutex
	seq     uint64
	results chan workerMessage
	exited  chan struct{}

	closeOnce sync.Once
	closing   atomic.Bool
	wg        sync.WaitGroup

	inferenceCount uint64
	totalLatencyMS uint64
}

func (m *processModel) spawn() error {
	args := append([]string{}, m.spec.Args...)
	args = append(args,
		"--kind", string(m.kind),
		"--confidence", fmt.Sprintf("%.2f", m.spec.Confidence),
	)
	if m.spec.ModelPath != "" {
		args = append(args, "--model", m.spec.ModelPath)
	}

	m.cmd = exec.Command(m.spec.Command, args...)

	var err error
	if m.stdin, err = m.cmd.StdinPipe(); err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if m.stdout, err = m.cmd.StdoutPipe(); err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if m.stderr, err = m.cmd.StderrPipe(); err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := m.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker process: %w", err)
	}

	slog.Debug("model worker spawned", "model", m.kind, "pid", m.cmd.Process.Pid)

	m.wg.Add(3)
	go m.readResults()
	go m.logStderr()
	go m.waitProcess()
	return nil
}

// Infer sends one frame and waits for the matching result
func (m *processModel) Infer(ctx context.Context, frame types.Frame) (types.DetectionFrame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closing.Load() {
		return types.DetectionFrame{}, ErrModelUnavailable
	}

	m.seq++
	seq := m.seq
	start := time.Now()

	req := frameRequest{
		Type:      "frame",
		Seq:       seq,
		FrameData: frame.Data,
		Width:     frame.Width,
		Height:    frame.Height,
		Timestamp: frame.Timestamp.Format(time.RFC3339Nano),
		TraceID:   frame.TraceID,
	}
	if err := m.send(ctx, req); err != nil {
		return types.DetectionFrame{}, err
	}

	for {
		select {
		case msg, ok := <-m.results:
			if !ok {
				return types.DetectionFrame{}, fmt.Errorf("%s worker exited", m.kind)
			}
			if msg.Seq != seq {
				// Late answer to a request whose caller gave up
				slog.Debug("discarding stale worker result",
					"model", m.kind,
					"seq", msg.Seq,
					"want", seq,
				)
				continue
			}
			return m.toDetection(frame, msg, time.Since(start))
		case <-ctx.Done():
			return types.DetectionFrame{}, ctx.Err()
		}
	}
}

func (m *processModel) toDetection(frame types.Frame, msg workerMessage, latency time.Duration) (types.DetectionFrame, error) {
	if msg.Error != "" {
		return types.DetectionFrame{}, fmt.Errorf("%s worker: %s", m.kind, msg.Error)
	}

	df := types.DetectionFrame{
		Seq:     msg.Seq,
		Model:   m.kind,
		At:      frame.Timestamp,
		Source:  frame,
		Faces:   msg.Faces,
		Objects: msg.Objects,
		Latency: latency,
	}
	if len(msg.Tensor) > 0 {
		objects, err := DecodeTensor(msg.Tensor, m.spec.Tensor)
		if err != nil {
			return types.DetectionFrame{}, fmt.Errorf("failed to decode tensor output: %w", err)
		}
		df.Objects = append(df.Objects, objects...)
	}

	atomic.AddUint64(&m.inferenceCount, 1)
	if total, ok := msg.Timing["total_ms"]; ok {
		atomic.AddUint64(&m.totalLatencyMS, uint64(total))
	}
	return df, nil
}

// send writes one length-prefixed msgpack message with a timeout
func (m *processModel) send(ctx context.Context, v interface{}) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack request: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 4+len(payload))
		binary.BigEndian.PutUint32(buf, uint32(len(payload)))
		copy(buf[4:], payload)
		if _, err := m.stdin.Write(buf); err != nil {
			writeErr <- fmt.Errorf("failed to write to stdin: %w", err)
			return
		}
		writeErr <- nil
	}()

	select {
	case err := <-writeErr:
		return err
	case <-time.After(m.spec.WriteTimeout):
		return fmt.Errorf("stdin write timeout (%s worker may be hung)", m.kind)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *processModel) readResults() {
	defer m.wg.Done()
	defer close(m.results)

	for {
		msg, err := readMessage(m.stdout)
		if err != nil {
			if errors.Is(err, io.EOF) || m.closing.Load() {
				slog.Debug("model worker stdout closed", "model", m.kind)
				return
			}
			slog.Error("failed to read from model worker",
				"model", m.kind,
				"error", err,
			)
			return
		}
		select {
		case m.results <- msg:
		case <-m.exited:
			return
		}
	}
}

// maxMessageSize bounds one worker result frame
const maxMessageSize = 64 << 20

func readMessage(r io.Reader) (workerMessage, error) {
	var msg workerMessage
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return msg, err
	}
	size := binary.BigEndian.Uint32(lengthBuf)
	if size > maxMessageSize {
		return msg, fmt.Errorf("worker message of %d bytes exceeds %d byte limit", size, maxMessageSize)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return msg, fmt.Errorf("failed to read msgpack data: %w", err)
	}
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("failed to unmarshal msgpack result: %w", err)
	}
	return msg, nil
}

// logStderr maps worker log levels onto slog
func (m *processModel) logStderr() {
	defer m.wg.Done()
	scanner := bufio.NewScanner(m.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			slog.Error("model worker error", "model", m.kind, "log", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			slog.Warn("model worker warning", "model", m.kind, "log", line)
		default:
			slog.Debug("model worker log", "model", m.kind, "log", line)
		}
	}
}

func (m *processModel) waitProcess() {
	defer m.wg.Done()
	err := m.cmd.Wait()
	close(m.exited)
	switch {
	case m.closing.Load():
		slog.Debug("model worker exited (shutdown)", "model", m.kind)
	case err != nil:
		slog.Error("model worker exited unexpectedly", "model", m.kind, "error", err)
	default:
		slog.Warn("model worker exited", "model", m.kind)
	}
}

// Close stops the worker: stdin is closed first, the process is killed
// if it has not exited within two seconds
func (m *processModel) Close() error {
	m.closeOnce.Do(func() {
		m.closing.Store(true)
		m.stdin.Close()

		select {
		case <-m.exited:
		case <-time.After(2 * time.Second):
			slog.Warn("model worker stop timeout, force killing process", "model", m.kind)
			if err := m.cmd.Process.Kill(); err != nil {
				slog.Error("failed to kill model worker", "model", m.kind, "error", err)
			}
		}
		m.wg.Wait()

		inferences := atomic.LoadUint64(&m.inferenceCount)
		var avg float64
		if inferences > 0 {
			avg = float64(atomic.LoadUint64(&m.totalLatencyMS)) / float64(inferences)
		}
		slog.Info("model worker stopped",
			"model", m.kind,
			"inferences", inferences,
			"avg_latency_ms", avg,
		)
	})
	return nil
}
