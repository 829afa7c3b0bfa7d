package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/care/proctor/internal/types"
)

// GstEncoderConfig configures the VP8/WebM encoder
type GstEncoderConfig struct {
	Width   int
	Height  int
	FPS     int
	Bitrate int
	// EOSTimeout bounds the flush on Stop (default 5s)
	EOSTimeout time.Duration
}

// GstFactory returns a NewEncoderFunc producing one WebM pipeline per segment
func GstFactory(cfg GstEncoderConfig) NewEncoderFunc {
	return func(ctx context.Context) (Encoder, error) {
		return NewGstEncoder(cfg)
	}
}

// GstEncoder encodes RGBA frames to a streamable WebM:
// appsrc ! videoconvert ! vp8enc ! webmmux ! appsink
type GstEncoder struct {
	cfg GstEncoderConfig

	pipeline *gst.Pipeline
	src      *app.Source
	sink     *app.Sink

	chunks  chan []byte
	mu      sync.Mutex
	stopped bool
	once    sync.Once
}

// NewGstEncoder builds and starts the encoding pipeline
func NewGstEncoder(cfg GstEncoderConfig) (*GstEncoder, error) {
	if cfg.FPS <= 0 {
		cfg.FPS = 15
	}
	if cfg.Bitrate <= 0 {
		cfg.Bitrate = 512000
	}
	if cfg.EOSTimeout <= 0 {
		cfg.EOSTimeout = 5 * time.Second
	}

	gst.Init(nil)

	// streamable=true: webmmux emits clusters as they complete, no seek back on EOS
	pipelineStr := fmt.Sprintf(
		"appsrc name=src format=time is-live=true do-timestamp=true "+
			"caps=video/x-raw,format=RGBA,width=%d,height=%d,framerate=%d/1 ! "+
			"videoconvert ! "+
			"vp8enc target-bitrate=%d deadline=1 ! "+
			"webmmux streamable=true ! "+
			"appsink name=sink sync=false",
		cfg.Width, cfg.Height, cfg.FPS, cfg.Bitrate,
	)

	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder pipeline: %w", err)
	}
	srcElem, err := pipeline.GetElementByName("src")
	if err != nil {
		return nil, fmt.Errorf("failed to find appsrc: %w", err)
	}
	sinkElem, err := pipeline.GetElementByName("sink")
	if err != nil {
		return nil, fmt.Errorf("failed to find appsink: %w", err)
	}

	e := &GstEncoder{
		cfg:      cfg,
		pipeline: pipeline,
		src:      app.SrcFromElement(srcElem),
		sink:     app.SinkFromElement(sinkElem),
		chunks:   make(chan []byte, 256),
	}
	e.sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: e.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("failed to set encoder to playing: %w", err)
	}
	return e, nil
}

func (e *GstEncoder) MIMEType() string { return "video/webm" }

func (e *GstEncoder) Chunks() <-chan []byte { return e.chunks }

// WriteFrame pushes one RGBA frame into the pipeline
func (e *GstEncoder) WriteFrame(frame types.Frame) error {
	if frame.Width != e.cfg.Width || frame.Height != e.cfg.Height || !frame.Valid() {
		return fmt.Errorf("frame %dx%d does not match encoder %dx%d",
			frame.Width, frame.Height, e.cfg.Width, e.cfg.Height)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrEncoderStopped
	}
	if ret := e.src.PushBuffer(gst.NewBufferFromBytes(frame.Data)); ret != gst.FlowOK {
		return fmt.Errorf("appsrc push returned %s", ret.String())
	}
	return nil
}

func (e *GstEncoder) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowError
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	defer buffer.Unmap()

	chunk := make([]byte, len(data))
	copy(chunk, data)
	e.chunks <- chunk
	return gst.FlowOK
}

// Stop sends EOS, waits for the muxer to flush, then closes Chunks
func (e *GstEncoder) Stop() error {
	var stopErr error
	e.once.Do(func() {
		e.mu.Lock()
		e.stopped = true
		e.mu.Unlock()

		e.src.EndStream()
		stopErr = e.waitEOS()

		e.pipeline.SetState(gst.StateNull)
		close(e.chunks)
	})
	return stopErr
}

func (e *GstEncoder) waitEOS() error {
	bus := e.pipeline.GetPipelineBus()
	deadline := time.Now().Add(e.cfg.EOSTimeout)
	for time.Now().Before(deadline) {
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			return nil
		case gst.MessageError:
			gerr := msg.ParseError()
			slog.Error("encoder pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
			)
			return fmt.Errorf("encoder pipeline error: %w", gerr)
		}
	}
	slog.Warn("encoder flush timeout", "timeout", e.cfg.EOSTimeout)
	return fmt.Errorf("no EOS within %s", e.cfg.EOSTimeout)
}
