package status

import (
	"bytes"
	"image/jpeg"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	previewWriteWait  = 10 * time.Second
	previewPongWait   = 60 * time.Second
	previewPingPeriod = 30 * time.Second
	previewQuality    = 70
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// preview streams the displayed (redacted) canvas as binary JPEG messages
func (s *Server) preview(c echo.Context) error {
	if s.opts.Frames == nil {
		return echo.NewHTTPError(http.StatusNotFound, "preview disabled")
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("preview websocket upgrade failed", "error", err)
		return nil
	}
	defer conn.Close()

	remote := c.RealIP()
	slog.Info("preview client connected", "remote", remote)

	closed := make(chan struct{})
	go s.previewReadPump(conn, closed)

	ticker := time.NewTicker(time.Second / time.Duration(s.opts.PreviewHz))
	defer ticker.Stop()
	ping := time.NewTicker(previewPingPeriod)
	defer ping.Stop()

	var lastSeq uint64
	sent := 0
	for {
		select {
		case <-closed:
			slog.Info("preview client disconnected", "remote", remote, "frames_sent", sent)
			return nil

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(previewWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}

		case <-ticker.C:
			frame, ok := s.opts.Frames.Snapshot()
			if !ok || frame.Seq == lastSeq {
				continue
			}
			lastSeq = frame.Seq

			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, frame.Image(), &jpeg.Options{Quality: previewQuality}); err != nil {
				slog.Debug("preview encode failed", "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(previewWriteWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
				slog.Debug("preview write failed", "remote", remote, "error", err)
				return nil
			}
			sent++
		}
	}
}

// previewReadPump discards client messages and detects disconnects
func (s *Server) previewReadPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadDeadline(time.Now().Add(previewPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(previewPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("preview read error", "error", err)
			}
			return
		}
	}
}
