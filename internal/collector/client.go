package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/care/proctor/internal/types"
)

const (
	abnormalPath = "/taker/abnormal/"
	webcamPath   = "/taker/webcam/"

	// wallClockLayout matches the backend's HH:MM:SS time fields
	wallClockLayout = "15:04:05"
)

// ClientConfig configures the backend client
type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// UploadRetries is the number of retries after the first failed upload
	UploadRetries int
	// RetryBase is the first backoff step (default 1s)
	RetryBase time.Duration
}

// Client talks to the proctoring backend
type Client struct {
	baseURL   string
	token     string
	http      *http.Client
	retries   uint64
	retryBase time.Duration
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Path, e.Code, e.Body)
}

// Temporary reports whether the request is worth retrying
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// NewClient creates a backend client
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.UploadRetries < 0 {
		cfg.UploadRetries = 0
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		token:     cfg.Token,
		http:      &http.Client{Timeout: cfg.Timeout},
		retries:   uint64(cfg.UploadRetries),
		retryBase: cfg.RetryBase,
	}
}

// abnormalRequest is the body the abnormal collector accepts
type abnormalRequest struct {
	Type         string `json:"type"`
	DetectedTime string `json:"detected_time"`
	EndTime      string `json:"end_time"`
}

// PostAbnormal reports one anomaly. It is never retried.
func (c *Client) PostAbnormal(ctx context.Context, ev types.AnomalyEvent) error {
	payload, err := json.Marshal(abnormalRequest{
		Type:         ev.Type,
		DetectedTime: ev.DetectedTime,
		EndTime:      ev.EndTime,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal anomaly: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+abnormalPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if err := c.do(req, abnormalPath); err != nil {
		return err
	}

	slog.Debug("anomaly reported",
		"type", ev.Type,
		"detected_time", ev.DetectedTime,
		"end_time", ev.EndTime,
	)
	return nil
}

// UploadSegment posts one segment as multipart form data, retrying
// transient failures with exponential backoff
func (c *Client) UploadSegment(ctx context.Context, seg *types.Segment) error {
	body, contentType, err := segmentForm(seg)
	if err != nil {
		return err
	}

	attempt := 0
	backoff := retry.WithMaxRetries(c.retries, retry.NewExponential(c.retryBase))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+webcamPath, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)

		err = c.do(req, webcamPath)
		if err == nil {
			return nil
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Temporary() {
			return err
		}
		slog.Warn("segment upload failed, retrying",
			"segment", seg.ID,
			"attempt", attempt,
			"error", err,
		)
		return retry.RetryableError(err)
	})
	if err != nil {
		return fmt.Errorf("segment %s upload failed after %d attempts: %w", seg.ID, attempt, err)
	}

	slog.Info("segment uploaded",
		"segment", seg.ID,
		"index", seg.Index,
		"size_bytes", len(body),
		"attempts", attempt,
	)
	return nil
}

func (c *Client) do(req *http.Request, path string) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func segmentForm(seg *types.Segment) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fw, err := w.CreateFormFile("web_cam", seg.ID+seg.Extension())
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	for _, c := range seg.Chunks {
		if _, err := fw.Write(c.Data); err != nil {
			return nil, "", fmt.Errorf("failed to write segment data: %w", err)
		}
	}
	if err := w.WriteField("start_time", seg.StartedAt.Format(wallClockLayout)); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("end_time", seg.EndedAt.Format(wallClockLayout)); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
