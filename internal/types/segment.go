package types

import (
	"bytes"
	"time"
)

// Chunk is one piece of encoded media emitted by an encoder
type Chunk struct {
	// Seq is monotonic across all segments of a session
	Seq  uint64
	Data []byte
}

// Segment is one fixed-duration slice of recorded video.
// Chunks are append-only in arrival order.
type Segment struct {
	ID        string
	Index     int
	StartedAt time.Time
	EndedAt   time.Time
	MIMEType  string
	Chunks    []Chunk
}

// Size returns the total payload size in bytes
func (s *Segment) Size() int {
	n := 0
	for _, c := range s.Chunks {
		n += len(c.Data)
	}
	return n
}

// Bytes concatenates all chunks in order into one media file
func (s *Segment) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(s.Size())
	for _, c := range s.Chunks {
		buf.Write(c.Data)
	}
	return buf.Bytes()
}

// Extension returns a file extension matching MIMEType
func (s *Segment) Extension() string {
	switch s.MIMEType {
	case "video/webm":
		return ".webm"
	case "video/x-motion-jpeg":
		return ".mjpeg"
	default:
		return ".bin"
	}
}

// AnomalyEvent is one report for the abnormal collector
type AnomalyEvent struct {
	// Type is "absence", "overcrowded" or a forbidden object class label
	Type string `json:"type"`
	// DetectedTime is the elapsed start, HH:MM:SS since exam start
	DetectedTime string `json:"detected_time"`
	// EndTime is the elapsed end, HH:MM:SS since exam start
	EndTime string `json:"end_time"`

	// Object is set for forbidden objects
	Object *ObjectRecord `json:"object,omitempty"`
	// At is the wall-clock instant the event was raised
	At time.Time `json:"at"`
}

// ObjectRecord describes the detection behind a forbidden object event
type ObjectRecord struct {
	BBox       NormalizedRect `json:"bbox"`
	ClassID    int            `json:"class_id"`
	Confidence float64        `json:"confidence"`
}
