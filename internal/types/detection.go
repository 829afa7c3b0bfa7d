package types

import "time"

// ModelKind identifies one inference capability
type ModelKind string

const (
	// ModelFaceMesh produces 468+ landmarks for the primary face (eyes, lips, irises)
	ModelFaceMesh ModelKind = "face-mesh"
	// ModelTinyFace detects every face in the frame (boxes plus 68-point landmarks)
	ModelTinyFace ModelKind = "tiny-face-detector"
	// ModelTensor is a generic tensor model whose raw output is decoded into object boxes
	ModelTensor ModelKind = "tensor-model"
)

// AllModelKinds lists every supported model kind in load order
var AllModelKinds = []ModelKind{ModelFaceMesh, ModelTinyFace, ModelTensor}

// Valid reports whether k is a known kind
func (k ModelKind) Valid() bool {
	switch k {
	case ModelFaceMesh, ModelTinyFace, ModelTensor:
		return true
	}
	return false
}

// FaceLandmarks is one detected face
type FaceLandmarks struct {
	// Points are normalized landmark coordinates in model order
	Points []Point `msgpack:"points" json:"points"`
	// Box is the face bounding box when the model provides one
	Box *NormalizedRect `msgpack:"box,omitempty" json:"box,omitempty"`
	// Score is the detection confidence
	Score float64 `msgpack:"score" json:"score"`
}

// ObjectBox is one object detection
type ObjectBox struct {
	ClassID    int            `msgpack:"class_id" json:"class_id"`
	Class      string         `msgpack:"class" json:"class"`
	Confidence float64        `msgpack:"confidence" json:"confidence"`
	BBox       NormalizedRect `msgpack:"bbox" json:"bbox"`
}

// DetectionFrame is the result of one inference over one sampled video frame.
// It is not retained past the consumers of the tick that produced it.
type DetectionFrame struct {
	// Seq is the per-loop inference sequence number
	Seq uint64
	// Model is the capability that produced the result
	Model ModelKind
	// At is the capture time of Source; all anomaly timing uses it
	At time.Time
	// Source is the video frame the model saw
	Source Frame
	// Faces holds zero or more faces (face-mesh, tiny-face-detector)
	Faces []FaceLandmarks
	// Objects holds zero or more boxes (tensor-model)
	Objects []ObjectBox
	// Latency is the inference wall time
	Latency time.Duration
}

// PrimaryFace returns the first detected face
func (d DetectionFrame) PrimaryFace() (FaceLandmarks, bool) {
	if len(d.Faces) == 0 {
		return FaceLandmarks{}, false
	}
	return d.Faces[0], true
}
