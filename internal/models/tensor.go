package models

import (
	"fmt"

	"github.com/care/proctor/internal/types"
)

// TensorLayout describes the raw detection rows of a tensor model.
// Each row is: cx, cy, w, h (normalized), objectness, then one score per class.
// RowSize may exceed 5+NumClasses when the network was exported with extra
// classes; only the first NumClasses scores are read.
type TensorLayout struct {
	NumClasses int
	RowSize    int
	Classes    []string
	Threshold  float64
}

// DefaultTensorLayout is the four-class proctoring taxonomy
func DefaultTensorLayout() TensorLayout {
	return TensorLayout{
		NumClasses: 4,
		RowSize:    9,
		Classes:    []string{"phone", "person", "watch", "earphone"},
		Threshold:  0.5,
	}
}

func (l TensorLayout) normalized() (TensorLayout, error) {
	if l.NumClasses <= 0 {
		return l, fmt.Errorf("num classes must be > 0")
	}
	if l.RowSize == 0 {
		l.RowSize = 5 + l.NumClasses
	}
	if l.RowSize < 5+l.NumClasses {
		return l, fmt.Errorf("row size %d too small for %d classes", l.RowSize, l.NumClasses)
	}
	if l.Threshold <= 0 {
		l.Threshold = 0.5
	}
	return l, nil
}

// DecodeTensor turns raw model output into object boxes. A row is kept when
// both objectness and its best class score exceed the threshold.
// A trailing partial row is ignored.
func DecodeTensor(output []float32, layout TensorLayout) ([]types.ObjectBox, error) {
	layout, err := layout.normalized()
	if err != nil {
		return nil, err
	}

	var boxes []types.ObjectBox
	for i := 0; i+layout.RowSize <= len(output); i += layout.RowSize {
		row := output[i : i+layout.RowSize]
		objectness := float64(row[4])
		if objectness <= layout.Threshold {
			continue
		}

		classID := 0
		best := row[5]
		for c := 1; c < layout.NumClasses; c++ {
			if row[5+c] > best {
				best = row[5+c]
				classID = c
			}
		}
		if float64(best) <= layout.Threshold {
			continue
		}

		cx, cy, w, h := float64(row[0]), float64(row[1]), float64(row[2]), float64(row[3])
		boxes = append(boxes, types.ObjectBox{
			ClassID:    classID,
			Class:      layout.label(classID),
			Confidence: float64(best),
			BBox: types.NormalizedRect{
				X:      cx - w/2,
				Y:      cy - h/2,
				Width:  w,
				Height: h,
			},
		})
	}
	return boxes, nil
}

func (l TensorLayout) label(classID int) string {
	if classID >= 0 && classID < len(l.Classes) {
		return l.Classes[classID]
	}
	return fmt.Sprintf("class_%d", classID)
}
