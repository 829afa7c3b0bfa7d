package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/care/proctor/internal/types"
)

// Event types reported to the collector
const (
	TypeAbsence     = "absence"
	TypeOvercrowded = "overcrowded"
)

// Gaze directions
const (
	GazeCenter  = "center"
	GazeLeft    = "left"
	GazeRight   = "right"
	GazeUnknown = "unknown"
)

// Reporter accepts anomaly events for delivery
type Reporter interface {
	ReportAnomaly(ctx context.Context, ev types.AnomalyEvent) error
}

// Config configures a detector
type Config struct {
	// ExamStart is the zero reference for every reported time
	ExamStart time.Time
	// PresenceModel drives absence and overcrowding
	PresenceModel types.ModelKind
	// GazeThreshold is the horizontal offset separating center from left/right
	GazeThreshold float64
	// GazeHold is how long one direction must persist before it is logged
	GazeHold time.Duration
	// ForbiddenClasses are the watched object labels
	ForbiddenClasses []string
	// MinConfidence is the strict lower bound for a forbidden object
	MinConfidence float64
}

func (c Config) withDefaults() Config {
	if c.PresenceModel == "" {
		c.PresenceModel = types.ModelTinyFace
	}
	if c.GazeThreshold <= 0 {
		c.GazeThreshold = 0.02
	}
	if c.GazeHold <= 0 {
		c.GazeHold = 5 * time.Second
	}
	if c.ForbiddenClasses == nil {
		c.ForbiddenClasses = []string{"phone", "person", "watch", "earphone"}
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.5
	}
	return c
}

// state is one tracked anomaly kind; activeSince is nil while inactive
type state struct {
	activeSince *time.Time
}

// Detector turns per-frame detections into anomaly reports.
//
// Absence is interval tracked and reported once when it resolves.
// Overcrowding and forbidden objects are reported on every qualifying frame.
// Gaze is classified for observation only.
type Detector struct {
	cfg      Config
	reporter Reporter
	watched  map[string]bool

	mu         sync.Mutex
	absence    state
	gaze       string
	gazeOffset float64
	gazeSince  time.Time
	sustained  int
	closed     bool
	counts     map[string]uint64
}

// NewDetector creates a detector reporting through r
func NewDetector(cfg Config, r Reporter) *Detector {
	cfg = cfg.withDefaults()
	watched := make(map[string]bool, len(cfg.ForbiddenClasses))
	for _, c := range cfg.ForbiddenClasses {
		watched[c] = true
	}
	return &Detector{
		cfg:      cfg,
		reporter: r,
		watched:  watched,
		gaze:     GazeUnknown,
		counts:   make(map[string]uint64),
	}
}

// OnDetection implements inference.Consumer
func (d *Detector) OnDetection(ctx context.Context, df types.DetectionFrame) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	var events []types.AnomalyEvent
	if df.Model == d.cfg.PresenceModel {
		events = append(events, d.observePresence(df)...)
	}
	if df.Model == types.ModelFaceMesh {
		d.observeGaze(df)
	}
	if df.Model == types.ModelTensor {
		events = append(events, d.observeObjects(df)...)
	}
	for _, ev := range events {
		d.counts[ev.Type]++
	}
	d.mu.Unlock()

	d.report(ctx, events)
}

func (d *Detector) observePresence(df types.DetectionFrame) []types.AnomalyEvent {
	now := df.At
	faces := len(df.Faces)
	var events []types.AnomalyEvent

	switch {
	case faces == 0 && d.absence.activeSince == nil:
		since := now
		d.absence.activeSince = &since
		slog.Info("face absent", "at", d.Elapsed(now))
	case faces > 0 && d.absence.activeSince != nil:
		events = append(events, d.closeAbsence(now))
	}

	if faces >= 2 {
		events = append(events, types.AnomalyEvent{
			Type:         TypeOvercrowded,
			DetectedTime: d.Elapsed(now),
			EndTime:      d.Elapsed(now),
			At:           now,
		})
	}
	return events
}

// closeAbsence must be called with an active absence
func (d *Detector) closeAbsence(end time.Time) types.AnomalyEvent {
	start := *d.absence.activeSince
	d.absence.activeSince = nil
	if end.Before(start) {
		end = start
	}
	return types.AnomalyEvent{
		Type:         TypeAbsence,
		DetectedTime: d.Elapsed(start),
		EndTime:      d.Elapsed(end),
		At:           end,
	}
}

func (d *Detector) observeGaze(df types.DetectionFrame) {
	face, ok := df.PrimaryFace()
	if !ok {
		d.gaze = GazeUnknown
		d.gazeSince = time.Time{}
		return
	}
	offset, ok := GazeOffset(face.Points)
	if !ok {
		d.gaze = GazeUnknown
		d.gazeSince = time.Time{}
		return
	}

	dir := ClassifyGaze(offset, d.cfg.GazeThreshold)
	d.gazeOffset = offset
	if dir != d.gaze {
		d.gaze = dir
		d.gazeSince = df.At
		return
	}
	if dir == GazeCenter || d.gazeSince.IsZero() {
		return
	}
	if df.At.Sub(d.gazeSince) >= d.cfg.GazeHold {
		d.sustained++
		slog.Info("sustained off-screen gaze",
			"direction", dir,
			"held_for", df.At.Sub(d.gazeSince),
			"at", d.Elapsed(df.At),
		)
		d.gazeSince = df.At
	}
}

func (d *Detector) observeObjects(df types.DetectionFrame) []types.AnomalyEvent {
	objects := make([]types.ObjectBox, 0, len(df.Objects))
	for _, o := range df.Objects {
		if o.Confidence > d.cfg.MinConfidence && d.watched[o.Class] {
			objects = append(objects, o)
		}
	}
	// The test taker is the expected person; only extra ones count
	sort.SliceStable(objects, func(i, j int) bool {
		return objects[i].Confidence > objects[j].Confidence
	})
	seenPerson := false

	var events []types.AnomalyEvent
	for _, o := range objects {
		if o.Class == "person" && !seenPerson {
			seenPerson = true
			continue
		}
		events = append(events, types.AnomalyEvent{
			Type:         o.Class,
			DetectedTime: d.Elapsed(df.At),
			EndTime:      d.Elapsed(df.At),
			Object: &types.ObjectRecord{
				BBox:       o.BBox,
				ClassID:    o.ClassID,
				Confidence: o.Confidence,
			},
			At: df.At,
		})
	}
	return events
}

func (d *Detector) report(ctx context.Context, events []types.AnomalyEvent) {
	for _, ev := range events {
		attrs := []any{
			"type", ev.Type,
			"detected_time", ev.DetectedTime,
			"end_time", ev.EndTime,
		}
		if o := ev.Object; o != nil {
			attrs = append(attrs,
				"class_id", o.ClassID,
				"confidence", o.Confidence,
				"bbox", o.BBox,
			)
		}
		slog.Info("anomaly detected", attrs...)
		if d.reporter == nil {
			continue
		}
		if err := d.reporter.ReportAnomaly(ctx, ev); err != nil {
			slog.Warn("failed to queue anomaly report", "type", ev.Type, "error", err)
		}
	}
}

// Close ends detection. An open absence is reported with end == now.
// Later detections are ignored.
func (d *Detector) Close(ctx context.Context, now time.Time) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	var events []types.AnomalyEvent
	if d.absence.activeSince != nil {
		ev := d.closeAbsence(now)
		d.counts[ev.Type]++
		events = append(events, ev)
	}
	d.mu.Unlock()

	d.report(ctx, events)
}

// Elapsed formats t relative to the exam start
func (d *Detector) Elapsed(t time.Time) string {
	return FormatElapsed(t.Sub(d.cfg.ExamStart))
}

// Absent reports whether an absence is currently open
func (d *Detector) Absent() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.absence.activeSince != nil
}

// Gaze returns the current gaze classification and raw offset
func (d *Detector) Gaze() (string, float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gaze, d.gazeOffset
}

// Snapshot is the observable detector state
type Snapshot struct {
	Absent         bool              `json:"absent"`
	Gaze           string            `json:"gaze"`
	GazeOffset     float64           `json:"gaze_offset"`
	SustainedGazes int               `json:"sustained_gazes"`
	Reports        map[string]uint64 `json:"reports"`
}

// Snapshot returns the current state
func (d *Detector) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	reports := make(map[string]uint64, len(d.counts))
	for k, v := range d.counts {
		reports[k] = v
	}
	return Snapshot{
		Absent:         d.absence.activeSince != nil,
		Gaze:           d.gaze,
		GazeOffset:     d.gazeOffset,
		SustainedGazes: d.sustained,
		Reports:        reports,
	}
}

// FormatElapsed renders d as HH:MM:SS, floored to whole seconds, never negative
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s/60)%60, s%60)
}
