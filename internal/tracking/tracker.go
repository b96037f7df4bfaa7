// Package tracking matches object centers between consecutive frames and turns
// disappearances into directional crossing counts.
package tracking

import (
	"cmp"
	"context"
	"io"
	"log/slog"
	"slices"

	"github.com/clalos/hive-traffic-counter/internal/config"
	"github.com/clalos/hive-traffic-counter/internal/raster"
	"github.com/clalos/hive-traffic-counter/internal/vision"
)

// Aggregate is the record sent to the collector at each reporting boundary.
type Aggregate struct {
	DeviceID   int `json:"id"`
	RecordType int `json:"type"`
	// InField carries objects that went into the field, i.e. left the hive.
	InField int `json:"inField"`
	// OutField carries objects that came back from the field into the hive.
	OutField int `json:"outField"`
}

// Reporter delivers aggregates. Implementations must not block for long;
// the tracker logs the returned error and carries on regardless.
type Reporter interface {
	Report(ctx context.Context, agg Aggregate) error
}

// Snapshotter persists an annotated frame at a reporting boundary.
type Snapshotter interface {
	Snapshot(frame *raster.Color, tr Transition) error
}

// Config controls matching and reporting.
type Config struct {
	DeviceID              int
	RecordType            int
	MatchDistanceFraction float64
	ReportInterval        int
}

// ConfigFromTuning derives a tracker Config.
func ConfigFromTuning(t config.Tuning, deviceID int) Config {
	return Config{
		DeviceID:              deviceID,
		RecordType:            t.RecordType,
		MatchDistanceFraction: t.MatchDistanceFraction,
		ReportInterval:        t.ReportInterval,
	}
}

// Match pairs previous[Prev] with now[Now].
type Match struct {
	Distance float64
	Prev     int
	Now      int
}

// Observation is one frame's worth of tracker input.
type Observation struct {
	Index   int64
	Centers []vision.Center
	// Height is the ROI height the centers were found in.
	Height int
	// Frame is the cropped color frame, kept only for snapshots. May be nil.
	Frame *raster.Color
}

// Transition describes how one frame's centers relate to the previous frame.
type Transition struct {
	Previous []vision.Center
	Now      []vision.Center
	Matches  []Match
}

// Outcome summarizes a Step.
type Outcome struct {
	// Skipped is set when both the previous and the current set were empty.
	Skipped bool
	// Entries and Exits are the crossings counted by this step alone.
	Entries int
	Exits   int
	// Reported is set when this step closed a reporting interval.
	Reported   bool
	Transition Transition
}

// Tracker holds the process-lifetime tracking state. It is not safe for
// concurrent use; the pipeline drives it from a single goroutine.
type Tracker struct {
	cfg         Config
	reporter    Reporter
	snapshotter Snapshotter
	logger      *slog.Logger

	previous   []vision.Center
	entryCount int
	exitCount  int
	frameCount int

	lastFrame      *raster.Color
	lastTransition Transition
}

// New creates a Tracker. snapshotter may be nil.
func New(cfg Config, reporter Reporter, snapshotter Snapshotter, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Tracker{
		cfg:         cfg,
		reporter:    reporter,
		snapshotter: snapshotter,
		logger:      logger,
	}
}

// MatchCenters greedily pairs previous and current centers, closest first.
// Candidates are ordered by (distance, previous index, current index) and a
// pair is accepted when neither end is used yet and its distance does not
// exceed maxDistance. The result is a partial injective matching.
func MatchCenters(previous, now []vision.Center, maxDistance float64) []Match {
	candidates := make([]Match, 0, len(previous)*len(now))
	for i, p := range previous {
		for j, n := range now {
			candidates = append(candidates, Match{Distance: vision.Distance(p.Point, n.Point), Prev: i, Now: j})
		}
	}
	slices.SortFunc(candidates, func(a, b Match) int {
		return cmp.Or(
			cmp.Compare(a.Distance, b.Distance),
			cmp.Compare(a.Prev, b.Prev),
			cmp.Compare(a.Now, b.Now),
		)
	})

	usedPrev := make([]bool, len(previous))
	usedNow := make([]bool, len(now))
	var matches []Match
	for _, c := range candidates {
		if c.Distance > maxDistance {
			break
		}
		if usedPrev[c.Prev] || usedNow[c.Now] {
			continue
		}
		usedPrev[c.Prev], usedNow[c.Now] = true, true
		matches = append(matches, c)
	}
	return matches
}

// Step advances the tracker by one frame.
func (t *Tracker) Step(ctx context.Context, obs Observation) Outcome {
	if len(t.previous) == 0 && len(obs.Centers) == 0 {
		return Outcome{Skipped: true}
	}

	previous := t.previous
	now := slices.Clone(obs.Centers)

	maxDistance := float64(int(float64(obs.Height) * t.cfg.MatchDistanceFraction))
	matches := MatchCenters(previous, now, maxDistance)

	prevMatched := make([]bool, len(previous))
	source := make([]int, len(now))
	for j := range source {
		source[j] = -1
	}
	for _, m := range matches {
		prevMatched[m.Prev] = true
		source[m.Now] = m.Prev
	}

	mid := obs.Height / 2
	for j := range now {
		switch {
		case source[j] >= 0:
			now[j].Direction = previous[source[j]].Direction
		case now[j].Point.Y < mid:
			now[j].Direction = vision.FromOutside
		default:
			now[j].Direction = vision.FromHive
		}
	}

	out := Outcome{Transition: Transition{Previous: previous, Now: now, Matches: matches}}
	for i, p := range previous {
		if prevMatched[i] {
			continue
		}
		switch {
		case p.Direction == vision.FromOutside && p.Point.Y >= mid:
			out.Entries++
		case p.Direction == vision.FromHive && p.Point.Y < mid:
			out.Exits++
		}
	}

	t.entryCount += out.Entries
	t.exitCount += out.Exits
	t.frameCount++
	t.lastFrame = obs.Frame
	t.lastTransition = out.Transition

	if out.Entries > 0 || out.Exits > 0 {
		t.logger.Debug("Crossing counted",
			"frame_index", obs.Index,
			"entries", out.Entries,
			"exits", out.Exits,
			"entry_count", t.entryCount,
			"exit_count", t.exitCount)
	}

	if t.frameCount >= t.cfg.ReportInterval {
		t.report(ctx, "interval")
		out.Reported = true
	}

	t.previous = now
	return out
}

// Flush reports the counts accumulated since the last boundary, if any
// frames were tracked since then. It is called once the pipeline drains.
func (t *Tracker) Flush(ctx context.Context) bool {
	if t.frameCount == 0 {
		return false
	}
	t.report(ctx, "shutdown")
	return true
}

// Counts returns the running entry, exit and frame counters.
func (t *Tracker) Counts() (entries, exits, frames int) {
	return t.entryCount, t.exitCount, t.frameCount
}

// Previous returns the center set the next Step will match against.
func (t *Tracker) Previous() []vision.Center {
	return slices.Clone(t.previous)
}

func (t *Tracker) report(ctx context.Context, reason string) {
	agg := Aggregate{
		DeviceID:   t.cfg.DeviceID,
		RecordType: t.cfg.RecordType,
		InField:    t.exitCount,
		OutField:   t.entryCount,
	}

	if t.snapshotter != nil && t.lastFrame != nil {
		if err := t.snapshotter.Snapshot(t.lastFrame, t.lastTransition); err != nil {
			t.logger.Warn("Failed to write snapshot", "error", err)
		}
	}

	if err := t.reporter.Report(ctx, agg); err != nil {
		t.logger.Error("Failed to hand off aggregate",
			"error", err,
			"reason", reason,
			"in_field", agg.InField,
			"out_field", agg.OutField)
	} else {
		t.logger.Info("Aggregate reported",
			"reason", reason,
			"device_id", agg.DeviceID,
			"in_field", agg.InField,
			"out_field", agg.OutField,
			"frames", t.frameCount)
	}

	t.entryCount, t.exitCount, t.frameCount = 0, 0, 0
}
