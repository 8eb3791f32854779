package scenario

import (
	"fmt"
	"math"
)

// Score bounds shared by machine and human annotations.
const (
	MinScore = 0
	MaxScore = 9
)

// Metric is one of the fixed evaluation dimensions an utterance is scored on.
type Metric struct {
	// ID is the ASCII identifier used for chart surfaces and URLs.
	ID string

	// Name is the display name. It is the key used in stored annotations and
	// in the overlay wire format.
	Name string
}

// Metrics is the fixed, ordered metric set. The order is the CSV column order
// and the order charts are built in.
var Metrics = []Metric{
	{ID: "intimidation", Name: "威圧度"},
	{ID: "deviation", Name: "逸脱度"},
	{ID: "ineffectiveness", Name: "発言無効度"},
	{ID: "bias", Name: "偏り度"},
}

// LookupMetric resolves a metric by ID or display name.
func LookupMetric(s string) (Metric, bool) {
	for _, m := range Metrics {
		if m.ID == s || m.Name == s {
			return m, true
		}
	}
	return Metric{}, false
}

// SurfaceID returns the display surface identifier for m's chart.
func (m Metric) SurfaceID() string {
	return "chart-" + m.ID
}

func (m Metric) String() string { return m.Name }

// ClampScore rounds v to the nearest integer and clamps it into
// [MinScore, MaxScore].
func ClampScore(v float64) int {
	if math.IsNaN(v) {
		return MinScore
	}
	r := math.Round(v)
	switch {
	case r < MinScore:
		return MinScore
	case r > MaxScore:
		return MaxScore
	}
	return int(r)
}

// ValidScore reports whether s lies within the score domain.
func ValidScore(s int) bool {
	return s >= MinScore && s <= MaxScore
}

// Band classifies a score into the low / medium / high bands used for
// presentation: 0–3 low, 4–6 medium, 7–9 high.
func Band(score int) string {
	switch {
	case score <= 3:
		return "low"
	case score <= 6:
		return "medium"
	default:
		return "high"
	}
}

// ErrUnknownMetric is returned for metric names outside [Metrics].
type ErrUnknownMetric struct{ Name string }

func (e *ErrUnknownMetric) Error() string {
	return fmt.Sprintf("scenario: unknown metric %q", e.Name)
}
