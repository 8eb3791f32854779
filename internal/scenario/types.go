package scenario

import (
	"encoding/json"
	"time"
)

// TimeLayout is the layout of every timestamp stored in an output document.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Stamp formats t with [TimeLayout].
func Stamp(t time.Time) string { return t.Format(TimeLayout) }

// MachineScore is the model-produced score for one metric of one utterance.
type MachineScore struct {
	Score  int    `json:"score"`
	Reason string `json:"reason,omitempty"`
}

// HumanAnnotation is a reviewer's override for one metric of one utterance as
// persisted on the server.
type HumanAnnotation struct {
	Score    int    `json:"score"`
	EditedAt string `json:"edited_at,omitempty"`
	Note     string `json:"note"`
}

// Utterance is one line of dialogue with its annotations. Both annotation maps
// are keyed by metric display name.
type Utterance struct {
	Speaker            string
	Text               string
	MachineAnnotations map[string]MachineScore
	HumanAnnotations   map[string]HumanAnnotation
}

type utteranceJSON struct {
	Speaker            string                     `json:"speaker"`
	Text               string                     `json:"text"`
	Metrics            map[string]MachineScore    `json:"metrics,omitempty"`
	MachineAnnotations map[string]MachineScore    `json:"machine_annotations,omitempty"`
	HumanAnnotations   map[string]HumanAnnotation `json:"human_annotations,omitempty"`
}

// UnmarshalJSON accepts the freshly generated shape (machine scores under
// "metrics") as well as the reviewed shape ("machine_annotations").
func (u *Utterance) UnmarshalJSON(b []byte) error {
	var raw utteranceJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	u.Speaker = raw.Speaker
	u.Text = raw.Text
	u.MachineAnnotations = raw.MachineAnnotations
	if u.MachineAnnotations == nil {
		u.MachineAnnotations = raw.Metrics
	}
	u.HumanAnnotations = raw.HumanAnnotations
	return nil
}

// MarshalJSON writes machine scores under "metrics" until the utterance has
// been reviewed, and under "machine_annotations" afterwards.
func (u Utterance) MarshalJSON() ([]byte, error) {
	raw := utteranceJSON{
		Speaker:          u.Speaker,
		Text:             u.Text,
		HumanAnnotations: u.HumanAnnotations,
	}
	if len(u.HumanAnnotations) > 0 {
		raw.MachineAnnotations = u.MachineAnnotations
	} else {
		raw.Metrics = u.MachineAnnotations
	}
	return json.Marshal(raw)
}

// MachineScoreFor returns the machine score for metric name, if any.
func (u Utterance) MachineScoreFor(name string) (int, bool) {
	s, ok := u.MachineAnnotations[name]
	return s.Score, ok
}

// HumanScoreFor returns the human score for metric name, if any.
func (u Utterance) HumanScoreFor(name string) (int, bool) {
	h, ok := u.HumanAnnotations[name]
	return h.Score, ok
}

// Metadata describes how a stored scenario was produced.
type Metadata struct {
	GeneratedAt     string `json:"generated_at,omitempty"`
	MeetingPurpose  string `json:"meeting_purpose"`
	MeetingFormat   string `json:"meeting_format"`
	NumUtterances   int    `json:"num_utterances"`
	ProfileFilename string `json:"profile_filename"`
	ScenarioModel   string `json:"scenario_model,omitempty"`
	AnnotationModel string `json:"annotation_model,omitempty"`
	SanitizeMode    bool   `json:"sanitize_mode"`

	FocusMetrics []string `json:"focus_metrics,omitempty"`
	TargetRatio  *float64 `json:"target_ratio,omitempty"`

	LastHumanAnnotation string `json:"last_human_annotation,omitempty"`
	SavedTo             string `json:"saved_to,omitempty"`
}

// Output is the persisted document for one generated scenario.
type Output struct {
	Metadata Metadata    `json:"metadata"`
	Scenario []Utterance `json:"scenario"`
}

// OutputSummary is the listing entry for a stored output.
type OutputSummary struct {
	Filename        string `json:"filename"`
	GeneratedAt     string `json:"generated_at"`
	MeetingPurpose  string `json:"meeting_purpose"`
	MeetingFormat   string `json:"meeting_format"`
	NumUtterances   int    `json:"num_utterances"`
	ProfileFilename string `json:"profile_filename"`
}

// Summary derives the listing entry for o stored under filename.
func (o Output) Summary(filename string) OutputSummary {
	return OutputSummary{
		Filename:        filename,
		GeneratedAt:     o.Metadata.GeneratedAt,
		MeetingPurpose:  o.Metadata.MeetingPurpose,
		MeetingFormat:   o.Metadata.MeetingFormat,
		NumUtterances:   o.Metadata.NumUtterances,
		ProfileFilename: o.Metadata.ProfileFilename,
	}
}

// ParticipantProfile holds the behavioural parameters of a participant.
type ParticipantProfile struct {
	Role          string   `json:"role,omitempty"`
	Stance        string   `json:"stance,omitempty"`
	Motivation    *float64 `json:"motivation,omitempty"`
	Talkativeness *float64 `json:"talkativeness,omitempty"`
}

// Participant is one character of a meeting profile file.
type Participant struct {
	ID           string              `json:"id"`
	Profile      *ParticipantProfile `json:"profile,omitempty"`
	Instructions string              `json:"instructions,omitempty"`
}
