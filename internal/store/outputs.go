package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sakihiromi/well-scenario/internal/scenario"
	"github.com/sakihiromi/well-scenario/pkg/annotation"
)

// filenameLayout is the timestamp prefix of generated output files.
const filenameLayout = "20060102_150405"

// Outputs stores generated scenario documents. Safe for concurrent use.
type Outputs struct {
	dir string
	now func() time.Time

	mu sync.Mutex
}

// OutputsOption configures [Outputs].
type OutputsOption func(*Outputs)

// WithClock replaces time.Now for file names and timestamps.
func WithClock(now func() time.Time) OutputsOption {
	return func(o *Outputs) { o.now = now }
}

// NewOutputs returns an output store rooted at dir. The directory is created
// on first write.
func NewOutputs(dir string, opts ...OutputsOption) *Outputs {
	o := &Outputs{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Dir returns the outputs directory.
func (o *Outputs) Dir() string { return o.dir }

// Path returns the on-disk path of name.
func (o *Outputs) Path(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(o.dir, name), nil
}

// Create stores a new document named "<timestamp>_<profile stem>.json",
// stamping its generation time. It returns the file name and path.
func (o *Outputs) Create(doc *scenario.Output) (name, path string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return "", "", fmt.Errorf("store: create outputs dir: %w", err)
	}
	now := o.now()
	stem := strings.TrimSuffix(filepath.Base(doc.Metadata.ProfileFilename), filepath.Ext(doc.Metadata.ProfileFilename))
	if stem == "" || stem == "." {
		stem = "scenario"
	}
	name = now.Format(filenameLayout) + "_" + stem + ".json"
	path = filepath.Join(o.dir, name)

	if doc.Metadata.GeneratedAt == "" {
		doc.Metadata.GeneratedAt = scenario.Stamp(now)
	}
	doc.Metadata.NumUtterances = len(doc.Scenario)
	if err := writeJSONAtomic(path, doc); err != nil {
		return "", "", fmt.Errorf("store: write %s: %w", name, err)
	}
	return name, path, nil
}

// Get loads document name.
func (o *Outputs) Get(name string) (*scenario.Output, error) {
	path, err := o.Path(name)
	if err != nil {
		return nil, err
	}
	var doc scenario.Output
	if err := readJSON(path, &doc); err != nil {
		return nil, fmt.Errorf("store: read %s: %w", name, err)
	}
	return &doc, nil
}

// List summarises every readable document, newest file name first. A
// missing directory yields an empty list; unreadable files are skipped.
func (o *Outputs) List() ([]scenario.OutputSummary, error) {
	matches, err := filepath.Glob(filepath.Join(o.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("store: list outputs: %w", err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))

	out := make([]scenario.OutputSummary, 0, len(matches))
	for _, m := range matches {
		var doc scenario.Output
		if err := readJSON(m, &doc); err != nil {
			slog.Debug("store: skipping unreadable output", "file", m, "err", err)
			continue
		}
		out = append(out, doc.Summary(filepath.Base(m)))
	}
	return out, nil
}

// Edit is one human override applied to a stored document.
type Edit struct {
	ID       uuid.UUID `json:"id"`
	Filename string    `json:"filename"`
	Position int       `json:"position"`
	Metric   string    `json:"metric"`
	Score    int       `json:"score"`
	Note     string    `json:"note"`

	// Previous is the human score the edit replaced, nil when there was none.
	Previous *int `json:"previous,omitempty"`

	// Machine is the machine score at the time of the edit, if any.
	Machine *int `json:"machine,omitempty"`

	EditedAt time.Time `json:"edited_at"`
}

// ApplyAnnotations merges ov into document name. Positions outside the
// scenario are skipped. Each override replaces the stored human annotation
// for its metric and is stamped with the edit time. The document's
// last_human_annotation is updated even when nothing applied. It returns
// the document path and the applied edits in position order.
func (o *Outputs) ApplyAnnotations(name string, ov annotation.Overlay) (string, []Edit, error) {
	path, err := o.Path(name)
	if err != nil {
		return "", nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	var doc scenario.Output
	if err := readJSON(path, &doc); err != nil {
		return "", nil, fmt.Errorf("store: read %s: %w", name, err)
	}

	now := o.now()
	stamp := scenario.Stamp(now)
	doc.Metadata.LastHumanAnnotation = stamp

	positions := make([]int, 0, len(ov))
	for pos := range ov {
		positions = append(positions, pos)
	}
	sort.Ints(positions)

	var edits []Edit
	for _, pos := range positions {
		if pos < 0 || pos >= len(doc.Scenario) {
			continue
		}
		u := &doc.Scenario[pos]
		if u.HumanAnnotations == nil {
			u.HumanAnnotations = make(map[string]scenario.HumanAnnotation, len(ov[pos]))
		}

		metrics := make([]string, 0, len(ov[pos]))
		for m := range ov[pos] {
			metrics = append(metrics, m)
		}
		sort.Strings(metrics)

		for _, m := range metrics {
			in := ov[pos][m]
			e := Edit{
				ID:       uuid.New(),
				Filename: name,
				Position: pos,
				Metric:   m,
				Score:    scenario.ClampScore(float64(in.Score)),
				Note:     in.Note,
				EditedAt: now,
			}
			if prev, ok := u.HumanAnnotations[m]; ok {
				e.Previous = &prev.Score
			}
			if s, ok := u.MachineScoreFor(m); ok {
				e.Machine = &s
			}
			u.HumanAnnotations[m] = scenario.HumanAnnotation{Score: e.Score, EditedAt: stamp, Note: in.Note}
			edits = append(edits, e)
		}
	}

	if err := writeJSONAtomic(path, &doc); err != nil {
		return "", nil, fmt.Errorf("store: write %s: %w", name, err)
	}
	return path, edits, nil
}

// IsNotFound reports whether err means a missing file or directory.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrNoDirectory)
}
