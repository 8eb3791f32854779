package overlay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/sakihiromi/well-scenario/internal/client"
	"github.com/sakihiromi/well-scenario/internal/scenario"
	"github.com/sakihiromi/well-scenario/pkg/annotation"
)

// Sentinel errors. Save failures from the persister are wrapped in
// ErrApplication or ErrTransport.
var (
	ErrMissingFilename = errors.New("overlay: scenario has no stored filename")
	ErrNoChanges       = errors.New("overlay: no annotations to save")
	ErrSaveInFlight    = errors.New("overlay: save already in progress")
	ErrApplication     = errors.New("overlay: server rejected annotations")
	ErrTransport       = errors.New("overlay: annotations could not be delivered")
	ErrMissingSurface  = errors.New("overlay: chart surface missing")
	ErrInvalidPosition = errors.New("overlay: utterance position out of range")
	ErrUnknownMetric   = errors.New("overlay: unknown metric")
)

// User-facing texts.
const (
	captionSave  = "人手アノテーションを保存"
	captionDirty = captionSave + " *"

	msgMissingFilename = "エラー: ファイル名が不明です"
	msgNoChanges       = "変更がありません"
	msgSaved           = "人手アノテーションを保存しました"
	msgErrorPrefix     = "エラー: "
	msgFailedPrefix    = "保存に失敗しました: "

	humanLabel   = "人手評価"
	machineLabel = "機械評価"
)

const defaultSaveTimeout = 30 * time.Second

// Recorder receives overlay activity for metrics. Implementations must be
// safe for concurrent use.
type Recorder interface {
	RecordCommit(metric string)
	RecordSave(outcome string, d time.Duration)
}

// Save outcomes passed to [Recorder.RecordSave].
const (
	OutcomeSaved       = "saved"
	OutcomeApplication = "application_error"
	OutcomeTransport   = "transport_error"
)

// Option configures a [Manager].
type Option func(*Manager)

// WithNotifier sets the notice sink. Without one notices are only logged.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithSaveControl attaches the save affordance kept in sync with the dirty flag.
func WithSaveControl(c SaveControl) Option {
	return func(m *Manager) { m.control = c }
}

// WithSaveTimeout bounds each persister call. Non-positive values are ignored.
func WithSaveTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.saveTimeout = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithNotePreservation makes [Manager.Commit] keep the note of the override
// it replaces instead of clearing it.
func WithNotePreservation() Option {
	return func(m *Manager) { m.keepNotes = true }
}

// WithMetrics reports commits and saves to r.
func WithMetrics(r Recorder) Option {
	return func(m *Manager) { m.rec = r }
}

// Manager owns one editing session: the loaded scenario, its stored
// filename, the human overlay, the dirty flag and the mounted charts.
type Manager struct {
	display   Display
	persister Persister

	notifier    Notifier
	control     SaveControl
	saveTimeout time.Duration
	log         *slog.Logger
	keepNotes   bool
	rec         Recorder

	mu       sync.Mutex
	scenario []scenario.Utterance
	filename string
	overlay  annotation.Overlay
	dirty    bool
	saving   bool
	revision uint64
	charts   map[string]Chart
}

// New returns a Manager rendering on display and saving through persister.
func New(display Display, persister Persister, opts ...Option) *Manager {
	m := &Manager{
		display:     display,
		persister:   persister,
		saveTimeout: defaultSaveTimeout,
		log:         slog.Default(),
		overlay:     make(annotation.Overlay),
		charts:      make(map[string]Chart, len(scenario.Metrics)),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Initialize starts a session for utts. filename is the stored output the
// overlay is saved to; "" means the scenario is not stored. Pre-existing
// human annotations are seeded into the overlay, then one chart per metric
// is built. Charts of the previous session are destroyed first.
func (m *Manager) Initialize(utts []scenario.Utterance, filename string) {
	m.mu.Lock()
	m.teardownLocked()

	m.scenario = utts
	m.filename = filename
	m.overlay = make(annotation.Overlay)
	m.dirty = false
	m.revision++

	for pos, u := range utts {
		m.seedLocked(pos, u)
	}

	if m.display != nil {
		m.display.SetVisible(true)
	}
	for _, metric := range scenario.Metrics {
		m.buildChartLocked(metric)
	}
	m.syncControlLocked()
	n := len(m.charts)
	m.mu.Unlock()

	m.log.Debug("overlay: initialized",
		"filename", filename,
		"utterances", len(utts),
		"charts", n,
	)
}

// seedLocked copies u's stored human annotations for the known metrics into
// the overlay without replacing overrides already held in memory.
func (m *Manager) seedLocked(pos int, u scenario.Utterance) {
	for _, metric := range scenario.Metrics {
		m.seedMetricLocked(pos, u, metric)
	}
}

func (m *Manager) seedMetricLocked(pos int, u scenario.Utterance, metric scenario.Metric) {
	ha, ok := u.HumanAnnotations[metric.Name]
	if !ok {
		return
	}
	if _, held := m.overlay.Get(pos, metric.Name); held {
		return
	}
	m.overlay.Set(pos, metric.Name, annotation.Override{Score: ha.Score, Note: ha.Note})
}

// Series returns the merged machine/human series of metric, one point per
// utterance.
func (m *Manager) Series(metric scenario.Metric) []Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seriesLocked(metric)
}

func (m *Manager) seriesLocked(metric scenario.Metric) []Point {
	points := make([]Point, len(m.scenario))
	for pos, u := range m.scenario {
		m.seedMetricLocked(pos, u, metric)

		var machine, override *int
		if s, ok := u.MachineScoreFor(metric.Name); ok {
			machine = intPtr(s)
		}
		if ov, ok := m.overlay.Get(pos, metric.Name); ok {
			override = intPtr(ov.Score)
		}
		points[pos] = Point{Machine: machine, Human: ResolveScore(override, machine)}
	}
	return points
}

func (m *Manager) buildChartLocked(metric scenario.Metric) {
	if m.display == nil {
		return
	}
	surface, ok := m.display.Surface(metric.SurfaceID())
	if !ok {
		m.log.Error("overlay: build chart",
			"metric", metric.ID,
			"surface", metric.SurfaceID(),
			"err", ErrMissingSurface,
		)
		return
	}
	if old, ok := m.charts[metric.Name]; ok {
		old.Destroy()
		delete(m.charts, metric.Name)
	}

	spec := m.chartSpecLocked(metric)
	chart, err := surface.Mount(spec)
	if err != nil {
		m.log.Error("overlay: mount chart", "metric", metric.ID, "err", err)
		return
	}
	m.charts[metric.Name] = chart
}

func (m *Manager) chartSpecLocked(metric scenario.Metric) ChartSpec {
	points := m.seriesLocked(metric)
	labels := make([]string, len(points))
	human := make([]*int, len(points))
	machine := make([]*int, len(points))
	for i, p := range points {
		labels[i] = "#" + strconv.Itoa(i+1)
		human[i] = p.Human
		machine[i] = p.Machine
	}

	return ChartSpec{
		Metric: metric,
		Labels: labels,
		Datasets: [2]Dataset{
			HumanDataset:   {Label: humanLabel, Values: human, Draggable: true, Order: 1},
			MachineDataset: {Label: machineLabel, Values: machine, Order: 2},
		},
		YMin:  YMin,
		YMax:  YMax,
		YStep: YStep,
		Drag: DragHandlers{
			Start: func(dataset, _ int) bool {
				return dataset == HumanDataset
			},
			Move: func(_, _ int, value float64) float64 {
				return float64(scenario.ClampScore(value))
			},
			End: func(dataset, index int, value float64) {
				if dataset != HumanDataset {
					return
				}
				if err := m.Commit(index, metric, scenario.ClampScore(value)); err != nil {
					m.log.Warn("overlay: drag commit", "metric", metric.ID, "index", index, "err", err)
				}
			},
		},
		Tooltip: func(index int) Tooltip {
			return m.tooltip(metric, index)
		},
	}
}

// tooltip describes the current state at index, so it reflects commits made
// after the chart was mounted.
func (m *Manager) tooltip(metric scenario.Metric, index int) Tooltip {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := Tooltip{Title: "発言 #" + strconv.Itoa(index+1)}
	if index < 0 || index >= len(m.scenario) {
		return t
	}
	u := m.scenario[index]
	var machine, override *int
	if s, ok := u.MachineScoreFor(metric.Name); ok {
		machine = intPtr(s)
	}
	if ov, ok := m.overlay.Get(index, metric.Name); ok {
		override = intPtr(ov.Score)
	}
	t.Lines = []string{
		humanLabel + ": " + formatScore(ResolveScore(override, machine)),
		machineLabel + ": " + formatScore(machine),
	}
	t.Preview = scenario.Preview(u.Text, PreviewRunes)
	return t
}

func formatScore(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}

// Commit records a human score for (position, metric), clearing the note of
// any override it replaces unless the Manager preserves notes. score is
// clamped into the score domain. Charts are not rebuilt.
func (m *Manager) Commit(position int, metric scenario.Metric, score int) error {
	return m.commit(position, metric, score, nil)
}

// CommitNote records a human score together with an explicit note.
func (m *Manager) CommitNote(position int, metric scenario.Metric, score int, note string) error {
	return m.commit(position, metric, score, &note)
}

func (m *Manager) commit(position int, metric scenario.Metric, score int, note *string) error {
	known, ok := scenario.LookupMetric(metric.Name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMetric, metric.Name)
	}

	m.mu.Lock()
	if position < 0 || position >= len(m.scenario) {
		n := len(m.scenario)
		m.mu.Unlock()
		return fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidPosition, position, n)
	}

	ov := annotation.Override{Score: scenario.ClampScore(float64(score))}
	switch {
	case note != nil:
		ov.Note = *note
	case m.keepNotes:
		prev, _ := m.overlay.Get(position, known.Name)
		ov.Note = prev.Note
	}
	m.overlay.Set(position, known.Name, ov)
	m.dirty = true
	m.revision++
	m.syncControlLocked()
	m.mu.Unlock()

	if m.rec != nil {
		m.rec.RecordCommit(known.Name)
	}
	return nil
}

// Save submits the whole overlay for the current filename. Validation
// failures and save outcomes are also reported through the notifier. The
// save control is disabled while the persister runs and re-synced on every
// exit path.
func (m *Manager) Save(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.filename == "":
		m.mu.Unlock()
		m.notify(NoticeError, msgMissingFilename)
		return ErrMissingFilename
	case m.overlay.Len() == 0:
		m.mu.Unlock()
		m.notify(NoticeError, msgNoChanges)
		return ErrNoChanges
	case m.saving:
		m.mu.Unlock()
		return ErrSaveInFlight
	}
	m.saving = true
	filename := m.filename
	snapshot := m.overlay.Clone()
	rev := m.revision
	m.syncControlLocked()
	m.mu.Unlock()

	start := time.Now()
	err := m.persist(ctx, filename, snapshot)
	elapsed := time.Since(start)

	m.mu.Lock()
	m.saving = false
	if err == nil && m.revision == rev {
		m.dirty = false
	}
	m.syncControlLocked()
	m.mu.Unlock()

	if err == nil {
		m.record(OutcomeSaved, elapsed)
		m.log.Info("overlay: annotations saved",
			"filename", filename,
			"overrides", snapshot.Len(),
			"duration", elapsed,
		)
		m.notify(NoticeSuccess, msgSaved)
		return nil
	}

	var ae *client.ApplicationError
	if errors.As(err, &ae) {
		m.record(OutcomeApplication, elapsed)
		m.log.Warn("overlay: save rejected", "filename", filename, "err", err)
		m.notify(NoticeError, msgErrorPrefix+ae.Message)
		return fmt.Errorf("%w: %w", ErrApplication, err)
	}

	m.record(OutcomeTransport, elapsed)
	m.log.Error("overlay: save failed", "filename", filename, "err", err)
	m.notify(NoticeError, msgFailedPrefix+err.Error())
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// persist calls the persister under the save timeout. A panicking persister
// is reported as a transport failure so the session is never left saving.
func (m *Manager) persist(ctx context.Context, filename string, ov annotation.Overlay) (err error) {
	ctx, cancel := context.WithTimeout(ctx, m.saveTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("persister panic: %v", r)
		}
	}()
	if m.persister == nil {
		return errors.New("no persister configured")
	}
	return m.persister.SaveAnnotations(ctx, filename, ov)
}

// Teardown destroys every chart and hides the display. The scenario and the
// overlay are kept.
func (m *Manager) Teardown() {
	m.mu.Lock()
	m.teardownLocked()
	m.mu.Unlock()
}

func (m *Manager) teardownLocked() {
	for name, c := range m.charts {
		c.Destroy()
		delete(m.charts, name)
	}
	if m.display != nil {
		m.display.SetVisible(false)
	}
}

// Reset tears down the charts and discards the whole session.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.teardownLocked()
	m.scenario = nil
	m.filename = ""
	m.overlay = make(annotation.Overlay)
	m.dirty = false
	m.revision++
	m.syncControlLocked()
	m.mu.Unlock()
}

// Overlay returns a copy of the current overlay.
func (m *Manager) Overlay() annotation.Overlay {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlay.Clone()
}

// Override returns the override held at (position, metric).
func (m *Manager) Override(position int, metric scenario.Metric) (annotation.Override, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlay.Get(position, metric.Name)
}

// Dirty reports whether the overlay has edits not yet saved.
func (m *Manager) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// Filename returns the stored filename of the session, or "".
func (m *Manager) Filename() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filename
}

// Scenario returns the session's utterances. The slice must not be modified.
func (m *Manager) Scenario() []scenario.Utterance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scenario
}

// ChartCount returns the number of mounted charts.
func (m *Manager) ChartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.charts)
}

func (m *Manager) syncControlLocked() {
	if m.control == nil {
		return
	}
	m.control.SetEnabled(m.dirty && !m.saving)
	if m.dirty {
		m.control.SetCaption(captionDirty)
	} else {
		m.control.SetCaption(captionSave)
	}
}

func (m *Manager) notify(kind NoticeKind, msg string) {
	if m.notifier == nil {
		m.log.Info("overlay: notice", "message", msg)
		return
	}
	m.notifier.Notify(Notice{Kind: kind, Message: msg})
}

func (m *Manager) record(outcome string, d time.Duration) {
	if m.rec != nil {
		m.rec.RecordSave(outcome, d)
	}
}
