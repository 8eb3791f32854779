package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sakihiromi/well-scenario/internal/observe"
	"github.com/sakihiromi/well-scenario/internal/overlay"
	"github.com/sakihiromi/well-scenario/internal/overlay/chartrender"
	"github.com/sakihiromi/well-scenario/internal/scenario"
	"github.com/sakihiromi/well-scenario/pkg/annotation"
)

type annotateOptions struct {
	sets      []string
	drag      bool
	keepNotes bool
	dryRun    bool
	chartDir  string
	image     string
}

func newAnnotateCmd(o *rootOptions) *cobra.Command {
	a := &annotateOptions{}
	cmd := &cobra.Command{
		Use:   "annotate <filename>",
		Short: "Override machine scores of a stored scenario",
		Long: `Open an annotation session on a stored scenario, apply human scores and
save the whole overlay back to the server.

Each --set takes POS:METRIC=SCORE[:NOTE]. POS is the 1-based utterance
number shown on the charts (#1, #2, ...), METRIC is a metric ID or display
name and SCORE an integer from 0 to 9. Without --set the current overrides
are printed and nothing is saved.

Examples:
  wsctl annotate scenario_20250101_120000.json --set 3:intimidation=7
  wsctl annotate scenario_20250101_120000.json --set 5:偏り度=2:根拠が薄い --dry-run
  wsctl annotate scenario_20250101_120000.json --set 1:bias=4 --drag --charts ./charts`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnnotate(cmd, o, a, args[0])
		},
	}
	f := cmd.Flags()
	f.StringArrayVar(&a.sets, "set", nil, "override POS:METRIC=SCORE[:NOTE] (repeatable)")
	f.BoolVar(&a.drag, "drag", false, "apply scores as chart drags instead of direct commits")
	f.BoolVar(&a.keepNotes, "keep-notes", false, "keep the note of a replaced override when no note is given")
	f.BoolVar(&a.dryRun, "dry-run", false, "apply and print the overrides without saving")
	f.StringVar(&a.chartDir, "charts", "", "write the edited charts to this directory")
	f.StringVar(&a.image, "image", "png", "chart image format: png or svg")
	return cmd
}

func runAnnotate(cmd *cobra.Command, o *rootOptions, a *annotateOptions, filename string) error {
	edits, err := parseEdits(a.sets)
	if err != nil {
		return err
	}
	format, err := chartrender.ParseFormat(a.image)
	if err != nil {
		return err
	}
	c, err := o.client()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	doc, err := c.GetOutput(ctx, filename)
	if err != nil {
		return describe(err)
	}

	log := o.logger(cmd)
	board := chartrender.NewBoard()
	opts := []overlay.Option{
		overlay.WithNotifier(noticePrinter{w: cmd.ErrOrStderr()}),
		overlay.WithSaveControl(controlLog{log: log}),
		overlay.WithMetrics(observe.NewEditRecorder(ctx, observe.DefaultMetrics())),
		overlay.WithLogger(log),
	}
	if a.keepNotes {
		opts = append(opts, overlay.WithNotePreservation())
	}
	m := overlay.New(board, c, opts...)
	m.Initialize(doc.Scenario, filename)
	defer m.Teardown()

	for _, e := range edits {
		if err := applyEdit(board, m, e, a.drag); err != nil {
			return fmt.Errorf("%s: %w", e.raw, err)
		}
	}

	if err := writeOverrides(cmd.OutOrStdout(), m.Scenario(), m.Overlay()); err != nil {
		return err
	}
	if a.chartDir != "" {
		if err := renderCharts(log, a.chartDir, filename, format, m.Scenario(), m.Overlay()); err != nil {
			return err
		}
	}

	switch {
	case len(edits) == 0:
		return nil
	case a.dryRun:
		fmt.Fprintln(cmd.ErrOrStderr(), "dry run: overrides not saved")
		return nil
	}
	return m.Save(ctx)
}

// edit is one parsed --set value.
type edit struct {
	raw      string
	position int // 1-based
	metric   scenario.Metric
	score    int
	note     *string
}

func parseEdits(sets []string) ([]edit, error) {
	out := make([]edit, 0, len(sets))
	for _, s := range sets {
		e, err := parseEdit(s)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// parseEdit parses POS:METRIC=SCORE[:NOTE]. The note may itself contain
// colons.
func parseEdit(s string) (edit, error) {
	e := edit{raw: s}
	pos, rest, ok := strings.Cut(s, ":")
	if !ok {
		return e, fmt.Errorf("invalid edit %q: want POS:METRIC=SCORE[:NOTE]", s)
	}
	name, value, ok := strings.Cut(rest, "=")
	if !ok {
		return e, fmt.Errorf("invalid edit %q: missing =SCORE", s)
	}

	p, err := strconv.Atoi(strings.TrimSpace(pos))
	if err != nil || p < 1 {
		return e, fmt.Errorf("invalid edit %q: position must be a positive integer", s)
	}
	e.position = p

	m, ok := scenario.LookupMetric(strings.TrimSpace(name))
	if !ok {
		return e, fmt.Errorf("invalid edit %q: unknown metric %q", s, name)
	}
	e.metric = m

	score, note, hasNote := strings.Cut(value, ":")
	v, err := strconv.Atoi(strings.TrimSpace(score))
	if err != nil || !scenario.ValidScore(v) {
		return e, fmt.Errorf("invalid edit %q: score must be an integer in [%d,%d]",
			s, scenario.MinScore, scenario.MaxScore)
	}
	e.score = v
	if hasNote {
		e.note = &note
	}
	return e, nil
}

// applyEdit commits e directly, or as a drag on the metric's human series.
// A note always needs a direct commit since a drag carries none.
func applyEdit(board *chartrender.Board, m *overlay.Manager, e edit, drag bool) error {
	idx := e.position - 1
	switch {
	case e.note != nil:
		return m.CommitNote(idx, e.metric, e.score, *e.note)
	case !drag:
		return m.Commit(idx, e.metric, e.score)
	}

	ch, ok := board.Chart(e.metric)
	if !ok {
		return fmt.Errorf("no chart mounted for %s", e.metric.ID)
	}
	if idx >= len(m.Scenario()) {
		return fmt.Errorf("%w: %d", overlay.ErrInvalidPosition, e.position)
	}
	started, err := ch.Drag(overlay.HumanDataset, idx, float64(e.score))
	if err != nil {
		return err
	}
	if !started {
		return errors.New("drag refused")
	}
	return nil
}

// writeOverrides prints one row per override, in utterance then metric order.
func writeOverrides(w io.Writer, utts []scenario.Utterance, ov annotation.Overlay) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "POS\tSPEAKER\tMETRIC\tHUMAN\tMACHINE\tNOTE")
	for _, pos := range slices.Sorted(maps.Keys(ov)) {
		var u scenario.Utterance
		if pos < len(utts) {
			u = utts[pos]
		}
		for _, m := range scenario.Metrics {
			o, ok := ov.Get(pos, m.Name)
			if !ok {
				continue
			}
			machine := "-"
			if s, ok := u.MachineScoreFor(m.Name); ok {
				machine = strconv.Itoa(s)
			}
			fmt.Fprintf(tw, "#%d\t%s\t%s\t%d\t%s\t%s\n",
				pos+1, u.Speaker, m.Name, o.Score, machine, trimPreview(o.Note, 40))
		}
	}
	return tw.Flush()
}

// renderCharts draws every metric with the session's overrides applied. The
// charts are mounted on a fresh board seeded from the merged scenario, since
// committed scores are not pushed into charts that are already mounted.
func renderCharts(log *slog.Logger, dir, filename string, format chartrender.Format, utts []scenario.Utterance, ov annotation.Overlay) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	board := chartrender.NewBoard()
	preview := overlay.New(board, nil, overlay.WithLogger(log))
	preview.Initialize(withOverrides(utts, ov), filename)
	defer preview.Teardown()

	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	for _, m := range scenario.Metrics {
		ch, ok := board.Chart(m)
		if !ok {
			continue
		}
		path := filepath.Join(dir, stem+"_"+m.ID+"."+string(format))
		if err := writeChart(ch, path, format); err != nil {
			if errors.Is(err, chartrender.ErrNoData) {
				log.Info("chart skipped, no scores", "metric", m.ID)
				continue
			}
			return err
		}
		log.Info("chart written", "metric", m.ID, "path", path)
	}
	return nil
}

func writeChart(ch *chartrender.Chart, path string, format chartrender.Format) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := ch.Render(f, format); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// withOverrides returns a copy of utts whose human annotations are exactly ov.
func withOverrides(utts []scenario.Utterance, ov annotation.Overlay) []scenario.Utterance {
	out := make([]scenario.Utterance, len(utts))
	for i, u := range utts {
		u.HumanAnnotations = nil
		for name, o := range ov[i] {
			if u.HumanAnnotations == nil {
				u.HumanAnnotations = make(map[string]scenario.HumanAnnotation)
			}
			u.HumanAnnotations[name] = scenario.HumanAnnotation{Score: o.Score, Note: o.Note}
		}
		out[i] = u
	}
	return out
}

// noticePrinter shows overlay notices on the terminal.
type noticePrinter struct{ w io.Writer }

func (p noticePrinter) Notify(n overlay.Notice) {
	prefix := "ok"
	if n.Kind == overlay.NoticeError {
		prefix = "error"
	}
	fmt.Fprintf(p.w, "%s: %s\n", prefix, n.Message)
}

// controlLog traces the save affordance state.
type controlLog struct{ log *slog.Logger }

func (c controlLog) SetEnabled(enabled bool) { c.log.Debug("save control", "enabled", enabled) }
func (c controlLog) SetCaption(caption string) { c.log.Debug("save control", "caption", caption) }
