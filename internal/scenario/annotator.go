package scenario

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/sakihiromi/well-scenario/pkg/provider/llm"
)

const (
	defaultAnnotationTemperature = 0.3
	defaultContextWindow         = 5
	defaultAnnotationConcurrency = 4
	meetingOpening               = "（会議の冒頭）"
)

const annotationSystemPrompt = "あなたは会議の質を評価する専門家です。与えられた指標定義に基づいて、発言を客観的に評価します。必ずJSON形式で出力してください。"

// AnnotatorOption configures an [Annotator].
type AnnotatorOption func(*Annotator)

// WithAnnotationTemperature overrides the sampling temperature. Default: 0.3.
func WithAnnotationTemperature(t float64) AnnotatorOption {
	return func(a *Annotator) { a.temperature = t }
}

// WithContextWindow sets how many preceding utterances are shown to the
// model as context. Default: 5.
func WithContextWindow(n int) AnnotatorOption {
	return func(a *Annotator) {
		if n >= 0 {
			a.contextWindow = n
		}
	}
}

// WithConcurrency bounds the number of utterances scored in parallel. Default: 4.
func WithConcurrency(n int) AnnotatorOption {
	return func(a *Annotator) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// WithAnnotatorLogger sets the logger used for skipped utterances.
func WithAnnotatorLogger(l *slog.Logger) AnnotatorOption {
	return func(a *Annotator) { a.log = l }
}

// Annotator scores utterances on every metric with an LLM. Each utterance is
// scored independently given the preceding dialogue, so requests run
// concurrently. Safe for concurrent use.
type Annotator struct {
	llm           llm.Provider
	defs          *Definitions
	temperature   float64
	contextWindow int
	concurrency   int
	log           *slog.Logger
}

// NewAnnotator returns an [Annotator] that embeds defs in every prompt.
func NewAnnotator(provider llm.Provider, defs *Definitions, opts ...AnnotatorOption) *Annotator {
	a := &Annotator{
		llm:           provider,
		defs:          defs,
		temperature:   defaultAnnotationTemperature,
		contextWindow: defaultContextWindow,
		concurrency:   defaultAnnotationConcurrency,
		log:           slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Meeting carries the meeting framing shown to the annotation model.
type Meeting struct {
	Purpose string
	Format  string
}

// Annotate returns a copy of utts with machine annotations attached.
// Utterances without a speaker or text are dropped. The first failing request
// cancels the rest and its error is returned.
func (a *Annotator) Annotate(ctx context.Context, m Meeting, utts []Utterance) ([]Utterance, error) {
	valid := make([]Utterance, 0, len(utts))
	for i, u := range utts {
		if u.Speaker == "" || u.Text == "" {
			a.log.Warn("skipping malformed utterance", "index", i)
			continue
		}
		valid = append(valid, Utterance{Speaker: u.Speaker, Text: u.Text})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i := range valid {
		g.Go(func() error {
			scores, err := a.annotateOne(gctx, m, valid[:i], valid[i])
			if err != nil {
				return fmt.Errorf("scenario: annotate utterance %d: %w", i, err)
			}
			valid[i].MachineAnnotations = scores
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return valid, nil
}

func (a *Annotator) annotateOne(ctx context.Context, m Meeting, history []Utterance, u Utterance) (map[string]MachineScore, error) {
	resp, err := a.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: annotationSystemPrompt,
		Messages:     []llm.Message{llm.UserMessage(a.buildPrompt(m, history, u))},
		Temperature:  a.temperature,
		JSONMode:     true,
	})
	if err != nil {
		return nil, err
	}
	if err := checkReply(resp); err != nil {
		return nil, err
	}
	return parseScores(resp.Content)
}

func (a *Annotator) contextLines(history []Utterance) string {
	if len(history) == 0 || a.contextWindow == 0 {
		return meetingOpening
	}
	start := max(0, len(history)-a.contextWindow)
	lines := make([]string, 0, len(history)-start)
	for _, h := range history[start:] {
		lines = append(lines, h.Speaker+": "+h.Text)
	}
	return strings.Join(lines, "\n")
}

func (a *Annotator) buildPrompt(m Meeting, history []Utterance, u Utterance) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "以下の会議における発言を、%d つの指標で評価してください。\n\n", len(Metrics))
	fmt.Fprintf(&sb, "【会議の目的】\n%s\n\n【会議の形式】\n%s\n\n", m.Purpose, m.Format)
	fmt.Fprintf(&sb, "【これまでの発言（直近%d件）】\n%s\n\n", a.contextWindow, a.contextLines(history))
	fmt.Fprintf(&sb, "【評価対象の発言】\n%s: %s\n\n", u.Speaker, u.Text)
	if defs := a.defs.Format(); defs != "" {
		fmt.Fprintf(&sb, "【評価指標の定義】\n%s\n", defs)
	}
	fmt.Fprintf(&sb, "【評価方法】\n各指標を%d-%dの10段階で採点してください（0-3: 良好、4-6: 普通、7-9: 問題あり）。\n", MinScore, MaxScore)
	sb.WriteString("各指標についてスコアと簡潔な理由を付けてください。\n\n【出力形式】\n{\n")
	for i, metric := range Metrics {
		fmt.Fprintf(&sb, `  "%s": {"score": 数値, "reason": "評価理由"}`, metric.Name)
		if i < len(Metrics)-1 {
			sb.WriteByte(',')
		}
		sb.WriteByte('\n')
	}
	sb.WriteString("}\n\nJSONのみを出力してください。")
	return sb.String()
}

// looseScore accepts a score encoded as a JSON number or a numeric string.
type looseScore float64

func (s *looseScore) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*s = 0
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("score %q is not numeric", b)
	}
	*s = looseScore(f)
	return nil
}

// parseScores decodes the model's per-metric reply. Scores are clamped into the
// valid domain and metrics outside the fixed set are ignored.
func parseScores(content string) (map[string]MachineScore, error) {
	var raw map[string]struct {
		Score  looseScore `json:"score"`
		Reason string     `json:"reason"`
	}
	if err := json.Unmarshal([]byte(stripMarkdown(content)), &raw); err != nil {
		return nil, fmt.Errorf("parse scores: %w (reply starts %q)", err, Preview(content, 200))
	}
	out := make(map[string]MachineScore, len(Metrics))
	for name, v := range raw {
		m, ok := LookupMetric(name)
		if !ok {
			continue
		}
		out[m.Name] = MachineScore{Score: ClampScore(float64(v.Score)), Reason: v.Reason}
	}
	return out, nil
}
