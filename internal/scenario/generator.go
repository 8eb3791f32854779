package scenario

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sakihiromi/well-scenario/pkg/provider/llm"
)

const (
	defaultGenerationTemperature = 0.8
	defaultNumUtterances         = 20
)

// ErrRefused is returned when the model declines to answer.
var ErrRefused = errors.New("scenario: model refused the request")

// ErrEmptyReply is returned when the model answers with no content.
var ErrEmptyReply = errors.New("scenario: empty model reply")

// ErrTruncated is returned when the reply hit the completion token limit.
// Its JSON is cut off mid-utterance.
var ErrTruncated = errors.New("scenario: model reply truncated")

const generationSystemPrompt = `あなたは会議コミュニケーション研究のための会議シナリオ生成の専門家です。
このシナリオは会議の質を評価・改善するための研究用データとして使われ、
威圧的な発言や話題の逸脱などの問題行動を検出する分析の学習に利用されます。
登場人物の設定に忠実で自然な会議の流れを作成し、必ずJSONで出力してください。`

// GenerateRequest describes the meeting to write a scenario for.
type GenerateRequest struct {
	Purpose       string
	Format        string
	Participants  []Participant
	NumUtterances int

	// FocusMetrics names metrics (ID or display name) the dialogue should
	// exercise more often. Unknown names are ignored.
	FocusMetrics []string

	// TargetRatio is the desired share of problematic utterances in (0, 1].
	TargetRatio *float64
}

// GeneratorOption configures a [Generator].
type GeneratorOption func(*Generator)

// WithGenerationTemperature overrides the sampling temperature. Default: 0.8.
func WithGenerationTemperature(t float64) GeneratorOption {
	return func(g *Generator) { g.temperature = t }
}

// WithSanitize toggles softening of participant instructions. Default: on.
func WithSanitize(on bool) GeneratorOption {
	return func(g *Generator) { g.sanitize = on }
}

// SpeakerMatcher resolves a speaker name written by the model to one of the
// participant IDs. When matched is false the name is kept.
type SpeakerMatcher interface {
	Match(name string, ids []string) (id string, confidence float64, matched bool)
}

// WithSpeakerMatcher rewrites generated speaker names onto participant IDs.
func WithSpeakerMatcher(m SpeakerMatcher) GeneratorOption {
	return func(g *Generator) { g.speakers = m }
}

// Generator writes meeting dialogue with an LLM. It is safe for concurrent use.
type Generator struct {
	llm         llm.Provider
	temperature float64
	sanitize    bool
	speakers    SpeakerMatcher
}

// NewGenerator returns a [Generator] backed by provider.
func NewGenerator(provider llm.Provider, opts ...GeneratorOption) *Generator {
	g := &Generator{
		llm:         provider,
		temperature: defaultGenerationTemperature,
		sanitize:    true,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Sanitizing reports whether participant instructions are softened.
func (g *Generator) Sanitizing() bool { return g.sanitize }

// Generate asks the model for a dialogue and returns the normalised utterances
// without annotations.
func (g *Generator) Generate(ctx context.Context, req GenerateRequest) ([]Utterance, error) {
	if req.NumUtterances <= 0 {
		req.NumUtterances = defaultNumUtterances
	}

	resp, err := g.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: generationSystemPrompt,
		Messages:     []llm.Message{llm.UserMessage(g.buildPrompt(req))},
		Temperature:  g.temperature,
		JSONMode:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("scenario: generate: %w", err)
	}
	if err := checkReply(resp); err != nil {
		return nil, err
	}
	utts, err := ParseUtterances(resp.Content)
	if err != nil {
		return nil, err
	}
	g.reconcileSpeakers(utts, req.Participants)
	return utts, nil
}

func (g *Generator) reconcileSpeakers(utts []Utterance, ps []Participant) {
	if g.speakers == nil || len(ps) == 0 {
		return
	}
	ids := make([]string, len(ps))
	for i, p := range ps {
		ids[i] = p.ID
	}
	for i := range utts {
		if id, _, ok := g.speakers.Match(utts[i].Speaker, ids); ok {
			utts[i].Speaker = id
		}
	}
}

func checkReply(resp *llm.CompletionResponse) error {
	if resp == nil {
		return ErrEmptyReply
	}
	if resp.Refusal != "" {
		return fmt.Errorf("%w: %s", ErrRefused, resp.Refusal)
	}
	if resp.Truncated() {
		return fmt.Errorf("%w after %d completion tokens", ErrTruncated, resp.Usage.CompletionTokens)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return ErrEmptyReply
	}
	return nil
}

func (g *Generator) buildPrompt(req GenerateRequest) string {
	var sb strings.Builder
	sb.WriteString("【研究用：会議コミュニケーション分析データセットの生成】\n\n")
	sb.WriteString("■ 会議設定\n")
	fmt.Fprintf(&sb, "- 目的: %s\n- 形式: %s\n\n", req.Purpose, req.Format)
	sb.WriteString("■ 登場人物の行動特性\n")
	sb.WriteString(g.formatParticipants(req.Participants))
	sb.WriteString("\n■ 生成要件\n")
	sb.WriteString("1. 各登場人物の行動特性に基づいて発言を生成する\n")
	names := make([]string, len(Metrics))
	for i, m := range Metrics {
		names[i] = m.Name
	}
	fmt.Fprintf(&sb, "2. 評価指標（%s）の測定に使えるよう、様々なコミュニケーションパターンを含める\n", strings.Join(names, "・"))
	fmt.Fprintf(&sb, "3. 約%d個の発言で構成する\n", req.NumUtterances)
	sb.WriteString("4. 自然な対話の流れを維持する\n")
	n := 5
	if focus := focusNames(req.FocusMetrics); len(focus) > 0 {
		fmt.Fprintf(&sb, "%d. 特に「%s」の観点で評価しやすい発言を多めに含める\n", n, strings.Join(focus, "」「"))
		n++
	}
	if r := req.TargetRatio; r != nil && *r > 0 && *r <= 1 {
		fmt.Fprintf(&sb, "%d. 問題のある発言が全体の約%d%%になるようにする\n", n, int(*r*100+0.5))
	}
	sb.WriteString("\n")
	sb.WriteString("■ 出力形式\n")
	sb.WriteString(`{"scenario": [{"speaker": "発言者名", "text": "発言内容"}, ...]}`)
	sb.WriteString("\n\nJSONのみを出力してください。")
	return sb.String()
}

func (g *Generator) formatParticipants(ps []Participant) string {
	blocks := make([]string, 0, len(ps))
	for _, p := range ps {
		var sb strings.Builder
		fmt.Fprintf(&sb, "◆ キャラクター: %s\n", p.ID)
		if p.Profile != nil {
			fmt.Fprintf(&sb, "  - 役職設定: %s\n", orUnknown(p.Profile.Role))
			fmt.Fprintf(&sb, "  - 行動方針: %s\n", orUnknown(p.Profile.Stance))
			fmt.Fprintf(&sb, "  - 積極性パラメータ: %s\n", formatParam(p.Profile.Motivation))
			fmt.Fprintf(&sb, "  - 発言頻度パラメータ: %s\n", formatParam(p.Profile.Talkativeness))
		}
		if p.Instructions != "" {
			instr := p.Instructions
			if g.sanitize {
				instr = Sanitize(instr)
			}
			fmt.Fprintf(&sb, "  - 行動パターン設定: %s\n", instr)
		}
		blocks = append(blocks, sb.String())
	}
	return strings.Join(blocks, "\n")
}

func focusNames(in []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range in {
		m, ok := LookupMetric(s)
		if !ok || seen[m.Name] {
			continue
		}
		seen[m.Name] = true
		out = append(out, m.Name)
	}
	return out
}

func orUnknown(s string) string {
	if s == "" {
		return "不明"
	}
	return s
}

func formatParam(v *float64) string {
	if v == nil {
		return "0.5"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
