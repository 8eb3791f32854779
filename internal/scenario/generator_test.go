package scenario

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sakihiromi/well-scenario/pkg/provider/llm"
	"github.com/sakihiromi/well-scenario/pkg/provider/llm/mock"
)

func ptr(f float64) *float64 { return &f }

func testParticipants() []Participant {
	return []Participant{
		{
			ID:           "前田課長",
			Profile:      &ParticipantProfile{Role: "課長", Stance: "結論を急ぐ", Motivation: ptr(0.9)},
			Instructions: "高圧的に部下を詰める",
		},
		{ID: "田中"},
	}
}

func TestGenerator_Generate(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: `{"scenario":[{"speaker":"前田課長","text":"結論は？"},{"speaker":"田中","text":"はい"}]}`,
	}}
	g := NewGenerator(p)

	got, err := g.Generate(context.Background(), GenerateRequest{
		Purpose:      "評価結果の報告",
		Format:       "進捗報告会議",
		Participants: testParticipants(),
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(got) != 2 || got[0].Speaker != "前田課長" {
		t.Fatalf("utterances = %+v", got)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 Complete call, got %d", len(calls))
	}
	req := calls[0].Req
	if !req.JSONMode {
		t.Error("expected JSON mode")
	}
	if req.Temperature != 0.8 {
		t.Errorf("temperature = %v, want 0.8", req.Temperature)
	}
	prompt := req.Messages[0].Content
	for _, want := range []string{"評価結果の報告", "進捗報告会議", "約20個", "◆ キャラクター: 前田課長", "役職設定: 課長", "積極性パラメータ: 0.9", "発言頻度パラメータ: 0.5", "直接的なコミュニケーションスタイル"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(prompt, "高圧的") {
		t.Error("sanitized prompt still contains harsh wording")
	}
}

func TestGenerator_SanitizeOff(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `[]`}}
	g := NewGenerator(p, WithSanitize(false), WithGenerationTemperature(1.1))
	if _, err := g.Generate(context.Background(), GenerateRequest{Participants: testParticipants(), NumUtterances: 8}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	req := p.Calls()[0].Req
	if !strings.Contains(req.Messages[0].Content, "高圧的に部下を詰める") {
		t.Error("unsanitized instructions expected in prompt")
	}
	if !strings.Contains(req.Messages[0].Content, "約8個") {
		t.Error("requested utterance count missing from prompt")
	}
	if req.Temperature != 1.1 {
		t.Errorf("temperature = %v, want 1.1", req.Temperature)
	}
}

func TestGenerator_Errors(t *testing.T) {
	t.Parallel()

	backendErr := errors.New("rate limited")
	tests := []struct {
		name    string
		p       *mock.Provider
		wantErr error
	}{
		{"backend error", &mock.Provider{CompleteErr: backendErr}, backendErr},
		{"refusal", &mock.Provider{CompleteResponse: &llm.CompletionResponse{Refusal: "no"}}, ErrRefused},
		{"empty", &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "  "}}, ErrEmptyReply},
		{"nil response", &mock.Provider{}, ErrEmptyReply},
		{"truncated", &mock.Provider{CompleteResponse: &llm.CompletionResponse{
			Content:      `{"scenario":[{"speaker":"佐藤","text":"それでは`,
			FinishReason: "length",
		}}, ErrTruncated},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewGenerator(tc.p).Generate(context.Background(), GenerateRequest{})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestGenerator_FocusHints(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `[]`}}
	ratio := 0.3
	_, err := NewGenerator(p).Generate(context.Background(), GenerateRequest{
		FocusMetrics: []string{"bias", "偏り度", "unknown", "威圧度"},
		TargetRatio:  &ratio,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	prompt := p.Calls()[0].Req.Messages[0].Content
	if !strings.Contains(prompt, "5. 特に「偏り度」「威圧度」の観点") {
		t.Errorf("focus hint missing or not deduplicated:\n%s", prompt)
	}
	if !strings.Contains(prompt, "6. 問題のある発言が全体の約30%") {
		t.Errorf("ratio hint missing:\n%s", prompt)
	}
}

// suffixMatcher resolves names that start with a participant ID.
type suffixMatcher struct{}

func (suffixMatcher) Match(name string, ids []string) (string, float64, bool) {
	for _, id := range ids {
		if strings.HasPrefix(name, id) {
			return id, 1, true
		}
	}
	return name, 0, false
}

func TestGenerator_SpeakerMatcher(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: `[{"speaker":"田中さん","text":"はい"},{"speaker":"司会","text":"次へ"}]`,
	}}
	g := NewGenerator(p, WithSpeakerMatcher(suffixMatcher{}))
	got, err := g.Generate(context.Background(), GenerateRequest{Participants: testParticipants()})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got[0].Speaker != "田中" {
		t.Errorf("speaker = %q, want 田中", got[0].Speaker)
	}
	if got[1].Speaker != "司会" {
		t.Errorf("unmatched speaker rewritten to %q", got[1].Speaker)
	}
}
