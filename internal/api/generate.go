package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sakihiromi/well-scenario/internal/observe"
	"github.com/sakihiromi/well-scenario/internal/scenario"
	"github.com/sakihiromi/well-scenario/internal/store"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

type generateRequest struct {
	MeetingPurpose  string   `json:"meeting_purpose"`
	MeetingFormat   string   `json:"meeting_format"`
	ProfileFilename string   `json:"profile_filename"`
	NumUtterances   int      `json:"num_utterances"`
	FocusMetrics    []string `json:"focus_metrics"`
	TargetRatio     *float64 `json:"target_ratio"`
}

type generateResponse struct {
	Success  bool                 `json:"success"`
	Scenario []scenario.Utterance `json:"scenario"`
	Metadata generatedMetadata    `json:"metadata"`
}

type generatedMetadata struct {
	MeetingPurpose  string `json:"meeting_purpose"`
	MeetingFormat   string `json:"meeting_format"`
	NumUtterances   int    `json:"num_utterances"`
	ProfileFilename string `json:"profile_filename"`
	SavedTo         string `json:"saved_to"`
}

// errEmptyScenario marks a generation that produced no usable utterance.
var errEmptyScenario = errors.New("api: empty scenario")

func (s *Server) generateScenario(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "リクエストの形式が正しくありません: "+err.Error())
		return
	}
	req.MeetingPurpose = strings.TrimSpace(req.MeetingPurpose)
	req.MeetingFormat = strings.TrimSpace(req.MeetingFormat)
	if req.MeetingPurpose == "" || req.MeetingFormat == "" {
		writeError(w, http.StatusBadRequest, "会議の目的と形式を入力してください")
		return
	}
	if req.ProfileFilename == "" {
		writeError(w, http.StatusBadRequest, "プロフィールファイルを選択してください")
		return
	}
	if req.NumUtterances <= 0 {
		req.NumUtterances = s.defaultUtterances
	}
	if req.TargetRatio != nil && (*req.TargetRatio <= 0 || *req.TargetRatio > 1) {
		writeError(w, http.StatusBadRequest, "target_ratio は 0 より大きく 1 以下で指定してください")
		return
	}

	participants, err := s.profiles.Get(req.ProfileFilename)
	switch {
	case errors.Is(err, store.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "不正なファイル名です")
		return
	case store.IsNotFound(err):
		writeError(w, http.StatusNotFound, "プロフィールファイルが見つかりません")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "エラーが発生しました: "+err.Error())
		return
	}

	p := s.pipeline.Load()
	if p == nil || p.Writer == nil || p.Annotator == nil {
		writeError(w, http.StatusServiceUnavailable, "シナリオ生成が設定されていません")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.genTimeout)
	defer cancel()

	s.metrics.ActiveGenerations.Add(ctx, 1)
	defer s.metrics.ActiveGenerations.Add(context.WithoutCancel(ctx), -1)

	start := time.Now()
	doc, name, path, err := s.runPipeline(ctx, p, req, participants)
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordGeneration(context.WithoutCancel(ctx), status, len(doc.Scenario), time.Since(start))

	log := s.logger(r.Context())
	if errors.Is(err, errEmptyScenario) {
		log.Warn("api: generation produced no utterances", "profile", req.ProfileFilename)
		writeError(w, http.StatusInternalServerError, "シナリオの生成に失敗しました")
		return
	}
	if err != nil {
		log.Error("api: generate scenario", "profile", req.ProfileFilename, "err", err)
		writeError(w, http.StatusInternalServerError, "エラーが発生しました: "+err.Error())
		return
	}
	log.Info("api: scenario generated",
		"file", name,
		"utterances", len(doc.Scenario),
		"duration", time.Since(start),
	)

	writeJSON(w, http.StatusOK, generateResponse{
		Success:  true,
		Scenario: doc.Scenario,
		Metadata: generatedMetadata{
			MeetingPurpose:  doc.Metadata.MeetingPurpose,
			MeetingFormat:   doc.Metadata.MeetingFormat,
			NumUtterances:   doc.Metadata.NumUtterances,
			ProfileFilename: doc.Metadata.ProfileFilename,
			SavedTo:         path,
		},
	})
}

// runPipeline writes, annotates and stores one scenario. The returned
// document is never nil.
func (s *Server) runPipeline(ctx context.Context, p *Pipeline, req generateRequest, participants []scenario.Participant) (doc *scenario.Output, name, path string, err error) {
	ctx, span, end := observe.StartOperation(ctx, "scenario.generate",
		observe.AttrProfile.String(req.ProfileFilename),
		observe.AttrCount.Int(req.NumUtterances),
	)
	defer func() { end(err) }()

	doc = &scenario.Output{
		Metadata: scenario.Metadata{
			MeetingPurpose:  req.MeetingPurpose,
			MeetingFormat:   req.MeetingFormat,
			ProfileFilename: req.ProfileFilename,
			ScenarioModel:   p.ScenarioModel,
			AnnotationModel: p.AnnotationModel,
			SanitizeMode:    p.Writer.Sanitizing(),
			FocusMetrics:    req.FocusMetrics,
			TargetRatio:     req.TargetRatio,
		},
	}

	utts, err := p.Writer.Generate(ctx, scenario.GenerateRequest{
		Purpose:       req.MeetingPurpose,
		Format:        req.MeetingFormat,
		Participants:  participants,
		NumUtterances: req.NumUtterances,
		FocusMetrics:  req.FocusMetrics,
		TargetRatio:   req.TargetRatio,
	})
	if err != nil {
		return doc, "", "", err
	}
	if len(utts) == 0 {
		return doc, "", "", errEmptyScenario
	}

	annotated, err := p.Annotator.Annotate(ctx, scenario.Meeting{
		Purpose: req.MeetingPurpose,
		Format:  req.MeetingFormat,
	}, utts)
	if err != nil {
		return doc, "", "", err
	}
	if len(annotated) == 0 {
		return doc, "", "", errEmptyScenario
	}
	doc.Scenario = annotated

	name, path, err = s.outputs.Create(doc)
	if err != nil {
		return doc, "", "", err
	}
	doc.Metadata.SavedTo = path
	span.SetAttributes(observe.AttrFile.String(name))
	return doc, name, path, nil
}
