package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sakihiromi/well-scenario/internal/observe"
	"github.com/sakihiromi/well-scenario/internal/overlay"
	"github.com/sakihiromi/well-scenario/internal/overlay/chartrender"
	"github.com/sakihiromi/well-scenario/internal/scenario"
	"github.com/sakihiromi/well-scenario/internal/store"
	"github.com/sakihiromi/well-scenario/pkg/annotation"
)

const msgFileNotFound = "ファイルが見つかりません"

func (s *Server) listOutputs(w http.ResponseWriter, r *http.Request) {
	list, err := s.outputs.List()
	if err != nil {
		s.logger(r.Context()).Error("api: list outputs", "err", err)
		writeError(w, http.StatusInternalServerError, "出力一覧の取得に失敗しました: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outputs": list})
}

// loadOutput reads the document named by the request path and writes the
// error reply itself when that fails.
func (s *Server) loadOutput(w http.ResponseWriter, r *http.Request) (string, *scenario.Output, bool) {
	name := r.PathValue("filename")
	doc, err := s.outputs.Get(name)
	switch {
	case errors.Is(err, store.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "不正なファイル名です")
		return name, nil, false
	case store.IsNotFound(err):
		writeError(w, http.StatusNotFound, msgFileNotFound)
		return name, nil, false
	case err != nil:
		s.logger(r.Context()).Error("api: read output", "file", name, "err", err)
		writeError(w, http.StatusInternalServerError, "ファイルの読み込みに失敗しました: "+err.Error())
		return name, nil, false
	}
	return name, doc, true
}

func (s *Server) getOutput(w http.ResponseWriter, r *http.Request) {
	if _, doc, ok := s.loadOutput(w, r); ok {
		writeJSON(w, http.StatusOK, doc)
	}
}

func (s *Server) downloadOutput(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	path, err := s.outputs.Path(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, "不正なファイル名です")
		return
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusNotFound, msgFileNotFound)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ファイルの読み込みに失敗しました: "+err.Error())
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ファイルの読み込みに失敗しました: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	setAttachment(w, name)
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// setAttachment marks the reply as a download named filename.
func setAttachment(w http.ResponseWriter, filename string) {
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
}

type saveRequest struct {
	Annotations annotation.Overlay `json:"annotations"`
}

type saveResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	SavedTo string `json:"saved_to"`
}

func (s *Server) saveAnnotations(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	name := r.PathValue("filename")
	ctx, _, end := observe.StartOperation(r.Context(), "annotation.save", observe.AttrFile.String(name))
	ctx = observe.WithLogAttrs(ctx, slog.String("file", name))
	log := s.logger(ctx)

	outcome := "error"
	var failure error
	defer func() {
		s.metrics.RecordSave(ctx, outcome, time.Since(start))
		end(failure)
	}()

	path, err := s.outputs.Path(name)
	if err != nil {
		outcome = "rejected"
		writeError(w, http.StatusBadRequest, "不正なファイル名です")
		return
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		outcome = "rejected"
		writeError(w, http.StatusNotFound, msgFileNotFound)
		return
	}

	var req saveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		outcome = "rejected"
		writeError(w, http.StatusBadRequest, "アノテーションの形式が正しくありません: "+err.Error())
		return
	}

	savedTo, edits, err := s.outputs.ApplyAnnotations(name, req.Annotations)
	if err != nil {
		failure = err
		log.Error("api: save annotations", "err", err)
		writeError(w, http.StatusInternalServerError, "保存に失敗しました: "+err.Error())
		return
	}
	for _, e := range edits {
		s.metrics.RecordHumanEdit(ctx, e.Metric, "store")
	}
	if s.history != nil && len(edits) > 0 {
		if err := s.history.Record(ctx, edits); err != nil {
			log.Warn("api: record annotation history", "edits", len(edits), "err", err)
		}
	}

	outcome = "ok"
	log.Info("api: annotations saved", "edits", len(edits))
	writeJSON(w, http.StatusOK, saveResponse{
		Success: true,
		Message: "人手アノテーションを保存しました",
		SavedTo: savedTo,
	})
}

func (s *Server) annotationHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "編集履歴の保存先が設定されていません")
		return
	}
	name := r.PathValue("filename")
	if err := store.ValidateName(name); err != nil {
		writeError(w, http.StatusBadRequest, "不正なファイル名です")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit は 0 以上の整数で指定してください")
			return
		}
		limit = n
	}

	edits, err := s.history.List(r.Context(), name, limit)
	if err != nil {
		s.logger(r.Context()).Error("api: list annotation history", "file", name, "err", err)
		writeError(w, http.StatusInternalServerError, "編集履歴の取得に失敗しました: "+err.Error())
		return
	}
	if edits == nil {
		edits = []store.Edit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"filename": name, "history": edits})
}

func (s *Server) downloadCSV(w http.ResponseWriter, r *http.Request) {
	name, doc, ok := s.loadOutput(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := store.WriteCSV(&buf, doc); err != nil {
		writeError(w, http.StatusInternalServerError, "CSVの作成に失敗しました: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	setAttachment(w, strings.TrimSuffix(name, filepath.Ext(name))+".csv")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// renderChart draws one metric chart of a stored scenario through the same
// overlay session the interactive editor uses, so saved human scores show up
// exactly as they would on screen.
func (s *Server) renderChart(w http.ResponseWriter, r *http.Request) {
	metric, ok := scenario.LookupMetric(r.PathValue("metric"))
	if !ok {
		writeError(w, http.StatusBadRequest, "不明な指標です: "+r.PathValue("metric"))
		return
	}
	format, err := chartrender.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "format は png または svg で指定してください")
		return
	}
	name, doc, ok := s.loadOutput(w, r)
	if !ok {
		return
	}
	ctx, _, end := observe.StartOperation(r.Context(), "chart.render",
		observe.AttrFile.String(name),
		observe.AttrMetric.String(metric.ID),
	)
	defer func() { end(err) }()

	board := chartrender.NewBoard(chartrender.WithFont(s.chartFont))
	session := overlay.New(board, nil, overlay.WithLogger(s.logger(ctx)))
	session.Initialize(doc.Scenario, name)
	defer session.Teardown()

	c, ok := board.Chart(metric)
	if !ok {
		err = overlay.ErrMissingSurface
		writeError(w, http.StatusInternalServerError, "グラフの作成に失敗しました")
		return
	}
	var buf bytes.Buffer
	if err = c.Render(&buf, format); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, chartrender.ErrNoData) {
			status = http.StatusNotFound
		}
		writeError(w, status, "グラフの作成に失敗しました: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) agreement(w http.ResponseWriter, r *http.Request) {
	if _, doc, ok := s.loadOutput(w, r); ok {
		writeJSON(w, http.StatusOK, scenario.ComputeAgreement(doc.Scenario))
	}
}
