package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"github.com/sakihiromi/well-scenario/internal/store"
)

func (s *Server) listProfiles(w http.ResponseWriter, r *http.Request) {
	list, err := s.profiles.List()
	if errors.Is(err, store.ErrNoDirectory) {
		writeError(w, http.StatusNotFound, "プロフィールディレクトリが見つかりません")
		return
	}
	if err != nil {
		s.logger(r.Context()).Error("api: list profiles", "err", err)
		writeError(w, http.StatusInternalServerError, "プロフィール一覧の取得に失敗しました: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": list})
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	participants, err := s.profiles.Get(r.PathValue("name"))
	switch {
	case errors.Is(err, store.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "不正なファイル名です")
		return
	case store.IsNotFound(err):
		writeError(w, http.StatusNotFound, "プロフィールファイルが見つかりません")
		return
	case err != nil:
		s.logger(r.Context()).Error("api: load profile", "name", r.PathValue("name"), "err", err)
		writeError(w, http.StatusInternalServerError, "プロフィールの読み込みに失敗しました: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profile": participants})
}

// metricDefinitions serves the definitions file as-is under "metrics". The
// file is re-read per request so edits show up without a restart.
func (s *Server) metricDefinitions(w http.ResponseWriter, r *http.Request) {
	raw, err := os.ReadFile(s.metricsFile)
	if err == nil && !json.Valid(raw) {
		err = errors.New("invalid JSON")
	}
	if err != nil {
		s.logger(r.Context()).Error("api: load metric definitions", "path", s.metricsFile, "err", err)
		writeError(w, http.StatusInternalServerError, "指標定義の読み込みに失敗しました: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]json.RawMessage{"metrics": raw})
}
