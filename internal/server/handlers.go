package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	_ "embed"

	"github.com/go-chi/chi/v5"

	"github.com/leapstack-labs/zima/internal/notebook"
	"github.com/leapstack-labs/zima/internal/store"
)

//go:embed static/index.html
var indexHTML []byte

//go:embed static/login.html
var loginHTML []byte

// Log tailing bounds: enough to diagnose, small enough to ship to a browser.
const (
	tailMaxLines    = 1000
	tailMaxLineLen  = 1000
	previewMaxChars = 500
)

// cellView is the JSON shape of one cell in the notebook view.
type cellView struct {
	ID                string     `json:"id"`
	Dialect           string     `json:"dialect"`
	Code              string     `json:"code"`
	Running           bool       `json:"running"`
	Fresh             bool       `json:"fresh"`
	PreambleFresh     bool       `json:"preamble_fresh"`
	CodeFresh         bool       `json:"code_fresh"`
	DepFresh          bool       `json:"dep_fresh"`
	LastRefresh       *time.Time `json:"last_refresh"`
	LastRefreshFailed bool       `json:"last_refresh_failed"`
	Vars              []varView  `json:"vars"`
}

// varView is the JSON shape of one owned variable.
type varView struct {
	Name    string `json:"name"`
	Hash    string `json:"hash"`
	Kind    string `json:"kind"`
	Preview string `json:"preview,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

// handleNotebook returns the full notebook view: every cell with its
// freshness, run status, and owned variables.
func (s *Server) handleNotebook(w http.ResponseWriter, _ *http.Request) {
	def := s.notebook.Def()

	cells := make([]cellView, 0, len(def.Order))
	for _, id := range def.Order {
		cell := def.Cell(id)
		st, err := s.notebook.GetCellState(id)
		if err != nil {
			// The definition may have changed between Def and GetCellState.
			continue
		}

		view := cellView{
			ID:                id,
			Dialect:           cell.Dialect,
			Code:              cell.Code,
			Running:           st.Running,
			Fresh:             st.Fresh(),
			PreambleFresh:     st.PreambleFresh,
			CodeFresh:         st.CodeFresh,
			DepFresh:          st.DepFresh,
			LastRefresh:       st.LastRefresh,
			LastRefreshFailed: st.LastRefreshFailed,
		}
		for name, hash := range st.VarHashes {
			view.Vars = append(view.Vars, s.varView(name, hash))
		}
		sortVars(view.Vars)
		cells = append(cells, view)
	}

	respondJSON(w, http.StatusOK, map[string]any{"cells": cells})
}

func (s *Server) varView(name, hash string) varView {
	v := varView{Name: name, Hash: hash}
	meta, err := s.notebook.Store().Meta(hash)
	if err != nil {
		v.Kind = "missing"
		return v
	}
	v.Kind = string(meta.Kind)
	if meta.Kind == store.KindBlob {
		preview, err := s.notebook.Store().Preview(hash)
		if err == nil {
			if len(preview) > previewMaxChars {
				preview = preview[:previewMaxChars] + "…"
			}
			v.Preview = preview
		}
	}
	return v
}

func sortVars(vars []varView) {
	sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })
}

// handleRun starts one cell execution. The call returns as soon as the
// worker is launched; progress is observed by polling the notebook view.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	_, err := s.notebook.Execute(id)
	switch {
	case errors.Is(err, notebook.ErrUnknownCell):
		respondJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, notebook.ErrAlreadyRunning):
		respondJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	}
}

// handleCode replaces one cell's code and rewrites the notebook file.
func (s *Server) handleCode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	err := s.notebook.ModifyCellCode(id, body.Code)
	var perr *notebook.ParseError
	switch {
	case errors.Is(err, notebook.ErrUnknownCell):
		respondJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &perr):
		respondJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case err != nil:
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// handleLog returns the tail of a cell's execution log. With ?pending=1 the
// in-flight log is served instead of the last completed one.
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	st, err := s.notebook.GetCellState(id)
	if errors.Is(err, notebook.ErrUnknownCell) {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	path := st.CurrentLog
	if r.URL.Query().Get("pending") == "1" {
		path = st.PendingLog
	}

	lines, err := tailFile(path)
	if os.IsNotExist(err) {
		respondJSON(w, http.StatusOK, map[string]any{"lines": []string{}})
		return
	}
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

// tailFile returns the last tailMaxLines lines of a log, each clipped to
// tailMaxLineLen characters.
func tailFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) > tailMaxLineLen {
			line = line[:tailMaxLineLen] + "…"
		}
		lines = append(lines, line)
		if len(lines) > tailMaxLines {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	return lines, nil
}
