package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/valter-silva-au/ralph/internal/core"
	"github.com/valter-silva-au/ralph/pkg/models"
)

// keepAliveInterval is how often an idle activity stream gets a comment line
// so proxies do not drop it.
const keepAliveInterval = 15 * time.Second

type sessionHandler struct {
	sessions core.SessionManager
	defaults func(projectPath string) (models.SessionConfig, error)
	logger   *slog.Logger
}

type sessionResponse struct {
	models.Session
	Health           models.ContextHealth `json:"health"`
	StoriesRemaining int                  `json:"stories_remaining"`
}

func toSessionResponse(s models.Session) sessionResponse {
	resp := sessionResponse{Session: s, Health: s.Health()}
	if s.Prd != nil {
		resp.StoriesRemaining = s.Prd.Remaining()
	}
	return resp
}

// createSessionRequest carries optional overrides on top of the project's
// configured defaults. A PRD given here is set right after creation.
type createSessionRequest struct {
	ProjectPath     string      `json:"project_path"`
	PrdModel        string      `json:"prd_model,omitempty"`
	ExecutionModel  string      `json:"execution_model,omitempty"`
	MaxIterations   int         `json:"max_iterations,omitempty"`
	WarnThreshold   int         `json:"warn_threshold,omitempty"`
	RotateThreshold int         `json:"rotate_threshold,omitempty"`
	BranchName      string      `json:"branch_name,omitempty"`
	OpenPR          *bool       `json:"open_pr,omitempty"`
	Prd             *models.Prd `json:"prd,omitempty"`
}

func (req createSessionRequest) apply(cfg models.SessionConfig) models.SessionConfig {
	if req.PrdModel != "" {
		cfg.PrdModel = req.PrdModel
	}
	if req.ExecutionModel != "" {
		cfg.ExecutionModel = req.ExecutionModel
	}
	if req.MaxIterations > 0 {
		cfg.MaxIterations = req.MaxIterations
	}
	if req.WarnThreshold > 0 {
		cfg.WarnThreshold = req.WarnThreshold
	}
	if req.RotateThreshold > 0 {
		cfg.RotateThreshold = req.RotateThreshold
	}
	if req.BranchName != "" {
		cfg.BranchName = req.BranchName
	}
	if req.OpenPR != nil {
		cfg.OpenPR = *req.OpenPR
	}
	return cfg
}

func (h *sessionHandler) list(w http.ResponseWriter, r *http.Request) {
	state := models.SessionState(r.URL.Query().Get("state"))
	sessions := h.sessions.List()
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		if state != "" && s.Status.State != state {
			continue
		}
		out = append(out, toSessionResponse(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out, "count": len(out)})
}

func (h *sessionHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.ProjectPath == "" {
		writeError(w, http.StatusBadRequest, "project_path is required")
		return
	}

	defaults, err := h.defaults(req.ProjectPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("loading project config: %v", err))
		return
	}
	cfg := req.apply(defaults)
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := h.sessions.Create(req.ProjectPath, cfg)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	if req.Prd != nil {
		session, err = h.sessions.SetPrd(session.ID, *req.Prd)
		if err != nil {
			writeCoreError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(session))
}

func (h *sessionHandler) get(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (h *sessionHandler) start(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.sessions.Start)
}

func (h *sessionHandler) pause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.sessions.Pause)
}

func (h *sessionHandler) stop(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.sessions.Stop)
}

func (h *sessionHandler) transition(w http.ResponseWriter, r *http.Request, op func(string) (models.Session, error)) {
	session, err := op(chi.URLParam(r, "id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (h *sessionHandler) setPrd(w http.ResponseWriter, r *http.Request) {
	var prd models.Prd
	if err := decodeJSON(w, r, &prd); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid PRD: %v", err))
		return
	}
	session, err := h.sessions.SetPrd(chi.URLParam(r, "id"), prd)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// activity streams the session's activity entries as Server-Sent Events until
// the client goes away or the session's stream is closed.
func (h *sessionHandler) activity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	entries, cancel, err := h.sessions.SubscribeActivity(id)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case entry, ok := <-entries:
			if !ok {
				return
			}
			data, err := json.Marshal(entry)
			if err != nil {
				h.logger.Warn("encoding activity entry", "session", id, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: activity\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
