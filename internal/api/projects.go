package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/valter-silva-au/ralph/internal/core"
	"github.com/valter-silva-au/ralph/internal/observability"
	"github.com/valter-silva-au/ralph/internal/storage"
	"github.com/valter-silva-au/ralph/pkg/models"
)

type projectHandler struct {
	guardrails storage.GuardrailManager
	metrics    observability.MetricsCalculator
}

type convertPrdRequest struct {
	Markdown    string `json:"markdown"`
	ProjectPath string `json:"project_path,omitempty"`
	BranchName  string `json:"branch_name,omitempty"`
}

func (h *projectHandler) convertPrd(w http.ResponseWriter, r *http.Request) {
	var req convertPrdRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	prd, err := core.ConvertMarkdown(req.Markdown, req.ProjectPath, req.BranchName)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prd)
}

func (h *projectHandler) listGuardrails(w http.ResponseWriter, r *http.Request) {
	if h.guardrails == nil {
		writeError(w, http.StatusServiceUnavailable, "guardrails not available")
		return
	}
	projectPath := r.URL.Query().Get("project_path")
	if projectPath == "" {
		writeError(w, http.StatusBadRequest, "project_path query parameter is required")
		return
	}
	guardrails, err := h.guardrails.Load(projectPath)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	if guardrails == nil {
		guardrails = []models.Guardrail{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"guardrails": guardrails, "count": len(guardrails)})
}

type addGuardrailRequest struct {
	ProjectPath string `json:"project_path"`
	models.Guardrail
}

func (h *projectHandler) addGuardrail(w http.ResponseWriter, r *http.Request) {
	if h.guardrails == nil {
		writeError(w, http.StatusServiceUnavailable, "guardrails not available")
		return
	}
	var req addGuardrailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.ProjectPath == "" || req.Title == "" || req.Trigger == "" || req.Instruction == "" {
		writeError(w, http.StatusBadRequest, "project_path, title, trigger and instruction are required")
		return
	}
	if err := h.guardrails.Add(req.ProjectPath, req.Guardrail); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req.Guardrail)
}

func (h *projectHandler) metricsSummary(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics not available")
		return
	}
	sinceStr := r.URL.Query().Get("since")
	if sinceStr == "" {
		sinceStr = "7d"
	}
	since, err := observability.ParseSince(sinceStr, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := h.metrics.Calculate(since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}
