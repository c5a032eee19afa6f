package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/valter-silva-au/ralph/internal/core"
)

// maxBodyBytes bounds request bodies; PRDs are small JSON documents.
const maxBodyBytes = 4 << 20

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeCoreError maps a core error kind onto an HTTP status.
func writeCoreError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case core.KindSessionNotFound:
		status = http.StatusNotFound
	case core.KindInvalidState:
		status = http.StatusConflict
	case core.KindParse:
		status = http.StatusBadRequest
	}
	resp := errorResponse{Error: err.Error()}
	if kind != 0 {
		resp.Kind = kind.String()
	}
	writeJSON(w, status, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return fmt.Errorf("empty body")
		}
		return err
	}
	return nil
}
