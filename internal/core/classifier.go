package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"

	"github.com/valter-silva-au/ralph/pkg/models"
)

// agentRecord is the wire shape of one stream-json line from the coding
// agent. Pointer fields distinguish "absent" from zero values.
type agentRecord struct {
	Type     string  `json:"type"`
	Path     *string `json:"path"`
	Lines    *uint64 `json:"lines"`
	Bytes    *uint64 `json:"bytes"`
	Command  *string `json:"command"`
	ExitCode *int64  `json:"exit_code"`
	Message  *string `json:"message"`
}

// ClassifyLine decodes one line of agent output into an ActivityKind.
//
// Lines that are not JSON objects, carry an unknown "type", or miss a field
// required by their type are dropped (ok == false). The upstream format is
// noisy and evolves, so dropping is not an error.
func ClassifyLine(line []byte) (models.ActivityKind, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return models.ActivityKind{}, false
	}

	var rec agentRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		// A mistyped field leaves that field nil and the rest decoded; the
		// required-field checks below decide whether the record survives.
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return models.ActivityKind{}, false
		}
	}
	return classifyRecord(rec)
}

func classifyRecord(rec agentRecord) (models.ActivityKind, bool) {
	switch rec.Type {
	case "read", "write":
		if rec.Path == nil || rec.Lines == nil || rec.Bytes == nil {
			return models.ActivityKind{}, false
		}
		lines, size := clampCount(*rec.Lines), clampCount(*rec.Bytes)
		if rec.Type == "read" {
			return models.ReadActivity(*rec.Path, lines, size), true
		}
		return models.WriteActivity(*rec.Path, lines, size), true
	case "shell":
		if rec.Command == nil || rec.ExitCode == nil {
			return models.ActivityKind{}, false
		}
		return models.ShellActivity(*rec.Command, int(*rec.ExitCode)), true
	case "error":
		if rec.Message == nil {
			return models.ActivityKind{}, false
		}
		return models.ErrorActivity(*rec.Message), true
	default:
		return models.ActivityKind{}, false
	}
}

// clampCount converts a wire count to int, saturating instead of wrapping.
func clampCount(n uint64) int {
	if n > math.MaxInt {
		return math.MaxInt
	}
	return int(n)
}
