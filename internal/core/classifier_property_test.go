package core

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/valter-silva-au/ralph/pkg/models"
	"pgregory.net/rapid"
)

func genActivityKind(t *rapid.T) models.ActivityKind {
	path := rapid.StringMatching(`[a-z]{1,8}(/[a-z]{1,8}){0,3}\.(go|md|rs)`).Draw(t, "path")
	lines := rapid.IntRange(0, 100000).Draw(t, "lines")
	size := rapid.IntRange(0, 1<<31-1).Draw(t, "bytes")
	switch rapid.IntRange(0, 3).Draw(t, "type") {
	case 0:
		return models.ReadActivity(path, lines, size)
	case 1:
		return models.WriteActivity(path, lines, size)
	case 2:
		cmd := rapid.StringMatching(`[a-z]{2,6}( [a-z./-]{1,10}){0,3}`).Draw(t, "command")
		return models.ShellActivity(cmd, rapid.IntRange(-128, 255).Draw(t, "exit"))
	default:
		return models.ErrorActivity(rapid.StringMatching(`[ -~]{0,40}`).Draw(t, "message"))
	}
}

// wireLine encodes a kind the way the agent writes it.
func wireLine(k models.ActivityKind) []byte {
	rec := map[string]any{"type": string(k.Type)}
	switch k.Type {
	case models.ActivityRead, models.ActivityWrite:
		rec["path"], rec["lines"], rec["bytes"] = k.Path, k.Lines, k.Bytes
	case models.ActivityShell:
		rec["command"], rec["exit_code"] = k.Command, k.ExitCode
	case models.ActivityError:
		rec["message"] = k.Message
	}
	data, _ := json.Marshal(rec)
	return data
}

// Every well-formed record classifies back to the activity it encodes.
func TestProperty_ClassifyLineDecodesWellFormedRecords(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		want := genActivityKind(rt)
		got, ok := ClassifyLine(wireLine(want))
		if !ok {
			rt.Fatalf("record %s was dropped", wireLine(want))
		}
		if !reflect.DeepEqual(got, want) {
			rt.Fatalf("got %+v, want %+v", got, want)
		}
	})
}

// Arbitrary input never panics and never yields a kind the agent cannot emit.
func TestProperty_ClassifyLineTotal(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		line := rapid.SliceOf(rapid.Byte()).Draw(rt, "line")
		kind, ok := ClassifyLine(line)
		if !ok {
			return
		}
		switch kind.Type {
		case models.ActivityRead, models.ActivityWrite, models.ActivityShell, models.ActivityError:
		default:
			rt.Fatalf("unexpected kind %q from %q", kind.Type, line)
		}
	})
}
