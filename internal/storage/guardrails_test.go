package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/valter-silva-au/ralph/pkg/models"
)

func TestGuardrailManager_AddAndLoad(t *testing.T) {
	dir := t.TempDir()
	m := NewGuardrailManager()

	got, err := m.Load(dir)
	if err != nil || got != nil {
		t.Fatalf("Load without a file = %v, %v", got, err)
	}

	if err := m.Add(dir, models.Guardrail{
		Title:       "Run tests",
		Trigger:     "before\ncommitting",
		Instruction: "run go test ./...",
		AddedAfter:  "iteration 3",
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Add(dir, models.Guardrail{Title: "Check imports", Trigger: "t", Instruction: "i", AddedAfter: "a"}); err != nil {
		t.Fatal(err)
	}

	got, err = m.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("Load returned %d guardrails, want 2", len(got))
	}
	if got[0].ID != "G-001" || got[1].ID != "G-002" {
		t.Errorf("IDs = %s, %s", got[0].ID, got[1].ID)
	}
	if got[0].Trigger != "before committing" {
		t.Errorf("multi-line trigger stored as %q", got[0].Trigger)
	}

	data, _ := os.ReadFile(filepath.Join(dir, WorkspaceDirName, GuardrailFileName))
	if !strings.HasPrefix(string(data), "# Ralph Guardrails (Signs)\n") {
		t.Errorf("file lacks header:\n%s", data)
	}
}

func TestGuardrailManager_AddRejectsEmptyTitle(t *testing.T) {
	if err := NewGuardrailManager().Add(t.TempDir(), models.Guardrail{Title: "  "}); err == nil {
		t.Error("Add with an empty title should fail")
	}
}

func TestGuardrailManager_FormatForPrompt(t *testing.T) {
	dir := t.TempDir()
	m := NewGuardrailManager()

	empty, err := m.FormatForPrompt(dir)
	if err != nil || empty != "" {
		t.Fatalf("FormatForPrompt without guardrails = %q, %v", empty, err)
	}

	if err := m.Add(dir, models.Guardrail{Title: "Run tests", Trigger: "before commit", Instruction: "go test", AddedAfter: "iteration 2"}); err != nil {
		t.Fatal(err)
	}
	got, err := m.FormatForPrompt(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"# Guardrails (Signs to Follow)",
		"## Run tests\n- **When**: before commit\n- **Do**: go test\n- **Context**: iteration 2\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt section missing %q:\n%s", want, got)
		}
	}
}

func TestParseGuardrails_SkipsIncomplete(t *testing.T) {
	content := `# Ralph Guardrails (Signs)

- **Trigger**: stray line before any sign

## Sign: Partial
- **Trigger**: only a trigger

## Sign: Whole
- **Trigger**: t
- **Instruction**: i
- **Added after**: a
`
	got := ParseGuardrails(content)
	if len(got) != 1 {
		t.Fatalf("ParseGuardrails = %+v, want one sign", got)
	}
	if got[0].ID != "G-001" || got[0].Title != "Whole" {
		t.Errorf("kept sign = %+v", got[0])
	}
}

func TestGuardrailManager_ConcurrentAdd(t *testing.T) {
	dir := t.TempDir()
	m := NewGuardrailManager()

	const writers = 16
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			errs <- m.Add(dir, models.Guardrail{
				Title:       fmt.Sprintf("Sign %d", i),
				Trigger:     "t",
				Instruction: "i",
				AddedAfter:  "a",
			})
		}(i)
	}
	for i := 0; i < writers; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	got, err := m.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != writers {
		t.Errorf("Load returned %d guardrails after %d concurrent adds", len(got), writers)
	}
}
