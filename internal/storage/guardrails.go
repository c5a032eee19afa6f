package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/valter-silva-au/ralph/pkg/models"
)

const (
	signPrefix        = "## Sign:"
	triggerPrefix     = "- **Trigger**:"
	instructionPrefix = "- **Instruction**:"
	addedAfterPrefix  = "- **Added after**:"
)

// GuardrailManager reads and appends the "signs" kept in
// .ralph/guardrails.md of a project.
type GuardrailManager interface {
	Load(projectPath string) ([]models.Guardrail, error)
	Add(projectPath string, g models.Guardrail) error
	FormatForPrompt(projectPath string) (string, error)
}

type fileGuardrailManager struct{}

// NewGuardrailManager creates a GuardrailManager backed by markdown files.
func NewGuardrailManager() GuardrailManager {
	return &fileGuardrailManager{}
}

func guardrailPath(projectPath string) string {
	return filepath.Join(WorkspaceDir(projectPath), GuardrailFileName)
}

// Load parses every complete sign in the guardrails file. A missing file
// yields no guardrails.
func (m *fileGuardrailManager) Load(projectPath string) ([]models.Guardrail, error) {
	data, err := os.ReadFile(guardrailPath(projectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading guardrails: %w", err)
	}
	return ParseGuardrails(string(data)), nil
}

// Add appends a sign to the guardrails file, creating it with its header when
// missing.
func (m *fileGuardrailManager) Add(projectPath string, g models.Guardrail) error {
	if strings.TrimSpace(g.Title) == "" {
		return fmt.Errorf("adding guardrail: title must not be empty")
	}
	path := guardrailPath(projectPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("adding guardrail: creating workspace: %w", err)
	}
	release, err := lockPath(path)
	if err != nil {
		return fmt.Errorf("adding guardrail: %w", err)
	}
	defer release()

	content := guardrailsHeader
	if data, err := os.ReadFile(path); err == nil {
		content = string(data)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("adding guardrail: reading %s: %w", path, err)
	}

	content += fmt.Sprintf("\n%s %s\n\n%s %s\n%s %s\n%s %s\n\n",
		signPrefix, oneLine(g.Title),
		triggerPrefix, oneLine(g.Trigger),
		instructionPrefix, oneLine(g.Instruction),
		addedAfterPrefix, oneLine(g.AddedAfter),
	)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("adding guardrail: writing %s: %w", path, err)
	}
	return nil
}

// FormatForPrompt renders the guardrails as a prompt section, or an empty
// string when there are none.
func (m *fileGuardrailManager) FormatForPrompt(projectPath string) (string, error) {
	guardrails, err := m.Load(projectPath)
	if err != nil {
		return "", err
	}
	return FormatGuardrails(guardrails), nil
}

// FormatGuardrails renders guardrails for the iteration prompt.
func FormatGuardrails(guardrails []models.Guardrail) string {
	if len(guardrails) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("# Guardrails (Signs to Follow)\n\n")
	b.WriteString("The following guardrails were learned from previous iterations. Please follow them:\n\n")
	for _, g := range guardrails {
		fmt.Fprintf(&b, "## %s\n- **When**: %s\n- **Do**: %s\n- **Context**: %s\n\n", g.Title, g.Trigger, g.Instruction, g.AddedAfter)
	}
	return b.String()
}

// ParseGuardrails extracts signs from guardrails markdown. A sign is kept only
// when all of its fields are present; IDs are assigned by position among the
// kept signs.
func ParseGuardrails(content string) []models.Guardrail {
	const (
		hasTrigger = 1 << iota
		hasInstruction
		hasAddedAfter
		complete = hasTrigger | hasInstruction | hasAddedAfter
	)

	var (
		out     []models.Guardrail
		current *models.Guardrail
		seen    int
	)
	flush := func() {
		if current != nil && seen == complete {
			current.ID = fmt.Sprintf("G-%03d", len(out)+1)
			out = append(out, *current)
		}
		current, seen = nil, 0
	}

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, signPrefix):
			flush()
			current = &models.Guardrail{Title: strings.TrimSpace(strings.TrimPrefix(line, signPrefix))}
		case current == nil:
		case strings.HasPrefix(line, triggerPrefix):
			current.Trigger = strings.TrimSpace(strings.TrimPrefix(line, triggerPrefix))
			seen |= hasTrigger
		case strings.HasPrefix(line, instructionPrefix):
			current.Instruction = strings.TrimSpace(strings.TrimPrefix(line, instructionPrefix))
			seen |= hasInstruction
		case strings.HasPrefix(line, addedAfterPrefix):
			current.AddedAfter = strings.TrimSpace(strings.TrimPrefix(line, addedAfterPrefix))
			seen |= hasAddedAfter
		}
	}
	flush()
	return out
}

// oneLine collapses line breaks so a field cannot start a new markdown line.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
