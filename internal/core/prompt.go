package core

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/valter-silva-au/ralph/pkg/models"
)

const iterationPromptTemplate = `# Ralph Iteration {{.Iteration}}

You are an autonomous coding agent working on the project "{{.Project}}".
{{- if .Branch}}
All work happens on the branch ` + "`{{.Branch}}`" + `.
{{- end}}
{{- if .Description}}

## Project

{{.Description}}
{{- end}}

## Current Story: {{.Story.ID}} - {{.Story.Title}}
{{- if .Story.Description}}

{{.Story.Description}}
{{- end}}
{{- if .Story.AcceptanceCriteria}}

### Acceptance Criteria
{{range .Story.AcceptanceCriteria}}
- {{.}}
{{- end}}
{{- end}}

## Rules

- Work on this story only. {{.Remaining}} stories remain unfinished in prd.json.
- Read .ralph/progress.md before starting to learn what earlier iterations did.
- Keep changes small and run the project's tests before you finish.
- Commit your work with a message that references {{.Story.ID}}.
- If the same command keeps failing or you keep rewriting the same file, stop and explain why.
`

var iterationPrompt = template.Must(template.New("iteration").Parse(iterationPromptTemplate))

type promptData struct {
	Iteration   int
	Project     string
	Branch      string
	Description string
	Story       models.Story
	Remaining   int
}

// BuildIterationPrompt renders the prompt for one iteration on story. A
// non-empty guardrails block is appended after a horizontal rule.
func BuildIterationPrompt(prd models.Prd, story models.Story, iteration int, guardrails string) (string, error) {
	data := promptData{
		Iteration:   iteration + 1,
		Project:     prd.Project,
		Branch:      prd.BranchName,
		Description: strings.TrimSpace(prd.Description),
		Story:       story,
		Remaining:   prd.Remaining(),
	}

	var buf bytes.Buffer
	if err := iterationPrompt.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering iteration prompt: %w", err)
	}

	prompt := buf.String()
	if guardrails = strings.TrimSpace(guardrails); guardrails != "" {
		prompt += "\n\n---\n\n" + guardrails + "\n"
	}
	return prompt, nil
}
