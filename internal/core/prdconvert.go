package core

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/valter-silva-au/ralph/pkg/models"
)

// ConvertMarkdown parses a PRD written in markdown into a Prd.
//
// The expected layout is a "# Project" title, an optional "## Problem
// Statement" or "## Description" section, and a "## User Stories" (or
// "## Stories") section containing "### ID: Title" story headers. Inside a
// story, "**As a**", "**I want**" and "**So that**" lines form the
// description, "**Acceptance Criteria:**" starts a bullet list and
// "**Priority:** N" overrides the default priority, which is the story's
// position. When branchName is empty the branch is derived from the project
// name as ralph/<project-name>.
func ConvertMarkdown(markdown, projectPath, branchName string) (models.Prd, error) {
	lines := strings.Split(strings.ReplaceAll(markdown, "\r\n", "\n"), "\n")

	project := filepath.Base(projectPath)
	if project == "." || project == string(filepath.Separator) || project == "" {
		project = "Project"
	}

	i := 0
	var description []string
header:
	for ; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "# "):
			project = strings.TrimSpace(strings.TrimPrefix(line, "# "))
		case strings.HasPrefix(line, "## Problem Statement"), strings.HasPrefix(line, "## Description"):
			for i++; i < len(lines) && !strings.HasPrefix(lines[i], "##"); i++ {
				if s := strings.TrimSpace(lines[i]); s != "" {
					description = append(description, s)
				}
			}
			break header
		case strings.HasPrefix(line, "## User Stories"), strings.HasPrefix(line, "## Stories"):
			break header
		}
	}

	for ; i < len(lines); i++ {
		if strings.HasPrefix(lines[i], "## User Stories") || strings.HasPrefix(lines[i], "## Stories") {
			i++
			break
		}
	}

	var (
		stories      []models.Story
		current      *models.Story
		inAcceptance bool
	)
	flush := func() {
		if current != nil {
			stories = append(stories, *current)
			current = nil
		}
	}

scan:
	for ; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		switch {
		case strings.HasPrefix(trimmed, "## "):
			// Next top-level section; the stories are over.
			break scan
		case strings.HasPrefix(trimmed, "### ") && strings.Contains(trimmed, ":"):
			flush()
			id, title, _ := strings.Cut(strings.TrimPrefix(trimmed, "### "), ":")
			current = &models.Story{
				ID:       strings.TrimSpace(id),
				Title:    strings.TrimSpace(title),
				Priority: len(stories) + 1,
			}
			inAcceptance = false
		case current == nil:
		case strings.HasPrefix(trimmed, "**As a**"), strings.HasPrefix(trimmed, "**I want**"), strings.HasPrefix(trimmed, "**So that**"):
			part := strings.ReplaceAll(trimmed, "**", "")
			if current.Description != "" {
				current.Description += " "
			}
			current.Description += part
		case strings.HasPrefix(trimmed, "**Acceptance Criteria:**"):
			inAcceptance = true
		case strings.HasPrefix(trimmed, "**Priority:**"):
			if p, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(trimmed, "**Priority:**"))); err == nil && p >= 0 {
				current.Priority = p
			}
			inAcceptance = false
		case inAcceptance && strings.HasPrefix(trimmed, "-"):
			criterion := trimmed
			for _, prefix := range []string{"- [ ]", "- [x]", "- [X]", "-"} {
				if strings.HasPrefix(criterion, prefix) {
					criterion = strings.TrimPrefix(criterion, prefix)
					break
				}
			}
			if criterion = strings.TrimSpace(criterion); criterion != "" {
				current.AcceptanceCriteria = append(current.AcceptanceCriteria, criterion)
			}
		case strings.HasPrefix(trimmed, "**"):
			inAcceptance = false
		}
	}
	flush()

	if len(stories) == 0 {
		return models.Prd{}, ParseError("no stories found in PRD markdown")
	}

	if branchName == "" {
		branchName = "ralph/" + strings.ReplaceAll(strings.ToLower(project), " ", "-")
	}
	return models.Prd{
		Project:     project,
		BranchName:  branchName,
		Description: strings.Join(description, " "),
		Stories:     stories,
	}, nil
}
