package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/valter-silva-au/ralph/pkg/models"
	"gopkg.in/yaml.v3"
)

// File names inside a project.
const (
	PrdFileName       = "prd.json"
	WorkspaceDirName  = ".ralph"
	ProgressFileName  = "progress.md"
	GuardrailFileName = "guardrails.md"
	ActivityFileName  = "activity.log"
)

const progressHeader = "# Ralph Progress Log\n\n"

const guardrailsHeader = "# Ralph Guardrails (Signs)\n\n"

// ProjectStore manages the on-disk artifacts Ralph keeps in a project: the
// prd.json file at the repository root and the .ralph/ workspace.
type ProjectStore interface {
	InitWorkspace(projectPath string) error
	LoadPrd(projectPath string) (*models.Prd, error)
	SavePrd(projectPath string, prd models.Prd) error
	AppendProgress(projectPath, line string) error
	ReadProgress(projectPath string) (string, error)
}

type fileProjectStore struct{}

// NewProjectStore creates a ProjectStore backed by the local filesystem.
func NewProjectStore() ProjectStore {
	return &fileProjectStore{}
}

// WorkspaceDir returns the .ralph directory of a project.
func WorkspaceDir(projectPath string) string {
	return filepath.Join(projectPath, WorkspaceDirName)
}

// InitWorkspace creates .ralph/ with its progress log, guardrails file and
// activity log. Existing files are left untouched.
func (s *fileProjectStore) InitWorkspace(projectPath string) error {
	dir := WorkspaceDir(projectPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("initializing workspace: creating %s: %w", dir, err)
	}

	files := []struct {
		name    string
		content string
	}{
		{ProgressFileName, progressHeader},
		{GuardrailFileName, guardrailsHeader},
		{ActivityFileName, ""},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(f.content), 0o644); err != nil {
			return fmt.Errorf("initializing workspace: writing %s: %w", f.name, err)
		}
	}
	return nil
}

// LoadPrd reads prd.json from the project root. It returns nil without an
// error when the file does not exist.
func (s *fileProjectStore) LoadPrd(projectPath string) (*models.Prd, error) {
	path := filepath.Join(projectPath, PrdFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading prd: reading %s: %w", path, err)
	}
	var prd models.Prd
	if err := json.Unmarshal(data, &prd); err != nil {
		return nil, fmt.Errorf("loading prd: parsing %s: %w", path, err)
	}
	return &prd, nil
}

// SavePrd rewrites prd.json wholesale as indented JSON, going through a temp
// file so readers never observe a half-written document.
func (s *fileProjectStore) SavePrd(projectPath string, prd models.Prd) error {
	data, err := json.MarshalIndent(prd, "", "  ")
	if err != nil {
		return fmt.Errorf("saving prd: marshaling JSON: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(projectPath, PrdFileName)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("saving prd: writing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("saving prd: renaming: %w", err)
	}
	return nil
}

// AppendProgress adds one line to .ralph/progress.md, creating the file with
// its header when missing.
func (s *fileProjectStore) AppendProgress(projectPath, line string) error {
	path := filepath.Join(WorkspaceDir(projectPath), ProgressFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("appending progress: creating workspace: %w", err)
	}
	release, err := lockPath(path)
	if err != nil {
		return fmt.Errorf("appending progress: %w", err)
	}
	defer release()

	_, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("appending progress: opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var b strings.Builder
	if os.IsNotExist(statErr) {
		b.WriteString(progressHeader)
	}
	b.WriteString(strings.TrimRight(line, "\n"))
	b.WriteString("\n")
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("appending progress: writing: %w", err)
	}
	return nil
}

// ReadProgress returns the content of .ralph/progress.md, or an empty string
// when it does not exist.
func (s *fileProjectStore) ReadProgress(projectPath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(WorkspaceDir(projectPath), ProgressFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading progress: %w", err)
	}
	return string(data), nil
}

// LoadPrdFile reads a PRD document from an arbitrary path. Files ending in
// .yaml or .yml are decoded as YAML, everything else as JSON.
func LoadPrdFile(path string) (*models.Prd, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading prd file %s: %w", path, err)
	}

	var prd models.Prd
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &prd); err != nil {
			return nil, fmt.Errorf("parsing prd file %s as YAML: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &prd); err != nil {
			return nil, fmt.Errorf("parsing prd file %s as JSON: %w", path, err)
		}
	}
	return &prd, nil
}
