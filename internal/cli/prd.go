package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/ralph/internal/core"
	"github.com/valter-silva-au/ralph/internal/storage"
	"github.com/valter-silva-au/ralph/pkg/models"
	"gopkg.in/yaml.v3"
)

var (
	prdConvertProject string
	prdConvertBranch  string
	prdConvertOut     string
	prdConvertYAML    bool
)

var prdCmd = &cobra.Command{
	Use:   "prd",
	Short: "PRD commands",
	Long:  "Commands for working with product requirement documents.",
}

var prdConvertCmd = &cobra.Command{
	Use:   "convert <markdown-file>",
	Short: "Convert a markdown PRD into prd.json",
	Long: `Parse a markdown PRD and write it as a JSON (or YAML) PRD.

The markdown needs a "# Project" title and a "## User Stories" section with
"### ID: Title" story headers. Acceptance criteria are read from the bullet
list after "**Acceptance Criteria:**" and "**Priority:** N" sets a story's
priority. Without --out the result is printed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading %s: %w", args[0], err)
		}

		projectPath := prdConvertProject
		if projectPath == "" {
			projectPath = filepath.Dir(args[0])
		}
		prd, err := core.ConvertMarkdown(string(data), projectPath, prdConvertBranch)
		if err != nil {
			return fmt.Errorf("converting %s: %w", args[0], err)
		}

		encoded, err := encodePrd(prd, prdConvertYAML)
		if err != nil {
			return err
		}
		if prdConvertOut == "" {
			_, err := cmd.OutOrStdout().Write(encoded)
			return err
		}
		if err := os.WriteFile(prdConvertOut, encoded, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", prdConvertOut, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d stories to %s\n", len(prd.Stories), prdConvertOut)
		return nil
	},
}

func encodePrd(prd models.Prd, asYAML bool) ([]byte, error) {
	if asYAML {
		data, err := yaml.Marshal(prd)
		if err != nil {
			return nil, fmt.Errorf("encoding PRD as YAML: %w", err)
		}
		return data, nil
	}
	data, err := json.MarshalIndent(prd, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding PRD as JSON: %w", err)
	}
	return append(data, '\n'), nil
}

var statusCmd = &cobra.Command{
	Use:   "status [project-path]",
	Short: "Show PRD progress of a project",
	Long: `Show which stories of the project's prd.json pass and print the
.ralph/progress.md log.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Projects == nil {
			return fmt.Errorf("project store not initialized")
		}
		projectPath, err := projectArg(args)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		prd, err := Projects.LoadPrd(projectPath)
		if err != nil {
			return fmt.Errorf("loading PRD: %w", err)
		}
		if prd == nil {
			fmt.Fprintf(out, "No %s in %s\n", storage.PrdFileName, projectPath)
		} else {
			fmt.Fprintf(out, "%s (%s)\n", prd.Project, prd.BranchName)
			fmt.Fprintf(out, "%d/%d stories pass\n\n", len(prd.Stories)-prd.Remaining(), len(prd.Stories))
			for _, s := range prd.Stories {
				mark := "[ ]"
				if s.Passes {
					mark = "[x]"
				}
				fmt.Fprintf(out, "  %s %-10s P%d  %s\n", mark, s.ID, s.Priority, s.Title)
			}
		}

		progress, err := Projects.ReadProgress(projectPath)
		if err != nil {
			return fmt.Errorf("reading progress: %w", err)
		}
		if progress != "" {
			fmt.Fprintf(out, "\n%s", progress)
		}
		return nil
	},
}

func init() {
	prdConvertCmd.Flags().StringVar(&prdConvertProject, "project", "", "Project path used for the default project name")
	prdConvertCmd.Flags().StringVar(&prdConvertBranch, "branch", "", "Branch name (default ralph/<project>)")
	prdConvertCmd.Flags().StringVarP(&prdConvertOut, "out", "o", "", "Write the PRD to this file instead of stdout")
	prdConvertCmd.Flags().BoolVar(&prdConvertYAML, "yaml", false, "Encode the PRD as YAML")
	prdCmd.AddCommand(prdConvertCmd)
	rootCmd.AddCommand(prdCmd)
	rootCmd.AddCommand(statusCmd)
}
