package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/ralph/internal/integration"
	"github.com/valter-silva-au/ralph/internal/storage"
)

var initCmd = &cobra.Command{
	Use:   "init [project-path]",
	Short: "Write the default config and prepare a project workspace",
	Long: `Write .ralphconfig with default settings to the Ralph home directory
(RALPH_HOME or ~/.ralph) unless it already exists, then create the .ralph/
workspace (progress log, guardrails, activity log) in the project.

The project defaults to the current directory and must be a git repository.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if ConfigMgr == nil || Projects == nil {
			return fmt.Errorf("ralph not initialized")
		}
		out := cmd.OutOrStdout()

		path, created, err := ConfigMgr.WriteDefaultGlobalConfig()
		if err != nil {
			return fmt.Errorf("writing default config: %w", err)
		}
		if created {
			fmt.Fprintf(out, "Wrote %s\n", path)
		} else {
			fmt.Fprintf(out, "Config already exists at %s\n", path)
		}

		projectPath, err := projectArg(args)
		if err != nil {
			return err
		}
		if !integration.IsRepository(projectPath) {
			return fmt.Errorf("%s is not a git repository", projectPath)
		}
		if err := Projects.InitWorkspace(projectPath); err != nil {
			return fmt.Errorf("initializing workspace: %w", err)
		}
		fmt.Fprintf(out, "Workspace ready at %s\n", storage.WorkspaceDir(projectPath))
		return nil
	},
}

// projectArg resolves the optional project-path argument to an absolute
// path, defaulting to the current directory.
func projectArg(args []string) (string, error) {
	p := "."
	if len(args) > 0 && args[0] != "" {
		p = args[0]
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolving project path %s: %w", p, err)
	}
	return abs, nil
}

func init() {
	rootCmd.AddCommand(initCmd)
}
