package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	gitProject string
	gitRemote  bool
)

var gitCmd = &cobra.Command{
	Use:   "git",
	Short: "Git helpers for Ralph projects",
}

var gitBranchesCmd = &cobra.Command{
	Use:   "branches",
	Short: "List branches of a project",
	Long: `List local branches, marking the current one. With --remote the
remote-tracking branches are listed after a fetch.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if NewGit == nil {
			return fmt.Errorf("git not initialized")
		}
		projectPath, err := projectArg([]string{gitProject})
		if err != nil {
			return err
		}
		git := NewGit(projectPath)
		out := cmd.OutOrStdout()

		if gitRemote {
			branches, err := git.ListRemoteBranches()
			if err != nil {
				return err
			}
			for _, b := range branches {
				fmt.Fprintf(out, "  %s\n", b)
			}
			return nil
		}

		branches, err := git.ListBranches()
		if err != nil {
			return err
		}
		for _, b := range branches {
			marker := " "
			if b.IsCurrent {
				marker = "*"
			}
			fmt.Fprintf(out, "%s %s\n", marker, b.Name)
		}
		return nil
	},
}

func init() {
	gitCmd.PersistentFlags().StringVarP(&gitProject, "project", "p", "", "Project path (default current directory)")
	gitBranchesCmd.Flags().BoolVarP(&gitRemote, "remote", "r", false, "List remote-tracking branches")
	gitCmd.AddCommand(gitBranchesCmd)
	rootCmd.AddCommand(gitCmd)
}
