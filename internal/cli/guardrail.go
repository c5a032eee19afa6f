package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/ralph/pkg/models"
)

var (
	guardrailProject     string
	guardrailTitle       string
	guardrailTrigger     string
	guardrailInstruction string
	guardrailAddedAfter  string
)

var guardrailCmd = &cobra.Command{
	Use:     "guardrail",
	Aliases: []string{"sign"},
	Short:   "Manage the learned guardrails of a project",
	Long: `Guardrails ("signs") live in .ralph/guardrails.md and are appended to
every iteration prompt so the agent does not repeat past mistakes.`,
}

var guardrailAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a guardrail",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Guardrails == nil {
			return fmt.Errorf("guardrail manager not initialized")
		}
		projectPath, err := projectArg([]string{guardrailProject})
		if err != nil {
			return err
		}
		g := models.Guardrail{
			Title:       guardrailTitle,
			Trigger:     guardrailTrigger,
			Instruction: guardrailInstruction,
			AddedAfter:  guardrailAddedAfter,
		}
		if err := Guardrails.Add(projectPath, g); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added guardrail %q\n", g.Title)
		return nil
	},
}

var guardrailListCmd = &cobra.Command{
	Use:   "list",
	Short: "List guardrails",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Guardrails == nil {
			return fmt.Errorf("guardrail manager not initialized")
		}
		projectPath, err := projectArg([]string{guardrailProject})
		if err != nil {
			return err
		}
		guardrails, err := Guardrails.Load(projectPath)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(guardrails) == 0 {
			fmt.Fprintln(out, "No guardrails.")
			return nil
		}
		for _, g := range guardrails {
			fmt.Fprintf(out, "%s  %s\n", g.ID, g.Title)
			fmt.Fprintf(out, "    trigger:     %s\n", g.Trigger)
			fmt.Fprintf(out, "    instruction: %s\n", g.Instruction)
			if g.AddedAfter != "" {
				fmt.Fprintf(out, "    added after: %s\n", g.AddedAfter)
			}
		}
		return nil
	},
}

func init() {
	guardrailCmd.PersistentFlags().StringVarP(&guardrailProject, "project", "p", "", "Project path (default current directory)")

	guardrailAddCmd.Flags().StringVar(&guardrailTitle, "title", "", "Short name of the sign")
	guardrailAddCmd.Flags().StringVar(&guardrailTrigger, "trigger", "", "Situation in which the sign applies")
	guardrailAddCmd.Flags().StringVar(&guardrailInstruction, "instruction", "", "What the agent must do")
	guardrailAddCmd.Flags().StringVar(&guardrailAddedAfter, "added-after", "", "What happened that made the sign necessary")
	_ = guardrailAddCmd.MarkFlagRequired("title")
	_ = guardrailAddCmd.MarkFlagRequired("trigger")
	_ = guardrailAddCmd.MarkFlagRequired("instruction")

	guardrailCmd.AddCommand(guardrailAddCmd)
	guardrailCmd.AddCommand(guardrailListCmd)
	rootCmd.AddCommand(guardrailCmd)
}
