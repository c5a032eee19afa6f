package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/ralph/internal/integration"
	"github.com/valter-silva-au/ralph/internal/storage"
	"github.com/valter-silva-au/ralph/pkg/models"
)

var (
	runPrd           string
	runModel         string
	runMaxIterations int
	runBranch        string
	runOpenPR        bool
	runPlain         bool
)

var runCmd = &cobra.Command{
	Use:   "run [project-path]",
	Short: "Work through a PRD with the coding agent",
	Long: `Create a session for the project, load its PRD and run the agent loop
until every story passes, the session gets stuck or max iterations is hit.

The PRD is read from --prd (JSON, or YAML for .yaml/.yml files) and
defaults to prd.json in the project. When the PRD or config names a branch
it is checked out first, created from HEAD when missing. With --open-pr the
branch is pushed and a pull request is opened once all stories pass.

Activity is shown in an interactive view; --plain prints it line by line.
Quitting the view stops the session.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Sessions == nil {
			return fmt.Errorf("session manager not initialized")
		}
		projectPath, err := projectArg(args)
		if err != nil {
			return err
		}

		cfg, err := runSessionConfig(cmd, projectPath)
		if err != nil {
			return err
		}

		prdPath := runPrd
		if prdPath == "" {
			prdPath = filepath.Join(projectPath, storage.PrdFileName)
		}
		prd, err := storage.LoadPrdFile(prdPath)
		if err != nil {
			return err
		}

		branch := cfg.BranchName
		if branch == "" {
			branch = prd.BranchName
		}
		var git integration.GitOperations
		if branch != "" && NewGit != nil {
			git = NewGit(projectPath)
			if err := git.CreateBranch(branch); err != nil {
				return fmt.Errorf("checking out %s: %w", branch, err)
			}
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		out := cmd.OutOrStdout()

		final, err := runSession(ctx, out, projectPath, cfg, *prd)
		if err != nil {
			return err
		}

		if err := reportOutcome(out, final); err != nil {
			return err
		}
		if final.Status.State == models.StateComplete && cfg.OpenPR {
			if git == nil {
				return fmt.Errorf("--open-pr needs a branch name in the PRD, config or --branch")
			}
			return openPullRequest(out, git, branch, final)
		}
		return nil
	},
}

// runSessionConfig starts from the project's configured defaults and applies
// the flags the user set.
func runSessionConfig(cmd *cobra.Command, projectPath string) (models.SessionConfig, error) {
	cfg := models.DefaultSessionConfig()
	if SessionDefaults != nil {
		var err error
		cfg, err = SessionDefaults(projectPath)
		if err != nil {
			return cfg, fmt.Errorf("loading project config: %w", err)
		}
	}
	flags := cmd.Flags()
	if flags.Changed("model") {
		cfg.ExecutionModel = runModel
	}
	if flags.Changed("max-iterations") {
		cfg.MaxIterations = runMaxIterations
	}
	if flags.Changed("branch") {
		cfg.BranchName = runBranch
	}
	if flags.Changed("open-pr") {
		cfg.OpenPR = runOpenPR
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid session config: %w", err)
	}
	return cfg, nil
}

// runSession creates and starts a session and watches it until it stops
// looping. An interrupted watch stops the session.
func runSession(ctx context.Context, out io.Writer, projectPath string, cfg models.SessionConfig, prd models.Prd) (models.Session, error) {
	session, err := Sessions.Create(projectPath, cfg)
	if err != nil {
		return models.Session{}, fmt.Errorf("creating session: %w", err)
	}
	if session, err = Sessions.SetPrd(session.ID, prd); err != nil {
		return models.Session{}, fmt.Errorf("setting PRD: %w", err)
	}

	entries, detach, err := Sessions.SubscribeActivity(session.ID)
	if err != nil {
		return models.Session{}, fmt.Errorf("subscribing to activity: %w", err)
	}
	defer detach()

	if session, err = Sessions.Start(session.ID); err != nil {
		return models.Session{}, fmt.Errorf("starting session: %w", err)
	}
	logger().Info("session running", "session", session.ID, "project", projectPath, "stories", len(prd.Stories))

	var (
		final       models.Session
		interrupted bool
	)
	if runPlain {
		fmt.Fprintf(out, "Session %s started (%d stories, model %s)\n", session.ID, len(prd.Stories), cfg.ExecutionModel)
		final, err = watchPlain(ctx, out, Sessions, session.ID, entries)
		if errors.Is(err, context.Canceled) {
			interrupted, err = true, nil
		}
	} else {
		final, interrupted, err = watchTUI(ctx, Sessions, session, entries)
		if ctx.Err() != nil {
			interrupted, err = true, nil
		}
	}
	if err != nil {
		return final, err
	}

	if interrupted {
		if stopped, stopErr := Sessions.Stop(session.ID); stopErr == nil {
			final = stopped
		}
		fmt.Fprintf(out, "Session %s stopped.\n", session.ID)
	}
	return final, nil
}

// reportOutcome prints the final state and turns a stuck or failed session
// into an error so the exit code reflects it.
func reportOutcome(out io.Writer, s models.Session) error {
	passed, total := 0, 0
	if s.Prd != nil {
		total = len(s.Prd.Stories)
		passed = total - s.Prd.Remaining()
	}
	fmt.Fprintf(out, "\n%s: %d/%d stories pass after %d iteration(s)\n", s.Status.String(), passed, total, s.CurrentIteration)

	switch s.Status.State {
	case models.StateGutter:
		return fmt.Errorf("session %s is stuck: %s (add a guardrail and run again)", s.ID, s.Status.Reason)
	case models.StateFailed:
		return fmt.Errorf("session %s failed: %s", s.ID, s.Status.Error)
	default:
		return nil
	}
}

// openPullRequest commits anything the agent left behind, pushes the branch
// and opens a pull request listing the completed stories.
func openPullRequest(out io.Writer, git integration.GitOperations, branch string, s models.Session) error {
	dirty, err := git.HasChanges()
	if err != nil {
		return err
	}
	if dirty {
		if err := git.Commit("ralph: final changes"); err != nil {
			return err
		}
	}
	if err := git.Push(branch); err != nil {
		return err
	}

	title, body := pullRequestText(s)
	url, err := git.CreatePR(branch, title, body)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Opened pull request: %s\n", url)
	return nil
}

func pullRequestText(s models.Session) (title, body string) {
	title = "Ralph: completed PRD"
	if s.Prd == nil {
		return title, ""
	}
	if s.Prd.Project != "" {
		title = "Ralph: " + s.Prd.Project
	}
	body = s.Prd.Description + "\n\n## Stories\n\n"
	if s.Prd.Description == "" {
		body = "## Stories\n\n"
	}
	for _, story := range s.Prd.Stories {
		mark := " "
		if story.Passes {
			mark = "x"
		}
		body += fmt.Sprintf("- [%s] %s: %s\n", mark, story.ID, story.Title)
	}
	return title, body
}

func init() {
	runCmd.Flags().StringVar(&runPrd, "prd", "", "PRD file (default <project>/prd.json)")
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Execution model (default from config)")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "Iteration cap (default from config)")
	runCmd.Flags().StringVar(&runBranch, "branch", "", "Branch to work on (default from PRD)")
	runCmd.Flags().BoolVar(&runOpenPR, "open-pr", false, "Push and open a pull request when all stories pass")
	runCmd.Flags().BoolVar(&runPlain, "plain", false, "Print activity line by line instead of the interactive view")
	rootCmd.AddCommand(runCmd)
}
