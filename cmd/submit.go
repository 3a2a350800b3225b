package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/customs-cli/internal/model"
	"github.com/sells-group/customs-cli/internal/submission"
)

var submitForceAI bool

var submitCmd = &cobra.Command{
	Use:   "submit <target> <declaration>",
	Short: "Submit one declaration to a portal and wait for the outcome",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initSubmitEnv(ctx, "submit")
		if err != nil {
			return err
		}
		defer env.Close()

		sub, err := env.Orchestrator.Submit(ctx, args[0], args[1], submission.CreateOptions{ForceAI: submitForceAI})
		if err != nil {
			return eris.Wrap(err, "submit")
		}

		formatSubmission(os.Stdout, sub)
		return outcomeErr(sub)
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <submission-id>",
	Short: "Retry a failed submission with AI matching forced on",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initSubmitEnv(ctx, "submit")
		if err != nil {
			return err
		}
		defer env.Close()

		sub, err := env.Orchestrator.Retry(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "retry")
		}

		formatSubmission(os.Stdout, sub)
		return outcomeErr(sub)
	},
}

func init() {
	submitCmd.Flags().BoolVar(&submitForceAI, "force-ai", false, "use AI matching even when disabled in config")
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(retryCmd)
}

// outcomeErr turns a failed submission into a non-zero exit.
func outcomeErr(sub *model.Submission) error {
	if sub.Status == model.SubmissionStatusFailed {
		return eris.Errorf("submission %s failed: %s", sub.ID, sub.Error)
	}
	return nil
}

// formatSubmission writes a short human-readable outcome to w.
func formatSubmission(w io.Writer, sub *model.Submission) {
	_, _ = fmt.Fprintf(w, "Submission:  %s\n", sub.ID)
	_, _ = fmt.Fprintf(w, "Target:      %s\n", sub.TargetID)
	_, _ = fmt.Fprintf(w, "Declaration: %s\n", sub.DeclarationID)
	_, _ = fmt.Fprintf(w, "Status:      %s\n", sub.Status)
	if sub.ExternalReference != "" {
		_, _ = fmt.Fprintf(w, "Reference:   %s\n", sub.ExternalReference)
	}
	if sub.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:       %s\n", sub.Error)
	}
	if sub.RetryCount > 0 {
		_, _ = fmt.Fprintf(w, "Retry:       %d of %s\n", sub.RetryCount, sub.PreviousID)
	}
	for _, warn := range sub.Warnings {
		_, _ = fmt.Fprintf(w, "Warning:     %s\n", warn)
	}
	if n := len(sub.AIDecisions); n > 0 {
		_, _ = fmt.Fprintf(w, "AI matches:  %d\n", n)
	}
	if n := len(sub.Screenshots); n > 0 {
		_, _ = fmt.Fprintf(w, "Screenshots: %d\n", n)
	}
}
