package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/customs-cli/internal/model"
	"github.com/sells-group/customs-cli/internal/store"
)

var submissionsCmd = &cobra.Command{
	Use:   "submissions",
	Short: "Inspect submission history",
}

// -- submissions list --

var submissionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent submissions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		targetID, _ := cmd.Flags().GetString("target")
		declarationID, _ := cmd.Flags().GetString("declaration")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		subs, err := st.ListSubmissions(ctx, store.SubmissionFilter{
			TargetID:      targetID,
			DeclarationID: declarationID,
			Status:        model.SubmissionStatus(status),
			Limit:         limit,
		})
		if err != nil {
			return eris.Wrap(err, "submissions list")
		}

		if len(subs) == 0 {
			_, _ = fmt.Fprintln(os.Stderr, "No submissions found.")
			return nil
		}

		formatSubmissionsList(os.Stdout, subs)
		return nil
	},
}

// -- submissions show --

var submissionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one submission as JSON, including its log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sub, err := st.GetSubmission(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "submissions show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sub)
	},
}

func init() {
	submissionsListCmd.Flags().String("target", "", "filter by target ID")
	submissionsListCmd.Flags().String("declaration", "", "filter by declaration ID")
	submissionsListCmd.Flags().String("status", "", "filter by status (pending, running, submitted, failed)")
	submissionsListCmd.Flags().Int("limit", 50, "max number of submissions to display")

	submissionsCmd.AddCommand(submissionsListCmd)
	submissionsCmd.AddCommand(submissionsShowCmd)
	rootCmd.AddCommand(submissionsCmd)
}

// formatSubmissionsList writes a tabular list of submissions to w.
func formatSubmissionsList(out io.Writer, subs []model.Submission) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTARGET\tDECLARATION\tSTATUS\tREFERENCE\tRETRY\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t-----------\t------\t---------\t-----\t-------\t--------")

	for _, s := range subs {
		dur := ""
		if s.StartedAt != nil && s.CompletedAt != nil {
			dur = s.CompletedAt.Sub(*s.StartedAt).Round(time.Second).String()
		}

		ref := s.ExternalReference
		if s.Status == model.SubmissionStatusFailed {
			ref = truncate(s.Error, 30)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(s.ID),
			s.TargetID,
			s.DeclarationID,
			s.Status,
			ref,
			s.RetryCount,
			s.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
