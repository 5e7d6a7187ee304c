package main

import (
	"fmt"
	"time"

	"capa-platform/internal/audit"
	"capa-platform/internal/reporting"

	"github.com/spf13/cobra"
)

var reportFlags struct {
	from       string
	to         string
	entityType string
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summaries derived from the audit ledger",
}

var reportActivityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Summarize CAPA activity over a time range",
	RunE:  runReportActivity,
}

func init() {
	f := reportActivityCmd.Flags()
	f.StringVar(&reportFlags.from, "from", "", "Range start, RFC3339 or YYYY-MM-DD (required)")
	f.StringVar(&reportFlags.to, "to", "", "Range end (exclusive), defaults to now")
	f.StringVar(&reportFlags.entityType, "entity-type", "", "Restrict to one entity type")
	_ = reportActivityCmd.MarkFlagRequired("from")

	reportCmd.AddCommand(reportActivityCmd)
}

// parseFlagTime accepts RFC3339 or a bare date (midnight UTC).
func parseFlagTime(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: expected RFC3339 or YYYY-MM-DD, got %q", name, v)
	}
	return t, nil
}

func runReportActivity(cmd *cobra.Command, _ []string) error {
	from, err := parseFlagTime("from", reportFlags.from)
	if err != nil {
		return err
	}
	to, err := parseFlagTime("to", reportFlags.to)
	if err != nil {
		return err
	}

	db, err := openDB(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	out, err := reporting.NewService(audit.NewPostgresRepo(db)).ActivitySummary(cmd.Context(), reporting.ActivityRequest{
		Range:      reporting.TimeRange{From: from, To: to},
		EntityType: reportFlags.entityType,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}
