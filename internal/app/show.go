package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints the most recent execution log entries.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database not configured; cannot show executions")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	entries, err := store.ListExecutions(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stdout, "no executions found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tAction\tStatus\tDeployment\tRule\tReason\tError")

	for _, entry := range entries {
		deployment := "-"
		if entry.TargetDeploymentID != nil {
			deployment = fmt.Sprintf("%d", *entry.TargetDeploymentID)
		}
		rule := "-"
		if entry.RuleID != nil {
			rule = fmt.Sprintf("%d", *entry.RuleID)
		}
		errMsg := ""
		if entry.ErrorMessage != nil {
			errMsg = sanitizeInline(*entry.ErrorMessage)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			entry.ExecutedAt.UTC().Format(time.RFC3339),
			entry.ActionTaken,
			entry.Status,
			deployment,
			rule,
			sanitizeInline(entry.TriggerReason),
			errMsg,
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
