package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dshills/flowstudio/pkg/domain/run"
	"github.com/dshills/flowstudio/pkg/runhistory"
)

func (a *app) tracker() (*runhistory.Tracker, error) {
	backend, err := a.open()
	if err != nil {
		return nil, err
	}
	return runhistory.New(backend, runhistory.WithLogger(a.logger.Named("runs"))), nil
}

func formatDuration(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return fmt.Sprintf("%.1fs", float64(*ms)/1000)
}

func newRunsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect workflow run history",
	}

	cmd.AddCommand(newRunsListCommand(a))
	cmd.AddCommand(newRunsShowCommand(a))
	cmd.AddCommand(newRunsClearCommand(a))

	return cmd
}

func newRunsListCommand(a *app) *cobra.Command {
	var filter string

	cmd := &cobra.Command{
		Use:   "list <workflow-id>",
		Short: "List the recent runs of a workflow",
		Long: `List the most recent runs of a workflow, newest first.

--filter takes a boolean expression over the fields id, workflowId, scope,
status, temporary, nodeCount, nodeRuns, failed, durationMs and startedAt
(unix milliseconds).

Examples:
  flowstudio runs list <id>
  flowstudio runs list <id> --filter 'status == "failed"'
  flowstudio runs list <id> --filter 'scope == "full" && durationMs > 5000'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := a.tracker()
			if err != nil {
				return err
			}
			if err := tr.LoadHistory(a.context(cmd), args[0]); err != nil {
				return fmt.Errorf("failed to load run history: %w", err)
			}

			runs := tr.Runs()
			if filter != "" {
				if runs, err = tr.Filter(filter); err != nil {
					return err
				}
			}

			if len(runs) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "RUN\tSCOPE\tSTATUS\tNODES\tFAILED\tSTARTED\tDURATION")
			for _, r := range runs {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%s\t%s\n",
					r.Ref, r.Scope, r.Status, len(r.NodeRuns), r.NodeCount, r.FailedCount(),
					formatTime(r.StartedAt), formatDuration(r.Duration))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&filter, "filter", "", "Only show runs matching this expression")
	return cmd
}

func newRunsShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its node runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := a.open()
			if err != nil {
				return err
			}
			r, err := backend.GetRunDetails(a.context(cmd), args[0])
			if err != nil {
				return fmt.Errorf("failed to get run: %w", err)
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Run:      %s\n", r.Ref)
			_, _ = fmt.Fprintf(out, "Workflow: %s\n", r.WorkflowID)
			_, _ = fmt.Fprintf(out, "Scope:    %s\n", r.Scope)
			_, _ = fmt.Fprintf(out, "Status:   %s\n", r.Status)
			_, _ = fmt.Fprintf(out, "Started:  %s\n", formatTime(r.StartedAt))
			_, _ = fmt.Fprintf(out, "Duration: %s\n\n", formatDuration(r.Duration))

			if len(r.NodeRuns) == 0 {
				_, _ = fmt.Fprintln(out, "No node runs recorded.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NODE\tTYPE\tNAME\tSTATUS\tDURATION\tDETAIL")
			for _, nr := range r.NodeRuns {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					nr.NodeID, nr.NodeType, nr.NodeName, nr.Status, formatDuration(nr.Duration), detail(nr))
			}
			return w.Flush()
		},
	}
}

// detail is the error of a failed node run, or its output keys
func detail(nr run.NodeRun) string {
	if nr.Error != "" {
		return nr.Error
	}
	keys := make([]string, 0, len(nr.OutputData))
	for k := range nr.OutputData {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return "-"
	}
	return fmt.Sprintf("%v", keys)
}

func newRunsClearCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <workflow-id>",
		Short: "Delete every run of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := a.tracker()
			if err != nil {
				return err
			}
			if err := tr.ClearHistory(a.context(cmd), args[0]); err != nil {
				return fmt.Errorf("failed to clear run history: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Cleared run history of %s\n", args[0])
			return nil
		},
	}
}
