package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/agentrunner/internal/classify"
	"github.com/aristath/agentrunner/internal/persistence"
	"github.com/aristath/agentrunner/internal/task"
)

func newHistoryCommand(opts *options) *cobra.Command {
	var (
		limit int
		stats bool
	)

	cmd := &cobra.Command{
		Use:   "history [task-id]",
		Short: "Show archived runs",
		Long: `Without arguments, list the most recent runs. With a task ID, show every
attempt of that run. With --stats, summarise attempts per agent.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			store, err := openArchive(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			st := newStyles(out)

			switch {
			case stats:
				return printStats(cmd, store, st)
			case len(args) == 1:
				run, err := store.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printRun(out, st, run)
				return nil
			default:
				runs, err := store.ListRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				printRuns(out, st, runs)
				return nil
			}
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list (0 for all)")
	cmd.Flags().BoolVar(&stats, "stats", false, "summarise attempts per agent")

	return cmd
}

func printRuns(w io.Writer, st styles, runs []task.RunState) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs archived yet.")
		return
	}
	t := newTable(st, "TASK", "OUTCOME", "AGENT", "CHAIN", "STARTED", "REASON")
	for _, run := range runs {
		t.Row(
			run.TaskID,
			st.outcome(run.Outcome),
			run.CurrentAgent(),
			fmt.Sprintf("%d/%d", run.ChainIndex+1, len(run.Chain)),
			run.StartedAt.Local().Format(time.DateTime),
			oneLine(run.Reason),
		)
	}
	fmt.Fprintln(w, t.String())
}

func printRun(w io.Writer, st styles, run task.RunState) {
	fmt.Fprintf(w, "%s %s\n", st.title.Render(run.TaskID), st.outcome(run.Outcome))
	fmt.Fprintf(w, "chain:   %v\n", run.Chain)
	fmt.Fprintf(w, "started: %s\n", run.StartedAt.Local().Format(time.DateTime))
	if !run.FinishedAt.IsZero() {
		fmt.Fprintf(w, "took:    %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Second))
	}
	if run.Reason != "" {
		fmt.Fprintf(w, "reason:  %s\n", oneLine(run.Reason))
	}

	if len(run.History) == 0 {
		fmt.Fprintln(w, st.help.Render("no attempts"))
		return
	}

	t := newTable(st, "#", "AGENT", "ATTEMPT", "RESULT", "EXIT", "DURATION", "CONTAINER", "REASON")
	for i, rec := range run.History {
		result := st.complete.Render("ok")
		if !rec.Succeeded() {
			result = st.failed.Render(string(rec.Category))
		}
		exit := "-"
		if rec.ExitCode != nil {
			exit = strconv.Itoa(*rec.ExitCode)
		}
		t.Row(
			strconv.Itoa(i+1),
			rec.AgentID,
			strconv.Itoa(rec.Attempt),
			result,
			exit,
			rec.Duration().Round(time.Second).String(),
			rec.ContainerRef,
			oneLine(rec.Reason),
		)
	}
	fmt.Fprintln(w, t.String())
}

func printStats(cmd *cobra.Command, store persistence.Store, st styles) error {
	stats, err := store.AgentStats(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(stats) == 0 {
		fmt.Fprintln(out, "No attempts archived yet.")
		return nil
	}

	t := newTable(st, "AGENT", "ATTEMPTS", "OK", "FAILURES")
	for _, s := range stats {
		t.Row(s.AgentID, strconv.Itoa(s.Attempts), strconv.Itoa(s.Successes), formatCategories(s.ByCategory))
	}
	fmt.Fprintln(out, t.String())
	return nil
}

func formatCategories(counts map[classify.Category]int) string {
	if len(counts) == 0 {
		return "-"
	}
	cats := make([]string, 0, len(counts))
	for c := range counts {
		cats = append(cats, string(c))
	}
	sort.Strings(cats)

	s := ""
	for i, c := range cats {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%s=%d", c, counts[classify.Category(c)])
	}
	return s
}
