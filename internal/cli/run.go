package cli

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/agentrunner/internal/config"
	"github.com/aristath/agentrunner/internal/container"
	"github.com/aristath/agentrunner/internal/events"
	"github.com/aristath/agentrunner/internal/runner"
	"github.com/aristath/agentrunner/internal/task"
)

// errTasksFailed is returned by run when any task did not finish DONE.
var errTasksFailed = errors.New("not all tasks succeeded")

func newRunCommand(opts *options) *cobra.Command {
	var (
		file        string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "run -f <tasks.yaml>",
		Short: "Supervise a batch of tasks",
		Long: `Run every task in the file in its own container and print lifecycle
events as they happen. Interrupting the command cancels all tasks and kills
their containers.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasks(cmd, opts, file, concurrency)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "task file (YAML)")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 0, "tasks supervised in parallel (default from config)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runTasks(cmd *cobra.Command, opts *options, file string, concurrency int) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	logger := newLogger(cmd)

	cfg, err := opts.load()
	if err != nil {
		return err
	}
	specs, err := config.LoadTasks(file)
	if err != nil {
		return err
	}

	cooldowns, err := openCooldowns(cfg, logger)
	if err != nil {
		return err
	}
	if err := cooldowns.Watch(ctx); err != nil {
		logger.Printf("WARNING: bypasses from other processes will not wake blocked tasks: %v", err)
	}
	archive, err := openArchive(ctx, cfg)
	if err != nil {
		return err
	}
	defer archive.Close()

	classifier, err := newClassifier(cfg, logger)
	if err != nil {
		return err
	}
	if path := cfg.Supervisor.PatternsFile; path != "" {
		if err := classifier.Watch(ctx, path); err != nil {
			logger.Printf("WARNING: pattern table will not hot-reload: %v", err)
		}
	}

	pm := container.NewProcessManager()
	exec := container.FromConfig(cfg, pm, logger)

	bus := events.NewEventBus()
	defer bus.Close()

	st := newStyles(out)
	// Sized to the batch so a slow terminal does not lose events.
	sub := bus.SubscribeAll(eventBuffer(len(specs)))
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range sub {
			fmt.Fprintln(out, formatEvent(st, ev))
		}
	}()

	pool, err := runner.New(runner.Config{
		Config:      cfg,
		Concurrency: concurrency,
		Executor:    exec,
		Pruner:      exec,
		Cooldowns:   cooldowns,
		Classifier:  classifier,
		Bus:         bus,
		Archiver:    archive,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	results, runErr := pool.Run(ctx, specs)

	// Supervisors have already killed their containers; anything still
	// tracked is a docker CLI call that outlived its task.
	if pm.Count() > 0 {
		if err := pm.KillAll(); err != nil {
			logger.Printf("ERROR: killing subprocesses: %v", err)
		}
	}

	bus.Close()
	<-printed

	warnDropped(logger, bus)

	printSummary(out, st, results)

	if runErr != nil {
		return runErr
	}
	for _, r := range results {
		if r.Error != nil || r.State.Outcome != task.OutcomeDone {
			return errTasksFailed
		}
	}
	return nil
}

// eventBuffer sizes the printer subscription for a batch of n tasks.
func eventBuffer(n int) int {
	const perTask = 64
	return max(256, n*perTask)
}

// warnDropped reports events the printer never saw. The summary table is
// built from the results, so it stays complete either way.
func warnDropped(logger *log.Logger, bus *events.EventBus) {
	if n := bus.Dropped(); n > 0 {
		logger.Printf("WARNING: %d lifecycle events were dropped from the output", n)
	}
}

func printSummary(w io.Writer, st styles, results []runner.Result) {
	t := newTable(st, "TASK", "OUTCOME", "AGENT", "ATTEMPTS", "DURATION", "REASON")

	for _, r := range results {
		if r.Error != nil {
			t.Row(r.TaskID, st.failed.Render("ERROR"), "-", "0", "-", oneLine(r.Error.Error()))
			continue
		}
		state := r.State
		var duration time.Duration
		if !state.FinishedAt.IsZero() {
			duration = state.FinishedAt.Sub(state.StartedAt)
		}
		t.Row(
			state.TaskID,
			st.outcome(state.Outcome),
			state.CurrentAgent(),
			strconv.Itoa(len(state.History)),
			duration.Round(time.Second).String(),
			oneLine(state.Reason),
		)
	}

	fmt.Fprintln(w, t.String())
}
