package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/agentrunner/internal/classify"
)

func newClassifyCommand(opts *options) *cobra.Command {
	var (
		agent    string
		exitCode int
		crashed  bool
	)

	cmd := &cobra.Command{
		Use:   "classify [log-file]",
		Short: "Classify a captured container log tail",
		Long: `Classify how a container ended, using the configured pattern table.
The log tail is read from the file argument, or from stdin when the argument
is missing or "-". Useful for checking new rate-limit signatures before adding
them to the pattern file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if agent == "" {
				return errors.New("--agent is required")
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			agentID, err := resolveAgent(cfg, agent)
			if err != nil {
				return err
			}
			classifier, err := newClassifier(cfg, newLogger(cmd))
			if err != nil {
				return err
			}

			tail, err := readTail(cmd, args)
			if err != nil {
				return err
			}

			outcome := classify.Outcome{LogTail: tail, Crashed: crashed}
			if cmd.Flags().Changed("exit-code") {
				outcome.ExitCode = &exitCode
			}

			v := classifier.Classify(agentID, outcome)
			out := cmd.OutOrStdout()
			st := newStyles(out)

			if v.Category == classify.None {
				fmt.Fprintf(out, "category: %s\n", st.complete.Render("none (clean exit)"))
				return nil
			}
			fmt.Fprintf(out, "category: %s\n", st.failed.Render(string(v.Category)))
			fmt.Fprintf(out, "reason:   %s\n", v.Reason)
			if v.RetryAfter > 0 {
				fmt.Fprintf(out, "retry after: %s\n", v.RetryAfter)
			}
			if !v.ResetAt.IsZero() {
				fmt.Fprintf(out, "resets at: %s\n", v.ResetAt.Local().Format(time.DateTime))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&agent, "agent", "", "agent that produced the log")
	cmd.Flags().IntVar(&exitCode, "exit-code", 0, "container exit code (omit when the container never exited)")
	cmd.Flags().BoolVar(&crashed, "crashed", false, "container was signal-killed, OOM-killed or hit an engine error")

	return cmd
}

func readTail(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("reading log file: %w", err)
	}
	return string(data), nil
}
