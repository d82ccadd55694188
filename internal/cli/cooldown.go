package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/agentrunner/internal/chain"
	"github.com/aristath/agentrunner/internal/config"
)

func newCooldownCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cooldown",
		Short: "Inspect and manage agent cooldowns",
		Long: `Rate-limited agents are put on a cooldown shared by every task and every
agentrunner process using the same state directory.`,
	}

	cmd.AddCommand(newCooldownListCommand(opts))
	cmd.AddCommand(newCooldownBypassCommand(opts))
	cmd.AddCommand(newCooldownSetCommand(opts))

	return cmd
}

func newCooldownListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents that are cooling down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			store, err := openCooldowns(cfg, newLogger(cmd))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			now := time.Now()
			records := store.List(now)
			if len(records) == 0 {
				fmt.Fprintln(out, "No agents are cooling down.")
				return nil
			}

			st := newStyles(out)
			t := newTable(st, "AGENT", "UNTIL", "REMAINING", "REASON")
			for _, rec := range records {
				t.Row(
					rec.AgentID,
					rec.CooldownUntil.Local().Format(time.DateTime),
					rec.CooldownUntil.Sub(now).Round(time.Second).String(),
					oneLine(rec.Reason),
				)
			}
			fmt.Fprintln(out, t.String())
			return nil
		},
	}
}

func newCooldownBypassCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "bypass <agent>",
		Short: "Clear an agent's cooldown",
		Long: `Clear an agent's cooldown. A running batch watches the cooldown file, so
tasks blocked on the agent resume right away. A new rate limit puts the agent
back on cooldown.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			agent, err := resolveAgent(cfg, args[0])
			if err != nil {
				return err
			}
			store, err := openCooldowns(cfg, newLogger(cmd))
			if err != nil {
				return err
			}
			if err := store.Bypass(agent); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cooldown of %s cleared.\n", agent)
			return nil
		},
	}
}

func newCooldownSetCommand(opts *options) *cobra.Command {
	var (
		duration time.Duration
		reason   string
	)

	cmd := &cobra.Command{
		Use:   "set <agent>",
		Short: "Put an agent on cooldown manually",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if duration <= 0 {
				return errors.New("--for must be positive")
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			agent, err := resolveAgent(cfg, args[0])
			if err != nil {
				return err
			}
			store, err := openCooldowns(cfg, newLogger(cmd))
			if err != nil {
				return err
			}

			rec, err := store.RecordRateLimit(agent, time.Now().Add(duration), reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is cooling down until %s.\n", agent, rec.CooldownUntil.Local().Format(time.DateTime))
			return nil
		},
	}

	cmd.Flags().DurationVar(&duration, "for", 0, "cooldown length, e.g. 30m")
	cmd.Flags().StringVar(&reason, "reason", "set manually", "reason shown to waiting tasks")
	_ = cmd.MarkFlagRequired("for")

	return cmd
}

func resolveAgent(cfg *config.Config, name string) (string, error) {
	agent, ok := chain.Canonical(name, cfg.Agents)
	if !ok {
		return "", fmt.Errorf("unknown agent %q", name)
	}
	return agent, nil
}
