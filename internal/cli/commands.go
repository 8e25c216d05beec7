package cli

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/mycelian/dreamwatch/client"
	"github.com/mycelian/dreamwatch/internal/cmdqueue"
	"github.com/mycelian/dreamwatch/internal/events"
)

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Fetch the backend state once and print it as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.newClient()
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Refresh(cmd.Context()); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(c.Snapshot())
		},
	}
}

func newTriggerCmd(g *globals) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Start a dream cycle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("timeout") {
				g.cfg.TriggerTimeout = timeout
			}
			jobErrs := &jobErrors{}
			c, err := g.newClient(
				client.WithQueueConfig(jobErrs.queueConfig(g)),
				client.WithHTTPTimeout(g.cfg.TriggerHTTPTimeout()),
			)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := cmd.Context()
			// The dreaming guard needs a fresh status.
			if err := c.Refresh(ctx); err != nil {
				return err
			}
			ack, err := c.TriggerDream(ctx)
			if err != nil {
				return err
			}
			if err := c.AwaitCommands(ctx); err != nil {
				return err
			}
			if err := jobErrs.err(); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "dream triggered (request %s)\n", ack.RequestID)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Bound on the trigger request (overrides DREAMWATCH_TRIGGER_TIMEOUT)")
	return cmd
}

func newResetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear every memory and dream on the backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.newClient()
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.ResetSystem(cmd.Context()); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "system reset\n")
			return nil
		},
	}
}

func newPostEventsCmd(g *globals) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "post-events",
		Short: "Post a day of events from a TOML or JSON file as memories",
		RunE: func(cmd *cobra.Command, _ []string) error {
			batch, err := events.LoadFile(file)
			if err != nil {
				return err
			}

			jobErrs := &jobErrors{}
			c, err := g.newClient(client.WithQueueConfig(jobErrs.queueConfig(g)))
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := cmd.Context()
			ack, err := c.PostEvents(ctx, batch)
			if err != nil {
				return err
			}
			if err := c.AwaitCommands(ctx); err != nil {
				return err
			}
			if err := jobErrs.err(); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "posted %d events (request %s)\n", len(batch), ack.RequestID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Events file (.toml or .json)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// jobErrors collects failures of queued commands so one-shot commands can
// report them through the exit status.
type jobErrors struct {
	mu   sync.Mutex
	errs []error
}

func (j *jobErrors) queueConfig(g *globals) cmdqueue.Config {
	return cmdqueue.Config{
		QueueSize:   g.cfg.QueueSize,
		MaxAttempts: g.cfg.CommandAttempts,
		ErrorHandler: func(name string, err error) {
			j.mu.Lock()
			defer j.mu.Unlock()
			j.errs = append(j.errs, fmt.Errorf("%s: %w", name, err))
		},
	}
}

func (j *jobErrors) err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.errs) == 0 {
		return nil
	}
	return j.errs[0]
}
