package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mycelian/dreamwatch/client"
	"github.com/mycelian/dreamwatch/internal/state"
	"github.com/mycelian/dreamwatch/internal/statusapi"
)

func newWatchCmd(g *globals) *cobra.Command {
	var statusAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll the backend continuously and log what changes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("status-addr") {
				g.cfg.StatusAddr = statusAddr
			}
			return runWatch(cmd.Context(), g, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "Serve the local status API on this address (overrides DREAMWATCH_STATUS_ADDR)")
	return cmd
}

func runWatch(parent context.Context, g *globals, out io.Writer) error {
	ctx, stop := newSignalContext(parent)
	defer stop()

	c, err := g.newClient(client.WithOnEscalate(func(loop string, failures int, err error) {
		g.log.Error().Err(err).Str("loop", loop).Int("failures", failures).Msg("backend unreachable")
	}))
	if err != nil {
		return err
	}
	defer c.Close()

	events, unsubscribe := c.Store().Subscribe(64)
	defer unsubscribe()

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	g.log.Info().Str("base_url", g.cfg.BaseURL).Msg("watching backend")

	var errCh <-chan error
	if g.cfg.StatusAddr != "" {
		api := statusapi.New(c, statusapi.WithVersion(VersionString()), statusapi.WithLogger(g.log))
		server := newHTTPServer(ctx, g.cfg.StatusAddr, api)
		errCh = serveHTTP(server, g.log, "status API")
		defer func() { _ = shutdown(server, g.log) }()
	}

	for {
		select {
		case <-ctx.Done():
			g.log.Info().Msg("shutting down")
			return nil
		case err := <-errCh:
			return fmt.Errorf("status API: %w", err)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			printEvent(out, c, ev)
		}
	}
}

// printEvent writes one line per state change to w.
func printEvent(w io.Writer, c *client.Client, ev state.Event) {
	at := ev.At.Format(time.TimeOnly)
	switch ev.Kind {
	case state.EventStage:
		printf(w, "%s stage %s -> %s\n", at, ev.PreviousStage, ev.Stage)
	case state.EventMemories:
		m := c.Store().Memories()
		printf(w, "%s memories regular=%d consolidated=%d insights=%d\n",
			at, len(m.Regular), len(m.Consolidated), len(m.Insights))
	case state.EventDreams:
		printf(w, "%s dreams %d\n", at, len(c.Store().Dreams()))
	case state.EventReset:
		printf(w, "%s reset\n", at)
	}
}
