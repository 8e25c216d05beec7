package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mycelian/dreamwatch/internal/devbackend"
)

func newDevServerCmd(g *globals) *cobra.Command {
	var (
		addr          string
		stageDuration time.Duration
		autoDream     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run an in-memory backend with simulated dream cycles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			if flags.Changed("addr") {
				g.cfg.DevAddr = addr
			}
			if flags.Changed("stage-duration") {
				g.cfg.DevStageDuration = stageDuration
			}
			if flags.Changed("auto-dream") {
				g.cfg.DevAutoDream = autoDream
			}

			ctx, stop := newSignalContext(cmd.Context())
			defer stop()

			backend := devbackend.New(devbackend.Config{
				StageDuration:     g.cfg.DevStageDuration,
				AutoDreamInterval: g.cfg.DevAutoDream,
				Logger:            &g.log,
			})
			defer backend.Close()

			server := newHTTPServer(ctx, g.cfg.DevAddr, devbackend.NewRouter(backend))
			errCh := serveHTTP(server, g.log, "dev backend")

			select {
			case <-ctx.Done():
				g.log.Info().Msg("shutting down")
				return shutdown(server, g.log)
			case err := <-errCh:
				return fmt.Errorf("dev backend: %w", err)
			}
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&addr, "addr", "", "Listen address (overrides DREAMWATCH_DEV_ADDR)")
	flags.DurationVar(&stageDuration, "stage-duration", 0, "Length of each dream stage (overrides DREAMWATCH_DEV_STAGE_DURATION)")
	flags.DurationVar(&autoDream, "auto-dream", 0, "Dream automatically at this interval; 0 disables (overrides DREAMWATCH_DEV_AUTO_DREAM)")
	return cmd
}
