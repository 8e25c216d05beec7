// Package cli implements the dreamwatch command line.
package cli

import (
	"fmt"
	"io"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mycelian/dreamwatch/client"
	"github.com/mycelian/dreamwatch/internal/config"
	"github.com/mycelian/dreamwatch/internal/logger"
)

// globals are the persistent flags shared by every command.
type globals struct {
	envFile  string
	baseURL  string
	logLevel string
	pretty   bool
	debug    bool

	cfg *config.Config
	log zerolog.Logger
}

// NewRootCmd builds the dreamwatch command tree.
func NewRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "dreamwatch",
		Short:         "Mirror and drive a memory / dream backend",
		Long:          "dreamwatch polls a memory / dream backend, mirrors its state locally and issues its commands.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.envFile, "env-file", ".env", "Dotenv file loaded before reading DREAMWATCH_* variables")
	pf.StringVar(&g.baseURL, "base-url", "", "Backend URL (overrides DREAMWATCH_BASE_URL)")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level (overrides DREAMWATCH_LOG_LEVEL)")
	pf.BoolVar(&g.pretty, "pretty", false, "Human-readable logs")
	pf.BoolVarP(&g.debug, "debug", "d", false, "Dump HTTP traffic and log at debug level")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newWatchCmd(g))
	root.AddCommand(newStatusCmd(g))
	root.AddCommand(newTriggerCmd(g))
	root.AddCommand(newResetCmd(g))
	root.AddCommand(newPostEventsCmd(g))
	root.AddCommand(newDevServerCmd(g))
	return root
}

// Execute runs the command line.
func Execute() error {
	return NewRootCmd().Execute()
}

// load reads .env, the environment and the flags, in increasing precedence.
func (g *globals) load(cmd *cobra.Command) error {
	if g.envFile != "" {
		// A missing file is fine; the environment alone may be enough.
		_ = godotenv.Load(g.envFile)
	}

	cfg, err := config.New()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("base-url") {
		cfg.BaseURL = g.baseURL
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = g.logLevel
	}
	if flags.Changed("pretty") {
		cfg.LogPretty = g.pretty
	}
	if g.debug {
		cfg.Debug = true
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	g.cfg = cfg
	g.log = logger.New("dreamwatch", cfg.LogLevel, cfg.LogPretty)
	log.Logger = g.log
	return nil
}

// newClient builds a client from the loaded configuration.
func (g *globals) newClient(extra ...client.Option) (*client.Client, error) {
	opts := append(g.cfg.ClientOptions(), client.WithLogger(g.log))
	opts = append(opts, extra...)
	c, err := client.New(g.cfg.BaseURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	return c, nil
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
