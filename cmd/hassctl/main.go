package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/EgorLis/hassclient/internal/config"
	"github.com/EgorLis/hassclient/internal/hassclient"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

// app is the state shared by every subcommand.
type app struct {
	configPath string
	debug      bool

	settings *config.Settings
	logger   *log.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "hassctl",
		Short: "Talk to a Home Assistant hub over its websocket API",
		Long: `hassctl connects to a Home Assistant hub, authenticates with a long-lived
access token and issues commands over the websocket API.

Settings come from the config file and the HASS_HOST, HASS_PORT,
HASS_TOKEN and HASS_SSL environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultPath, "config file")
	rootCmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "log protocol traffic")

	rootCmd.AddCommand(
		versionCmd(),
		initCmd(a),
		infoCmd(a),
		statesCmd(a),
		callCmd(a),
		fireCmd(a),
		watchCmd(a),
		apiCmd(a),
	)
	return rootCmd
}

func (a *app) load(cmd *cobra.Command) error {
	s, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.settings = s

	a.logger = log.NewWithOptions(cmd.ErrOrStderr(), log.Options{
		ReportTimestamp: true,
		Level:           s.Level(),
	})
	if a.debug {
		a.logger.SetLevel(log.DebugLevel)
	}
	return nil
}

// connect validates the settings and returns a ready connection.
func (a *app) connect(ctx context.Context, extra ...hassclient.Option) (*hassclient.Connection, error) {
	if err := a.settings.Validate(); err != nil {
		return nil, err
	}
	opts := append(a.settings.Options(a.logger), extra...)
	return hassclient.New(opts...).Connect(ctx, a.settings.Client())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
