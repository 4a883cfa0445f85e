package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/logperiodic/logp/client"
	"github.com/logperiodic/logp/internal/clock"
	"github.com/logperiodic/logp/internal/config"
)

// app holds the state shared by every subcommand
type app struct {
	configPath string
	verbose    bool
	quiet      bool

	cfg    *config.Config
	logger *slog.Logger
	clock  clock.Clock
}

// newRootCmd creates the root logp command with all subcommands attached
func newRootCmd() *cobra.Command {
	a := &app{clock: clock.Real()}

	cmd := &cobra.Command{
		Use:           "logp",
		Short:         "Log periodic agent",
		Long:          "logp records the lifecycle and output of commands on a log periodic server\nand reads them back.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.ErrOrStderr())
		},
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default $LOGP_CONFIG or ~/.logp.yaml)")
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log debugging information")
	cmd.PersistentFlags().BoolVarP(&a.quiet, "quiet", "q", false, "only log errors")

	cmd.AddCommand(
		newRunCmd(a),
		newPingCmd(a),
		newGetCmd(a),
		newTailCmd(a),
		newConfigCmd(a),
	)

	return cmd
}

// setup creates the logger and loads the configuration
func (a *app) setup(stderr io.Writer) error {
	level := slog.LevelInfo
	switch {
	case a.quiet:
		level = slog.LevelError
	case a.verbose:
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	for _, warning := range cfg.Warnings {
		a.logger.Warn(warning)
	}
	a.cfg = cfg
	return nil
}

// apiKey returns the configured key, falling back to the credentials file
func (a *app) apiKey() string {
	if a.cfg.APIKey != "" {
		return a.cfg.APIKey
	}

	store, err := client.NewAPIKeyStore()
	if err != nil {
		a.logger.Warn("unable to read stored API key", "error", err)
		return ""
	}
	return store.Key()
}

// newWorker builds a worker from the configuration. onIni and
// onDisconnect may be nil.
func (a *app) newWorker(onIni func(client.IniResponse), onDisconnect func(error)) (*client.Worker, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}

	delay, maxDelay, err := a.cfg.ReconnectDelays()
	if err != nil {
		return nil, err
	}

	builder := client.NewWorkerBuilder().
		WithURI(a.cfg.Endpoint).
		WithToken(a.apiKey()).
		WithTLSNoVerify(a.cfg.TLSNoVerify).
		WithReconnectDelay(delay).
		WithLogger(a.logger).
		WithClock(a.clock)
	if maxDelay > 0 {
		builder = builder.WithReconnectBackoff(maxDelay)
	}
	if onIni != nil {
		builder = builder.OnIni(onIni)
	}
	if onDisconnect != nil {
		builder = builder.OnDisconnect(onDisconnect)
	}

	worker, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("unable to configure connection: %w", err)
	}
	return worker, nil
}

// iniError converts a failed handshake into the error the command exits
// with
func iniError(resp client.IniResponse) error {
	err := resp.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, client.ErrPermissionDenied) {
		return &exitError{code: exitPermissionDenied, err: err}
	}
	return &exitError{code: 1, err: err}
}
