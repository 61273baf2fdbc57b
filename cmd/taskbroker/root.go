package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/taskbroker/config"
	"github.com/vinayprograms/taskbroker/logging"
	"github.com/vinayprograms/taskbroker/shutdown"
)

// Version is the CLI version.
const Version = "0.1.0"

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *logging.Logger

	// open builds the runtime. Tests swap it for a shared in-memory store.
	open func(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*runtime, error)
}

func newApp() *app {
	return &app{open: openRuntime}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "taskbroker",
		Short: "Persistent work broker",
		Long: `taskbroker hands tasks from producers to workers through a shared store.

Producers dispatch a task spec, workers claim it and keep it alive with a
heartbeat while they run its steps, and observers follow its event log.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd.ErrOrStderr()); err != nil {
				return err
			}
			a.warnPrivateStore(cmd.Name())
			return nil
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default: taskbroker.toml, ~/.config/taskbroker/config.toml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		newDispatchCmd(a),
		newWorkCmd(a),
		newWatchCmd(a),
		newSweepCmd(a),
		newStatusCmd(a),
		newCancelCmd(a),
	)
	return root
}

// setup loads configuration and builds the logger. Logs go to stderr so
// command output on stdout stays machine readable.
func (a *app) setup(logOut io.Writer) error {
	if a.cfg == nil {
		var cfg *config.Config
		var err error
		if a.configPath != "" {
			cfg, err = config.LoadFile(a.configPath)
		} else {
			cfg, _, err = config.Load()
		}
		if err != nil {
			return err
		}
		a.cfg = cfg
	}

	if a.logLevel != "" {
		a.cfg.Log.Level = a.logLevel
	}
	level, ok := logging.ParseLevel(a.cfg.Log.Level)
	if !ok {
		return fmt.Errorf("%w: unknown log level %q", config.ErrInvalidConfig, a.cfg.Log.Level)
	}

	if a.logger == nil {
		a.logger = logging.New()
		a.logger.SetOutput(logOut)
	}
	a.logger.SetLevel(level)
	return nil
}

// warnPrivateStore flags the memory backend: nothing written there is seen
// by another taskbroker process or survives this one.
func (a *app) warnPrivateStore(command string) {
	if a.cfg.Store.Backend != config.BackendMemory {
		return
	}
	a.logger.Warn("memory store is private to this process, tasks are lost on exit", map[string]interface{}{
		"command": command,
		"hint":    "set store.backend to nats or postgres to share tasks between commands",
	})
}

// withRuntime opens a runtime for a short command and closes it afterwards.
func (a *app) withRuntime(ctx context.Context, fn func(rt *runtime) error) error {
	rt, err := a.open(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	err = fn(rt)
	if cerr := rt.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// serve runs fn until it returns or a signal arrives, then shuts the
// runtime down through a coordinator. fn's context is cancelled in the
// intake phase. register adds command-specific handlers.
func (a *app) serve(parent context.Context, rt *runtime, register func(*shutdown.Coordinator), fn func(ctx context.Context) error) error {
	coord, err := shutdown.NewCoordinator(shutdown.DefaultConfig(), a.logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	coord.RegisterFunc("intake", shutdown.PhaseIntake, func(context.Context) error {
		cancel()
		return nil
	})
	if register != nil {
		register(coord)
	}
	rt.register(coord)

	stop := coord.HandleSignals(parent)
	defer stop()

	runErr := fn(ctx)

	if err := coord.ShutdownWithTimeout(0); err != nil && !errors.Is(err, shutdown.ErrAlreadyShutdown) && runErr == nil {
		runErr = err
	}
	<-coord.Done()
	if runErr != nil {
		return runErr
	}
	return coord.Err()
}
