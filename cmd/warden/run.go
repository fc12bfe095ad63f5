package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/zulandar/warden/internal/config"
	"github.com/zulandar/warden/internal/logging"
	"github.com/zulandar/warden/internal/status"
	"github.com/zulandar/warden/internal/supervisor"
)

// exitForced is the process status after a second interrupt.
const exitForced = 130

type runFlags struct {
	service         bool
	observerName    string
	autoChannelName string
	debug           int
	statusAddr      string
}

func newRunCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run [config...]",
		Short: "Run a session for every configuration",
		Long: "Connects to every configured server and runs the observer and auto channel " +
			"engines until interrupted. A second interrupt forces an exit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"config.yaml"}
			}
			log := logging.New(logging.LevelForVerbosity(f.debug), cmd.ErrOrStderr())

			sigCh := make(chan os.Signal, 2)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			return runSupervisor(cmd.Context(), args, f, log, sigCh)
		},
	}

	cmd.Flags().BoolVar(&f.service, "service", false, "retry failed connections (also enabled by misc.systemd)")
	cmd.Flags().StringVar(&f.observerName, "observer-name", "", "override the observer nickname of every config")
	cmd.Flags().StringVar(&f.autoChannelName, "autochannel-name", "", "override the auto channel nickname of every config")
	cmd.Flags().CountVarP(&f.debug, "debug", "d", "increase log verbosity (-d debug, -dd trace)")
	cmd.Flags().StringVar(&f.statusAddr, "status-addr", "", "serve session status over HTTP on this address")
	return cmd
}

// runSupervisor loads configs and runs them until the supervisor returns.
// Every value received on sigs escalates the shutdown one stage.
func runSupervisor(ctx context.Context, paths []string, f runFlags, log *zerolog.Logger, sigs <-chan os.Signal) error {
	entries := config.LoadAll(paths...)
	config.ApplyNicknames(entries, f.observerName, f.autoChannelName)

	sup := supervisor.New(supervisor.Opts{
		Entries: entries,
		Patient: f.service,
		Log:     log,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if f.statusAddr != "" {
		go func() {
			err := status.Start(ctx, status.StartOpts{
				Addr:     f.statusAddr,
				Sessions: sup.Registry(),
				Log:      logging.Component(log, "status"),
			})
			if err != nil {
				log.Error().Err(err).Msg("status server stopped")
			}
		}()
	}

	go func() {
		for {
			select {
			case sig := <-sigs:
				log.Info().Str("signal", sig.String()).Msg("signal received")
				sup.Shutdown()
			case <-ctx.Done():
				return
			}
		}
	}()

	err := sup.Run(ctx)
	if errors.Is(err, supervisor.ErrForcedShutdown) {
		return &exitError{code: exitForced, err: err}
	}
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}
