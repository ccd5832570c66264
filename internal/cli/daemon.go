package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"taxiflow/internal/app"
)

const stopTimeout = 30 * time.Second

func newDaemonCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run schedules, sensors, auto-materialize and the HTTP API until signaled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			a, err := app.New(g.cfgPath)
			if err != nil {
				return err
			}
			// The app owns shutdown ordering, so it must not see the
			// command context cancel under it.
			ctx := context.WithoutCancel(cmd.Context())
			if err := a.Start(ctx); err != nil {
				stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				defer cancel()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return err
			}

			var (
				reason = app.StopUnknown
				runErr error
			)
			select {
			case s := <-sigs:
				reason = app.StopSIGINT
				if s == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				reason = app.StopFatalError
				runErr = a.Err()
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if err := a.Stop(stopCtx, reason); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		},
	}
}
