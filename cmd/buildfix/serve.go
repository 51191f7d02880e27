package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/buildfix/internal/control"
	"github.com/steveyegge/buildfix/internal/strategy"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator and accept commands on the control socket",
	Long: `Run the coordinator as a long-lived process. Other processes send it
count, fix, session, cancel, lock and status commands over a unix socket.
With --watch, strategy tables are reloaded when their files change.

Stopping the coordinator (Ctrl-C) rolls back any session in progress.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return withProcessLock(cfg, func() error {
			return runServe(ctx)
		})
	},
}

func runServe(ctx context.Context) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	srv, err := control.NewServer(cfg.SocketPath(), a.exec.HandleCommand, slog.Default())
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Strategies.Watch {
		w, err := strategy.NewWatcher(cfg.Strategies.Dir, a.registry, slog.Default())
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	if err := srv.Start(gctx); err != nil {
		return err
	}
	defer srv.Stop()

	green := color.New(color.FgGreen).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()
	fmt.Printf("%s buildfix coordinator %s listening on %s\n", green("✓"), a.store.Holder(), cfg.SocketPath())
	if cfg.Strategies.Watch {
		fmt.Printf("  %s\n", gray("watching "+cfg.Strategies.Dir+" for strategy changes"))
	}

	g.Go(func() error {
		<-gctx.Done()
		// Roll back a session started over the socket before the store closes
		a.exec.Cancel()
		a.exec.Wait()
		return nil
	})

	err = g.Wait()
	fmt.Printf("%s coordinator stopped\n", gray("○"))
	return err
}

func init() {
	serveCmd.Flags().Bool("watch", false, "reload strategy tables when they change")
	serveCmd.Flags().String("socket", "", "control socket path (default <state-dir>/buildfix.sock)")
	serveCmd.Flags().String("strategies", "", "strategy table directory (default strategies)")
	serveCmd.Flags().String("language", "", "pin the strategy table language")
	rootCmd.AddCommand(serveCmd)
}
