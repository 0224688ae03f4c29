package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/possync/internal/cache"
	"github.com/roach88/possync/internal/config"
	"github.com/roach88/possync/internal/engine"
	"github.com/roach88/possync/internal/heartbeat"
	"github.com/roach88/possync/internal/realtime"
	"github.com/roach88/possync/internal/realtime/redisfeed"
	"github.com/roach88/possync/internal/realtime/wsfeed"
	"github.com/roach88/possync/internal/shadow"
	"github.com/roach88/possync/internal/statusapi"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the sync daemon",
		Long: `Start the long-lived sync daemon.

The daemon syncs on startup and whenever connectivity returns and holds for
the settle delay. The host app reports connectivity and foreground changes
through the local status API (POST /connectivity, POST /foreground), which
also serves /status, /sync, /cache and /metrics. SIGHUP forces a sync.

Alongside the sync engine the daemon flushes queued fraud shadows, sends
heartbeats for the configured user, and, when a realtime transport is
configured, turns remote change notifications into debounced cache
invalidations.

Example:
  possync run --config /etc/possync/possync.cue
  possync run --db ./pos.db --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, rootOpts)
		},
	}
}

func runDaemon(cmd *cobra.Command, opts *RootOptions) error {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := openApp(ctx, opts, cmd.ErrOrStderr(), remoteRequired)
	if err != nil {
		return err
	}
	defer a.Close()
	logger, cfg := a.logger, a.cfg

	registry := cache.NewRegistry()
	eng := a.engine(engine.WithInvalidator(registry))

	shadows := shadow.New(a.remote, a.store, a.installID,
		shadow.WithLogger(logger),
		shadow.WithMetrics(a.metrics),
		shadow.WithFlushInterval(cfg.Intervals.Shadow),
		shadow.WithReconcileBatch(cfg.ReconcileBatch),
	)
	shadows.Start()
	defer shadows.Stop()

	beats := heartbeat.New(a.remote, eng, a.installID,
		heartbeat.WithReconciler(shadows),
		heartbeat.WithAppVersion(cfg.AppVersion),
		heartbeat.WithInterval(cfg.Intervals.Heartbeat),
		heartbeat.WithLogger(logger),
		heartbeat.WithMetrics(a.metrics),
	)
	if cfg.UserID != "" {
		beats.Start(cfg.UserID)
		defer beats.Stop()
	} else {
		logger.Info("no user configured, heartbeats disabled")
	}

	debouncer := realtime.NewDebouncer(registry,
		realtime.WithWindow(cfg.Intervals.Debounce),
		realtime.WithTableKeys(a.tableKeys()),
		realtime.WithLogger(logger),
		realtime.WithMetrics(a.metrics),
	)
	defer debouncer.Stop()

	feed, release := newFeed(cfg, logger)
	if release != nil {
		defer release()
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	if feed != nil {
		identity := func() realtime.Identity {
			return realtime.Identity{UserID: cfg.UserID, Admin: cfg.Admin}
		}
		watcher := realtime.NewAdminWatcher(identity, logNotifier(logger), logger)

		changes := make(chan realtime.Change, 64)
		wg.Add(2)
		go func() {
			defer wg.Done()
			realtime.Stream(ctx, feed, changes, realtime.WithStreamLogger(logger))
		}()
		go func() {
			defer wg.Done()
			realtime.Consume(ctx, changes, debouncer, watcher)
		}()
	}

	if cfg.StatusAddr != "" {
		api := statusapi.New(eng,
			statusapi.WithGatherer(a.registry),
			statusapi.WithCache(registry),
			statusapi.WithLogger(logger),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := api.ListenAndServe(ctx, cfg.StatusAddr); err != nil {
				logger.Error("status api stopped", "error", err)
				cancel()
			}
		}()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-hup:
				logger.Info("received SIGHUP, syncing")
				eng.TriggerSync()
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info("daemon starting",
		"db", cfg.DB,
		"remote", cfg.Remote.Kind,
		"realtime", cfg.Realtime.Transport,
		"install_id", a.installID,
	)
	fmt.Fprintln(cmd.OutOrStdout(), "Sync daemon started. Press Ctrl-C to stop.")

	// Startup counts as coming to the foreground.
	eng.Foreground()

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	logger.Info("daemon stopped gracefully")
	return nil
}

// newFeed returns the configured change feed and a func releasing its
// connection, or a nil feed when realtime is off.
func newFeed(cfg config.Config, logger *slog.Logger) (realtime.Feed, func()) {
	switch cfg.Realtime.Transport {
	case config.TransportWebSocket:
		wopts := []wsfeed.Option{wsfeed.WithLogger(logger)}
		if cfg.Remote.APIKey != "" {
			wopts = append(wopts, wsfeed.WithAPIKey(cfg.Remote.APIKey))
		}
		return wsfeed.New(cfg.Realtime.URL, wopts...), func() {}
	case config.TransportRedis:
		client := redisfeed.NewClient(cfg.Realtime.Addr, cfg.Realtime.Password)
		feed := redisfeed.New(client,
			redisfeed.WithChannel(cfg.Realtime.Channel),
			redisfeed.WithLogger(logger),
		)
		return feed, func() {
			if err := client.Close(); err != nil {
				logger.Warn("closing redis client", "error", err)
			}
		}
	default:
		return nil, nil
	}
}

// logNotifier reports admin notices in the daemon log, where the host
// app's log shipper picks them up.
func logNotifier(logger *slog.Logger) realtime.Notifier {
	return realtime.NotifierFunc(func(_ context.Context, n realtime.SaleNotice) error {
		logger.Warn("sale by another user",
			"sale_id", n.SaleID,
			"user_id", n.UserID,
			"total", n.Total,
		)
		return nil
	})
}
