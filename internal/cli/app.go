package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/possync/internal/cache"
	"github.com/roach88/possync/internal/config"
	"github.com/roach88/possync/internal/engine"
	"github.com/roach88/possync/internal/ident"
	"github.com/roach88/possync/internal/ledger"
	"github.com/roach88/possync/internal/metrics"
	"github.com/roach88/possync/internal/mutation"
	"github.com/roach88/possync/internal/queue"
	"github.com/roach88/possync/internal/remote"
	"github.com/roach88/possync/internal/remote/httpstore"
	"github.com/roach88/possync/internal/remote/pgstore"
	"github.com/roach88/possync/internal/store"
)

// RemoteOpener connects to the remote store. The returned func releases it.
type RemoteOpener func(ctx context.Context, rc config.Remote) (remote.Store, func(), error)

// remoteMode says whether a command needs the remote store.
type remoteMode int

const (
	remoteNone remoteMode = iota
	remoteOptional
	remoteRequired
)

// app is the set of components a command works with.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *store.Store
	ledger    *ledger.Ledger
	mutations *mutation.Queue
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	installID string
	remote    remote.Store
	closers   []func()
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.DB = opts.Database
	}
	return cfg, nil
}

// openApp loads the configuration and opens the local database and, per
// mode, the remote store. Callers must Close the app.
func openApp(ctx context.Context, opts *RootOptions, logOut io.Writer, mode remoteMode) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := newLogger(logOut, opts.Verbose)

	logger.Debug("opening database", "path", cfg.DB)
	st, err := store.Open(cfg.DB)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		registry: prometheus.NewRegistry(),
		closers: []func(){func() {
			if err := st.Close(); err != nil {
				logger.Error("error closing database", "error", err)
			}
		}},
	}
	a.metrics = metrics.New(a.registry)
	a.ledger = ledger.New(st, queue.WithLogger(logger))
	a.mutations = mutation.New(st, queue.WithLogger(logger))

	if a.installID, err = ident.LoadOrCreateInstallID(ctx, st); err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to load install id", err)
	}

	if mode == remoteNone {
		return a, nil
	}
	if err := cfg.Remote.Validate(); err != nil {
		if mode == remoteOptional {
			logger.Info("no remote configured", "reason", err)
			return a, nil
		}
		a.Close()
		return nil, WrapExitError(ExitCommandError, "remote not configured", err)
	}
	open := opts.OpenRemote
	if open == nil {
		open = openRemote
	}
	rs, release, err := open(ctx, cfg.Remote)
	if err != nil {
		if mode == remoteOptional {
			logger.Warn("remote store unavailable, continuing offline", "error", err)
			return a, nil
		}
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open remote store", err)
	}
	a.remote = rs
	a.closers = append(a.closers, release)
	return a, nil
}

// openRemote builds the remote store the configuration names.
func openRemote(ctx context.Context, rc config.Remote) (remote.Store, func(), error) {
	switch rc.Kind {
	case config.RemotePostgres:
		s, err := pgstore.New(ctx, rc.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.RemoteHTTP:
		var copts []httpstore.ClientOption
		if rc.APIKey != "" {
			copts = append(copts, httpstore.WithAPIKey(rc.APIKey))
		}
		s, err := httpstore.New(rc.URL, copts...)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	default:
		return nil, nil, errors.New("unknown remote kind " + rc.Kind)
	}
}

// tableKeys is the built-in table to cache-key mapping plus the
// configured extras.
func (a *app) tableKeys() cache.TableKeys {
	extra := make(cache.TableKeys, len(a.cfg.TableKeys))
	for table, keys := range a.cfg.TableKeys {
		for _, k := range keys {
			extra[table] = append(extra[table], cache.Key(k))
		}
	}
	return cache.DefaultTableKeys().Merge(extra)
}

// engine builds the sync orchestrator. The remote may be nil for
// commands that never sync.
func (a *app) engine(opts ...engine.Option) *engine.Engine {
	base := []engine.Option{
		engine.WithLogger(a.logger),
		engine.WithMetrics(a.metrics),
		engine.WithTableKeys(a.tableKeys()),
		engine.WithRetentionDays(a.cfg.RetentionDays),
		engine.WithSettleDelay(a.cfg.Intervals.Settle),
	}
	return engine.New(a.store, a.ledger, a.mutations, a.remote, append(base, opts...)...)
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
