package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/c0deZ3R0/relsync"
	syncErrors "github.com/c0deZ3R0/relsync/errors"
	"github.com/c0deZ3R0/relsync/internal/config"
	"github.com/c0deZ3R0/relsync/logging"
	"github.com/c0deZ3R0/relsync/storage/memory"
	"github.com/c0deZ3R0/relsync/storage/postgres"
	"github.com/c0deZ3R0/relsync/storage/sqlite"
	"github.com/c0deZ3R0/relsync/synckit"
	"github.com/c0deZ3R0/relsync/transport/rest"
)

// errRemoteDetached is returned by the placeholder remote used by commands
// that only touch local state.
var errRemoteDetached = errors.New("remote store not opened for this command")

// detachedRemote stands in for the remote in local-only commands so they
// work without network access.
type detachedRemote struct{}

func (detachedRemote) Fetch(context.Context, string, string) (synckit.Row, error) {
	return nil, errRemoteDetached
}

func (detachedRemote) Insert(context.Context, string, synckit.Row) error {
	return errRemoteDetached
}

func (detachedRemote) Update(context.Context, string, string, synckit.Row) error {
	return errRemoteDetached
}

// runtime holds the opened stores and the Service built on them.
type runtime struct {
	cfg          *config.Config
	logger       *slog.Logger
	local        *sqlite.Store
	remote       synckit.RemoteStore
	connectivity synckit.Connectivity
	svc          *relsync.Service
	closers      []func() error
}

// loadConfig reads the configured file or falls back to defaults.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	if opts.ConfigPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, opts *RootOptions) *slog.Logger {
	lc := logging.GetConfigFromEnv(cfg.Logging)
	if opts.Verbose {
		lc.Level = "debug"
	}
	if lc.Format == "" {
		lc.Format = "text"
	}
	if lc.Level == "" {
		lc.Level = "warn"
	}
	logging.Init(lc)
	return logging.Default().Logger
}

// openRuntime opens local storage and, when withRemote is set, the
// configured remote. cfg may be adjusted by the caller beforehand.
func openRuntime(opts *RootOptions, cfg *config.Config, withRemote bool) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: newLogger(cfg, opts)}

	localCfg := cfg.Local
	localCfg.Logger = rt.logger.With(slog.Any("component", logging.Component("sqlite-kv")))
	local, err := sqlite.New(&localCfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open local storage", err)
	}
	rt.local = local
	rt.closers = append(rt.closers, local.Close)

	rt.remote = detachedRemote{}
	rt.connectivity = synckit.ConnectivityFunc(func(context.Context) bool { return false })
	if withRemote {
		if err := rt.openRemote(); err != nil {
			rt.Close()
			return nil, err
		}
	}

	resolver, err := cfg.Conflicts.Resolver()
	if err != nil {
		rt.Close()
		return nil, WrapExitError(ExitCommandError, "invalid conflict policy", err)
	}

	svc, err := relsync.New(relsync.Config{
		Local:        local,
		Remote:       rt.remote,
		Resolver:     resolver,
		Connectivity: rt.connectivity,
		Tables:       cfg.Tables,
		Logger:       rt.logger,
	})
	if err != nil {
		rt.Close()
		return nil, WrapExitError(ExitCommandError, "failed to build service", err)
	}
	rt.svc = svc
	return rt, nil
}

func (rt *runtime) openRemote() error {
	cfg := rt.cfg
	switch cfg.Remote.Kind {
	case config.RemoteREST:
		rc := cfg.Remote.REST
		ropts := []rest.Option{
			rest.WithHTTPClient(&http.Client{Timeout: rc.Timeout}),
			rest.WithAPIKey(rc.APIKey),
			rest.WithBearerToken(rc.Token),
			rest.WithLogger(rt.logger.With(slog.Any("component", logging.Component("rest-client")))),
		}
		limits := rest.DefaultLimits()
		limits.EnableGzip = rc.Gzip
		if rc.MaxBodyBytes > 0 {
			limits.MaxBodyBytes = rc.MaxBodyBytes
		}
		ropts = append(ropts, rest.WithLimits(limits))
		for k, v := range rc.Headers {
			ropts = append(ropts, rest.WithHeader(k, v))
		}
		client := rest.NewClient(rc.URL, ropts...)
		rt.remote = client
		if rc.HealthURL != "" {
			rt.connectivity = rest.NewProbe(rc.HealthURL, nil, cfg.Sync.ProbeTimeout)
		} else {
			rt.connectivity = client.Probe(cfg.Sync.ProbeTimeout)
		}

	case config.RemotePostgres:
		pc := cfg.Remote.Postgres
		pc.Logger = rt.logger.With(slog.Any("component", logging.Component("postgres-store")))
		store, err := postgres.New(&pc)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to open remote store", err)
		}
		rt.remote = store
		rt.connectivity = store
		rt.closers = append(rt.closers, store.Close)

	case config.RemoteMemory:
		rt.remote = memory.NewRemoteStore()
		rt.connectivity = synckit.AlwaysOnline

	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown remote kind %q", cfg.Remote.Kind))
	}
	return nil
}

// Close releases everything opened, newest first.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// storageExit maps a local storage failure to an exit error.
func storageExit(message string, err error) error {
	if syncErrors.IsRetryable(err) {
		return WrapExitError(ExitFailure, message, err)
	}
	return WrapExitError(ExitCommandError, message, err)
}
