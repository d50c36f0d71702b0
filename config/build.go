package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gonzalop/ftpd/admission"
	"github.com/gonzalop/ftpd/auth"
	"github.com/gonzalop/ftpd/auth/badgerstore"
	"github.com/gonzalop/ftpd/server"
	"github.com/gonzalop/ftpd/stats"
	promsink "github.com/gonzalop/ftpd/stats/prometheus"
)

// Runtime holds everything Build assembles from a Config.
type Runtime struct {
	Logger    *slog.Logger
	Users     auth.UserRepository
	Admission *admission.Controller
	Counters  *stats.Counters

	// Registry holds the FTP collectors. It is nil when metrics are disabled.
	Registry *prometheus.Registry

	// Options configure a server.Server to use the pieces above.
	Options []server.Option

	closers []io.Closer
}

// Close releases the user store and the log file, if any.
func (r *Runtime) Close() error {
	var result *multierror.Error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	r.closers = nil
	return result.ErrorOrNil()
}

// Build creates the logger, user repository, admission controller, stats
// sinks and server options described by cfg. The caller must Close the
// returned Runtime.
func Build(ctx context.Context, cfg *Config) (_ *Runtime, err error) {
	rt := &Runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	logger, logCloser, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	rt.Logger = logger
	if logCloser != nil {
		rt.closers = append(rt.closers, logCloser)
	}

	users, err := rt.createUserStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.Users = users

	driver, err := server.NewFSDriver(cfg.Filesystem.Root, server.WithCreateHome(cfg.Filesystem.CreateHomes))
	if err != nil {
		return nil, fmt.Errorf("filesystem: %w", err)
	}

	rt.Admission = admission.New(admission.Limits{
		MaxConnections:      cfg.Limits.MaxConnections,
		MaxConnectionsPerIP: cfg.Limits.MaxConnectionsPerIP,
		MaxLogins:           cfg.Limits.MaxLogins,
		MaxAnonymousLogins:  cfg.Limits.MaxAnonymousLogins,
	})

	rt.Counters = stats.NewCounters()
	sinks := stats.Multi{rt.Counters, stats.NewLogSink(logger)}
	if cfg.Metrics.Enabled {
		rt.Registry = prometheus.NewRegistry()
		sinks = append(sinks, promsink.New(rt.Registry))
	}

	s := cfg.Server
	rt.Options = []server.Option{
		server.WithDriver(driver),
		server.WithAuthenticator(auth.NewAuthenticator(users)),
		server.WithAdmission(rt.Admission),
		server.WithStats(sinks),
		server.WithLogger(logger),
		server.WithMaxIdleTime(s.IdleTimeout),
		server.WithDataTimeout(s.DataTimeout),
		server.WithMaxLoginFailures(s.MaxLoginFailures),
		server.WithLoginFailureDelay(s.LoginFailureDelay),
	}
	if s.WelcomeMessage != "" {
		rt.Options = append(rt.Options, server.WithWelcomeMessage(s.WelcomeMessage))
	}
	if s.PassivePortMin > 0 {
		rt.Options = append(rt.Options, server.WithPassivePortRange(s.PassivePortMin, s.PassivePortMax))
	}
	if s.PublicHost != "" {
		rt.Options = append(rt.Options, server.WithPublicHost(s.PublicHost))
	}

	return rt, nil
}

// createUserStore opens the configured repository and loads the configured
// accounts into it.
func (rt *Runtime) createUserStore(ctx context.Context, cfg *Config) (auth.UserRepository, error) {
	records := append([]auth.UserRecord(nil), cfg.Users...)

	switch cfg.UserStore.Type {
	case "memory":
		repo := auth.NewMemoryRepository()
		if cfg.Anonymous.Enabled {
			records = append(records, cfg.Anonymous.Record())
		}
		for _, rec := range records {
			if err := repo.Add(rec); err != nil {
				return nil, fmt.Errorf("users: %w", err)
			}
		}
		return repo, nil

	case "badger":
		var badgerCfg badgerstore.Config
		if err := mapstructure.Decode(cfg.UserStore.Badger, &badgerCfg); err != nil {
			return nil, fmt.Errorf("invalid badger config: %w", err)
		}
		store, err := badgerstore.Open(badgerCfg)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, store)

		for _, rec := range records {
			if err := store.Put(ctx, rec); err != nil {
				return nil, fmt.Errorf("users: %w", err)
			}
		}
		// The anonymous section is authoritative for the anonymous account.
		if cfg.Anonymous.Enabled {
			if err := store.Put(ctx, cfg.Anonymous.Record()); err != nil {
				return nil, fmt.Errorf("anonymous: %w", err)
			}
		} else if err := store.Delete(ctx, auth.AnonymousName); err != nil && !errors.Is(err, auth.ErrUserNotFound) {
			return nil, fmt.Errorf("anonymous: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown user store type: %q", cfg.UserStore.Type)
	}
}

// NewLogger builds the slog logger described by cfg. The returned closer is
// non-nil when logs go to a file.
func NewLogger(cfg LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, fmt.Errorf("logging: invalid level %q", cfg.Level)
	}

	var (
		out    io.Writer
		closer io.Closer
	)
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: failed to open %s: %w", cfg.Output, err)
		}
		out, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closer, nil
}
