package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dabla/taskrunner/internal/backend"
	"github.com/dabla/taskrunner/internal/bundle"
	"github.com/dabla/taskrunner/internal/config"
	"github.com/dabla/taskrunner/internal/dags"
	"github.com/dabla/taskrunner/internal/engine"
	"github.com/dabla/taskrunner/internal/listener"
	"github.com/dabla/taskrunner/internal/notify"
	"github.com/dabla/taskrunner/internal/runtime"
	"github.com/dabla/taskrunner/internal/store"
	"github.com/dabla/taskrunner/internal/xcom"
)

// app carries the configuration and resources shared by the subcommands.
type app struct {
	cfgFile string
	cfg     config.Config
	logger  *slog.Logger
	closers []func() error
}

func newApp(cfgFile string, logOut io.Writer) (*app, error) {
	cfg := config.Load()
	if cfgFile != "" {
		var err error
		if cfg, err = config.LoadFile(cfgFile); err != nil {
			return nil, err
		}
	} else if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &app{
		cfgFile: cfgFile,
		cfg:     cfg,
		logger:  config.NewLogger(cfg.LogWriter(logOut), cfg.LogLevel),
	}, nil
}

// Close releases every resource opened through a, newest first. Later calls
// are no-ops.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) bundles() *bundle.Registry {
	reg := bundle.NewRegistry()
	reg.Register(dags.Bundle(a.cfg.BundleRoot))
	return reg
}

// xcomBackend opens the configured XCom store. A nil backend means XComs
// travel over the supervisor channel.
func (a *app) xcomBackend(ctx context.Context) (xcom.Backend, error) {
	switch a.cfg.XComBackend {
	case config.XComBackendPostgres:
		pool, err := store.NewPostgresPool(ctx, a.cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		s, err := store.NewPostgresXComStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case config.XComBackendRedis:
		client, err := store.NewRedisClient(ctx, a.cfg.RedisAddr, "", 0)
		if err != nil {
			return nil, err
		}
		s := store.NewRedisXComStore(client, 0)
		a.closers = append(a.closers, s.Close)
		return s, nil
	default:
		return nil, nil
	}
}

func (a *app) listeners() (*listener.Manager, error) {
	m := listener.NewManager(
		listener.NewLogListener(a.logger),
		listener.NewMetricsListener(a.cfg.PushgatewayURL),
	)
	if a.cfg.AMQPURL != "" {
		l, closeConn, err := listener.DialAMQP(a.cfg.AMQPURL, a.cfg.AMQPExchange, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closeConn)
		m.Add(l)
	}
	return m, nil
}

func (a *app) mailer() notify.Mailer {
	if a.cfg.SMTPAddr == "" {
		return notify.NewLogMailer(a.logger)
	}
	return notify.NewSMTPMailer(a.cfg.SMTPAddr, a.cfg.SMTPFrom, a.cfg.SMTPUser, a.cfg.SMTPPassword)
}

// runtimeOptions assembles what a worker needs to run an attempt. Task
// output goes to taskOut.
func (a *app) runtimeOptions(ctx context.Context, taskOut io.Writer) (runtime.Options, error) {
	xb, err := a.xcomBackend(ctx)
	if err != nil {
		return runtime.Options{}, fmt.Errorf("open xcom backend: %w", err)
	}
	ls, err := a.listeners()
	if err != nil {
		return runtime.Options{}, fmt.Errorf("set up listeners: %w", err)
	}
	return runtime.Options{
		Bundles:     a.bundles(),
		Listeners:   ls,
		Mailer:      a.mailer(),
		Logger:      a.logger,
		TaskLogger:  config.NewTaskLogger(taskOut, a.cfg.LogLevel),
		XComBackend: xb,
	}, nil
}

// backends registers the process backend, re-executing this binary as the
// worker, and the in-process backend.
func (a *app) backends(ctx context.Context) (*backend.Registry, error) {
	reg := backend.NewRegistry()

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	args := []string{"worker"}
	if a.cfgFile != "" {
		args = append(args, "--config", a.cfgFile)
	}
	reg.Register(backend.Process, backend.NewProcessBackend(exe, args...))

	opts, err := a.runtimeOptions(ctx, io.Discard)
	if err != nil {
		return nil, err
	}
	inproc := backend.NewInProcessBackend(opts)
	inproc.LogLevel = a.cfg.LogLevel
	reg.Register(backend.InProcess, inproc)

	return reg, nil
}

func (a *app) openStore() (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(a.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, s.Close)
	return s, nil
}

// newEngine builds the store, backends, and engine shared by run and serve.
func (a *app) newEngine(ctx context.Context, backendName string, retryDelay time.Duration) (*store.SQLiteStore, *backend.Registry, *engine.Engine, error) {
	s, err := a.openStore()
	if err != nil {
		return nil, nil, nil, err
	}
	reg, err := a.backends(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	eng := engine.NewEngine(s, reg, a.logger, engine.Config{
		Backend:        backendName,
		RetryDelay:     retryDelay,
		MaxConcurrency: a.cfg.MaxConcurrency,
	})
	return s, reg, eng, nil
}
