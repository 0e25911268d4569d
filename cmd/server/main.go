package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/grouprelay/internal/broker"
	"github.com/Tyrowin/grouprelay/internal/config"
	"github.com/Tyrowin/grouprelay/internal/docdb"
	"github.com/Tyrowin/grouprelay/internal/query"
	"github.com/Tyrowin/grouprelay/internal/registry"
	"github.com/Tyrowin/grouprelay/internal/relay"
	"github.com/Tyrowin/grouprelay/internal/server"
	"github.com/Tyrowin/grouprelay/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := pflag.StringP("config", "c", "", "path to YAML config file (optional)")
	pflag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "grouprelay: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("grouprelay exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	db, err := docdb.Open(cfg.Store.Path, docdb.Options{
		PollInterval: cfg.Store.PollInterval,
		BatchSize:    cfg.Store.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	st := store.New(db)
	reg := registry.New()
	hub := server.NewHub(logger.With("component", "hub"))
	b := broker.New(reg, hub, cfg.Relay.SendTimeout, logger.With("component", "broker"))
	rel := relay.New(relay.Deps{
		Store:    st,
		Feed:     st,
		Registry: reg,
		Broker:   b,
		Query:    query.New(st),
		Logger:   logger.With("component", "relay"),
	}, relay.Options{
		StoreTimeout: cfg.Store.Timeout,
		Consumer:     cfg.Relay.Consumer,
	})

	srv := server.New(cfg.Server, server.Deps{
		Hub:        hub,
		Dispatcher: rel,
		Stats: func() any {
			conns, groups := reg.Count()
			return map[string]any{
				"connections": conns,
				"groups":      groups,
				"broker":      b.Stats(),
				"relay":       rel.Stats(),
			}
		},
		Logger: logger.With("component", "server"),
	})
	httpServer := server.CreateServer(cfg.Server.Port, srv.Routes())

	go hub.Run()

	runCtx, stop := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return rel.Run(gctx) })
	g.Go(func() error { return server.StartServer(httpServer) })

	failed := make(chan error, 1)
	go func() {
		if err := g.Wait(); err != nil {
			failed <- err
		}
	}()

	logger.Info("grouprelay listening", "addr", cfg.Server.Port, "store", cfg.Store.Path)

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"grouprelay": func(ctx context.Context) error {
				logger.Info("graceful shutdown initiated")
				var errs []error
				if err := server.ShutdownServer(ctx, httpServer); err != nil {
					errs = append(errs, err)
				}
				stop()
				if err := g.Wait(); err != nil {
					errs = append(errs, err)
				}
				if err := hub.Shutdown(10 * time.Second); err != nil {
					errs = append(errs, fmt.Errorf("hub: %w", err))
				}
				if err := db.Close(); err != nil {
					errs = append(errs, fmt.Errorf("close store: %w", err))
				}
				return errors.Join(errs...)
			},
		},
	)

	select {
	case err := <-failed:
		stop()
		_ = hub.Shutdown(10 * time.Second)
		_ = db.Close()
		return err
	case exitCode := <-wait:
		if exitCode != 0 {
			return fmt.Errorf("shutdown finished with exit code %d", exitCode)
		}
		logger.Info("grouprelay stopped")
		return nil
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
