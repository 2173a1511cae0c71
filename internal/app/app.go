package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/liamashdown/peggwatch/internal/config"
	"github.com/liamashdown/peggwatch/internal/monitor"
	"github.com/liamashdown/peggwatch/internal/storage"
)

const shutdownTimeout = 15 * time.Second

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger *logrus.Logger
}

// New constructs a new application handle.
func New(cfg *config.Config, log *logrus.Logger) *App {
	return &App{Config: cfg, Logger: log}
}

func (a *App) openStore() (*storage.DB, error) {
	db, err := storage.New(a.Config.Database, a.Logger)
	if err != nil {
		return nil, err
	}
	if a.Config.Database.AutoMigrate {
		if err := db.AutoMigrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.Logger.Info("Database migrations complete")
	}
	return db, nil
}

// Run starts every loop and the HTTP server and blocks until a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.Logger.WithFields(logrus.Fields{
		"environment": a.Config.App.Environment,
		"networks":    len(a.Config.Networks),
		"instruments": len(a.Config.Peg.Instruments),
		"whale_min":   a.Config.Whale.MinAmount,
	}).Info("Starting peggwatch service")

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	for _, t := range rt.tasks {
		if err := t.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", t.Name(), err)
		}
	}

	handler := monitor.NewHandler(rt.service, monitor.HTTPOptions{
		Live:           rt.hub,
		VAPIDPublicKey: a.Config.Alerts.WebPush.VAPIDPublicKey,
	}, a.Logger)
	server := monitor.NewServer(a.Config.HTTP.Port, handler)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.WithField("port", a.Config.HTTP.Port).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, t := range rt.tasks {
			if err := t.Stop(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("stop %s: %w", t.Name(), err))
			}
		}
		rt.pipeline.Wait()
		rt.hub.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		a.Logger.WithError(err).Error("Service terminated with error")
		return err
	}
	a.Logger.Info("Graceful shutdown complete")
	return nil
}

// Migrate creates or updates the schema regardless of database.auto_migrate.
func (a *App) Migrate(ctx context.Context) error {
	db, err := storage.New(a.Config.Database, a.Logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	if err := db.AutoMigrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.Logger.WithField("driver", a.Config.Database.Driver).Info("Database migrations complete")
	return nil
}
