package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"

	applogger "MarketPulse/pkg/logger"
)

// Service is a background component with a start and a bounded stop.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Listener is the HTTP server.
type Listener interface {
	Start() error
	Stop(ctx context.Context) error
	Err() <-chan error
}

// Gate stops admitting new streaming subscribers.
type Gate interface {
	StopAccepting()
}

// Flusher drains buffered work on Stop.
type Flusher interface {
	Start(ctx context.Context)
	Stop(ctx context.Context) error
}

type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Closer releases an infrastructure client after everything that uses it
// has stopped.
type Closer struct {
	Name  string
	Close func() error
}

// App encapsulates the entire application lifecycle.
type App struct {
	l               *applogger.Logger
	http            Listener
	gate            Gate
	scheduler       Service
	broadcast       Shutdowner
	streams         []Service
	pipeline        Flusher
	closers         []Closer
	shutdownTimeout time.Duration
}

type Components struct {
	Logger    *applogger.Logger
	HTTP      Listener
	Gate      Gate
	Scheduler Service
	Broadcast Shutdowner
	// Streams are optional ingest paths such as the tick stream and the
	// Kafka fills consumer.
	Streams         []Service
	Pipeline        Flusher
	Closers         []Closer
	ShutdownTimeout time.Duration
}

func New(c Components) *App {
	l := c.Logger
	if l == nil {
		l = applogger.NewNop()
	}
	timeout := c.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &App{
		l:               l.With(applogger.String("component", "app")),
		http:            c.HTTP,
		gate:            c.Gate,
		scheduler:       c.Scheduler,
		broadcast:       c.Broadcast,
		streams:         c.Streams,
		pipeline:        c.Pipeline,
		closers:         c.Closers,
		shutdownTimeout: timeout,
	}
}

// Run starts every component and blocks until SIGINT, SIGTERM, ctx
// cancellation or an HTTP listener failure, then shuts down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout)
		defer cancel()
		return multierr.Append(err, a.Shutdown(shutdownCtx))
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.l.Info("shutdown signal received")
	case err := <-a.httpErr():
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout)
	defer cancel()
	return multierr.Append(runErr, a.Shutdown(shutdownCtx))
}

func (a *App) start(ctx context.Context) error {
	if a.pipeline != nil {
		// the pipeline outlives the signal and is drained by Shutdown
		a.pipeline.Start(context.WithoutCancel(ctx))
	}
	for _, s := range a.streams {
		// a stream that cannot connect leaves the service on polled quotes
		if err := s.Start(ctx); err != nil {
			a.l.Warn("stream start failed", applogger.Error(err))
		}
	}
	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}
	if a.http != nil {
		if err := a.http.Start(); err != nil {
			return fmt.Errorf("start http server: %w", err)
		}
	}
	a.l.Info("marketpulse started")
	return nil
}

func (a *App) httpErr() <-chan error {
	if a.http == nil {
		return nil
	}
	return a.http.Err()
}

// Shutdown stops admission, then the cycles, then subscribers and ingest,
// and flushes the record pipeline before closing clients.
func (a *App) Shutdown(ctx context.Context) error {
	a.l.Info("shutting down")
	var errs error

	if a.gate != nil {
		a.gate.StopAccepting()
	}
	if a.scheduler != nil {
		errs = multierr.Append(errs, a.scheduler.Stop(ctx))
	}
	if a.broadcast != nil {
		errs = multierr.Append(errs, a.broadcast.Shutdown(ctx))
	}
	for _, s := range a.streams {
		errs = multierr.Append(errs, s.Stop(ctx))
	}
	if a.http != nil {
		errs = multierr.Append(errs, a.http.Stop(ctx))
	}
	if a.pipeline != nil {
		errs = multierr.Append(errs, a.pipeline.Stop(ctx))
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", c.Name, err))
		}
	}

	if errs != nil {
		a.l.Warn("shutdown finished with errors", applogger.Error(errs))
	} else {
		a.l.Info("shutdown complete")
	}
	return errs
}
