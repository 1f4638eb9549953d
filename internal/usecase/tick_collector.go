package usecase

import (
	"context"
	"fmt"
	"sync"

	"MarketPulse/internal/domain/models"
	drepo "MarketPulse/internal/domain/repository"
	applogger "MarketPulse/pkg/logger"
)

// TickApplier folds a trade print into the latest quote.
type TickApplier interface {
	ApplyTick(t models.Tick) bool
}

// TickCollector keeps the price cache current from a streaming upstream
// between poll cycles, reconnecting whenever the stream drops.
type TickCollector struct {
	stream  drepo.TickStream
	cache   TickApplier
	metrics drepo.Metrics
	l       *applogger.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewTickCollector(stream drepo.TickStream, cache TickApplier, metrics drepo.Metrics, l *applogger.Logger) *TickCollector {
	if l == nil {
		l = applogger.NewNop()
	}
	return &TickCollector{stream: stream, cache: cache, metrics: metrics, l: l, done: make(chan struct{})}
}

func (c *TickCollector) IsConnected() bool {
	return c.stream.IsConnected()
}

// Start connects and subscribes before returning; consumption runs in the
// background until Stop.
func (c *TickCollector) Start(ctx context.Context) error {
	if err := c.stream.Connect(ctx); err != nil {
		return err
	}
	if err := c.stream.Subscribe(ctx); err != nil {
		_ = c.stream.Close()
		return fmt.Errorf("subscribe ticks: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	go c.run(runCtx)
	return nil
}

func (c *TickCollector) run(ctx context.Context) {
	defer close(c.done)
	for {
		ticks, errs := c.stream.Read(ctx)
		c.consume(ticks)

		if ctx.Err() != nil {
			return
		}
		if err := <-errs; err != nil {
			c.metrics.RecordError("tick_stream")
			c.l.Warn("tick stream dropped", applogger.Error(err))
		}
		if err := c.stream.Reconnect(ctx); err != nil {
			c.l.Error("tick stream gave up", applogger.Error(err))
			return
		}
	}
}

func (c *TickCollector) consume(ticks <-chan models.Tick) {
	for t := range ticks {
		if !c.cache.ApplyTick(t) {
			c.metrics.RecordCacheResult("tick_skipped")
		}
	}
}

// Stop ends consumption and closes the stream.
func (c *TickCollector) Stop(ctx context.Context) error {
	var err error
	c.once.Do(func() {
		if c.cancel == nil {
			err = c.stream.Close()
			return
		}
		c.cancel()
		err = c.stream.Close()
		select {
		case <-c.done:
		case <-ctx.Done():
			err = fmt.Errorf("stop tick collector: %w", ctx.Err())
		}
	})
	return err
}
