package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"MarketPulse/internal/domain/models"
	drepo "MarketPulse/internal/domain/repository"
	"MarketPulse/internal/session"
	applogger "MarketPulse/pkg/logger"
)

type ScheduleConfig struct {
	PriceInterval  time.Duration
	SignalInterval time.Duration
	SymbolTimeout  time.Duration
	MaxConcurrency int
}

// Scheduler runs the price and signal cycles on their own cadences. Each
// cycle fans out over the tracked symbols; a failing symbol is logged and
// skipped without affecting the others.
type Scheduler struct {
	symbols  []string
	cfg      ScheduleConfig
	quotes   QuoteGetter
	prices   session.PriceLookup
	analyzer *Analyzer
	sess     *session.Session
	events   drepo.EventPublisher
	sink     drepo.RecordSink
	metrics  drepo.Metrics
	l        *applogger.Logger
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	initial sync.WaitGroup
}

func NewScheduler(
	symbols []string,
	cfg ScheduleConfig,
	quotes QuoteGetter,
	prices session.PriceLookup,
	analyzer *Analyzer,
	sess *session.Session,
	events drepo.EventPublisher,
	sink drepo.RecordSink,
	metrics drepo.Metrics,
	l *applogger.Logger,
) *Scheduler {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.SymbolTimeout <= 0 {
		cfg.SymbolTimeout = 10 * time.Second
	}
	if l == nil {
		l = applogger.NewNop()
	}
	return &Scheduler{
		symbols:  symbols,
		cfg:      cfg,
		quotes:   quotes,
		prices:   prices,
		analyzer: analyzer,
		sess:     sess,
		events:   events,
		sink:     sink,
		metrics:  metrics,
		l:        l.With(applogger.String("component", "scheduler")),
		now:      time.Now,
	}
}

// Start registers both cycles and runs each once right away.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cl := cronLogger{l: s.l}
	c := cron.New(cron.WithLogger(cl))

	cycles := []struct {
		name     string
		interval time.Duration
		run      func(context.Context)
	}{
		{"price", s.cfg.PriceInterval, s.RunPriceCycle},
		{"signal", s.cfg.SignalInterval, s.RunSignalCycle},
	}
	for _, cy := range cycles {
		cy := cy
		job := cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
			start := time.Now()
			cy.run(runCtx)
			s.metrics.RecordLatency(cy.name+"_cycle", time.Since(start).Seconds())
		}))
		if _, err := c.AddJob(fmt.Sprintf("@every %s", cy.interval), job); err != nil {
			cancel()
			return fmt.Errorf("schedule %s cycle: %w", cy.name, err)
		}
		s.initial.Add(1)
		go func() {
			defer s.initial.Done()
			job.Run()
		}()
	}

	c.Start()
	s.cron = c
	s.cancel = cancel
	s.l.Info("scheduler started",
		applogger.Int("symbols", len(s.symbols)),
		applogger.Duration("price_interval", s.cfg.PriceInterval),
		applogger.Duration("signal_interval", s.cfg.SignalInterval),
	)
	return nil
}

// Stop removes the schedule, cancels running cycles and waits for them,
// bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	running := c.Stop()
	cancel()

	done := make(chan struct{})
	go func() {
		<-running.Done()
		s.initial.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.l.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running cycles: %w", ctx.Err())
	}
}

// RunPriceCycle refreshes every symbol, publishes the quotes and then the
// marked-to-market portfolio.
func (s *Scheduler) RunPriceCycle(ctx context.Context) {
	s.forEachSymbol(ctx, s.refreshPrice)
	if ctx.Err() != nil {
		return
	}
	snap := s.sess.MarkToMarket(s.prices)
	s.publish(models.NewPortfolioUpdate(snap, s.now()))
}

// RunSignalCycle analyzes every symbol and publishes the resulting signals.
func (s *Scheduler) RunSignalCycle(ctx context.Context) {
	s.forEachSymbol(ctx, s.refreshSignal)
}

func (s *Scheduler) forEachSymbol(ctx context.Context, fn func(context.Context, string)) {
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, sym := range s.symbols {
		if ctx.Err() != nil {
			break
		}
		sym := sym
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, s.cfg.SymbolTimeout)
			defer cancel()
			fn(sctx, sym)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) refreshPrice(ctx context.Context, symbol string) {
	q, err := s.quotes.Get(ctx, symbol)
	if err != nil {
		s.metrics.RecordError("price_cycle")
		s.l.Warn("price refresh failed", applogger.String("symbol", symbol), applogger.Error(err))
		return
	}
	s.publish(models.NewPriceUpdate(q, s.now()))
	// a stale quote was already recorded when it was fresh
	if !q.Stale {
		s.sink.Enqueue(models.QuoteRecord(q))
	}
}

func (s *Scheduler) refreshSignal(ctx context.Context, symbol string) {
	a, err := s.analyzer.Analyze(ctx, symbol)
	switch {
	case errors.Is(err, models.ErrInsufficientHistory):
		s.l.Info("skipping signal", applogger.String("symbol", symbol), applogger.Error(err))
		return
	case err != nil:
		s.metrics.RecordError("signal_cycle")
		s.l.Warn("signal refresh failed", applogger.String("symbol", symbol), applogger.Error(err))
		return
	}
	s.publish(models.NewSignalsUpdate(*a.Signal, s.now()))
	s.sink.Enqueue(models.SignalRecord(*a.Signal, a.Indicators))
}

func (s *Scheduler) publish(e models.Event) {
	if n := s.events.Publish(e); n == 0 {
		s.l.Debug("no subscribers", applogger.String("event", string(e.Type)), applogger.String("symbol", e.Symbol()))
	}
}

// cronLogger routes cron's own logging into the application logger.
type cronLogger struct {
	l *applogger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(kvFields(keysAndValues), applogger.Error(err))...)
}

func kvFields(kv []interface{}) []applogger.Field {
	fields := make([]applogger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		fields = append(fields, applogger.Any(key, kv[i+1]))
	}
	return fields
}
