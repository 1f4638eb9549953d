package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"MarketPulse/internal/domain/models"
	drepo "MarketPulse/internal/domain/repository"
	"MarketPulse/pkg/cache"
)

const (
	signalNS     = "signal"
	indicatorsNS = "indicators"
)

// CacheSnapshotStore keeps the latest signal and indicator set per symbol in
// a cache.Service, either in-process or layered over Redis.
type CacheSnapshotStore struct {
	c   cache.Service
	ttl time.Duration
}

func NewCacheSnapshotStore(c cache.Service, ttl time.Duration) *CacheSnapshotStore {
	return &CacheSnapshotStore{c: c, ttl: ttl}
}

var _ drepo.SnapshotStore = (*CacheSnapshotStore)(nil)

func (s *CacheSnapshotStore) SaveSignal(ctx context.Context, sig models.Signal, ind *models.IndicatorSet) error {
	sym := strings.ToUpper(sig.Symbol)
	if err := s.c.Set(ctx, cache.GenerateKey(signalNS, sym), sig, s.ttl); err != nil {
		return fmt.Errorf("save signal %s: %w", sym, err)
	}
	if ind != nil {
		if err := s.c.Set(ctx, cache.GenerateKey(indicatorsNS, sym), ind, s.ttl); err != nil {
			return fmt.Errorf("save indicators %s: %w", sym, err)
		}
	}
	return nil
}

// LatestSignals returns the stored signal for each symbol that has one.
func (s *CacheSnapshotStore) LatestSignals(ctx context.Context, symbols []string) (map[string]models.Signal, error) {
	keys := make([]string, len(symbols))
	for i, sym := range symbols {
		keys[i] = cache.GenerateKey(signalNS, strings.ToUpper(sym))
	}
	byKey, err := cache.MGetTyped[models.Signal](ctx, s.c, keys...)
	if err != nil {
		return nil, fmt.Errorf("latest signals: %w", err)
	}
	out := make(map[string]models.Signal, len(byKey))
	for _, sig := range byKey {
		out[sig.Symbol] = sig
	}
	return out, nil
}

// LatestIndicators fails with models.ErrNoData when nothing was stored.
func (s *CacheSnapshotStore) LatestIndicators(ctx context.Context, symbol string) (models.IndicatorSet, error) {
	var ind models.IndicatorSet
	err := s.c.Get(ctx, cache.GenerateKey(indicatorsNS, strings.ToUpper(symbol)), &ind)
	if errors.Is(err, cache.ErrCacheMiss) {
		return ind, fmt.Errorf("indicators %s: %w", symbol, models.ErrNoData)
	}
	if err != nil {
		return ind, fmt.Errorf("indicators %s: %w", symbol, err)
	}
	return ind, nil
}
