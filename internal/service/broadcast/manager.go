package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"MarketPulse/internal/domain/models"
	drepo "MarketPulse/internal/domain/repository"
	applogger "MarketPulse/pkg/logger"
)

var (
	ErrClosed             = errors.New("broadcast manager closed")
	ErrTooManySubscribers = errors.New("subscriber limit reached")
	ErrUnknownSubscriber  = errors.New("unknown subscriber")
)

// Conn is one client transport. Write must give up once ctx is done.
type Conn interface {
	Write(ctx context.Context, payload []byte) error
	Close() error
}

type SubscriberID string

type SubscriberStats struct {
	ID          SubscriberID `json:"id"`
	Symbols     []string     `json:"symbols"`
	ConnectedAt time.Time    `json:"connected_at"`
	Delivered   uint64       `json:"delivered"`
	LastSeq     uint64       `json:"last_seq"`
	Pending     int          `json:"pending"`
}

type Stats struct {
	Subscribers int               `json:"subscribers"`
	Published   uint64            `json:"published"`
	Evicted     uint64            `json:"evicted"`
	LastSeq     uint64            `json:"last_seq"`
	Details     []SubscriberStats `json:"details"`
}

type Option func(*Manager)

// WithWriteTimeout bounds every single write to a subscriber.
func WithWriteTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.writeTimeout = d
		}
	}
}

func WithMaxSubscribers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxSubscribers = n
		}
	}
}

func WithLogger(l *applogger.Logger) Option {
	return func(m *Manager) { m.l = l }
}

func WithMetrics(r drepo.Metrics) Option {
	return func(m *Manager) { m.metrics = r }
}

// Manager is the subscriber registry. Publish never blocks on a client:
// each subscriber has its own writer goroutine fed from a mailbox that keeps
// at most one pending payload per event key.
type Manager struct {
	writeTimeout   time.Duration
	maxSubscribers int
	l              *applogger.Logger
	metrics        drepo.Metrics

	mu     sync.RWMutex
	subs   map[SubscriberID]*subscriber
	closed bool

	seq       atomic.Uint64
	published atomic.Uint64
	evicted   atomic.Uint64
	wg        sync.WaitGroup
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		writeTimeout:   2 * time.Second,
		maxSubscribers: 1000,
		l:              applogger.NewNop(),
		metrics:        drepo.NopMetrics{},
		subs:           make(map[SubscriberID]*subscriber),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect registers conn and starts its writer. No symbols means every
// symbol.
func (m *Manager) Connect(conn Conn, symbols ...string) (SubscriberID, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	if len(m.subs) >= m.maxSubscribers {
		m.mu.Unlock()
		m.metrics.RecordError("subscriber_limit")
		return "", ErrTooManySubscribers
	}
	s := newSubscriber(SubscriberID(uuid.NewString()), conn, symbols)
	m.subs[s.id] = s
	n := len(m.subs)
	m.wg.Add(1)
	m.mu.Unlock()

	go m.writeLoop(s)

	m.metrics.SetSubscribers(n)
	m.l.Info("subscriber connected",
		applogger.String("subscriber_id", string(s.id)),
		applogger.Int("subscribers", n),
	)
	return s.id, nil
}

// Disconnect removes the subscriber, stops its writer and closes the conn.
func (m *Manager) Disconnect(id SubscriberID) {
	s, n, ok := m.remove(id, nil)
	if !ok {
		return
	}
	s.stop()
	_ = s.conn.Close()
	m.l.Info("subscriber disconnected",
		applogger.String("subscriber_id", string(id)),
		applogger.Int("subscribers", n),
	)
}

// Subscribe replaces the subscriber's symbol set. An empty set means every
// symbol.
func (m *Manager) Subscribe(id SubscriberID, symbols []string) error {
	m.mu.RLock()
	s, ok := m.subs[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("subscribe %s: %w", id, ErrUnknownSubscriber)
	}
	s.setSymbols(symbols)
	return nil
}

// Publish marshals e once and hands it to every matching subscriber. It
// returns the number of subscribers targeted.
func (m *Manager) Publish(e models.Event) int {
	payload, err := json.Marshal(e)
	if err != nil {
		m.l.Error("marshal event", applogger.String("type", string(e.Type)), applogger.Error(err))
		m.metrics.RecordError("event_marshal")
		return 0
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return 0
	}
	targets := make([]*subscriber, 0, len(m.subs))
	for _, s := range m.subs {
		if s.wants(e.Symbol()) {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	seq := m.seq.Add(1)
	key := e.Key()
	for _, s := range targets {
		s.offer(key, seq, payload)
	}

	m.published.Add(1)
	m.metrics.RecordPublish(string(e.Type), len(targets))
	return len(targets)
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	details := make([]SubscriberStats, 0, len(m.subs))
	for _, s := range m.subs {
		details = append(details, s.stats())
	}
	m.mu.RUnlock()

	sort.Slice(details, func(i, j int) bool { return details[i].ConnectedAt.Before(details[j].ConnectedAt) })
	return Stats{
		Subscribers: len(details),
		Published:   m.published.Load(),
		Evicted:     m.evicted.Load(),
		LastSeq:     m.seq.Load(),
		Details:     details,
	}
}

// Shutdown stops accepting subscribers and lets every writer drain the
// payloads already accepted by Publish, each write still bounded by the write
// timeout. Writers still running when ctx ends are cancelled and every
// connection is closed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := make([]*subscriber, 0, len(m.subs))
	for id, s := range m.subs {
		subs = append(subs, s)
		delete(m.subs, id)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.beginDrain()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("wait for subscriber writes: %w", ctx.Err())
		for _, s := range subs {
			s.stop()
		}
	}

	for _, s := range subs {
		err = multierr.Append(err, s.conn.Close())
	}
	m.metrics.SetSubscribers(0)
	m.l.Info("broadcast manager stopped", applogger.Int("closed", len(subs)))
	return err
}

func (m *Manager) writeLoop(s *subscriber) {
	defer m.wg.Done()
	defer s.cancel()
	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
		case <-s.drain:
		}
		if !m.flush(s) {
			return
		}
		select {
		case <-s.drain:
			return
		default:
		}
	}
}

// flush writes pending payloads until the mailbox is empty. It returns false
// once the writer has to exit.
func (m *Manager) flush(s *subscriber) bool {
	for {
		select {
		case <-s.quit:
			return false
		default:
		}

		p, ok := s.next()
		if !ok {
			return true
		}
		ctx, cancel := context.WithTimeout(s.ctx, m.writeTimeout)
		err := s.conn.Write(ctx, p.payload)
		cancel()
		if err != nil {
			m.evict(s, err)
			return false
		}
		s.delivered.Add(1)
		s.lastSeq.Store(p.seq)
	}
}

// evict drops a subscriber whose write failed. There is no retry.
func (m *Manager) evict(s *subscriber, cause error) {
	_, n, ok := m.remove(s.id, s)
	if !ok {
		return
	}
	s.stop()
	_ = s.conn.Close()

	reason := "write_failed"
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = "write_timeout"
	}
	m.evicted.Add(1)
	m.metrics.RecordEviction(reason)
	m.l.Warn("evicting subscriber",
		applogger.String("subscriber_id", string(s.id)),
		applogger.String("reason", reason),
		applogger.Int("subscribers", n),
		applogger.Error(fmt.Errorf("%w: %w", models.ErrSubscriberWriteFailed, cause)),
	)
}

// remove deletes id from the registry, only if it still maps to want when
// want is non-nil.
func (m *Manager) remove(id SubscriberID, want *subscriber) (*subscriber, int, bool) {
	m.mu.Lock()
	s, ok := m.subs[id]
	if ok && (want == nil || s == want) {
		delete(m.subs, id)
	} else {
		ok = false
	}
	n := len(m.subs)
	m.mu.Unlock()

	if ok {
		m.metrics.SetSubscribers(n)
	}
	return s, n, ok
}

type pending struct {
	seq     uint64
	payload []byte
}

type subscriber struct {
	id          SubscriberID
	conn        Conn
	connectedAt time.Time

	mu      sync.Mutex
	symbols map[string]struct{}
	order   []string
	slots   map[string]pending

	ctx       context.Context
	cancel    context.CancelFunc
	wake      chan struct{}
	quit      chan struct{}
	drain     chan struct{}
	stopOnce  sync.Once
	drainOnce sync.Once

	delivered atomic.Uint64
	lastSeq   atomic.Uint64
}

func newSubscriber(id SubscriberID, conn Conn, symbols []string) *subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscriber{
		id:          id,
		conn:        conn,
		connectedAt: time.Now().UTC(),
		slots:       make(map[string]pending),
		ctx:         ctx,
		cancel:      cancel,
		wake:        make(chan struct{}, 1),
		quit:        make(chan struct{}),
		drain:       make(chan struct{}),
	}
	s.setSymbols(symbols)
	return s
}

func (s *subscriber) setSymbols(symbols []string) {
	set := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		if sym = strings.ToUpper(strings.TrimSpace(sym)); sym != "" {
			set[sym] = struct{}{}
		}
	}
	s.mu.Lock()
	s.symbols = set
	s.mu.Unlock()
}

func (s *subscriber) wants(symbol string) bool {
	if symbol == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.symbols) == 0 {
		return true
	}
	_, ok := s.symbols[symbol]
	return ok
}

// offer stores payload under key. An undelivered payload with the same key is
// dropped and the new one queues behind everything published before it.
func (s *subscriber) offer(key string, seq uint64, payload []byte) {
	s.mu.Lock()
	if _, ok := s.slots[key]; ok {
		for i, k := range s.order {
			if k == key {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.order = append(s.order, key)
	s.slots[key] = pending{seq: seq, payload: payload}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) next() (pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return pending{}, false
	}
	key := s.order[0]
	s.order = s.order[1:]
	p := s.slots[key]
	delete(s.slots, key)
	return p, true
}

// stop ends the writer and cancels its in-flight write.
func (s *subscriber) stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		s.cancel()
	})
}

// beginDrain makes the writer exit once its mailbox is empty.
func (s *subscriber) beginDrain() {
	s.drainOnce.Do(func() { close(s.drain) })
}

func (s *subscriber) stats() SubscriberStats {
	s.mu.Lock()
	symbols := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		symbols = append(symbols, sym)
	}
	pendingN := len(s.order)
	s.mu.Unlock()
	sort.Strings(symbols)

	return SubscriberStats{
		ID:          s.id,
		Symbols:     symbols,
		ConnectedAt: s.connectedAt,
		Delivered:   s.delivered.Load(),
		LastSeq:     s.lastSeq.Load(),
		Pending:     pendingN,
	}
}
