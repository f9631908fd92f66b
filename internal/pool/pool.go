// Package pool owns the fixed-capacity registry of browser sessions: creation,
// token lookup, explicit teardown and periodic reaping of idle or expired
// slots. Slots live in an arena addressed through generation-checked handles,
// so a stale token can never observe a reused slot.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ilyaukin/sadist-proxy/api/schemas"
	"github.com/ilyaukin/sadist-proxy/internal/browser"
	"github.com/ilyaukin/sadist-proxy/internal/browser/intercept"
	"github.com/ilyaukin/sadist-proxy/internal/config"
)

// Slot is one occupied pool entry: the session's browser connection, page,
// interceptor and timestamps. Identity fields are immutable once populated;
// timestamps are guarded by the pool mutex.
type Slot struct {
	index       int
	generation  uint64
	token       string
	conn        browser.Conn
	page        browser.Page
	interceptor *intercept.Interceptor
	createdAt   time.Time
	accessedAt  time.Time
}

// Token returns the session token bound to this slot.
func (s *Slot) Token() string { return s.token }

// Page returns the owned page handle.
func (s *Slot) Page() browser.Page { return s.page }

// Conn returns the owned browser connection handle.
func (s *Slot) Conn() browser.Conn { return s.conn }

// Interceptor returns the session's network interceptor.
func (s *Slot) Interceptor() *intercept.Interceptor { return s.interceptor }

// AttachRelay makes sink the receiver of this session's live traffic events.
// Last attachment wins; there is no explicit detach.
func (s *Slot) AttachRelay(sink intercept.EventSink) {
	s.interceptor.SetSink(sink)
}

type handle struct {
	index      int
	generation uint64
}

// slotState is one arena cell. reserved marks a placeholder claimed by an
// in-flight create, keeping concurrent creates off the same index while the
// backend dial suspends.
type slotState struct {
	occupied   bool
	reserved   bool
	generation uint64
	slot       *Slot
}

// Pool is the session registry.
type Pool struct {
	logger       *zap.Logger
	cfg          config.PoolConfig
	interceptCfg config.InterceptConfig
	dialer       browser.Dialer

	mu     sync.Mutex
	slots  []slotState
	tokens map[string]handle

	now              func() time.Time
	startInterceptor func(*intercept.Interceptor) error
}

// New creates an empty pool with the configured capacity.
func New(cfg config.PoolConfig, icfg config.InterceptConfig, dialer browser.Dialer, logger *zap.Logger) *Pool {
	return &Pool{
		logger:           logger.Named("pool"),
		cfg:              cfg,
		interceptCfg:     icfg,
		dialer:           dialer,
		slots:            make([]slotState, cfg.Capacity),
		tokens:           make(map[string]handle),
		now:              time.Now,
		startInterceptor: (*intercept.Interceptor).Start,
	}
}

// Create opens a new browser session and returns its token. The slot index is
// reserved synchronously before any suspending step, so two concurrent creates
// can never claim the same index. A full pool fails with ErrPoolExhausted
// without touching the backend.
func (p *Pool) Create(ctx context.Context) (string, error) {
	index, err := p.reserve()
	if err != nil {
		return "", err
	}

	conn, err := p.dialer.Dial(ctx)
	if err != nil {
		p.release(index)
		return "", err
	}
	page, err := conn.NewPage(ctx)
	if err != nil {
		p.release(index)
		_ = conn.Close()
		return "", fmt.Errorf("%w: opening page: %v", schemas.ErrBackendConnect, err)
	}

	token := uuid.NewString()
	ic := intercept.New(page.Context(), p.interceptCfg.WaitTimeout, p.logger)
	if err := p.startInterceptor(ic); err != nil {
		p.release(index)
		_ = page.Close()
		_ = conn.Close()
		return "", fmt.Errorf("%w: starting interceptor: %v", schemas.ErrBackendConnect, err)
	}

	p.mu.Lock()
	s := &p.slots[index]
	now := p.now()
	s.slot = &Slot{
		index:       index,
		generation:  s.generation,
		token:       token,
		conn:        conn,
		page:        page,
		interceptor: ic,
		createdAt:   now,
		accessedAt:  now,
	}
	s.occupied = true
	s.reserved = false
	p.tokens[token] = handle{index: index, generation: s.generation}
	p.mu.Unlock()

	p.logger.Info("Session created", zap.Int("slot", index), zap.String("token", token))
	return token, nil
}

func (p *Pool) reserve() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		if !p.slots[i].occupied && !p.slots[i].reserved {
			p.slots[i].reserved = true
			return i, nil
		}
	}
	return 0, schemas.ErrPoolExhausted
}

func (p *Pool) release(index int) {
	p.mu.Lock()
	p.slots[index].reserved = false
	p.mu.Unlock()
}

// Delete tears down the session bound to token. Idempotent: an unknown or
// already-cleared token is a no-op. The token mapping is removed and the slot
// generation bumped atomically with slot clearing, so a new occupant of the
// same index is never entangled with the old session's pending queries.
func (p *Pool) Delete(token string) error {
	p.mu.Lock()
	h, ok := p.tokens[token]
	if ok {
		delete(p.tokens, token)
	}
	if !ok || !p.slots[h.index].occupied || p.slots[h.index].generation != h.generation {
		p.mu.Unlock()
		return nil
	}
	s := &p.slots[h.index]
	slot := s.slot
	s.slot = nil
	s.occupied = false
	s.generation++
	p.mu.Unlock()

	slot.interceptor.Stop()
	slot.interceptor.Clear()
	if err := slot.page.Close(); err != nil {
		p.logger.Warn("Error closing page", zap.Int("slot", slot.index), zap.Error(err))
	}
	if err := slot.conn.Close(); err != nil {
		p.logger.Warn("Error closing browser connection", zap.Int("slot", slot.index), zap.Error(err))
	}
	p.logger.Info("Session destroyed", zap.Int("slot", slot.index), zap.String("token", token))
	return nil
}

// Get resolves token to its slot, or ErrSessionNotFound when the token is
// unknown or the slot was concurrently cleared.
func (p *Pool) Get(token string) (*Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.tokens[token]
	if !ok {
		return nil, schemas.ErrSessionNotFound
	}
	s := &p.slots[h.index]
	if !s.occupied || s.generation != h.generation {
		return nil, schemas.ErrSessionNotFound
	}
	return s.slot, nil
}

// Touch advances the slot's access time to now. Called on every user-driven
// operation; never moves the timestamp backwards.
func (p *Pool) Touch(token string) {
	p.touchUntil(token, p.now())
}

// TouchScript advances the access time past now by the configured grace
// window, giving long-running scripts headroom before reclamation.
func (p *Pool) TouchScript(token string) {
	p.touchUntil(token, p.now().Add(p.cfg.ScriptGrace))
}

func (p *Pool) touchUntil(token string, t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.tokens[token]
	if !ok {
		return
	}
	s := &p.slots[h.index]
	if !s.occupied || s.generation != h.generation {
		return
	}
	if t.After(s.slot.accessedAt) {
		s.slot.accessedAt = t
	}
}

// Reap deletes every slot whose absolute age exceeds the live timeout or
// whose idle time exceeds the inactivity timeout. Safe to run concurrently
// with other operations because Delete is idempotent.
func (p *Pool) Reap() {
	now := p.now()
	var expired []string

	p.mu.Lock()
	for i := range p.slots {
		s := &p.slots[i]
		if !s.occupied {
			continue
		}
		if now.Sub(s.slot.createdAt) >= p.cfg.LiveTimeout ||
			now.Sub(s.slot.accessedAt) >= p.cfg.InactivityTimeout {
			expired = append(expired, s.slot.token)
		}
	}
	p.mu.Unlock()

	for _, token := range expired {
		p.logger.Info("Reaping expired session", zap.String("token", token))
		_ = p.Delete(token)
	}
}

// StartReaper runs Reap on the configured period until ctx is done.
func (p *Pool) StartReaper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.cfg.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Reap()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stats reports pool occupancy.
func (p *Pool) Stats() (occupied, capacity int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		if p.slots[i].occupied {
			occupied++
		}
	}
	return occupied, len(p.slots)
}

// Shutdown destroys every session concurrently, bounded by ctx.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	tokens := make([]string, 0, len(p.tokens))
	for token := range p.tokens {
		tokens = append(tokens, token)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, token := range tokens {
		wg.Add(1)
		go func(t string) {
			defer wg.Done()
			_ = p.Delete(t)
		}(token)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("Timed out waiting for sessions to close", zap.Error(ctx.Err()))
	}
}
