package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Manager caches sessions in memory over a [Store] and serializes turns
// per key.
//
// A turn works on a private copy: it takes the key's turn lock with
// [Manager.Lock], gets a working copy with [Manager.GetOrCreate],
// mutates it freely, and commits with [Manager.Save]. Until Save
// succeeds neither the store nor the cache sees any of the turn's
// changes, so an abandoned turn leaves nothing behind.
type Manager struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex // guards cache and locks; never held across I/O
	cache map[string]*Session
	locks map[string]chan struct{}
}

// NewManager returns a manager persisting through store.
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]*Session),
		locks:  make(map[string]chan struct{}),
	}
}

// Store returns the underlying persistence backend.
func (m *Manager) Store() Store { return m.store }

// Lock blocks until the caller holds the turn lock for key or ctx is
// done. The returned release function is safe to call more than once.
// Locks for different keys are independent.
func (m *Manager) Lock(ctx context.Context, key string) (release func(), err error) {
	m.mu.Lock()
	ch, ok := m.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[key] = ch
	}
	m.mu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}

// GetOrCreate returns a working copy of the session for key, loading it
// from the store on first use and creating an empty one if none is
// stored. The copy is not shared; changes are invisible until Save.
func (m *Manager) GetOrCreate(ctx context.Context, key string) (*Session, error) {
	m.mu.Lock()
	cached, ok := m.cache[key]
	m.mu.Unlock()
	if ok {
		return cached.Clone(), nil
	}

	s, err := m.store.Load(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		s = New(key, m.now())
		m.logger.Debug("new session", "session", key)
	case err != nil:
		return nil, err
	case s.Key != key:
		return nil, fmt.Errorf("%w: loaded %q for %q", ErrKeyMismatch, s.Key, key)
	}

	m.mu.Lock()
	if existing, ok := m.cache[key]; ok {
		s = existing
	} else {
		m.cache[key] = s
	}
	m.mu.Unlock()

	return s.Clone(), nil
}

// Save persists s and then makes it the cached version. If the store
// fails, the cache keeps the previous version.
func (m *Manager) Save(ctx context.Context, s *Session) error {
	if err := m.store.Save(ctx, s); err != nil {
		return err
	}
	committed := s.Clone()
	m.mu.Lock()
	m.cache[s.Key] = committed
	m.mu.Unlock()
	return nil
}

// Invalidate drops the cached copy of key. The durable log is kept and
// is reloaded on next use.
func (m *Manager) Invalidate(key string) {
	m.mu.Lock()
	delete(m.cache, key)
	m.mu.Unlock()
}
