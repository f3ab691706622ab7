// Package session binds opaque, unguessable references to mailbox
// identities. A reference is what the client holds; the identity never
// leaves the server. Unbinding a reference does not touch the stored
// credential.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/teemow/inboxrank/internal/instrumentation"
	"github.com/teemow/inboxrank/internal/logging"
)

// DefaultTTL is how long an idle session stays bound.
const DefaultTTL = 24 * time.Hour

var (
	// ErrEmptyIdentity is returned by Bind for an empty identity.
	ErrEmptyIdentity = errors.New("session: identity cannot be empty")
	// ErrNoSession means a reference is unknown, expired or missing.
	ErrNoSession = errors.New("session: no active session")
)

// Options configures a Binder.
type Options struct {
	// TTL is the idle timeout. Zero means DefaultTTL; negative disables expiry.
	TTL time.Duration
	// CleanupInterval is how often expired sessions are swept (default 10m).
	CleanupInterval time.Duration

	Now     func() time.Time
	Metrics *instrumentation.Metrics
	Logger  *slog.Logger
}

type binding struct {
	identity   string
	lastAccess time.Time
}

// Binder is the in-memory session reference -> identity table.
type Binder struct {
	mu       sync.Mutex
	sessions map[string]*binding

	ttl     time.Duration
	now     func() time.Time
	metrics *instrumentation.Metrics
	logger  *slog.Logger

	cleanupTicker *time.Ticker
	cleanupDone   chan struct{}
	stopOnce      sync.Once
}

// NewBinder creates a Binder and starts its cleanup goroutine.
// Call Stop to release it.
func NewBinder(opts Options) *Binder {
	ttl := opts.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	interval := opts.CleanupInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	b := &Binder{
		sessions:      make(map[string]*binding),
		ttl:           ttl,
		now:           now,
		metrics:       opts.Metrics,
		logger:        logging.WithComponent(opts.Logger, "session"),
		cleanupTicker: time.NewTicker(interval),
		cleanupDone:   make(chan struct{}),
	}
	go b.cleanupLoop()
	return b
}

// Bind issues a new reference for identity.
func (b *Binder) Bind(identity string) (string, error) {
	if identity == "" {
		return "", ErrEmptyIdentity
	}
	ref, err := GenerateID()
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	b.sessions[ref] = &binding{identity: identity, lastAccess: b.now()}
	b.mu.Unlock()

	b.metrics.IncrementActiveSessions(context.Background())
	b.logger.Debug("Session bound", logging.UserHash(identity))
	return ref, nil
}

// Resolve returns the identity bound to ref and refreshes its idle timer.
func (b *Binder) Resolve(ref string) (string, bool) {
	if ref == "" {
		return "", false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[ref]
	if !ok {
		return "", false
	}
	now := b.now()
	if b.expired(s, now) {
		delete(b.sessions, ref)
		b.metrics.DecrementActiveSessions(context.Background())
		return "", false
	}
	s.lastAccess = now
	return s.identity, true
}

// Unbind removes ref and reports whether it was bound.
func (b *Binder) Unbind(ref string) bool {
	b.mu.Lock()
	s, ok := b.sessions[ref]
	delete(b.sessions, ref)
	b.mu.Unlock()

	if ok {
		b.metrics.DecrementActiveSessions(context.Background())
		b.logger.Debug("Session unbound", logging.UserHash(s.identity))
	}
	return ok
}

// Len returns the number of bound sessions, expired or not.
func (b *Binder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Sweep removes expired sessions and returns how many it removed.
func (b *Binder) Sweep() int {
	b.mu.Lock()
	now := b.now()
	removed := 0
	for ref, s := range b.sessions {
		if b.expired(s, now) {
			delete(b.sessions, ref)
			removed++
		}
	}
	b.mu.Unlock()

	for range removed {
		b.metrics.DecrementActiveSessions(context.Background())
	}
	if removed > 0 {
		b.logger.Info("Cleaned up expired sessions", "count", removed)
	}
	return removed
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (b *Binder) Stop() {
	b.stopOnce.Do(func() {
		b.cleanupTicker.Stop()
		close(b.cleanupDone)
	})
}

func (b *Binder) expired(s *binding, now time.Time) bool {
	return b.ttl > 0 && now.Sub(s.lastAccess) > b.ttl
}

func (b *Binder) cleanupLoop() {
	for {
		select {
		case <-b.cleanupTicker.C:
			b.Sweep()
		case <-b.cleanupDone:
			return
		}
	}
}
