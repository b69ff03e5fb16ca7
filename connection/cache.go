// Package connection caches authenticated grid sessions so consecutive
// transfers against the same account skip the authentication handshake.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/franksops/gridconveyor/failure"
	"github.com/franksops/gridconveyor/grid"
	"github.com/franksops/gridconveyor/logging"
)

var (
	ErrSessionEstablishmentFailed = errors.New("session establishment failed")
	ErrCacheExhausted             = errors.New("connection cache exhausted")
	ErrCacheClosed                = errors.New("connection cache closed")
	ErrNotCheckedOut              = errors.New("lease is not checked out")
)

const (
	defaultCapacity      = 16
	defaultIdleTimeout   = 5 * time.Minute
	defaultMaxAge        = time.Hour
	defaultSweepInterval = time.Minute
	defaultOpenTimeout   = 30 * time.Second
)

// Config tunes cache sizing and eviction.
type Config struct {
	// Capacity bounds the number of open sessions, idle or in use.
	Capacity int
	// IdleTimeout evicts sessions unused for longer than this.
	IdleTimeout time.Duration
	// MaxAge evicts idle sessions older than this regardless of use.
	MaxAge time.Duration
	// SweepInterval is how often Run evicts expired sessions.
	SweepInterval time.Duration
	// OpenTimeout bounds one session establishment, retries included.
	OpenTimeout time.Duration
	// Backoff builds the retry policy for session establishment.
	Backoff func() backoff.BackOff
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.MaxAge <= 0 {
		c.MaxAge = defaultMaxAge
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = defaultOpenTimeout
	}
	if c.Backoff == nil {
		c.Backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return backoff.WithMaxRetries(b, 4)
		}
	}
	return c
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Open      int
	InUse     int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	OpenFails uint64
}

type entry struct {
	id        string
	signature string
	session   grid.Session
	createdAt time.Time
	lastUsed  time.Time
	inUse     bool
	// gen changes on every checkout so stale leases cannot release it.
	gen uint64
}

// Lease is a checked-out session. It must be returned with Checkin or
// Invalidate exactly once.
type Lease struct {
	entry *entry
	gen   uint64
}

func (l *Lease) valid() bool {
	return l != nil && l.entry != nil && l.entry.inUse && l.entry.gen == l.gen
}

// Session returns the leased session.
func (l *Lease) Session() grid.Session { return l.entry.session }

// Cache hands out authenticated sessions keyed by account signature.
type Cache struct {
	auth grid.Authenticator
	cfg  Config
	log  logging.Logger
	now  func() time.Time

	mu      sync.Mutex
	entries *simplelru.LRU[string, *entry]
	opening int
	nextID  uint64
	closed  bool
	stats   Stats
}

// NewCache returns a cache that opens sessions through auth.
func NewCache(auth grid.Authenticator, cfg Config, log logging.Logger) (*Cache, error) {
	if auth == nil {
		return nil, errors.New("connection: authenticator is required")
	}
	cfg = cfg.withDefaults()
	entries, err := simplelru.NewLRU[string, *entry](cfg.Capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("connection: %w", err)
	}
	return &Cache{
		auth:    auth,
		cfg:     cfg,
		log:     logging.OrNop(log),
		now:     time.Now,
		entries: entries,
	}, nil
}

// Checkout returns a session for account, reusing an idle one when possible.
// The returned lease is never shared with another caller until checked in.
func (c *Cache) Checkout(ctx context.Context, account grid.Account) (*Lease, error) {
	if err := account.Validate(); err != nil {
		return nil, failure.Validation("connection.Checkout", err)
	}
	sig := account.Signature()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCacheClosed
	}
	stale := c.expireLocked(c.now())

	if e := c.idleFor(sig); e != nil {
		e.inUse = true
		e.gen++
		e.lastUsed = c.now()
		c.entries.Get(e.id)
		c.stats.Hits++
		lease := &Lease{entry: e, gen: e.gen}
		c.mu.Unlock()
		c.closeAll(ctx, stale)
		return lease, nil
	}
	c.stats.Misses++

	if c.entries.Len()+c.opening >= c.cfg.Capacity {
		victim := c.oldestIdle()
		if victim == nil {
			c.mu.Unlock()
			c.closeAll(ctx, stale)
			return nil, failure.Transient("connection.Checkout", ErrCacheExhausted)
		}
		c.entries.Remove(victim.id)
		c.stats.Evictions++
		stale = append(stale, victim)
	}
	c.opening++
	c.mu.Unlock()
	c.closeAll(ctx, stale)

	session, err := c.open(ctx, account)

	c.mu.Lock()
	c.opening--
	if err != nil {
		c.stats.OpenFails++
		c.mu.Unlock()
		return nil, err
	}
	if c.closed {
		c.mu.Unlock()
		c.closeAll(ctx, []*entry{{signature: sig, session: session}})
		return nil, ErrCacheClosed
	}
	now := c.now()
	c.nextID++
	e := &entry{
		id:        fmt.Sprintf("%s#%d", sig, c.nextID),
		signature: sig,
		session:   session,
		createdAt: now,
		lastUsed:  now,
		inUse:     true,
		gen:       1,
	}
	c.entries.Add(e.id, e)
	c.mu.Unlock()

	c.log.Debug(ctx, "session opened", "account", sig)
	return &Lease{entry: e, gen: 1}, nil
}

// open authenticates outside the cache lock, retrying transient failures.
func (c *Cache) open(ctx context.Context, account grid.Account) (grid.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpenTimeout)
	defer cancel()

	var session grid.Session
	op := func() error {
		s, err := c.auth.Open(ctx, account)
		if err != nil {
			if errors.Is(err, grid.ErrAuthRejected) {
				return backoff.Permanent(err)
			}
			c.log.Warn(ctx, "session open failed, retrying", "account", account.Signature(), "error", err)
			return err
		}
		session = s
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(c.cfg.Backoff(), ctx)); err != nil {
		wrapped := fmt.Errorf("%w for %s: %w", ErrSessionEstablishmentFailed, account.Signature(), err)
		if errors.Is(err, grid.ErrAuthRejected) {
			return nil, failure.Fatal("connection.Checkout", wrapped)
		}
		return nil, failure.Transient("connection.Checkout", wrapped)
	}
	return session, nil
}

// Checkin returns a healthy session to the cache.
func (c *Cache) Checkin(l *Lease) error {
	c.mu.Lock()
	if !l.valid() {
		c.mu.Unlock()
		return ErrNotCheckedOut
	}
	l.entry.inUse = false
	l.entry.lastUsed = c.now()
	if c.closed {
		c.entries.Remove(l.entry.id)
		c.mu.Unlock()
		c.closeAll(context.Background(), []*entry{l.entry})
		return nil
	}
	c.mu.Unlock()
	return nil
}

// Invalidate drops a session that is known to be broken.
func (c *Cache) Invalidate(l *Lease) error {
	c.mu.Lock()
	if !l.valid() {
		c.mu.Unlock()
		return ErrNotCheckedOut
	}
	l.entry.inUse = false
	c.entries.Remove(l.entry.id)
	c.stats.Evictions++
	c.mu.Unlock()
	c.closeAll(context.Background(), []*entry{l.entry})
	return nil
}

// EvictIdle closes every idle session past its idle timeout or max age and
// returns how many were closed.
func (c *Cache) EvictIdle() int {
	c.mu.Lock()
	stale := c.expireLocked(c.now())
	c.mu.Unlock()
	c.closeAll(context.Background(), stale)
	return len(stale)
}

// Run sweeps expired sessions every SweepInterval until ctx is done.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := c.EvictIdle(); n > 0 {
				c.log.Debug(ctx, "evicted idle sessions", "count", n)
			}
		}
	}
}

// Shutdown closes idle sessions and marks the cache closed. Sessions still
// checked out are closed when they are checked in.
func (c *Cache) Shutdown() {
	c.mu.Lock()
	c.closed = true
	var idle []*entry
	for _, id := range c.entries.Keys() {
		e, _ := c.entries.Peek(id)
		if !e.inUse {
			idle = append(idle, e)
			c.entries.Remove(id)
		}
	}
	c.mu.Unlock()
	c.closeAll(context.Background(), idle)
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Open = c.entries.Len()
	for _, e := range c.entries.Values() {
		if e.inUse {
			s.InUse++
		}
	}
	return s
}

// idleFor returns the most recently used idle entry for sig.
func (c *Cache) idleFor(sig string) *entry {
	keys := c.entries.Keys()
	for i := len(keys) - 1; i >= 0; i-- {
		e, _ := c.entries.Peek(keys[i])
		if e.signature == sig && !e.inUse {
			return e
		}
	}
	return nil
}

func (c *Cache) oldestIdle() *entry {
	for _, id := range c.entries.Keys() {
		e, _ := c.entries.Peek(id)
		if !e.inUse {
			return e
		}
	}
	return nil
}

// expireLocked removes idle entries past IdleTimeout or MaxAge. The caller
// closes the returned sessions after releasing the lock.
func (c *Cache) expireLocked(now time.Time) []*entry {
	var stale []*entry
	for _, id := range c.entries.Keys() {
		e, _ := c.entries.Peek(id)
		if e.inUse {
			continue
		}
		if now.Sub(e.lastUsed) > c.cfg.IdleTimeout || now.Sub(e.createdAt) > c.cfg.MaxAge {
			c.entries.Remove(id)
			c.stats.Evictions++
			stale = append(stale, e)
		}
	}
	return stale
}

func (c *Cache) closeAll(ctx context.Context, entries []*entry) {
	for _, e := range entries {
		if err := c.auth.Close(e.session); err != nil {
			c.log.Warn(ctx, "failed to close session", "account", e.signature, "error", err)
		}
	}
}
