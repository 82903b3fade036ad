package status

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// mirrorTimeout bounds one asynchronous write to the repository.
const mirrorTimeout = 5 * time.Second

// Logger defines the logging interface used by the Cache.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Cache is the live view of device reachability.
//
// The in-memory map is authoritative for reads. Every Upsert is mirrored
// to the Repository in the background by a single writer that applies
// writes in upsert order, keeping only the latest pending entry per
// device. Mirror failures are logged and counted, never returned, so the
// mirror may lag or miss writes but never regresses to an older state.
//
// All public methods are thread-safe.
type Cache struct {
	repo Repository

	mu      sync.RWMutex
	entries map[string]Entry
	closed  bool

	// mirrors tracks the running drainer. Add is only called while
	// holding mu, so Close and Rebuild can wait safely.
	mirrors sync.WaitGroup

	// mirrorMu guards the pending queue. pending holds the newest
	// unwritten entry per device, order the devices in first-queued order.
	mirrorMu sync.Mutex
	pending  map[string]Entry
	order    []string
	draining bool

	hookMu   sync.RWMutex
	onChange func(Entry)

	logger       Logger
	now          func() time.Time
	mirrorErrors atomic.Uint64
}

// NewCache creates an empty cache mirrored to repo.
func NewCache(repo Repository) *Cache {
	return &Cache{
		repo:    repo,
		entries: make(map[string]Entry),
		pending: make(map[string]Entry),
		logger:  noopLogger{},
		now:     time.Now,
	}
}

// SetLogger sets the logger for the cache.
func (c *Cache) SetLogger(logger Logger) {
	c.logger = logger
}

// SetOnChange registers a callback invoked after an upsert that creates an
// entry or flips its state. It runs on the caller's goroutine.
func (c *Cache) SetOnChange(fn func(Entry)) {
	c.hookMu.Lock()
	c.onChange = fn
	c.hookMu.Unlock()
}

// Upsert records the status of a device and schedules the mirror write.
func (c *Cache) Upsert(name string, state State, reason, source string) (Entry, error) {
	name = NormalizeName(name)
	if name == "" {
		return Entry{}, ErrInvalidName
	}
	if state != StateUp && state != StateDown {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidState, state)
	}

	e := Entry{
		Name:       name,
		Status:     state,
		LastUpdate: c.now().UTC(),
		Reason:     reason,
		Source:     source,
	}

	c.mu.Lock()
	prev, existed := c.entries[name]
	c.entries[name] = e
	if !c.closed && c.repo != nil {
		c.enqueue(e)
	}
	c.mu.Unlock()

	if !existed || prev.Status != state {
		c.hookMu.RLock()
		fn := c.onChange
		c.hookMu.RUnlock()
		if fn != nil {
			fn(e)
		}
	}

	return e, nil
}

// enqueue queues e for the mirror, replacing any older unwritten entry
// for the same device. Callers must hold mu.
func (c *Cache) enqueue(e Entry) {
	c.mirrorMu.Lock()
	defer c.mirrorMu.Unlock()

	if _, queued := c.pending[e.Name]; !queued {
		c.order = append(c.order, e.Name)
	}
	c.pending[e.Name] = e

	if !c.draining {
		c.draining = true
		c.mirrors.Add(1)
		go c.drain()
	}
}

// drain writes queued entries one at a time until the queue is empty.
func (c *Cache) drain() {
	defer c.mirrors.Done()

	for {
		c.mirrorMu.Lock()
		if len(c.order) == 0 {
			c.draining = false
			c.mirrorMu.Unlock()
			return
		}
		name := c.order[0]
		c.order = c.order[1:]
		e := c.pending[name]
		delete(c.pending, name)
		c.mirrorMu.Unlock()

		c.mirror(e)
	}
}

func (c *Cache) mirror(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	if err := c.repo.Set(ctx, e); err != nil {
		c.mirrorErrors.Add(1)
		c.logger.Warn("status mirror write failed", "device", e.Name, "error", err)
	}
}

// Get returns the cached entry for name.
func (c *Cache) Get(name string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[NormalizeName(name)]
	return e, ok
}

// Snapshot returns a copy of every entry sorted by name.
func (c *Cache) Snapshot() []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Rebuild clears the cache and repopulates it from the repository.
// Pending mirror writes are flushed first so they are not lost.
func (c *Cache) Rebuild(ctx context.Context) error {
	if c.repo == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.mirrors.Wait()

	entries, err := c.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading device statuses: %w", err)
	}

	c.entries = make(map[string]Entry, len(entries))
	for _, e := range entries {
		c.entries[NormalizeName(e.Name)] = e
	}

	c.logger.Info("status cache rebuilt", "count", len(entries))
	return nil
}

// MirrorErrors returns the number of failed mirror writes.
func (c *Cache) MirrorErrors() uint64 {
	return c.mirrorErrors.Load()
}

// Close stops mirroring and waits for pending writes.
// The cache stays readable and writable in memory afterwards.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.mirrors.Wait()
}
