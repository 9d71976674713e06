package recording

import (
	"container/list"
	"path/filepath"
	"sync"

	"github.com/RyanBlaney/sonido-eeg/logging"
	"golang.org/x/sync/singleflight"
)

// DefaultCapacity bounds the number of simultaneously open recordings.
const DefaultCapacity = 64

// Handle is a cached, reference-counted open recording.
// Every Handle returned by the Cache must be released exactly once.
type Handle struct {
	id    int
	path  string
	rec   Recording
	cache *Cache

	// mu serializes access to rec: cursors are per handle, not per reader
	mu sync.Mutex

	// guarded by cache.mu
	refs    int
	evicted bool
	elem    *list.Element
}

// ID returns the handle id, unique for the lifetime of the cache.
func (h *Handle) ID() int { return h.id }

// Path returns the canonical path the handle was opened with.
func (h *Handle) Path() string { return h.path }

// Metadata returns the recording metadata. Metadata is immutable once opened.
func (h *Handle) Metadata() Metadata { return h.rec }

// Read reads from the current cursor of channel ch.
func (h *Handle) Read(ch int, buf []float64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, err := h.rec.ReadPhysicalSamples(ch, buf)
	if err != nil {
		return n, wrapRead(h.path, err)
	}
	return n, nil
}

// ReadChannel reads channel ch from its first sample. The rewind and the read happen
// under the handle lock, so concurrent computations on one file never share a cursor.
func (h *Handle) ReadChannel(ch int, buf []float64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.rec.Rewind(ch); err != nil {
		return 0, wrapRead(h.path, err)
	}
	n, err := h.rec.ReadPhysicalSamples(ch, buf)
	if err != nil {
		return n, wrapRead(h.path, err)
	}
	return n, nil
}

// Release drops the caller's reference. An evicted handle is closed by its last release.
func (h *Handle) Release() {
	h.cache.release(h)
}

func (h *Handle) rewindAll() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := 0; ch < h.rec.SignalCount(); ch++ {
		if err := h.rec.Rewind(ch); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rec.Close()
}

func wrapRead(path string, err error) error {
	if KindOf(err) != KindUnknown {
		return err
	}
	return NewError(KindReadError, "read", path, err)
}

// Cache maps canonical paths to open handles. It is safe for concurrent use.
// When full, the least recently used idle handle is closed to make room; when every
// handle is in use, inserts fail with KindTooManyOpenFiles.
type Cache struct {
	opener   Opener
	capacity int
	logger   logging.Logger

	mu      sync.Mutex
	entries map[string]*Handle
	lru     *list.List // front is most recently used
	nextID  int

	opening singleflight.Group
}

// NewCache creates a cache that opens recordings with opener. A non-positive capacity
// selects DefaultCapacity.
func NewCache(opener Opener, capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		opener:   opener,
		capacity: capacity,
		entries:  make(map[string]*Handle),
		lru:      list.New(),
		logger: logging.WithFields(logging.Fields{
			"component": "handle_cache",
			"capacity":  capacity,
		}),
	}
}

// SetLogger replaces the cache logger.
func (c *Cache) SetLogger(logger logging.Logger) {
	c.logger = logger.WithFields(logging.Fields{"component": "handle_cache"})
}

// Capacity returns the maximum number of open handles.
func (c *Cache) Capacity() int { return c.capacity }

// Len returns the number of cached handles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CanonicalPath returns the key a path is cached under.
func CanonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", NewError(KindUnknown, "open", path, err)
	}
	return filepath.Clean(abs), nil
}

// Get returns the cached handle for path and takes a reference on it. On a hit every
// channel cursor is rewound to the first sample.
func (c *Cache) Get(path string) (*Handle, bool) {
	key, err := CanonicalPath(path)
	if err != nil {
		return nil, false
	}

	c.mu.Lock()
	h, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	h.refs++
	c.lru.MoveToFront(h.elem)
	c.mu.Unlock()

	if err := h.rewindAll(); err != nil {
		c.logger.Warn("Failed to rewind cached recording", logging.Fields{
			"path":  key,
			"error": err.Error(),
		})
	}

	c.logger.Debug("Handle cache hit", logging.Fields{"path": key, "handle": h.id})
	return h, true
}

// Put inserts an already open recording and returns it referenced by the caller.
// It fails with KindAlreadyOpen when the path is cached and with KindTooManyOpenFiles
// when the cache is full of handles in use. On failure rec is left open.
func (c *Cache) Put(path string, rec Recording) (*Handle, error) {
	key, err := CanonicalPath(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	h, victim, err := c.insertLocked(key, rec)
	if err == nil {
		h.refs++
	}
	c.mu.Unlock()

	c.closeVictim(victim)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Acquire returns the handle for path, opening the recording if it is not cached.
// Concurrent acquisitions of one uncached path open it once.
func (c *Cache) Acquire(path string) (*Handle, error) {
	key, err := CanonicalPath(path)
	if err != nil {
		return nil, err
	}

	// a fresh handle can be evicted by a concurrent insert before we reference it
	for attempt := 0; attempt < 3; attempt++ {
		if h, ok := c.Get(key); ok {
			return h, nil
		}

		v, err, _ := c.opening.Do(key, func() (any, error) {
			c.mu.Lock()
			if h, ok := c.entries[key]; ok {
				c.mu.Unlock()
				return h, nil
			}
			c.mu.Unlock()

			rec, err := c.opener.Open(key)
			if err != nil {
				return nil, err
			}

			c.mu.Lock()
			h, victim, err := c.insertLocked(key, rec)
			c.mu.Unlock()

			c.closeVictim(victim)
			if err != nil {
				_ = rec.Close()
				return nil, err
			}
			c.logger.Debug("Opened recording", logging.Fields{"path": key, "handle": h.id})
			return h, nil
		})
		if err != nil {
			return nil, err
		}

		if h := v.(*Handle); c.ref(h) {
			return h, nil
		}
	}

	return nil, Errorf(KindTooManyOpenFiles, "open", key, "handle evicted before use")
}

// Evict removes path from the cache and closes it. A handle still in use is closed
// when its last reference is released.
func (c *Cache) Evict(path string) error {
	key, err := CanonicalPath(path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	h, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	c.removeLocked(h)
	idle := h.refs == 0
	c.mu.Unlock()

	c.logger.Debug("Evicted recording", logging.Fields{"path": key, "handle": h.id, "idle": idle})
	if idle {
		return h.close()
	}
	return nil
}

// Close evicts every handle.
func (c *Cache) Close() error {
	c.mu.Lock()
	paths := make([]string, 0, len(c.entries))
	for p := range c.entries {
		paths = append(paths, p)
	}
	c.mu.Unlock()

	var firstErr error
	for _, p := range paths {
		if err := c.Evict(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Cache) ref(h *Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h.evicted {
		return false
	}
	h.refs++
	c.lru.MoveToFront(h.elem)
	return true
}

func (c *Cache) release(h *Handle) {
	c.mu.Lock()
	if h.refs <= 0 {
		c.mu.Unlock()
		c.logger.Warn("Handle released more often than acquired", logging.Fields{"handle": h.id})
		return
	}
	h.refs--
	closeNow := h.evicted && h.refs == 0
	c.mu.Unlock()

	if closeNow {
		if err := h.close(); err != nil {
			c.logger.Error(err, "Failed to close evicted recording", logging.Fields{"path": h.path})
		}
	}
}

// insertLocked adds rec under key. When the cache is full the least recently used idle
// handle is removed and returned as victim; the caller closes it after unlocking c.mu.
func (c *Cache) insertLocked(key string, rec Recording) (h, victim *Handle, err error) {
	if _, ok := c.entries[key]; ok {
		return nil, nil, NewError(KindAlreadyOpen, "open", key, nil)
	}
	if len(c.entries) >= c.capacity {
		if victim = c.evictIdleLocked(); victim == nil {
			return nil, nil, Errorf(KindTooManyOpenFiles, "open", key, "all %d handles in use", c.capacity)
		}
	}

	h = &Handle{id: c.nextID, path: key, rec: rec, cache: c}
	c.nextID++
	h.elem = c.lru.PushFront(h)
	c.entries[key] = h
	return h, victim, nil
}

func (c *Cache) evictIdleLocked() *Handle {
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		h := e.Value.(*Handle)
		if h.refs > 0 {
			continue
		}
		c.removeLocked(h)
		return h
	}
	return nil
}

func (c *Cache) closeVictim(h *Handle) {
	if h == nil {
		return
	}
	if err := h.close(); err != nil {
		c.logger.Error(err, "Failed to close idle recording", logging.Fields{"path": h.path})
		return
	}
	c.logger.Debug("Closed least recently used recording", logging.Fields{"path": h.path})
}

func (c *Cache) removeLocked(h *Handle) {
	delete(c.entries, h.path)
	c.lru.Remove(h.elem)
	h.evicted = true
}
