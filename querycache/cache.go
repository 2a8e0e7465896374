// Package querycache keeps the last known good saved feeds snapshot per key,
// deduplicates concurrent fetches and refetches invalidated keys in the background.
package querycache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"skyfeeds/models"
)

const (
	DefaultSize         = 128
	DefaultFetchTimeout = 30 * time.Second
)

// Fetcher loads a fresh snapshot for a key from the remote
type Fetcher func(ctx context.Context, key string) (models.SavedFeedsState, error)

// Backing persists snapshots so they survive restarts
type Backing interface {
	LoadSnapshot(ctx context.Context, key string) (models.SavedFeedsState, bool, error)
	SaveSnapshot(ctx context.Context, key string, state models.SavedFeedsState) error
}

type Config struct {
	Size         int
	FetchTimeout time.Duration
	Backing      Backing
}

type entry struct {
	state     models.SavedFeedsState
	fetchedAt time.Time
	stale     bool
}

type Cache struct {
	mu          sync.Mutex
	entries     *lru.Cache[string, entry]
	subscribers map[string]map[uint64]func(models.SavedFeedsState)
	nextSub     uint64

	fetch   Fetcher
	backing Backing
	timeout time.Duration
	group   singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(ctx context.Context, fetch Fetcher, cfg Config) (*Cache, error) {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}

	entries, err := lru.New[string, entry](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Cache{
		entries:     entries,
		subscribers: make(map[string]map[uint64]func(models.SavedFeedsState)),
		fetch:       fetch,
		backing:     cfg.Backing,
		timeout:     cfg.FetchTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Get returns the cached snapshot for key, including stale ones. On a memory
// miss the backing store is consulted.
func (c *Cache) Get(key string) (models.SavedFeedsState, bool) {
	c.mu.Lock()
	e, ok := c.entries.Get(key)
	c.mu.Unlock()
	if ok {
		return e.state.Clone(), true
	}

	if c.backing == nil {
		return models.SavedFeedsState{}, false
	}

	state, ok, err := c.backing.LoadSnapshot(c.ctx, key)
	if err != nil {
		log.WithFields(log.Fields{
			"key":   key,
			"error": err,
		}).Error("Failed to load snapshot")
		return models.SavedFeedsState{}, false
	}
	if !ok {
		return models.SavedFeedsState{}, false
	}

	// Snapshots from disk are served but refetched on the next Fetch
	c.mu.Lock()
	if _, exists := c.entries.Get(key); !exists {
		c.entries.Add(key, entry{state: state.Clone(), stale: true})
	}
	c.mu.Unlock()

	return state, true
}

// IsStale reports whether key is missing or was invalidated
func (c *Cache) IsStale(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries.Peek(key)
	return !ok || e.stale
}

// Fetch loads key from the remote. Concurrent calls for the same key share one request.
func (c *Cache) Fetch(ctx context.Context, key string) (models.SavedFeedsState, error) {
	ch := c.group.DoChan(key, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(c.ctx, c.timeout)
		defer cancel()

		state, err := c.fetch(fetchCtx, key)
		if err != nil {
			return nil, err
		}
		c.Set(key, state)
		return state, nil
	})

	select {
	case <-ctx.Done():
		return models.SavedFeedsState{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.SavedFeedsState{}, res.Err
		}
		return res.Val.(models.SavedFeedsState).Clone(), nil
	}
}

// Set stores a fresh snapshot and notifies subscribers
func (c *Cache) Set(key string, state models.SavedFeedsState) {
	c.mu.Lock()
	c.entries.Add(key, entry{state: state.Clone(), fetchedAt: time.Now()})
	subs := c.subscribersLocked(key)
	c.mu.Unlock()

	if c.backing != nil {
		if err := c.backing.SaveSnapshot(c.ctx, key, state); err != nil {
			log.WithFields(log.Fields{
				"key":   key,
				"error": err,
			}).Error("Failed to save snapshot")
		}
	}

	for _, fn := range subs {
		fn(state.Clone())
	}
}

// Invalidate marks key stale and refetches it in the background when someone is subscribed
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	if e, ok := c.entries.Peek(key); ok {
		e.stale = true
		c.entries.Add(key, e)
	}
	watched := len(c.subscribers[key]) > 0
	c.mu.Unlock()

	if !watched || c.ctx.Err() != nil {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.Fetch(c.ctx, key); err != nil {
			log.WithFields(log.Fields{
				"key":   key,
				"error": err,
			}).Warn("Refetch after invalidation failed")
		}
	}()
}

// Subscribe calls fn with every fresh snapshot of key
func (c *Cache) Subscribe(key string, fn func(models.SavedFeedsState)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	if c.subscribers[key] == nil {
		c.subscribers[key] = make(map[uint64]func(models.SavedFeedsState))
	}
	c.subscribers[key][id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers[key], id)
		if len(c.subscribers[key]) == 0 {
			delete(c.subscribers, key)
		}
	}
}

// Close stops background refetches
func (c *Cache) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Cache) subscribersLocked(key string) []func(models.SavedFeedsState) {
	subs := make([]func(models.SavedFeedsState), 0, len(c.subscribers[key]))
	for _, fn := range c.subscribers[key] {
		subs = append(subs, fn)
	}
	return subs
}
