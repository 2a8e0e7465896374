// Package savedfeeds owns the ordered, pinned/unpinned list of a user's saved
// feeds. Mutations are applied optimistically and persisted in the background.
package savedfeeds

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"skyfeeds/models"
)

const (
	DefaultPersistDebounce = 300 * time.Millisecond
	DefaultPersistTimeout  = 30 * time.Second
)

// Remote is the preferences service holding the authoritative saved feeds
type Remote interface {
	FetchSavedFeeds(ctx context.Context) (models.SavedFeedsState, error)
	PersistSavedFeeds(ctx context.Context, state models.SavedFeedsState) error
}

// Cache supplies last known good snapshots and refetch notifications
type Cache interface {
	Get(key string) (models.SavedFeedsState, bool)
	IsStale(key string) bool
	Fetch(ctx context.Context, key string) (models.SavedFeedsState, error)
	Invalidate(key string)
	Subscribe(key string, fn func(models.SavedFeedsState)) func()
}

// Listener receives one of the event types in the models package
type Listener func(event interface{})

type Config struct {
	// Query cache key of the saved feeds, usually the account DID
	Key string

	// How long to wait for more mutations before persisting. Zero persists immediately.
	PersistDebounce time.Duration

	// Timeout of a single persist call
	PersistTimeout time.Duration
}

type Store struct {
	mu sync.Mutex

	key      string
	remote   Remote
	cache    Cache
	debounce time.Duration
	timeout  time.Duration

	state      *models.SavedFeedsState
	confirmed  bool
	pending    []*models.PendingMutation
	generation uint64
	persisting bool
	timer      *time.Timer
	waiters    []chan error

	listeners    map[uint64]Listener
	nextListener uint64
	outbox       []interface{}
	draining     bool

	unsubscribeCache func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(ctx context.Context, remote Remote, cache Cache, cfg Config) *Store {
	ctx, cancel := context.WithCancel(ctx)

	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultPersistTimeout
	}
	if cfg.PersistDebounce < 0 {
		cfg.PersistDebounce = 0
	}

	s := &Store{
		key:       cfg.Key,
		remote:    remote,
		cache:     cache,
		debounce:  cfg.PersistDebounce,
		timeout:   cfg.PersistTimeout,
		listeners: make(map[uint64]Listener),
		ctx:       ctx,
		cancel:    cancel,
	}

	s.unsubscribeCache = cache.Subscribe(cfg.Key, s.adopt)

	return s
}

// Load returns a copy of the current state. It falls back to the cached
// snapshot and returns ErrNotLoaded when there is none; use Await to wait for
// a fresh remote snapshot.
func (s *Store) Load() (models.SavedFeedsState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ensureLoadedLocked() {
		return models.SavedFeedsState{}, ErrNotLoaded
	}
	return s.state.Clone(), nil
}

// Await returns the current state once it is backed by a fresh remote
// snapshot. A state served from a stale cache entry is refetched first.
func (s *Store) Await(ctx context.Context) (models.SavedFeedsState, error) {
	s.mu.Lock()
	confirmed := s.ensureConfirmedLocked()
	s.mu.Unlock()
	if confirmed {
		return s.Load()
	}

	state, err := s.cache.Fetch(ctx, s.key)
	if err != nil {
		s.mu.Lock()
		s.outbox = append(s.outbox, models.LoadFailedEvent{Err: err})
		s.mu.Unlock()
		s.dispatch()
		return models.SavedFeedsState{}, fmt.Errorf("failed to fetch saved feeds: %w", err)
	}

	s.adopt(state)
	return s.Load()
}

func (s *Store) Pin(id models.FeedID) error {
	return s.mutate(models.MutationPin, models.MutationPayload{Feed: id}, func(st models.SavedFeedsState) (models.SavedFeedsState, bool, error) {
		return pin(st, id)
	})
}

func (s *Store) Unpin(id models.FeedID) error {
	return s.mutate(models.MutationUnpin, models.MutationPayload{Feed: id}, func(st models.SavedFeedsState) (models.SavedFeedsState, bool, error) {
		return unpin(st, id)
	})
}

// Reorder replaces the order of a section. The new order must be a permutation of the section.
func (s *Store) Reorder(section models.Section, order []models.FeedID) error {
	payload := models.MutationPayload{Section: section, Order: append([]models.FeedID(nil), order...)}
	return s.mutate(models.MutationReorder, payload, func(st models.SavedFeedsState) (models.SavedFeedsState, bool, error) {
		return reorder(st, section, order)
	})
}

// Remove deletes a feed from both the saved and the pinned sequence
func (s *Store) Remove(id models.FeedID) error {
	return s.mutate(models.MutationRemove, models.MutationPayload{Feed: id}, func(st models.SavedFeedsState) (models.SavedFeedsState, bool, error) {
		return remove(st, id)
	})
}

// Save adds a feed to the end of the saved sequence
func (s *Store) Save(id models.FeedID) error {
	return s.mutate(models.MutationSave, models.MutationPayload{Feed: id}, func(st models.SavedFeedsState) (models.SavedFeedsState, bool, error) {
		return save(st, id)
	})
}

// Pending returns copies of the mutations awaiting confirmation
func (s *Store) Pending() []models.PendingMutation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.PendingMutation, len(s.pending))
	for i, pm := range s.pending {
		out[i] = *pm
	}
	return out
}

// Subscribe registers a listener. Events are delivered in the order they happened.
func (s *Store) Subscribe(fn Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Flush persists outstanding mutations now and waits until the store is idle.
// It returns the persist error if the outcome was a rollback.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.pending) == 0 && !s.persisting {
		s.mu.Unlock()
		return nil
	}
	if s.ctx.Err() != nil && !s.persisting {
		s.mu.Unlock()
		return context.Canceled
	}

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.startPersistLocked()
	}

	done := make(chan error, 1)
	s.waiters = append(s.waiters, done)
	s.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops background persistence and waits for in-flight calls to settle
func (s *Store) Close() {
	s.unsubscribeCache()

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	if len(s.waiters) > 0 {
		s.notifyWaitersLocked(context.Canceled)
	}
	s.mu.Unlock()
}

type transition func(models.SavedFeedsState) (models.SavedFeedsState, bool, error)

func (s *Store) mutate(kind models.MutationKind, payload models.MutationPayload, apply transition) error {
	s.mu.Lock()

	// Mutations go out as the full list, so they are only accepted on top of
	// a snapshot the remote has confirmed.
	if !s.ensureConfirmedLocked() {
		s.mu.Unlock()
		return ErrNotLoaded
	}

	next, changed, err := apply(*s.state)
	if err != nil {
		s.mu.Unlock()
		mutationsRejected.WithLabelValues(string(kind)).Inc()
		return err
	}
	if !changed {
		s.mu.Unlock()
		return nil
	}

	if s.persisting || s.timer != nil {
		mutationsCoalesced.Inc()
	}

	s.generation++
	s.pending = append(s.pending, &models.PendingMutation{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    payload,
		Previous:   s.state.Clone(),
		Generation: s.generation,
		Status:     models.StatusPending,
		CreatedAt:  time.Now(),
	})
	s.state = &next
	mutationsApplied.WithLabelValues(string(kind)).Inc()

	log.WithFields(log.Fields{
		"kind":       kind,
		"generation": s.generation,
		"pending":    len(s.pending),
	}).Debug("Applied mutation")

	s.schedulePersistLocked()
	s.outbox = append(s.outbox, models.StateChangedEvent{State: next.Clone()})
	s.mu.Unlock()

	s.dispatch()
	return nil
}

func (s *Store) ensureLoadedLocked() bool {
	if s.state != nil {
		return true
	}
	cached, ok := s.cache.Get(s.key)
	if !ok {
		return false
	}
	state := cached.Clone()
	s.state = &state
	return true
}

func (s *Store) ensureConfirmedLocked() bool {
	if !s.ensureLoadedLocked() {
		return false
	}
	if !s.confirmed && !s.cache.IsStale(s.key) {
		s.confirmed = true
	}
	return s.confirmed
}

// schedulePersistLocked debounces persistence. A persist already in flight
// picks up the latest state when it settles.
func (s *Store) schedulePersistLocked() {
	if s.persisting {
		return
	}
	if s.debounce == 0 {
		s.startPersistLocked()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		s.timer = nil
		s.startPersistLocked()
		s.mu.Unlock()
	})
}

func (s *Store) startPersistLocked() {
	if s.persisting || len(s.pending) == 0 || s.ctx.Err() != nil {
		return
	}
	s.persisting = true

	generation := s.generation
	snapshot := s.state.Clone()

	s.wg.Add(1)
	go s.persist(generation, snapshot)
}

func (s *Store) persist(generation uint64, snapshot models.SavedFeedsState) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	persistCalls.Inc()
	start := time.Now()
	err := s.remote.PersistSavedFeeds(ctx, snapshot)
	persistDuration.Observe(time.Since(start).Seconds())

	s.settle(generation, err)
}

// settle applies the outcome of a persist call. Results of superseded
// generations never overwrite the visible state.
func (s *Store) settle(generation uint64, err error) {
	s.mu.Lock()
	s.persisting = false
	superseded := generation != s.generation
	invalidate := false

	fields := log.Fields{
		"generation": generation,
		"latest":     s.generation,
	}

	switch {
	case err != nil && superseded:
		persistFailures.WithLabelValues(errorKind(err)).Inc()
		persistSuperseded.Inc()
		log.WithFields(fields).Warnf("Ignoring failed persist of superseded state: %v", err)

	case err != nil:
		persistFailures.WithLabelValues(errorKind(err)).Inc()
		s.rollbackLocked(err)
		log.WithFields(fields).Errorf("Persist failed, rolled back saved feeds: %v", err)

	default:
		s.commitLocked(generation)
		if superseded {
			persistSuperseded.Inc()
			log.WithFields(fields).Info("Persisted superseded state")
		} else {
			invalidate = true
			s.outbox = append(s.outbox, models.PersistedEvent{Generation: generation})
			s.notifyWaitersLocked(nil)
			log.WithFields(fields).Info("Persisted saved feeds")
		}
	}

	if superseded && s.timer == nil {
		s.startPersistLocked()
	}
	s.mu.Unlock()

	if invalidate {
		s.cache.Invalidate(s.key)
	}
	s.dispatch()
}

func (s *Store) commitLocked(generation uint64) {
	kept := s.pending[:0]
	for _, pm := range s.pending {
		if pm.Generation <= generation {
			pm.Status = models.StatusCommitted
			continue
		}
		kept = append(kept, pm)
	}
	s.pending = kept
}

// rollbackLocked restores the state preceding the oldest outstanding mutation
func (s *Store) rollbackLocked(err error) {
	if len(s.pending) == 0 {
		s.notifyWaitersLocked(err)
		return
	}

	previous := s.pending[0].Previous.Clone()
	rolledBack := make([]models.PendingMutation, len(s.pending))
	for i, pm := range s.pending {
		pm.Status = models.StatusRolledBack
		rolledBack[i] = *pm
	}

	s.state = &previous
	s.pending = nil
	rollbacks.Inc()

	s.outbox = append(s.outbox,
		models.StateChangedEvent{State: previous.Clone()},
		models.PersistFailedEvent{Err: err, Mutations: rolledBack, State: previous.Clone()},
	)
	s.notifyWaitersLocked(err)
}

func (s *Store) notifyWaitersLocked(err error) {
	for _, w := range s.waiters {
		w <- err
	}
	s.waiters = nil
}

// adopt replaces the state with a fresh remote snapshot unless local
// mutations are still awaiting confirmation
func (s *Store) adopt(remote models.SavedFeedsState) {
	s.mu.Lock()
	if len(s.pending) > 0 || s.persisting {
		s.mu.Unlock()
		log.WithFields(log.Fields{
			"key": s.key,
		}).Debug("Skipping remote snapshot while mutations are pending")
		return
	}
	s.confirmed = true
	if s.state != nil && s.state.Equal(remote) {
		s.mu.Unlock()
		return
	}

	state := remote.Clone()
	s.state = &state
	s.outbox = append(s.outbox, models.StateChangedEvent{State: state.Clone()})
	s.mu.Unlock()

	s.dispatch()
}

// dispatch delivers queued events outside the lock. Only one goroutine drains
// at a time so listeners observe events in order.
func (s *Store) dispatch() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true

	for len(s.outbox) > 0 {
		events := s.outbox
		s.outbox = nil

		listeners := make([]Listener, 0, len(s.listeners))
		for _, l := range s.listeners {
			listeners = append(listeners, l)
		}
		s.mu.Unlock()

		for _, evt := range events {
			for _, l := range listeners {
				l(evt)
			}
		}

		s.mu.Lock()
	}

	s.draining = false
	s.mu.Unlock()
}
