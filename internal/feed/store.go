package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"carspot-service/internal/backend"
	"carspot-service/internal/domain/car"
	"carspot-service/internal/metrics"
)

// Backend is the subset of the car API the store needs.
type Backend interface {
	ListAll(ctx context.Context) ([]car.CarRecord, error)
	ListForOwner(ctx context.Context, ownerID string) ([]car.CarRecord, error)
	SaveCar(ctx context.Context, rec car.CarRecord) (car.Key, error)
	DeleteCar(ctx context.Context, key car.Key) error
}

// SnapshotStore keeps the last good copy of a partition across restarts.
type SnapshotStore interface {
	SavePartition(ctx context.Context, partition string, records []car.CarRecord) error
	LoadPartition(ctx context.Context, partition string) ([]car.CarRecord, time.Time, error)
}

// Store holds feed and saved-car records. All mutation goes through its
// methods; readers get cloned records.
type Store struct {
	backend   Backend
	snapshots SnapshotStore
	log       zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu         sync.RWMutex
	partitions map[PartitionID]*partition
	reserved   map[string]struct{}
	seq        uint64
	pendingSeq uint64
}

type Option func(*Store)

// WithSnapshots enables persisting loaded partitions and falling back to
// them when the first load of a partition fails.
func WithSnapshots(s SnapshotStore) Option {
	return func(st *Store) { st.snapshots = s }
}

// WithClock overrides time.Now for createdAt stamping.
func WithClock(now func() time.Time) Option {
	return func(st *Store) { st.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(st *Store) { st.metrics = m }
}

func NewStore(b Backend, log zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		backend:    b,
		log:        log.With().Str("component", "feed").Logger(),
		metrics:    metrics.Nop(),
		now:        time.Now,
		partitions: make(map[PartitionID]*partition),
		reserved:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadAll replaces the global partition with the backend listing.
func (s *Store) LoadAll(ctx context.Context) ([]car.CarRecord, error) {
	return s.load(ctx, Global, func(ctx context.Context) ([]car.CarRecord, error) {
		return s.backend.ListAll(ctx)
	})
}

// LoadForOwner replaces the owner's saved-cars partition.
func (s *Store) LoadForOwner(ctx context.Context, ownerID string) ([]car.CarRecord, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", car.ErrAuthRequired)
	}
	return s.load(ctx, OwnerPartition(ownerID), func(ctx context.Context) ([]car.CarRecord, error) {
		return s.backend.ListForOwner(ctx, ownerID)
	})
}

func (s *Store) load(ctx context.Context, id PartitionID, fetch func(context.Context) ([]car.CarRecord, error)) ([]car.CarRecord, error) {
	records, err := fetch(ctx)
	if err != nil {
		return nil, s.loadFailed(ctx, id, err)
	}

	s.mu.Lock()
	p := s.partitionLocked(id)
	s.replaceLocked(p, records)
	p.loaded = true
	p.stale = false
	p.lastErr = nil
	p.loadedAt = s.now()
	out := project(p.list(), car.SortMostRecent)
	s.mu.Unlock()

	s.metrics.FeedLoads.WithLabelValues(id.Kind(), "ok").Inc()
	s.log.Info().Str("partition", string(id)).Int("count", len(out)).Msg("feed partition loaded")

	if s.snapshots != nil {
		if err := s.snapshots.SavePartition(ctx, string(id), out); err != nil {
			s.log.Warn().Err(err).Str("partition", string(id)).Msg("failed to persist feed snapshot")
		}
	}
	return out, nil
}

// loadFailed keeps the previous set. A partition that never loaded falls back
// to the persisted snapshot, marked stale.
func (s *Store) loadFailed(ctx context.Context, id PartitionID, cause error) error {
	s.mu.Lock()
	p := s.partitionLocked(id)
	p.lastErr = cause
	firstLoad := !p.loaded && !p.stale
	s.mu.Unlock()

	s.log.Error().Err(cause).Str("partition", string(id)).Bool("first_load", firstLoad).Msg("feed load failed, keeping previous set")

	if !firstLoad || s.snapshots == nil {
		s.metrics.FeedLoads.WithLabelValues(id.Kind(), "failed").Inc()
		return fmt.Errorf("load %s: %w", id, cause)
	}

	records, savedAt, err := s.snapshots.LoadPartition(ctx, string(id))
	if err != nil || len(records) == 0 {
		if err != nil {
			s.log.Warn().Err(err).Str("partition", string(id)).Msg("no usable feed snapshot")
		}
		s.metrics.FeedLoads.WithLabelValues(id.Kind(), "failed").Inc()
		return fmt.Errorf("load %s: %w", id, cause)
	}

	s.mu.Lock()
	if !p.loaded && len(p.entries) == 0 {
		s.replaceLocked(p, records)
		p.stale = true
		p.loadedAt = savedAt
	}
	s.mu.Unlock()

	s.metrics.FeedLoads.WithLabelValues(id.Kind(), "fallback").Inc()
	s.log.Warn().Str("partition", string(id)).Int("count", len(records)).Time("snapshot_at", savedAt).Msg("serving persisted feed snapshot")
	return fmt.Errorf("load %s: %w", id, cause)
}

func (s *Store) partitionLocked(id PartitionID) *partition {
	p, ok := s.partitions[id]
	if !ok {
		p = newPartition(id)
		s.partitions[id] = p
	}
	return p
}

// replaceLocked swaps the partition contents. Duplicate keys keep the first
// occurrence so keys stay unique.
func (s *Store) replaceLocked(p *partition, records []car.CarRecord) {
	entries := make(map[string]*entry, len(records))
	for _, rec := range records {
		k := rec.Key().String()
		if _, dup := entries[k]; dup {
			s.log.Warn().Str("partition", string(p.id)).Str("key", k).Msg("dropping duplicate record key")
			continue
		}
		s.seq++
		entries[k] = &entry{rec: rec.Clone(), seq: s.seq}
	}
	p.entries = entries
	p.generation++
}

func (p *partition) list() []*entry {
	out := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	return out
}

func (s *Store) existsLocked(k string) bool {
	for _, p := range s.partitions {
		if _, ok := p.entries[k]; ok {
			return true
		}
	}
	return false
}

// Save writes a new record and adds it locally only after the backend
// confirmed it. createdAt is stamped from the clock and nudged forward until
// the key is unique for the owner. A backend that settles on a key some other
// record already holds fails the save with car.ErrPersistence.
func (s *Store) Save(ctx context.Context, req car.SaveRequest) (car.CarRecord, error) {
	if err := req.Validate(); err != nil {
		return car.CarRecord{}, err
	}

	s.mu.Lock()
	createdAt := s.now().UTC().Truncate(time.Millisecond)
	key := car.Key{OwnerID: req.OwnerID, CreatedAt: createdAt}
	for s.existsLocked(key.String()) || s.isReservedLocked(key.String()) {
		key.CreatedAt = key.CreatedAt.Add(time.Millisecond)
	}
	reserved := key.String()
	s.reserved[reserved] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.reserved, reserved)
		s.mu.Unlock()
	}()

	rec := car.CarRecord{
		OwnerID:         req.OwnerID,
		CreatedAt:       key.CreatedAt,
		SavedAt:         car.FormatTimestamp(key.CreatedAt),
		VehicleInfo:     req.VehicleInfo,
		ImageRef:        req.ImageRef,
		Description:     req.Description,
		IsPrivate:       req.IsPrivate,
		AuthorHandle:    req.AuthorHandle,
		AuthorAvatarRef: req.AuthorAvatarRef,
	}

	settled, err := s.backend.SaveCar(ctx, rec)
	if err != nil {
		s.log.Error().Err(err).Str("owner_id", req.OwnerID).Msg("failed to save car")
		return car.CarRecord{}, fmt.Errorf("%w: %w", car.ErrPersistence, err)
	}
	if !settled.CreatedAt.IsZero() {
		rec.CreatedAt = settled.CreatedAt.UTC()
		rec.SavedAt = settled.SavedAt
	}

	s.mu.Lock()
	k := rec.Key().String()
	if k != reserved && (s.existsLocked(k) || s.isReservedLocked(k)) {
		s.mu.Unlock()
		s.log.Error().Str("key", k).Str("reserved", reserved).Msg("backend settled on a key already in use")
		return car.CarRecord{}, fmt.Errorf("%w: backend stored car under existing key %s", car.ErrPersistence, k)
	}
	s.insertLocked(OwnerPartition(rec.OwnerID), rec)
	if g, ok := s.partitions[Global]; ok && !rec.IsPrivate {
		s.insertIntoLocked(g, rec)
	}
	s.mu.Unlock()

	s.log.Info().
		Str("owner_id", rec.OwnerID).
		Str("saved_at", rec.Key().Stamp()).
		Bool("private", rec.IsPrivate).
		Msg("car saved")
	return rec.Clone(), nil
}

func (s *Store) isReservedLocked(k string) bool {
	_, ok := s.reserved[k]
	return ok
}

func (s *Store) insertLocked(id PartitionID, rec car.CarRecord) {
	s.insertIntoLocked(s.partitionLocked(id), rec)
}

func (s *Store) insertIntoLocked(p *partition, rec car.CarRecord) {
	s.seq++
	p.entries[rec.Key().String()] = &entry{rec: rec.Clone(), seq: s.seq}
}

// Delete removes the record once the backend confirmed. A key the store does
// not hold is car.ErrNotFound without a backend call.
func (s *Store) Delete(ctx context.Context, key car.Key) error {
	k := key.String()

	stored, ok := s.Get(key)
	if !ok {
		return fmt.Errorf("%w: car %s", car.ErrNotFound, k)
	}

	err := s.backend.DeleteCar(ctx, stored.Key())
	if err != nil && !errors.Is(err, car.ErrNotFound) {
		s.log.Error().Err(err).Str("key", k).Msg("failed to delete car")
		return err
	}

	removed := s.Evict(key)
	if err != nil {
		s.log.Warn().Str("key", k).Int("evicted", removed).Msg("car already gone on backend")
		return err
	}
	if removed == 0 {
		return fmt.Errorf("%w: car %s", car.ErrNotFound, k)
	}
	s.log.Info().Str("key", k).Msg("car deleted")
	return nil
}

// Evict drops key from every partition without contacting the backend and
// returns how many copies were removed.
func (s *Store) Evict(key car.Key) int {
	k := key.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.partitions {
		if _, ok := p.entries[k]; ok {
			delete(p.entries, k)
			n++
		}
	}
	return n
}

// Get returns a copy of the record from the first partition holding it.
func (s *Store) Get(key car.Key) (car.CarRecord, bool) {
	k := key.String()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.partitionOrderLocked() {
		if e, ok := s.partitions[id].entries[k]; ok {
			return e.rec.Clone(), true
		}
	}
	return car.CarRecord{}, false
}

// partitionOrderLocked lists the global partition first for stable lookups.
func (s *Store) partitionOrderLocked() []PartitionID {
	ids := make([]PartitionID, 0, len(s.partitions))
	if _, ok := s.partitions[Global]; ok {
		ids = append(ids, Global)
	}
	for id := range s.partitions {
		if id != Global {
			ids = append(ids, id)
		}
	}
	return ids
}

// Project returns the partition ordered by key.
func (s *Store) Project(id PartitionID, key car.SortKey) []car.CarRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.partitions[id]
	if !ok {
		return []car.CarRecord{}
	}
	return project(p.list(), key)
}

func (s *Store) Status(id PartitionID) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.partitions[id]
	if !ok {
		return Status{Partition: id}
	}
	return p.status()
}

var _ Backend = (*backend.Client)(nil)
