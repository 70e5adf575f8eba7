package reaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"carspot-service/internal/backend"
	"carspot-service/internal/domain/car"
	"carspot-service/internal/feed"
	"carspot-service/internal/metrics"
)

// Backend issues the reaction calls.
type Backend interface {
	Like(ctx context.Context, key car.Key, actorID string) (backend.LikeResult, error)
	Unlike(ctx context.Context, key car.Key, actorID string) (backend.LikeResult, error)
}

// Store is the part of the feed store reactions mutate.
type Store interface {
	Get(key car.Key) (car.CarRecord, bool)
	ApplyLikeDelta(key car.Key, actorID string, dir car.Direction) (*feed.Pending, error)
	Rollback(op *feed.Pending)
	Confirm(op *feed.Pending, res backend.LikeResult)
	Evict(key car.Key) int
}

type Outcome string

const (
	// Applied means the backend confirmed and the store holds its counts.
	Applied Outcome = "applied"
	// Unchanged means the actor was already in the requested state; nothing was sent.
	Unchanged Outcome = "unchanged"
	// Debounced means a toggle for the same record and actor is in flight or cooling down.
	Debounced Outcome = "debounced"
)

type Result struct {
	Outcome Outcome       `json:"outcome"`
	Record  car.CarRecord `json:"record"`
}

// operation is one queued optimistic reaction. rollback undoes its local
// delta and is the only way a failed operation touches the store again.
type operation struct {
	actor     string
	direction car.Direction
	startedAt time.Time
	rollback  func()
}

// Controller runs optimistic like/unlike against the store with one
// in-flight operation per (record, actor) and a cooldown after each.
type Controller struct {
	backend  Backend
	store    Store
	log      zerolog.Logger
	metrics  *metrics.Metrics
	cooldown time.Duration

	mu     sync.Mutex
	queues map[string][]*operation
	recent *cache.Cache
}

func NewController(b Backend, s Store, cooldown time.Duration, m *metrics.Metrics, log zerolog.Logger) *Controller {
	if m == nil {
		m = metrics.Nop()
	}
	cleanup := 10 * time.Second
	if cooldown > 0 && cooldown*10 < cleanup {
		cleanup = cooldown * 10
	}
	return &Controller{
		backend:  b,
		store:    s,
		log:      log.With().Str("component", "reaction").Logger(),
		metrics:  m,
		cooldown: cooldown,
		queues:   make(map[string][]*operation),
		recent:   cache.New(cooldown, cleanup),
	}
}

func (c *Controller) Like(ctx context.Context, key car.Key, actorID string) (Result, error) {
	return c.react(ctx, key, actorID, car.Like)
}

func (c *Controller) Unlike(ctx context.Context, key car.Key, actorID string) (Result, error) {
	return c.react(ctx, key, actorID, car.Unlike)
}

func tripleKey(key car.Key, actorID string) string {
	return key.String() + "|" + actorID
}

func (c *Controller) react(ctx context.Context, key car.Key, actorID string, dir car.Direction) (Result, error) {
	if actorID == "" {
		c.metrics.Reactions.WithLabelValues(dir.String(), "auth_required").Inc()
		return Result{}, fmt.Errorf("%w: sign in to %s cars", car.ErrAuthRequired, dir)
	}
	// The backend addresses records by the savedAt token it issued.
	if stored, ok := c.store.Get(key); ok {
		key = stored.Key()
	}

	op, pending, res, err := c.begin(key, actorID, dir)
	if err != nil || op == nil {
		return res, err
	}

	var confirmed backend.LikeResult
	if dir == car.Like {
		confirmed, err = c.backend.Like(ctx, key, actorID)
	} else {
		confirmed, err = c.backend.Unlike(ctx, key, actorID)
	}

	c.finish(key, actorID, op)

	if err != nil {
		op.rollback()
		if errors.Is(err, car.ErrNotFound) {
			c.store.Evict(key)
		}
		c.metrics.Reactions.WithLabelValues(dir.String(), "rolled_back").Inc()
		c.log.Warn().
			Err(err).
			Str("key", key.String()).
			Str("actor_id", actorID).
			Str("direction", dir.String()).
			Msg("reaction failed, rolled back")
		return Result{}, err
	}

	c.store.Confirm(pending, confirmed)
	c.metrics.Reactions.WithLabelValues(dir.String(), string(Applied)).Inc()
	c.log.Info().
		Str("key", key.String()).
		Str("actor_id", actorID).
		Str("direction", dir.String()).
		Int("likes", confirmed.Likes).
		Msg("reaction confirmed")

	rec, _ := c.store.Get(key)
	return Result{Outcome: Applied, Record: rec}, nil
}

// begin checks exclusivity and state, applies the optimistic delta and
// enqueues the operation. A nil operation means nothing is sent.
func (c *Controller) begin(key car.Key, actorID string, dir car.Direction) (*operation, *feed.Pending, Result, error) {
	triple := tripleKey(key, actorID)

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.store.Get(key)
	if !ok {
		return nil, nil, Result{}, fmt.Errorf("%w: car %s", car.ErrNotFound, key)
	}

	if c.inFlightLocked(key.String(), actorID) {
		c.metrics.Reactions.WithLabelValues(dir.String(), string(Debounced)).Inc()
		return nil, nil, Result{Outcome: Debounced, Record: rec}, nil
	}
	if _, cooling := c.recent.Get(triple); cooling {
		c.metrics.Reactions.WithLabelValues(dir.String(), string(Debounced)).Inc()
		return nil, nil, Result{Outcome: Debounced, Record: rec}, nil
	}

	if rec.LikedByActor(actorID) == (dir == car.Like) {
		c.metrics.Reactions.WithLabelValues(dir.String(), string(Unchanged)).Inc()
		return nil, nil, Result{Outcome: Unchanged, Record: rec}, nil
	}

	pending, err := c.store.ApplyLikeDelta(key, actorID, dir)
	if err != nil {
		return nil, nil, Result{}, err
	}

	op := &operation{
		actor:     actorID,
		direction: dir,
		startedAt: time.Now(),
		rollback:  func() { c.store.Rollback(pending) },
	}
	k := key.String()
	c.queues[k] = append(c.queues[k], op)
	c.coolLocked(triple, op.startedAt)
	return op, pending, Result{}, nil
}

func (c *Controller) inFlightLocked(recordKey, actorID string) bool {
	for _, op := range c.queues[recordKey] {
		if op.actor == actorID {
			return true
		}
	}
	return false
}

// finish dequeues op and restarts the cooldown from resolution time.
func (c *Controller) finish(key car.Key, actorID string, op *operation) {
	k := key.String()

	c.mu.Lock()
	defer c.mu.Unlock()

	queue := c.queues[k]
	for i, queued := range queue {
		if queued == op {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(c.queues, k)
	} else {
		c.queues[k] = queue
	}
	c.coolLocked(tripleKey(key, actorID), time.Now())
}

func (c *Controller) coolLocked(triple string, at time.Time) {
	if c.cooldown > 0 {
		c.recent.Set(triple, at, c.cooldown)
	}
}

// Pending reports how many reactions are in flight for key.
func (c *Controller) Pending(key car.Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[key.String()])
}
