package service

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"carspot-service/internal/feed"
	"carspot-service/internal/session"
)

const anonymousKey = "anonymous"

// partitionDropper is a snapshot store that can forget a stored partition.
type partitionDropper interface {
	DropPartition(ctx context.Context, partition string) error
}

// Registry keeps one workspace per signed-in user and closes it after it has
// been idle for the configured TTL.
type Registry struct {
	deps Deps
	log  zerolog.Logger
	ttl  time.Duration

	mu        sync.Mutex
	items     *cache.Cache
	anonymous *Workspace
}

func NewRegistry(deps Deps, idleTTL time.Duration) *Registry {
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	r := &Registry{
		deps:  deps,
		log:   deps.Log.With().Str("component", "registry").Logger(),
		ttl:   idleTTL,
		items: cache.New(idleTTL, idleTTL/2),
	}
	r.items.OnEvicted(func(userID string, v interface{}) {
		if ws, ok := v.(*Workspace); ok {
			ws.Session().SignOut()
			ws.Close()
			r.log.Info().Str("user_id", userID).Msg("workspace closed")
		}
	})
	return r
}

// Acquire returns the workspace of the user p resolves to, creating it on
// first use, and re-binds its session to p.
func (r *Registry) Acquire(ctx context.Context, p session.Provider) (*Workspace, session.User, error) {
	u, err := p.CurrentUser(ctx)
	if err != nil {
		return nil, session.User{}, err
	}

	r.mu.Lock()
	var ws *Workspace
	if v, ok := r.items.Get(u.UserID); ok {
		ws = v.(*Workspace)
	} else {
		// an expired entry may linger until the janitor runs
		r.items.Delete(u.UserID)
		ws = NewWorkspace(r.deps, session.NewContext(p))
		r.log.Info().Str("user_id", u.UserID).Msg("workspace created")
	}
	r.items.Set(u.UserID, ws, r.ttl)
	r.mu.Unlock()

	u, err = ws.Session().Bind(ctx, p)
	if err != nil {
		return nil, session.User{}, err
	}
	return ws, u, nil
}

// Anonymous returns the shared read-only workspace for visitors without a
// session. Its session never resolves, so every write fails with
// car.ErrAuthRequired.
func (r *Registry) Anonymous() *Workspace {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.anonymous == nil {
		r.anonymous = NewWorkspace(r.deps, session.NewContext(nil))
		r.anonymous.log = r.anonymous.log.With().Str("user_id", anonymousKey).Logger()
	}
	return r.anonymous
}

// SignOut closes the user's workspace immediately and forgets the persisted
// copy of their saved cars.
func (r *Registry) SignOut(ctx context.Context, userID string) bool {
	r.mu.Lock()
	_, ok := r.items.Get(userID)
	if ok {
		r.items.Delete(userID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	if d, ok := r.deps.Snapshots.(partitionDropper); ok {
		partition := string(feed.OwnerPartition(userID))
		if err := d.DropPartition(ctx, partition); err != nil {
			r.log.Warn().Err(err).Str("user_id", userID).Msg("failed to drop saved-cars snapshot")
		}
	}
	return true
}

func (r *Registry) Len() int {
	return r.items.ItemCount()
}

// Close closes every workspace.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items.DeleteExpired()
	for userID := range r.items.Items() {
		r.items.Delete(userID)
	}
	if r.anonymous != nil {
		r.anonymous.Close()
		r.anonymous = nil
	}
}
