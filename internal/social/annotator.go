package social

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"carspot-service/internal/domain/car"
)

// Directory resolves current identity fields in batches.
type Directory interface {
	CurrentUsernames(ctx context.Context, ownerIDs []string) (map[string]string, error)
	ProfilePhotos(ctx context.Context, ownerIDs []string) (map[string]string, error)
}

// Source tells where a displayed identity came from.
type Source string

const (
	SourceLive     Source = "live"
	SourceSnapshot Source = "snapshot"
)

// AnnotatedCar is a read-only render view: the record plus the identity to
// display for its author. The record's own author fields are left untouched.
type AnnotatedCar struct {
	car.CarRecord
	DisplayHandle string `json:"display_handle"`
	DisplayAvatar string `json:"display_avatar,omitempty"`
	Source        Source `json:"identity_source"`
}

// lookupTimeout bounds a shared lookup, which outlives any single caller.
const lookupTimeout = 10 * time.Second

// Annotator is a two-tier identity cache: live batched lookups first, the
// record's write-time snapshot as fallback.
type Annotator struct {
	dir   Directory
	cache *cache.Cache
	group singleflight.Group
	log   zerolog.Logger
}

func NewAnnotator(dir Directory, ttl time.Duration, log zerolog.Logger) *Annotator {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Annotator{
		dir:   dir,
		cache: cache.New(ttl, 2*ttl),
		log:   log.With().Str("component", "social").Logger(),
	}
}

type batch struct {
	snapshots map[string]car.IdentitySnapshot
	err       error
}

// Resolve returns current identities for ownerIDs. Uncached owners are looked
// up with one batched call per directory; identical concurrent id sets share
// a single lookup. On partial failure whatever resolved is returned together
// with the error. A caller that gives up does not cancel the shared lookup.
func (a *Annotator) Resolve(ctx context.Context, ownerIDs []string) (map[string]car.IdentitySnapshot, error) {
	ids := distinct(ownerIDs)
	out := make(map[string]car.IdentitySnapshot, len(ids))

	missing := make([]string, 0, len(ids))
	for _, id := range ids {
		if v, ok := a.cache.Get(id); ok {
			if snap := v.(car.IdentitySnapshot); resolved(snap) {
				out[id] = snap
			}
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	ch := a.group.DoChan(strings.Join(missing, "\x00"), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		return a.fetch(fctx, missing), nil
	})
	var b batch
	select {
	case res := <-ch:
		b = res.Val.(batch)
	case <-ctx.Done():
		return out, ctx.Err()
	}

	for id, snap := range b.snapshots {
		out[id] = snap
	}
	return out, b.err
}

func (a *Annotator) fetch(ctx context.Context, ids []string) batch {
	var (
		names, photos       map[string]string
		namesErr, photosErr error
		g                   errgroup.Group
	)
	g.Go(func() error {
		names, namesErr = a.dir.CurrentUsernames(ctx, ids)
		return nil
	})
	g.Go(func() error {
		photos, photosErr = a.dir.ProfilePhotos(ctx, ids)
		return nil
	})
	_ = g.Wait()

	complete := namesErr == nil && photosErr == nil
	snapshots := make(map[string]car.IdentitySnapshot, len(ids))
	for _, id := range ids {
		snap := car.IdentitySnapshot{OwnerID: id, Handle: names[id], AvatarRef: photos[id]}
		if complete {
			a.cache.SetDefault(id, snap)
		}
		if resolved(snap) {
			snapshots[id] = snap
		}
	}

	err := errors.Join(wrap("usernames", namesErr), wrap("photos", photosErr))
	if err != nil {
		a.log.Warn().Err(err).Int("owners", len(ids)).Int("resolved", len(snapshots)).Msg("identity lookup partially failed")
	} else {
		a.log.Debug().Int("owners", len(ids)).Int("resolved", len(snapshots)).Msg("identities resolved")
	}
	return batch{snapshots: snapshots, err: err}
}

func wrap(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s lookup: %w", what, err)
}

func resolved(s car.IdentitySnapshot) bool {
	return s.Handle != "" || s.AvatarRef != ""
}

func distinct(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Invalidate starts a new population cycle; the next Resolve looks everyone up again.
func (a *Annotator) Invalidate() {
	a.cache.Flush()
}

// Forget drops one owner, e.g. after they renamed themselves.
func (a *Annotator) Forget(ownerID string) {
	a.cache.Delete(ownerID)
}

// Annotate joins records with live identities, falling back field by field to
// the write-time snapshot stored on the record.
func Annotate(records []car.CarRecord, live map[string]car.IdentitySnapshot) []AnnotatedCar {
	out := make([]AnnotatedCar, len(records))
	for i, rec := range records {
		view := AnnotatedCar{
			CarRecord:     rec,
			DisplayHandle: rec.AuthorHandle,
			DisplayAvatar: rec.AuthorAvatarRef,
			Source:        SourceSnapshot,
		}
		if snap, ok := live[rec.OwnerID]; ok {
			if snap.Handle != "" {
				view.DisplayHandle = snap.Handle
				view.Source = SourceLive
			}
			if snap.AvatarRef != "" {
				view.DisplayAvatar = snap.AvatarRef
				view.Source = SourceLive
			}
		}
		out[i] = view
	}
	return out
}

// AnnotateRecords resolves the authors of records and joins them. Lookup
// errors are logged; the snapshot fallback still applies.
func (a *Annotator) AnnotateRecords(ctx context.Context, records []car.CarRecord) []AnnotatedCar {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.OwnerID)
	}
	live, err := a.Resolve(ctx, ids)
	if err != nil {
		a.log.Warn().Err(err).Msg("falling back to stored author snapshots")
	}
	return Annotate(records, live)
}
