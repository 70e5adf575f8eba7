package feed

import (
	"fmt"

	"carspot-service/internal/backend"
	"carspot-service/internal/domain/car"
)

// Pending is an optimistic like delta awaiting backend confirmation. It
// remembers which partition copies it touched so a rollback only undoes
// what was applied, and skips copies replaced by a reload since.
type Pending struct {
	ID        uint64
	Key       car.Key
	Actor     string
	Direction car.Direction
	applied   map[PartitionID]uint64
}

// ApplyLikeDelta applies +1/-1 and the likedBy change to every copy of key.
// Copies already in the target state are left alone.
func (s *Store) ApplyLikeDelta(key car.Key, actorID string, dir car.Direction) (*Pending, error) {
	if actorID == "" {
		return nil, fmt.Errorf("%w: actor id is required", car.ErrAuthRequired)
	}
	if dir != car.Like && dir != car.Unlike {
		return nil, fmt.Errorf("%w: invalid like direction %d", car.ErrValidation, dir)
	}
	k := key.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	s.pendingSeq++
	op := &Pending{
		ID:        s.pendingSeq,
		Key:       key,
		Actor:     actorID,
		Direction: dir,
		applied:   make(map[PartitionID]uint64),
	}
	for id, p := range s.partitions {
		e, ok := p.entries[k]
		if !ok {
			continue
		}
		found = true
		if applyDelta(&e.rec, actorID, dir) {
			op.applied[id] = p.generation
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: car %s", car.ErrNotFound, k)
	}
	return op, nil
}

// applyDelta mutates rec and reports whether anything changed.
func applyDelta(rec *car.CarRecord, actorID string, dir car.Direction) bool {
	liked := rec.LikedByActor(actorID)
	switch {
	case dir == car.Like && !liked:
		rec.LikedBy = append(rec.LikedBy, actorID)
		rec.LikeCount++
		return true
	case dir == car.Unlike && liked:
		rec.LikedBy = removeID(rec.LikedBy, actorID)
		if rec.LikeCount > 0 {
			rec.LikeCount--
		}
		return true
	}
	return false
}

func removeID(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Rollback undoes op on the copies it changed that have not been reloaded.
func (s *Store) Rollback(op *Pending) {
	if op == nil {
		return
	}
	k := op.Key.String()
	inverse := car.Like
	if op.Direction == car.Like {
		inverse = car.Unlike
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, gen := range op.applied {
		p, ok := s.partitions[id]
		if !ok || p.generation != gen {
			continue
		}
		if e, ok := p.entries[k]; ok {
			applyDelta(&e.rec, op.Actor, inverse)
		}
	}
	s.log.Debug().Uint64("pending_id", op.ID).Str("key", k).Str("direction", op.Direction.String()).Msg("rolled back like delta")
}

// Confirm reconciles every copy of op.Key with the backend's counts. The
// backend is authoritative for the count; when it omits the liker set the
// actor's membership is forced to match the confirmed direction.
func (s *Store) Confirm(op *Pending, res backend.LikeResult) {
	if op == nil {
		return
	}
	k := op.Key.String()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.partitions {
		e, ok := p.entries[k]
		if !ok {
			continue
		}
		if res.LikedBy != nil {
			e.rec.LikedBy = append([]string(nil), res.LikedBy...)
		} else {
			applyDelta(&e.rec, op.Actor, op.Direction)
		}
		e.rec.LikeCount = res.Likes
	}
}
