package feed

import (
	"strings"
	"time"

	"carspot-service/internal/domain/car"
)

// PartitionID names an independently loaded slice of the store. The global
// feed and each owner's saved cars are separate partitions that may hold
// copies of the same record.
type PartitionID string

const Global PartitionID = "global"

const ownerPrefix = "owner:"

func OwnerPartition(ownerID string) PartitionID {
	return PartitionID(ownerPrefix + ownerID)
}

// Kind is "global" or "owner", used for metrics labels.
func (p PartitionID) Kind() string {
	if strings.HasPrefix(string(p), ownerPrefix) {
		return "owner"
	}
	return string(p)
}

type entry struct {
	rec car.CarRecord
	seq uint64
}

type partition struct {
	id         PartitionID
	entries    map[string]*entry
	generation uint64
	loaded     bool
	stale      bool
	loadedAt   time.Time
	lastErr    error
}

func newPartition(id PartitionID) *partition {
	return &partition{id: id, entries: make(map[string]*entry)}
}

// Status lets the UI tell an empty feed apart from a failed load.
type Status struct {
	Partition PartitionID `json:"partition"`
	Loaded    bool        `json:"loaded"`
	Stale     bool        `json:"stale"`
	Count     int         `json:"count"`
	LoadedAt  time.Time   `json:"loaded_at,omitempty"`
	LastError string      `json:"last_error,omitempty"`
}

func (p *partition) status() Status {
	s := Status{
		Partition: p.id,
		Loaded:    p.loaded,
		Stale:     p.stale,
		Count:     len(p.entries),
		LoadedAt:  p.loadedAt,
	}
	if p.lastErr != nil {
		s.LastError = p.lastErr.Error()
	}
	return s
}
