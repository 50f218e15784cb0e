// Package tree implements the live evaluation structure: operator nodes
// with windowed partial-match storage, the tree/DAG wiring them together,
// and the evaluation mechanisms that drive events through it and
// coordinate plan reconstruction.
package tree

import (
	"time"

	"github.com/tidwall/btree"

	"github.com/martymichal/opencep/cep"
)

// StorageParams configures the partial-match storage policy of the tree's
// nodes.
type StorageParams struct {
	// Sort enables sorted storage. Nodes whose plan assigns a sort
	// attribute key by that payload attribute; all others key by the
	// partial match's last timestamp, which makes window pruning a
	// prefix removal.
	Sort bool
	// PrimaryKeyDedup rejects inserts equal to a stored entry (same
	// event set, same pattern ids). On by default.
	PrimaryKeyDedup bool
}

// DefaultStorageParams returns the default policy: unsorted storage with
// de-duplication.
func DefaultStorageParams() StorageParams {
	return StorageParams{Sort: false, PrimaryKeyDedup: true}
}

// Storage holds the partial matches of one node side. Identity is the
// event set plus the pattern-id set.
type Storage interface {
	// Add stores a partial match; returns false when de-duplication
	// rejects it.
	Add(pm *cep.PatternMatch) bool
	// PruneOlderThan removes and returns every partial match whose last
	// timestamp is before the cutoff.
	PruneOlderThan(cutoff time.Time) []*cep.PatternMatch
	// Remove discards a partial match by id, for load shedding.
	Remove(partialID uint64) *cep.PatternMatch
	// All returns the stored matches in the storage's iteration order.
	All() []*cep.PatternMatch
	Len() int
}

func newStorage(params StorageParams, sortAttribute string) Storage {
	if params.Sort {
		return newSortedStorage(sortAttribute, params.PrimaryKeyDedup)
	}
	return newUnsortedStorage(params.PrimaryKeyDedup)
}

// unsortedStorage is an append-only list with linear pruning.
type unsortedStorage struct {
	items []*cep.PatternMatch
	keys  map[string]uint64
	dedup bool
}

func newUnsortedStorage(dedup bool) *unsortedStorage {
	return &unsortedStorage{keys: map[string]uint64{}, dedup: dedup}
}

func (s *unsortedStorage) Add(pm *cep.PatternMatch) bool {
	key := pm.Key()
	if s.dedup {
		if _, exists := s.keys[key]; exists {
			return false
		}
	}
	s.items = append(s.items, pm)
	s.keys[key] = pm.PartialID
	return true
}

func (s *unsortedStorage) PruneOlderThan(cutoff time.Time) []*cep.PatternMatch {
	var removed []*cep.PatternMatch
	kept := s.items[:0]
	for _, pm := range s.items {
		if pm.LastTimestamp.Before(cutoff) {
			removed = append(removed, pm)
			delete(s.keys, pm.Key())
		} else {
			kept = append(kept, pm)
		}
	}
	s.items = kept
	return removed
}

func (s *unsortedStorage) Remove(partialID uint64) *cep.PatternMatch {
	for i, pm := range s.items {
		if pm.PartialID == partialID {
			s.items = append(s.items[:i], s.items[i+1:]...)
			delete(s.keys, pm.Key())
			return pm
		}
	}
	return nil
}

func (s *unsortedStorage) All() []*cep.PatternMatch {
	return append([]*cep.PatternMatch(nil), s.items...)
}

func (s *unsortedStorage) Len() int {
	return len(s.items)
}

// sortedItem keys a partial match for the sorted storage's btree.
type sortedItem struct {
	key float64
	id  uint64
	pm  *cep.PatternMatch
}

// sortedStorage keeps partial matches ordered by a numeric sort key: a
// designated payload attribute, or the last timestamp when no attribute
// is assigned. Timestamp-keyed storages prune by prefix.
type sortedStorage struct {
	attribute string
	tree      *btree.BTreeG[sortedItem]
	byID      map[uint64]sortedItem
	keys      map[string]uint64
	dedup     bool
}

func newSortedStorage(attribute string, dedup bool) *sortedStorage {
	less := func(a, b sortedItem) bool {
		if a.key != b.key {
			return a.key < b.key
		}
		return a.id < b.id
	}
	return &sortedStorage{
		attribute: attribute,
		tree:      btree.NewBTreeG[sortedItem](less),
		byID:      map[uint64]sortedItem{},
		keys:      map[string]uint64{},
		dedup:     dedup,
	}
}

// sortKey extracts the ordering key: the first event payload carrying the
// attribute, else the last timestamp in nanoseconds.
func (s *sortedStorage) sortKey(pm *cep.PatternMatch) float64 {
	if s.attribute != "" {
		for _, e := range pm.Events {
			if v, ok := e.Payload[s.attribute]; ok {
				if f, ok := toFloat(v); ok {
					return f
				}
			}
		}
	}
	return float64(pm.LastTimestamp.UnixNano())
}

func (s *sortedStorage) Add(pm *cep.PatternMatch) bool {
	key := pm.Key()
	if s.dedup {
		if _, exists := s.keys[key]; exists {
			return false
		}
	}
	item := sortedItem{key: s.sortKey(pm), id: pm.PartialID, pm: pm}
	s.tree.Set(item)
	s.byID[pm.PartialID] = item
	s.keys[key] = pm.PartialID
	return true
}

func (s *sortedStorage) PruneOlderThan(cutoff time.Time) []*cep.PatternMatch {
	var expired []sortedItem
	s.tree.Scan(func(item sortedItem) bool {
		if item.pm.LastTimestamp.Before(cutoff) {
			expired = append(expired, item)
			// Timestamp-ordered storages stop at the first survivor;
			// attribute-ordered ones must scan through.
			return true
		}
		return s.attribute != ""
	})

	removed := make([]*cep.PatternMatch, 0, len(expired))
	for _, item := range expired {
		s.tree.Delete(item)
		delete(s.byID, item.id)
		delete(s.keys, item.pm.Key())
		removed = append(removed, item.pm)
	}
	return removed
}

func (s *sortedStorage) Remove(partialID uint64) *cep.PatternMatch {
	item, ok := s.byID[partialID]
	if !ok {
		return nil
	}
	s.tree.Delete(item)
	delete(s.byID, partialID)
	delete(s.keys, item.pm.Key())
	return item.pm
}

func (s *sortedStorage) All() []*cep.PatternMatch {
	out := make([]*cep.PatternMatch, 0, s.tree.Len())
	s.tree.Scan(func(item sortedItem) bool {
		out = append(out, item.pm)
		return true
	})
	return out
}

func (s *sortedStorage) Len() int {
	return s.tree.Len()
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
