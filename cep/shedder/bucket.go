// Package shedder implements the state-based load shedder: a bucket
// manager classifying live partial matches by window-span slice and by
// length class, and shedding partials from the lowest-value buckets first
// under state pressure.
package shedder

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/martymichal/opencep/cep"
)

// Bucket keys the 2D classification of partial matches.
type Bucket struct {
	Slice  int
	Length int
}

// Value orders buckets for shedding: lower values shed first.
func (b Bucket) Value() int {
	return b.Slice + b.Length
}

// BucketStats tracks per-bucket occupancy.
type BucketStats struct {
	Active int
}

// SliceID classifies a partial match by the third of the window its span
// covers: 0 for the narrowest third, 2 for the widest.
func SliceID(first, last time.Time, window time.Duration) int {
	if window <= 0 {
		return 0
	}
	ratio := float64(last.Sub(first)) / float64(window)
	switch {
	case ratio < 1.0/3.0:
		return 0
	case ratio < 2.0/3.0:
		return 1
	default:
		return 2
	}
}

// LengthID classifies a partial match by event count. Longer matches map
// to lower ids, which lowers their bucket's Value; Shed visits buckets in
// ascending Value, so at equal slice the longer matches are shed first.
func LengthID(length int) int {
	switch {
	case length > 5:
		return 0
	case length > 2:
		return 1
	default:
		return 2
	}
}

// BucketManager buckets live partial match ids. One instance serves one
// tree; the partials mapping is a bijection between live ids and their
// current bucket.
type BucketManager struct {
	window   time.Duration
	buckets  map[Bucket]map[uint64]struct{}
	partials map[uint64]Bucket
	stats    map[Bucket]*BucketStats
	log      zerolog.Logger
}

// NewBucketManager creates a manager for the given window.
func NewBucketManager(window time.Duration, log zerolog.Logger) *BucketManager {
	return &BucketManager{
		window:   window,
		buckets:  map[Bucket]map[uint64]struct{}{},
		partials: map[uint64]Bucket{},
		stats:    map[Bucket]*BucketStats{},
		log:      log,
	}
}

// Register classifies and adds a partial match.
func (m *BucketManager) Register(pm *cep.PatternMatch) {
	slice := SliceID(pm.FirstTimestamp, pm.LastTimestamp, m.window)
	length := LengthID(len(pm.Events))
	m.Add(pm.PartialID, slice, length)
}

// Add places a partial id into a bucket. Idempotent: re-adding into the
// same bucket is a no-op, re-adding into another bucket moves the id and
// updates the occupancy counters.
func (m *BucketManager) Add(partialID uint64, slice, length int) {
	bucket := Bucket{Slice: slice, Length: length}
	if old, ok := m.partials[partialID]; ok {
		if old == bucket {
			return
		}
		delete(m.buckets[old], partialID)
		m.stats[old].Active--
		m.tidy(old)
	}

	set, ok := m.buckets[bucket]
	if !ok {
		set = map[uint64]struct{}{}
		m.buckets[bucket] = set
		m.stats[bucket] = &BucketStats{}
	}
	set[partialID] = struct{}{}
	m.partials[partialID] = bucket
	m.stats[bucket].Active++
	m.checkInvariants()
}

// Remove discards a partial id from whichever bucket holds it. Returns
// false when the id is unknown.
func (m *BucketManager) Remove(partialID uint64) bool {
	bucket, ok := m.partials[partialID]
	if !ok {
		return false
	}
	delete(m.partials, partialID)
	delete(m.buckets[bucket], partialID)
	m.stats[bucket].Active--
	m.tidy(bucket)
	m.checkInvariants()
	return true
}

// Active returns the number of live partial ids.
func (m *BucketManager) Active() int {
	return len(m.partials)
}

// Shed frees targetCount partial ids, walking buckets in ascending value
// order and, inside a bucket, ascending id order, so the oldest of the
// least valuable partials go first. Returns the freed ids; the caller
// must drop every one of them from the node storages.
func (m *BucketManager) Shed(targetCount int) []uint64 {
	if targetCount <= 0 {
		return nil
	}

	order := make([]Bucket, 0, len(m.buckets))
	for bucket := range m.buckets {
		order = append(order, bucket)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].Value() != order[j].Value() {
			return order[i].Value() < order[j].Value()
		}
		if order[i].Slice != order[j].Slice {
			return order[i].Slice < order[j].Slice
		}
		return order[i].Length < order[j].Length
	})

	var freed []uint64
	for _, bucket := range order {
		if len(freed) >= targetCount {
			break
		}
		ids := make([]uint64, 0, len(m.buckets[bucket]))
		for id := range m.buckets[bucket] {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			if len(freed) >= targetCount {
				break
			}
			delete(m.partials, id)
			delete(m.buckets[bucket], id)
			m.stats[bucket].Active--
			freed = append(freed, id)
		}
		m.tidy(bucket)
	}

	m.checkInvariants()
	m.log.Debug().Int("freed", len(freed)).Int("target", targetCount).
		Int("remaining", len(m.partials)).Msg("shed partial matches")
	return freed
}

// DebugString lists every bucket and its contents in deterministic order.
func (m *BucketManager) DebugString() string {
	if len(m.buckets) == 0 {
		return "bucket manager: no buckets"
	}

	order := make([]Bucket, 0, len(m.buckets))
	for bucket := range m.buckets {
		order = append(order, bucket)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].Slice != order[j].Slice {
			return order[i].Slice < order[j].Slice
		}
		return order[i].Length < order[j].Length
	})

	var b strings.Builder
	b.WriteString("bucket manager:\n")
	for _, bucket := range order {
		ids := make([]uint64, 0, len(m.buckets[bucket]))
		for id := range m.buckets[bucket] {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		fmt.Fprintf(&b, "  (slice=%d, length=%d): active=%d ids=%v\n",
			bucket.Slice, bucket.Length, m.stats[bucket].Active, ids)
	}
	return b.String()
}

// tidy drops the structures of an emptied bucket.
func (m *BucketManager) tidy(bucket Bucket) {
	if len(m.buckets[bucket]) == 0 {
		delete(m.buckets, bucket)
		delete(m.stats, bucket)
	}
}

// checkInvariants asserts the partials bijection and the occupancy
// counters. A violation is a programming error.
func (m *BucketManager) checkInvariants() {
	total := 0
	for bucket, set := range m.buckets {
		stats, ok := m.stats[bucket]
		if !ok || stats.Active != len(set) {
			panic(fmt.Sprintf("bucket manager invariant violated: bucket %+v active=%v members=%d",
				bucket, stats, len(set)))
		}
		total += len(set)
		for id := range set {
			if m.partials[id] != bucket {
				panic(fmt.Sprintf("bucket manager invariant violated: id %d mapped to %+v, found in %+v",
					id, m.partials[id], bucket))
			}
		}
	}
	if total != len(m.partials) {
		panic(fmt.Sprintf("bucket manager invariant violated: %d bucketed ids, %d mapped ids",
			total, len(m.partials)))
	}
}
