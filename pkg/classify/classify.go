// Package classify provides timestamp-ordered tracking of per-source
// classification metadata, for use by a Classifier that needs context
// beyond a single event (e.g. "source 3 was in calibration mode
// starting at timestamp T") rather than a pure function of the event's
// own bytes.
package classify

import "sort"

// UpdateType distinguishes a metadata update from a retirement.
type UpdateType uint32

const (
	// UpdateSet installs new metadata for a source.
	UpdateSet UpdateType = 1
	// UpdateRetire marks a source inactive, preserving its last metadata.
	UpdateRetire UpdateType = 2
)

// Metadata is the classification-relevant state tracked per source id.
type Metadata struct {
	Label  string // e.g. a run mode or calibration tag
	Active bool
}

type update struct {
	kind      UpdateType
	sourceID  uint32
	metadata  Metadata
	timestamp uint64
}

// Tracker maintains classification metadata per source id, applying
// queued updates only once the pipeline's running timestamp has
// advanced past them — so a classifier never sees a metadata change
// before the event stream itself reaches that point in time.
type Tracker struct {
	state   map[uint32]Metadata
	updates []update
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{state: make(map[uint32]Metadata)}
}

// Set enqueues a metadata update for sourceID, effective once Advance
// reaches timestamp.
func (t *Tracker) Set(sourceID uint32, meta Metadata, timestamp uint64) {
	t.updates = append(t.updates, update{kind: UpdateSet, sourceID: sourceID, metadata: meta, timestamp: timestamp})
}

// Retire enqueues a retirement for sourceID, effective once Advance
// reaches timestamp.
func (t *Tracker) Retire(sourceID uint32, timestamp uint64) {
	t.updates = append(t.updates, update{kind: UpdateRetire, sourceID: sourceID, timestamp: timestamp})
}

// Advance applies every queued update whose timestamp is at or before
// the given timestamp. Updates must be enqueued in non-decreasing
// timestamp order (matching the pipeline's own emission order).
func (t *Tracker) Advance(timestamp uint64) {
	splitIdx := sort.Search(len(t.updates), func(i int) bool {
		return t.updates[i].timestamp > timestamp
	})

	for _, u := range t.updates[:splitIdx] {
		switch u.kind {
		case UpdateSet:
			t.state[u.sourceID] = u.metadata
		case UpdateRetire:
			if meta, ok := t.state[u.sourceID]; ok {
				meta.Active = false
				t.state[u.sourceID] = meta
			}
		}
	}
	t.updates = t.updates[splitIdx:]
}

// Get returns the current metadata for sourceID.
func (t *Tracker) Get(sourceID uint32) (Metadata, bool) {
	meta, ok := t.state[sourceID]
	return meta, ok
}

// All returns a snapshot of every tracked source's metadata.
func (t *Tracker) All() map[uint32]Metadata {
	out := make(map[uint32]Metadata, len(t.state))
	for id, meta := range t.state {
		out[id] = meta
	}
	return out
}

// Reset clears all tracked state and pending updates.
func (t *Tracker) Reset() {
	t.state = make(map[uint32]Metadata)
	t.updates = t.updates[:0]
}
