// Package gossip implements the append-only event log and delta-state CRDT
// anti-entropy sync described in spec §4.2.
package gossip

import (
	"sort"
	"sync"

	"github.com/terraingossip/terraingossip/internal/canon"
	"github.com/terraingossip/terraingossip/internal/tgerr"
)

// EventBody is the tagged union of event payloads. TerrainGossip only
// cares about event_id/world/epoch/type for log bookkeeping; the body is
// opaque canonical bytes to this package (higher layers decode it).
type EventBody struct {
	Type EventType
	Data []byte
}

// EventType enumerates the polymorphic EventBody surface (spec §9).
// Append and Merge do not check this value: an event whose discriminant
// is outside this list is stored like any other.
type EventType uint8

const (
	EventReceipt EventType = iota
	EventAttestation
	EventDispute
	EventLinkHint
	EventRuleEndorsement
	EventDescriptorPublish
)

// Event is one append-only log entry.
type Event struct {
	EventID canon.Bytes32
	World   canon.Bytes32
	EpochID uint64
	Body    EventBody
}

// Store is the persistence collaborator EventLog depends on. internal/storage
// implements this with a SQLite-backed keyed blob store; tests use an
// in-memory fake.
type Store interface {
	HasEvent(id canon.Bytes32) (bool, error)
	PutEvent(e Event, sourceReplica canon.Bytes32, counter uint64) error
	GetEvent(id canon.Bytes32) (Event, bool, error)
	AllEvents() ([]Event, error)
	EventCount() (int, error)
	GetAllVersions() (map[canon.Bytes32]uint64, error)
	PutVersion(replicaID canon.Bytes32, counter uint64) error
	AllIndexEntries() (map[canon.Bytes32][]IndexEntry, error)
}

// IndexEntry is one (counter, eventID) pair in a replica's secondary
// index. Store implementations persist these alongside each event so the
// index can be rebuilt on startup without replaying world/epoch logic.
type IndexEntry struct {
	Counter uint64
	EventID canon.Bytes32
}

// indexEntry is the package-private form used once rebuilt in memory,
// kept sorted ascending by counter.
type indexEntry struct {
	counter uint64
	eventID canon.Bytes32
}

// EventLog maintains the append-only event set, the version vector, and —
// critically — a per-replica secondary index so compute_delta can return
// the correct set of missing events rather than the reference's buggy
// whole-log scan (spec §9 Design Notes: "Anti-entropy completeness").
type EventLog struct {
	store     Store
	worldID   canon.Bytes32
	replicaID canon.Bytes32

	mu    sync.RWMutex
	vv    map[canon.Bytes32]uint64
	index map[canon.Bytes32][]indexEntry // replica_id -> ordered (counter, event_id)
}

// New constructs an EventLog, loading any previously persisted version
// vector and rebuilding the per-replica index from stored events.
func New(store Store, worldID, replicaID canon.Bytes32) (*EventLog, error) {
	vv, err := store.GetAllVersions()
	if err != nil {
		return nil, tgerr.StorageError(err)
	}
	if vv == nil {
		vv = make(map[canon.Bytes32]uint64)
	}

	log := &EventLog{
		store:     store,
		worldID:   worldID,
		replicaID: replicaID,
		vv:        vv,
		index:     make(map[canon.Bytes32][]indexEntry),
	}
	if err := log.rebuildIndex(); err != nil {
		return nil, err
	}
	return log, nil
}

// rebuildIndex loads the persisted (replica, counter) -> event_id mapping
// from the store and repopulates the in-memory per-replica index.
func (l *EventLog) rebuildIndex() error {
	entries, err := l.store.AllIndexEntries()
	if err != nil {
		return tgerr.StorageError(err)
	}
	for replica, list := range entries {
		sorted := make([]indexEntry, len(list))
		for i, e := range list {
			sorted[i] = indexEntry{counter: e.Counter, eventID: e.EventID}
		}
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].counter < sorted[j].counter })
		l.index[replica] = sorted
	}
	return nil
}

// Append stores a new local event and advances this replica's counter.
func (l *EventLog) Append(e Event) error {
	if e.World != l.worldID {
		return tgerr.WorldMismatch()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	has, err := l.store.HasEvent(e.EventID)
	if err != nil {
		return tgerr.StorageError(err)
	}
	if has {
		return tgerr.DuplicateEvent()
	}

	counter := l.vv[l.replicaID] + 1
	if err := l.store.PutEvent(e, l.replicaID, counter); err != nil {
		return tgerr.StorageError(err)
	}

	l.vv[l.replicaID] = counter
	if err := l.store.PutVersion(l.replicaID, counter); err != nil {
		return tgerr.StorageError(err)
	}
	l.insertIndex(l.replicaID, counter, e.EventID)
	return nil
}

// Merge applies a remote event from sourceReplica. Returns inserted=false
// (not an error) if the event was already present — merge is idempotent
// (P3).
func (l *EventLog) Merge(e Event, sourceReplica canon.Bytes32) (bool, error) {
	if e.World != l.worldID {
		return false, tgerr.WorldMismatch()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	has, err := l.store.HasEvent(e.EventID)
	if err != nil {
		return false, tgerr.StorageError(err)
	}
	if has {
		return false, nil
	}

	counter := l.vv[sourceReplica] + 1
	if err := l.store.PutEvent(e, sourceReplica, counter); err != nil {
		return false, tgerr.StorageError(err)
	}

	l.vv[sourceReplica] = counter
	if err := l.store.PutVersion(sourceReplica, counter); err != nil {
		return false, tgerr.StorageError(err)
	}
	l.insertIndex(sourceReplica, counter, e.EventID)
	return true, nil
}

// insertIndex appends to the replica's ordered index. Both Append and
// Merge hand out strictly increasing counters per replica, so a plain
// append keeps the slice sorted without a separate sort step.
func (l *EventLog) insertIndex(replica canon.Bytes32, counter uint64, eventID canon.Bytes32) {
	l.index[replica] = append(l.index[replica], indexEntry{counter: counter, eventID: eventID})
}

// GetVersionVector returns a snapshot of the version vector.
func (l *EventLog) GetVersionVector() map[canon.Bytes32]uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[canon.Bytes32]uint64, len(l.vv))
	for k, v := range l.vv {
		out[k] = v
	}
	return out
}

// ComputeDelta returns the events peerVV is missing, capped at maxBatch.
//
// This is the correct, index-based implementation mandated by spec §9: for
// each replica we have entries for, it walks the replica's ordered index
// starting just past peerVV's recorded counter (0 if the replica is absent
// from peerVV) and collects events in ascending counter order, stopping
// once maxBatch entries have been collected across all replicas combined.
// The reference implementation's linear "scan everything, truncate at
// 1000" approach is deliberately not reproduced here — it can hand back
// entirely unrelated events once the log exceeds the batch size.
func (l *EventLog) ComputeDelta(peerVV map[canon.Bytes32]uint64, maxBatch int) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	type pending struct {
		replica canon.Bytes32
		counter uint64
		eventID canon.Bytes32
	}
	var missing []pending

	replicas := make([]canon.Bytes32, 0, len(l.index))
	for r := range l.index {
		replicas = append(replicas, r)
	}
	sort.Slice(replicas, func(i, j int) bool { return string(replicas[i][:]) < string(replicas[j][:]) })

	for _, r := range replicas {
		have := peerVV[r] // zero value if absent, matching "peer missing from peer_vv ⇒ counter 0"
		entries := l.index[r]
		// entries is sorted ascending by counter; find first entry with
		// counter > have via binary search since replica entries are
		// strictly increasing.
		idx := sort.Search(len(entries), func(i int) bool { return entries[i].counter > have })
		for _, e := range entries[idx:] {
			missing = append(missing, pending{replica: r, counter: e.counter, eventID: e.eventID})
		}
	}

	if maxBatch > 0 && len(missing) > maxBatch {
		missing = missing[:maxBatch]
	}

	out := make([]Event, 0, len(missing))
	for _, p := range missing {
		ev, ok, err := l.store.GetEvent(p.eventID)
		if err != nil {
			return nil, tgerr.StorageError(err)
		}
		if !ok {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// GetEvent looks up a single event.
func (l *EventLog) GetEvent(id canon.Bytes32) (Event, bool, error) {
	ev, ok, err := l.store.GetEvent(id)
	if err != nil {
		return Event{}, false, tgerr.StorageError(err)
	}
	return ev, ok, nil
}

// HasEvent reports whether id is present.
func (l *EventLog) HasEvent(id canon.Bytes32) (bool, error) {
	has, err := l.store.HasEvent(id)
	if err != nil {
		return false, tgerr.StorageError(err)
	}
	return has, nil
}

// EventCount returns the number of stored events.
func (l *EventLog) EventCount() (int, error) {
	n, err := l.store.EventCount()
	if err != nil {
		return 0, tgerr.StorageError(err)
	}
	return n, nil
}
