package gossip

import (
	"sync"
	"time"

	"github.com/terraingossip/terraingossip/internal/canon"
	"github.com/terraingossip/terraingossip/internal/obslog"
	"github.com/terraingossip/terraingossip/internal/tgerr"
)

// DeltaSyncRequest is sent to a peer to ask for events it has that we lack.
type DeltaSyncRequest struct {
	VersionVector map[canon.Bytes32]uint64
	MaxEvents     uint32
}

// DeltaSyncResponse answers a DeltaSyncRequest.
type DeltaSyncResponse struct {
	Events        []Event
	VersionVector map[canon.Bytes32]uint64
	HasMore       bool
}

// PeerSyncState tracks anti-entropy progress with one peer.
type PeerSyncState struct {
	LastVersion map[canon.Bytes32]uint64
	LastSync    time.Time
	SyncCount   uint64
	Failures    uint32
}

// SyncManager drives delta-state anti-entropy between this replica's
// EventLog and its registered peers.
type SyncManager struct {
	log      *EventLog
	interval time.Duration
	maxBatch int
	logger   *obslog.Logger

	mu    sync.RWMutex
	peers map[canon.Bytes32]*PeerSyncState
}

// NewSyncManager constructs a SyncManager over log, syncing every interval
// with up to maxBatch events per round.
func NewSyncManager(log *EventLog, interval time.Duration, maxBatch int, logger *obslog.Logger) *SyncManager {
	if logger == nil {
		logger = obslog.NewDefault()
	}
	return &SyncManager{
		log:      log,
		interval: interval,
		maxBatch: maxBatch,
		logger:   logger.Component("gossip-sync"),
		peers:    make(map[canon.Bytes32]*PeerSyncState),
	}
}

// RegisterPeer adds peerID to the sync rotation if not already present.
func (s *SyncManager) RegisterPeer(peerID canon.Bytes32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[peerID]; !ok {
		s.peers[peerID] = &PeerSyncState{LastSync: time.Now()}
	}
}

// UnregisterPeer removes peerID from the sync rotation.
func (s *SyncManager) UnregisterPeer(peerID canon.Bytes32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peerID)
}

// HandleRequest answers an incoming DeltaSyncRequest with the events the
// requester is missing, capped at the smaller of req.MaxEvents and this
// manager's own maxBatch.
func (s *SyncManager) HandleRequest(req DeltaSyncRequest) (DeltaSyncResponse, error) {
	cap := s.maxBatch
	if int(req.MaxEvents) < cap || cap == 0 {
		cap = int(req.MaxEvents)
	}

	events, err := s.log.ComputeDelta(req.VersionVector, cap)
	if err != nil {
		return DeltaSyncResponse{}, err
	}

	hasMore := cap > 0 && len(events) >= cap

	return DeltaSyncResponse{
		Events:        events,
		VersionVector: s.log.GetVersionVector(),
		HasMore:       hasMore,
	}, nil
}

// HandleResponse merges the events returned by a peer and updates that
// peer's sync bookkeeping. Returns the number of events newly merged.
func (s *SyncManager) HandleResponse(peerID canon.Bytes32, resp DeltaSyncResponse) (int, error) {
	merged := 0
	for _, e := range resp.Events {
		ok, err := s.log.Merge(e, peerID)
		if err != nil {
			return merged, err
		}
		if ok {
			merged++
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.peers[peerID]
	if !ok {
		return merged, tgerr.PeerNotFound()
	}
	state.LastVersion = resp.VersionVector
	state.LastSync = time.Now()
	state.SyncCount++
	state.Failures = 0
	return merged, nil
}

// CreateRequest builds the DeltaSyncRequest this replica should send to
// peerID: its own current version vector, bounded by maxBatch.
func (s *SyncManager) CreateRequest(peerID canon.Bytes32) DeltaSyncRequest {
	return DeltaSyncRequest{
		VersionVector: s.log.GetVersionVector(),
		MaxEvents:     uint32(s.maxBatch),
	}
}

// PeersNeedingSync returns peers whose last sync is older than interval.
func (s *SyncManager) PeersNeedingSync() []canon.Bytes32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var due []canon.Bytes32
	for id, state := range s.peers {
		if now.Sub(state.LastSync) >= s.interval {
			due = append(due, id)
		}
	}
	return due
}

// MarkFailure records a failed sync round with peerID.
func (s *SyncManager) MarkFailure(peerID canon.Bytes32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.peers[peerID]; ok {
		state.Failures++
		s.logger.Warn("sync round failed", "peer", hexPrefix(peerID), "failures", state.Failures)
	}
}

// Stats summarizes sync activity across all peers.
type Stats struct {
	PeerCount  int
	TotalSyncs uint64
	EventCount int
}

// Stats computes a Stats snapshot.
func (s *SyncManager) Stats() (Stats, error) {
	count, err := s.log.EventCount()
	if err != nil {
		return Stats{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var total uint64
	for _, state := range s.peers {
		total += state.SyncCount
	}
	return Stats{PeerCount: len(s.peers), TotalSyncs: total, EventCount: count}, nil
}

func hexPrefix(id canon.Bytes32) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 16)
	for i := 0; i < 8; i++ {
		out[i*2] = digits[id[i]>>4]
		out[i*2+1] = digits[id[i]&0x0f]
	}
	return string(out)
}
