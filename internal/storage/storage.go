// Package storage implements the SQLite-backed persistence layer: the
// event log, version vector, node identity, and provider descriptors
// (spec §6's "embedded key-value store" realized as a single-table-per-
// concern SQL schema).
package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/terraingossip/terraingossip/internal/canon"
	"github.com/terraingossip/terraingossip/internal/gossip"
	"github.com/terraingossip/terraingossip/internal/tgerr"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	event_id BLOB PRIMARY KEY,
	world_id BLOB NOT NULL,
	epoch_id INTEGER NOT NULL,
	event_type INTEGER NOT NULL,
	body BLOB NOT NULL,
	source_replica BLOB NOT NULL,
	counter INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_replica_counter ON events(source_replica, counter);

CREATE TABLE IF NOT EXISTS version_vector (
	replica_id BLOB PRIMARY KEY,
	counter INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS node_state (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	transport_seed BLOB,
	world_id BLOB,
	control_plane_key BLOB
);

CREATE TABLE IF NOT EXISTS descriptors (
	descriptor_id BLOB PRIMARY KEY,
	unsigned BLOB NOT NULL,
	transport_pubkey BLOB NOT NULL,
	signature BLOB NOT NULL
);
`

// Store is the SQLite-backed gossip.Store implementation, plus the
// additional node-identity and descriptor tables spec §6 calls for.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) a SQLite database at path and ensures
// the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, tgerr.StorageError(fmt.Errorf("open %s: %w", path, err))
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, tgerr.StorageError(fmt.Errorf("init schema: %w", err))
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// HasEvent reports whether event_id is already stored.
func (s *Store) HasEvent(id canon.Bytes32) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM events WHERE event_id = ?`, id[:]).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// PutEvent stores an event along with the (replica, counter) pair
// EventLog assigned it, so AllIndexEntries can rebuild the per-replica
// index on restart.
func (s *Store) PutEvent(e gossip.Event, sourceReplica canon.Bytes32, counter uint64) error {
	_, err := s.db.Exec(
		`INSERT INTO events (event_id, world_id, epoch_id, event_type, body, source_replica, counter)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.EventID[:], e.World[:], e.EpochID, uint8(e.Body.Type), e.Body.Data, sourceReplica[:], counter,
	)
	return err
}

// GetEvent retrieves an event by ID.
func (s *Store) GetEvent(id canon.Bytes32) (gossip.Event, bool, error) {
	var worldBytes, bodyData []byte
	var epochID uint64
	var eventType uint8

	row := s.db.QueryRow(
		`SELECT world_id, epoch_id, event_type, body FROM events WHERE event_id = ?`, id[:],
	)
	err := row.Scan(&worldBytes, &epochID, &eventType, &bodyData)
	if err == sql.ErrNoRows {
		return gossip.Event{}, false, nil
	}
	if err != nil {
		return gossip.Event{}, false, err
	}

	var world canon.Bytes32
	copy(world[:], worldBytes)

	return gossip.Event{
		EventID: id,
		World:   world,
		EpochID: epochID,
		Body:    gossip.EventBody{Type: gossip.EventType(eventType), Data: bodyData},
	}, true, nil
}

// AllEvents returns every stored event.
func (s *Store) AllEvents() ([]gossip.Event, error) {
	rows, err := s.db.Query(`SELECT event_id, world_id, epoch_id, event_type, body FROM events`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gossip.Event
	for rows.Next() {
		var idBytes, worldBytes, bodyData []byte
		var epochID uint64
		var eventType uint8
		if err := rows.Scan(&idBytes, &worldBytes, &epochID, &eventType, &bodyData); err != nil {
			return nil, err
		}
		var id, world canon.Bytes32
		copy(id[:], idBytes)
		copy(world[:], worldBytes)
		out = append(out, gossip.Event{
			EventID: id,
			World:   world,
			EpochID: epochID,
			Body:    gossip.EventBody{Type: gossip.EventType(eventType), Data: bodyData},
		})
	}
	return out, rows.Err()
}

// EventCount returns the total number of stored events.
func (s *Store) EventCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM events`).Scan(&count)
	return count, err
}

// GetAllVersions returns the persisted version vector.
func (s *Store) GetAllVersions() (map[canon.Bytes32]uint64, error) {
	rows, err := s.db.Query(`SELECT replica_id, counter FROM version_vector`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[canon.Bytes32]uint64)
	for rows.Next() {
		var replicaBytes []byte
		var counter uint64
		if err := rows.Scan(&replicaBytes, &counter); err != nil {
			return nil, err
		}
		var replica canon.Bytes32
		copy(replica[:], replicaBytes)
		out[replica] = counter
	}
	return out, rows.Err()
}

// PutVersion upserts a replica's counter in the version vector.
func (s *Store) PutVersion(replicaID canon.Bytes32, counter uint64) error {
	_, err := s.db.Exec(
		`INSERT INTO version_vector (replica_id, counter) VALUES (?, ?)
		 ON CONFLICT(replica_id) DO UPDATE SET counter = excluded.counter`,
		replicaID[:], counter,
	)
	return err
}

// AllIndexEntries reconstructs the per-replica secondary index from the
// events table's source_replica/counter columns.
func (s *Store) AllIndexEntries() (map[canon.Bytes32][]gossip.IndexEntry, error) {
	rows, err := s.db.Query(`SELECT event_id, source_replica, counter FROM events`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[canon.Bytes32][]gossip.IndexEntry)
	for rows.Next() {
		var idBytes, replicaBytes []byte
		var counter uint64
		if err := rows.Scan(&idBytes, &replicaBytes, &counter); err != nil {
			return nil, err
		}
		var id, replica canon.Bytes32
		copy(id[:], idBytes)
		copy(replica[:], replicaBytes)
		out[replica] = append(out[replica], gossip.IndexEntry{Counter: counter, EventID: id})
	}
	return out, rows.Err()
}

// NodeState is the single-row local node identity record.
type NodeState struct {
	TransportSeed   []byte
	WorldID         canon.Bytes32
	ControlPlaneKey []byte
}

// SaveNodeState upserts the singleton node_state row.
func (s *Store) SaveNodeState(ns NodeState) error {
	_, err := s.db.Exec(
		`INSERT INTO node_state (id, transport_seed, world_id, control_plane_key) VALUES (0, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   transport_seed = excluded.transport_seed,
		   world_id = excluded.world_id,
		   control_plane_key = excluded.control_plane_key`,
		ns.TransportSeed, ns.WorldID[:], ns.ControlPlaneKey,
	)
	return err
}

// LoadNodeState reads the singleton node_state row, if present.
func (s *Store) LoadNodeState() (NodeState, bool, error) {
	var ns NodeState
	var worldBytes []byte
	row := s.db.QueryRow(`SELECT transport_seed, world_id, control_plane_key FROM node_state WHERE id = 0`)
	err := row.Scan(&ns.TransportSeed, &worldBytes, &ns.ControlPlaneKey)
	if err == sql.ErrNoRows {
		return NodeState{}, false, nil
	}
	if err != nil {
		return NodeState{}, false, err
	}
	copy(ns.WorldID[:], worldBytes)
	return ns, true, nil
}

// DescriptorRecord is a stored provider descriptor: its canonical
// unsigned bytes, transport public key, and signature.
type DescriptorRecord struct {
	DescriptorID     canon.Bytes32
	Unsigned         []byte
	TransportPubkey  []byte
	Signature        []byte
}

// PutDescriptor upserts a provider descriptor record.
func (s *Store) PutDescriptor(rec DescriptorRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO descriptors (descriptor_id, unsigned, transport_pubkey, signature) VALUES (?, ?, ?, ?)
		 ON CONFLICT(descriptor_id) DO UPDATE SET
		   unsigned = excluded.unsigned,
		   transport_pubkey = excluded.transport_pubkey,
		   signature = excluded.signature`,
		rec.DescriptorID[:], rec.Unsigned, rec.TransportPubkey, rec.Signature,
	)
	return err
}

// GetDescriptor retrieves a provider descriptor by ID.
func (s *Store) GetDescriptor(id canon.Bytes32) (DescriptorRecord, bool, error) {
	var rec DescriptorRecord
	rec.DescriptorID = id
	row := s.db.QueryRow(
		`SELECT unsigned, transport_pubkey, signature FROM descriptors WHERE descriptor_id = ?`, id[:],
	)
	err := row.Scan(&rec.Unsigned, &rec.TransportPubkey, &rec.Signature)
	if err == sql.ErrNoRows {
		return DescriptorRecord{}, false, nil
	}
	if err != nil {
		return DescriptorRecord{}, false, err
	}
	return rec, true, nil
}

// DeleteDescriptor removes a provider descriptor by ID.
func (s *Store) DeleteDescriptor(id canon.Bytes32) error {
	_, err := s.db.Exec(`DELETE FROM descriptors WHERE descriptor_id = ?`, id[:])
	return err
}

var _ gossip.Store = (*Store)(nil)
