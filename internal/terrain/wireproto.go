package terrain

import (
	"encoding/json"

	"github.com/terraingossip/terraingossip/internal/canon"
)

// Announcement is the lightweight JSON summary of a provider's
// capability that routerd ingests from a gossip DescriptorPublish
// event body and registers into its Registry/Map. The full signed
// descriptor (canon-encoded, hash-bound to DescriptorId) is what
// establishes a provider's identity on the wire; Announcement only
// carries the fields the terrain scorer actually needs to rank it, so
// routerd does not need to re-derive or re-verify the descriptor's hash
// on every gossip round — that verification happens once, where the
// descriptor is first admitted.
type Announcement struct {
	ProviderID   canon.Bytes32
	ModelFamily  string
	Capabilities uint64
}

// EncodeAnnouncement serializes an Announcement for a gossip event body
// or direct transmission.
func EncodeAnnouncement(a Announcement) ([]byte, error) {
	return json.Marshal(a)
}

// DecodeAnnouncement parses an Announcement.
func DecodeAnnouncement(data []byte) (Announcement, error) {
	var a Announcement
	err := json.Unmarshal(data, &a)
	return a, err
}

// RouteQuery asks routerd to pick a provider for modelFamily, excluding
// any IDs already tried.
type RouteQuery struct {
	ModelFamily  string
	Capabilities uint64
	Exclude      []canon.Bytes32
	MaxLatencyMs float64
}

// RouteAnswer is routerd's response to a RouteQuery: the chosen
// provider's ID plus its score, or Found=false if
// RouteRequest returned NoProviders.
type RouteAnswer struct {
	Found      bool
	ProviderID canon.Bytes32
	Score      float64
}

// EncodeRouteQuery serializes a RouteQuery for transmission.
func EncodeRouteQuery(q RouteQuery) ([]byte, error) {
	return json.Marshal(q)
}

// DecodeRouteQuery parses a RouteQuery frame payload.
func DecodeRouteQuery(data []byte) (RouteQuery, error) {
	var q RouteQuery
	err := json.Unmarshal(data, &q)
	return q, err
}

// EncodeRouteAnswer serializes a RouteAnswer for transmission.
func EncodeRouteAnswer(a RouteAnswer) ([]byte, error) {
	return json.Marshal(a)
}

// DecodeRouteAnswer parses a RouteAnswer frame payload.
func DecodeRouteAnswer(data []byte) (RouteAnswer, error) {
	var a RouteAnswer
	err := json.Unmarshal(data, &a)
	return a, err
}
