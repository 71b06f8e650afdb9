package gossip

import "encoding/json"

// EncodeRequest/DecodeRequest and their Response/Broadcast counterparts
// marshal the sync protocol's message types to the JSON payload carried
// inside a wire.Frame. JSON is used rather than canon's deterministic
// encoding because these payloads are never hashed or signed — canon
// encoding is reserved for structures whose bytes feed an identity
// derivation (spec §4.1); ordinary wire messages have no such
// requirement.

// EncodeRequest serializes a DeltaSyncRequest for transmission.
func EncodeRequest(req DeltaSyncRequest) ([]byte, error) {
	return json.Marshal(req)
}

// DecodeRequest parses a DeltaSyncRequest frame payload.
func DecodeRequest(data []byte) (DeltaSyncRequest, error) {
	var req DeltaSyncRequest
	err := json.Unmarshal(data, &req)
	return req, err
}

// EncodeResponse serializes a DeltaSyncResponse for transmission.
func EncodeResponse(resp DeltaSyncResponse) ([]byte, error) {
	return json.Marshal(resp)
}

// DecodeResponse parses a DeltaSyncResponse frame payload.
func DecodeResponse(data []byte) (DeltaSyncResponse, error) {
	var resp DeltaSyncResponse
	err := json.Unmarshal(data, &resp)
	return resp, err
}

// EncodeBroadcast serializes a single Event for an EventBroadcast frame.
func EncodeBroadcast(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeBroadcast parses an EventBroadcast frame payload.
func DecodeBroadcast(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}
