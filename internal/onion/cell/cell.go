// Package cell implements onion cell headers and layered AEAD
// encryption/decryption over a circuit's session keys (spec §4.3).
package cell

import (
	"encoding/binary"
	"fmt"

	"github.com/terraingossip/terraingossip/internal/onion/sessionkeys"
	"github.com/terraingossip/terraingossip/internal/tgerr"
)

// HeaderLen is the fixed size of a relay header: next_hop(32) ||
// is_final(1) || padding(31).
const HeaderLen = 64

// Header is the fixed-size record prepended to the plaintext at each
// onion layer, telling the relay that peels it where to forward next.
type Header struct {
	NextHop [32]byte
	IsFinal bool
}

// Encode serializes h into the fixed 64-byte wire layout.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderLen)
	copy(buf[0:32], h.NextHop[:])
	if h.IsFinal {
		buf[32] = 1
	}
	return buf
}

// DecodeHeader parses a 64-byte header record.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) != HeaderLen {
		return Header{}, tgerr.InvalidLayer(nil)
	}
	var h Header
	copy(h.NextHop[:], buf[0:32])
	switch buf[32] {
	case 0:
		h.IsFinal = false
	case 1:
		h.IsFinal = true
	default:
		return Header{}, tgerr.InvalidLayer(nil)
	}
	return h, nil
}

// AAD builds the additional authenticated data for one cell: circuit_id
// and seq, each little-endian 8 bytes.
func AAD(circuitID, seq uint64) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], circuitID)
	binary.LittleEndian.PutUint64(buf[8:16], seq)
	return buf
}

// Hop pairs a peer's session keys with the header instructing that hop
// where to send the next layer.
type Hop struct {
	Keys   *sessionkeys.SessionKeys
	Header Header
}

// EncryptOnion wraps plaintext in one AEAD layer per hop, innermost
// (last hop) layer first, so the outermost ciphertext is what goes on
// the wire to the first hop. Each layer's plaintext is header||payload
// for that hop's Header, except the innermost layer which wraps the
// caller's plaintext directly preceded by its own header.
func EncryptOnion(hops []Hop, plaintext []byte, circuitID, seq uint64) ([]byte, error) {
	if len(hops) == 0 {
		return nil, tgerr.InvalidLayer(nil)
	}

	aad := AAD(circuitID, seq)
	payload := plaintext
	for i := len(hops) - 1; i >= 0; i-- {
		layer := append(hops[i].Header.Encode(), payload...)
		ciphertext, err := hops[i].Keys.Encrypt(layer, aad)
		if err != nil {
			return nil, tgerr.AEADEncryptionFailed(err)
		}
		payload = ciphertext
	}
	return payload, nil
}

// DecryptLayer peels exactly one onion layer using this hop's keys,
// returning the parsed header and the remaining bytes (header stripped)
// to either forward on or deliver locally.
func DecryptLayer(keys *sessionkeys.SessionKeys, ciphertext []byte, circuitID, seq uint64) (Header, []byte, error) {
	aad := AAD(circuitID, seq)
	plaintext, err := keys.Decrypt(ciphertext, aad, seq)
	if err != nil {
		return Header{}, nil, tgerr.AEADDecryptionFailed(err)
	}
	if len(plaintext) < HeaderLen {
		return Header{}, nil, tgerr.InvalidLayer(nil)
	}
	header, err := DecodeHeader(plaintext[:HeaderLen])
	if err != nil {
		return Header{}, nil, err
	}
	return header, plaintext[HeaderLen:], nil
}

// PadTo zero-pads ciphertext to exactly size bytes, returning an error if
// ciphertext is already longer than size.
func PadTo(ciphertext []byte, size int) ([]byte, error) {
	if len(ciphertext) > size {
		return nil, tgerr.SerializationError(fmt.Errorf("ciphertext %d exceeds fixed cell size %d", len(ciphertext), size))
	}
	padded := make([]byte, size)
	copy(padded, ciphertext)
	return padded, nil
}
