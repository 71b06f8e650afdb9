// Package sessionkeys derives and manages the per-hop symmetric session
// keys used to layer onion encryption over a circuit (spec §4.3).
package sessionkeys

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/terraingossip/terraingossip/internal/tgerr"
)

// EphemeralKeyExchange is an X25519 ephemeral keypair for a single
// Exchange call. Exchange does not consume or clear it, so nothing stops a
// second call with the same private scalar.
type EphemeralKeyExchange struct {
	private [32]byte
	public  [32]byte
}

// NewEphemeralKeyExchange generates a new random X25519 keypair.
func NewEphemeralKeyExchange() (*EphemeralKeyExchange, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, tgerr.KeyDerivationFailed(err)
	}
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)
	return &EphemeralKeyExchange{private: priv, public: pub}, nil
}

// PublicKey returns the public key to send to the remote hop.
func (e *EphemeralKeyExchange) PublicKey() [32]byte {
	return e.public
}

// Exchange computes the X25519 shared secret with theirPublic. The
// receiver's private scalar is not zeroed automatically; callers holding
// onto an EphemeralKeyExchange past a single Exchange call are misusing
// the type.
func (e *EphemeralKeyExchange) Exchange(theirPublic [32]byte) ([32]byte, error) {
	var shared [32]byte
	curve25519.ScalarMult(&shared, &e.private, &theirPublic)
	var zero [32]byte
	if shared == zero {
		return shared, tgerr.KeyDerivationFailed(fmt.Errorf("low-order point"))
	}
	return shared, nil
}

// SessionKeys holds the two directional ChaCha20-Poly1305 keys derived
// for one hop, plus an outgoing nonce counter.
type SessionKeys struct {
	encryptKey   [32]byte
	decryptKey   [32]byte
	nonceCounter atomic.Uint64
}

// Derive computes session keys from sharedSecret via HKDF-SHA256 with no
// salt, the same as the reference's SessionKeys::derive. Which direction
// each party encrypts with is decided by lexicographically comparing the
// two public keys rather than by a fixed client/server role: whoever's
// public key sorts lower is the "initiator" for HKDF info purposes. This
// lets either endpoint of a hop compute matching keys without agreeing on
// roles out of band.
func Derive(sharedSecret, ourPublic, theirPublic [32]byte, context []byte) (*SessionKeys, error) {
	isInitiator := bytes.Compare(ourPublic[:], theirPublic[:]) < 0

	encInfo, decInfo := []byte("responder_to_initiator"), []byte("initiator_to_responder")
	if isInitiator {
		encInfo, decInfo = []byte("initiator_to_responder"), []byte("responder_to_initiator")
	}

	encryptKey, err := expand(sharedSecret[:], context, encInfo)
	if err != nil {
		return nil, err
	}
	decryptKey, err := expand(sharedSecret[:], context, decInfo)
	if err != nil {
		return nil, err
	}

	sk := &SessionKeys{encryptKey: encryptKey, decryptKey: decryptKey}
	return sk, nil
}

func expand(secret, context, info []byte) ([32]byte, error) {
	var out [32]byte
	full := append(append([]byte{}, context...), info...)
	reader := hkdf.New(sha256.New, secret, nil, full)
	if _, err := io.ReadFull(reader, out[:]); err != nil {
		return out, tgerr.KeyDerivationFailed(err)
	}
	return out, nil
}

// Encrypt seals plaintext under the outgoing key with associatedData as
// AEAD additional data, using the current nonce counter and advancing it.
// Nonce layout is 4 zero bytes followed by an 8-byte little-endian
// counter, matching the fixed 12-byte ChaCha20-Poly1305 nonce size.
func (s *SessionKeys) Encrypt(plaintext, associatedData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.encryptKey[:])
	if err != nil {
		return nil, tgerr.InvalidKeyLength()
	}

	counter := s.nonceCounter.Add(1) - 1
	nonce := nonceFor(counter)

	ciphertext := aead.Seal(nil, nonce, plaintext, associatedData)
	return ciphertext, nil
}

// Decrypt opens ciphertext under the incoming key using the explicit
// nonceCounter supplied by the caller — unlike Encrypt, decryption does
// not maintain its own counter, since out-of-order cell arrival means the
// receiver must be told which counter the sender used.
func (s *SessionKeys) Decrypt(ciphertext, associatedData []byte, nonceCounter uint64) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.decryptKey[:])
	if err != nil {
		return nil, tgerr.InvalidKeyLength()
	}

	nonce := nonceFor(nonceCounter)
	plaintext, err := aead.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, tgerr.AEADDecryptionFailed(err)
	}
	return plaintext, nil
}

func nonceFor(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	for i := 0; i < 8; i++ {
		nonce[4+i] = byte(counter >> (8 * i))
	}
	return nonce
}
