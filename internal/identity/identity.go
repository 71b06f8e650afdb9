// Package identity implements the domain-separated BLAKE3 derivations that
// bind every TerrainGossip identifier to the inputs it was built from:
// WorldId, Fah, DescriptorId, TargetRef, replica-id, control-plane key, and
// the strictly-local Handle. Every derivation concatenates a fixed ASCII
// tag with its inputs before hashing, so that no two distinct constructions
// can collide even if their raw inputs happen to coincide.
package identity

import (
	"regexp"
	"strings"

	"github.com/terraingossip/terraingossip/internal/canon"
	"lukechampine.com/blake3"
)

// Domain-separation tags (spec §4.1). These are ASCII and never change
// across protocol versions; introducing a new derivation means picking a
// new tag, not reusing one of these.
const (
	tagWorld     = "world"
	tagFah       = "fah"
	tagDescriptor = "descriptor"
	tagTargetRef = "targetref"
	tagHandle    = "handle"
	tagBah       = "bah"
	tagReplica   = "replica"
	tagCPK       = "cpk"
	tagDescSig   = "desc-sig"
)

func hash(parts ...[]byte) canon.Bytes32 {
	h := blake3.New(32, nil)
	for _, p := range parts {
		h.Write(p)
	}
	var out canon.Bytes32
	copy(out[:], h.Sum(nil))
	return out
}

func hashKeyed(key []byte, parts ...[]byte) canon.Bytes32 {
	var keyArr [32]byte
	copy(keyArr[:], key)
	h := blake3.New(32, keyArr[:])
	for _, p := range parts {
		h.Write(p)
	}
	var out canon.Bytes32
	copy(out[:], h.Sum(nil))
	return out
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizePhrase lowercases, trims, and collapses interior whitespace runs
// to a single hyphen: "  Hello   World  " -> "hello-world".
func NormalizePhrase(p string) string {
	trimmed := strings.TrimSpace(p)
	lower := strings.ToLower(trimmed)
	return whitespaceRun.ReplaceAllString(lower, "-")
}

// RuleBundleHash returns BLAKE3(canonical(bundle)).
func RuleBundleHash(bundle *canon.RuleBundle) canon.Bytes32 {
	w := canon.NewWriter()
	bundle.Encode(w)
	return hash([]byte(w.Bytes()))
}

// WorldID derives WorldId = BLAKE3("world" || normalize_phrase(phrase) ||
// rule_bundle_hash).
func WorldID(phrase string, ruleBundleHash canon.Bytes32) canon.Bytes32 {
	return hash([]byte(tagWorld), []byte(NormalizePhrase(phrase)), ruleBundleHash[:])
}

// FahID derives Fah = BLAKE3("fah" || canonical(manifest)). The manifest
// must already be normalized (Normalize() called) by the caller.
func FahID(manifest *canon.CapabilityManifest) canon.Bytes32 {
	w := canon.NewWriter()
	manifest.Encode(w)
	return hash([]byte(tagFah), w.Bytes())
}

// DescriptorID derives DescriptorId = BLAKE3("descriptor" ||
// canonical(unsigned)) — invariant I1. The unsigned descriptor must
// already be normalized by the caller.
func DescriptorID(unsigned *canon.ProviderDescriptorUnsigned) (canon.Bytes32, error) {
	w := canon.NewWriter()
	if err := unsigned.Encode(w); err != nil {
		return canon.Bytes32{}, err
	}
	return hash([]byte(tagDescriptor), w.Bytes()), nil
}

// DescriptorSignBytes builds "desc-sig" || world_id || descriptor_id ||
// canonical(unsigned), the exact bytes an Ed25519 signature is computed
// over and verified against.
func DescriptorSignBytes(worldID, descriptorID canon.Bytes32, unsigned *canon.ProviderDescriptorUnsigned) ([]byte, error) {
	w := canon.NewWriter()
	if err := unsigned.Encode(w); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(tagDescSig)+32+32+len(w.Bytes()))
	out = append(out, []byte(tagDescSig)...)
	out = append(out, worldID[:]...)
	out = append(out, descriptorID[:]...)
	out = append(out, w.Bytes()...)
	return out, nil
}

// ControlPlaneKey derives control_plane_key = BLAKE3_KEYED(master_key,
// "cpk" || world_id || epoch_id_le8).
func ControlPlaneKey(masterKey []byte, worldID canon.Bytes32, epochID uint64) canon.Bytes32 {
	return hashKeyed(masterKey, []byte(tagCPK), worldID[:], leBytes8(epochID))
}

// TargetRef derives TargetRef = BLAKE3_KEYED(control_plane_key,
// "targetref" || world_id || epoch_id_le8 || descriptor_id).
func TargetRef(controlPlaneKey [32]byte, worldID canon.Bytes32, epochID uint64, descriptorID canon.Bytes32) canon.Bytes32 {
	return hashKeyed(controlPlaneKey[:], []byte(tagTargetRef), worldID[:], leBytes8(epochID), descriptorID[:])
}

// ReplicaID derives replica_id = BLAKE3("replica" || transport_pubkey ||
// world_id || epoch_id_le8).
func ReplicaID(transportPubkey []byte, worldID canon.Bytes32, epochID uint64) canon.Bytes32 {
	return hash([]byte(tagReplica), transportPubkey, worldID[:], leBytes8(epochID))
}

// Handle derives Handle = BLAKE3("handle" || observer_secret ||
// observed_fingerprint). A Handle is strictly local bookkeeping (e.g. for
// deduplicating repeated observations of the same peer) and must never be
// placed in a gossiped event — doing so would let two observers correlate
// their local secrets.
func Handle(observerSecret, observedFingerprint []byte) canon.Bytes32 {
	return hash([]byte(tagHandle), observerSecret, observedFingerprint)
}

// BahID derives a "bah" (batch-attestation-hash) digest. The reference
// leaves this derivation's call sites unspecified beyond the tag; it is
// provided so batch/aggregate attestations have a bound identifier
// available without inventing a tenth tag.
func BahID(parts ...[]byte) canon.Bytes32 {
	all := append([][]byte{[]byte(tagBah)}, parts...)
	return hash(all...)
}

func leBytes8(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
