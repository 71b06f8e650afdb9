package canon

import (
	"bytes"
	"fmt"
	"sort"
)

// Bytes32 is the fixed-size array used throughout TerrainGossip for hashes
// and identifiers.
type Bytes32 [32]byte

// CompareBytes32 orders two Bytes32 values lexicographically, used
// wherever a stable tie-break over an identifier is needed.
func CompareBytes32(a, b Bytes32) int {
	return bytes.Compare(a[:], b[:])
}

// Adapter is a single capability adapter, ordered lexicographically by
// (AdapterType, AdapterID, AdapterDigest).
type Adapter struct {
	AdapterType   string
	AdapterID     string
	AdapterDigest Bytes32
}

func adapterLess(a, b Adapter) bool {
	if a.AdapterType != b.AdapterType {
		return a.AdapterType < b.AdapterType
	}
	if a.AdapterID != b.AdapterID {
		return a.AdapterID < b.AdapterID
	}
	return string(a.AdapterDigest[:]) < string(b.AdapterDigest[:])
}

func adapterEqual(a, b Adapter) bool {
	return a.AdapterType == b.AdapterType && a.AdapterID == b.AdapterID && a.AdapterDigest == b.AdapterDigest
}

// SortDedupAdapters sorts adapters ascending and removes exact duplicates,
// implementing the I5 normalization rule for hashed repeated fields.
func SortDedupAdapters(in []Adapter) []Adapter {
	out := append([]Adapter(nil), in...)
	sort.Slice(out, func(i, j int) bool { return adapterLess(out[i], out[j]) })
	out = dedupSorted(out, adapterEqual)
	return out
}

func dedupSorted[T any](in []T, eq func(a, b T) bool) []T {
	if len(in) == 0 {
		return in
	}
	out := in[:1]
	for i := 1; i < len(in); i++ {
		if !eq(in[i], out[len(out)-1]) {
			out = append(out, in[i])
		}
	}
	return out
}

// ValidateAdaptersSorted enforces I5 on ingest: strictly increasing, no
// duplicates.
func ValidateAdaptersSorted(in []Adapter) error {
	for i := 1; i < len(in); i++ {
		if !adapterLess(in[i-1], in[i]) {
			return fmt.Errorf("%w: adapters", ErrUnsortedRepeatedField)
		}
	}
	return nil
}

// SortDedupStrings sorts a repeated string field ascending and removes
// exact duplicates (used for contact_points).
func SortDedupStrings(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	out = dedupSorted(out, func(a, b string) bool { return a == b })
	return out
}

// ValidateStringsSorted enforces I5 on ingest for a repeated string field.
func ValidateStringsSorted(field string, in []string) error {
	for i := 1; i < len(in); i++ {
		if in[i] <= in[i-1] {
			return fmt.Errorf("%w: %s", ErrUnsortedRepeatedField, field)
		}
	}
	return nil
}

// CapabilityManifest describes a provider's model capability surface.
type CapabilityManifest struct {
	BaseModelID        string
	WeightsDigest      Bytes32
	RuntimeID          string
	ContextLimit       uint64
	ToolSchemasDigest  Bytes32
	SafetyMode         string
	Adapters           []Adapter
}

// Normalize sorts/dedupes Adapters in place, matching
// normalize_capability_manifest in the reference implementation.
func (m *CapabilityManifest) Normalize() {
	m.Adapters = SortDedupAdapters(m.Adapters)
}

// Encode writes the canonical encoding of the manifest. Adapters must
// already be normalized (sorted, deduped) — callers that skip Normalize()
// and pass unsorted input will fail ValidateAdaptersSorted on ingest paths
// that check it, but Encode itself does not re-validate.
func (m *CapabilityManifest) Encode(w *Writer) {
	w.String(m.BaseModelID)
	w.Raw(m.WeightsDigest[:])
	w.String(m.RuntimeID)
	w.Uvarint(m.ContextLimit)
	w.Raw(m.ToolSchemasDigest[:])
	w.String(m.SafetyMode)
	w.Uvarint(uint64(len(m.Adapters)))
	for _, a := range m.Adapters {
		w.String(a.AdapterType)
		w.String(a.AdapterID)
		w.Raw(a.AdapterDigest[:])
	}
}

// DescriptorCapability is the tagged union `Fah | Manifest`.
type DescriptorCapability struct {
	// exactly one of these is set
	Fah      *Bytes32
	Manifest *CapabilityManifest
}

const (
	capTagFah      = 0
	capTagManifest = 1
)

func (c *DescriptorCapability) Encode(w *Writer) error {
	switch {
	case c.Fah != nil && c.Manifest == nil:
		w.Discriminant(capTagFah)
		w.Raw(c.Fah[:])
	case c.Manifest != nil && c.Fah == nil:
		w.Discriminant(capTagManifest)
		c.Manifest.Encode(w)
	default:
		return fmt.Errorf("canon: DescriptorCapability must set exactly one of Fah/Manifest")
	}
	return nil
}

// ProviderDescriptorUnsigned is the hashed, unsigned portion of a provider
// descriptor; its canonical bytes feed DescriptorId (I1).
type ProviderDescriptorUnsigned struct {
	World          Bytes32
	DescriptorEpoch uint64
	ContactPoints  []string
	Capability     DescriptorCapability
}

// Normalize sorts/dedupes ContactPoints and, if the capability is a
// manifest, normalizes it too — matching normalize_descriptor_unsigned.
func (d *ProviderDescriptorUnsigned) Normalize() {
	d.ContactPoints = SortDedupStrings(d.ContactPoints)
	if d.Capability.Manifest != nil {
		d.Capability.Manifest.Normalize()
	}
}

func (d *ProviderDescriptorUnsigned) Encode(w *Writer) error {
	w.Raw(d.World[:])
	w.Uvarint(d.DescriptorEpoch)
	w.Uvarint(uint64(len(d.ContactPoints)))
	for _, c := range d.ContactPoints {
		w.String(c)
	}
	return d.Capability.Encode(w)
}

// RuleBundle holds world-wide parameters; it is hashed into WorldId so its
// float fields must be normalized before encoding.
type RuleBundle struct {
	Version                        uint64
	EpochLenMs                     uint64
	ExplorationRate                float64
	DisagreementQuarantineThreshold float64
	MinDiverseProbers              uint64
	MaxProbeRedundancy             uint64
	DefaultCircuitLen              uint64
	RelayBatchMaxDelayMs           uint64
	FixedCellBytes                 uint64
	WSuccess                       float64
	WToolFidelity                  float64
	WLatency                       float64
	WRefusalConsistency            float64
	WRobustness                    float64
}

// Normalize applies NormalizeFloat64 to every float field, matching
// normalize_rule_bundle.
func (b *RuleBundle) Normalize() error {
	var err error
	for _, f := range []*float64{
		&b.ExplorationRate, &b.DisagreementQuarantineThreshold,
		&b.WSuccess, &b.WToolFidelity, &b.WLatency, &b.WRefusalConsistency, &b.WRobustness,
	} {
		*f, err = NormalizeFloat64(*f)
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *RuleBundle) Encode(w *Writer) {
	w.Uvarint(b.Version)
	w.Uvarint(b.EpochLenMs)
	w.Float64(b.ExplorationRate)
	w.Float64(b.DisagreementQuarantineThreshold)
	w.Uvarint(b.MinDiverseProbers)
	w.Uvarint(b.MaxProbeRedundancy)
	w.Uvarint(b.DefaultCircuitLen)
	w.Uvarint(b.RelayBatchMaxDelayMs)
	w.Uvarint(b.FixedCellBytes)
	w.Float64(b.WSuccess)
	w.Float64(b.WToolFidelity)
	w.Float64(b.WLatency)
	w.Float64(b.WRefusalConsistency)
	w.Float64(b.WRobustness)
}
