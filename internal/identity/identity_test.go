package identity

import (
	"testing"

	"github.com/terraingossip/terraingossip/internal/canon"
)

func TestNormalizePhrase(t *testing.T) {
	cases := map[string]string{
		"  Hello   World  ": "hello-world",
		"ONE":               "one",
		"a  b   c":          "a-b-c",
	}
	for in, want := range cases {
		if got := NormalizePhrase(in); got != want {
			t.Errorf("NormalizePhrase(%q) = %q, want %q", in, got, want)
		}
	}
}

func fixedRuleBundle() *canon.RuleBundle {
	return &canon.RuleBundle{
		Version:                         1,
		EpochLenMs:                      300000,
		ExplorationRate:                 0.1,
		DisagreementQuarantineThreshold: 0.5,
		MinDiverseProbers:               3,
		MaxProbeRedundancy:              10,
		DefaultCircuitLen:               3,
		RelayBatchMaxDelayMs:            100,
		FixedCellBytes:                  512,
		WSuccess:                        1.0,
		WToolFidelity:                   0.5,
		WLatency:                        0.3,
		WRefusalConsistency:             0.2,
		WRobustness:                     0.4,
	}
}

func TestWorldIDDeterminism(t *testing.T) {
	bundle := fixedRuleBundle()
	if err := bundle.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	rbh := RuleBundleHash(bundle)

	id1 := WorldID("test world alpha", rbh)
	id2 := WorldID("test world alpha", rbh)
	if id1 != id2 {
		t.Fatalf("WorldID not deterministic: %x != %x", id1, id2)
	}
}

func TestDescriptorSignBytesStable(t *testing.T) {
	unsigned := &canon.ProviderDescriptorUnsigned{
		World:           canon.Bytes32{1, 2, 3},
		DescriptorEpoch: 7,
		ContactPoints:   []string{"b:1", "a:1"},
		Capability: canon.DescriptorCapability{
			Fah: &canon.Bytes32{9, 9, 9},
		},
	}
	unsigned.Normalize()

	descID, err := DescriptorID(unsigned)
	if err != nil {
		t.Fatalf("DescriptorID: %v", err)
	}
	worldID := canon.Bytes32{1, 2, 3}

	b1, err := DescriptorSignBytes(worldID, descID, unsigned)
	if err != nil {
		t.Fatalf("sign bytes: %v", err)
	}
	b2, err := DescriptorSignBytes(worldID, descID, unsigned)
	if err != nil {
		t.Fatalf("sign bytes: %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("DescriptorSignBytes not deterministic")
	}
}

func TestDomainSeparation(t *testing.T) {
	// Distinct tags over the same raw input must not collide.
	input := []byte("same-bytes")
	world := hash([]byte(tagWorld), input)
	fah := hash([]byte(tagFah), input)
	if world == fah {
		t.Fatalf("tag domain separation failed: world == fah for identical input")
	}
}
