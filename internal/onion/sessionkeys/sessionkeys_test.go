package sessionkeys

import (
	"bytes"
	"testing"
)

func TestEphemeralExchangeMatches(t *testing.T) {
	alice, err := NewEphemeralKeyExchange()
	if err != nil {
		t.Fatalf("alice: %v", err)
	}
	bob, err := NewEphemeralKeyExchange()
	if err != nil {
		t.Fatalf("bob: %v", err)
	}

	aliceShared, err := alice.Exchange(bob.PublicKey())
	if err != nil {
		t.Fatalf("alice exchange: %v", err)
	}
	bobShared, err := bob.Exchange(alice.PublicKey())
	if err != nil {
		t.Fatalf("bob exchange: %v", err)
	}

	if aliceShared != bobShared {
		t.Fatal("shared secrets should match")
	}
}

func TestDeriveRoleDisambiguation(t *testing.T) {
	alice, _ := NewEphemeralKeyExchange()
	bob, _ := NewEphemeralKeyExchange()

	shared, err := alice.Exchange(bob.PublicKey())
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	aliceKeys, err := Derive(shared, alice.PublicKey(), bob.PublicKey(), []byte("circuit-1"))
	if err != nil {
		t.Fatalf("alice derive: %v", err)
	}
	bobKeys, err := Derive(shared, bob.PublicKey(), alice.PublicKey(), []byte("circuit-1"))
	if err != nil {
		t.Fatalf("bob derive: %v", err)
	}

	if aliceKeys.encryptKey != bobKeys.decryptKey {
		t.Fatal("alice's encrypt key should equal bob's decrypt key")
	}
	if aliceKeys.decryptKey != bobKeys.encryptKey {
		t.Fatal("alice's decrypt key should equal bob's encrypt key")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, _ := NewEphemeralKeyExchange()
	bob, _ := NewEphemeralKeyExchange()

	sharedA, err := alice.Exchange(bob.PublicKey())
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	sharedB, err := bob.Exchange(alice.PublicKey())
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	aliceKeys, err := Derive(sharedA, alice.PublicKey(), bob.PublicKey(), []byte("ctx"))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	bobKeys, err := Derive(sharedB, bob.PublicKey(), alice.PublicKey(), []byte("ctx"))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	plaintext := []byte("secret inference request")
	aad := []byte("cell-header")

	ciphertext, err := aliceKeys.Encrypt(plaintext, aad)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	decrypted, err := bobKeys.Decrypt(ciphertext, aad, 0)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("round trip mismatch: got %q", decrypted)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	alice, _ := NewEphemeralKeyExchange()
	bob, _ := NewEphemeralKeyExchange()
	shared, err := alice.Exchange(bob.PublicKey())
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	keys, err := Derive(shared, alice.PublicKey(), bob.PublicKey(), []byte("ctx"))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	ciphertext, err := keys.Encrypt([]byte("hello"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ciphertext[0] ^= 0xff

	if _, err := keys.Decrypt(ciphertext, nil, 0); err == nil {
		t.Fatal("expected decryption of tampered ciphertext to fail")
	}
}

func TestNonceCounterAdvances(t *testing.T) {
	alice, _ := NewEphemeralKeyExchange()
	bob, _ := NewEphemeralKeyExchange()
	shared, err := alice.Exchange(bob.PublicKey())
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	keys, err := Derive(shared, alice.PublicKey(), bob.PublicKey(), []byte("ctx"))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	first, err := keys.Encrypt([]byte("a"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	second, err := keys.Encrypt([]byte("a"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(first, second) {
		t.Fatal("ciphertexts with distinct nonces should differ")
	}
}
