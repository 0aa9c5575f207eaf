package crypto

import (
	"bytes"
	"testing"
)

func TestDeriveSessionKey_Deterministic(t *testing.T) {
	secret := bytes.Repeat([]byte{7}, 32)
	eph := bytes.Repeat([]byte{9}, 32)

	key1, err := DeriveSessionKey(secret, eph, CipherChaCha)
	if err != nil {
		t.Fatalf("DeriveSessionKey: %v", err)
	}
	key2, _ := DeriveSessionKey(secret, eph, CipherChaCha)

	if len(key1) != KeyLen {
		t.Fatalf("key length = %d, want %d", len(key1), KeyLen)
	}
	if !bytes.Equal(key1, key2) {
		t.Fatal("same inputs should produce the same key")
	}
}

func TestDeriveSessionKey_Separation(t *testing.T) {
	secret := bytes.Repeat([]byte{7}, 32)
	eph := bytes.Repeat([]byte{9}, 32)
	base, _ := DeriveSessionKey(secret, eph, CipherChaCha)

	otherSuite, _ := DeriveSessionKey(secret, eph, CipherAES)
	otherEph, _ := DeriveSessionKey(secret, bytes.Repeat([]byte{8}, 32), CipherChaCha)
	otherSecret, _ := DeriveSessionKey(bytes.Repeat([]byte{6}, 32), eph, CipherChaCha)

	for name, k := range map[string][]byte{"suite": otherSuite, "ephemeral": otherEph, "secret": otherSecret} {
		if bytes.Equal(base, k) {
			t.Errorf("changing %s did not change the key", name)
		}
	}
}

func TestGenerateSalt(t *testing.T) {
	salt1 := GenerateSalt()
	salt2 := GenerateSalt()

	if len(salt1) != 32 {
		t.Fatalf("expected salt length 32, got %d", len(salt1))
	}
	if bytes.Equal(salt1, salt2) {
		t.Fatal("two generated salts should not be equal")
	}
}

func TestHashSecret_AndVerify(t *testing.T) {
	hash := HashSecret("operator-secret")

	if !VerifySecret("operator-secret", hash) {
		t.Fatal("VerifySecret should return true for the correct secret")
	}
	if VerifySecret("wrong-secret", hash) {
		t.Fatal("VerifySecret should return false for the wrong secret")
	}
	if VerifySecret("operator-secret", hash[:10]) {
		t.Fatal("VerifySecret should reject a truncated hash")
	}
}
