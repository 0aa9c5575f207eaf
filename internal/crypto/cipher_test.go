package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, KeyLen)
}

func TestSealOpen_Roundtrip(t *testing.T) {
	for _, suite := range []string{CipherAES, CipherChaCha} {
		t.Run(suite, func(t *testing.T) {
			plaintext := []byte("hello, kairo mesh!")
			aad := []byte("header")
			nonce, err := NewNonce()
			if err != nil {
				t.Fatalf("NewNonce: %v", err)
			}

			ciphertext, err := Seal(suite, testKey(), nonce, plaintext, aad)
			if err != nil {
				t.Fatalf("Seal: %v", err)
			}
			if bytes.Equal(plaintext, ciphertext[:len(plaintext)]) {
				t.Fatal("ciphertext should differ from plaintext")
			}

			decrypted, err := Open(suite, testKey(), nonce, ciphertext, aad)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if !bytes.Equal(plaintext, decrypted) {
				t.Fatalf("decrypted = %q, want %q", decrypted, plaintext)
			}
		})
	}
}

func TestOpen_FailsOnTampering(t *testing.T) {
	nonce, _ := NewNonce()
	ciphertext, err := Seal(CipherChaCha, testKey(), nonce, []byte("secret data"), []byte("aad"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	wrongKey := bytes.Repeat([]byte{0x43}, KeyLen)
	if _, err := Open(CipherChaCha, wrongKey, nonce, ciphertext, []byte("aad")); !errors.Is(err, ErrOpen) {
		t.Errorf("wrong key err = %v, want ErrOpen", err)
	}
	if _, err := Open(CipherChaCha, testKey(), nonce, ciphertext, []byte("other")); !errors.Is(err, ErrOpen) {
		t.Errorf("wrong aad err = %v, want ErrOpen", err)
	}
	tampered := bytes.Clone(ciphertext)
	tampered[0] ^= 1
	if _, err := Open(CipherChaCha, testKey(), nonce, tampered, []byte("aad")); !errors.Is(err, ErrOpen) {
		t.Errorf("tampered err = %v, want ErrOpen", err)
	}
}

func TestSeal_LargePayload(t *testing.T) {
	plaintext := make([]byte, 1<<20)
	for i := range plaintext {
		plaintext[i] = byte(i % 256)
	}
	nonce, _ := NewNonce()

	ciphertext, err := Seal(CipherAES, testKey(), nonce, plaintext, nil)
	if err != nil {
		t.Fatalf("Seal 1MB: %v", err)
	}
	decrypted, err := Open(CipherAES, testKey(), nonce, ciphertext, nil)
	if err != nil {
		t.Fatalf("Open 1MB: %v", err)
	}
	if !bytes.Equal(plaintext, decrypted) {
		t.Fatal("1MB roundtrip failed")
	}
}

func TestNewAEAD_Rejects(t *testing.T) {
	if _, err := NewAEAD("rot13", testKey()); !errors.Is(err, ErrUnknownCipher) {
		t.Errorf("unknown suite err = %v, want ErrUnknownCipher", err)
	}
	if _, err := NewAEAD(CipherAES, []byte("short")); err == nil {
		t.Error("expected error for short key")
	}
	if _, err := Seal(CipherAES, testKey(), []byte{1, 2, 3}, []byte("x"), nil); err == nil {
		t.Error("expected error for short nonce")
	}
}
