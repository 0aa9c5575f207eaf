package envelope

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func sampleEnvelope() *Envelope {
	return &Envelope{
		Version:             Version,
		EphemeralKey:        bytes.Repeat([]byte{0x11}, EphemeralKeySize),
		Nonce:               bytes.Repeat([]byte{0x22}, NonceSize),
		EncryptedSequenceID: []byte{1, 0, 0, 0, 0, 0, 0, 0},
		EncryptedPayload:    []byte("hello"),
		Signature:           bytes.Repeat([]byte{0x33}, SignatureSize),
	}
}

// rawArray encodes items as a CBOR array without any envelope checks.
func rawArray(t *testing.T, items ...any) []byte {
	t.Helper()
	data, err := encMode.Marshal(items)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env := sampleEnvelope()
	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if data[0] != 0x86 {
		t.Errorf("leading byte = %#x, want 0x86 (array of 6)", data[0])
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Version != Version {
		t.Errorf("Version = %d, want %d", got.Version, Version)
	}
	if !bytes.Equal(got.EncryptedPayload, env.EncryptedPayload) {
		t.Errorf("payload = %q, want %q", got.EncryptedPayload, env.EncryptedPayload)
	}
	if !bytes.Equal(got.Signature, env.Signature) {
		t.Error("signature mismatch")
	}

	again, _ := Encode(got)
	if !bytes.Equal(again, data) {
		t.Error("re-encoding is not byte-identical")
	}
}

func TestEncodeEmptyPayload(t *testing.T) {
	env := sampleEnvelope()
	env.EncryptedPayload = nil
	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.EncryptedPayload) != 0 {
		t.Errorf("payload len = %d, want 0", len(got.EncryptedPayload))
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	good, err := Encode(sampleEnvelope())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	e := sampleEnvelope()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated", good[:len(good)-1]},
		{"trailing byte", append(append([]byte{}, good...), 0x00)},
		{"not an array", []byte{0x01}},
		{"map", []byte{0xa0}},
		{"five items", rawArray(t, uint64(1), e.EphemeralKey, e.Nonce, e.EncryptedSequenceID, e.EncryptedPayload)},
		{"seven items", rawArray(t, uint64(1), e.EphemeralKey, e.Nonce, e.EncryptedSequenceID, e.EncryptedPayload, e.Signature, []byte{})},
		{"text string key", rawArray(t, uint64(1), string(e.EphemeralKey), e.Nonce, e.EncryptedSequenceID, e.EncryptedPayload, e.Signature)},
		{"negative version", rawArray(t, int64(-1), e.EphemeralKey, e.Nonce, e.EncryptedSequenceID, e.EncryptedPayload, e.Signature)},
		{"short key", rawArray(t, uint64(1), e.EphemeralKey[:31], e.Nonce, e.EncryptedSequenceID, e.EncryptedPayload, e.Signature)},
		{"long nonce", rawArray(t, uint64(1), e.EphemeralKey, append(e.Nonce, 0), e.EncryptedSequenceID, e.EncryptedPayload, e.Signature)},
		{"short sequence id", rawArray(t, uint64(1), e.EphemeralKey, e.Nonce, e.EncryptedSequenceID[:7], e.EncryptedPayload, e.Signature)},
		{"short signature", rawArray(t, uint64(1), e.EphemeralKey, e.Nonce, e.EncryptedSequenceID, e.EncryptedPayload, e.Signature[:63])},
		{"indefinite array", append(append([]byte{0x9f}, good[1:]...), 0xff)},
		{"non-minimal version", append([]byte{0x86, 0x18, 0x01}, good[2:]...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data); !errors.Is(err, ErrMalformed) {
				t.Fatalf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	e := sampleEnvelope()
	data := rawArray(t, uint64(2), e.EphemeralKey, e.Nonce, e.EncryptedSequenceID, e.EncryptedPayload, e.Signature)

	_, err := Decode(data)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("err = %v, want ErrUnsupportedVersion", err)
	}
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want it to match ErrMalformed", err)
	}
}

func TestPayloadLimit(t *testing.T) {
	env := sampleEnvelope()
	env.EncryptedPayload = make([]byte, MaxPayloadSize)
	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode at limit: %v", err)
	}
	if _, err := Decode(data); err != nil {
		t.Fatalf("Decode at limit: %v", err)
	}

	env.EncryptedPayload = make([]byte, MaxPayloadSize+1)
	if _, err := Encode(env); !errors.Is(err, ErrMalformed) {
		t.Errorf("Encode over limit err = %v, want ErrMalformed", err)
	}

	e := sampleEnvelope()
	big := rawArray(t, uint64(1), e.EphemeralKey, e.Nonce, e.EncryptedSequenceID, make([]byte, MaxPayloadSize+1), e.Signature)
	if _, err := Decode(big); !errors.Is(err, ErrMalformed) {
		t.Errorf("Decode over limit err = %v, want ErrMalformed", err)
	}
}

func TestEncodeRejectsBadFields(t *testing.T) {
	env := sampleEnvelope()
	env.Nonce = env.Nonce[:4]
	if _, err := Encode(env); !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
	if _, err := Encode(nil); !errors.Is(err, ErrMalformed) {
		t.Errorf("nil err = %v, want ErrMalformed", err)
	}
}

func TestEncodingIsDeterministic(t *testing.T) {
	var viaLibrary Envelope
	data, _ := Encode(sampleEnvelope())
	if err := cbor.Unmarshal(data, &viaLibrary); err != nil {
		t.Fatalf("cbor.Unmarshal: %v", err)
	}
	again, _ := Encode(&viaLibrary)
	if !bytes.Equal(again, data) {
		t.Error("encoding differs after library round trip")
	}
}
