package validator

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/ssd-technologies/kairo/internal/envelope"
)

func newSender(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func signedEnvelope(priv ed25519.PrivateKey, seq uint64, payload []byte) *envelope.Envelope {
	env := &envelope.Envelope{
		Version:          envelope.Version,
		EphemeralKey:     make([]byte, envelope.EphemeralKeySize),
		Nonce:            make([]byte, envelope.NonceSize),
		EncryptedPayload: payload,
	}
	Sign(priv, seq, env)
	return env
}

func TestValidateOrder(t *testing.T) {
	pub, priv := newSender(t)

	tests := []struct {
		name   string
		mutate func(*envelope.Envelope)
		want   error
	}{
		{"valid", func(*envelope.Envelope) {}, nil},
		{"short sequence wins over everything", func(e *envelope.Envelope) {
			e.EncryptedSequenceID = e.EncryptedSequenceID[:4]
			e.Signature = nil
			e.EncryptedPayload = nil
		}, ErrBadSequenceLength},
		{"sequence checked before signature length", func(e *envelope.Envelope) {
			e.EncryptedSequenceID = EncodeSequence(9)
			e.Signature = e.Signature[:10]
		}, ErrSequenceMismatch},
		{"signature length before empty payload", func(e *envelope.Envelope) {
			e.Signature = e.Signature[:63]
			e.EncryptedPayload = nil
		}, ErrBadSignatureLength},
		{"empty payload before verify", func(e *envelope.Envelope) {
			e.EncryptedPayload = []byte{}
		}, ErrEmptyPayload},
		{"tampered payload", func(e *envelope.Envelope) {
			e.EncryptedPayload = []byte("jello")
		}, ErrSignatureInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := signedEnvelope(priv, 1, []byte("hello"))
			tt.mutate(env)
			err := Validate(env, pub, 1)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateMalformedKey(t *testing.T) {
	_, priv := newSender(t)
	env := signedEnvelope(priv, 1, []byte("hello"))
	if err := Validate(env, make([]byte, 5), 1); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("err = %v, want ErrSignatureInvalid", err)
	}
}

func TestSequenceMismatchCarriesValues(t *testing.T) {
	pub, priv := newSender(t)
	env := signedEnvelope(priv, 7, []byte("x"))

	err := Validate(env, pub, 3)
	var mm *SequenceMismatchError
	if !errors.As(err, &mm) {
		t.Fatalf("err = %v, want *SequenceMismatchError", err)
	}
	if mm.Expected != 3 || mm.Got != 7 {
		t.Errorf("mismatch = {%d, %d}, want {3, 7}", mm.Expected, mm.Got)
	}
}

func TestAcceptIncreasingSequence(t *testing.T) {
	pub, priv := newSender(t)
	v := New(zaptest.NewLogger(t), nil)

	for seq := uint64(1); seq <= 20; seq++ {
		got, err := v.Accept("a", signedEnvelope(priv, seq, []byte{byte(seq)}), pub)
		if err != nil {
			t.Fatalf("Accept seq %d: %v", seq, err)
		}
		if got != seq {
			t.Errorf("accepted seq = %d, want %d", got, seq)
		}
	}
	if last := v.Sequences().Last("a"); last != 20 {
		t.Errorf("last = %d, want 20", last)
	}
}

func TestAcceptRejectsReplayAndGaps(t *testing.T) {
	pub, priv := newSender(t)
	v := New(nil, nil)

	for seq := uint64(1); seq <= 3; seq++ {
		if _, err := v.Accept("a", signedEnvelope(priv, seq, []byte("p")), pub); err != nil {
			t.Fatalf("Accept: %v", err)
		}
	}
	for _, seq := range []uint64{0, 1, 3, 5} {
		if _, err := v.Accept("a", signedEnvelope(priv, seq, []byte("p")), pub); !errors.Is(err, ErrSequenceMismatch) {
			t.Errorf("seq %d err = %v, want ErrSequenceMismatch", seq, err)
		}
	}
	if last := v.Sequences().Last("a"); last != 3 {
		t.Errorf("last = %d, want 3", last)
	}
}

func TestRejectionDoesNotAdvance(t *testing.T) {
	pub, priv := newSender(t)
	v := New(nil, nil)

	env := signedEnvelope(priv, 1, []byte("hello"))
	env.Signature[0] ^= 0x01
	if _, err := v.Accept("a", env, pub); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("err = %v, want ErrSignatureInvalid", err)
	}
	if last := v.Sequences().Last("a"); last != 0 {
		t.Errorf("last = %d after rejection, want 0", last)
	}
}

func TestSingleBitTamperingIsDetected(t *testing.T) {
	pub, priv := newSender(t)
	payload := []byte("hello mesh")
	base := signedEnvelope(priv, 1, payload)

	for i := range len(payload) * 8 {
		env := signedEnvelope(priv, 1, bytes.Clone(payload))
		env.EncryptedPayload[i/8] ^= 1 << (i % 8)
		if err := Validate(env, pub, 1); !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("payload bit %d: err = %v, want ErrSignatureInvalid", i, err)
		}
	}
	for i := range ed25519.SignatureSize * 8 {
		env := *base
		env.Signature = bytes.Clone(base.Signature)
		env.Signature[i/8] ^= 1 << (i % 8)
		if err := Validate(&env, pub, 1); !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("signature bit %d: err = %v, want ErrSignatureInvalid", i, err)
		}
	}
}

func TestHelloEndToEnd(t *testing.T) {
	pub, priv := newSender(t)
	v := New(nil, nil)

	first, err := envelope.Encode(signedEnvelope(priv, 1, []byte("hello")))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	env, err := envelope.Decode(first)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, err := v.Accept("agent-a", env, pub); err != nil {
		t.Fatalf("first send: %v", err)
	}

	replay, _ := envelope.Decode(first)
	if _, err := v.Accept("agent-a", replay, pub); !errors.Is(err, ErrSequenceMismatch) {
		t.Fatalf("replay err = %v, want ErrSequenceMismatch", err)
	}

	second, _ := envelope.Encode(signedEnvelope(priv, 2, []byte("hello")))
	env2, err := envelope.Decode(second)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if seq, err := v.Accept("agent-a", env2, pub); err != nil || seq != 2 {
		t.Fatalf("second send: seq=%d err=%v", seq, err)
	}
}

func TestSendersAreIndependent(t *testing.T) {
	pubA, privA := newSender(t)
	pubB, privB := newSender(t)
	v := New(nil, nil)

	if _, err := v.Accept("a", signedEnvelope(privA, 1, []byte("x")), pubA); err != nil {
		t.Fatalf("a: %v", err)
	}
	if _, err := v.Accept("b", signedEnvelope(privB, 1, []byte("x")), pubB); err != nil {
		t.Fatalf("b: %v", err)
	}
	if snap := v.Sequences().Snapshot(); snap["a"] != 1 || snap["b"] != 1 {
		t.Errorf("snapshot = %v, want a=1 b=1", snap)
	}
}

func TestConcurrentDuplicateAcceptedOnce(t *testing.T) {
	pub, priv := newSender(t)
	v := New(nil, nil)
	env := signedEnvelope(priv, 1, []byte("once"))

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := v.Accept("a", env, pub); err == nil {
				accepted.Add(1)
			} else if !errors.Is(err, ErrSequenceMismatch) {
				t.Errorf("unexpected err: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := accepted.Load(); n != 1 {
		t.Errorf("accepted %d times, want 1", n)
	}
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{envelope.ErrMalformed, "malformed"},
		{envelope.ErrUnsupportedVersion, "unsupported_version"},
		{&SequenceMismatchError{Expected: 1, Got: 2}, "sequence_mismatch"},
		{ErrSignatureInvalid, "signature_invalid"},
		{errors.New("other"), "error"},
	}
	for _, tt := range tests {
		if got := Reason(tt.err); got != tt.want {
			t.Errorf("Reason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
