package envelope

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const itemCount = 6

// CBOR major types used by the framing.
const (
	majorUnsigned   = 0
	majorByteString = 2
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	encOpts := cbor.CoreDetEncOptions()
	encOpts.NilContainers = cbor.NilContainerAsEmpty
	em, err := encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("envelope: cbor encoder: %v", err))
	}
	dm, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		IntDec:           cbor.IntDecConvertNone,
		MaxArrayElements: 16,
		MaxMapPairs:      16,
		MaxNestedLevels:  4,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("envelope: cbor decoder: %v", err))
	}
	encMode, decMode = em, dm
}

// Encode frames env. It refuses envelopes Decode would reject.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrMalformed)
	}
	if err := env.checkBounds(); err != nil {
		return nil, err
	}
	data, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a framed envelope. All failures match ErrMalformed, and every
// size check happens here, before any cryptographic work.
func Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrMalformed)
	}
	if len(data) > MaxEncodedSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrMalformed, len(data), MaxEncodedSize)
	}

	// Unmarshal rejects truncated input, trailing bytes and indefinite lengths.
	var items []cbor.RawMessage
	if err := decMode.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(items) != itemCount {
		return nil, fmt.Errorf("%w: %d items, want %d", ErrMalformed, len(items), itemCount)
	}

	if majorType(items[0]) != majorUnsigned {
		return nil, fmt.Errorf("%w: version is not an unsigned integer", ErrMalformed)
	}
	var version uint64
	if err := decMode.Unmarshal(items[0], &version); err != nil {
		return nil, fmt.Errorf("%w: version: %v", ErrMalformed, err)
	}
	if version != Version {
		return nil, fmt.Errorf("%w %d", ErrUnsupportedVersion, version)
	}

	fields := make([][]byte, itemCount-1)
	for i, raw := range items[1:] {
		if majorType(raw) != majorByteString {
			return nil, fmt.Errorf("%w: item %d is not a byte string", ErrMalformed, i+1)
		}
		if err := decMode.Unmarshal(raw, &fields[i]); err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", ErrMalformed, i+1, err)
		}
	}

	env := &Envelope{
		Version:             uint8(version),
		EphemeralKey:        fields[0],
		Nonce:               fields[1],
		EncryptedSequenceID: fields[2],
		EncryptedPayload:    fields[3],
		Signature:           fields[4],
	}
	if err := env.checkBounds(); err != nil {
		return nil, err
	}

	// Only the deterministic encoding is accepted, so each envelope has
	// exactly one byte representation.
	canonical, err := encMode.Marshal(env)
	if err != nil || !bytes.Equal(canonical, data) {
		return nil, fmt.Errorf("%w: non-canonical encoding", ErrMalformed)
	}
	return env, nil
}

func majorType(raw []byte) byte {
	if len(raw) == 0 {
		return 0xff
	}
	return raw[0] >> 5
}
