package mesh

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/ssd-technologies/kairo/internal/envelope"
)

// Compression selects how a payload is compressed before sealing. The
// choice travels as the first plaintext byte, so it is covered by the AEAD.
type Compression uint8

const (
	CompressNone Compression = iota
	CompressLZ4
	CompressZstd
)

// MinCompressSize is the smallest payload a Sender tries to compress.
const MinCompressSize = 256

var ErrBadCompression = errors.New("bad compressed payload")

var compressionNames = map[Compression]string{
	CompressNone: "none",
	CompressLZ4:  "lz4",
	CompressZstd: "zstd",
}

func (c Compression) String() string {
	if s, ok := compressionNames[c]; ok {
		return s
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

func (c Compression) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// ParseCompression parses "none", "lz4" or "zstd". The empty string is none.
func ParseCompression(s string) (Compression, error) {
	if s == "" {
		return CompressNone, nil
	}
	for c, name := range compressionNames {
		if name == s {
			return c, nil
		}
	}
	return CompressNone, fmt.Errorf("unknown compression %q", s)
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(envelope.MaxPayloadSize),
		zstd.WithDecoderMaxWindow(envelope.MaxPayloadSize))
)

// packPayload returns the plaintext to seal: a compression byte followed by
// the body. Payloads that are small or do not shrink are stored as is.
func packPayload(c Compression, payload []byte) ([]byte, error) {
	if c == CompressNone || len(payload) < MinCompressSize {
		return append([]byte{byte(CompressNone)}, payload...), nil
	}

	var body []byte
	switch c {
	case CompressLZ4:
		buf := make([]byte, 4+lz4.CompressBlockBound(len(payload)))
		binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
		n, err := lz4.CompressBlock(payload, buf[4:], nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n > 0 {
			body = buf[:4+n]
		}
	case CompressZstd:
		body = zstdEncoder.EncodeAll(payload, make([]byte, 0, len(payload)))
	default:
		return nil, fmt.Errorf("unknown compression %d", uint8(c))
	}

	if body == nil || len(body) >= len(payload) {
		return append([]byte{byte(CompressNone)}, payload...), nil
	}
	return append([]byte{byte(c)}, body...), nil
}

// unpackPayload reverses packPayload. Decompressed output is bounded by
// envelope.MaxPayloadSize.
func unpackPayload(pt []byte) ([]byte, Compression, error) {
	if len(pt) < 2 {
		return nil, CompressNone, fmt.Errorf("%w: %d byte plaintext", ErrBadCompression, len(pt))
	}
	c, body := Compression(pt[0]), pt[1:]

	switch c {
	case CompressNone:
		return body, c, nil

	case CompressLZ4:
		if len(body) < 4 {
			return nil, c, fmt.Errorf("%w: short lz4 header", ErrBadCompression)
		}
		size := binary.LittleEndian.Uint32(body)
		if size == 0 || size > envelope.MaxPayloadSize {
			return nil, c, fmt.Errorf("%w: lz4 size %d", ErrBadCompression, size)
		}
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(body[4:], out)
		if err != nil || n != int(size) {
			return nil, c, fmt.Errorf("%w: lz4: %v", ErrBadCompression, err)
		}
		return out, c, nil

	case CompressZstd:
		out, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, c, fmt.Errorf("%w: zstd: %v", ErrBadCompression, err)
		}
		if len(out) == 0 || len(out) > envelope.MaxPayloadSize {
			return nil, c, fmt.Errorf("%w: zstd size %d", ErrBadCompression, len(out))
		}
		return out, c, nil

	default:
		return nil, c, fmt.Errorf("%w: unknown compression %d", ErrBadCompression, uint8(c))
	}
}
