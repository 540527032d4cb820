// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the compression algorithm used for a
// frame payload. The tag is the first byte of every payload envelope.
// These values are protocol constants; changing them breaks
// compatibility with deployed peers.
type CompressionTag uint8

const (
	// CompressionNone indicates an uncompressed body. Used for small
	// payloads where compression costs more than it saves, and as
	// the fallback when a body turns out incompressible.
	CompressionNone CompressionTag = 0

	// CompressionLZ4 indicates LZ4 block compression. The default
	// for update traffic: latency matters more than ratio there.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd indicates zstd compression at the default
	// level. Used for snapshot transfers, where the CBOR body is
	// large and highly repetitive.
	CompressionZstd CompressionTag = 2
)

// String returns the human-readable name of a compression tag.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// compressThreshold is the body size below which compression is
// skipped: the envelope overhead and CPU are not worth it.
const compressThreshold = 512

// envelopeHeaderLength is the fixed size of a payload envelope
// header: 1 byte compression tag + 4 bytes uncompressed body length.
const envelopeHeaderLength = 5

// EncodePayload wraps a message body in a compression envelope:
// [1 byte tag] [4 bytes uncompressed length, big-endian] [body].
// The preferred tag is applied when the body is large enough and
// actually shrinks; otherwise the envelope carries the body
// uncompressed.
func EncodePayload(body []byte, preferred CompressionTag) ([]byte, error) {
	tag := preferred
	compressed := body
	if len(body) < compressThreshold {
		tag = CompressionNone
	} else {
		switch preferred {
		case CompressionNone:
		case CompressionLZ4:
			out, err := compressLZ4(body)
			if err != nil {
				if !isIncompressible(err) {
					return nil, err
				}
				tag = CompressionNone
			} else {
				compressed = out
			}
		case CompressionZstd:
			out, err := compressZstd(body)
			if err != nil {
				if !isIncompressible(err) {
					return nil, err
				}
				tag = CompressionNone
			} else {
				compressed = out
			}
		default:
			return nil, fmt.Errorf("unsupported compression tag: %d", preferred)
		}
	}

	envelope := make([]byte, envelopeHeaderLength+len(compressed))
	envelope[0] = byte(tag)
	binary.BigEndian.PutUint32(envelope[1:5], uint32(len(body)))
	copy(envelope[envelopeHeaderLength:], compressed)
	return envelope, nil
}

// DecodePayload unwraps a compression envelope and returns the
// original body. The declared uncompressed length is verified against
// the decompressed output and capped at MaxPayloadLength, so a
// corrupt or hostile envelope cannot balloon memory.
func DecodePayload(envelope []byte) ([]byte, error) {
	if len(envelope) < envelopeHeaderLength {
		return nil, fmt.Errorf("payload envelope %d bytes, need at least %d", len(envelope), envelopeHeaderLength)
	}
	tag := CompressionTag(envelope[0])
	rawLength := binary.BigEndian.Uint32(envelope[1:5])
	if rawLength > MaxPayloadLength {
		return nil, fmt.Errorf("declared payload length %d exceeds maximum %d", rawLength, MaxPayloadLength)
	}
	body := envelope[envelopeHeaderLength:]

	switch tag {
	case CompressionNone:
		if len(body) != int(rawLength) {
			return nil, fmt.Errorf("uncompressed payload: size %d does not match declared %d", len(body), rawLength)
		}
		return body, nil
	case CompressionLZ4:
		return decompressLZ4(body, int(rawLength))
	case CompressionZstd:
		return decompressZstd(body, int(rawLength))
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// LZ4 compression: block-mode LZ4.

func compressLZ4(data []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(data))
	destination := make([]byte, bound)

	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}

	// CompressBlock returns 0 when it determines the data is
	// incompressible; a result no smaller than the input is treated
	// the same way.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, uncompressedSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != uncompressedSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
	}
	return destination, nil
}

// Zstd compression at the default level: good ratio without
// excessive CPU on snapshot-sized bodies.

// zstdEncoder and zstdDecoder are reused across calls to avoid
// repeated initialization overhead. Both are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("wire: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("wire: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, 0, uncompressedSize)
	result, err := zstdDecoder.DecodeAll(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != uncompressedSize {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
	}
	return result, nil
}

// errIncompressible is returned by compression functions when the
// compressed output is not smaller than the input. EncodePayload
// falls back to CompressionNone.
var errIncompressible = fmt.Errorf("data is incompressible")

func isIncompressible(err error) bool {
	return err == errIncompressible
}
