package codec

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"meridian.dev/server/internal/model"
)

// MinCompressSize is the threshold below which a chunk body is always
// sent uncompressed, per the stream-chunk compression contract.
const MinCompressSize = 1024

var (
	zstdEncoderOnce sync.Once
	zstdEncoder     *zstd.Encoder
	zstdDecoderOnce sync.Once
	zstdDecoder     *zstd.Decoder
)

func getZstdEncoder() *zstd.Encoder {
	zstdEncoderOnce.Do(func() {
		zstdEncoder, _ = zstd.NewWriter(nil)
	})
	return zstdEncoder
}

func getZstdDecoder() *zstd.Decoder {
	zstdDecoderOnce.Do(func() {
		zstdDecoder, _ = zstd.NewReader(nil)
	})
	return zstdDecoder
}

// Compress applies the named algorithm to b. CompressionNone returns b
// unchanged.
func Compress(b []byte, algo model.CompressionAlgo) ([]byte, error) {
	switch algo {
	case model.CompressionNone:
		return b, nil
	case model.CompressionLz4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(b); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		return buf.Bytes(), nil
	case model.CompressionZstd:
		return getZstdEncoder().EncodeAll(b, nil), nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", algo)
	}
}

// Decompress reverses Compress.
func Decompress(b []byte, algo model.CompressionAlgo) ([]byte, error) {
	switch algo {
	case model.CompressionNone:
		return b, nil
	case model.CompressionLz4:
		r := lz4.NewReader(bytes.NewReader(b))
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(r); err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return buf.Bytes(), nil
	case model.CompressionZstd:
		out, err := getZstdDecoder().DecodeAll(b, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", algo)
	}
}

// ShouldCompress implements the "≥1 KiB and strictly smaller" rule
// shared by the stream manager and the state-transfer envelope. It
// returns the algorithm to actually use (which may be
// CompressionNone if compression didn't help) and the resulting
// bytes.
func ShouldCompress(b []byte, preferred model.CompressionAlgo) (model.CompressionAlgo, []byte, error) {
	if preferred == model.CompressionNone || len(b) < MinCompressSize {
		return model.CompressionNone, b, nil
	}
	compressed, err := Compress(b, preferred)
	if err != nil {
		return model.CompressionNone, nil, err
	}
	if len(compressed) >= len(b) {
		return model.CompressionNone, b, nil
	}
	return preferred, compressed, nil
}
