// Package msgcodec provides message and event content compression and
// decompression for the content_compression/data_compression columns.
package msgcodec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression names the algorithm a message or event body was stored with.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd decoder: %v", err))
	}
}

// Compress compresses the given data using zstd and returns the compressed
// bytes along with the compression kind to store alongside them.
func Compress(data []byte) ([]byte, Compression) {
	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	return compressed, CompressionZstd
}

// Decompress decompresses data according to the given compression kind.
// Returns an error for unrecognized compression values.
func Decompress(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case CompressionZstd:
		return decoder.DecodeAll(data, nil)
	case CompressionNone, "":
		return data, nil
	default:
		return nil, fmt.Errorf("msgcodec: unsupported compression: %v", compression)
	}
}
