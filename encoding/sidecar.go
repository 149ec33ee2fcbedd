package encoding

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/deltabus/deltabus/bus"
)

// Pooled zstd encoder/decoder. Sidecar blobs can be large (vector data), so
// codec instances are reused across calls.
var (
	encoderPool sync.Pool
	decoderPool sync.Pool
)

func getEncoder() (*zstd.Encoder, error) {
	if enc, ok := encoderPool.Get().(*zstd.Encoder); ok {
		return enc, nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func getDecoder() (*zstd.Decoder, error) {
	if dec, ok := decoderPool.Get().(*zstd.Decoder); ok {
		return dec, nil
	}
	return zstd.NewReader(nil)
}

// CompressSidecar encodes an opaque sidecar blob with the given scheme.
// CompressionNone returns the input unchanged.
func CompressSidecar(data []byte, c bus.Compression) ([]byte, error) {
	switch c {
	case bus.CompressionNone:
		return data, nil
	case bus.CompressionZstd:
		enc, err := getEncoder()
		if err != nil {
			return nil, err
		}
		out := enc.EncodeAll(data, nil)
		encoderPool.Put(enc)
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression scheme %d", c)
	}
}

// DecompressSidecar reverses CompressSidecar.
func DecompressSidecar(data []byte, c bus.Compression) ([]byte, error) {
	switch c {
	case bus.CompressionNone:
		return data, nil
	case bus.CompressionZstd:
		dec, err := getDecoder()
		if err != nil {
			return nil, err
		}
		out, err := dec.DecodeAll(data, nil)
		decoderPool.Put(dec)
		if err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression scheme %d", c)
	}
}
