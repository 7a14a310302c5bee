package compress

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies a block compression algorithm.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecSnappy
	CodecZstd
	CodecLZ4
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecSnappy:
		return "snappy"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCodec maps a config string to a Codec.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none", "":
		return CodecNone, nil
	case "snappy":
		return CodecSnappy, nil
	case "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	default:
		return CodecNone, fmt.Errorf("unknown compression codec %q", name)
	}
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func zstdInit() {
	zstdOnce.Do(func() {
		zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		zstdDecoder, _ = zstd.NewReader(nil)
	})
}

// encode compresses src with the codec. The returned slice is freshly
// allocated.
func (c Codec) encode(src []byte) ([]byte, error) {
	switch c {
	case CodecNone:
		out := make([]byte, len(src))
		copy(out, src)
		return out, nil
	case CodecSnappy:
		return snappy.Encode(nil, src), nil
	case CodecZstd:
		zstdInit()
		return zstdEncoder.EncodeAll(src, nil), nil
	case CodecLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(src)))
		var compressor lz4.Compressor
		n, err := compressor.CompressBlock(src, buf)
		if err != nil {
			return nil, fmt.Errorf("lz4 compression failed: %w", err)
		}
		if n == 0 {
			// Incompressible; lz4 signals this with a zero length.
			return nil, errIncompressible
		}
		return buf[:n], nil
	default:
		return nil, fmt.Errorf("unknown compression codec %d", c)
	}
}

// decode decompresses src into a buffer of rawLen bytes.
func (c Codec) decode(src []byte, rawLen int) ([]byte, error) {
	switch c {
	case CodecNone:
		out := make([]byte, len(src))
		copy(out, src)
		return out, nil
	case CodecSnappy:
		return snappy.Decode(nil, src)
	case CodecZstd:
		zstdInit()
		return zstdDecoder.DecodeAll(src, nil)
	case CodecLZ4:
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(src, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompression failed: %w", err)
		}
		return out[:n], nil
	default:
		return nil, fmt.Errorf("unknown compression codec %d", c)
	}
}
