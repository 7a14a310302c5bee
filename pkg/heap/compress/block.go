package compress

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const (
	// BlockSize is the physical size of every block image on disk, compressed
	// or not.
	BlockSize = 64 * 1024

	// HeaderSize is the fixed header prefix of a compressed block image.
	HeaderSize = 64

	// MaxPayload is the largest compressed payload that fits in a block image.
	MaxPayload = BlockSize - HeaderSize

	// BlockMagic marks a compressed block image ("FLCB").
	BlockMagic = uint32(0x464C4342)
)

var (
	errIncompressible = errors.New("payload is incompressible")

	// ErrWontFit reports that the compressed payload plus the configured
	// headroom does not fit in a physical block. The block stays eligible.
	ErrWontFit = errors.New("compressed payload does not fit block budget")

	// ErrCorruptBlock reports a checksum or framing failure on a compressed
	// block image.
	ErrCorruptBlock = errors.New("corrupt compressed block")
)

// Compressed block image layout:
//
//	magic      uint32   [0:4]
//	codec      uint8    [4]
//	reserved   [3]byte  [5:8]
//	payloadLen uint32   [8:12]
//	rawLen     uint32   [12:16]
//	checksum   uint64   [16:24]  xxhash64 of the payload
//	reserved            [24:64]
//	payload             [64:64+payloadLen]
//	zero padding to BlockSize

// EncodeBlock compresses a raw block and frames it as a padded block image.
// headroom bytes are reserved beyond the payload so the block can absorb
// recompression growth from in-place mutations. Returns ErrWontFit when the
// payload plus headroom exceeds the physical block size.
func EncodeBlock(codec Codec, raw []byte, headroom int) ([]byte, error) {
	payload, err := codec.encode(raw)
	if err != nil {
		if errors.Is(err, errIncompressible) {
			return nil, ErrWontFit
		}
		return nil, err
	}

	if len(payload)+headroom > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes payload, %d headroom", ErrWontFit, len(payload), headroom)
	}

	image := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(image[0:4], BlockMagic)
	image[4] = uint8(codec)
	binary.LittleEndian.PutUint32(image[8:12], uint32(len(payload)))
	binary.LittleEndian.PutUint32(image[12:16], uint32(len(raw)))
	binary.LittleEndian.PutUint64(image[16:24], xxhash.Sum64(payload))
	copy(image[HeaderSize:], payload)
	return image, nil
}

// ReencodeBlock re-frames a mutated raw block that is already compressed.
// Unlike EncodeBlock it reserves no headroom: the headroom paid at the
// original transition is exactly what absorbs the growth.
func ReencodeBlock(codec Codec, raw []byte) ([]byte, error) {
	return EncodeBlock(codec, raw, 0)
}

// DecodeBlock verifies and decompresses a block image back into the raw
// block bytes.
func DecodeBlock(image []byte) ([]byte, error) {
	if len(image) < HeaderSize {
		return nil, fmt.Errorf("%w: image too small, %d bytes", ErrCorruptBlock, len(image))
	}
	if magic := binary.LittleEndian.Uint32(image[0:4]); magic != BlockMagic {
		return nil, fmt.Errorf("%w: bad magic 0x%08x", ErrCorruptBlock, magic)
	}

	codec := Codec(image[4])
	payloadLen := binary.LittleEndian.Uint32(image[8:12])
	rawLen := binary.LittleEndian.Uint32(image[12:16])
	checksum := binary.LittleEndian.Uint64(image[16:24])

	if int(payloadLen) > len(image)-HeaderSize {
		return nil, fmt.Errorf("%w: payload length %d exceeds image", ErrCorruptBlock, payloadLen)
	}

	payload := image[HeaderSize : HeaderSize+int(payloadLen)]
	if computed := xxhash.Sum64(payload); computed != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch, expected %d got %d", ErrCorruptBlock, checksum, computed)
	}

	raw, err := codec.decode(payload, int(rawLen))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBlock, err)
	}
	if len(raw) != int(rawLen) {
		return nil, fmt.Errorf("%w: decompressed to %d bytes, expected %d", ErrCorruptBlock, len(raw), rawLen)
	}
	return raw, nil
}
