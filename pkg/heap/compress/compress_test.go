package compress

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func compressibleBlock() []byte {
	raw := make([]byte, BlockSize)
	for i := range raw {
		raw[i] = byte(i % 17)
	}
	return raw
}

func TestStateTransitions(t *testing.T) {
	legal := [][2]BlockState{
		{StateUncompressed, StateEligible},
		{StateEligible, StateCompressed},
	}
	for _, tr := range legal {
		if err := Advance(tr[0], tr[1]); err != nil {
			t.Errorf("Expected %s -> %s to be legal: %v", tr[0], tr[1], err)
		}
	}

	illegal := [][2]BlockState{
		{StateUncompressed, StateCompressed},
		{StateEligible, StateUncompressed},
		{StateCompressed, StateEligible},
		{StateCompressed, StateUncompressed},
		{StateCompressed, StateCompressed},
	}
	for _, tr := range illegal {
		if err := Advance(tr[0], tr[1]); !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("Expected %s -> %s to be illegal, got %v", tr[0], tr[1], err)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	raw := compressibleBlock()

	for _, codec := range []Codec{CodecSnappy, CodecZstd, CodecLZ4} {
		image, err := EncodeBlock(codec, raw, 8*1024)
		if err != nil {
			t.Fatalf("%s: failed to encode block: %v", codec, err)
		}
		if len(image) != BlockSize {
			t.Fatalf("%s: expected padded image of %d bytes, got %d", codec, BlockSize, len(image))
		}

		decoded, err := DecodeBlock(image)
		if err != nil {
			t.Fatalf("%s: failed to decode block: %v", codec, err)
		}
		if !bytes.Equal(decoded, raw) {
			t.Errorf("%s: round trip mismatch", codec)
		}
	}
}

func TestIncompressibleBlockWontFit(t *testing.T) {
	raw := make([]byte, BlockSize)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("Failed to generate random block: %v", err)
	}

	// Random bytes do not compress; with headroom on top the image cannot
	// fit, so the block must stay eligible rather than be forced.
	for _, codec := range []Codec{CodecSnappy, CodecZstd, CodecLZ4} {
		if _, err := EncodeBlock(codec, raw, 8*1024); !errors.Is(err, ErrWontFit) {
			t.Errorf("%s: expected ErrWontFit for random block, got %v", codec, err)
		}
	}
}

func TestDecodeDetectsCorruption(t *testing.T) {
	image, err := EncodeBlock(CodecSnappy, compressibleBlock(), 0)
	if err != nil {
		t.Fatalf("Failed to encode block: %v", err)
	}

	// Flip a payload byte; the checksum must catch it.
	image[HeaderSize+10] ^= 0xFF
	if _, err := DecodeBlock(image); !errors.Is(err, ErrCorruptBlock) {
		t.Errorf("Expected ErrCorruptBlock for flipped payload byte, got %v", err)
	}

	// Bad magic.
	image2, _ := EncodeBlock(CodecSnappy, compressibleBlock(), 0)
	image2[0] = 0
	if _, err := DecodeBlock(image2); !errors.Is(err, ErrCorruptBlock) {
		t.Errorf("Expected ErrCorruptBlock for bad magic, got %v", err)
	}
}

func TestParseCodec(t *testing.T) {
	for name, want := range map[string]Codec{
		"none": CodecNone, "": CodecNone,
		"snappy": CodecSnappy, "zstd": CodecZstd, "lz4": CodecLZ4,
	} {
		got, err := ParseCodec(name)
		if err != nil {
			t.Errorf("ParseCodec(%q) failed: %v", name, err)
		}
		if got != want {
			t.Errorf("ParseCodec(%q) = %v, want %v", name, got, want)
		}
	}
	if _, err := ParseCodec("gzip"); err == nil {
		t.Error("Expected error for unknown codec name")
	}
}
