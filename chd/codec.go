// Copyright (c) 2025 The go-chd Authors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of go-chd.
//
// go-chd is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-chd is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-chd.  If not, see <https://www.gnu.org/licenses/>.

package chd

import (
	"fmt"
	"io"
	"sync"
)

// Codec tag constants (4-byte big-endian integers of the ASCII names).
// The CD variants compress sector payload and subchannel data separately.
const (
	// CodecNone indicates uncompressed data.
	CodecNone uint32 = 0x00000000

	// CodecZlib is the deflate codec ("zlib").
	CodecZlib uint32 = 0x7a6c6962

	// CodecLZMA is the headerless LZMA codec ("lzma").
	CodecLZMA uint32 = 0x6c7a6d61

	// CodecHuff is the CHD Huffman codec ("huff").
	CodecHuff uint32 = 0x68756666

	// CodecFLAC is the FLAC audio codec ("flac").
	CodecFLAC uint32 = 0x666c6163

	// CodecZstd is the Zstandard codec ("zstd").
	CodecZstd uint32 = 0x7a737464

	// CodecCDZlib is the CD deflate codec ("cdzl").
	CodecCDZlib uint32 = 0x63647a6c

	// CodecCDLZMA is the CD LZMA codec ("cdlz").
	CodecCDLZMA uint32 = 0x63646c7a

	// CodecCDFLAC is the CD FLAC codec ("cdfl").
	CodecCDFLAC uint32 = 0x6364666c

	// CodecCDZstd is the CD Zstandard codec ("cdzs").
	CodecCDZstd uint32 = 0x63647a73
)

// CD frame geometry. A frame is one sector's worth of hunk data: the raw
// sector payload followed by its subchannel data.
const (
	cdMaxSectorData  = 2352
	cdMaxSubcodeData = 96
	cdFrameSize      = cdMaxSectorData + cdMaxSubcodeData
)

// DecompressLength reports the byte counts of one decompress call.
type DecompressLength struct {
	// Out is the number of bytes written to the output buffer.
	Out int
	// In is the number of bytes consumed from the input buffer. Composite
	// codecs use this to locate the next sub-stream in a hunk.
	In int
}

// Add combines two results field-wise.
func (d DecompressLength) Add(o DecompressLength) DecompressLength {
	return DecompressLength{Out: d.Out + o.Out, In: d.In + o.In}
}

// Codec decompresses CHD hunk data for one on-disk encoding.
//
// A Codec is constructed for a fixed uncompressed hunk size and may keep
// scratch buffers between calls, so a single instance must not be used
// from multiple goroutines concurrently.
type Codec interface {
	// Decompress decodes exactly enough of src to fill dst completely.
	// dst must be sized to the expected decompressed length; on success
	// the returned Out equals len(dst). The compressed stream is
	// self-delimiting, so In reports how many bytes of src were consumed.
	Decompress(dst, src []byte) (DecompressLength, error)

	// IsLossy reports whether decoding discards information.
	IsLossy() bool

	// Type returns the codec tag this instance decodes.
	Type() uint32
}

// codecRegistry maps codec tags to hunk-size-aware constructors.
var (
	codecRegistry   = make(map[uint32]func(hunkBytes uint32) (Codec, error))
	codecRegistryMu sync.RWMutex
)

// RegisterCodec registers a codec constructor for the given tag.
func RegisterCodec(tag uint32, factory func(hunkBytes uint32) (Codec, error)) {
	codecRegistryMu.Lock()
	defer codecRegistryMu.Unlock()
	codecRegistry[tag] = factory
}

// NewCodec constructs a codec instance for the given tag and hunk size.
// The instance is reusable for every hunk of that size in the container.
func NewCodec(tag, hunkBytes uint32) (Codec, error) {
	codecRegistryMu.RLock()
	factory, ok := codecRegistry[tag]
	codecRegistryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: 0x%08x (%s)", ErrUnsupportedCodec, tag, CodecTagString(tag))
	}

	codec, err := factory(hunkBytes)
	if err != nil {
		return nil, fmt.Errorf("init %s codec: %w", CodecTagString(tag), err)
	}
	return codec, nil
}

// CodecTagString converts a codec tag to its ASCII name.
func CodecTagString(tag uint32) string {
	if tag == 0 {
		return "none"
	}
	return string([]byte{
		byte(tag >> 24),
		byte(tag >> 16),
		byte(tag >> 8),
		byte(tag),
	})
}

// countingReader serves a synthetic header followed by a payload slice,
// tracking how many payload bytes the consumer has taken.
//
// Payload bytes are handed out one per Read call. Decoder libraries wrap
// their input in buffered readers; a buffered fill issues a single Read
// against the source and stops at the first non-empty result, so capping
// Read at one byte keeps those buffers from running ahead of what the
// decoder actually consumed. That makes consumed() an exact stream
// position, which composite codecs rely on to find the next sub-stream.
type countingReader struct {
	header  []byte
	payload []byte
	hpos    int
	ppos    int
}

func (cr *countingReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if cr.hpos < len(cr.header) {
		n := copy(p, cr.header[cr.hpos:])
		cr.hpos += n
		return n, nil
	}
	if cr.ppos < len(cr.payload) {
		p[0] = cr.payload[cr.ppos]
		cr.ppos++
		return 1, nil
	}
	return 0, io.EOF
}

func (cr *countingReader) ReadByte() (byte, error) {
	if cr.hpos < len(cr.header) {
		b := cr.header[cr.hpos]
		cr.hpos++
		return b, nil
	}
	if cr.ppos < len(cr.payload) {
		b := cr.payload[cr.ppos]
		cr.ppos++
		return b, nil
	}
	return 0, io.EOF
}

// consumed returns the number of payload bytes read so far.
func (cr *countingReader) consumed() int {
	return cr.ppos
}
