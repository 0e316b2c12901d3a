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
	"bytes"
	"compress/flate"
	"fmt"
	"io"
)

func init() {
	RegisterCodec(CodecZlib, func(uint32) (Codec, error) { return &zlibCodec{}, nil })
	RegisterCodec(CodecCDZlib, newCDZlibCodec)
}

// zlibCodec decompresses "zlib" hunks. Despite the tag, CHD stores raw
// deflate streams (RFC 1951) with no zlib wrapper.
type zlibCodec struct{}

func (*zlibCodec) IsLossy() bool { return false }

func (*zlibCodec) Type() uint32 { return CodecZlib }

// Decompress inflates src until dst is full. A stream that ends short of
// len(dst) is an error; the input consumption count is exact because
// bytes.Reader satisfies flate.Reader and is read unbuffered.
func (*zlibCodec) Decompress(dst, src []byte) (DecompressLength, error) {
	br := bytes.NewReader(src)
	fr := flate.NewReader(br)
	defer func() { _ = fr.Close() }()

	if _, err := io.ReadFull(fr, dst); err != nil {
		return DecompressLength{}, fmt.Errorf("%w: deflate: %w", ErrDecompressFailed, err)
	}

	return DecompressLength{Out: len(dst), In: len(src) - br.Len()}, nil
}

// cdZlibCodec decompresses cdzl hunks: deflate sector payload plus
// deflate subchannel data, reassembled per frame.
type cdZlibCodec struct {
	base zlibCodec
	sub  zlibCodec
	buf  []byte
}

func newCDZlibCodec(hunkBytes uint32) (Codec, error) {
	if hunkBytes%cdFrameSize != 0 {
		return nil, fmt.Errorf("%w: cdzl: hunk size %d not a multiple of %d",
			ErrCodecGeometry, hunkBytes, cdFrameSize)
	}
	return &cdZlibCodec{buf: make([]byte, hunkBytes)}, nil
}

func (*cdZlibCodec) IsLossy() bool { return false }

func (*cdZlibCodec) Type() uint32 { return CodecCDZlib }

func (c *cdZlibCodec) Decompress(dst, src []byte) (DecompressLength, error) {
	hdr, err := parseCDHunkHeader(dst, src)
	if err != nil {
		return DecompressLength{}, fmt.Errorf("cdzl: %w", err)
	}

	audioBytes := hdr.frames * cdMaxSectorData
	baseRes, err := c.base.Decompress(c.buf[:audioBytes], hdr.baseData)
	if err != nil {
		return DecompressLength{}, fmt.Errorf("cdzl sector: %w", err)
	}

	subRes, err := c.sub.Decompress(
		c.buf[audioBytes:][:hdr.frames*cdMaxSubcodeData], hdr.subData)
	if err != nil {
		return DecompressLength{}, fmt.Errorf("cdzl subcode: %w", err)
	}

	reassembleCDFrames(dst, c.buf, hdr.frames, true)
	restoreSyncHeaders(dst, hdr.eccBitmap, hdr.frames)

	total := baseRes.Add(subRes)
	total.In += hdr.headerLen
	return total, nil
}

// cdHunkHeader is the decoded fixed header of a cdzl/cdlz hunk.
type cdHunkHeader struct {
	eccBitmap []byte
	baseData  []byte
	subData   []byte
	frames    int
	headerLen int
}

// parseCDHunkHeader splits a CD hunk into its header, base sub-stream and
// subcode sub-stream. The layout (from MAME's chd_cd_decompressor) is an
// ECC bitmap of (frames+7)/8 bytes, then the compressed base length as a
// 2-byte (or, for hunks of 64KB and up, 3-byte) big-endian integer, then
// the two compressed streams back to back.
func parseCDHunkHeader(dst, src []byte) (cdHunkHeader, error) {
	frames := len(dst) / cdFrameSize

	compLenBytes := 2
	if len(dst) >= 65536 {
		compLenBytes = 3
	}
	eccBytes := (frames + 7) / 8
	headerLen := eccBytes + compLenBytes

	if len(src) < headerLen {
		return cdHunkHeader{}, fmt.Errorf("%w: input shorter than CD hunk header", ErrDecompressFailed)
	}

	var baseLen int
	if compLenBytes == 3 {
		baseLen = int(src[eccBytes])<<16 | int(src[eccBytes+1])<<8 | int(src[eccBytes+2])
	} else {
		baseLen = int(src[eccBytes])<<8 | int(src[eccBytes+1])
	}
	if headerLen+baseLen > len(src) {
		return cdHunkHeader{}, fmt.Errorf("%w: base stream length %d exceeds input", ErrDecompressFailed, baseLen)
	}

	return cdHunkHeader{
		eccBitmap: src[:eccBytes],
		baseData:  src[headerLen : headerLen+baseLen],
		subData:   src[headerLen+baseLen:],
		frames:    frames,
		headerLen: headerLen,
	}, nil
}

// reassembleCDFrames interleaves scratch data grouped by kind
// ([audio0..audioN][sub0..subN]) into the per-frame output layout
// ([audio0,sub0][audio1,sub1]...).
func reassembleCDFrames(dst, scratch []byte, frames int, subcode bool) {
	audioBytes := frames * cdMaxSectorData
	for i := 0; i < frames; i++ {
		copy(dst[i*cdFrameSize:][:cdMaxSectorData], scratch[i*cdMaxSectorData:][:cdMaxSectorData])
		if subcode {
			copy(dst[i*cdFrameSize+cdMaxSectorData:][:cdMaxSubcodeData],
				scratch[audioBytes+i*cdMaxSubcodeData:][:cdMaxSubcodeData])
		}
	}
}

// cdSyncHeader is the 12-byte CD-ROM sector sync pattern.
var cdSyncHeader = [12]byte{0x00, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x00}

// restoreSyncHeaders rewrites the sync pattern on frames whose ECC bit is
// set. The encoder strips the sync header from sectors whose ECC data it
// can regenerate; parity regeneration itself is not performed here.
func restoreSyncHeaders(dst, eccBitmap []byte, frames int) {
	for i := 0; i < frames; i++ {
		if eccBitmap[i/8]&(1<<(i%8)) != 0 {
			copy(dst[i*cdFrameSize:], cdSyncHeader[:])
		}
	}
}
