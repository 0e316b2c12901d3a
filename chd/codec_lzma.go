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
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ulikunitz/xz/lzma"
)

func init() {
	RegisterCodec(CodecLZMA, newLZMACodec)
	RegisterCodec(CodecCDLZMA, newCDLZMACodec)
}

// CHD stores raw LZMA streams with no header, encoded with the defaults
// of the ancient LZMA 19.00 bundled with MAME/libchdr: lc=3, lp=0, pb=2
// (properties byte 3 + 0*9 + 2*45 = 0x5d) at compression level 9.
const (
	lzmaLevel     = 9
	lzmaPropsByte = 0x5d
	lzmaHeaderLen = 13
)

// lzmaDictSize derives the dictionary size for a given level and reduce
// size (the uncompressed hunk length). The container does not persist
// this parameter, so it is recomputed with the exact normalization of
// LZMA 19.00's LzmaEncProps_Normalize: a level-dependent base, clamped to
// the smallest 2<<i or 3<<i that covers reduceSize. The scan checks the
// 2<<i candidate before 3<<i at each shift; that order is a legacy
// constant of the reference encoder and changing it silently breaks
// decoding of real files.
func lzmaDictSize(level, reduceSize uint32) uint32 {
	var dictSize uint32
	switch {
	case level <= 5:
		dictSize = 1 << (level*2 + 14)
	case level <= 7:
		dictSize = 1 << 25
	default:
		dictSize = 1 << 26
	}

	if dictSize > reduceSize {
		for i := 11; i <= 30; i++ {
			if reduceSize <= 2<<i {
				dictSize = 2 << i
				break
			}
			if reduceSize <= 3<<i {
				dictSize = 3 << i
				break
			}
		}
	}

	return dictSize
}

// lzmaCodec decompresses headerless LZMA hunks.
type lzmaCodec struct {
	dictSize uint32
	cr       countingReader
}

func newLZMACodec(hunkBytes uint32) (Codec, error) {
	return &lzmaCodec{dictSize: lzmaDictSize(lzmaLevel, hunkBytes)}, nil
}

func (*lzmaCodec) IsLossy() bool { return false }

func (*lzmaCodec) Type() uint32 { return CodecLZMA }

// Decompress decodes a headerless LZMA stream into dst. A classic
// 13-byte .lzma header (properties, dictionary size, uncompressed size)
// is synthesized in front of the raw stream so the decoder picks up the
// derived parameters.
func (c *lzmaCodec) Decompress(dst, src []byte) (DecompressLength, error) {
	var header [lzmaHeaderLen]byte
	header[0] = lzmaPropsByte
	binary.LittleEndian.PutUint32(header[1:5], c.dictSize)
	binary.LittleEndian.PutUint64(header[5:13], uint64(len(dst)))

	c.cr = countingReader{header: header[:], payload: src}
	lr, err := lzma.NewReader(&c.cr)
	if err != nil {
		return DecompressLength{}, fmt.Errorf("%w: lzma init: %w", ErrDecompressFailed, err)
	}

	if _, err := io.ReadFull(lr, dst); err != nil {
		return DecompressLength{}, fmt.Errorf("%w: lzma: %w", ErrDecompressFailed, err)
	}

	return DecompressLength{Out: len(dst), In: c.cr.consumed()}, nil
}

// cdLZMACodec decompresses cdlz hunks: LZMA sector payload plus deflate
// subchannel data, reassembled per frame.
type cdLZMACodec struct {
	base lzmaCodec
	sub  zlibCodec
	buf  []byte
}

func newCDLZMACodec(hunkBytes uint32) (Codec, error) {
	if hunkBytes%cdFrameSize != 0 {
		return nil, fmt.Errorf("%w: cdlz: hunk size %d not a multiple of %d",
			ErrCodecGeometry, hunkBytes, cdFrameSize)
	}
	frames := hunkBytes / cdFrameSize
	return &cdLZMACodec{
		// The base engine sees only the sector payload, so its dictionary
		// size derives from the payload bytes per hunk, not the hunk size.
		base: lzmaCodec{dictSize: lzmaDictSize(lzmaLevel, frames*cdMaxSectorData)},
		buf:  make([]byte, hunkBytes),
	}, nil
}

func (*cdLZMACodec) IsLossy() bool { return false }

func (*cdLZMACodec) Type() uint32 { return CodecCDLZMA }

func (c *cdLZMACodec) Decompress(dst, src []byte) (DecompressLength, error) {
	hdr, err := parseCDHunkHeader(dst, src)
	if err != nil {
		return DecompressLength{}, fmt.Errorf("cdlz: %w", err)
	}

	audioBytes := hdr.frames * cdMaxSectorData
	baseRes, err := c.base.Decompress(c.buf[:audioBytes], hdr.baseData)
	if err != nil {
		return DecompressLength{}, fmt.Errorf("cdlz sector: %w", err)
	}

	subRes, err := c.sub.Decompress(
		c.buf[audioBytes:][:hdr.frames*cdMaxSubcodeData], hdr.subData)
	if err != nil {
		return DecompressLength{}, fmt.Errorf("cdlz subcode: %w", err)
	}

	reassembleCDFrames(dst, c.buf, hdr.frames, true)
	restoreSyncHeaders(dst, hdr.eccBitmap, hdr.frames)

	total := baseRes.Add(subRes)
	total.In += hdr.headerLen
	return total, nil
}
