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

	"github.com/klauspost/compress/zstd"
)

func init() {
	RegisterCodec(CodecZstd, newZstdCodec)
	RegisterCodec(CodecCDZstd, newCDZstdCodec)
}

// zstdCodec decompresses Zstandard hunks.
type zstdCodec struct {
	decoder *zstd.Decoder
}

func newZstdCodec(uint32) (Codec, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return &zstdCodec{decoder: decoder}, nil
}

func (*zstdCodec) IsLossy() bool { return false }

func (*zstdCodec) Type() uint32 { return CodecZstd }

func (z *zstdCodec) Decompress(dst, src []byte) (DecompressLength, error) {
	result, err := z.decoder.DecodeAll(src, dst[:0])
	if err != nil {
		return DecompressLength{}, fmt.Errorf("%w: zstd: %w", ErrDecompressFailed, err)
	}
	if len(result) != len(dst) {
		return DecompressLength{}, fmt.Errorf("%w: zstd: decoded %d bytes, want %d",
			ErrDecompressFailed, len(result), len(dst))
	}
	if &result[0] != &dst[0] {
		copy(dst, result)
	}

	// Zstd frames are consumed whole; DecodeAll rejects trailing garbage.
	return DecompressLength{Out: len(dst), In: len(src)}, nil
}

// cdZstdCodec decompresses cdzs hunks. Unlike cdzl/cdlz there is no ECC
// bitmap; a 4-byte big-endian length prefixes the Zstandard sector
// stream, and a deflate subcode stream follows it.
type cdZstdCodec struct {
	base *zstdCodec
	sub  zlibCodec
	buf  []byte
}

func newCDZstdCodec(hunkBytes uint32) (Codec, error) {
	if hunkBytes%cdFrameSize != 0 {
		return nil, fmt.Errorf("%w: cdzs: hunk size %d not a multiple of %d",
			ErrCodecGeometry, hunkBytes, cdFrameSize)
	}
	base, err := newZstdCodec(hunkBytes)
	if err != nil {
		return nil, err
	}
	return &cdZstdCodec{
		base: base.(*zstdCodec),
		buf:  make([]byte, hunkBytes),
	}, nil
}

func (*cdZstdCodec) IsLossy() bool { return false }

func (*cdZstdCodec) Type() uint32 { return CodecCDZstd }

func (c *cdZstdCodec) Decompress(dst, src []byte) (DecompressLength, error) {
	if len(src) < 4 {
		return DecompressLength{}, fmt.Errorf("%w: cdzs: input shorter than length prefix", ErrDecompressFailed)
	}
	baseLen := binary.BigEndian.Uint32(src[0:4])
	if int(baseLen) > len(src)-4 {
		return DecompressLength{}, fmt.Errorf("%w: cdzs: base stream length %d exceeds input",
			ErrDecompressFailed, baseLen)
	}

	frames := len(dst) / cdFrameSize
	audioBytes := frames * cdMaxSectorData

	baseRes, err := c.base.Decompress(c.buf[:audioBytes], src[4:4+baseLen])
	if err != nil {
		return DecompressLength{}, fmt.Errorf("cdzs sector: %w", err)
	}

	subRes, err := c.sub.Decompress(
		c.buf[audioBytes:][:frames*cdMaxSubcodeData], src[4+baseLen:])
	if err != nil {
		return DecompressLength{}, fmt.Errorf("cdzs subcode: %w", err)
	}

	reassembleCDFrames(dst, c.buf, frames, true)

	total := baseRes.Add(subRes)
	total.In += 4
	return total, nil
}
