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

	"github.com/mewkiz/flac"
)

func init() {
	RegisterCodec(CodecFLAC, newRawFLACCodec)
	RegisterCodec(CodecCDFLAC, func(hunkBytes uint32) (Codec, error) {
		return newCDFLACCodec(hunkBytes, true)
	})
}

// FLAC hunks carry raw frames with no stream header. The encoder always
// runs at 44100 Hz stereo 16-bit; raw FLAC hunks clamp the block size to
// 2048, cdfl to the sector payload size.
const (
	flacSampleRate     = 44100
	flacMaxBlockRaw    = 2048
	flacMaxBlockCD     = cdMaxSectorData
	flacMarkerLittle   = 'L'
	flacMarkerBig      = 'B'
	flacBytesPerSample = 2
)

// flacCodec decodes a headerless FLAC frame stream into interleaved
// 16-bit PCM in a fixed byte order.
type flacCodec struct {
	order    binary.ByteOrder
	channels int
	// header is the synthetic fLaC stream header fed in front of the raw
	// frames; built once per instance.
	header []byte
	cr     countingReader
}

func newFLACCodec(hunkBytes uint32, order binary.ByteOrder, channels, maxBlock int) (*flacCodec, error) {
	groupBytes := uint32(channels * flacBytesPerSample)
	if hunkBytes%groupBytes != 0 {
		return nil, fmt.Errorf("%w: flac: hunk size %d not a multiple of %d",
			ErrCodecGeometry, hunkBytes, groupBytes)
	}
	return &flacCodec{
		order:    order,
		channels: channels,
		header:   buildFLACHeader(flacSampleRate, uint8(channels), flacBlockSize(int(hunkBytes), maxBlock)),
	}, nil
}

func (*flacCodec) IsLossy() bool { return false }

func (*flacCodec) Type() uint32 { return CodecFLAC }

// Decompress reads exactly enough FLAC frames from src to produce
// len(dst)/(channels*2) sample groups. The returned In is the byte
// offset just past the last fully consumed frame, which the cdfl codec
// uses to locate the subcode sub-stream; the counting reader's one-byte
// read granularity is what keeps that offset exact.
func (c *flacCodec) Decompress(dst, src []byte) (DecompressLength, error) {
	groupBytes := c.channels * flacBytesPerSample
	sampleLen := len(dst) / groupBytes

	c.cr = countingReader{header: c.header, payload: src}
	stream, err := flac.New(&c.cr)
	if err != nil {
		return DecompressLength{}, fmt.Errorf("%w: flac init: %w", ErrDecompressFailed, err)
	}
	defer func() { _ = stream.Close() }()

	written := 0
	for written < sampleLen {
		f, err := stream.ParseNext()
		if err != nil {
			// End of stream or a frame fault before the sample budget is
			// met; the output buffer is not valid.
			return DecompressLength{}, fmt.Errorf("%w: flac frame: %w", ErrDecompressFailed, err)
		}
		if len(f.Subframes) < c.channels {
			return DecompressLength{}, fmt.Errorf("%w: flac frame has %d channels, want %d",
				ErrDecompressFailed, len(f.Subframes), c.channels)
		}

		n := f.Subframes[0].NSamples
		for i := 0; i < n && written < sampleLen; i++ {
			off := written * groupBytes
			for ch := 0; ch < c.channels; ch++ {
				c.order.PutUint16(dst[off+ch*flacBytesPerSample:], uint16(int16(f.Subframes[ch].Samples[i])))
			}
			written++
		}
	}

	return DecompressLength{Out: written * groupBytes, In: c.cr.consumed()}, nil
}

// flacStreamHeader is the template for the synthetic FLAC stream header:
// the fLaC magic and a single STREAMINFO block (the same template MAME's
// flac.cpp writes). Block size, sample rate and channel count are patched
// in before use.
var flacStreamHeader = [42]byte{
	0x66, 0x4c, 0x61, 0x43, // "fLaC"
	0x80, 0x00, 0x00, 0x22, // STREAMINFO, last block, length 34
	0x00, 0x00, // min block size
	0x00, 0x00, // max block size
	0x00, 0x00, 0x00, // min frame size
	0x00, 0x00, 0x00, // max frame size
	0x00, 0x00, 0x0a, 0xc4, 0x42, 0xf0, // sample rate / channels / bits
	// total samples and MD5 left zero
}

// buildFLACHeader patches the stream header template for the given
// parameters. 16-bit samples are assumed.
func buildFLACHeader(sampleRate uint32, channels uint8, blockSize uint16) []byte {
	header := make([]byte, len(flacStreamHeader))
	copy(header, flacStreamHeader[:])

	binary.BigEndian.PutUint16(header[0x08:], blockSize)
	binary.BigEndian.PutUint16(header[0x0a:], blockSize)

	// 20 bits of sample rate, 3 bits of channels-1, then the top bit of
	// bits-per-sample-1 (zero for 16-bit).
	v := sampleRate<<4 | uint32(channels-1)<<1
	header[0x12] = byte(v >> 16)
	header[0x13] = byte(v >> 8)
	header[0x14] = byte(v)

	return header
}

// flacBlockSize computes the encoder's block size for a hunk: a quarter
// of the hunk, halved until it fits the codec's cap.
func flacBlockSize(hunkBytes, maxBlock int) uint16 {
	blockSize := hunkBytes / 4
	for blockSize > maxBlock {
		blockSize /= 2
	}
	return uint16(blockSize)
}

// rawFLACCodec decompresses flac hunks. The first input byte marks the
// byte order of the decoded PCM ('L' or 'B'); the raw frames follow.
type rawFLACCodec struct {
	le *flacCodec
	be *flacCodec
}

func newRawFLACCodec(hunkBytes uint32) (Codec, error) {
	le, err := newFLACCodec(hunkBytes, binary.LittleEndian, 2, flacMaxBlockRaw)
	if err != nil {
		return nil, err
	}
	be, err := newFLACCodec(hunkBytes, binary.BigEndian, 2, flacMaxBlockRaw)
	if err != nil {
		return nil, err
	}
	return &rawFLACCodec{le: le, be: be}, nil
}

func (*rawFLACCodec) IsLossy() bool { return false }

func (*rawFLACCodec) Type() uint32 { return CodecFLAC }

// Decompress dispatches on the endianness marker. The returned In counts
// bytes of the payload after the marker; callers add one for the marker
// when computing absolute positions.
func (c *rawFLACCodec) Decompress(dst, src []byte) (DecompressLength, error) {
	if len(src) == 0 {
		return DecompressLength{}, fmt.Errorf("%w: flac: empty input", ErrDecompressFailed)
	}
	switch src[0] {
	case flacMarkerLittle:
		return c.le.Decompress(dst, src[1:])
	case flacMarkerBig:
		return c.be.Decompress(dst, src[1:])
	default:
		return DecompressLength{}, fmt.Errorf("%w: flac: unknown endianness marker 0x%02x",
			ErrDecompressFailed, src[0])
	}
}

// cdFLACCodec decompresses cdfl hunks. The audio payload for all frames
// is one FLAC sub-stream, followed immediately by one deflate sub-stream
// holding all subchannel data; the decoded output interleaves them per
// frame.
type cdFLACCodec struct {
	// cdfl audio is always written big-endian.
	engine  *flacCodec
	sub     zlibCodec
	subcode bool
	buf     []byte
}

func newCDFLACCodec(hunkBytes uint32, subcode bool) (Codec, error) {
	if hunkBytes%cdFrameSize != 0 {
		return nil, fmt.Errorf("%w: cdfl: hunk size %d not a multiple of %d",
			ErrCodecGeometry, hunkBytes, cdFrameSize)
	}

	frames := hunkBytes / cdFrameSize
	engine, err := newFLACCodec(frames*cdMaxSectorData, binary.BigEndian, 2, flacMaxBlockCD)
	if err != nil {
		return nil, err
	}

	return &cdFLACCodec{
		engine:  engine,
		subcode: subcode,
		buf:     make([]byte, hunkBytes),
	}, nil
}

func (*cdFLACCodec) IsLossy() bool { return false }

func (*cdFLACCodec) Type() uint32 { return CodecCDFLAC }

func (c *cdFLACCodec) Decompress(dst, src []byte) (DecompressLength, error) {
	frames := len(dst) / cdFrameSize
	audioBytes := frames * cdMaxSectorData

	audioRes, err := c.engine.Decompress(c.buf[:audioBytes], src)
	if err != nil {
		return DecompressLength{}, fmt.Errorf("cdfl audio: %w", err)
	}

	var subRes DecompressLength
	if c.subcode {
		subRes, err = c.sub.Decompress(
			c.buf[audioBytes:][:frames*cdMaxSubcodeData], src[audioRes.In:])
		if err != nil {
			return DecompressLength{}, fmt.Errorf("cdfl subcode: %w", err)
		}
	}

	reassembleCDFrames(dst, c.buf, frames, c.subcode)

	return audioRes.Add(subRes), nil
}
