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
	"encoding/binary"
	"testing"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

// testSamples generates a deterministic stereo signal of n samples per
// channel.
func testSamples(n int, seed int32) (left, right []int32) {
	left = make([]int32, n)
	right = make([]int32, n)
	for i := 0; i < n; i++ {
		left[i] = int32(int16(seed + int32(i)*37))
		right[i] = int32(int16(seed - int32(i)*53))
	}
	return left, right
}

// encodeFLACFrames encodes a stereo 44100 Hz 16-bit stream with the
// given block size and returns only the frame data, with the stream
// header stripped the way CHD stores it.
func encodeFLACFrames(t *testing.T, left, right []int32, blockSize int) []byte {
	t.Helper()

	info := &meta.StreamInfo{
		BlockSizeMin:  uint16(blockSize),
		BlockSizeMax:  uint16(blockSize),
		SampleRate:    flacSampleRate,
		NChannels:     2,
		BitsPerSample: 16,
	}

	var buf bytes.Buffer
	enc, err := flac.NewEncoder(&buf, info)
	if err != nil {
		t.Fatalf("flac.NewEncoder: %v", err)
	}

	for num := 0; num*blockSize < len(left); num++ {
		lo := num * blockSize
		hi := min(lo+blockSize, len(left))

		f := &frame.Frame{
			Header: frame.Header{
				HasFixedBlockSize: true,
				BlockSize:         uint16(hi - lo),
				SampleRate:        flacSampleRate,
				Channels:          frame.ChannelsLR,
				BitsPerSample:     16,
				Num:               uint64(num),
			},
			Subframes: []*frame.Subframe{
				{
					SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
					Samples:   left[lo:hi],
					NSamples:  hi - lo,
				},
				{
					SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
					Samples:   right[lo:hi],
					NSamples:  hi - lo,
				},
			},
		}
		if err := enc.WriteFrame(f); err != nil {
			t.Fatalf("WriteFrame %d: %v", num, err)
		}
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("encoder close: %v", err)
	}

	// Strip the fLaC magic and STREAMINFO block; hunks carry raw frames.
	if buf.Len() < len(flacStreamHeader) {
		t.Fatalf("encoded stream too short: %d bytes", buf.Len())
	}
	return buf.Bytes()[len(flacStreamHeader):]
}

// checkPCM verifies that dst holds the interleaved samples in the given
// byte order.
func checkPCM(t *testing.T, dst []byte, left, right []int32, order binary.ByteOrder) {
	t.Helper()

	for i := range left {
		gotL := int16(order.Uint16(dst[i*4:]))
		gotR := int16(order.Uint16(dst[i*4+2:]))
		if int32(gotL) != left[i] || int32(gotR) != right[i] {
			t.Fatalf("sample %d: got (%d, %d), want (%d, %d)", i, gotL, gotR, left[i], right[i])
		}
	}
}

func TestRawFLACRoundTrip(t *testing.T) {
	t.Parallel()

	const hunkBytes = 4096
	blockSize := int(flacBlockSize(hunkBytes, flacMaxBlockRaw))
	left, right := testSamples(hunkBytes/4, 1000)
	frames := encodeFLACFrames(t, left, right, blockSize)

	codec, err := NewCodec(CodecFLAC, hunkBytes)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	for _, tt := range []struct {
		marker byte
		order  binary.ByteOrder
	}{
		{flacMarkerLittle, binary.LittleEndian},
		{flacMarkerBig, binary.BigEndian},
	} {
		src := append([]byte{tt.marker}, frames...)
		dst := make([]byte, hunkBytes)

		res, err := codec.Decompress(dst, src)
		if err != nil {
			t.Fatalf("Decompress (%c): %v", tt.marker, err)
		}
		if res.Out != hunkBytes {
			t.Errorf("Out = %d, want %d", res.Out, hunkBytes)
		}
		// In counts frame bytes after the endianness marker.
		if res.In != len(frames) {
			t.Errorf("In = %d, want %d", res.In, len(frames))
		}
		checkPCM(t, dst, left, right, tt.order)
	}
}

func TestRawFLACMultiFrame(t *testing.T) {
	t.Parallel()

	// 16KB hunks decode across multiple 2048-sample frames.
	const hunkBytes = 16384
	blockSize := int(flacBlockSize(hunkBytes, flacMaxBlockRaw))
	if blockSize != 2048 {
		t.Fatalf("block size = %d, want 2048", blockSize)
	}
	left, right := testSamples(hunkBytes/4, -7)
	frames := encodeFLACFrames(t, left, right, blockSize)

	codec, err := NewCodec(CodecFLAC, hunkBytes)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	dst := make([]byte, hunkBytes)
	if _, err := codec.Decompress(dst, append([]byte{flacMarkerLittle}, frames...)); err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	checkPCM(t, dst, left, right, binary.LittleEndian)
}

func TestCDFLACRoundTrip(t *testing.T) {
	t.Parallel()

	const frames = 2
	const hunkBytes = frames * cdFrameSize
	audioBytes := frames * cdMaxSectorData

	// cdfl audio is big-endian and clamps the block size to the sector
	// payload size.
	blockSize := int(flacBlockSize(audioBytes, flacMaxBlockCD))
	left, right := testSamples(audioBytes/4, 2000)
	audioComp := encodeFLACFrames(t, left, right, blockSize)

	subcode := testPattern(frames*cdMaxSubcodeData, 90)
	subComp := deflateCompress(t, subcode)
	src := append(append([]byte{}, audioComp...), subComp...)

	codec, err := NewCodec(CodecCDFLAC, hunkBytes)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	dst := make([]byte, hunkBytes)
	res, err := codec.Decompress(dst, src)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if res.Out != hunkBytes {
		t.Errorf("Out = %d, want %d", res.Out, hunkBytes)
	}

	// Audio and subcode are interleaved per frame on output.
	audio := make([]byte, 0, audioBytes)
	for i := 0; i < frames; i++ {
		f := dst[i*cdFrameSize:]
		audio = append(audio, f[:cdMaxSectorData]...)
		if !bytes.Equal(f[cdMaxSectorData:cdFrameSize], subcode[i*cdMaxSubcodeData:][:cdMaxSubcodeData]) {
			t.Errorf("frame %d subcode mismatch", i)
		}
	}
	checkPCM(t, audio, left, right, binary.BigEndian)
}

func TestCDFLACNoSubcode(t *testing.T) {
	t.Parallel()

	// With the subcode path disabled at construction, the input carries
	// only the audio sub-stream; the subcode regions of the output stay
	// untouched and In covers only the audio bytes.
	const frames = 2
	const hunkBytes = frames * cdFrameSize
	audioBytes := frames * cdMaxSectorData

	blockSize := int(flacBlockSize(audioBytes, flacMaxBlockCD))
	left, right := testSamples(audioBytes/4, 4000)
	audioComp := encodeFLACFrames(t, left, right, blockSize)

	codec, err := newCDFLACCodec(hunkBytes, false)
	if err != nil {
		t.Fatalf("newCDFLACCodec: %v", err)
	}

	dst := make([]byte, hunkBytes)
	for i := range dst {
		dst[i] = 0xee
	}

	res, err := codec.Decompress(dst, audioComp)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if res.Out != audioBytes {
		t.Errorf("Out = %d, want %d", res.Out, audioBytes)
	}
	if res.In != len(audioComp) {
		t.Errorf("In = %d, want %d", res.In, len(audioComp))
	}

	audio := make([]byte, 0, audioBytes)
	for i := 0; i < frames; i++ {
		f := dst[i*cdFrameSize:]
		audio = append(audio, f[:cdMaxSectorData]...)
		for j, b := range f[cdMaxSectorData:cdFrameSize] {
			if b != 0xee {
				t.Fatalf("frame %d subcode byte %d overwritten: 0x%02x", i, j, b)
			}
		}
	}
	checkPCM(t, audio, left, right, binary.BigEndian)
}

func TestCDFLACSubcodeLocation(t *testing.T) {
	t.Parallel()

	// The subcode stream is found by the exact number of bytes the FLAC
	// decoder consumed, so a corrupt byte right after the audio stream
	// must break the subcode decode, not the audio decode.
	const hunkBytes = cdFrameSize
	blockSize := int(flacBlockSize(cdMaxSectorData, flacMaxBlockCD))
	left, right := testSamples(cdMaxSectorData/4, 3000)
	audioComp := encodeFLACFrames(t, left, right, blockSize)

	src := append(append([]byte{}, audioComp...), 0xde, 0xad)

	codec, err := NewCodec(CodecCDFLAC, hunkBytes)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	dst := make([]byte, hunkBytes)
	if _, err := codec.Decompress(dst, src); err == nil {
		t.Error("Decompress succeeded with garbage subcode stream")
	}
}
