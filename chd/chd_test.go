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
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// bitWriter writes MSB-first bits, the mirror of bitReader.
type bitWriter struct {
	data  []byte
	acc   uint
	avail int
}

func (bw *bitWriter) write(v uint32, count int) {
	bw.acc = bw.acc<<count | uint(v)&(1<<count-1)
	bw.avail += count
	for bw.avail >= 8 {
		bw.avail -= 8
		bw.data = append(bw.data, byte(bw.acc>>bw.avail))
	}
}

func (bw *bitWriter) bytes() []byte {
	if bw.avail > 0 {
		bw.data = append(bw.data, byte(bw.acc<<(8-bw.avail)))
		bw.acc, bw.avail = 0, 0
	}
	return bw.data
}

// v5MapEntry describes one hunk for buildV5Map.
type v5MapEntry struct {
	compType uint8
	length   int    // compressed length (codec types)
	crc      uint16 // decoded hunk CRC (codec/none types)
	ref      uint32 // self hunk index or parent unit offset
}

const (
	testLengthBits = 16
	testSelfBits   = 8
	testParentBits = 8
)

// buildV5Map encodes a compressed V5 hunk map (16-byte map header plus
// Huffman stream) for the given entries. All entry type codes use a
// uniform 4-bit Huffman code. firstOffs is the file offset of the first
// compressed hunk.
func buildV5Map(t *testing.T, entries []v5MapEntry, firstOffs uint64) []byte {
	t.Helper()

	var bw bitWriter
	// Tree description: 16 code lengths of 4, so symbol i has code i.
	for k := 0; k < 16; k++ {
		bw.write(4, 4)
	}
	for _, e := range entries {
		bw.write(uint32(e.compType), 4)
	}
	for _, e := range entries {
		switch e.compType {
		case hunkTypeCodec0, hunkTypeCodec1, hunkTypeCodec2, hunkTypeCodec3:
			bw.write(uint32(e.length), testLengthBits)
			bw.write(uint32(e.crc), 16)
		case hunkTypeNone:
			bw.write(uint32(e.crc), 16)
		case hunkTypeSelf:
			bw.write(e.ref, testSelfBits)
		case hunkTypeParent:
			bw.write(e.ref, testParentBits)
		default:
			t.Fatalf("buildV5Map: unsupported entry type %d", e.compType)
		}
	}
	compMap := bw.bytes()

	// Serialize the decoded entries the way the checksum is defined.
	rawMap := make([]byte, rawMapEntryLen*len(entries))
	curOffset := firstOffs
	for i, e := range entries {
		var offset uint64
		var length uint32
		switch e.compType {
		case hunkTypeSelf, hunkTypeParent:
			offset = uint64(e.ref)
		default:
			offset = curOffset
			length = uint32(e.length)
			curOffset += uint64(e.length)
		}

		raw := rawMap[rawMapEntryLen*i:]
		raw[0] = e.compType
		raw[1] = byte(length >> 16)
		raw[2] = byte(length >> 8)
		raw[3] = byte(length)
		for j := 0; j < 6; j++ {
			raw[4+j] = byte(offset >> (40 - 8*j))
		}
		binary.BigEndian.PutUint16(raw[10:12], e.crc)
	}

	mapData := make([]byte, 16+len(compMap))
	binary.BigEndian.PutUint32(mapData[0:4], uint32(len(compMap)))
	for j := 0; j < 6; j++ {
		mapData[4+j] = byte(firstOffs >> (40 - 8*j))
	}
	binary.BigEndian.PutUint16(mapData[10:12], crc16(rawMap))
	mapData[12] = testLengthBits
	mapData[13] = testSelfBits
	mapData[14] = testParentBits
	copy(mapData[16:], compMap)
	return mapData
}

// buildV5ZlibImage assembles a complete V5 image: three 4096-byte hunks,
// the first two deflate-compressed, the third a self reference to the
// first. Returns the file and the hunk contents.
func buildV5ZlibImage(t *testing.T) ([]byte, [][]byte) {
	t.Helper()

	const hunkBytes = 4096
	d0 := testPattern(hunkBytes, 100)
	d1 := testPattern(hunkBytes, 101)
	hunks := [][]byte{d0, d1, d0}

	comp0 := deflateCompress(t, d0)
	comp1 := deflateCompress(t, d1)

	firstOffs := uint64(headerSizeV5)
	mapOffset := firstOffs + uint64(len(comp0)+len(comp1))

	mapData := buildV5Map(t, []v5MapEntry{
		{compType: hunkTypeCodec0, length: len(comp0), crc: crc16(d0)},
		{compType: hunkTypeCodec0, length: len(comp1), crc: crc16(d1)},
		{compType: hunkTypeSelf, ref: 0},
	}, firstOffs)

	header := buildV5Header([4]uint32{CodecZlib}, uint64(3*hunkBytes), mapOffset, 0, hunkBytes, hunkBytes)
	sum := sha1.Sum(bytes.Join(hunks, nil))
	copy(header[64:84], sum[:])

	file := append(append(append([]byte{}, header...), comp0...), comp1...)
	file = append(file, mapData...)
	return file, hunks
}

func TestV5ZlibImage(t *testing.T) {
	t.Parallel()

	file, hunks := buildV5ZlibImage(t)

	chdFile, err := OpenReader(bytes.NewReader(file))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}

	if got := chdFile.Size(); got != int64(3*4096) {
		t.Errorf("Size() = %d, want %d", got, 3*4096)
	}

	for i, want := range hunks {
		data, err := chdFile.ReadHunk(uint32(i))
		if err != nil {
			t.Fatalf("ReadHunk(%d): %v", i, err)
		}
		if !bytes.Equal(data, want) {
			t.Errorf("hunk %d data mismatch", i)
		}
	}

	if _, err := chdFile.ReadHunk(3); !errors.Is(err, ErrInvalidHunk) {
		t.Errorf("ReadHunk(3): got %v, want ErrInvalidHunk", err)
	}

	if err := chdFile.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestV5Reader(t *testing.T) {
	t.Parallel()

	file, hunks := buildV5ZlibImage(t)
	want := bytes.Join(hunks, nil)

	chdFile, err := OpenReader(bytes.NewReader(file))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}

	r := chdFile.Reader()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("logical stream mismatch")
	}

	// Reads crossing a hunk boundary.
	buf := make([]byte, 100)
	if _, err := r.ReadAt(buf, 4096-50); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(buf, want[4096-50:4096+50]) {
		t.Error("boundary ReadAt mismatch")
	}

	// Seek and sequential read.
	if _, err := r.Seek(8192, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	tail, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll after seek: %v", err)
	}
	if !bytes.Equal(tail, want[8192:]) {
		t.Error("read after seek mismatch")
	}

	if _, err := r.ReadAt(buf, int64(len(want))); !errors.Is(err, io.EOF) {
		t.Errorf("ReadAt past end: got %v, want io.EOF", err)
	}
}

func TestV5CorruptHunk(t *testing.T) {
	t.Parallel()

	file, _ := buildV5ZlibImage(t)

	// Flip a byte in the middle of the first compressed hunk. Either the
	// inflate fails or the per-hunk CRC catches it.
	corrupt := append([]byte{}, file...)
	corrupt[headerSizeV5+10] ^= 0xff

	chdFile, err := OpenReader(bytes.NewReader(corrupt))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	if _, err := chdFile.ReadHunk(0); err == nil {
		t.Error("ReadHunk returned corrupted data without error")
	}
}

func TestV5CorruptMap(t *testing.T) {
	t.Parallel()

	file, _ := buildV5ZlibImage(t)

	// Flip a bit in the stored map checksum.
	var mapOffset uint64
	{
		h, err := parseHeader(bytes.NewReader(file))
		if err != nil {
			t.Fatalf("parseHeader: %v", err)
		}
		mapOffset = h.MapOffset
	}
	corrupt := append([]byte{}, file...)
	corrupt[mapOffset+10] ^= 0x01

	if _, err := OpenReader(bytes.NewReader(corrupt)); !errors.Is(err, ErrCorruptData) {
		t.Errorf("OpenReader with bad map CRC: got %v, want ErrCorruptData", err)
	}
}

func TestOpenBadCodecGeometry(t *testing.T) {
	t.Parallel()

	// cdzl needs a hunk size that is a multiple of the CD frame size;
	// a 4096-byte hunk must fail at open, not on the first read.
	header := buildV5Header([4]uint32{CodecCDZlib}, 4096, headerSizeV5, 0, 4096, 4096)

	if _, err := OpenReader(bytes.NewReader(header)); !errors.Is(err, ErrCodecGeometry) {
		t.Errorf("OpenReader with bad codec geometry: got %v, want ErrCodecGeometry", err)
	}
}

// buildV4Image assembles a V4 file with a flat map: two zlib-compressed
// hunks, one stored hunk and one mini (repeated 8-byte pattern) hunk.
func buildV4Image(t *testing.T) ([]byte, [][]byte) {
	t.Helper()

	const hunkBytes = 4096
	const miniPattern = uint64(0x0123456789abcdef)
	mini := make([]byte, hunkBytes)
	for i := 0; i < hunkBytes; i += 8 {
		binary.BigEndian.PutUint64(mini[i:], miniPattern)
	}
	hunks := [][]byte{
		testPattern(hunkBytes, 7),
		testPattern(hunkBytes, 8),
		testPattern(hunkBytes, 9),
		mini,
	}
	comp0 := deflateCompress(t, hunks[0])
	comp1 := deflateCompress(t, hunks[1])

	header := buildV4Header(1, 4, uint64(4*hunkBytes), 0, hunkBytes)
	sum := sha1.Sum(bytes.Join(hunks, nil))
	copy(header[88:108], sum[:])

	dataStart := uint64(headerSizeV4 + 4*16)
	mapData := make([]byte, 4*16)
	writeEntry := func(i int, offset uint64, length uint16, entryType byte) {
		e := mapData[16*i:]
		binary.BigEndian.PutUint64(e[0:8], offset)
		binary.BigEndian.PutUint16(e[12:14], length)
		e[15] = entryType
	}
	writeEntry(0, dataStart, uint16(len(comp0)), 1)
	writeEntry(1, dataStart+uint64(len(comp0)), uint16(len(comp1)), 1)
	writeEntry(2, dataStart+uint64(len(comp0)+len(comp1)), hunkBytes, 2)
	writeEntry(3, miniPattern, 0, 3)

	file := append(append(append([]byte{}, header...), mapData...), comp0...)
	file = append(file, comp1...)
	file = append(file, hunks[2]...)
	return file, hunks
}

func TestV4Image(t *testing.T) {
	t.Parallel()

	file, hunks := buildV4Image(t)

	path := filepath.Join(t.TempDir(), "test.chd")
	if err := os.WriteFile(path, file, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	chdFile, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = chdFile.Close() }()

	if chdFile.Header().Version != 4 {
		t.Errorf("Version = %d, want 4", chdFile.Header().Version)
	}

	for i, want := range hunks {
		data, err := chdFile.ReadHunk(uint32(i))
		if err != nil {
			t.Fatalf("ReadHunk(%d): %v", i, err)
		}
		if !bytes.Equal(data, want) {
			t.Errorf("hunk %d data mismatch", i)
		}
	}

	if err := chdFile.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

// buildParentPair builds a two-hunk uncompressed V4 parent and a
// one-hunk V5 delta child whose single hunk references the parent's
// second hunk.
func buildParentPair(t *testing.T) (parentFile, childFile, wantHunk []byte) {
	t.Helper()

	const hunkBytes = 4096
	p0 := testPattern(hunkBytes, 21)
	p1 := testPattern(hunkBytes, 22)

	parentHeader := buildV4Header(0, 2, uint64(2*hunkBytes), 0, hunkBytes)
	parentSum := sha1.Sum(append(append([]byte{}, p0...), p1...))
	copy(parentHeader[88:108], parentSum[:])

	dataStart := uint64(headerSizeV4 + 2*16)
	parentMap := make([]byte, 2*16)
	binary.BigEndian.PutUint64(parentMap[0:8], dataStart)
	binary.BigEndian.PutUint16(parentMap[12:14], hunkBytes)
	binary.BigEndian.PutUint16(parentMap[14:16], 2)
	binary.BigEndian.PutUint64(parentMap[16:24], dataStart+hunkBytes)
	binary.BigEndian.PutUint16(parentMap[28:30], hunkBytes)
	binary.BigEndian.PutUint16(parentMap[30:32], 2)

	parentFile = append(append(append([]byte{}, parentHeader...), parentMap...), p0...)
	parentFile = append(parentFile, p1...)

	// Child: one hunk referencing parent unit 1 (unit size == hunk size).
	mapData := buildV5Map(t, []v5MapEntry{
		{compType: hunkTypeParent, ref: 1},
	}, headerSizeV5)

	childHeader := buildV5Header([4]uint32{CodecZlib}, hunkBytes, headerSizeV5, 0, hunkBytes, hunkBytes)
	childSum := sha1.Sum(p1)
	copy(childHeader[64:84], childSum[:])
	copy(childHeader[104:124], parentSum[:])

	childFile = append(append([]byte{}, childHeader...), mapData...)
	return parentFile, childFile, p1
}

func TestParentImage(t *testing.T) {
	t.Parallel()

	parentFile, childFile, want := buildParentPair(t)

	// Without the parent the delta cannot be opened.
	if _, err := OpenReader(bytes.NewReader(childFile)); !errors.Is(err, ErrNoParent) {
		t.Errorf("OpenReader without parent: got %v, want ErrNoParent", err)
	}

	parent, err := OpenReader(bytes.NewReader(parentFile))
	if err != nil {
		t.Fatalf("OpenReader parent: %v", err)
	}

	child, err := OpenReaderWithParent(bytes.NewReader(childFile), parent)
	if err != nil {
		t.Fatalf("OpenReaderWithParent: %v", err)
	}

	data, err := child.ReadHunk(0)
	if err != nil {
		t.Fatalf("ReadHunk: %v", err)
	}
	if !bytes.Equal(data, want) {
		t.Error("parent-referenced hunk mismatch")
	}

	if err := child.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

// buildV4ParentPair builds a two-hunk uncompressed V4 parent and a
// one-hunk V4 delta child. V4 parent entries store a parent hunk index
// rather than a unit offset.
func buildV4ParentPair(t *testing.T) (parentFile, childFile, wantHunk []byte) {
	t.Helper()

	const hunkBytes = 4096
	p0 := testPattern(hunkBytes, 33)
	p1 := testPattern(hunkBytes, 34)

	parentHeader := buildV4Header(0, 2, uint64(2*hunkBytes), 0, hunkBytes)
	parentSum := sha1.Sum(append(append([]byte{}, p0...), p1...))
	copy(parentHeader[88:108], parentSum[:])

	dataStart := uint64(headerSizeV4 + 2*16)
	parentMap := make([]byte, 2*16)
	binary.BigEndian.PutUint64(parentMap[0:8], dataStart)
	binary.BigEndian.PutUint16(parentMap[12:14], hunkBytes)
	binary.BigEndian.PutUint16(parentMap[14:16], 2)
	binary.BigEndian.PutUint64(parentMap[16:24], dataStart+hunkBytes)
	binary.BigEndian.PutUint16(parentMap[28:30], hunkBytes)
	binary.BigEndian.PutUint16(parentMap[30:32], 2)

	parentFile = append(append(append([]byte{}, parentHeader...), parentMap...), p0...)
	parentFile = append(parentFile, p1...)

	// Child map: one entry of type 5 whose offset is parent hunk index 1.
	childHeader := buildV4Header(0, 1, hunkBytes, 0, hunkBytes)
	childSum := sha1.Sum(p1)
	copy(childHeader[88:108], childSum[:])
	copy(childHeader[68:88], parentSum[:])

	childMap := make([]byte, 16)
	binary.BigEndian.PutUint64(childMap[0:8], 1)
	binary.BigEndian.PutUint16(childMap[14:16], 5)

	childFile = append(append([]byte{}, childHeader...), childMap...)
	return parentFile, childFile, p1
}

func TestV4ParentImage(t *testing.T) {
	t.Parallel()

	parentFile, childFile, want := buildV4ParentPair(t)

	parent, err := OpenReader(bytes.NewReader(parentFile))
	if err != nil {
		t.Fatalf("OpenReader parent: %v", err)
	}

	child, err := OpenReaderWithParent(bytes.NewReader(childFile), parent)
	if err != nil {
		t.Fatalf("OpenReaderWithParent: %v", err)
	}

	// The reference must resolve to parent hunk 1, not to the byte
	// offset 1*UnitBytes into the parent.
	data, err := child.ReadHunk(0)
	if err != nil {
		t.Fatalf("ReadHunk: %v", err)
	}
	if !bytes.Equal(data, want) {
		t.Error("legacy parent-referenced hunk mismatch")
	}

	if err := child.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestParentSHA1Mismatch(t *testing.T) {
	t.Parallel()

	parentFile, childFile, _ := buildParentPair(t)

	// Break the parent linkage recorded in the child.
	corrupt := append([]byte{}, childFile...)
	corrupt[104] ^= 0xff

	parent, err := OpenReader(bytes.NewReader(parentFile))
	if err != nil {
		t.Fatalf("OpenReader parent: %v", err)
	}

	if _, err := OpenReaderWithParent(bytes.NewReader(corrupt), parent); !errors.Is(err, ErrInvalidHeader) {
		t.Errorf("mismatched parent: got %v, want ErrInvalidHeader", err)
	}
}
