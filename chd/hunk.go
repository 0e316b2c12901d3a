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
	"sync"
)

// Hunk map entry types (V5).
const (
	hunkTypeCodec0   = 0  // compressed with compressor slot 0
	hunkTypeCodec1   = 1  // compressed with compressor slot 1
	hunkTypeCodec2   = 2  // compressed with compressor slot 2
	hunkTypeCodec3   = 3  // compressed with compressor slot 3
	hunkTypeNone     = 4  // uncompressed
	hunkTypeSelf     = 5  // copy of another hunk in this file
	hunkTypeParent   = 6  // data from the parent CHD
	hunkTypeRLESmall = 7  // map coding: repeat last type (small count)
	hunkTypeRLELarge = 8  // map coding: repeat last type (large count)
	hunkTypeSelf0    = 9  // self reference, same hunk as last
	hunkTypeSelf1    = 10 // self reference, last+1
	hunkTypeParSelf  = 11 // parent reference to own position
	hunkTypePar0     = 12 // parent reference, same as last
	hunkTypePar1     = 13 // parent reference, last+1

	// hunkTypeLegacyMini is internal: a V3/V4 "mini" entry whose 8-byte
	// offset field is the hunk content, repeated.
	hunkTypeLegacyMini = 14
)

// rawMapEntryLen is the size of one decoded V5 map entry in MAME's
// serialized form, over which the map checksum runs.
const rawMapEntryLen = 12

// hunkMapEntry is one decoded hunk map entry.
type hunkMapEntry struct {
	Offset     uint64 // file offset, hunk index (self, legacy parent), or unit offset (V5 parent)
	CompLength uint32
	CRC16      uint16
	CompType   uint8
}

// HunkMap decodes the hunk directory of a CHD file and reads hunks
// through it. Codec instances are constructed once at open time for the
// file's fixed hunk size and reused for every hunk.
type HunkMap struct {
	reader    io.ReaderAt
	header    *Header
	parent    *HunkMap
	entries   []hunkMapEntry
	codecs    []Codec
	cache     map[uint32][]byte
	cacheSize int
	maxCache  int
	mu        sync.Mutex
}

// NewHunkMap parses the hunk map and prepares codecs. parent may be nil;
// it is required only for files whose map references a parent CHD.
func NewHunkMap(reader io.ReaderAt, header *Header, parent *HunkMap) (*HunkMap, error) {
	hm := &HunkMap{
		reader:   reader,
		header:   header,
		parent:   parent,
		cache:    make(map[uint32][]byte),
		maxCache: 16,
	}

	switch {
	case header.Version == 5:
		for _, tag := range header.Compressors {
			if tag == CodecNone {
				hm.codecs = append(hm.codecs, nil)
				continue
			}
			codec, err := NewCodec(tag, header.HunkBytes)
			if err != nil {
				return nil, fmt.Errorf("compressor %s: %w", CodecTagString(tag), err)
			}
			hm.codecs = append(hm.codecs, codec)
		}
	case header.Compression != 0:
		// V3/V4 record a compression enum rather than codec tags;
		// values 1 and 2 are both zlib on the decode side.
		codec, err := NewCodec(CodecZlib, header.HunkBytes)
		if err != nil {
			return nil, err
		}
		hm.codecs = append(hm.codecs, codec)
	}

	if err := hm.parseMap(); err != nil {
		return nil, fmt.Errorf("parse hunk map: %w", err)
	}

	return hm, nil
}

func (hm *HunkMap) parseMap() error {
	numHunks := hm.header.NumHunks()
	if numHunks > MaxNumHunks {
		return fmt.Errorf("%w: too many hunks (%d > %d)", ErrInvalidHeader, numHunks, MaxNumHunks)
	}
	hm.entries = make([]hunkMapEntry, numHunks)

	switch hm.header.Version {
	case 5:
		if !hm.header.IsCompressed() {
			return hm.parseMapV5Uncompressed()
		}
		return hm.parseMapV5()
	case 4, 3:
		return hm.parseMapV4()
	default:
		return fmt.Errorf("%w: version %d", ErrUnsupportedVersion, hm.header.Version)
	}
}

// parseMapV5Uncompressed parses the flat map of an uncompressed V5 file:
// 4 bytes per hunk holding the file offset in hunk-sized units.
func (hm *HunkMap) parseMapV5Uncompressed() error {
	raw := make([]byte, 4*len(hm.entries))
	if _, err := hm.reader.ReadAt(raw, int64(hm.header.MapOffset)); err != nil {
		return fmt.Errorf("read uncompressed map: %w", err)
	}

	for i := range hm.entries {
		unit := binary.BigEndian.Uint32(raw[4*i:])
		hm.entries[i] = hunkMapEntry{
			CompType:   hunkTypeNone,
			CompLength: hm.header.HunkBytes,
			Offset:     uint64(unit) * uint64(hm.header.HunkBytes),
		}
	}
	return nil
}

// parseMapV5 parses the Huffman-compressed V5 map.
//
// The 16-byte map header holds the compressed map length, the file
// offset of the first hunk, the CRC of the decoded map, and the field
// widths for lengths and self/parent references. The compressed payload
// is a Huffman-coded stream of entry types (with RLE repeats) followed
// by the per-hunk length/offset/CRC fields, all from one bit stream.
func (hm *HunkMap) parseMapV5() error {
	mapHeader := make([]byte, 16)
	if _, err := hm.reader.ReadAt(mapHeader, int64(hm.header.MapOffset)); err != nil {
		return fmt.Errorf("read map header: %w", err)
	}

	compMapLen := binary.BigEndian.Uint32(mapHeader[0:4])
	if compMapLen > MaxCompMapLen {
		return fmt.Errorf("%w: compressed map too large (%d > %d)", ErrInvalidHeader, compMapLen, MaxCompMapLen)
	}
	firstOffs := uint64(mapHeader[4])<<40 | uint64(mapHeader[5])<<32 |
		uint64(mapHeader[6])<<24 | uint64(mapHeader[7])<<16 |
		uint64(mapHeader[8])<<8 | uint64(mapHeader[9])
	mapCRC := binary.BigEndian.Uint16(mapHeader[10:12])
	lengthBits := int(mapHeader[12])
	selfBits := int(mapHeader[13])
	parentBits := int(mapHeader[14])
	if lengthBits > 32 || selfBits > 32 || parentBits > 32 {
		return fmt.Errorf("%w: map field widths %d/%d/%d", ErrInvalidHeader, lengthBits, selfBits, parentBits)
	}

	compMap := make([]byte, compMapLen)
	if _, err := hm.reader.ReadAt(compMap, int64(hm.header.MapOffset)+16); err != nil {
		return fmt.Errorf("read compressed map: %w", err)
	}

	br := newBitReader(compMap)
	decoder := newHuffmanDecoder(16, 8)
	if err := decoder.importTreeRLE(br); err != nil {
		return fmt.Errorf("import huffman tree: %w", err)
	}

	// First pass: entry types, with RLE repeats.
	numHunks := len(hm.entries)
	compTypes := make([]uint8, numHunks)
	var lastType uint8
	var repeat int

	for i := 0; i < numHunks; i++ {
		if repeat > 0 {
			compTypes[i] = lastType
			repeat--
			continue
		}

		switch v := decoder.decode(br); v {
		case hunkTypeRLESmall:
			compTypes[i] = lastType
			repeat = 2 + int(decoder.decode(br))
		case hunkTypeRLELarge:
			compTypes[i] = lastType
			repeat = 2 + 16 + int(decoder.decode(br))<<4
			repeat += int(decoder.decode(br))
		default:
			compTypes[i] = v
			lastType = v
		}
	}

	// Second pass: per-hunk fields. rawMap rebuilds MAME's serialized
	// entry layout so the map checksum can be verified.
	rawMap := make([]byte, rawMapEntryLen*numHunks)
	curOffset := firstOffs
	var lastSelf uint64
	var lastParent uint64

	for i := 0; i < numHunks; i++ {
		compType := compTypes[i]
		var length uint32
		var offset uint64
		var crc uint16

		switch compType {
		case hunkTypeCodec0, hunkTypeCodec1, hunkTypeCodec2, hunkTypeCodec3:
			length = br.read(lengthBits)
			crc = uint16(br.read(16))
			offset = curOffset
			curOffset += uint64(length)
		case hunkTypeNone:
			length = hm.header.HunkBytes
			crc = uint16(br.read(16))
			offset = curOffset
			curOffset += uint64(length)
		case hunkTypeSelf:
			lastSelf = uint64(br.read(selfBits))
			offset = lastSelf
		case hunkTypeParent:
			lastParent = uint64(br.read(parentBits))
			offset = lastParent
		case hunkTypeSelf0:
			offset = lastSelf
			compType = hunkTypeSelf
		case hunkTypeSelf1:
			lastSelf++
			offset = lastSelf
			compType = hunkTypeSelf
		case hunkTypeParSelf:
			offset = uint64(i) * uint64(hm.header.HunkBytes) / uint64(hm.header.UnitBytes)
			lastParent = offset
			compType = hunkTypeParent
		case hunkTypePar0:
			offset = lastParent
			compType = hunkTypeParent
		case hunkTypePar1:
			lastParent += uint64(hm.header.HunkBytes) / uint64(hm.header.UnitBytes)
			offset = lastParent
			compType = hunkTypeParent
		default:
			return fmt.Errorf("%w: map entry type %d", ErrInvalidHeader, compType)
		}

		raw := rawMap[rawMapEntryLen*i:]
		raw[0] = compType
		raw[1] = byte(length >> 16)
		raw[2] = byte(length >> 8)
		raw[3] = byte(length)
		raw[4] = byte(offset >> 40)
		raw[5] = byte(offset >> 32)
		raw[6] = byte(offset >> 24)
		raw[7] = byte(offset >> 16)
		raw[8] = byte(offset >> 8)
		raw[9] = byte(offset)
		binary.BigEndian.PutUint16(raw[10:12], crc)

		hm.entries[i] = hunkMapEntry{
			CompType:   compType,
			CompLength: length,
			CRC16:      crc,
			Offset:     offset,
		}
	}

	if crc16(rawMap) != mapCRC {
		return fmt.Errorf("%w: hunk map checksum mismatch", ErrCorruptData)
	}

	return nil
}

// V3/V4 map entry types, stored in the low nibble of the flags byte.
const (
	v4EntryCompressed   = 1
	v4EntryUncompressed = 2
	v4EntryMini         = 3 // offset field holds the data pattern itself
	v4EntrySelf         = 4
	v4EntryParent       = 5
)

// parseMapV4 parses the flat V3/V4 map: 16 bytes per entry holding the
// file offset, a CRC32 (unused here), a 24-bit compressed length and a
// flags byte whose low nibble is the entry type.
func (hm *HunkMap) parseMapV4() error {
	raw := make([]byte, 16*len(hm.entries))
	if _, err := hm.reader.ReadAt(raw, int64(hm.header.MapOffset)); err != nil {
		return fmt.Errorf("read V4 map: %w", err)
	}

	for i := range hm.entries {
		entry := raw[16*i:]
		offset := binary.BigEndian.Uint64(entry[0:8])
		length := uint32(binary.BigEndian.Uint16(entry[12:14])) | uint32(entry[14])<<16

		var compType uint8
		switch entry[15] & 0x0f {
		case v4EntryCompressed:
			compType = hunkTypeCodec0
		case v4EntryUncompressed:
			compType = hunkTypeNone
			length = hm.header.HunkBytes
		case v4EntryMini:
			compType = hunkTypeLegacyMini
		case v4EntrySelf:
			compType = hunkTypeSelf
		case v4EntryParent:
			compType = hunkTypeParent
		default:
			return fmt.Errorf("%w: V4 map entry type %d", ErrInvalidHeader, entry[15]&0x0f)
		}

		hm.entries[i] = hunkMapEntry{
			CompType:   compType,
			CompLength: length,
			Offset:     offset,
		}
	}

	return nil
}

// ReadHunk reads and decompresses the hunk at index. The returned slice
// is owned by the map's cache; callers must not modify it.
func (hm *HunkMap) ReadHunk(index uint32) ([]byte, error) {
	if index >= uint32(len(hm.entries)) {
		return nil, fmt.Errorf("%w: %d >= %d", ErrInvalidHunk, index, len(hm.entries))
	}

	hm.mu.Lock()
	data, ok := hm.cache[index]
	hm.mu.Unlock()
	if ok {
		return data, nil
	}

	data, err := hm.decodeHunk(hm.entries[index])
	if err != nil {
		return nil, fmt.Errorf("hunk %d: %w", index, err)
	}

	hm.mu.Lock()
	if hm.cacheSize >= hm.maxCache {
		hm.cache = make(map[uint32][]byte)
		hm.cacheSize = 0
	}
	hm.cache[index] = data
	hm.cacheSize++
	hm.mu.Unlock()

	return data, nil
}

func (hm *HunkMap) decodeHunk(entry hunkMapEntry) ([]byte, error) {
	dst := make([]byte, hm.header.HunkBytes)

	switch entry.CompType {
	case hunkTypeNone:
		if _, err := hm.reader.ReadAt(dst, int64(entry.Offset)); err != nil {
			return nil, fmt.Errorf("read uncompressed: %w", err)
		}
		if err := hm.verifyHunkCRC(dst, entry); err != nil {
			return nil, err
		}
		return dst, nil
	case hunkTypeCodec0, hunkTypeCodec1, hunkTypeCodec2, hunkTypeCodec3:
		data, err := hm.decodeCompressedHunk(dst, entry)
		if err != nil {
			return nil, err
		}
		if err := hm.verifyHunkCRC(data, entry); err != nil {
			return nil, err
		}
		return data, nil
	case hunkTypeSelf:
		return hm.ReadHunk(uint32(entry.Offset))
	case hunkTypeParent:
		return hm.readParentHunk(dst, entry)
	case hunkTypeLegacyMini:
		var pattern [8]byte
		binary.BigEndian.PutUint64(pattern[:], entry.Offset)
		for n := copy(dst, pattern[:]); n < len(dst); {
			n += copy(dst[n:], dst[:n])
		}
		return dst, nil
	default:
		return nil, fmt.Errorf("%w: map entry type %d", ErrUnsupportedCodec, entry.CompType)
	}
}

func (hm *HunkMap) decodeCompressedHunk(dst []byte, entry hunkMapEntry) ([]byte, error) {
	slot := int(entry.CompType)
	if slot >= len(hm.codecs) || hm.codecs[slot] == nil {
		var tag uint32
		if slot < len(hm.header.Compressors) {
			tag = hm.header.Compressors[slot]
		}
		return nil, fmt.Errorf("%w: %s (slot %d)", ErrUnsupportedCodec, CodecTagString(tag), slot)
	}

	src := make([]byte, entry.CompLength)
	if _, err := hm.reader.ReadAt(src, int64(entry.Offset)); err != nil {
		return nil, fmt.Errorf("read compressed: %w", err)
	}

	if _, err := hm.codecs[slot].Decompress(dst, src); err != nil {
		return nil, err
	}
	return dst, nil
}

// verifyHunkCRC checks the decoded hunk against the CRC-16 from the
// map. Only compressed V5 maps carry per-hunk checksums.
func (hm *HunkMap) verifyHunkCRC(data []byte, entry hunkMapEntry) error {
	if hm.header.Version != 5 || !hm.header.IsCompressed() {
		return nil
	}
	if crc16(data) != entry.CRC16 {
		return fmt.Errorf("%w: hunk checksum mismatch", ErrCorruptData)
	}
	return nil
}

// readParentHunk fills dst from the parent CHD. V5 entries store an
// offset in units of the unit size; V3/V4 entries store a parent hunk
// index.
func (hm *HunkMap) readParentHunk(dst []byte, entry hunkMapEntry) ([]byte, error) {
	if hm.parent == nil {
		return nil, ErrNoParent
	}

	if hm.header.Version < 5 {
		pData, err := hm.parent.ReadHunk(uint32(entry.Offset))
		if err != nil {
			return nil, fmt.Errorf("parent: %w", err)
		}
		copy(dst, pData)
		return dst, nil
	}

	byteOff := entry.Offset * uint64(hm.header.UnitBytes)
	parentHunkBytes := uint64(hm.parent.header.HunkBytes)

	filled := 0
	for filled < len(dst) {
		pIdx := (byteOff + uint64(filled)) / parentHunkBytes
		within := (byteOff + uint64(filled)) % parentHunkBytes

		pData, err := hm.parent.ReadHunk(uint32(pIdx))
		if err != nil {
			return nil, fmt.Errorf("parent: %w", err)
		}
		filled += copy(dst[filled:], pData[within:])
	}

	return dst, nil
}

// NumHunks returns the number of hunks.
func (hm *HunkMap) NumHunks() uint32 {
	return uint32(len(hm.entries))
}

// HunkBytes returns the uncompressed size of each hunk.
func (hm *HunkMap) HunkBytes() uint32 {
	return hm.header.HunkBytes
}
