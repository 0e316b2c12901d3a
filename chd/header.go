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
)

// chdMagic is the CHD magic word.
var chdMagic = [8]byte{'M', 'C', 'o', 'm', 'p', 'r', 'H', 'D'}

// Header sizes per CHD version.
const (
	headerSizeV3 = 120
	headerSizeV4 = 108
	headerSizeV5 = 124
)

// defaultUnitBytes is the CD unit size (sector + subchannel) assumed for
// V3/V4 files, which do not record a unit size.
const defaultUnitBytes = 2448

// Header is a parsed CHD file header. V5 is the current format; the V3/V4
// specific fields are populated only for those versions.
type Header struct {
	Magic        [8]byte   // "MComprHD"
	HeaderSize   uint32    // header length in bytes
	Version      uint32    // 3, 4 or 5
	Compressors  [4]uint32 // codec tags (V5)
	LogicalBytes uint64    // total uncompressed size
	MapOffset    uint64    // offset of the hunk map
	MetaOffset   uint64    // offset of the first metadata entry
	HunkBytes    uint32    // bytes per hunk
	UnitBytes    uint32    // bytes per unit (CD sector + subchannel)
	RawSHA1      [20]byte  // SHA-1 of the raw data
	SHA1         [20]byte  // SHA-1 of raw data + metadata
	ParentSHA1   [20]byte  // parent SHA-1 for delta CHDs

	// V3/V4 only.
	Flags       uint32
	Compression uint32
	TotalHunks  uint32
}

// parseHeader reads and parses a CHD header.
func parseHeader(r io.Reader) (*Header, error) {
	prefix := make([]byte, 12)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}

	var h Header
	copy(h.Magic[:], prefix[:8])
	if h.Magic != chdMagic {
		return nil, ErrInvalidMagic
	}

	h.HeaderSize = binary.BigEndian.Uint32(prefix[8:12])
	remaining := int(h.HeaderSize) - len(prefix)
	if remaining <= 0 || h.HeaderSize > 4096 {
		return nil, fmt.Errorf("%w: header size %d", ErrInvalidHeader, h.HeaderSize)
	}

	buf := make([]byte, remaining)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	// buf starts at file offset 12; version first.
	h.Version = binary.BigEndian.Uint32(buf[0:4])

	var err error
	switch h.Version {
	case 5:
		err = h.parseV5(buf)
	case 4:
		err = h.parseV4(buf)
	case 3:
		err = h.parseV3(buf)
	default:
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, h.Version)
	}
	if err != nil {
		return nil, err
	}

	if h.HunkBytes == 0 {
		return nil, fmt.Errorf("%w: zero hunk size", ErrInvalidHeader)
	}

	return &h, nil
}

// parseV5 parses the V5 layout. Offsets are relative to buf, which begins
// at file offset 0x0c (the version field).
//
//	0x10 compressors[4]   0x20 logical bytes   0x28 map offset
//	0x30 meta offset      0x38 hunk bytes      0x3c unit bytes
//	0x40 raw SHA-1        0x54 SHA-1           0x68 parent SHA-1
func (h *Header) parseV5(buf []byte) error {
	if len(buf) < headerSizeV5-12 {
		return fmt.Errorf("%w: short V5 header", ErrInvalidHeader)
	}

	for i := range h.Compressors {
		h.Compressors[i] = binary.BigEndian.Uint32(buf[4+4*i:])
	}
	h.LogicalBytes = binary.BigEndian.Uint64(buf[20:28])
	h.MapOffset = binary.BigEndian.Uint64(buf[28:36])
	h.MetaOffset = binary.BigEndian.Uint64(buf[36:44])
	h.HunkBytes = binary.BigEndian.Uint32(buf[44:48])
	h.UnitBytes = binary.BigEndian.Uint32(buf[48:52])
	copy(h.RawSHA1[:], buf[52:72])
	copy(h.SHA1[:], buf[72:92])
	copy(h.ParentSHA1[:], buf[92:112])

	return nil
}

// parseV4 parses the V4 layout.
//
//	0x10 flags   0x14 compression   0x18 total hunks   0x1c logical bytes
//	0x24 meta offset   0x2c hunk bytes   0x30 SHA-1   0x44 parent SHA-1
//	0x58 raw SHA-1
func (h *Header) parseV4(buf []byte) error {
	if len(buf) < headerSizeV4-12 {
		return fmt.Errorf("%w: short V4 header", ErrInvalidHeader)
	}

	h.Flags = binary.BigEndian.Uint32(buf[4:8])
	h.Compression = binary.BigEndian.Uint32(buf[8:12])
	h.TotalHunks = binary.BigEndian.Uint32(buf[12:16])
	h.LogicalBytes = binary.BigEndian.Uint64(buf[16:24])
	h.MetaOffset = binary.BigEndian.Uint64(buf[24:32])
	h.HunkBytes = binary.BigEndian.Uint32(buf[32:36])
	copy(h.SHA1[:], buf[36:56])
	copy(h.ParentSHA1[:], buf[56:76])
	copy(h.RawSHA1[:], buf[76:96])

	// V4 records no unit size and stores the map right after the header.
	h.UnitBytes = defaultUnitBytes
	h.MapOffset = uint64(h.HeaderSize)

	return nil
}

// parseV3 parses the V3 layout. The MD5 fields at 0x2c/0x3c are skipped.
//
//	0x10 flags   0x14 compression   0x18 total hunks   0x1c logical bytes
//	0x24 meta offset   0x4c hunk bytes   0x50 SHA-1   0x64 parent SHA-1
func (h *Header) parseV3(buf []byte) error {
	if len(buf) < headerSizeV3-12 {
		return fmt.Errorf("%w: short V3 header", ErrInvalidHeader)
	}

	h.Flags = binary.BigEndian.Uint32(buf[4:8])
	h.Compression = binary.BigEndian.Uint32(buf[8:12])
	h.TotalHunks = binary.BigEndian.Uint32(buf[12:16])
	h.LogicalBytes = binary.BigEndian.Uint64(buf[16:24])
	h.MetaOffset = binary.BigEndian.Uint64(buf[24:32])
	h.HunkBytes = binary.BigEndian.Uint32(buf[64:68])
	copy(h.SHA1[:], buf[68:88])
	copy(h.ParentSHA1[:], buf[88:108])

	h.UnitBytes = defaultUnitBytes
	h.MapOffset = uint64(h.HeaderSize)

	return nil
}

// NumHunks returns the number of hunks in the file.
func (h *Header) NumHunks() uint32 {
	if h.TotalHunks > 0 {
		return h.TotalHunks
	}
	if h.HunkBytes == 0 {
		return 0
	}
	return uint32((h.LogicalBytes + uint64(h.HunkBytes) - 1) / uint64(h.HunkBytes))
}

// IsCompressed reports whether the file uses any compression.
func (h *Header) IsCompressed() bool {
	if h.Version == 5 {
		return h.Compressors[0] != CodecNone
	}
	return h.Compression != 0
}

// HasParent reports whether the file is a delta against a parent CHD.
func (h *Header) HasParent() bool {
	return h.ParentSHA1 != [20]byte{}
}
