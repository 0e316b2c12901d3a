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

import "errors"

// Allocation limits to prevent runaway allocations from hostile files.
const (
	// MaxCompMapLen is the maximum compressed map size (100MB).
	MaxCompMapLen = 100 * 1024 * 1024

	// MaxNumHunks is the maximum number of hunks (10M = ~200GB uncompressed).
	MaxNumHunks = 10_000_000

	// MaxMetadataLen is the maximum metadata entry size (16MB, the 24-bit limit).
	MaxMetadataLen = 16 * 1024 * 1024

	// MaxNumTracks is the maximum number of CD tracks.
	MaxNumTracks = 200

	// MaxMetadataEntries is the maximum metadata chain length (prevents loops).
	MaxMetadataEntries = 1000
)

// Errors reported by this package.
var (
	// ErrInvalidMagic indicates the file does not start with the CHD magic word.
	ErrInvalidMagic = errors.New("invalid CHD magic: expected MComprHD")

	// ErrInvalidHeader indicates a malformed header structure.
	ErrInvalidHeader = errors.New("invalid CHD header")

	// ErrUnsupportedVersion indicates an unsupported CHD version.
	ErrUnsupportedVersion = errors.New("unsupported CHD version")

	// ErrUnsupportedCodec indicates an unknown compression codec tag.
	ErrUnsupportedCodec = errors.New("unsupported compression codec")

	// ErrCodecGeometry indicates a hunk size incompatible with a codec's
	// fixed frame geometry. Detected at codec construction, never mid-stream.
	ErrCodecGeometry = errors.New("hunk size incompatible with codec")

	// ErrDecompressFailed indicates a malformed or truncated compressed
	// stream, or one that produced less output than required. The contents
	// of the output buffer are undefined after this error.
	ErrDecompressFailed = errors.New("decompression failed")

	// ErrInvalidHunk indicates an out-of-range hunk index.
	ErrInvalidHunk = errors.New("invalid hunk index")

	// ErrCorruptData indicates a checksum mismatch.
	ErrCorruptData = errors.New("data corruption detected")

	// ErrInvalidMetadata indicates a malformed metadata chain.
	ErrInvalidMetadata = errors.New("invalid metadata format")

	// ErrNoParent indicates a hunk references a parent CHD but the file
	// was opened without one.
	ErrNoParent = errors.New("hunk references a parent CHD but none was provided")

	// ErrNoChecksum indicates the header carries no raw-data checksum to
	// verify against.
	ErrNoChecksum = errors.New("header carries no raw data checksum")
)
