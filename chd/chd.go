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

// Package chd reads MAME CHD (Compressed Hunks of Data) disc images.
//
// A CHD file stores a disc's raw data as fixed-size hunks, each
// compressed with one of up to four codecs named in the header. This
// package parses V3 through V5 headers, decodes the hunk map, walks the
// metadata chain for CD track layout, and exposes the uncompressed data
// either hunk by hunk or through a seekable Reader over the logical
// byte stream. Delta CHDs are supported by opening the parent alongside.
package chd

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"os"
)

// File is an open CHD image.
type File struct {
	closer  io.Closer
	header  *Header
	hunkMap *HunkMap
	tracks  []Track
	parent  *File
}

// Open opens the CHD file at path.
func Open(path string) (*File, error) {
	return OpenWithParent(path, "")
}

// OpenWithParent opens a delta CHD together with its parent image.
// parentPath may be empty for standalone files.
func OpenWithParent(path, parentPath string) (*File, error) {
	var parent *File
	if parentPath != "" {
		var err error
		parent, err = Open(parentPath)
		if err != nil {
			return nil, fmt.Errorf("open parent: %w", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		if parent != nil {
			parent.Close()
		}
		return nil, err
	}

	chd, err := newFile(f, parent)
	if err != nil {
		f.Close()
		if parent != nil {
			parent.Close()
		}
		return nil, err
	}
	chd.closer = f
	if parent != nil {
		// The parent is closed with the child.
		chd.closer = multiCloser{f, parent}
	}
	return chd, nil
}

// OpenReader opens a CHD image from an in-memory or otherwise seekable
// source. The reader must stay valid for the lifetime of the File.
func OpenReader(r io.ReaderAt) (*File, error) {
	return newFile(r, nil)
}

// OpenReaderWithParent is OpenReader for delta CHDs.
func OpenReaderWithParent(r io.ReaderAt, parent *File) (*File, error) {
	return newFile(r, parent)
}

func newFile(r io.ReaderAt, parent *File) (*File, error) {
	header, err := parseHeader(io.NewSectionReader(r, 0, 4096))
	if err != nil {
		return nil, err
	}

	if header.HasParent() && parent == nil {
		return nil, fmt.Errorf("%w: image is a delta CHD", ErrNoParent)
	}
	if parent != nil && header.HasParent() {
		if !bytes.Equal(header.ParentSHA1[:], parent.header.RawSHA1[:]) &&
			!bytes.Equal(header.ParentSHA1[:], parent.header.SHA1[:]) {
			return nil, fmt.Errorf("%w: parent SHA-1 mismatch", ErrInvalidHeader)
		}
	}

	var parentMap *HunkMap
	if parent != nil {
		parentMap = parent.hunkMap
	}

	hunkMap, err := NewHunkMap(r, header, parentMap)
	if err != nil {
		return nil, err
	}

	f := &File{
		header:  header,
		hunkMap: hunkMap,
		parent:  parent,
	}

	if header.MetaOffset != 0 {
		entries, err := readMetadata(r, header)
		if err != nil {
			return nil, err
		}
		tracks, err := parseTracks(entries)
		if err != nil {
			return nil, err
		}
		f.tracks = tracks
	}

	return f, nil
}

// Close closes the underlying file, and the parent if Open opened one.
func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

// Header returns the parsed CHD header.
func (f *File) Header() *Header {
	return f.header
}

// Tracks returns the CD track table, or nil for non-CD images.
func (f *File) Tracks() []Track {
	return f.tracks
}

// Size returns the uncompressed size of the image in bytes.
func (f *File) Size() int64 {
	return int64(f.header.LogicalBytes)
}

// ReadHunk reads and decompresses the hunk at index. The returned slice
// is shared with an internal cache and must not be modified.
func (f *File) ReadHunk(index uint32) ([]byte, error) {
	return f.hunkMap.ReadHunk(index)
}

// Reader returns a seekable reader over the image's logical bytes.
// Multiple readers may be used, but not concurrently with one another.
func (f *File) Reader() *Reader {
	return &Reader{file: f}
}

// Verify decompresses the whole image and checks it against the raw
// SHA-1 recorded in the header. It returns ErrNoChecksum when the
// header carries no checksum and ErrCorruptData on mismatch.
func (f *File) Verify() error {
	if f.header.RawSHA1 == [20]byte{} {
		return ErrNoChecksum
	}

	h := sha1.New()
	if _, err := io.Copy(h, f.Reader()); err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	var sum [20]byte
	h.Sum(sum[:0])
	if sum != f.header.RawSHA1 {
		return fmt.Errorf("%w: SHA-1 mismatch (got %x, want %x)", ErrCorruptData, sum, f.header.RawSHA1)
	}
	return nil
}

// Reader reads the logical byte stream of a CHD image. It implements
// io.Reader, io.Seeker and io.ReaderAt on top of hunk reads.
type Reader struct {
	file *File
	pos  int64
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.ReadAt(p, r.pos)
	r.pos += int64(n)
	return n, err
}

func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrInvalidHunk)
	}
	size := r.file.Size()
	if off >= size {
		return 0, io.EOF
	}
	if remain := size - off; int64(len(p)) > remain {
		p = p[:remain]
	}

	hunkBytes := int64(r.file.header.HunkBytes)
	total := 0
	for total < len(p) {
		pos := off + int64(total)
		data, err := r.file.ReadHunk(uint32(pos / hunkBytes))
		if err != nil {
			return total, err
		}
		total += copy(p[total:], data[pos%hunkBytes:])
	}

	if off+int64(total) == size {
		return total, io.EOF
	}
	return total, nil
}

func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = r.pos + offset
	case io.SeekEnd:
		pos = r.file.Size() + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if pos < 0 {
		return 0, fmt.Errorf("negative seek position %d", pos)
	}
	r.pos = pos
	return pos, nil
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
