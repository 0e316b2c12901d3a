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

// Package archive reads disc images stored inside ZIP, 7z and RAR
// archives. Members are buffered in memory so that format parsers
// needing random access (io.ReaderAt) can work on compressed archives.
package archive

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// FileInfo describes one archive member.
type FileInfo struct {
	Name string // path within the archive
	Size int64  // uncompressed size
}

// Archive is read access to the members of an archive file.
type Archive interface {
	// List returns all regular-file members.
	List() ([]FileInfo, error)

	// Open opens a member for sequential reading and returns its
	// uncompressed size.
	Open(internalPath string) (io.ReadCloser, int64, error)

	// OpenReaderAt opens a member for random access. The member is
	// buffered in memory; the returned Closer releases the buffer.
	OpenReaderAt(internalPath string) (io.ReaderAt, int64, io.Closer, error)

	// Close closes the archive.
	Close() error
}

// Open opens an archive, choosing the backend by file extension.
func Open(path string) (Archive, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".zip":
		return OpenZIP(path)
	case ".7z":
		return OpenSevenZip(path)
	case ".rar":
		return OpenRAR(path)
	default:
		return nil, FormatError{Format: ext}
	}
}

// IsArchiveExtension reports whether ext names a supported archive format.
func IsArchiveExtension(ext string) bool {
	switch strings.ToLower(ext) {
	case ".zip", ".7z", ".rar":
		return true
	}
	return false
}

// FindImages returns the members with a disc-image extension (.chd).
func FindImages(arc Archive) ([]FileInfo, error) {
	files, err := arc.List()
	if err != nil {
		return nil, err
	}

	var images []FileInfo
	for _, f := range files {
		if strings.EqualFold(filepath.Ext(f.Name), ".chd") {
			images = append(images, f)
		}
	}
	return images, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// bufferMember slurps a member into memory for random access.
func bufferMember(arc Archive, internalPath string) (io.ReaderAt, int64, io.Closer, error) {
	rc, size, err := arc.Open(internalPath)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("open archive member: %w", err)
	}
	defer func() { _ = rc.Close() }()

	data := make([]byte, size)
	if _, err := io.ReadFull(rc, data); err != nil {
		return nil, 0, nil, fmt.Errorf("read archive member: %w", err)
	}

	return &byteReaderAt{data: data}, size, nopCloser{}, nil
}

type byteReaderAt struct {
	data []byte
}

func (br *byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset: %d", off)
	}
	if off >= int64(len(br.data)) {
		return 0, io.EOF
	}

	n := copy(p, br.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
