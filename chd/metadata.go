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
	"strconv"
	"strings"
)

// Metadata tags.
const (
	MetaTagCDTrack    = 0x43485452 // "CHTR" text CD track
	MetaTagCDTrack2   = 0x43485432 // "CHT2" text CD track with pregap/postgap
	MetaTagCDROMOld   = 0x43484344 // "CHCD" binary CD track table
	MetaTagGDROMTrack = 0x43484744 // "CHGD" GD-ROM track
)

// metadataEntry is one raw entry from the metadata chain.
type metadataEntry struct {
	tag  uint32
	data []byte
}

// Track describes one CD/GD-ROM track.
type Track struct {
	Number     int
	Type       string // "MODE1", "MODE2_RAW", "AUDIO", ...
	SubType    string // "RW", "RW_RAW", "NONE"
	DataSize   int    // bytes of sector data
	SubSize    int    // bytes of subchannel data
	Frames     int
	Pregap     int
	Postgap    int
	StartFrame int // absolute frame of the first sector, padding included
	PadFrames  int // frames of padding after this track
	PregapType string
	PregapSub  string
}

// readMetadata walks the metadata chain starting at MetaOffset and
// returns all entries. Each entry has a 16-byte header: tag, flags and a
// 24-bit length, then the offset of the next entry.
func readMetadata(r io.ReaderAt, h *Header) ([]metadataEntry, error) {
	var entries []metadataEntry
	offset := h.MetaOffset

	for offset != 0 {
		if len(entries) >= MaxMetadataEntries {
			return nil, fmt.Errorf("%w: metadata chain too long", ErrInvalidMetadata)
		}

		hdr := make([]byte, 16)
		if _, err := r.ReadAt(hdr, int64(offset)); err != nil {
			return nil, fmt.Errorf("read metadata header: %w", err)
		}

		tag := binary.BigEndian.Uint32(hdr[0:4])
		length := uint32(hdr[5])<<16 | uint32(hdr[6])<<8 | uint32(hdr[7])
		next := binary.BigEndian.Uint64(hdr[8:16])

		if length > MaxMetadataLen {
			return nil, fmt.Errorf("%w: metadata entry too large (%d)", ErrInvalidMetadata, length)
		}

		data := make([]byte, length)
		if _, err := r.ReadAt(data, int64(offset)+16); err != nil {
			return nil, fmt.Errorf("read metadata: %w", err)
		}

		entries = append(entries, metadataEntry{tag: tag, data: data})
		offset = next
	}

	return entries, nil
}

// parseTracks extracts the CD track table from the metadata entries.
// Track start frames are computed with MAME's 4-frame hunk padding: each
// track is padded so the next one starts on a 4-frame boundary.
func parseTracks(entries []metadataEntry) ([]Track, error) {
	var tracks []Track

	for _, e := range entries {
		var t Track
		var err error
		switch e.tag {
		case MetaTagCDTrack2, MetaTagGDROMTrack:
			t, err = parseTrackText(e.data, true)
		case MetaTagCDTrack:
			t, err = parseTrackText(e.data, false)
		case MetaTagCDROMOld:
			old, perr := parseTrackBinary(e.data)
			if perr != nil {
				return nil, perr
			}
			tracks = append(tracks, old...)
			continue
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}

	if len(tracks) > MaxNumTracks {
		return nil, fmt.Errorf("%w: too many tracks (%d)", ErrInvalidMetadata, len(tracks))
	}

	frame := 0
	for i := range tracks {
		tracks[i].StartFrame = frame
		frames := tracks[i].Frames
		pad := (4 - frames%4) % 4
		tracks[i].PadFrames = pad
		frame += frames + pad
	}

	return tracks, nil
}

// parseTrackText parses a CHTR/CHT2 metadata string, e.g.
//
//	TRACK:1 TYPE:MODE1 SUBTYPE:NONE FRAMES:1234 PREGAP:0 ...
//
// The pregap and postgap fields only exist in the extended (CHT2)
// format; in the old format they are ignored.
func parseTrackText(data []byte, extended bool) (Track, error) {
	var t Track
	t.PregapType = "MODE1"
	t.PregapSub = "NONE"

	text := strings.TrimRight(string(data), "\x00")
	for _, field := range strings.Fields(text) {
		key, value, ok := strings.Cut(field, ":")
		if !ok {
			return t, fmt.Errorf("%w: malformed track field %q", ErrInvalidMetadata, field)
		}

		switch key {
		case "TRACK":
			n, err := strconv.Atoi(value)
			if err != nil {
				return t, fmt.Errorf("%w: track number %q", ErrInvalidMetadata, value)
			}
			t.Number = n
		case "TYPE":
			t.Type = value
		case "SUBTYPE":
			t.SubType = value
		case "FRAMES":
			n, err := strconv.Atoi(value)
			if err != nil {
				return t, fmt.Errorf("%w: frame count %q", ErrInvalidMetadata, value)
			}
			t.Frames = n
		case "PREGAP":
			if extended {
				t.Pregap, _ = strconv.Atoi(value)
			}
		case "POSTGAP":
			if extended {
				t.Postgap, _ = strconv.Atoi(value)
			}
		case "PGTYPE":
			if extended {
				t.PregapType = value
			}
		case "PGSUB":
			if extended {
				t.PregapSub = value
			}
		}
	}

	if t.Number == 0 || t.Type == "" {
		return t, fmt.Errorf("%w: incomplete track entry", ErrInvalidMetadata)
	}

	t.DataSize = trackTypeToDataSize(t.Type)
	t.SubSize = subTypeToSize(t.SubType)
	if t.DataSize == 0 {
		return t, fmt.Errorf("%w: unknown track type %q", ErrInvalidMetadata, t.Type)
	}

	return t, nil
}

// parseTrackBinary parses the old CHCD binary track table: a 4-byte
// track count followed by 24-byte entries of big-endian u32 fields
// (type, subtype, data size, sub size, frames, extra frames).
func parseTrackBinary(data []byte) ([]Track, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: short CHCD table", ErrInvalidMetadata)
	}
	count := int(binary.BigEndian.Uint32(data[0:4]))
	if count > MaxNumTracks || len(data) < 4+24*count {
		return nil, fmt.Errorf("%w: CHCD table truncated", ErrInvalidMetadata)
	}

	tracks := make([]Track, 0, count)
	for i := 0; i < count; i++ {
		entry := data[4+24*i:]
		trkType := binary.BigEndian.Uint32(entry[0:4])
		subType := binary.BigEndian.Uint32(entry[4:8])

		t := Track{
			Number:     i + 1,
			Type:       cdTypeToString(trkType),
			SubType:    cdSubTypeToString(subType),
			DataSize:   int(binary.BigEndian.Uint32(entry[8:12])),
			SubSize:    int(binary.BigEndian.Uint32(entry[12:16])),
			Frames:     int(binary.BigEndian.Uint32(entry[16:20])),
			PregapType: "MODE1",
			PregapSub:  "NONE",
		}
		tracks = append(tracks, t)
	}

	return tracks, nil
}

func trackTypeToDataSize(t string) int {
	switch t {
	case "MODE1", "MODE1/2048", "MODE2_FORM1":
		return 2048
	case "MODE1_RAW", "MODE1/2352", "MODE2_RAW", "MODE2/2352", "AUDIO":
		return 2352
	case "MODE2", "MODE2/2336", "MODE2_FORM_MIX":
		return 2336
	case "MODE2_FORM2":
		return 2324
	default:
		return 0
	}
}

func subTypeToSize(s string) int {
	switch s {
	case "RW", "RW_RAW":
		return 96
	default:
		return 0
	}
}

func cdTypeToString(t uint32) string {
	switch t {
	case 0:
		return "MODE1"
	case 1:
		return "MODE1_RAW"
	case 2:
		return "MODE2"
	case 3:
		return "MODE2_FORM1"
	case 4:
		return "MODE2_FORM2"
	case 5:
		return "MODE2_FORM_MIX"
	case 6:
		return "MODE2_RAW"
	case 7:
		return "AUDIO"
	default:
		return "UNKNOWN"
	}
}

func cdSubTypeToString(s uint32) string {
	switch s {
	case 0:
		return "RW"
	case 1:
		return "RW_RAW"
	default:
		return "NONE"
	}
}

// IsDataTrack reports whether the track holds data rather than audio.
func (t *Track) IsDataTrack() bool {
	return t.Type != "AUDIO"
}

// SectorSize returns the stored size of one sector including subchannel.
func (t *Track) SectorSize() int {
	return t.DataSize + t.SubSize
}
