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

// errHuffmanInvalid reports a code length table that does not describe a
// prefix-free tree.
var errHuffmanInvalid = errors.New("invalid huffman tree description")

// bitReader reads MSB-first bits from a byte slice. Reads past the end
// of the data yield zero bits, matching MAME's bitstream behavior.
type bitReader struct {
	data   []byte
	offset int  // bit position in data
	acc    uint // bit accumulator
	avail  int  // bits available in acc
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

// read returns the next count bits (count <= 32).
func (br *bitReader) read(count int) uint32 {
	for br.avail < count {
		byteOff := br.offset / 8
		if byteOff < len(br.data) {
			br.acc = br.acc<<8 | uint(br.data[byteOff])
			br.offset += 8
		} else {
			br.acc <<= 8
		}
		br.avail += 8
	}

	br.avail -= count
	return uint32(br.acc >> br.avail & (1<<count - 1))
}

// huffmanDecoder decodes the canonical Huffman coding used by CHD V5
// hunk maps: an RLE-compressed table of code lengths followed by
// MAME-convention canonical code assignment (codes allocated from the
// longest length down).
type huffmanDecoder struct {
	lookup   []uint32
	codeLens []uint8
	numCodes int
	maxBits  int
}

func newHuffmanDecoder(numCodes, maxBits int) *huffmanDecoder {
	return &huffmanDecoder{
		numCodes: numCodes,
		maxBits:  maxBits,
		codeLens: make([]uint8, numCodes),
		lookup:   make([]uint32, 1<<maxBits),
	}
}

// importTreeRLE reads the RLE-encoded code length table from br and
// builds the decode lookup. In the RLE scheme a raw value of 1 escapes:
// a following 1 means a literal length of one, anything else is a length
// whose repeat count (minus 3) follows.
func (hd *huffmanDecoder) importTreeRLE(br *bitReader) error {
	var numBits int
	switch {
	case hd.maxBits >= 16:
		numBits = 5
	case hd.maxBits >= 8:
		numBits = 4
	default:
		numBits = 3
	}

	for node := 0; node < hd.numCodes; {
		v := br.read(numBits)
		if v != 1 {
			hd.codeLens[node] = uint8(v)
			node++
			continue
		}

		v = br.read(numBits)
		if v == 1 {
			hd.codeLens[node] = 1
			node++
			continue
		}

		repeat := int(br.read(numBits)) + 3
		for ; repeat > 0 && node < hd.numCodes; repeat-- {
			hd.codeLens[node] = uint8(v)
			node++
		}
	}

	return hd.buildLookup()
}

// buildLookup assigns canonical codes and fills the peek table. Start
// codes are computed per length from the longest length downward, which
// is MAME's assignment order (the reverse of RFC 1951).
func (hd *huffmanDecoder) buildLookup() error {
	var histo [33]uint32
	for _, l := range hd.codeLens {
		if int(l) > hd.maxBits {
			return errHuffmanInvalid
		}
		histo[l]++
	}

	var start uint32
	for length := 32; length > 0; length-- {
		next := (start + histo[length]) >> 1
		histo[length] = start
		start = next
	}

	codes := make([]uint32, hd.numCodes)
	for i, l := range hd.codeLens {
		if l > 0 {
			codes[i] = histo[l]
			histo[l]++
			if codes[i] >= 1<<l {
				return errHuffmanInvalid
			}
		}
	}

	for i, l := range hd.codeLens {
		if l == 0 {
			continue
		}
		// Entry packs (symbol << 5) | length; every peek value whose top
		// bits match the code maps to the same entry.
		entry := uint32(i)<<5 | uint32(l)
		shift := hd.maxBits - int(l)
		for p := codes[i] << shift; p < (codes[i]+1)<<shift; p++ {
			hd.lookup[p] = entry
		}
	}

	return nil
}

// decode reads one symbol from br.
func (hd *huffmanDecoder) decode(br *bitReader) uint8 {
	peek := br.read(hd.maxBits)
	entry := hd.lookup[peek]
	length := int(entry & 0x1f)

	// Return the bits the shorter code did not use.
	br.avail += hd.maxBits - length

	return uint8(entry >> 5)
}
