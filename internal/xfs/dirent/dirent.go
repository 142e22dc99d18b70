// Package dirent implements the directory codec (C5): encode/decode for
// the four on-disk directory layouts (shortform, block, leaf, node) and
// the bestfree free-space table, grounded in the same field-by-field
// binary.Read style the teacher uses to decode its Superblock and Inode.
package dirent

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/xfsrepair/xfsrepair-core/internal/xfs/geometry"
)

// Sentinel values carried across phases (§9 Design Notes): preserved
// verbatim rather than replaced with an in-band tombstone.
const (
	// NullFSIno marks a parent pointer with no valid target.
	NullFSIno uint64 = ^uint64(0)
	// DataFree marks a free data-block region in the inumber slot.
	DataFree uint16 = 0xFFFF
	// RemovedNameByte is written over a condemned data-entry's first
	// name byte; the rebuild phase recognises it as a tombstone.
	RemovedNameByte = '/'
)

// embeddable is the largest inode number that fits the shortform
// 4-byte encoding; above this, entries must carry an 8-byte ino.
const embeddable = 1<<32 - 1

// Magic numbers for the v2/v3 block classes (§6).
const (
	DataMagicV2 uint32 = 0x58443244 // "XD2D"
	DataMagicV3 uint32 = 0x58444233 // "XDB3"
	LeafMagicV2 uint16 = 0xD2F1
	LeafMagicV3 uint16 = 0x3DF1
	NodeMagicV2 uint16 = 0xFEBE
	NodeMagicV3 uint16 = 0x3DE2
)

// ShortformHeader is the fixed prefix of a shortform directory fork.
type ShortformHeader struct {
	Count   uint8
	I8Count uint8
	Parent  uint64
}

// ShortformEntry is one decoded shortform directory entry.
type ShortformEntry struct {
	Namelen uint8
	Offset  uint16
	Name    []byte
	Ino     uint64
}

// sfEntrySize returns the on-disk byte size of an entry with the given
// name length, under the fork-wide ino width: every entry in a
// shortform fork is the same width, chosen once for the whole fork by
// hdr.I8Count, not per entry.
func sfEntrySize(namelen uint8, wide bool) int {
	inoSize := 4
	if wide {
		inoSize = 8
	}
	return 1 + 2 + int(namelen) + inoSize
}

// DecodeShortform parses a shortform fork. The header's count bounds
// the number of entries read, and decoding also stops early when the
// fork is exhausted, whichever of the two comes first.
func DecodeShortform(fork []byte) (ShortformHeader, []ShortformEntry, error) {
	if len(fork) < 2 {
		return ShortformHeader{}, nil, geometry.ErrShortBuffer
	}
	var hdr ShortformHeader
	hdr.Count = fork[0]
	hdr.I8Count = fork[1]
	off := 2
	parentSize := 4
	if hdr.I8Count > 0 {
		parentSize = 8
	}
	if off+parentSize > len(fork) {
		return hdr, nil, geometry.ErrShortBuffer
	}
	if parentSize == 8 {
		hdr.Parent = geometry.Order.Uint64(fork[off:])
	} else {
		hdr.Parent = uint64(geometry.Order.Uint32(fork[off:]))
	}
	off += parentSize

	entries := make([]ShortformEntry, 0, hdr.Count)
	for i := 0; i < int(hdr.Count) && off < len(fork); i++ {
		if off+3 > len(fork) {
			break
		}
		var e ShortformEntry
		e.Namelen = fork[off]
		e.Offset = geometry.Order.Uint16(fork[off+1:])
		off += 3
		if off+int(e.Namelen) > len(fork) {
			break
		}
		e.Name = fork[off : off+int(e.Namelen)]
		off += int(e.Namelen)

		// ino width is a whole-fork property: every entry is read 8
		// bytes wide when hdr.I8Count > 0, otherwise 4 bytes wide.
		if off+8 <= len(fork) && hdr.I8Count > 0 {
			e.Ino = geometry.Order.Uint64(fork[off:])
			off += 8
		} else if off+4 <= len(fork) {
			e.Ino = uint64(geometry.Order.Uint32(fork[off:]))
			off += 4
		} else {
			break
		}
		entries = append(entries, e)
	}
	return hdr, entries, nil
}

// EncodeShortform serializes hdr and entries back into a fork buffer.
func EncodeShortform(hdr ShortformHeader, entries []ShortformEntry) []byte {
	var buf bytes.Buffer
	buf.WriteByte(hdr.Count)
	buf.WriteByte(hdr.I8Count)
	if hdr.I8Count > 0 {
		var b [8]byte
		geometry.Order.PutUint64(b[:], hdr.Parent)
		buf.Write(b[:])
	} else {
		var b [4]byte
		geometry.Order.PutUint32(b[:], uint32(hdr.Parent))
		buf.Write(b[:])
	}
	// Ino width is a whole-fork property, not a per-entry one: when any
	// entry needs 8 bytes, every entry's ino is written 8-byte wide, so
	// DecodeShortform's single hdr.I8Count check can recover all offsets.
	wide := hdr.I8Count > 0
	for _, e := range entries {
		buf.WriteByte(e.Namelen)
		var off [2]byte
		geometry.Order.PutUint16(off[:], e.Offset)
		buf.Write(off[:])
		buf.Write(e.Name)
		if wide {
			var b [8]byte
			geometry.Order.PutUint64(b[:], e.Ino)
			buf.Write(b[:])
		} else {
			var b [4]byte
			geometry.Order.PutUint32(b[:], uint32(e.Ino))
			buf.Write(b[:])
		}
	}
	return buf.Bytes()
}

// EntrySize returns e's on-disk size under the fork-wide ino width wide,
// for di_size bookkeeping.
func EntrySize(e ShortformEntry, wide bool) int {
	return sfEntrySize(e.Namelen, wide)
}

// FixI8 shrinks 8-byte ino fields back to 4 bytes when every entry's
// inode number is below the embeddable limit, and recomputes I8Count.
func FixI8(hdr *ShortformHeader, entries []ShortformEntry) {
	i8 := 0
	for _, e := range entries {
		if e.Ino > embeddable {
			i8++
		}
	}
	hdr.I8Count = uint8(i8)
}

// DataFirstOffset is the first valid byte offset for a shortform entry
// following the header, matching the on-disk constant used by
// FixOffsets.
const DataFirstOffset = 0

// FixOffsets regenerates monotonically increasing shortform offsets
// starting at DataFirstOffset, each advancing by the entry's full
// on-disk size under the fork-wide ino width wide.
func FixOffsets(entries []ShortformEntry, wide bool) {
	off := uint16(DataFirstOffset)
	for i := range entries {
		entries[i].Offset = off
		off += uint16(EntrySize(entries[i], wide))
	}
}

// Bestfree is one slot of the per-data-block free-space table.
type Bestfree struct {
	Offset uint16
	Length uint16
}

// FreeRegion is one free region found during a forward walk of a data
// block, used by DataFreescan.
type FreeRegion struct {
	Offset uint16
	Length uint16
}

// DataFreescan recomputes bestfree by a single forward walk of regions,
// keeping the three largest (ties broken by earliest offset), matching
// property P6.
func DataFreescan(regions []FreeRegion) [3]Bestfree {
	sorted := make([]FreeRegion, len(regions))
	copy(sorted, regions)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Length != sorted[j].Length {
			return sorted[i].Length > sorted[j].Length
		}
		return sorted[i].Offset < sorted[j].Offset
	})
	var best [3]Bestfree
	for i := 0; i < 3 && i < len(sorted); i++ {
		best[i] = Bestfree{Offset: sorted[i].Offset, Length: sorted[i].Length}
	}
	return best
}

// BestfreeMonotonic reports whether best satisfies
// best[0].Length >= best[1].Length >= best[2].Length (P6).
func BestfreeMonotonic(best [3]Bestfree) bool {
	return best[0].Length >= best[1].Length && best[1].Length >= best[2].Length
}

// DataEntry is one decoded directory-data entry or free-region marker.
type DataEntry struct {
	Offset  uint16 // this entry's own offset from block start
	Free    bool
	Length  uint16 // meaningful when Free
	Inumber uint64
	Namelen uint8
	Name    []byte
	Tag     uint16 // must equal Offset
}

// DecodeDataBlockHeader reads the v2/v3 block header and bestfree
// table. v3 is distinguished by the caller, which knows the
// filesystem's feature bits; headerSize is 4+3*4 for v2 and adds the
// 56-byte v3 prefix.
func DecodeDataBlockHeader(buf []byte, v3 bool) (magic uint32, best [3]Bestfree, headerSize int, err error) {
	r := bytes.NewReader(buf)
	prefixSize := 0
	if v3 {
		prefixSize = 56
		if len(buf) < prefixSize {
			return 0, best, 0, geometry.ErrShortBuffer
		}
		if _, err = r.Seek(int64(prefixSize), 0); err != nil {
			return 0, best, 0, err
		}
	}
	if err = binary.Read(r, geometry.Order, &magic); err != nil {
		return 0, best, 0, err
	}
	if magic != DataMagicV2 && magic != DataMagicV3 {
		return magic, best, 0, geometry.ErrBadMagic
	}
	for i := range best {
		if err = binary.Read(r, geometry.Order, &best[i].Offset); err != nil {
			return magic, best, 0, err
		}
		if err = binary.Read(r, geometry.Order, &best[i].Length); err != nil {
			return magic, best, 0, err
		}
	}
	headerSize = prefixSize + 4 + 3*4
	return magic, best, headerSize, nil
}

// BlockTail is the inline tail at the end of a single-block directory,
// holding the leaf-entry count/stale count; the leaf-entry array itself
// grows downward from the block's end, immediately before this tail.
type BlockTail struct {
	Count uint32
	Stale uint32
}

// DecodeBlockTail reads the tail from the last 8 bytes of a block.
func DecodeBlockTail(block []byte) BlockTail {
	n := len(block)
	return BlockTail{
		Count: geometry.Order.Uint32(block[n-8:]),
		Stale: geometry.Order.Uint32(block[n-4:]),
	}
}

// LeafEntry is one hash/address pair in a leaf block's index.
type LeafEntry struct {
	Hashval uint32
	Address uint32
}

const NullDataptr uint32 = 0

// LeafHeader is the fixed header of a leaf block.
type LeafHeader struct {
	Magic uint16
	Forw  uint32
	Back  uint32
	Count uint16
	Stale uint16
}

// BtreeEntry is one (hashval, before) pair of an interior node block.
type BtreeEntry struct {
	Hashval uint32
	Before  uint32
}

// NodeHeader is the fixed header of an interior B+tree node block.
type NodeHeader struct {
	Magic uint16
	Forw  uint32
	Back  uint32
	Count uint16
	Level uint16
}
