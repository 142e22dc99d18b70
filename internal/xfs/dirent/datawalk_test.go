package dirent

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xfsrepair/xfsrepair-core/internal/xfs/geometry"
)

// writeEntry writes one directory entry (ino, name) at off, padded
// to an 8-byte boundary, tagged correctly, and returns the size used.
func writeEntry(block []byte, off int, ino uint64, name string) int {
	geometry.Order.PutUint64(block[off:], ino)
	block[off+8] = byte(len(name))
	copy(block[off+9:], name)
	tagOff := off + 9 + len(name)
	geometry.Order.PutUint16(block[tagOff:], uint16(off))
	return roundUp8(tagOff + 2 - off)
}

func writeFree(block []byte, off int, length uint16) {
	geometry.Order.PutUint16(block[off:], DataFree)
	geometry.Order.PutUint16(block[off+2:], length)
	geometry.Order.PutUint16(block[off+int(length)-2:], uint16(off))
}

func TestWalkDataBlockMixedEntries(t *testing.T) {
	block := make([]byte, 128)
	off := 16
	off += writeEntry(block, off, 100, "one")
	writeFree(block, off, 8)
	off += 8
	off += writeEntry(block, off, 101, "two")

	entries, err := WalkDataBlock(block, 16, off)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.False(t, entries[0].Free)
	require.Equal(t, "one", string(entries[0].Name))
	require.True(t, entries[1].Free)
	require.Equal(t, uint16(8), entries[1].Length)
	require.False(t, entries[2].Free)
	require.Equal(t, "two", string(entries[2].Name))
}

func TestWalkDataBlockTagMismatch(t *testing.T) {
	block := make([]byte, 64)
	off := 16
	writeEntry(block, off, 5, "x")
	// Corrupt the tag.
	geometry.Order.PutUint16(block[off+9+1:], 0xBEEF)

	_, err := WalkDataBlock(block, 16, off+16)
	require.Error(t, err)
}

func TestWalkDataBlockMisalignedFree(t *testing.T) {
	block := make([]byte, 64)
	off := 16
	geometry.Order.PutUint16(block[off:], DataFree)
	geometry.Order.PutUint16(block[off+2:], 5) // not a multiple of 8

	_, err := WalkDataBlock(block, 16, off+8)
	require.Error(t, err)
}

func TestMatchBestfreeExactMatch(t *testing.T) {
	entries := []DataEntry{
		{Offset: 10, Free: true, Length: 40},
		{Offset: 60, Free: true, Length: 16},
	}
	best := [3]Bestfree{{Offset: 10, Length: 40}, {Offset: 60, Length: 16}, {Length: 0}}
	require.True(t, MatchBestfree(entries, best))
}

func TestMatchBestfreeMissingEntry(t *testing.T) {
	entries := []DataEntry{{Offset: 10, Free: true, Length: 40}}
	best := [3]Bestfree{{Offset: 99, Length: 40}, {}, {}}
	require.False(t, MatchBestfree(entries, best))
}

func TestMatchBestfreeNotMonotonic(t *testing.T) {
	best := [3]Bestfree{{Length: 8}, {Length: 40}, {Length: 0}}
	require.False(t, MatchBestfree(nil, best))
}
