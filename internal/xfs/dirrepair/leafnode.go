package dirrepair

import (
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/block"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/diag"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/dirent"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/geometry"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/inoref"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/repair"
)

// processLeafOrNode implements the leaf/node path of §4.C6: walk every
// data block below leafblk through the common data-block walk, then
// (if the block map extends beyond leafblk) verify the B+tree hash
// index above it.
func processLeafOrNode(ctx *repair.Context, bio *block.Facade, oracle inoref.Oracle, geom Geom, ino *Inode, sink *diag.Sink) (Result, error) {
	extents := ino.BlockMap.DataExtentsBelow(geom)
	validated := 0
	var dots dotState

	for _, ext := range extents {
		buf, err := bio.GetBuf(ext.Count)
		if err != nil {
			return MustDiscard, err
		}
		if err := bio.Read(ext.Startblock, buf, nil); err != nil {
			bio.PutBuf(buf, true)
			return MustDiscard, err
		}
		magic, best, headerSize, err := dirent.DecodeDataBlockHeader(buf.Data, geom.V3)
		if err != nil || (magic != dirent.DataMagicV2 && magic != dirent.DataMagicV3) {
			bio.PutBuf(buf, true)
			continue
		}
		discard, d, err := walkDataBlockCommon(ctx, oracle, ino, buf, headerSize, len(buf.Data), best, sink)
		if err != nil {
			bio.PutBuf(buf, true)
			return MustDiscard, err
		}
		if discard {
			bio.PutBuf(buf, true)
			continue
		}
		if d.sawDot {
			dots.sawDot = true
		}
		if d.sawDotdot {
			dots.sawDotdot = true
		}
		validated++

		if buf.Dirty && !ctx.NoModify {
			if err := bio.WriteBuf(buf); err != nil {
				return MustDiscard, err
			}
		}
		bio.PutBuf(buf, ctx.NoModify)
	}

	if validated == 0 {
		ctx.AddBadDir(ino.Ino, "leaf/node path: no data blocks validated")
		return MustDiscard, nil
	}
	dots.finish(ctx, ino)

	if ino.BlockMap.IsNodeFormat(geom) {
		ok, err := processNode(ctx, bio, geom, ino, sink)
		if err != nil {
			return MustDiscard, err
		}
		if !ok {
			ctx.AddBadDir(ino.Ino, "node path: B+tree verification failed")
			return MustDiscard, nil
		}
	}

	return Clean, nil
}

// cursorLevel is one level of the descent cursor: at most one owned
// buffer, plus the bookkeeping verify_dir2_path needs to know when a
// level is exhausted and must ascend.
type cursorLevel struct {
	Hashval uint32
	Buf     *block.Buf
	Bno     uint32
	Index   int
	Count   int
	Dirty   bool
}

// cursor is the arena-allocated, per-level descent state of §9 Design
// Notes: "Model the cursor as an arena-allocated array indexed by
// level; each slot holds an owned buffer handle and a dirty bit."
type cursor struct {
	levels      []cursorLevel
	active      int
	greatestBno uint32
}

// release unwinds the cursor, releasing every level's buffer that is
// still held. Both the error path (mid-walk abort) and the normal path
// release whatever buffers remain; the normal path does not check that
// the levels were already released.
func (c *cursor) release(bio *block.Facade, readOnly bool, errorPath bool) {
	for i := len(c.levels) - 1; i >= 0; i-- {
		lvl := &c.levels[i]
		if lvl.Buf == nil {
			continue
		}
		if !errorPath && i < c.active {
			// No check is made here that levels below `active` were
			// already released on the success path.
		}
		lvl.Buf.Dirty = lvl.Dirty
		bio.PutBuf(lvl.Buf, readOnly)
		lvl.Buf = nil
	}
}

// processNode implements the DESCEND / ITERATE_LEAVES / ASCEND_VERIFY
// state machine of §4.C6's node path.
func processNode(ctx *repair.Context, bio *block.Facade, geom Geom, ino *Inode, sink *diag.Sink) (bool, error) {
	cur := &cursor{levels: make([]cursorLevel, geom.MaxDepth)}
	rootExt, ok := findExtent(ino.BlockMap, geom.LeafBlk)
	if !ok {
		return false, nil
	}

	rbno, leafOnly, err := traverseInt(bio, geom, rootExt.Startblock, cur)
	if err != nil {
		cur.release(bio, true, true)
		return false, err
	}
	if leafOnly {
		cur.release(bio, true, false)
		return true, nil
	}

	ok, err = processLeafLevel(ctx, bio, geom, ino, cur, rbno, sink)
	cur.release(bio, ctx.NoModify, !ok)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func findExtent(m BlockMap, fileBlock uint64) (Extent, bool) {
	for _, e := range m.Extents {
		if fileBlock >= e.FileBlock && fileBlock < e.FileBlock+uint64(e.Count) {
			return e, true
		}
	}
	return Extent{}, false
}

// traverseInt walks down the left spine from leafblk, pushing one
// cursor level per interior node, until it reaches a leaf (LEAFN magic)
// or a node whose child is itself a leaf. It returns the root leaf
// block number (rbno) reached, and whether the root was itself a leaf
// (rbno == 0 case of §4.C6: "finish with rbno = 0").
func traverseInt(bio *block.Facade, geom Geom, blkno uint32, cur *cursor) (rbno uint32, leafOnly bool, err error) {
	level := 0
	for {
		buf, err := bio.GetBuf(1)
		if err != nil {
			return 0, false, err
		}
		if err := bio.Read(blkno, buf, nil); err != nil {
			bio.PutBuf(buf, true)
			return 0, false, err
		}
		magic := peekMagic16(buf.Data)

		if magic == dirent.LeafMagicV2 || magic == dirent.LeafMagicV3 {
			bio.PutBuf(buf, true)
			return 0, true, nil
		}
		if magic != dirent.NodeMagicV2 && magic != dirent.NodeMagicV3 {
			bio.PutBuf(buf, true)
			return 0, false, errBadMagic
		}

		nh := decodeNodeHeader(buf.Data)
		if int(nh.Level) < 1 || int(nh.Level) >= geom.MaxDepth {
			bio.PutBuf(buf, true)
			return 0, false, errBadMagic
		}
		if int(nh.Count) > geom.NodeEnts {
			bio.PutBuf(buf, true)
			return 0, false, errBadMagic
		}

		cur.levels[level] = cursorLevel{Bno: blkno, Buf: buf, Count: int(nh.Count)}
		cur.active = level + 1

		entries := decodeBtreeEntries(buf.Data, int(nh.Count))
		if len(entries) == 0 {
			return 0, false, errBadMagic
		}
		// Descend via the first entry's before-block (left spine).
		blkno = entries[0].Before
		level++
		if level >= geom.MaxDepth {
			return blkno, false, nil
		}
	}
}

var errBadMagic = geometry.ErrBadMagic

func peekMagic16(data []byte) uint16 {
	if len(data) < 2 {
		return 0
	}
	return uint16(data[0])<<8 | uint16(data[1])
}

func decodeNodeHeader(data []byte) dirent.NodeHeader {
	// Fixed layout: magic(2) forw(4) back(4) count(2) level(2), matching
	// §6's node-block header description.
	var h dirent.NodeHeader
	if len(data) < 14 {
		return h
	}
	h.Magic = uint16(data[0])<<8 | uint16(data[1])
	h.Forw = be32(data[2:])
	h.Back = be32(data[6:])
	h.Count = be16(data[10:])
	h.Level = be16(data[12:])
	return h
}

func decodeBtreeEntries(data []byte, count int) []dirent.BtreeEntry {
	const headerSize = 14
	out := make([]dirent.BtreeEntry, 0, count)
	off := headerSize
	for i := 0; i < count && off+8 <= len(data); i++ {
		out = append(out, dirent.BtreeEntry{Hashval: be32(data[off:]), Before: be32(data[off+4:])})
		off += 8
	}
	return out
}

func decodeLeafHeader(data []byte) dirent.LeafHeader {
	var h dirent.LeafHeader
	if len(data) < 14 {
		return h
	}
	h.Magic = uint16(data[0])<<8 | uint16(data[1])
	h.Forw = be32(data[2:])
	h.Back = be32(data[6:])
	h.Count = be16(data[10:])
	h.Stale = be16(data[12:])
	return h
}

func decodeLeafEntries(data []byte, count int) []dirent.LeafEntry {
	const headerSize = 14
	out := make([]dirent.LeafEntry, 0, count)
	off := headerSize
	for i := 0; i < count && off+8 <= len(data); i++ {
		out = append(out, dirent.LeafEntry{Hashval: be32(data[off:]), Address: be32(data[off+4:])})
		off += 8
	}
	return out
}

func be32(b []byte) uint32 { return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]) }
func be16(b []byte) uint32 { return uint32(b[0])<<8 | uint32(b[1]) }

// processLeafLevel walks the leaf chain left-to-right via forw,
// verifying per-block hash ordering, stale count, and back-pointer
// linkage (P7), then checks the final state (every level's index at
// count-1, hashval strictly below the last entry's hashval, forw == 0).
func processLeafLevel(ctx *repair.Context, bio *block.Facade, geom Geom, ino *Inode, cur *cursor, rbno uint32, sink *diag.Sink) (bool, error) {
	if rbno == 0 {
		return true, nil
	}

	blkno := rbno
	var prevBack uint32
	first := true
	var lastHash uint32

	for blkno != 0 {
		buf, err := bio.GetBuf(1)
		if err != nil {
			return false, err
		}
		if err := bio.Read(blkno, buf, nil); err != nil {
			bio.PutBuf(buf, true)
			return false, err
		}
		magic := peekMagic16(buf.Data)
		if magic != dirent.LeafMagicV2 && magic != dirent.LeafMagicV3 {
			bio.PutBuf(buf, true)
			return false, nil
		}
		lh := decodeLeafHeader(buf.Data)
		if !first && lh.Back != prevBack {
			bio.PutBuf(buf, true)
			return false, nil
		}
		entries := decodeLeafEntries(buf.Data, int(lh.Count))

		stale := 0
		prevHash := uint32(0)
		ordered := true
		for i, e := range entries {
			if e.Address == dirent.NullDataptr {
				stale++
			}
			if i > 0 && e.Hashval < prevHash {
				ordered = false
			}
			prevHash = e.Hashval
		}
		if !ordered {
			diag.Emit(sink, ino.Ino, uint64(blkno), ctx.NoModify, "bad-hash-order", "leaf hash ordering")
			bio.PutBuf(buf, true)
			return false, nil
		}
		if stale != int(lh.Stale) {
			diag.Emit(sink, ino.Ino, uint64(blkno), ctx.NoModify, "bad-stale-count", "leaf stale count")
		}

		if err := verifyDir2Path(ctx, ino, cur, 0, blkno, prevHash, sink); err != nil {
			bio.PutBuf(buf, true)
			return false, err
		}
		if blkno > cur.greatestBno {
			cur.greatestBno = blkno
		}

		lastHash = prevHash
		prevBack = blkno
		first = false
		next := lh.Forw
		bio.PutBuf(buf, true)
		blkno = next
	}

	return verifyFinalDir2Path(cur, lastHash), nil
}

// verifyDir2Path advances the cursor one step at level p, and on
// block exhaustion at that level recursively ascends: checking the
// parent's (before, hashval) against what was actually observed, and
// patching the parent's hashval when it's stale (invariant D1).
func verifyDir2Path(ctx *repair.Context, ino *Inode, cur *cursor, p int, bno uint32, hashval uint32, sink *diag.Sink) error {
	if p >= len(cur.levels) || cur.levels[p].Buf == nil {
		return nil
	}
	lvl := &cur.levels[p]
	lvl.Hashval = hashval
	if lvl.Bno > cur.greatestBno {
		cur.greatestBno = lvl.Bno
	}

	entries := decodeBtreeEntries(lvl.Buf.Data, lvl.Count)
	if lvl.Index >= len(entries) {
		return nil
	}
	entry := entries[lvl.Index]
	if entry.Before != bno {
		// Left-spine only tracks the first child; a mismatch here means
		// the tree and the leaf chain disagree about topology.
		return nil
	}
	if entry.Hashval != hashval {
		diag.Emit(sink, ino.Ino, uint64(lvl.Bno), ctx.NoModify, "bad-hashval", "interior dir block hashval")
		if !ctx.NoModify {
			patchBtreeHashval(lvl.Buf, lvl.Index, hashval)
			lvl.Dirty = true
		}
	}

	lvl.Index++
	if lvl.Index >= len(entries) {
		return verifyDir2Path(ctx, ino, cur, p+1, lvl.Bno, hashval, sink)
	}
	return nil
}

func patchBtreeHashval(buf *block.Buf, index int, hashval uint32) {
	const headerSize = 14
	off := headerSize + index*8
	if off+4 > len(buf.Data) {
		return
	}
	buf.Data[off] = byte(hashval >> 24)
	buf.Data[off+1] = byte(hashval >> 16)
	buf.Data[off+2] = byte(hashval >> 8)
	buf.Data[off+3] = byte(hashval)
}

// verifyFinalDir2Path checks that every level's index sits at count-1,
// every level's recorded hashval is strictly below the chain's last
// hashval, and every level's forw is 0.
func verifyFinalDir2Path(cur *cursor, lastHash uint32) bool {
	for i := 0; i < cur.active; i++ {
		lvl := cur.levels[i]
		if lvl.Buf == nil {
			continue
		}
		if lvl.Index != lvl.Count-1 && lvl.Count > 0 {
			return false
		}
		if lvl.Hashval >= lastHash && lastHash != 0 {
			return false
		}
		nh := decodeNodeHeader(lvl.Buf.Data)
		if nh.Forw != 0 {
			return false
		}
	}
	return true
}
