package dirrepair

import (
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/block"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/diag"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/dirent"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/geometry"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/inoref"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/repair"
)

// processBlock implements the "block" format path of §4.C6: a single
// data block carrying entries, bestfree table, tail, and inline leaf
// index. The leaf-entry array grows down from the block end, so the
// data walk is clamped to stop before it.
func processBlock(ctx *repair.Context, bio *block.Facade, oracle inoref.Oracle, geom Geom, ino *Inode, sink *diag.Sink) (Result, error) {
	extents := ino.BlockMap.DataExtentsBelow(geom)
	if len(extents) != 1 {
		ctx.AddBadDir(ino.Ino, "block path: expected exactly one data extent")
		return MustDiscard, nil
	}
	ext := extents[0]

	buf, err := bio.GetBuf(ext.Count)
	if err != nil {
		return MustDiscard, err
	}
	if err := bio.Read(ext.Startblock, buf, nil); err != nil {
		bio.PutBuf(buf, ctx.NoModify)
		return MustDiscard, err
	}

	magic, best, headerSize, err := dirent.DecodeDataBlockHeader(buf.Data, geom.V3)
	if err != nil || (magic != dirent.DataMagicV2 && magic != dirent.DataMagicV3) {
		ctx.AddBadDir(ino.Ino, "block path: bad data-block magic")
		bio.PutBuf(buf, true)
		return MustDiscard, nil
	}

	tail := dirent.DecodeBlockTail(buf.Data)
	leafArrayBytes := int(tail.Count) * 8 // {hashval,address} per leaf entry
	stopAt := len(buf.Data) - 8 - leafArrayBytes
	if stopAt < headerSize {
		ctx.AddBadDir(ino.Ino, "block path: leaf array overruns data region")
		bio.PutBuf(buf, true)
		return MustDiscard, nil
	}

	discard, dots, err := walkDataBlockCommon(ctx, oracle, ino, buf, headerSize, stopAt, best, sink)
	if err != nil {
		bio.PutBuf(buf, true)
		return MustDiscard, err
	}
	if discard {
		ctx.AddBadDir(ino.Ino, "block path: data walk failed")
		// A dirty block discovered corrupt during the walk is
		// discarded without write-back (§9 Design Notes, resolving the
		// source's ambiguous rval/dirty interaction).
		bio.PutBuf(buf, true)
		return MustDiscard, nil
	}
	dots.finish(ctx, ino)

	if buf.Dirty && !ctx.NoModify {
		if err := bio.WriteBuf(buf); err != nil {
			return MustDiscard, err
		}
	}
	bio.PutBuf(buf, ctx.NoModify)

	_ = geometry.BBSize
	return Clean, nil
}
