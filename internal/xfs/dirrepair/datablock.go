package dirrepair

import (
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/block"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/diag"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/dirent"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/geometry"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/inoref"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/repair"
)

func geometryPutUint64(b []byte, v uint64) { geometry.Order.PutUint64(b, v) }
func geometryPutUint16(b []byte, v uint16) { geometry.Order.PutUint16(b, v) }

// walkDataBlockCommon runs the shared data-block walk of §4.C6 over
// buf, headerSize..stopAt, applying the inode filter pipeline, dot
// handling, and bestfree verification. It mutates buf.Data in place for
// condemned entries (sentinel-splicing the name's first byte) and
// returns whether the caller should discard the block outright.
func walkDataBlockCommon(ctx *repair.Context, oracle inoref.Oracle, ino *Inode, buf *block.Buf, headerSize, stopAt int, best [3]dirent.Bestfree, sink *diag.Sink) (discard bool, dots dotState, err error) {
	entries, werr := dirent.WalkDataBlock(buf.Data, headerSize, stopAt)
	if werr != nil {
		return true, dots, nil
	}

	var free []dirent.FreeRegion
	for _, e := range entries {
		if e.Free {
			free = append(free, dirent.FreeRegion{Offset: e.Offset, Length: e.Length})
			continue
		}

		name := e.Name
		switch {
		case string(name) == ".":
			if dots.sawDot {
				spliceEntry(buf, int(e.Offset)+9)
				diag.Emit(sink, ino.Ino, uint64(buf.Blkno), ctx.NoModify, "dup-dot", "duplicate '.' entry")
				break
			}
			dots.sawDot = true
			if e.Inumber != ino.Ino {
				diag.Emit(sink, ino.Ino, uint64(buf.Blkno), ctx.NoModify, "dot-ino", "'.' entry pointing to wrong inode")
				if !ctx.NoModify {
					patchInumber(buf, int(e.Offset), ino.Ino)
				}
			}
		case string(name) == "..":
			if dots.sawDotdot {
				spliceEntry(buf, int(e.Offset)+9)
				diag.Emit(sink, ino.Ino, uint64(buf.Blkno), ctx.NoModify, "dup-dotdot", "duplicate '..' entry")
				break
			}
			dots.sawDotdot = true
			if !ino.IsRoot && e.Inumber == ino.Ino {
				diag.Emit(sink, ino.Ino, uint64(buf.Blkno), ctx.NoModify, "dotdot-self", "'..' pointing to self")
				spliceEntry(buf, int(e.Offset)+9)
			} else if ino.IsRoot && e.Inumber != ino.Ino {
				diag.Emit(sink, ino.Ino, uint64(buf.Blkno), ctx.NoModify, "dotdot-root", "root '..' not pointing to self")
				if !ctx.NoModify {
					patchInumber(buf, int(e.Offset), ino.Ino)
				}
			}
		case e.Namelen == 0:
			diag.Emit(sink, ino.Ino, uint64(buf.Blkno), ctx.NoModify, "zero-namelen", "zero-length entry name")
			spliceEntry(buf, int(e.Offset)+9)
		case e.Inumber == ino.Ino:
			diag.Emit(sink, ino.Ino, uint64(buf.Blkno), ctx.NoModify, "self-ref-entry", "entry targets its own directory under a non-dot name")
			spliceEntry(buf, int(e.Offset)+9)
		default:
			sfe := shortformLikeEntry(e)
			if reject, reason := rejectShortformEntry(ctx, oracle, ino.Ino, sfe); reject {
				diag.Emit(sink, ino.Ino, uint64(buf.Blkno), ctx.NoModify, "bad-entry", reason)
				spliceEntry(buf, int(e.Offset)+9)
			}
		}
	}

	if !dirent.MatchBestfree(entries, best) {
		diag.Emit(sink, ino.Ino, uint64(buf.Blkno), ctx.NoModify, "bad-bestfree", "bestfree table")
		newBest := dirent.DataFreescan(free)
		if !ctx.NoModify {
			writeBestfree(buf, headerSize, newBest)
		}
		buf.Dirty = true
	}

	return false, dots, nil
}

func shortformLikeEntry(e dirent.DataEntry) dirent.ShortformEntry {
	return dirent.ShortformEntry{Namelen: e.Namelen, Name: e.Name, Ino: e.Inumber}
}

// spliceEntry overwrites the first name byte of the entry whose name
// begins at nameOff with the removal sentinel, matching §4.C6: "its
// first name byte is overwritten with '/'".
func spliceEntry(buf *block.Buf, nameOff int) {
	if nameOff >= len(buf.Data) {
		return
	}
	buf.Data[nameOff] = dirent.RemovedNameByte
	buf.Dirty = true
}

func patchInumber(buf *block.Buf, entryOff int, ino uint64) {
	if entryOff+8 > len(buf.Data) {
		return
	}
	geometryPutUint64(buf.Data[entryOff:], ino)
	buf.Dirty = true
}

func writeBestfree(buf *block.Buf, headerBestfreeOff int, best [3]dirent.Bestfree) {
	// bestfree sits at a fixed offset from the start of the header
	// region; callers supply headerSize already accounting for the v2/v3
	// prefix, and bestfree immediately precedes it (4 bytes magic then
	// 3*4 bytes bestfree), so back up from headerSize.
	off := headerBestfreeOff - 3*4
	for i, b := range best {
		geometryPutUint16(buf.Data[off+i*4:], b.Offset)
		geometryPutUint16(buf.Data[off+i*4+2:], b.Length)
	}
}

