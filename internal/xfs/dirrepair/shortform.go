package dirrepair

import (
	"bytes"

	"github.com/xfsrepair/xfsrepair-core/internal/xfs/diag"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/dirent"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/inoref"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/repair"
)

// processShortform implements the shortform path of §4.C6: walk
// entries until count is reached or the fork is exhausted, reject and
// splice condemned entries, then reconcile the header's count/i8count/
// di_size against what was actually kept.
func processShortform(ctx *repair.Context, oracle inoref.Oracle, ino *Inode, sink *diag.Sink) (Result, error) {
	hdr, entries, err := dirent.DecodeShortform(ino.Fork)
	if err != nil {
		ctx.AddBadDir(ino.Ino, "shortform decode failed")
		return MustDiscard, nil
	}

	var dots dotState
	kept := make([]dirent.ShortformEntry, 0, len(entries))
	dirty := false
	parentValid := hdr.Parent != dirent.NullFSIno && hdr.Parent != 0

	endOffset := uint16(dirent.DataFirstOffset)
	outOfOrder := false
	wide := hdr.I8Count > 0

	for _, e := range entries {
		if string(e.Name) == "." {
			dots.sawDot = true
			if e.Ino != ino.Ino {
				diag.Emit(sink, ino.Ino, 0, ctx.NoModify, "dot-ino", "'.' entry pointing to wrong inode")
				if !ctx.NoModify {
					e.Ino = ino.Ino
				}
			}
			kept = append(kept, e)
			continue
		}
		if string(e.Name) == ".." {
			if dots.sawDotdot {
				dirty = true
				diag.Emit(sink, ino.Ino, 0, ctx.NoModify, "dup-dotdot", "duplicate '..' entry")
				continue // spliced
			}
			dots.sawDotdot = true
			if !ino.IsRoot && e.Ino == ino.Ino {
				dirty = true
				hdr.Parent = dirent.NullFSIno
				diag.Emit(sink, ino.Ino, 0, ctx.NoModify, "dotdot-self", "'..' pointing to self")
				continue // spliced
			}
			if ino.IsRoot && e.Ino != ino.Ino {
				diag.Emit(sink, ino.Ino, 0, ctx.NoModify, "dotdot-root", "root '..' not pointing to self")
				if !ctx.NoModify {
					e.Ino = ino.Ino
				}
			}
			kept = append(kept, e)
			continue
		}

		if reject, reason := rejectShortformEntry(ctx, oracle, ino.Ino, e); reject {
			dirty = true
			diag.Emit(sink, ino.Ino, 0, ctx.NoModify, "bad-entry", reason)
			continue // spliced: tail memmove is implicit since we build `kept` fresh
		}

		if e.Offset != endOffset {
			outOfOrder = true
		}
		endOffset = e.Offset + uint16(dirent.EntrySize(e, wide))
		kept = append(kept, e)
	}

	dots.finish(ctx, ino)

	if len(kept) != len(entries) {
		dirty = true
	}

	newCount := uint8(len(kept))
	if newCount != hdr.Count {
		diag.Emit(sink, ino.Ino, 0, ctx.NoModify, "bad-count", "shortform entry count")
		dirty = true
	}

	oldI8 := hdr.I8Count
	dirent.FixI8(&hdr, kept)
	if hdr.I8Count != oldI8 {
		diag.Emit(sink, ino.Ino, 0, ctx.NoModify, "bad-i8count", "shortform i8count")
		dirty = true
	}

	newSize := uint64(len(dirent.EncodeShortform(hdr, kept)))
	if newSize != ino.Size {
		diag.Emit(sink, ino.Ino, 0, ctx.NoModify, "bad-size", "di_size")
		dirty = true
	}

	if outOfOrder || uint64(endOffset) > ino.Size {
		dirent.FixOffsets(kept, hdr.I8Count > 0)
		dirty = true
	}

	if !ino.IsRoot && parentValid && hdr.Parent == ino.Ino {
		hdr.Parent = dirent.NullFSIno
		dirty = true
	}
	if ino.IsRoot {
		hdr.Parent = ino.Ino
	}
	if !parentValid && !ino.IsRoot {
		hdr.Parent = dirent.NullFSIno
	}

	hdr.Count = newCount
	if dirty && !ctx.NoModify {
		ino.Fork = dirent.EncodeShortform(hdr, kept)
		ino.Size = uint64(len(ino.Fork))
	}

	return Clean, nil
}

// rejectShortformEntry applies the inode-filter pipeline shared between
// the shortform and data-block paths.
func rejectShortformEntry(ctx *repair.Context, oracle inoref.Oracle, selfIno uint64, e dirent.ShortformEntry) (bool, string) {
	if e.Ino == selfIno {
		return true, "entry references its own directory"
	}
	if !oracle.VerifyInum(e.Ino) {
		return true, "entry fails inode-number verification"
	}
	if bytes.IndexByte(e.Name, '/') >= 0 || bytes.IndexByte(e.Name, 0) >= 0 {
		return true, "entry name contains '/' or NUL"
	}
	if e.Namelen == 0 {
		return true, "entry has zero-length name"
	}
	if m, ok := oracle.(interface{ IsReserved(uint64) bool }); ok && m.IsReserved(e.Ino) {
		return true, "entry targets a reserved metadata inode"
	}
	agno, agino := splitIno(e.Ino)
	rec, known := oracle.FindInodeRec(agno, agino)
	if known {
		if oracle.IsInodeFree(rec, 0) {
			if !ctx.InoDiscovery {
				return true, "entry targets a known-free inode"
			}
			oracle.AddInodeUncertain(e.Ino, 0)
			return false, ""
		}
		return false, ""
	}
	if !ctx.InoDiscovery {
		return true, "entry targets an unknown inode"
	}
	oracle.AddInodeUncertain(e.Ino, 0)
	return false, ""
}

// splitIno breaks an inode number into an (agno, agino) pair the way
// the allocation-group-addressed format does. The shift amount here
// is a placeholder geometry constant; callers that need the real split
// pass a geometry-aware oracle that ignores these arguments if unused.
func splitIno(ino uint64) (agno, agino uint32) {
	const aginoLog = 32
	return uint32(ino >> aginoLog), uint32(ino)
}
