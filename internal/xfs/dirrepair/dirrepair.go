// Package dirrepair implements the directory validator-repairer (C6):
// walks a directory's on-disk structure, verifies the invariants of §3,
// and patches it in place when repair.Context.NoModify is false.
package dirrepair

import (
	"github.com/sirupsen/logrus"

	"github.com/xfsrepair/xfsrepair-core/internal/xfs/block"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/diag"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/dirent"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/inoref"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/repair"
)

var log = logrus.WithField("component", "dirrepair")

// Geom bundles the filesystem geometry constants the directory walk
// needs: the well-known file offset where the leaf/node hash index
// lives, the number of B+tree entries a node block can hold, and the
// maximum B+tree depth.
type Geom struct {
	BlockSize uint32
	LeafBlk   uint64
	NodeEnts  int
	MaxDepth  int
	V3        bool
}

// Extent is one block-map extent: fsbcount file-offset blocks starting
// at FileBlock map to Count contiguous disk blocks starting at Startblock.
type Extent struct {
	FileBlock uint64
	Startblock uint32
	Count      uint32
}

// BlockMap is the inode's block map, an external collaborator (§1: out
// of scope is "inode table scans", but the block map itself is handed
// in by the caller that already resolved it).
type BlockMap struct {
	Extents []Extent
}

// HasSingleDataExtent reports whether the map is exactly one directory
// data extent below LeafBlk -- the "block" format dispatch condition.
func (m BlockMap) HasSingleDataExtent(geom Geom) bool {
	n := 0
	for _, e := range m.Extents {
		if e.FileBlock < geom.LeafBlk {
			n++
		}
	}
	return n == 1
}

// ExtendsToLeafBlk reports whether the map has an extent covering
// geom.LeafBlk or beyond -- the leaf/node dispatch condition.
func (m BlockMap) ExtendsToLeafBlk(geom Geom) bool {
	for _, e := range m.Extents {
		if e.FileBlock+uint64(e.Count) > geom.LeafBlk {
			return true
		}
	}
	return false
}

// IsNodeFormat reports whether the map extends beyond leafblk+fsbcount,
// meaning the hash index itself is a B+tree rather than a single leaf.
func (m BlockMap) IsNodeFormat(geom Geom) bool {
	for _, e := range m.Extents {
		if e.FileBlock+uint64(e.Count) > geom.LeafBlk+1 {
			return true
		}
	}
	return false
}

// DataExtentsBelow returns the extents whose FileBlock is below
// geom.LeafBlk, in file-block order.
func (m BlockMap) DataExtentsBelow(geom Geom) []Extent {
	var out []Extent
	for _, e := range m.Extents {
		if e.FileBlock < geom.LeafBlk {
			out = append(out, e)
		}
	}
	return out
}

// Inode is the minimal view of a directory inode that process_dir needs.
// Fork is populated only for the shortform format; Size is di_size.
type Inode struct {
	Ino      uint64
	IsRoot   bool
	Format   Format
	Size     uint64
	Fork     []byte
	BlockMap BlockMap
}

// Format is the on-disk directory format byte.
type Format int

const (
	FormatLocal Format = iota
	FormatExtents
	FormatBtree
)

// Result is process_dir's outcome.
type Result int

const (
	Clean Result = iota
	MustDiscard
)

// ProcessDir is the top-level entry point of §4.C6. It dispatches on
// (size, format, block-map extent) to the shortform, block, or
// leaf/node path.
func ProcessDir(ctx *repair.Context, bio *block.Facade, oracle inoref.Oracle, geom Geom, ino *Inode, sink *diag.Sink) (Result, error) {
	switch {
	case ino.Format == FormatLocal:
		return processShortform(ctx, oracle, ino, sink)
	case ino.BlockMap.HasSingleDataExtent(geom):
		return processBlock(ctx, bio, oracle, geom, ino, sink)
	case ino.BlockMap.ExtendsToLeafBlk(geom):
		return processLeafOrNode(ctx, bio, oracle, geom, ino, sink)
	default:
		ctx.AddBadDir(ino.Ino, "directory dispatch: no recognised layout")
		return MustDiscard, nil
	}
}

// dotState tracks whether '.' and '..' were seen while walking one
// directory's entries, so the caller can flag a deferred fixup.
type dotState struct {
	sawDot    bool
	sawDotdot bool
}

func (d *dotState) finish(ctx *repair.Context, ino *Inode) {
	if ino.IsRoot {
		if !d.sawDotdot {
			ctx.SetNeedRootDotdot()
		}
		return
	}
	if !d.sawDot || !d.sawDotdot {
		log.WithField("ino", ino.Ino).Info("deferred fixup: missing . or .. entry")
	}
}
