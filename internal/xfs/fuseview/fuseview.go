//go:build fuse

// Package fuseview exposes a read-only FUSE view of a repaired
// directory tree, adapted from the teacher's inode_fuse.go. It exists so
// an operator can `ls` a recovered filesystem without a separate tool;
// it is explicitly read-only and opt-in (build tag "fuse"), keeping
// online/mounted repair out of scope per §1 of the specification this
// core implements.
package fuseview

import (
	"context"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Tree is the minimal read-only directory tree the view renders: a
// snapshot built after directory repair has completed, not a live view
// of the on-disk structures C5/C6 operate on.
type Tree interface {
	// Root returns the root entry's inode number.
	Root() uint64
	// ReadDir returns the (name, ino, isDir) triples for ino's children.
	ReadDir(ino uint64) ([]Entry, error)
	// Stat returns basic attributes for ino.
	Stat(ino uint64) (Attr, error)
	// ReadFile returns the full contents of a regular file inode. Large
	// files are out of scope for this browser; it is a debugging aid,
	// not a general-purpose mount.
	ReadFile(ino uint64) ([]byte, error)
}

type Entry struct {
	Name  string
	Ino   uint64
	IsDir bool
}

type Attr struct {
	Size  uint64
	Mode  uint32
	Mtime time.Time
}

// node is one fs.InodeEmbedder wrapping a Tree entry, mirroring the
// teacher's pattern of attaching FUSE operations directly onto the
// decoded inode type.
type node struct {
	fs.Inode
	tree Tree
	ino  uint64
}

var _ fs.NodeLookuper = (*node)(nil)
var _ fs.NodeReaddirer = (*node)(nil)
var _ fs.NodeGetattrer = (*node)(nil)
var _ fs.NodeOpener = (*node)(nil)

func newNode(tree Tree, ino uint64) *node {
	return &node{tree: tree, ino: ino}
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	entries, err := n.tree.ReadDir(n.ino)
	if err != nil {
		return nil, syscall.EIO
	}
	for _, e := range entries {
		if e.Name != name {
			continue
		}
		attr, err := n.tree.Stat(e.Ino)
		if err != nil {
			return nil, syscall.EIO
		}
		fillAttr(&out.Attr, attr)
		child := newNode(n.tree, e.Ino)
		mode := uint32(syscall.S_IFREG)
		if e.IsDir {
			mode = syscall.S_IFDIR
		}
		return n.NewInode(ctx, child, fs.StableAttr{Mode: mode, Ino: e.Ino}), fs.OK
	}
	return nil, syscall.ENOENT
}

func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.tree.ReadDir(n.ino)
	if err != nil {
		return nil, syscall.EIO
	}
	list := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(syscall.S_IFREG)
		if e.IsDir {
			mode = syscall.S_IFDIR
		}
		list = append(list, fuse.DirEntry{Name: e.Name, Ino: e.Ino, Mode: mode})
	}
	return fs.NewListDirStream(list), fs.OK
}

func (n *node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := n.tree.Stat(n.ino)
	if err != nil {
		return syscall.EIO
	}
	fillAttr(&out.Attr, attr)
	return fs.OK
}

func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	// Read-only view: any write flag is rejected outright.
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	data, err := n.tree.ReadFile(n.ino)
	if err != nil {
		return nil, 0, syscall.EIO
	}
	return &fileHandle{data: data}, fuse.FOPEN_KEEP_CACHE, fs.OK
}

type fileHandle struct {
	data []byte
}

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	end := off + int64(len(dest))
	if end > int64(len(h.data)) {
		end = int64(len(h.data))
	}
	if off > end {
		return fuse.ReadResultData(nil), fs.OK
	}
	return fuse.ReadResultData(h.data[off:end]), fs.OK
}

func fillAttr(out *fuse.Attr, a Attr) {
	out.Size = a.Size
	out.Mode = a.Mode
	out.SetTimes(&a.Mtime, &a.Mtime, &a.Mtime)
}

// Mount mounts tree read-only at mountpoint and blocks until unmounted.
func Mount(mountpoint string, tree Tree) error {
	root := newNode(tree, tree.Root())
	server, err := fs.Mount(mountpoint, root, &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:     "xfsrepair-core",
			ReadOnly: true,
		},
	})
	if err != nil {
		return err
	}
	server.Wait()
	return nil
}
