// Package repair carries the RepairContext that replaces the source's
// global mutables (no_modify, need_root_dotdot, dir2_bad_list) per §9
// Design Notes: "Package into a RepairContext passed explicitly;
// need_root_dotdot becomes an atomic boolean on that context."
package repair

import (
	"sync"
	"sync/atomic"

	"github.com/xfsrepair/xfsrepair-core/internal/xfs/geometry"
)

// BadDir is one entry in the known-bad-directories set: an inode that
// directory repair could not fix in place and which a subsequent
// full-rebuild phase (out of scope here, §1) must handle.
type BadDir struct {
	Ino    uint64
	Reason string
}

// Context is the explicit, passed-around replacement for the source's
// global mutable state.
type Context struct {
	NoModify     bool
	InoDiscovery bool
	MountUUID    geometry.UUID

	needRootDotdot uint32 // atomic bool

	mu      sync.Mutex
	badDirs map[uint64]BadDir
}

// Option configures a Context, mirroring the teacher's
// type Option func(sb *Superblock) error functional-options shape.
type Option func(*Context) error

func WithNoModify() Option {
	return func(c *Context) error { c.NoModify = true; return nil }
}

func WithInoDiscovery() Option {
	return func(c *Context) error { c.InoDiscovery = true; return nil }
}

func WithMountUUID(u geometry.UUID) Option {
	return func(c *Context) error { c.MountUUID = u; return nil }
}

// New builds a Context applying opts in order.
func New(opts ...Option) (*Context, error) {
	c := &Context{badDirs: make(map[uint64]BadDir)}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetNeedRootDotdot latches the process-wide flag read by a subsequent
// phase when the root directory lacks "..".
func (c *Context) SetNeedRootDotdot() {
	atomic.StoreUint32(&c.needRootDotdot, 1)
}

func (c *Context) NeedRootDotdot() bool {
	return atomic.LoadUint32(&c.needRootDotdot) != 0
}

// AddBadDir appends ino to the known-bad-directories set. The set is
// append-only during directory repair; readers tolerate concurrent
// append (§5).
func (c *Context) AddBadDir(ino uint64, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.badDirs[ino] = BadDir{Ino: ino, Reason: reason}
}

// BadDirectories returns a read-only snapshot of the known-bad
// directories, the handoff contract for a downstream full-rebuild phase
// (§E.4).
func (c *Context) BadDirectories() []BadDir {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]BadDir, 0, len(c.badDirs))
	for _, bd := range c.badDirs {
		out = append(out, bd)
	}
	return out
}
