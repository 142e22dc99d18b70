//go:build linux

package block

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/pkg/errors"
)

// OpenDevice opens path as a Device, optionally bypassing the page
// cache with O_DIRECT the way a recovery tool should: it is reading a
// filesystem the kernel itself may have a stale or partial view of,
// and double-buffering through the page cache only risks serving back
// data this tool is trying to look past.
func OpenDevice(path string, direct bool) (*os.File, error) {
	flags := os.O_RDWR
	if direct {
		flags |= unix.O_DIRECT
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "block: open device %s", path)
	}
	return f, nil
}
