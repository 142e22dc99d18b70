package dirent

import (
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/geometry"
)

// WalkDataBlock walks a data block's entries forward from headerSize up
// to stopAt (exclusive, the leaf-array growing down from the block
// tail), verifying each slot's tag against its own offset. It stops and
// reports an error on misaligned free-region length, a zero-length free
// region, a tag mismatch, or overshoot past stopAt -- the "stop and
// discard the block" conditions of §4.C6.
func WalkDataBlock(block []byte, headerSize, stopAt int) ([]DataEntry, error) {
	var entries []DataEntry
	off := headerSize
	for off < stopAt {
		if off+2 > stopAt {
			return nil, errOvershoot(off)
		}
		tagSlot := geometry.Order.Uint16(block[off:])
		if tagSlot == DataFree {
			if off+8 > stopAt {
				return nil, errOvershoot(off)
			}
			length := geometry.Order.Uint16(block[off+2:])
			if length == 0 || int(length)%8 != 0 {
				return nil, errMisaligned(off, length)
			}
			tagOff := off + int(length) - 2
			if tagOff+2 > stopAt {
				return nil, errOvershoot(off)
			}
			tag := geometry.Order.Uint16(block[tagOff:])
			if int(tag) != off {
				return nil, errTagMismatch(off, int(tag))
			}
			entries = append(entries, DataEntry{Offset: uint16(off), Free: true, Length: length, Tag: tag})
			off += int(length)
			continue
		}

		if off+8+1 > stopAt {
			return nil, errOvershoot(off)
		}
		inumber := geometry.Order.Uint64(block[off:])
		namelen := block[off+8]
		nameOff := off + 9
		if nameOff+int(namelen)+2 > stopAt {
			return nil, errOvershoot(off)
		}
		name := block[nameOff : nameOff+int(namelen)]
		tagOff := nameOff + int(namelen)
		tag := geometry.Order.Uint16(block[tagOff:])
		if int(tag) != off {
			return nil, errTagMismatch(off, int(tag))
		}
		size := tagOff + 2 - off
		size = roundUp8(size)
		entries = append(entries, DataEntry{
			Offset:  uint16(off),
			Inumber: inumber,
			Namelen: namelen,
			Name:    name,
			Tag:     tag,
		})
		off += size
	}
	if off != stopAt {
		return entries, errOvershoot(off)
	}
	return entries, nil
}

func roundUp8(n int) int { return (n + 7) &^ 7 }

type walkError struct {
	kind string
	off  int
	aux  int
}

func (e *walkError) Error() string {
	switch e.kind {
	case "misaligned":
		return "dirent: misaligned free-region length at offset " + itoa(e.off)
	case "tag":
		return "dirent: tag mismatch at offset " + itoa(e.off)
	default:
		return "dirent: walk overshoot at offset " + itoa(e.off)
	}
}

func errMisaligned(off int, length uint16) error { return &walkError{kind: "misaligned", off: off, aux: int(length)} }
func errTagMismatch(off, tag int) error           { return &walkError{kind: "tag", off: off, aux: tag} }
func errOvershoot(off int) error                  { return &walkError{kind: "overshoot", off: off} }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// MatchBestfree checks the free regions observed during a data-block
// walk against the block's declared bestfree table, per §4.C6: each
// table slot may be matched at most once, and a free region larger
// than bestfree[2].Length must correspond to some table entry. It
// returns false (badbest) on any violation, meaning the caller should
// rebuild the table via DataFreescan.
func MatchBestfree(entries []DataEntry, best [3]Bestfree) bool {
	if !BestfreeMonotonic(best) {
		return false
	}
	matched := [3]bool{}
	for _, e := range entries {
		if !e.Free {
			continue
		}
		if e.Length <= best[2].Length && e.Length != best[2].Length {
			continue
		}
		found := false
		for i := range best {
			if !matched[i] && best[i].Offset == e.Offset && best[i].Length == e.Length {
				matched[i] = true
				found = true
				break
			}
		}
		if !found && e.Length > best[2].Length {
			return false
		}
	}
	return true
}
