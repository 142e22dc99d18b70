// Package logscan implements the log scanner (C3): head/tail discovery
// primitives that operate over the circular physical log before replay
// can begin.
package logscan

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xfsrepair/xfsrepair-core/internal/xfs/block"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/geometry"
)

var log = logrus.WithField("component", "logscan")

// NotFound is the distinct sentinel this package returns from
// FindVerifyCycle instead of overloading -1 as both "not found" and
// "error", which the source this spec is drawn from does (§9 Design
// Notes: "the source's negative-as-both-error-and-sentinel is a
// hazard").
const NotFound uint32 = 0xFFFFFFFF

// Scanner holds the geometry needed to walk a circular log of Length
// basic blocks.
type Scanner struct {
	bio      *block.Facade
	Length   uint32
	MountUUID geometry.UUID
}

func New(bio *block.Facade, length uint32, mountUUID geometry.UUID) *Scanner {
	return &Scanner{bio: bio, Length: length, MountUUID: mountUUID}
}

// readCycle returns the cycle number a BB carries. A log-record-header
// BB stores `magic` at offset 0 and `cycle` at offset 4 (§6); every
// other BB is a data BB whose first word is its cycle directly, once
// cycle-data has been packed/unpacked (P4). Treating offset 0 as the
// cycle unconditionally misreads every header BB as cycle==magic.
func (s *Scanner) readCycle(blk uint32) (uint32, error) {
	buf, err := s.bio.GetBuf(1)
	if err != nil {
		return 0, err
	}
	defer s.bio.PutBuf(buf, true)
	if err := s.bio.Read(blk, buf, nil); err != nil {
		return 0, err
	}
	if geometry.Order.Uint32(buf.Data[:4]) == geometry.LogRecordMagic {
		return geometry.Order.Uint32(buf.Data[4:8]), nil
	}
	return geometry.Order.Uint32(buf.Data[:4]), nil
}

// FindCycleStart performs the binary search of §4.C3: narrows
// [first, last] to the lowest block whose cycle equals cycle. At each
// step it reads one BB; if its cycle equals cycle, last narrows to mid,
// else first narrows to mid. It terminates when the range has length 1,
// with the postcondition mid == first && mid+1 == last (or the
// symmetric case when cycle is not found in range).
func (s *Scanner) FindCycleStart(first, last, cycle uint32) (uint32, error) {
	for last-first > 1 {
		mid := first + (last-first)/2
		c, err := s.readCycle(mid)
		if err != nil {
			return 0, err
		}
		if c == cycle {
			last = mid
		} else {
			first = mid
		}
	}
	return last, nil
}

// FindVerifyCycle scans forward linearly from start across n blocks and
// returns the absolute block number of the first BB whose cycle equals
// stopCycle, or NotFound.
func (s *Scanner) FindVerifyCycle(start uint32, n uint32, stopCycle uint32) (uint32, error) {
	for i := uint32(0); i < n; i++ {
		blk := geometry.WrapAdd(start, int64(i), s.Length)
		c, err := s.readCycle(blk)
		if err != nil {
			return 0, err
		}
		if c == stopCycle {
			return blk, nil
		}
	}
	return NotFound, nil
}

// FindVerifyLogRecordResult is the outcome of FindVerifyLogRecord.
type FindVerifyLogRecordResult int

const (
	FVLRFound FindVerifyLogRecordResult = iota
	FVLRNotFound
)

// FindVerifyLogRecord scans backwards from last-1 toward start looking
// for a log-record-header magic number. On finding one it verifies the
// embedded filesystem UUID matches s.MountUUID, sets *last to the block
// the header was found at, and returns the decoded header so the caller
// can derive whatever boundary it actually needs (one past the record,
// for a head guess; the header's own block, for reading tail/unmount
// fields) without re-reading the block. extra is reserved for callers
// that need to offset the backward scan's starting point; unused today.
func (s *Scanner) FindVerifyLogRecord(start uint32, last *uint32, extra uint32) (FindVerifyLogRecordResult, *geometry.RecordHeader, error) {
	for blk := *last - 1; ; blk-- {
		buf, err := s.bio.GetBuf(1)
		if err != nil {
			return FVLRNotFound, nil, err
		}
		if err := s.bio.Read(blk, buf, nil); err != nil {
			return FVLRNotFound, nil, err
		}
		magic := geometry.Order.Uint32(buf.Data[:4])
		if magic == geometry.LogRecordMagic {
			h, err := geometry.DecodeRecordHeader(buf.Data, 0)
			s.bio.PutBuf(buf, true)
			if err != nil {
				return FVLRNotFound, nil, err
			}
			if !h.UUID.Equal(s.MountUUID) {
				return FVLRNotFound, nil, errors.Wrapf(geometry.ErrBadUUID, "log record at blk=%d", blk)
			}
			*last = blk
			return FVLRFound, h, nil
		}
		s.bio.PutBuf(buf, true)
		if blk == start {
			break
		}
	}
	return FVLRNotFound, nil, nil
}

// ZeroState is the result of FindZeroed.
type ZeroState int

const (
	Zeroed ZeroState = iota
	Partial
	Written
)

// FindZeroed inspects BB 0 and BB Length-1 to classify the log as fully
// zero, partially zero, or fully written (P2).
func (s *Scanner) FindZeroed() (ZeroState, uint32, error) {
	first, err := s.readCycle(0)
	if err != nil {
		return Written, 0, err
	}
	if first == 0 {
		lastC, err := s.readCycle(s.Length - 1)
		if err != nil {
			return Written, 0, err
		}
		if lastC != 0 {
			return Written, 0, errors.New("logscan: cycle[0]==0 but cycle[last]!=0")
		}
		return Zeroed, 0, nil
	}
	if first == 1 {
		lastC, err := s.readCycle(s.Length - 1)
		if err != nil {
			return Written, 0, err
		}
		if lastC == 0 {
			j, err := s.FindVerifyCycle(0, s.Length, 0)
			if err != nil {
				return Written, 0, err
			}
			if j == NotFound {
				return Written, 0, errors.New("logscan: partial zero log but no zero cycle found")
			}
			return Partial, j, nil
		}
	}
	return Written, 0, nil
}

// MaxIclogs and MaxRecordBshift bound the verification window used by
// FindHead, matching the constants the real format fixes for the
// maximum number of in-core log buffers and the maximum shift of one
// record's size.
const (
	MaxIclogs       = 8
	MaxRecordBshift = 18 // 256 KiB
	MaxRecordBSize  = 1 << MaxRecordBshift
)

// FindHead locates the true head of the log (the block one past the
// last valid write), aligned to a record boundary.
func (s *Scanner) FindHead() (uint32, error) {
	firstC, err := s.readCycle(0)
	if err != nil {
		return 0, err
	}
	lastC, err := s.readCycle(s.Length - 1)
	if err != nil {
		return 0, err
	}

	var headGuess uint32
	if firstC == lastC {
		// Whole log stamped with one cycle; head sits past a possible
		// cycle-1 hole at the tail end.
		stop := firstC - 1
		j, err := s.FindVerifyCycle(0, s.Length, stop)
		if err != nil {
			return 0, err
		}
		if j == NotFound {
			headGuess = 0
		} else {
			headGuess = j
		}
	} else {
		first, err := s.FindCycleStart(0, s.Length-1, lastC)
		if err != nil {
			return 0, err
		}
		headGuess = first

		// Verify by scanning a window back from the guess, wrapping if
		// necessary, to catch x+1|x|x+1|x..., x+1|x..|x-1|x, and
		// x+1|x..|x+1|x patterns.
		window := uint32(MaxIclogs) << MaxRecordBshift
		if window > s.Length {
			window = s.Length
		}
		start := geometry.WrapAdd(headGuess, -int64(window), s.Length)
		fixed, err := s.verifyHeadWindow(start, headGuess, lastC)
		if err != nil {
			return 0, err
		}
		headGuess = fixed
	}

	return s.alignToRecordBoundary(headGuess)
}

// verifyHeadWindow scans [start, guess) for the patterns described in
// §4.C3 and returns a corrected head guess.
func (s *Scanner) verifyHeadWindow(start, guess, lastC uint32) (uint32, error) {
	prevC, err := s.readCycle(geometry.WrapAdd(guess, -1, s.Length))
	if err != nil {
		return 0, err
	}
	if prevC == lastC || prevC == lastC+1 {
		return guess, nil
	}
	// prevC == lastC-1: a hole of the old cycle sits just before the
	// guess; walk forward from start to find where lastC truly begins.
	j, err := s.FindVerifyCycle(start, geometry.WrapDistance(start, guess, s.Length)+1, lastC)
	if err != nil {
		return 0, err
	}
	if j == NotFound {
		return guess, nil
	}
	return j, nil
}

// alignToRecordBoundary walks FindVerifyLogRecord over a window of
// MaxRecordBSize bytes (MaxRecordBSize/BBSize BBs) back from head, retrying once wrapped into the end
// of the log if the window falls off the start. The block a record
// header was found at is never itself the head; the head is one past
// the header's nbbs data BBs, so the found block is always advanced by
// BBCount(h.Len)+1 before being returned.
func (s *Scanner) alignToRecordBoundary(head uint32) (uint32, error) {
	window := uint32(MaxRecordBSize / geometry.BBSize)
	if window > s.Length {
		window = s.Length
	}
	var start uint32
	if window > head {
		start = 0
	} else {
		start = head - window
	}
	last := head
	res, h, err := s.FindVerifyLogRecord(start, &last, 0)
	if err != nil {
		return 0, err
	}
	if res == FVLRFound {
		return geometry.WrapAdd(last, int64(geometry.BBCount(h.Len)+1), s.Length), nil
	}
	// Retry wrapping into the end of the log.
	start2 := geometry.WrapAdd(s.Length, -int64(window), s.Length)
	last2 := s.Length
	res2, h2, err := s.FindVerifyLogRecord(start2, &last2, 0)
	if err != nil {
		return 0, err
	}
	if res2 == FVLRFound {
		return geometry.WrapAdd(last2, int64(geometry.BBCount(h2.Len)+1), s.Length), nil
	}
	return head, nil
}

// FindTail locates the tail of the log given its head, advancing past a
// trailing unmount record if present.
func (s *Scanner) FindTail(headBlk uint32) (uint32, error) {
	last := headBlk
	res, h, err := s.FindVerifyLogRecord(0, &last, 0)
	if err != nil {
		return 0, err
	}
	if res == FVLRNotFound {
		last = s.Length
		res, h, err = s.FindVerifyLogRecord(headBlk, &last, 0)
		if err != nil {
			return 0, err
		}
		if res == FVLRNotFound {
			return 0, errors.New("logscan: no log record found searching for tail")
		}
	}

	tail := h.TailLSN.Block()

	if isUnmountRecord(s, headBlk, h) {
		nbbs := geometry.BBCount(h.Len)
		tail = geometry.WrapAdd(tail, int64(nbbs+1), s.Length)
	}

	return tail, nil
}

// isUnmountRecord reports whether the record at headBlk-2 (mod Length)
// is a single-operation record flagged UNMOUNT, matching the heuristic
// of §9: "keep the heuristic but verify h_num_logops == 1 before
// trusting it" since no on-disk field otherwise guarantees the unmount
// record is exactly one header plus one data BB.
func isUnmountRecord(s *Scanner, headBlk uint32, h *geometry.RecordHeader) bool {
	if h.NumLogOps != 1 {
		return false
	}
	opBlk := geometry.WrapAdd(headBlk, -2, s.Length)
	buf, err := s.bio.GetBuf(1)
	if err != nil {
		return false
	}
	defer s.bio.PutBuf(buf, true)
	if err := s.bio.Read(opBlk, buf, nil); err != nil {
		return false
	}
	op, err := geometry.DecodeOpHeader(buf.Data)
	if err != nil {
		return false
	}
	return op.Flags.Has(geometry.OpUnmount)
}
