// Package diag formats the user-visible diagnostics of §7: each soft
// inconsistency emits one of a fixed pair of strings keyed on
// no_modify, naming the inode and file block number. It also supports
// an optional structured audit trail (§E.4) so a caller can inspect
// what would change without re-running in dry-run mode twice.
package diag

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "diag")

// Record is one structured diagnostic emitted alongside the formatted
// message, carrying enough to let a downstream phase or a human re-run
// the same check without re-parsing the log line.
type Record struct {
	Ino       uint64 `json:"ino"`
	FileBlock uint64 `json:"file_block"`
	Kind      string `json:"kind"`
	NoModify  bool   `json:"no_modify"`
	Message   string `json:"message"`
}

// Sink receives Records as they're emitted. A nil Sink is valid; Emit
// then only logs.
type Sink struct {
	w   io.Writer
	gz  *gzip.Writer
	enc *json.Encoder
}

// NewSink wraps w (optionally gzip-framed) as a JSONL audit trail.
func NewSink(w io.Writer, gzipFramed bool) *Sink {
	s := &Sink{w: w}
	if gzipFramed {
		s.gz = gzip.NewWriter(w)
		s.enc = json.NewEncoder(s.gz)
	} else {
		s.enc = json.NewEncoder(w)
	}
	return s
}

func (s *Sink) Close() error {
	if s == nil || s.gz == nil {
		return nil
	}
	return s.gz.Close()
}

// Emit formats and logs one soft-inconsistency diagnostic, and writes it
// to sink if non-nil. kind is a short machine-readable tag ("bad-hashval",
// "bad-bestfree", "off-by-one-count", ...); what is the human-readable
// description of what was or would have been corrected.
func Emit(sink *Sink, ino, fileBlock uint64, noModify bool, kind, what string) {
	msg := message(noModify, what)
	log.WithFields(logrus.Fields{"ino": ino, "file_block": fileBlock, "kind": kind}).Info(msg)

	if sink != nil && sink.enc != nil {
		rec := Record{Ino: ino, FileBlock: fileBlock, Kind: kind, NoModify: noModify, Message: msg}
		if err := sink.enc.Encode(rec); err != nil {
			log.WithError(err).Warn("failed to write audit record")
		}
	}
}

func message(noModify bool, what string) string {
	if noModify {
		return fmt.Sprintf("would have corrected %s", what)
	}
	return fmt.Sprintf("corrected %s", what)
}

// DumpHeader renders v with go-spew at trace level, for deep debugging
// of decoded headers without paying the cost when trace logging is off.
func DumpHeader(label string, v interface{}) {
	if !log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		return
	}
	log.Tracef("%s: %s", label, spew.Sdump(v))
}
