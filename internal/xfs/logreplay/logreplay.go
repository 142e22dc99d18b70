// Package logreplay implements the log replayer (C4): two-pass
// transaction reassembly and dispatch over the range discovered by
// logscan.
package logreplay

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xfsrepair/xfsrepair-core/internal/xfs/block"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/geometry"
)

var log = logrus.WithField("component", "logreplay")

// RHashSize matches XLOG_RHASH_SIZE: the fixed number of buckets in the
// in-flight transaction hash table, preserving the source's
// deterministic tid-collision behavior (§9 Design Notes).
const RHashSize = 64

// Pass identifies which of the two replay passes is running.
type Pass int

const (
	Pass1 Pass = iota // buffer (metadata) items
	Pass2             // inode, EFI/EFD, unlink items
)

// Region is one payload slice belonging to an Item.
type Region []byte

// Item accumulates a description region (Header) and a sequence of data
// Regions; it is complete once len(Regions) == Total.
type Item struct {
	Header  Region
	Regions []Region
	Total   int
}

func (it *Item) complete() bool { return len(it.Regions) >= it.Total }

// Transaction is a transaction-in-flight: the payload reconstructed so
// far for one tid, stamped with the LSN of the log record its START
// operation arrived in.
type Transaction struct {
	Tid   uint32
	LSN   geometry.LSN
	Items []*Item
	next  *Transaction // intrusive chain within one hash bucket
}

// hashTable is the open-chained, fixed-size table of in-flight
// transactions (§9 Design Notes: "an open-addressed hash table of fixed
// size 64 ... where each slot owns a linked list of transactions by tid
// hash collision"). It is private to one Replay call (§5).
type hashTable struct {
	buckets [RHashSize]*Transaction
}

func bucketFor(tid uint32) int { return int(tid % RHashSize) }

func (t *hashTable) find(tid uint32) *Transaction {
	for tx := t.buckets[bucketFor(tid)]; tx != nil; tx = tx.next {
		if tx.Tid == tid {
			return tx
		}
	}
	return nil
}

func (t *hashTable) insert(tx *Transaction) {
	b := bucketFor(tx.Tid)
	tx.next = t.buckets[b]
	t.buckets[b] = tx
}

func (t *hashTable) remove(tid uint32) {
	b := bucketFor(tid)
	var prev *Transaction
	for tx := t.buckets[b]; tx != nil; tx = tx.next {
		if tx.Tid == tid {
			if prev == nil {
				t.buckets[b] = tx.next
			} else {
				prev.next = tx.next
			}
			return
		}
		prev = tx
	}
}

// Dispatcher is the external collaborator (§6) that applies a completed
// transaction's items to filesystem state. CommitPass1/CommitPass2
// correspond to the per-pass commit handlers of §4.C4.
type Dispatcher interface {
	CommitPass1(tx *Transaction) error
	CommitPass2(tx *Transaction) error
}

// Stats summarizes one Replay call, supplementing the spec's bare
// success/error contract the way the teacher's Writer.Finalize reports
// concrete byte counts instead of only an error (§E.4).
type Stats struct {
	TransactionsCommitted int
	OpsDiscarded          int
}

// ErrProtocol is returned for log operation flags outside the
// enumerated set, or a START for a tid already present (§4.C4 table).
var ErrProtocol = errors.New("logreplay: protocol error")

// Replayer drives both passes over [tail, head) of the circular log.
type Replayer struct {
	bio    *block.Facade
	length uint32
	uuid   geometry.UUID
}

func New(bio *block.Facade, length uint32, uuid geometry.UUID) *Replayer {
	return &Replayer{bio: bio, length: length, uuid: uuid}
}

// Replay runs pass over [tail, head) and delivers completed transactions
// to dispatcher, returning aggregate statistics. Per §4.C4 and the P3
// atomicity property, a transaction is delivered exactly once per pass
// iff a matching COMMIT is observed before head.
func (r *Replayer) Replay(tail, head uint32, pass Pass, dispatcher Dispatcher) (Stats, error) {
	var stats Stats
	ht := &hashTable{}

	blk := tail
	for blk != head {
		hdrBuf, err := r.bio.GetBuf(1)
		if err != nil {
			return stats, err
		}
		if err := r.bio.Read(blk, hdrBuf, nil); err != nil {
			return stats, err
		}
		peek, err := geometry.DecodeRecordHeader(hdrBuf.Data, 0)
		r.bio.PutBuf(hdrBuf, true)
		if err != nil {
			return stats, errors.Wrapf(err, "logreplay: decode header at blk=%d", blk)
		}
		if !peek.UUID.Equal(r.uuid) {
			return stats, errors.Errorf("logreplay: uuid mismatch at blk=%d", blk)
		}

		// Re-read the header sized for the cycle-data table: the peek
		// above only established Len/NumLogOps, which fixes nbbs.
		nbbs := geometry.BBCount(peek.Len)
		hdrBuf2, err := r.bio.GetBuf(1)
		if err != nil {
			return stats, err
		}
		if err := r.bio.Read(blk, hdrBuf2, nil); err != nil {
			return stats, err
		}
		full, err := geometry.DecodeRecordHeader(hdrBuf2.Data, nbbs)
		r.bio.PutBuf(hdrBuf2, true)
		if err != nil {
			return stats, err
		}

		data, err := r.readWrapped(blk, nbbs)
		if err != nil {
			return stats, err
		}

		if err := geometry.UnpackRecord(full, data); err != nil {
			return stats, errors.Wrapf(err, "logreplay: unpack at blk=%d", blk)
		}

		n, err := r.processData(ht, full, data, pass, dispatcher)
		if err != nil {
			return stats, err
		}
		stats.TransactionsCommitted += n

		blk = geometry.WrapAdd(blk, int64(nbbs)+1, r.length)
	}

	stats.OpsDiscarded = countIncomplete(ht)
	return stats, nil
}

func countIncomplete(ht *hashTable) int {
	n := 0
	for _, b := range ht.buckets {
		for tx := b; tx != nil; tx = tx.next {
			n++
		}
	}
	return n
}

// readWrapped reads nbbs data BBs starting immediately after blk,
// issuing two reads and concatenating when the range crosses the end of
// the log (§4.C4 wrap handling).
func (r *Replayer) readWrapped(blk uint32, nbbs uint32) ([]byte, error) {
	start := geometry.WrapAdd(blk, 1, r.length)
	if start+nbbs <= r.length {
		buf, err := r.bio.GetBuf(nbbs)
		if err != nil {
			return nil, err
		}
		if err := r.bio.Read(start, buf, nil); err != nil {
			return nil, err
		}
		return buf.Data, nil
	}
	first := r.length - start
	second := nbbs - first
	maps := []block.Extent{{Blkno: start, NBBs: first}, {Blkno: 0, NBBs: second}}
	buf, err := r.bio.ReadScattered(maps, nil)
	if err != nil {
		return nil, err
	}
	return buf.Data, nil
}

// processData iterates the operations in data and dispatches completed
// transactions, returning how many committed in this call.
func (r *Replayer) processData(ht *hashTable, h *geometry.RecordHeader, data []byte, pass Pass, dispatcher Dispatcher) (int, error) {
	committed := 0
	off := 0
	for off < len(data) && uint32(off) < h.Len {
		opHdr, err := geometry.DecodeOpHeader(data[off:])
		if err != nil {
			return committed, err
		}
		off += geometry.OpHeaderSize
		if off+int(opHdr.Len) > len(data) {
			return committed, errors.New("logreplay: operation payload exceeds record data")
		}
		payload := data[off : off+int(opHdr.Len)]
		off += int(opHdr.Len)

		if err := r.dispatchOp(ht, opHdr, payload, pass, dispatcher, &committed); err != nil {
			return committed, err
		}
		if opHdr.Flags.Has(geometry.OpStart) {
			if tx := ht.find(opHdr.Tid); tx != nil {
				tx.LSN = h.LSN
			}
		}
	}
	return committed, nil
}

func (r *Replayer) dispatchOp(ht *hashTable, opHdr geometry.OpHeader, payload []byte, pass Pass, dispatcher Dispatcher, committed *int) error {
	flags := opHdr.Flags &^ geometry.OpEnd
	existing := ht.find(opHdr.Tid)

	switch {
	case flags.Has(geometry.OpStart):
		if existing != nil {
			return errors.Wrapf(ErrProtocol, "tid=%d: START while already in flight", opHdr.Tid)
		}
		tx := &Transaction{Tid: opHdr.Tid}
		ht.insert(tx)
		return nil

	case flags.Has(geometry.OpUnmount):
		if existing != nil {
			ht.remove(opHdr.Tid)
		}
		return nil

	case flags.Has(geometry.OpCommit):
		if existing == nil {
			return errors.Wrapf(ErrProtocol, "tid=%d: COMMIT with no in-flight transaction", opHdr.Tid)
		}
		ht.remove(opHdr.Tid)
		var err error
		if pass == Pass1 {
			err = dispatcher.CommitPass1(existing)
		} else {
			err = dispatcher.CommitPass2(existing)
		}
		if err != nil {
			return err
		}
		*committed++
		return nil

	case flags.Has(geometry.OpWasCont):
		if existing == nil {
			return errors.Wrapf(ErrProtocol, "tid=%d: WAS_CONT with no in-flight transaction", opHdr.Tid)
		}
		return appendContinuation(existing, payload)

	case flags == 0 || flags.Has(geometry.OpContinue):
		if existing == nil {
			return errors.Wrapf(ErrProtocol, "tid=%d: region with no in-flight transaction", opHdr.Tid)
		}
		return addRegion(existing, payload)

	default:
		return errors.Wrapf(ErrProtocol, "tid=%d: unknown flag state %v", opHdr.Tid, opHdr.Flags)
	}
}

// addRegion adds payload as a fresh region. The first region of a
// transaction carries the transaction header magic and opens the first
// item; each subsequent region either extends the current item (if it
// hasn't reached its declared Total) or opens a new item. An item's
// first region starts with a 16-bit type followed by the 16-bit total
// region count (bytes 2..4) for that item (§3 "Transaction-in-flight").
func addRegion(tx *Transaction, payload []byte) error {
	if len(tx.Items) == 0 {
		total := int(geometry.Order.Uint16(payload[2:4]))
		tx.Items = append(tx.Items, &Item{Header: payload, Total: total, Regions: nil})
		return nil
	}
	cur := tx.Items[len(tx.Items)-1]
	if cur.complete() {
		if len(payload) < 4 {
			return errors.New("logreplay: region too short to declare item header")
		}
		total := int(geometry.Order.Uint16(payload[2:4]))
		tx.Items = append(tx.Items, &Item{Header: payload, Total: total, Regions: nil})
		return nil
	}
	cur.Regions = append(cur.Regions, Region(payload))
	return nil
}

// appendContinuation concatenates payload onto the last region of the
// last item of tx, implementing the CONTINUE/WAS_CONT split described
// in invariant I3: concatenation yields the original region
// byte-for-byte.
func appendContinuation(tx *Transaction, payload []byte) error {
	if len(tx.Items) == 0 {
		return errors.New("logreplay: WAS_CONT with no open item")
	}
	cur := tx.Items[len(tx.Items)-1]
	if len(cur.Regions) == 0 {
		cur.Regions = append(cur.Regions, Region(payload))
		return nil
	}
	last := len(cur.Regions) - 1
	cur.Regions[last] = append(cur.Regions[last], payload...)
	return nil
}
