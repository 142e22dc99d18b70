package logreplay_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xfsrepair/xfsrepair-core/internal/xfs/block"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/geometry"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/logreplay"
)

type memDevice struct{ data []byte }

func newMemDevice(bbs uint32) *memDevice { return &memDevice{data: make([]byte, int(bbs)*geometry.BBSize)} }

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, d.data[off:])
	return n, nil
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	n := copy(d.data[off:], p)
	return n, nil
}

func putOp(buf []byte, off int, tid uint32, opLen uint32, clientID uint8, flags geometry.OpFlags) int {
	geometry.Order.PutUint32(buf[off:], tid)
	geometry.Order.PutUint32(buf[off+4:], opLen)
	buf[off+8] = clientID
	buf[off+9] = byte(flags)
	return off + geometry.OpHeaderSize
}

type fakeDispatcher struct {
	pass1, pass2 []*logreplay.Transaction
}

func (d *fakeDispatcher) CommitPass1(tx *logreplay.Transaction) error {
	d.pass1 = append(d.pass1, tx)
	return nil
}

func (d *fakeDispatcher) CommitPass2(tx *logreplay.Transaction) error {
	d.pass2 = append(d.pass2, tx)
	return nil
}

// buildOneTransactionLog writes a minimal log to dev containing exactly
// one transaction (tid=5) with one 8-byte completed item, spanning a
// single data BB, and returns (tail, head).
func buildOneTransactionLog(t *testing.T, dev *memDevice, uuid geometry.UUID) (tail, head uint32) {
	t.Helper()

	trueData := make([]byte, geometry.BBSize)
	off := 0
	off = putOp(trueData, off, 5, 0, geometry.ClientTransaction, geometry.OpStart)
	off = putOp(trueData, off, 5, 4, geometry.ClientTransaction, 0)
	geometry.Order.PutUint16(trueData[off+2:], 1) // item header: total regions = 1
	off += 4
	off = putOp(trueData, off, 5, 8, geometry.ClientTransaction, 0)
	copy(trueData[off:], []byte("ABCDEFGH"))
	off += 8
	recLen := uint32(putOp(trueData, off, 5, 0, geometry.ClientTransaction, geometry.OpCommit))

	cycleData, packed := geometry.PackRecord(1, trueData)

	headerBuf := make([]byte, geometry.BBSize)
	geometry.Order.PutUint32(headerBuf[0:], geometry.LogRecordMagic)
	geometry.Order.PutUint32(headerBuf[4:], 1) // cycle
	geometry.Order.PutUint16(headerBuf[8:], 2)
	geometry.Order.PutUint32(headerBuf[10:], recLen)
	geometry.Order.PutUint64(headerBuf[14:], uint64(geometry.MakeLSN(1, 0)))
	geometry.Order.PutUint64(headerBuf[22:], uint64(geometry.MakeLSN(1, 0)))
	geometry.Order.PutUint32(headerBuf[38:], 4) // num log ops
	copy(headerBuf[42:58], uuid[:])
	geometry.Order.PutUint32(headerBuf[58:], cycleData[0])

	copy(dev.data[0:], headerBuf)
	copy(dev.data[geometry.BBSize:], packed)

	return 0, 2
}

func TestReplayOneTransaction(t *testing.T) {
	uuid := geometry.UUID{1, 2, 3}
	dev := newMemDevice(4)
	tail, head := buildOneTransactionLog(t, dev, uuid)

	bio := block.New(dev, 4, 4)
	r := logreplay.New(bio, 4, uuid)
	disp := &fakeDispatcher{}

	stats, err := r.Replay(tail, head, logreplay.Pass1, disp)
	require.NoError(t, err)
	require.Equal(t, 1, stats.TransactionsCommitted)
	require.Equal(t, 0, stats.OpsDiscarded)
	require.Len(t, disp.pass1, 1)

	tx := disp.pass1[0]
	require.Equal(t, uint32(5), tx.Tid)
	require.Len(t, tx.Items, 1)
	require.Len(t, tx.Items[0].Regions, 1)
	require.Equal(t, "ABCDEFGH", string(tx.Items[0].Regions[0]))
}

func TestReplayUUIDMismatch(t *testing.T) {
	uuid := geometry.UUID{1, 2, 3}
	dev := newMemDevice(4)
	tail, head := buildOneTransactionLog(t, dev, uuid)

	bio := block.New(dev, 4, 4)
	other := geometry.UUID{9, 9, 9}
	r := logreplay.New(bio, 4, other)
	disp := &fakeDispatcher{}

	_, err := r.Replay(tail, head, logreplay.Pass1, disp)
	require.Error(t, err)
}

func TestReplayIncompleteTransactionDiscarded(t *testing.T) {
	uuid := geometry.UUID{1, 2, 3}
	dev := newMemDevice(4)

	trueData := make([]byte, geometry.BBSize)
	off := putOp(trueData, 0, 7, 0, geometry.ClientTransaction, geometry.OpStart)
	recLen := uint32(off)
	cycleData, packed := geometry.PackRecord(1, trueData)

	headerBuf := make([]byte, geometry.BBSize)
	geometry.Order.PutUint32(headerBuf[0:], geometry.LogRecordMagic)
	geometry.Order.PutUint32(headerBuf[4:], 1)
	geometry.Order.PutUint32(headerBuf[10:], recLen)
	geometry.Order.PutUint32(headerBuf[38:], 1)
	copy(headerBuf[42:58], uuid[:])
	geometry.Order.PutUint32(headerBuf[58:], cycleData[0])

	copy(dev.data[0:], headerBuf)
	copy(dev.data[geometry.BBSize:], packed)

	bio := block.New(dev, 4, 4)
	r := logreplay.New(bio, 4, uuid)
	disp := &fakeDispatcher{}

	stats, err := r.Replay(0, 2, logreplay.Pass1, disp)
	require.NoError(t, err)
	require.Equal(t, 0, stats.TransactionsCommitted)
	require.Equal(t, 1, stats.OpsDiscarded)
}
