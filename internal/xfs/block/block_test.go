package block_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xfsrepair/xfsrepair-core/internal/xfs/block"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/geometry"
)

// memDevice is an in-memory block.Device backed by a byte slice, the
// way the teacher's tests back a reader with a []byte instead of a
// real file.
type memDevice struct {
	mu   sync.Mutex
	data []byte
}

func newMemDevice(bbs uint32) *memDevice {
	return &memDevice{data: make([]byte, int(bbs)*geometry.BBSize)}
}

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := copy(p, d.data[off:])
	return n, nil
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := copy(d.data[off:], p)
	return n, nil
}

func TestGetBufExact(t *testing.T) {
	f := block.New(newMemDevice(16), 16, 4)
	buf, err := f.GetBuf(4)
	require.NoError(t, err)
	require.Equal(t, uint32(4), buf.NBBs)
	require.Len(t, buf.Data, 4*geometry.BBSize)
}

func TestReadWriteRoundTrip(t *testing.T) {
	dev := newMemDevice(8)
	f := block.New(dev, 8, 4)

	buf, err := f.GetBuf(1)
	require.NoError(t, err)
	for i := range buf.Data {
		buf.Data[i] = 0x42
	}
	buf.Blkno = 3
	buf.Dirty = true
	require.NoError(t, f.WriteBuf(buf))

	readBuf, err := f.GetBuf(1)
	require.NoError(t, err)
	require.NoError(t, f.Read(3, readBuf, nil))
	require.Equal(t, buf.Data, readBuf.Data)
}

func TestReadCachesSingleBB(t *testing.T) {
	dev := newMemDevice(4)
	f := block.New(dev, 4, 2)

	first, err := f.GetBuf(1)
	require.NoError(t, err)
	require.NoError(t, f.Read(0, first, nil))

	// Mutate the device directly; a cached read must not observe it.
	dev.data[0] = 0xFF

	second, err := f.GetBuf(1)
	require.NoError(t, err)
	require.NoError(t, f.Read(0, second, nil))
	require.Equal(t, byte(0), second.Data[0])
}

func TestWriteBufInvalidatesCache(t *testing.T) {
	dev := newMemDevice(4)
	f := block.New(dev, 4, 2)

	first, err := f.GetBuf(1)
	require.NoError(t, err)
	require.NoError(t, f.Read(0, first, nil))

	write, err := f.GetBuf(1)
	require.NoError(t, err)
	write.Blkno = 0
	write.Data[0] = 0x7A
	require.NoError(t, f.WriteBuf(write))

	reread, err := f.GetBuf(1)
	require.NoError(t, err)
	require.NoError(t, f.Read(0, reread, nil))
	require.Equal(t, byte(0x7A), reread.Data[0])
}

func TestPutBufWritesBackDirtyUnlessReadOnly(t *testing.T) {
	dev := newMemDevice(4)
	f := block.New(dev, 4, 2)

	buf, err := f.GetBuf(1)
	require.NoError(t, err)
	buf.Blkno = 1
	buf.Data[0] = 9
	buf.Dirty = true

	require.NoError(t, f.PutBuf(buf, true))
	require.False(t, buf.Dirty)
	require.Equal(t, byte(0), dev.data[geometry.BBToDisk(1)])

	buf.Dirty = true
	require.NoError(t, f.PutBuf(buf, false))
	require.Equal(t, byte(9), dev.data[geometry.BBToDisk(1)])
}

func TestVerifyFuncSetsErr(t *testing.T) {
	dev := newMemDevice(2)
	f := block.New(dev, 2, 1)
	buf, err := f.GetBuf(1)
	require.NoError(t, err)

	verify := func(b *block.Buf) block.ErrKind { return block.ErrBadChecksum }
	require.NoError(t, f.Read(0, buf, verify))
	require.Equal(t, block.ErrBadChecksum, buf.Err)
}

func TestReadScatteredConcatenates(t *testing.T) {
	dev := newMemDevice(8)
	for i := 0; i < 8; i++ {
		dev.data[i*geometry.BBSize] = byte(i)
	}
	f := block.New(dev, 8, 4)

	buf, err := f.ReadScattered([]block.Extent{{Blkno: 0, NBBs: 2}, {Blkno: 4, NBBs: 1}}, nil)
	require.NoError(t, err)
	require.Len(t, buf.Data, 3*geometry.BBSize)
	require.Equal(t, byte(0), buf.Data[0])
	require.Equal(t, byte(1), buf.Data[geometry.BBSize])
	require.Equal(t, byte(4), buf.Data[2*geometry.BBSize])
}
