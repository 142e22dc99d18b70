package inoref_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xfsrepair/xfsrepair-core/internal/xfs/inoref"
)

func TestVerifyInum(t *testing.T) {
	m := inoref.NewMemory(map[uint64]bool{}, 1000, nil)
	require.False(t, m.VerifyInum(0))
	require.False(t, m.VerifyInum(inoref.NullFSIno))
	require.False(t, m.VerifyInum(1001))
	require.True(t, m.VerifyInum(500))
}

func TestFindInodeRecAllocatedAndFree(t *testing.T) {
	allocated := map[uint64]bool{
		uint64(1)<<32 | 10: true,
		uint64(1)<<32 | 11: false,
	}
	m := inoref.NewMemory(allocated, 1<<20, nil)

	rec, ok := m.FindInodeRec(1, 10)
	require.True(t, ok)
	require.True(t, m.IsInodeConfirmed(rec, 0))
	require.False(t, m.IsInodeFree(rec, 0))

	rec2, ok := m.FindInodeRec(1, 11)
	require.True(t, ok)
	require.True(t, m.IsInodeFree(rec2, 0))

	_, ok = m.FindInodeRec(2, 0)
	require.False(t, ok)
}

func TestIsReserved(t *testing.T) {
	m := inoref.NewMemory(nil, 1000, map[uint64]bool{42: true})
	require.True(t, m.IsReserved(42))
	require.False(t, m.IsReserved(43))
}

func TestAddInodeUncertainQueues(t *testing.T) {
	m := inoref.NewMemory(nil, 1000, nil)
	m.AddInodeUncertain(7, 1)
	m.AddInodeUncertain(8, 2)
	got := m.Uncertain()
	require.Len(t, got, 2)
	require.Equal(t, uint64(7), got[0].Ino)
	require.Equal(t, uint32(2), got[1].Gen)
}
