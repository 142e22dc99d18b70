package repair_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xfsrepair/xfsrepair-core/internal/xfs/geometry"
	"github.com/xfsrepair/xfsrepair-core/internal/xfs/repair"
)

func TestNewDefaults(t *testing.T) {
	ctx, err := repair.New()
	require.NoError(t, err)
	require.False(t, ctx.NoModify)
	require.False(t, ctx.InoDiscovery)
	require.False(t, ctx.NeedRootDotdot())
}

func TestOptionsApply(t *testing.T) {
	uuid := geometry.UUID{1, 2, 3}
	ctx, err := repair.New(repair.WithNoModify(), repair.WithInoDiscovery(), repair.WithMountUUID(uuid))
	require.NoError(t, err)
	require.True(t, ctx.NoModify)
	require.True(t, ctx.InoDiscovery)
	require.Equal(t, uuid, ctx.MountUUID)
}

func TestSetNeedRootDotdot(t *testing.T) {
	ctx, err := repair.New()
	require.NoError(t, err)
	require.False(t, ctx.NeedRootDotdot())
	ctx.SetNeedRootDotdot()
	require.True(t, ctx.NeedRootDotdot())
}

func TestAddBadDirAndSnapshot(t *testing.T) {
	ctx, err := repair.New()
	require.NoError(t, err)
	ctx.AddBadDir(10, "corrupt bestfree")
	ctx.AddBadDir(11, "unrecognised format")

	got := ctx.BadDirectories()
	require.Len(t, got, 2)

	byIno := map[uint64]string{}
	for _, bd := range got {
		byIno[bd.Ino] = bd.Reason
	}
	require.Equal(t, "corrupt bestfree", byIno[10])
	require.Equal(t, "unrecognised format", byIno[11])
}

func TestAddBadDirOverwritesSameIno(t *testing.T) {
	ctx, err := repair.New()
	require.NoError(t, err)
	ctx.AddBadDir(10, "first reason")
	ctx.AddBadDir(10, "second reason")

	got := ctx.BadDirectories()
	require.Len(t, got, 1)
	require.Equal(t, "second reason", got[0].Reason)
}
