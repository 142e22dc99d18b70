package geometry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xfsrepair/xfsrepair-core/internal/xfs/geometry"
)

func TestLSNRoundTrip(t *testing.T) {
	l := geometry.MakeLSN(7, 1234)
	assert.Equal(t, uint32(7), l.Cycle())
	assert.Equal(t, uint32(1234), l.Block())
}

func TestLSNLess(t *testing.T) {
	a := geometry.MakeLSN(1, 500)
	b := geometry.MakeLSN(1, 600)
	c := geometry.MakeLSN(2, 0)

	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.True(t, b.Less(c))
	assert.False(t, a.Less(a))
}

func TestBBToDiskAndCount(t *testing.T) {
	assert.Equal(t, int64(0), geometry.BBToDisk(0))
	assert.Equal(t, int64(geometry.BBSize), geometry.BBToDisk(1))
	assert.Equal(t, uint32(1), geometry.BBCount(1))
	assert.Equal(t, uint32(1), geometry.BBCount(geometry.BBSize))
	assert.Equal(t, uint32(2), geometry.BBCount(geometry.BBSize+1))
}

func TestWrapBlock(t *testing.T) {
	assert.Equal(t, uint32(0), geometry.WrapBlock(10, 10))
	assert.Equal(t, uint32(9), geometry.WrapBlock(-1, 10))
	assert.Equal(t, uint32(5), geometry.WrapBlock(5, 10))
}

func TestWrapAdd(t *testing.T) {
	assert.Equal(t, uint32(2), geometry.WrapAdd(8, 4, 10))
	assert.Equal(t, uint32(7), geometry.WrapAdd(8, -1, 10))
}

func TestWrapDistance(t *testing.T) {
	assert.Equal(t, uint32(5), geometry.WrapDistance(2, 7, 10))
	assert.Equal(t, uint32(5), geometry.WrapDistance(8, 3, 10))
	assert.Equal(t, uint32(0), geometry.WrapDistance(4, 4, 10))
}

func TestUUIDEqual(t *testing.T) {
	var a, b geometry.UUID
	a[0] = 1
	b[0] = 1
	require.True(t, a.Equal(b))
	b[1] = 2
	require.False(t, a.Equal(b))
}
