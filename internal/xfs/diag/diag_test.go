package diag_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/xfsrepair/xfsrepair-core/internal/xfs/diag"
)

func TestEmitWritesJSONLRecord(t *testing.T) {
	var buf bytes.Buffer
	sink := diag.NewSink(&buf, false)

	diag.Emit(sink, 42, 3, false, "bad-bestfree", "bestfree table")

	var rec diag.Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, uint64(42), rec.Ino)
	require.Equal(t, uint64(3), rec.FileBlock)
	require.Equal(t, "bad-bestfree", rec.Kind)
	require.Equal(t, "corrected bestfree table", rec.Message)
}

func TestEmitDryRunMessage(t *testing.T) {
	var buf bytes.Buffer
	sink := diag.NewSink(&buf, false)

	diag.Emit(sink, 1, 0, true, "dup-dot", "duplicate '.' entry")

	var rec diag.Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "would have corrected duplicate '.' entry", rec.Message)
	require.True(t, rec.NoModify)
}

func TestEmitNilSinkDoesNotPanic(t *testing.T) {
	require.NotPanics(t, func() {
		diag.Emit(nil, 1, 2, false, "kind", "what")
	})
}

func TestSinkGzipFraming(t *testing.T) {
	var buf bytes.Buffer
	sink := diag.NewSink(&buf, true)
	diag.Emit(sink, 5, 0, false, "kind", "what")
	require.NoError(t, sink.Close())

	gz, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	defer gz.Close()

	var rec diag.Record
	require.NoError(t, json.NewDecoder(gz).Decode(&rec))
	require.Equal(t, uint64(5), rec.Ino)
}
