package declaration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSource_Snapshot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "D-100.json"),
		[]byte(`{"consignee":{"name":"ACME"},"items":[{"hs":"0901"}]}`), 0o600))

	src := NewFileSource(dir)
	snap, err := src.Snapshot(context.Background(), "D-100")
	require.NoError(t, err)

	v, ok := snap.Lookup("consignee.name")
	require.True(t, ok)
	assert.Equal(t, "ACME", v)
	assert.Len(t, snap.List("items"), 1)
}

func TestFileSource_Snapshot_Errors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`not json`), 0o600))
	src := NewFileSource(dir)

	_, err := src.Snapshot(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = src.Snapshot(context.Background(), "bad")
	assert.Error(t, err)

	_, err = src.Snapshot(context.Background(), "../etc/passwd")
	assert.ErrorContains(t, err, "invalid id")
}

func TestFileSource_MarkSubmitted(t *testing.T) {
	dir := t.TempDir()
	src := NewFileSource(dir)

	st, err := src.ReadStatus("D-1")
	require.NoError(t, err)
	assert.Nil(t, st)

	at := time.Date(2026, 5, 2, 9, 30, 0, 0, time.UTC)
	require.NoError(t, src.MarkSubmitted(context.Background(), Status{
		DeclarationID:     "D-1",
		TargetID:          "ky",
		SubmissionID:      "sub-1",
		ExternalReference: "TD-1",
		SubmittedAt:       at,
	}))

	st, err = src.ReadStatus("D-1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "TD-1", st.ExternalReference)
	assert.True(t, at.Equal(st.SubmittedAt))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not linger")
}
