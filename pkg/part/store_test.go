package part

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/amberio/amberio/pkg/amerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	return s
}

func TestStageWrite_BasicRoundTrip(t *testing.T) {
	s := newTestStore(t)
	data := []byte("hello amberio")

	ref, err := s.StageWrite(context.Background(), "a/b/obj", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), ref.Length)
	assert.Equal(t, sha256Hex(data), ref.HexSHA256())

	rc, err := s.Open("a/b/obj", ref.HexSHA256())
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStageWrite_DedupKeepsSingleFile(t *testing.T) {
	s := newTestStore(t)
	data := []byte("duplicate content")

	ref1, err := s.StageWrite(context.Background(), "p", bytes.NewReader(data))
	require.NoError(t, err)
	ref2, err := s.StageWrite(context.Background(), "p", bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, ref1, ref2)

	parts, err := s.ListParts("p")
	require.NoError(t, err)
	assert.Len(t, parts, 1)
}

func TestStageWrite_LeavesNoTempFileOnSuccess(t *testing.T) {
	s := newTestStore(t)
	_, err := s.StageWrite(context.Background(), "x", bytes.NewReader([]byte("body")))
	require.NoError(t, err)

	entries, err := os.ReadDir(s.objectDir("x"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, filepath.Ext(e.Name()), ".tmp")
	}
}

func TestStageWrite_ContextCancelled(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.StageWrite(ctx, "cancelled", bytes.NewReader([]byte("data")))
	require.Error(t, err)
}

func TestOpen_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Open("missing", "deadbeef")
	require.Error(t, err)
	assert.True(t, amerr.Is(err, amerr.KindNotFound))
}

func TestStat_ReportsExistence(t *testing.T) {
	s := newTestStore(t)
	data := []byte("stat me")
	ref, err := s.StageWrite(context.Background(), "statpath", bytes.NewReader(data))
	require.NoError(t, err)

	length, exists, err := s.Stat("statpath", ref.HexSHA256())
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, uint64(len(data)), length)

	_, exists, err = s.Stat("statpath", "0000")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRemove_IsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ref, err := s.StageWrite(context.Background(), "removeme", bytes.NewReader([]byte("bye")))
	require.NoError(t, err)

	require.NoError(t, s.Remove("removeme", ref.HexSHA256()))
	require.NoError(t, s.Remove("removeme", ref.HexSHA256()))

	_, exists, err := s.Stat("removeme", ref.HexSHA256())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestVerify_DetectsCorruption(t *testing.T) {
	s := newTestStore(t)
	ref, err := s.StageWrite(context.Background(), "verifyme", bytes.NewReader([]byte("intact")))
	require.NoError(t, err)

	require.NoError(t, s.Verify("verifyme", ref.HexSHA256()))

	corrupt := s.finalPath("verifyme", ref.HexSHA256())
	require.NoError(t, os.WriteFile(corrupt, []byte("tampered"), 0o644))

	err = s.Verify("verifyme", ref.HexSHA256())
	require.Error(t, err)
	assert.True(t, amerr.Is(err, amerr.KindDigestMismatch))
}

func TestSweepTemp_RemovesOrphanedTempFiles(t *testing.T) {
	s := newTestStore(t)
	dir := s.objectDir("orphan")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "part.abc.tmp"), []byte("junk"), 0o644))

	require.NoError(t, s.SweepTemp())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListParts_SkipsTempFiles(t *testing.T) {
	s := newTestStore(t)
	ref, err := s.StageWrite(context.Background(), "listed", bytes.NewReader([]byte("kept")))
	require.NoError(t, err)

	dir := s.objectDir("listed")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "part.stray.tmp"), []byte("x"), 0o644))

	parts, err := s.ListParts("listed")
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, ref.HexSHA256(), parts[0].HexSHA256)
}

func TestObjectDirs_FindsMultiSegmentPaths(t *testing.T) {
	s := newTestStore(t)
	_, err := s.StageWrite(context.Background(), "a/b.png", bytes.NewReader([]byte("nested")))
	require.NoError(t, err)
	_, err = s.StageWrite(context.Background(), "flat", bytes.NewReader([]byte("top level")))
	require.NoError(t, err)

	var got []string
	require.NoError(t, s.ObjectDirs(func(normalizedPath string) error {
		got = append(got, normalizedPath)
		return nil
	}))
	assert.ElementsMatch(t, []string{"a/b.png", "flat"}, got)
}

func sha256Hex(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}
