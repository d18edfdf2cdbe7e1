package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_SaveAndOpen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(dir)
	require.NoError(t, err)

	ref, err := s.Save(context.Background(), "job1", ".png", "image/png", [][]byte{[]byte("first"), []byte("second")})
	require.NoError(t, err)

	abs, err := filepath.Abs(filepath.Join(dir, "results", "job1", "0.png"))
	require.NoError(t, err)
	assert.Equal(t, abs, ref, "ref points at the first artifact")
	_, err = os.Stat(filepath.Join(dir, "results", "job1", "1.png"))
	require.NoError(t, err, "secondary artifacts are written too")

	for i := 0; i < 2; i++ {
		rc, size, err := s.Open(context.Background(), ref)
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, rc.Close())
		require.NoError(t, err)
		assert.Equal(t, "first", string(b))
		assert.Equal(t, int64(5), size)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "results", "job1"))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temp files left behind")
}

func TestLocalStore_SaveRequiresArtifacts(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	_, err = s.Save(context.Background(), "job", ".png", "", nil)
	assert.Error(t, err)
}

func TestLocalStore_OpenMissingOrOutside(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(dir)
	require.NoError(t, err)

	_, _, err = s.Open(context.Background(), filepath.Join(s.root, "nope", "0.png"))
	assert.ErrorIs(t, err, ErrArtifactNotFound)

	outside := filepath.Join(dir, "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o600))
	_, _, err = s.Open(context.Background(), outside)
	assert.ErrorIs(t, err, ErrArtifactNotFound)

	_, _, err = s.Open(context.Background(), filepath.Join(s.root, "..", "secret.txt"))
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}
