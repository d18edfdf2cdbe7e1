package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jo-hoe/heic2png/internal/common"
)

var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactStore persists converted outputs of a job under a job scoped
// namespace named 0<ext>, 1<ext>, … and hands back a stable reference to
// the primary (first) artifact.
type ArtifactStore interface {
	Save(ctx context.Context, jobID, ext, contentType string, artifacts [][]byte) (string, error)
	// Open returns the artifact bytes and their size, or -1 if unknown.
	Open(ctx context.Context, ref string) (io.ReadCloser, int64, error)
}

func artifactName(idx int, ext string) string {
	return strconv.Itoa(idx) + ext
}

// LocalStore writes artifacts to <storageDir>/results/<id>/.
type LocalStore struct {
	root string
}

var _ ArtifactStore = (*LocalStore)(nil)

func NewLocalStore(storageDir string) (*LocalStore, error) {
	root, err := filepath.Abs(filepath.Join(storageDir, common.ResultsDirName))
	if err != nil {
		return nil, fmt.Errorf("resolve results dir: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("ensure results dir: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) Save(ctx context.Context, jobID, ext, _ string, artifacts [][]byte) (string, error) {
	if len(artifacts) == 0 {
		return "", errors.New("no artifacts to save")
	}
	dir := filepath.Join(s.root, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure job dir: %w", err)
	}
	for i, data := range artifacts {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := writeFileAtomic(filepath.Join(dir, artifactName(i, ext)), data); err != nil {
			return "", err
		}
	}
	return filepath.Join(dir, artifactName(0, ext)), nil
}

func (s *LocalStore) Open(_ context.Context, ref string) (io.ReadCloser, int64, error) {
	clean := filepath.Clean(ref)
	if !strings.HasPrefix(clean, s.root+string(os.PathSeparator)) {
		return nil, 0, fmt.Errorf("%w: %s outside results dir", ErrArtifactNotFound, ref)
	}
	f, err := os.Open(clean) // #nosec G304 - confined to results dir above
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
		}
		return nil, 0, fmt.Errorf("open artifact: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat artifact: %w", err)
	}
	return f, info.Size(), nil
}

// writeFileAtomic writes to a temp file in the same dir then renames, so a
// reader never sees a partially written artifact.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}
