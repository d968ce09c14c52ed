package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileStorage manages archive snapshots in a specific directory.
type FileStorage struct {
	dir string
}

// NewFileStorage creates a new FileStorage instance with the given directory.
func NewFileStorage(dir string) *FileStorage {
	return &FileStorage{dir: dir}
}

// SnapshotName returns the file name of the snapshot taken after the given
// sweep generation, e.g. "alps.3.mbtiles" for "/data/alps.mbtiles".
func SnapshotName(archivePath string, generation int) string {
	base := filepath.Base(archivePath)
	ext := filepath.Ext(base)
	if ext == "" {
		ext = ".mbtiles"
	}
	return fmt.Sprintf("%s.%d%s", strings.TrimSuffix(base, filepath.Ext(base)), generation, ext)
}

// Snapshot copies a closed archive into the storage directory and returns the
// path of the copy. The copy is written under a temporary name and renamed,
// so a crash never leaves a half-written snapshot.
func (s *FileStorage) Snapshot(archivePath string, generation int) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot directory: %w", err)
	}

	src, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer src.Close()

	name := SnapshotName(archivePath, generation)
	tmpName := name + ".tmp"
	if _, err := s.CopyFile(src, tmpName); err != nil {
		os.Remove(filepath.Join(s.dir, tmpName))
		return "", fmt.Errorf("copy archive: %w", err)
	}

	dst := filepath.Join(s.dir, name)
	if err := os.Rename(filepath.Join(s.dir, tmpName), dst); err != nil {
		return "", fmt.Errorf("rename snapshot: %w", err)
	}
	return dst, nil
}

// CopyFile copies data from the provided reader to a file with the specified filename.
// Returns the number of bytes written and any error encountered.
func (s *FileStorage) CopyFile(src io.Reader, dstFilename string) (int64, error) {
	dst, err := os.Create(filepath.Join(s.dir, dstFilename))
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}

	n, err := io.Copy(dst, src)
	if err != nil {
		dst.Close()
		return n, err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return n, fmt.Errorf("sync file: %w", err)
	}
	return n, dst.Close()
}
