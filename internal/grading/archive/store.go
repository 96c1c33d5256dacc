// Package archive locates submission archives and unpacks them into a run workspace.
package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"acarunner/internal/common/storage"
	appErr "acarunner/pkg/errors"
)

// Store resolves submission archives by filename.
type Store interface {
	// Stat reports whether the archive exists. A missing archive yields
	// SubmissionArchiveNotFound.
	Stat(ctx context.Context, filename string) (int64, error)

	// Fetch makes the archive available as a local file, using scratchDir
	// for any download, and returns its path.
	Fetch(ctx context.Context, filename, scratchDir string) (string, error)
}

// LocalStore reads archives from a shared directory.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

func (s *LocalStore) Stat(_ context.Context, filename string) (int64, error) {
	p, err := s.path(filename)
	if err != nil {
		return 0, err
	}
	st, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, appErr.New(appErr.SubmissionArchiveNotFound).WithDetail("filename", filename)
		}
		return 0, appErr.Wrapf(err, appErr.StorageError, "stat archive failed")
	}
	if st.IsDir() {
		return 0, appErr.New(appErr.SubmissionArchiveNotFound).WithDetail("filename", filename)
	}
	return st.Size(), nil
}

func (s *LocalStore) Fetch(ctx context.Context, filename, _ string) (string, error) {
	if _, err := s.Stat(ctx, filename); err != nil {
		return "", err
	}
	return s.path(filename)
}

func (s *LocalStore) path(filename string) (string, error) {
	name, err := cleanName(filename)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(name)), nil
}

// ObjectStore reads archives from an S3-compatible bucket.
type ObjectStore struct {
	client storage.ObjectStorage
	bucket string
	prefix string
}

func NewObjectStore(client storage.ObjectStorage, bucket, prefix string) *ObjectStore {
	return &ObjectStore{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *ObjectStore) Stat(ctx context.Context, filename string) (int64, error) {
	key, err := s.key(filename)
	if err != nil {
		return 0, err
	}
	st, err := s.client.StatObject(ctx, s.bucket, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return 0, appErr.New(appErr.SubmissionArchiveNotFound).WithDetail("filename", filename)
		}
		return 0, appErr.Wrapf(err, appErr.StorageError, "stat archive failed")
	}
	return st.SizeBytes, nil
}

func (s *ObjectStore) Fetch(ctx context.Context, filename, scratchDir string) (string, error) {
	key, err := s.key(filename)
	if err != nil {
		return "", err
	}
	reader, err := s.client.GetObject(ctx, s.bucket, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return "", appErr.New(appErr.SubmissionArchiveNotFound).WithDetail("filename", filename)
		}
		return "", appErr.Wrapf(err, appErr.StorageError, "download archive failed")
	}
	defer reader.Close()

	if err := os.MkdirAll(scratchDir, 0755); err != nil {
		return "", appErr.Wrapf(err, appErr.WorkspaceError, "create scratch dir failed")
	}
	dst := filepath.Join(scratchDir, path.Base(key))
	file, err := os.Create(dst)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.WorkspaceError, "create archive file failed")
	}
	defer file.Close()
	if _, err := io.Copy(file, reader); err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "write archive file failed")
	}
	return dst, nil
}

func (s *ObjectStore) key(filename string) (string, error) {
	name, err := cleanName(filename)
	if err != nil {
		return "", err
	}
	if s.prefix == "" {
		return name, nil
	}
	return s.prefix + "/" + name, nil
}

// cleanName rejects names that would escape the archive root.
func cleanName(filename string) (string, error) {
	name := path.Clean(filepath.ToSlash(strings.TrimSpace(filename)))
	if name == "." || name == "" || path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
		return "", appErr.ValidationError("filename", "invalid archive name")
	}
	return name, nil
}
