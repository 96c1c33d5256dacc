package archive

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	appErr "acarunner/pkg/errors"

	"github.com/klauspost/compress/zip"
)

const (
	DefaultMaxBytes = 64 << 20
	DefaultMaxFiles = 2000
)

// Limits bounds what an extraction may write.
type Limits struct {
	MaxBytes int64 `yaml:"maxBytes"`
	MaxFiles int   `yaml:"maxFiles"`
}

func (l Limits) withDefaults() Limits {
	if l.MaxBytes <= 0 {
		l.MaxBytes = DefaultMaxBytes
	}
	if l.MaxFiles <= 0 {
		l.MaxFiles = DefaultMaxFiles
	}
	return l
}

// Extract unpacks the zip at srcPath into dstDir and returns the regular
// files written, as sorted slash-separated paths relative to dstDir.
func Extract(srcPath, dstDir string, limits Limits) ([]string, error) {
	limits = limits.withDefaults()
	zr, err := zip.OpenReader(srcPath)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ArchiveInvalid, "open archive failed")
	}
	defer zr.Close()

	root := filepath.Clean(dstDir)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "create work dir failed")
	}

	var written int64
	files := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		name := path.Clean(strings.ReplaceAll(f.Name, "\\", "/"))
		if name == "." || name == "" {
			continue
		}
		if path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
			return nil, appErr.New(appErr.ArchiveInvalid).WithMessagef("archive entry escapes target: %s", f.Name)
		}
		target := filepath.Join(root, filepath.FromSlash(name))
		if !strings.HasPrefix(target, root+string(filepath.Separator)) {
			return nil, appErr.New(appErr.ArchiveInvalid).WithMessagef("archive entry escapes target: %s", f.Name)
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0755); err != nil {
				return nil, appErr.Wrapf(err, appErr.WorkspaceError, "create dir failed")
			}
			continue
		case !mode.IsRegular():
			// symlinks and devices are not materialized
			continue
		}

		if len(files) >= limits.MaxFiles {
			return nil, appErr.New(appErr.ArchiveTooLarge).WithMessagef("archive has more than %d files", limits.MaxFiles)
		}
		n, err := extractFile(f, target, limits.MaxBytes-written)
		if err != nil {
			return nil, err
		}
		written += n
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}

func extractFile(f *zip.File, target string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return 0, appErr.Wrapf(err, appErr.WorkspaceError, "create parent dir failed")
	}
	src, err := f.Open()
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.ArchiveInvalid, "open archive entry failed")
	}
	defer src.Close()

	perm := f.Mode().Perm() | 0600
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.WorkspaceError, "create file failed")
	}
	defer dst.Close()

	// read one byte past the budget to detect overflow without trusting headers
	n, err := io.Copy(dst, io.LimitReader(src, budget+1))
	if err != nil {
		return n, appErr.Wrapf(err, appErr.ArchiveInvalid, "write archive entry failed")
	}
	if n > budget {
		return n, appErr.New(appErr.ArchiveTooLarge).WithMessage("archive exceeds extraction size limit")
	}
	return n, nil
}
