// Package fixture locates per-assignment test suites and merges them into a workdir.
package fixture

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	appErr "acarunner/pkg/errors"
)

const testsDirName = "tests"

// Resolver searches fixture roots in order for <root>/<slug>/tests.
type Resolver struct {
	roots []string
}

// NewResolver keeps the non-empty roots in the given order.
func NewResolver(roots ...string) *Resolver {
	r := &Resolver{}
	for _, root := range roots {
		if strings.TrimSpace(root) != "" {
			r.roots = append(r.roots, root)
		}
	}
	return r
}

// Resolve returns the first existing tests directory for slug.
func (r *Resolver) Resolve(slug string) (string, error) {
	if !validSlug(slug) {
		return "", appErr.New(appErr.FixturesNotFound).WithDetail("slug", slug)
	}
	for _, root := range r.roots {
		dir := filepath.Join(root, slug, testsDirName)
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			return dir, nil
		}
	}
	return "", appErr.New(appErr.FixturesNotFound).WithDetail("slug", slug)
}

func validSlug(slug string) bool {
	if slug == "" || slug == "." || slug == ".." {
		return false
	}
	return !strings.ContainsAny(slug, `/\`)
}

// Merge copies the contents of srcDir into dstDir, overwriting files of the
// same name, and returns the copied files as sorted slash-separated paths
// relative to dstDir.
func Merge(srcDir, dstDir string) ([]string, error) {
	var copied []string
	err := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dstDir, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0755)
		case d.Type().IsRegular():
			if err := copyFile(p, target); err != nil {
				return err
			}
			copied = append(copied, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.FixtureCopyFailed, "copy fixtures failed")
	}
	sort.Strings(copied)
	return copied, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	st, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	// a submission may ship a directory where a fixture file belongs
	if info, err := os.Lstat(dst); err == nil && info.IsDir() {
		if err := os.RemoveAll(dst); err != nil {
			return err
		}
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, st.Mode().Perm()|0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
