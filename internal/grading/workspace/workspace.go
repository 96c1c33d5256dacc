// Package workspace allocates and removes per-run scratch directories.
package workspace

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	appErr "acarunner/pkg/errors"

	"github.com/google/uuid"
)

const workDirName = "work"

// Manager owns the root under which run directories are created.
type Manager struct {
	root string
}

// NewManager ensures root exists.
func NewManager(root string) (*Manager, error) {
	if root == "" {
		return nil, appErr.ValidationError("work_root", "required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "create work root failed")
	}
	return &Manager{root: root}, nil
}

func (m *Manager) Root() string { return m.root }

// Run is one allocated run directory. WorkDir holds the submission and fixtures.
type Run struct {
	Dir     string
	WorkDir string
}

// Create allocates run_<submissionId>_<uuid> with an empty work subdirectory.
func (m *Manager) Create(submissionID string) (*Run, error) {
	dir := filepath.Join(m.root, "run_"+sanitize(submissionID)+"_"+uuid.NewString())
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "create run dir failed")
	}
	run := &Run{Dir: dir, WorkDir: filepath.Join(dir, workDirName)}
	if err := os.Mkdir(run.WorkDir, 0755); err != nil {
		_ = os.RemoveAll(dir)
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "create work dir failed")
	}
	return run, nil
}

// Cleanup removes the run directory and everything below it.
func (r *Run) Cleanup() error {
	if r == nil || r.Dir == "" {
		return nil
	}
	return os.RemoveAll(r.Dir)
}

// ListFiles returns regular files under root as sorted slash-separated relative paths.
func ListFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "list work dir failed")
	}
	sort.Strings(files)
	return files, nil
}

func sanitize(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "anon"
	}
	return b.String()
}
