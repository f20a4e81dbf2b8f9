// Package workspace prepares and destroys per-execution working directories.
//
// Each execution gets a fresh directory under a tmpfs root. The box/
// subdirectory is the only part visible inside the sandbox, mounted at the
// container working directory. Capture files live in box/ under reserved
// dotfile names so the engine can redirect IO after entering the sandbox.
package workspace

import (
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"strings"

	appErr "runbox/pkg/errors"
)

const (
	DefaultRoot   = "/dev/shm/runbox"
	DefaultPrefix = "rb_"

	boxDirName = "box"

	// Reserved capture file names inside box/.
	StdinFileName      = ".stdin"
	StdoutFileName     = ".stdout"
	StderrFileName     = ".stderr"
	CompileOutFileName = ".compile.stdout"
	CompileErrFileName = ".compile.stderr"
)

const defaultMaxFileBytes = 1 << 20

// Manager creates workspaces under a shared root.
type Manager struct {
	root         string
	prefix       string
	maxFileBytes int64
}

// NewManager creates a workspace manager.
// Zero values fall back to the tmpfs defaults.
func NewManager(root, prefix string, maxFileBytes int64) *Manager {
	if root == "" {
		root = DefaultRoot
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if maxFileBytes <= 0 {
		maxFileBytes = defaultMaxFileBytes
	}
	return &Manager{root: root, prefix: prefix, maxFileBytes: maxFileBytes}
}

// Create allocates a fresh workspace directory.
func (m *Manager) Create(executionID string) (*Workspace, error) {
	if executionID == "" {
		return nil, appErr.ValidationError("execution_id", "required")
	}
	if err := os.MkdirAll(m.root, 0755); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceFailure, "create workspace root failed")
	}
	dir, err := os.MkdirTemp(m.root, m.prefix)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceFailure, "create workspace failed")
	}
	boxDir := filepath.Join(dir, boxDirName)
	if err := os.MkdirAll(boxDir, 0755); err != nil {
		_ = os.RemoveAll(dir)
		return nil, appErr.Wrapf(err, appErr.WorkspaceFailure, "create box dir failed")
	}
	return &Workspace{
		executionID:  executionID,
		root:         dir,
		boxDir:       boxDir,
		maxFileBytes: m.maxFileBytes,
	}, nil
}

// Workspace is one per-execution directory tree.
type Workspace struct {
	executionID  string
	root         string
	boxDir       string
	maxFileBytes int64
	hasStdin     bool
}

// Root returns the workspace host root directory.
func (w *Workspace) Root() string { return w.root }

// BoxDir returns the host path mounted as the sandbox working directory.
func (w *Workspace) BoxDir() string { return w.boxDir }

// HasStdin reports whether a stdin file was written.
func (w *Workspace) HasStdin() bool { return w.hasStdin }

// HostPath maps a box-relative file name to its host path.
func (w *Workspace) HostPath(name string) string {
	return filepath.Join(w.boxDir, name)
}

// WriteSource writes the code under the profile's source file name.
func (w *Workspace) WriteSource(name, code string) error {
	target, err := w.safeJoin(name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(target, []byte(code), 0644); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceFailure, "write source failed")
	}
	return nil
}

// WriteStdin stores request stdin for the run phase.
// Non-empty input gets a trailing newline, matching interactive reads that
// expect a terminated line. Empty input writes nothing; the run phase then
// reads from /dev/null.
func (w *Workspace) WriteStdin(data string) error {
	if data == "" {
		return nil
	}
	target := filepath.Join(w.boxDir, StdinFileName)
	if err := os.WriteFile(target, []byte(data+"\n"), 0644); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceFailure, "write stdin failed")
	}
	w.hasStdin = true
	return nil
}

// WriteFiles decodes base64 request files into the box.
func (w *Workspace) WriteFiles(files map[string]string) error {
	for name, encoded := range files {
		target, err := w.safeJoin(name)
		if err != nil {
			return err
		}
		content, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return appErr.Newf(appErr.InvalidFileName, "file %s is not valid base64", name)
		}
		if dir := filepath.Dir(target); dir != w.boxDir {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return appErr.Wrapf(err, appErr.WorkspaceFailure, "create file dir failed")
			}
		}
		if err := os.WriteFile(target, content, 0644); err != nil {
			return appErr.Wrapf(err, appErr.WorkspaceFailure, "write file failed")
		}
	}
	return nil
}

// CollectFiles reads requested files back from the box as base64.
// Missing files are omitted; reads are bounded per file.
func (w *Workspace) CollectFiles(names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		target, err := w.safeJoin(name)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(target)
		if err != nil {
			continue
		}
		content, err := io.ReadAll(io.LimitReader(f, w.maxFileBytes))
		_ = f.Close()
		if err != nil {
			continue
		}
		out[name] = base64.StdEncoding.EncodeToString(content)
	}
	return out, nil
}

// Destroy removes the workspace tree.
func (w *Workspace) Destroy() error {
	if w.root == "" {
		return nil
	}
	if err := os.RemoveAll(w.root); err != nil {
		return appErr.Wrapf(err, appErr.CleanupFailed, "remove workspace failed")
	}
	w.root = ""
	return nil
}

func (w *Workspace) safeJoin(name string) (string, error) {
	if name == "" {
		return "", appErr.New(appErr.InvalidFileName).WithMessage("file name is required")
	}
	if filepath.IsAbs(name) {
		return "", appErr.Newf(appErr.InvalidFileName, "file name must be relative: %s", name)
	}
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", appErr.Newf(appErr.InvalidFileName, "file name escapes the workspace: %s", name)
	}
	return filepath.Join(w.boxDir, clean), nil
}
