package surface

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

// Workdir is the directory relative paths resolve against.
type Workdir interface {
	Get() (string, error)
	Set(dir string) error
}

// Workdir modes accepted by NewWorkdir.
const (
	ModeSession = "session"
	ModeProcess = "process"
)

// NewWorkdir builds the workdir for mode. startDir seeds a session workdir;
// empty means the process working directory.
func NewWorkdir(mode, startDir string) (Workdir, error) {
	switch mode {
	case ModeProcess:
		w := &ProcessWorkdir{}
		if startDir != "" {
			if err := w.Set(startDir); err != nil {
				return nil, fmt.Errorf("start dir: %w", err)
			}
		}
		return w, nil
	case ModeSession, "":
		if startDir == "" {
			wd, err := os.Getwd()
			if err != nil {
				return nil, fmt.Errorf("start dir: %w", err)
			}
			startDir = wd
		}
		return NewDirState(startDir)
	default:
		return nil, fmt.Errorf("unknown workdir mode %q", mode)
	}
}

// ProcessWorkdir is the OS working directory of this process. Every call is
// serialized, but the state is still shared with anything else in the
// process that calls os.Chdir.
type ProcessWorkdir struct {
	mu sync.Mutex
}

func (w *ProcessWorkdir) Get() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return os.Getwd()
}

func (w *ProcessWorkdir) Set(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return os.Chdir(dir)
}

// DirState is an explicit working directory owned by one caller (a tab, an
// MCP session). Setting it never touches process state.
type DirState struct {
	mu  sync.RWMutex
	dir string
}

// NewDirState returns a DirState positioned at start.
func NewDirState(start string) (*DirState, error) {
	d := &DirState{}
	if err := d.Set(start); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DirState) Get() (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.dir == "" {
		return "", errors.New("working directory not set")
	}
	return d.dir, nil
}

// Set moves to dir after checking it exists and is a directory. A relative dir
// resolves against the current state, never the process directory. Failures
// are reported as *fs.PathError with op "chdir", the same shape os.Chdir
// returns. The stored path is absolute and symlink-free.
func (d *DirState) Set(dir string) error {
	d.mu.RLock()
	target := relativeTo(d.dir, dir)
	d.mu.RUnlock()

	info, err := os.Stat(target)
	if err != nil {
		return chdirError(dir, err)
	}
	if !info.IsDir() {
		return &fs.PathError{Op: "chdir", Path: dir, Err: syscall.ENOTDIR}
	}
	canonical, err := filepath.EvalSymlinks(target)
	if err != nil {
		return chdirError(dir, err)
	}
	abs, err := filepath.Abs(canonical)
	if err != nil {
		return chdirError(dir, err)
	}

	d.mu.Lock()
	d.dir = abs
	d.mu.Unlock()
	return nil
}

// Clone returns an independent DirState at the same directory.
func (d *DirState) Clone() *DirState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return &DirState{dir: d.dir}
}

// relativeTo joins a relative path onto base. Absolute and volume-qualified
// paths, and any path when base is unset, are returned unchanged.
func relativeTo(base, path string) string {
	if base == "" || filepath.IsAbs(path) || filepath.VolumeName(path) != "" {
		return path
	}
	return filepath.Join(base, path)
}

func chdirError(dir string, err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return &fs.PathError{Op: "chdir", Path: dir, Err: pe.Err}
	}
	return &fs.PathError{Op: "chdir", Path: dir, Err: err}
}

// ResolvePath resolves path against base. path is taken as absolute when it
// starts with "/" or carries a drive letter ("C:..."); otherwise it is
// appended to base. ".." segments are left for the filesystem to resolve so
// they follow symlinks the way the OS does.
func ResolvePath(base, path string) string {
	if strings.HasPrefix(path, "/") || (len(path) > 1 && path[1] == ':') {
		return path
	}
	if path == "" {
		return base
	}
	if base == "" {
		return path
	}
	if os.IsPathSeparator(base[len(base)-1]) {
		return base + path
	}
	return base + string(filepath.Separator) + path
}
