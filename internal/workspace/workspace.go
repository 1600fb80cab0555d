// Package workspace binds a working directory to a remote design record.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const bindingFile = "remote.json"

// Binding is the state kept in remote.json.
type Binding struct {
	ID string `json:"id"`
	// Version is the last stored version this workspace saw.
	Version int64  `json:"version"`
	File    string `json:"file"`
}

// Workspace is a .designsync directory.
type Workspace struct {
	Dir string
}

func Open(dir string) *Workspace { return &Workspace{Dir: dir} }

// LogDir is where the local event log lives.
func (w *Workspace) LogDir() string { return filepath.Join(w.Dir, "log") }

// Binding returns the stored binding; ok is false when the workspace was
// never initialized.
func (w *Workspace) Binding() (b Binding, ok bool, err error) {
	raw, err := os.ReadFile(filepath.Join(w.Dir, bindingFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Binding{}, false, nil
	}
	if err != nil {
		return Binding{}, false, err
	}
	if err := json.Unmarshal(raw, &b); err != nil {
		return Binding{}, false, fmt.Errorf("workspace: %s: %w", bindingFile, err)
	}
	if b.ID == "" {
		return Binding{}, false, fmt.Errorf("workspace: %s has no id", bindingFile)
	}
	return b, true, nil
}

// Save writes b atomically.
func (w *Workspace) Save(b Binding) error {
	raw, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(w.Dir, bindingFile+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(w.Dir, bindingFile))
}

// SetVersion records the latest known stored version.
func (w *Workspace) SetVersion(v int64) error {
	b, ok, err := w.Binding()
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("workspace: not initialized, run designsync init")
	}
	b.Version = v
	return w.Save(b)
}
