package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/wilhg/designsync/pkg/document"
	"github.com/wilhg/designsync/pkg/history"
	"github.com/wilhg/designsync/pkg/patch"
)

// State is everything a Storage persists for one log.
type State struct {
	Base    document.Value
	Events  []history.Event
	Current int64
}

// Storage persists a log. Implementations only need append and full read;
// Truncate may rewrite.
type Storage interface {
	// Load returns the stored state, or ok=false when nothing was stored yet.
	Load(ctx context.Context) (st State, ok bool, err error)
	SaveBase(ctx context.Context, base document.Value) error
	Append(ctx context.Context, e history.Event) error
	// Truncate drops every event with Version > version.
	Truncate(ctx context.Context, version int64) error
	SaveCursor(ctx context.Context, current int64) error
}

// Locker is implemented by storages that admit a single writer at a time.
// Log takes the lock in Init and releases it in Close.
type Locker interface {
	Lock() error
	Unlock() error
}

// ErrLocked is returned by Init when another process holds the log.
var ErrLocked = errors.New("eventlog: history is in use by another process")

const (
	baseFile   = "base.json"
	eventsFile = "events.jsonl"
	headFile   = "HEAD"
	lockFile   = "LOCK"
)

// FileStorage keeps a log in a directory: base.json holds the base
// snapshot, events.jsonl one event per line, HEAD the current version.
type FileStorage struct {
	Dir string

	locked bool
}

// NewFileStorage returns a storage rooted at dir; the directory is created
// on first write.
func NewFileStorage(dir string) *FileStorage { return &FileStorage{Dir: dir} }

type head struct {
	CurrentVersion int64 `json:"current_version"`
}

func (s *FileStorage) path(name string) string { return filepath.Join(s.Dir, name) }

// Load implements Storage.
func (s *FileStorage) Load(ctx context.Context) (State, bool, error) {
	rawBase, err := os.ReadFile(s.path(baseFile))
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	base, err := document.Parse(rawBase)
	if err != nil {
		return State{}, false, fmt.Errorf("eventlog: base snapshot: %w", err)
	}
	events, err := s.readEvents()
	if err != nil {
		return State{}, false, err
	}
	st := State{Base: base, Events: events, Current: int64(len(events))}
	rawHead, err := os.ReadFile(s.path(headFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return State{}, false, err
	default:
		var h head
		if err := json.Unmarshal(rawHead, &h); err != nil {
			return State{}, false, fmt.Errorf("eventlog: HEAD: %w", err)
		}
		if h.CurrentVersion >= 0 && h.CurrentVersion <= st.Current {
			st.Current = h.CurrentVersion
		}
	}
	return st, true, nil
}

func (s *FileStorage) readEvents() ([]history.Event, error) {
	f, err := os.Open(s.path(eventsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var events []history.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var e history.Event
		if err := json.Unmarshal(b, &e); err != nil {
			return nil, fmt.Errorf("eventlog: %s line %d: %w", eventsFile, line, err)
		}
		if want := int64(len(events) + 1); e.Version != want {
			return nil, fmt.Errorf("eventlog: %s line %d: version %d, want %d", eventsFile, line, e.Version, want)
		}
		events = append(events, e)
	}
	return events, sc.Err()
}

// SaveBase implements Storage.
func (s *FileStorage) SaveBase(ctx context.Context, base document.Value) error {
	b, err := base.MarshalJSON()
	if err != nil {
		return err
	}
	return s.writeAtomic(baseFile, b)
}

// Lock creates the LOCK file holding the process id. It fails with
// ErrLocked while the file exists.
func (s *FileStorage) Lock() error {
	if s.locked {
		return nil
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path(lockFile), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		holder, _ := os.ReadFile(s.path(lockFile))
		return fmt.Errorf("%w (pid %s; remove %s if it is not running)", ErrLocked, bytes.TrimSpace(holder), s.path(lockFile))
	}
	if err != nil {
		return err
	}
	_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	if err := errors.Join(werr, f.Close()); err != nil {
		_ = os.Remove(s.path(lockFile))
		return err
	}
	s.locked = true
	return nil
}

// Unlock removes the LOCK file taken by Lock.
func (s *FileStorage) Unlock() error {
	if !s.locked {
		return nil
	}
	s.locked = false
	err := os.Remove(s.path(lockFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Append implements Storage. It refuses an event that does not directly
// follow the last one in the file.
func (s *FileStorage) Append(ctx context.Context, e history.Event) error {
	line, err := encodeEvent(e)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	last, err := s.lastVersion()
	if err != nil {
		return err
	}
	if e.Version != last+1 {
		return fmt.Errorf("eventlog: append v%d after v%d in %s", e.Version, last, eventsFile)
	}
	f, err := os.OpenFile(s.path(eventsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Truncate implements Storage by rewriting the events file.
func (s *FileStorage) Truncate(ctx context.Context, version int64) error {
	events, err := s.readEvents()
	if err != nil {
		return err
	}
	if int64(len(events)) <= version {
		return nil
	}
	var buf bytes.Buffer
	for _, e := range events[:version] {
		line, err := encodeEvent(e)
		if err != nil {
			return err
		}
		buf.Write(line)
	}
	return s.writeAtomic(eventsFile, buf.Bytes())
}

// SaveCursor implements Storage.
func (s *FileStorage) SaveCursor(ctx context.Context, current int64) error {
	b, err := json.Marshal(head{CurrentVersion: current})
	if err != nil {
		return err
	}
	return s.writeAtomic(headFile, b)
}

// lastVersion reads the version of the final line of the events file,
// scanning backwards from the end.
func (s *FileStorage) lastVersion() (int64, error) {
	f, err := os.Open(s.path(eventsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	const chunk = 4096
	var tail []byte
	for end := fi.Size(); end > 0; {
		start := max(end-chunk, 0)
		buf := make([]byte, end-start)
		if _, err := f.ReadAt(buf, start); err != nil {
			return 0, err
		}
		tail = append(buf, tail...)
		end = start
		trimmed := bytes.TrimRight(tail, " \t\r\n")
		if len(trimmed) == 0 {
			continue
		}
		if i := bytes.LastIndexByte(trimmed, '\n'); i >= 0 || end == 0 {
			var e struct {
				Version int64 `json:"version"`
			}
			if err := json.Unmarshal(trimmed[i+1:], &e); err != nil {
				return 0, fmt.Errorf("eventlog: %s last line: %w", eventsFile, err)
			}
			return e.Version, nil
		}
	}
	return 0, nil
}

func encodeEvent(e history.Event) ([]byte, error) {
	if e.Patches == nil {
		e.Patches = patch.Patch{}
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func (s *FileStorage) writeAtomic(name string, data []byte) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.Dir, name+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path(name))
}
