package snapshot

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileExt is the extension of snapshot files.
const FileExt = ".jsonl"

// ErrInvalidName is returned for snapshot names that are not plain file
// names inside the snapshot directory.
var ErrInvalidName = errors.New("invalid snapshot name")

// ErrSnapshotNotFound is returned when a named snapshot does not exist.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// FileInfo describes a snapshot file on disk.
type FileInfo struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"modTime"`
	Header    *Header   `json:"header,omitempty"`
	HeaderErr string    `json:"headerError,omitempty"`
}

// Dir manages the snapshot files in one directory.
type Dir struct {
	Path string
}

// NewName returns a fresh, sortable snapshot file name.
func NewName(now time.Time) string {
	return fmt.Sprintf("snapshot-%s-%s%s", now.UTC().Format("20060102-150405"), uuid.NewString()[:8], FileExt)
}

// Create writes a new snapshot through fn. The data goes to a temporary
// file that is renamed into place only after fn and the flush succeed, so a
// listed snapshot is always complete.
func (d Dir) Create(name string, fn func(w io.Writer) error) (FileInfo, error) {
	if err := validName(name); err != nil {
		return FileInfo{}, err
	}
	if err := os.MkdirAll(d.Path, 0o755); err != nil {
		return FileInfo{}, fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(d.Path, ".tmp-*"+FileExt)
	if err != nil {
		return FileInfo{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	bw := bufio.NewWriter(tmp)
	if err := fn(bw); err != nil {
		return FileInfo{}, err
	}
	if err := bw.Flush(); err != nil {
		return FileInfo{}, fmt.Errorf("flush snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return FileInfo{}, fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return FileInfo{}, fmt.Errorf("close snapshot: %w", err)
	}

	final := filepath.Join(d.Path, name)
	if err := os.Rename(tmpName, final); err != nil {
		return FileInfo{}, fmt.Errorf("rename snapshot: %w", err)
	}
	committed = true

	st, err := os.Stat(final)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Name: name, Size: st.Size(), ModTime: st.ModTime()}, nil
}

// List returns the snapshots in the directory, newest first. Each entry
// carries its decoded header, or the reason it could not be read.
func (d Dir) List() ([]FileInfo, error) {
	entries, err := os.ReadDir(d.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}

	var out []FileInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, FileExt) || strings.HasPrefix(name, ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		fi := FileInfo{Name: name, Size: info.Size(), ModTime: info.ModTime()}
		if h, err := d.peek(name); err != nil {
			fi.HeaderErr = err.Error()
		} else {
			fi.Header = &h
		}
		out = append(out, fi)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		return out[i].Name > out[j].Name
	})
	return out, nil
}

func (d Dir) peek(name string) (Header, error) {
	f, _, err := d.Open(name)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	return NewReader(f, 0).ReadHeader()
}

// Open opens a snapshot for reading and returns its size.
func (d Dir) Open(name string) (*os.File, int64, error) {
	if err := validName(name); err != nil {
		return nil, 0, err
	}
	f, err := os.Open(filepath.Join(d.Path, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, fmt.Errorf("%w: %s", ErrSnapshotNotFound, name)
	}
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}

// Remove deletes a snapshot.
func (d Dir) Remove(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(d.Path, name))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, name)
	}
	return err
}

// Prune deletes all but the newest keep snapshots and returns the removed
// names. keep <= 0 disables pruning.
func (d Dir) Prune(keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	files, err := d.List()
	if err != nil {
		return nil, err
	}
	var removed []string
	for i := keep; i < len(files); i++ {
		if err := d.Remove(files[i].Name); err != nil {
			return removed, err
		}
		removed = append(removed, files[i].Name)
	}
	return removed, nil
}

func validName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") ||
		strings.ContainsAny(name, `/\`) || !strings.HasSuffix(name, FileExt) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
