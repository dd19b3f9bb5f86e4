package objectstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	extStructured = ".msgpack"
	extRaw        = ".bin"
)

// FileBackend stores one object per file under a directory. Payloads that
// decode as msgpack get the structured extension so operators can tell
// serialized state from raw tensors at a glance; everything else is raw.
type FileBackend struct {
	dir string
}

// NewFileBackend creates the directory if needed and returns a backend over it.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: create dir: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (f *FileBackend) Put(key string, val []byte) error {
	return os.WriteFile(filepath.Join(f.dir, key+classify(val)), val, 0o600)
}

func (f *FileBackend) Get(key string) ([]byte, error) {
	for _, ext := range []string{extStructured, extRaw} {
		val, err := os.ReadFile(filepath.Join(f.dir, key+ext))
		if err == nil {
			return val, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, notFound(key)
}

func (f *FileBackend) Delete(key string) error {
	for _, ext := range []string{extStructured, extRaw} {
		if err := os.Remove(filepath.Join(f.dir, key+ext)); err == nil {
			return nil
		}
	}
	return nil
}

// Exists reports whether an object is present without reading it.
func (f *FileBackend) Exists(key string) bool {
	for _, ext := range []string{extStructured, extRaw} {
		if _, err := os.Stat(filepath.Join(f.dir, key+ext)); err == nil {
			return true
		}
	}
	return false
}

// List returns the keys of all stored objects.
func (f *FileBackend) List() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, extStructured) {
			keys = append(keys, strings.TrimSuffix(name, extStructured))
		} else if strings.HasSuffix(name, extRaw) {
			keys = append(keys, strings.TrimSuffix(name, extRaw))
		}
	}
	return keys, nil
}

// Cleanup removes objects older than maxAge and reports how many went.
func (f *FileBackend) Cleanup(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(filepath.Join(f.dir, e.Name())) == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Clear removes every stored object.
func (f *FileBackend) Clear() error {
	keys, err := f.List()
	if err != nil {
		return err
	}
	for _, k := range keys {
		f.Delete(k)
	}
	return nil
}

func (f *FileBackend) Close() error { return nil }

func classify(val []byte) string {
	var v any
	if msgpack.Unmarshal(val, &v) == nil {
		return extStructured
	}
	return extRaw
}
