// Package shm implements the shared-memory transport tiers: mmapped
// segments, the per-direction ring buffer, a reusable pool of per-transfer
// segments, and the arena -> pool -> inline selection chain.
//
// Segments are plain files mapped from a tmpfs-backed directory (/dev/shm by
// default), which keeps the whole package testable against any directory.
package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	perrors "github.com/capserve/capserve/pkg/errors"
)

// DefaultDir is where segment files live unless configured otherwise.
const DefaultDir = "/dev/shm"

// Segment is one shared-memory region mapped into this process.
type Segment struct {
	name string
	path string
	f    *os.File
	data []byte
}

// Create makes and maps a new segment of the given size. The name is
// advertised to the peer; a leading separator is stripped when forming the
// backing file name, matching how POSIX shm names map onto /dev/shm entries.
// Creation is exclusive: an existing segment of the same name is an error.
func Create(dir, name string, size int) (*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm: invalid segment size %d", size)
	}
	if dir == "" {
		dir = DefaultDir
	}

	path := filepath.Join(dir, strings.TrimPrefix(name, "/"))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: create %s: %w", name, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shm: size %s: %w", name, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shm: mmap %s: %w", name, err)
	}

	return &Segment{name: name, path: path, f: f, data: data}, nil
}

// Attach maps an existing segment advertised under name. Peers disagree on
// whether shared-memory keys carry a leading separator, so the name is tried
// as given, then with a leading separator stripped, then with one prepended;
// only when every variant is missing does the attach fail.
func Attach(dir, name string) (*Segment, error) {
	if dir == "" {
		dir = DefaultDir
	}

	var lastErr error
	for _, variant := range nameVariants(name) {
		path := filepath.Join(dir, strings.TrimPrefix(variant, "/"))
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			lastErr = err
			continue
		}

		info, err := f.Stat()
		if err != nil {
			f.Close()
			lastErr = err
			continue
		}
		size := int(info.Size())
		if size == 0 {
			f.Close()
			lastErr = fmt.Errorf("shm: segment %s is empty", variant)
			continue
		}

		data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			lastErr = err
			continue
		}
		return &Segment{name: name, path: path, f: f, data: data}, nil
	}

	return nil, perrors.Wrap(perrors.ErrTransport,
		fmt.Sprintf("segment %q unreachable under any name variant: %v", name, lastErr))
}

func nameVariants(name string) []string {
	variants := []string{name}
	if stripped := strings.TrimPrefix(name, "/"); stripped != name {
		variants = append(variants, stripped)
	} else {
		variants = append(variants, "/"+name)
	}
	return variants
}

// Name returns the advertised segment name.
func (s *Segment) Name() string { return s.name }

// Size returns the mapped size in bytes.
func (s *Segment) Size() int { return len(s.data) }

// Bytes exposes the mapped region. Writes through it are visible to the peer
// immediately; no syscall is involved after mapping.
func (s *Segment) Bytes() []byte { return s.data }

// ReadAt copies out length bytes starting at offset, validating the range
// against the mapped size first. Offsets come from the peer and are never
// trusted.
func (s *Segment) ReadAt(offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > int64(len(s.data)) {
		return nil, perrors.Wrap(perrors.ErrTransport,
			fmt.Sprintf("range [%d, %d) outside segment %q of %d bytes", offset, offset+length, s.name, len(s.data)))
	}
	out := make([]byte, length)
	copy(out, s.data[offset:offset+length])
	return out, nil
}

// Close unmaps the segment and closes the backing file, leaving the file in
// place for other attachments.
func (s *Segment) Close() error {
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			return err
		}
		s.data = nil
	}
	if s.f != nil {
		err := s.f.Close()
		s.f = nil
		return err
	}
	return nil
}

// Unlink removes the backing file. The mapping stays valid for processes that
// already attached.
func (s *Segment) Unlink() error {
	return os.Remove(s.path)
}
