// Package memory provides an in-process Storage used by tests and by
// ephemeral caches that do not need to survive a restart.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/objectfs/pfcache/pkg/errors"
	"github.com/objectfs/pfcache/pkg/types"
)

// Storage keeps every file as a byte slice. Usage reports the bytes held
// plus an adjustable external usage against a fixed capacity.
type Storage struct {
	mu       sync.RWMutex
	files    map[string]*file
	capacity int64
	external int64

	writeHook  func(path string, offset int64) error
	deleteHook func(path string) error
}

type file struct {
	data    []byte
	modTime time.Time
}

// New creates an empty store reporting the given capacity
func New(capacity int64) *Storage {
	return &Storage{
		files:    make(map[string]*file),
		capacity: capacity,
	}
}

// SetExternalUsage sets bytes counted as used by something other than the store.
func (s *Storage) SetExternalUsage(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.external = n
}

// SetWriteHook installs a function consulted before every WriteAt; a
// non-nil return fails the write. The hook runs without the store locked
// and may block.
func (s *Storage) SetWriteHook(fn func(path string, offset int64) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeHook = fn
}

// SetDeleteHook installs a function consulted before every Delete.
func (s *Storage) SetDeleteHook(fn func(path string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteHook = fn
}

func notFound(op, path string) error {
	return errors.NewError(errors.ErrCodeFileNotFound, "no such file").
		WithComponent("memory-storage").WithOperation(op).WithPath(path)
}

// WriteAt writes data at offset, growing the file as needed
func (s *Storage) WriteAt(ctx context.Context, path string, offset int64, data []byte) error {
	s.mu.RLock()
	hook := s.writeHook
	s.mu.RUnlock()
	if hook != nil {
		if err := hook(path, offset); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[path]
	if !ok {
		f = &file{}
		s.files[path] = f
	}
	end := offset + int64(len(data))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[offset:], data)
	f.modTime = time.Now()
	return nil
}

// ReadAt reads into buf from offset
func (s *Storage) ReadAt(ctx context.Context, path string, offset int64, buf []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.files[path]
	if !ok {
		return 0, notFound("read", path)
	}
	if offset >= int64(len(f.data)) {
		return 0, nil
	}
	return copy(buf, f.data[offset:]), nil
}

// Truncate sets the file length, creating it if missing
func (s *Storage) Truncate(ctx context.Context, path string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[path]
	if !ok {
		f = &file{}
		s.files[path] = f
	}
	resized := make([]byte, size)
	copy(resized, f.data)
	f.data = resized
	f.modTime = time.Now()
	return nil
}

// WriteFile replaces the whole file
func (s *Storage) WriteFile(ctx context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)
	s.files[path] = &file{data: cp, modTime: time.Now()}
	return nil
}

// ReadFile returns a copy of the whole file
func (s *Storage) ReadFile(ctx context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.files[path]
	if !ok {
		return nil, notFound("read-file", path)
	}
	cp := make([]byte, len(f.data))
	copy(cp, f.data)
	return cp, nil
}

// Stat describes one file
func (s *Storage) Stat(ctx context.Context, path string) (*types.StorageInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.files[path]
	if !ok {
		return nil, notFound("stat", path)
	}
	return &types.StorageInfo{
		Path:    path,
		Size:    int64(len(f.data)),
		OnDisk:  int64(len(f.data)),
		ModTime: f.modTime,
	}, nil
}

// Delete removes a file
func (s *Storage) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleteHook != nil {
		if err := s.deleteHook(path); err != nil {
			return err
		}
	}
	delete(s.files, path)
	return nil
}

// Walk visits files in lexical path order
func (s *Storage) Walk(ctx context.Context, fn func(info types.StorageInfo) error) error {
	s.mu.RLock()
	infos := make([]types.StorageInfo, 0, len(s.files))
	for path, f := range s.files {
		infos = append(infos, types.StorageInfo{
			Path:    path,
			Size:    int64(len(f.data)),
			OnDisk:  int64(len(f.data)),
			ModTime: f.modTime,
		})
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

// Usage reports held bytes plus external usage against capacity
func (s *Storage) Usage(ctx context.Context) (types.Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	used := s.external
	for _, f := range s.files {
		used += int64(len(f.data))
	}
	return types.Usage{TotalBytes: s.capacity, UsedBytes: used}, nil
}

// Paths returns the stored paths with the given prefix, sorted
func (s *Storage) Paths(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var paths []string
	for path := range s.files {
		if strings.HasPrefix(path, prefix) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}
