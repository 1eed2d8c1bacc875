package cache

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/objectfs/pfcache/pkg/errors"
	"github.com/objectfs/pfcache/pkg/types"
)

// Handle is an attached file
type Handle interface {
	// ReadAt follows io.ReaderAt semantics
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	Path() string
	Size() int64
	// Cached reports whether reads go through the block cache
	Cached() bool
}

// fileHandle reads through an open File
type fileHandle struct {
	file     *File
	detached atomic.Bool
}

func (h *fileHandle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if h.detached.Load() {
		return 0, errors.NewError(errors.ErrCodeInternalError, "read on detached handle").
			WithComponent("cache").WithOperation("read").WithPath(h.file.Path())
	}
	return h.file.ReadAt(ctx, p, off)
}

func (h *fileHandle) Path() string { return h.file.Path() }
func (h *fileHandle) Size() int64  { return h.file.Size() }
func (h *fileHandle) Cached() bool { return true }

// directHandle reads straight from the origin
type directHandle struct {
	path     string
	size     int64
	origin   types.Fetcher
	counters *counters
}

func (h *directHandle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off >= h.size {
		return 0, io.EOF
	}
	want := p
	if rest := h.size - off; int64(len(want)) > rest {
		want = want[:rest]
	}
	n, err := h.origin.Fetch(ctx, h.path, off, want)
	h.counters.bytesBypassed.Add(int64(n))
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (h *directHandle) Path() string { return h.path }
func (h *directHandle) Size() int64  { return h.size }
func (h *directHandle) Cached() bool { return false }
