package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/objectfs/pfcache/pkg/errors"
	"github.com/objectfs/pfcache/pkg/utils"
)

type entryState int

const (
	entryConstructing entryState = iota
	entryActive
	entryClosing
	entryDraining
)

type entry struct {
	file  *File
	refs  int
	state entryState
}

// OpenFunc constructs the File for path. It runs without registry locks held.
type OpenFunc func(ctx context.Context, path string, sizeHint int64) (*File, error)

// CloseFunc finalizes a File whose last reference was dropped. It reports
// whether block writes were still pending when it gave up waiting.
type CloseFunc func(ctx context.Context, f *File) (pending bool)

// FileFunc is called with a File at a registry transition.
type FileFunc func(f *File)

// Registry maps paths to open Files. At most one File per path exists at a
// time; a second opener waits while the first constructs or tears down.
//
// Paths leave the registry through a protect set that keeps them away from
// purge until ClearProtected is called at the end of the next purge pass.
// A file detached with writes still queued stays in the registry, draining,
// until Drained sees its last block land; reopening it meanwhile revives it.
type Registry struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries map[string]*entry
	protect map[string]struct{}
	purging map[string]struct{}

	open     OpenFunc
	close    CloseFunc
	finish   FileFunc
	reattach FileFunc
	timeout  time.Duration
	logger   *slog.Logger
}

// RegistryConfig represents registry configuration
type RegistryConfig struct {
	// OpenWaitTimeout bounds how long an opener waits on a racing opener,
	// closer or purge of the same path.
	OpenWaitTimeout time.Duration
	Open            OpenFunc
	Close           CloseFunc
	// Finish persists a draining file after its last write.
	Finish          FileFunc
	// Reattach runs after a draining file was revived by an opener.
	Reattach        FileFunc
	Logger          *slog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		protect: make(map[string]struct{}),
		purging: make(map[string]struct{}),
		open:     cfg.Open,
		close:    cfg.Close,
		finish:   cfg.Finish,
		reattach: cfg.Reattach,
		timeout:  cfg.OpenWaitTimeout,
		logger:   utils.ComponentLogger(cfg.Logger, "registry"),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// GetOrOpen returns the open File for path with its reference count
// raised, constructing it if no File exists.
func (r *Registry) GetOrOpen(ctx context.Context, path string, sizeHint int64) (*File, error) {
	waitCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	stop := context.AfterFunc(waitCtx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stop()

	r.mu.Lock()
	for {
		_, purging := r.purging[path]
		e := r.entries[path]
		if !purging && e == nil {
			break
		}
		if !purging && e.state == entryActive {
			e.refs++
			r.mu.Unlock()
			return e.file, nil
		}
		if !purging && e.state == entryDraining {
			e.file.revive(time.Now())
			e.refs = 1
			e.state = entryActive
			r.mu.Unlock()
			r.logger.Debug("reattached draining file", "path", path)
			if r.reattach != nil {
				r.reattach(e.file)
			}
			return e.file, nil
		}
		if waitCtx.Err() != nil {
			r.mu.Unlock()
			return nil, errors.NewError(errors.ErrCodeRegistryRaceTimeout, "timed out waiting for concurrent open").
				WithComponent("registry").WithOperation("open").WithPath(path).
				WithCause(waitCtx.Err())
		}
		r.cond.Wait()
	}

	e := &entry{state: entryConstructing}
	r.entries[path] = e
	r.mu.Unlock()

	f, err := r.open(ctx, path, sizeHint)

	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.cond.Broadcast()
	if err != nil {
		delete(r.entries, path)
		return nil, err
	}
	e.file = f
	e.refs = 1
	e.state = entryActive
	return f, nil
}

// Release drops a reference to f. The last release closes the file, which
// waits for its pending writes until ctx expires, and then removes it from
// the registry. A file whose writes are still queued is left draining.
func (r *Registry) Release(ctx context.Context, f *File) {
	r.mu.Lock()
	e := r.entries[f.Path()]
	if e == nil || e.file != f || e.state != entryActive {
		r.mu.Unlock()
		r.logger.Error("release of file not in registry", "path", f.Path())
		return
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}
	e.state = entryClosing
	r.protect[f.Path()] = struct{}{}
	r.mu.Unlock()

	pending := false
	if r.close != nil {
		pending = r.close(ctx, f)
	}

	r.mu.Lock()
	if pending {
		e.state = entryDraining
		r.mu.Unlock()
		// The last write may have landed before the state changed.
		r.Drained(f)
		return
	}
	delete(r.entries, f.Path())
	r.cond.Broadcast()
	r.mu.Unlock()
}

// Drained finishes a draining file whose blocks have all been written or
// dropped, then removes it. It does nothing while writes remain or once the
// file was reattached.
func (r *Registry) Drained(f *File) {
	r.mu.Lock()
	e := r.entries[f.Path()]
	if e == nil || e.file != f || e.state != entryDraining || !f.endDrain() {
		r.mu.Unlock()
		return
	}
	e.state = entryClosing
	r.mu.Unlock()

	if r.finish != nil {
		r.finish(f)
	}
	r.Remove(f)
}

// Remove deletes the entry of f, whatever its state.
func (r *Registry) Remove(f *File) {
	r.mu.Lock()
	if e := r.entries[f.Path()]; e != nil && e.file == f {
		delete(r.entries, f.Path())
	}
	r.cond.Broadcast()
	r.mu.Unlock()
}

// Lookup returns the active File for path without taking a reference.
func (r *Registry) Lookup(path string) (*File, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[path]
	if e == nil || e.state != entryActive {
		return nil, false
	}
	return e.file, true
}

// Refs returns the reference count of path, zero when not open
func (r *Registry) Refs(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.entries[path]; e != nil {
		return e.refs
	}
	return 0
}

// ProtectedOrActive reports whether path is open, mid-transition or in the
// protect set. Purge must never delete such a path.
func (r *Registry) ProtectedOrActive(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.protectedLocked(path)
}

func (r *Registry) protectedLocked(path string) bool {
	if _, ok := r.entries[path]; ok {
		return true
	}
	_, ok := r.protect[path]
	return ok
}

// TryBeginPurge claims path for deletion. It fails if the path is protected
// or active; on success openers of path wait until EndPurge.
func (r *Registry) TryBeginPurge(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.protectedLocked(path) {
		return false
	}
	if _, ok := r.purging[path]; ok {
		return false
	}
	r.purging[path] = struct{}{}
	return true
}

// TryBeginUnlink claims path for deletion on behalf of a client. Unlike
// TryBeginPurge it ignores the protect set and only fails for attached or
// transitioning paths. A draining file is taken over and returned; the
// caller must discard it and Remove it before EndPurge.
func (r *Registry) TryBeginUnlink(path string) (*File, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.purging[path]; ok {
		return nil, false
	}
	var draining *File
	if e, ok := r.entries[path]; ok {
		if e.state != entryDraining {
			return nil, false
		}
		e.state = entryClosing
		draining = e.file
	}
	r.purging[path] = struct{}{}
	return draining, true
}

// EndPurge releases a claim taken by TryBeginPurge
func (r *Registry) EndPurge(path string) {
	r.mu.Lock()
	delete(r.purging, path)
	r.cond.Broadcast()
	r.mu.Unlock()
}

// ClearProtected empties the protect set
func (r *Registry) ClearProtected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.protect)
}

// Len returns the number of files in the registry, including ones being
// constructed or closed.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Files returns the active files
func (r *Registry) Files() []*File {
	r.mu.Lock()
	defer r.mu.Unlock()
	files := make([]*File, 0, len(r.entries))
	for _, e := range r.entries {
		if e.state == entryActive {
			files = append(files, e.file)
		}
	}
	return files
}
