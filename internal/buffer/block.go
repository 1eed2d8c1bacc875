package buffer

import (
	"context"
	"sync"
	"sync/atomic"
)

// Owner is the file a block belongs to.
type Owner interface {
	// DataPath is the storage path the block is written to.
	DataPath() string
	// BlockWritten is called by a write worker once the block has been
	// persisted, or has failed to persist.
	BlockWritten(b *Block, err error)
}

// Block is one buffer-sized slice of a file, held in RAM while it is
// downloaded, read by clients and written to storage.
//
// A block is reference counted. The creator holds the first reference;
// the write queue and each pending reader hold their own. The buffer goes
// back to the pool when the last reference is dropped.
type Block struct {
	owner    Owner
	pool     *Pool
	offset   int64
	buf      []byte
	fromRead bool

	refs atomic.Int32

	done     chan struct{}
	doneOnce sync.Once
	mu       sync.Mutex
	n        int
	err      error

	writePending atomic.Bool
	written      atomic.Bool
}

// NewBlock wraps buf, acquired from pool, as the block at offset of owner.
func NewBlock(pool *Pool, owner Owner, offset int64, buf []byte, fromRead bool) *Block {
	b := &Block{
		owner:    owner,
		pool:     pool,
		offset:   offset,
		buf:      buf,
		fromRead: fromRead,
		done:     make(chan struct{}),
	}
	b.refs.Store(1)
	return b
}

// Owner returns the file the block belongs to
func (b *Block) Owner() Owner { return b.owner }

// Offset returns the file offset of the first byte of the block
func (b *Block) Offset() int64 { return b.offset }

// Buffer returns the full backing buffer, for filling by a download
func (b *Block) Buffer() []byte { return b.buf }

// Size returns the number of bytes the block accounts for in the pool
func (b *Block) Size() int64 { return int64(cap(b.buf)) }

// FromRead reports whether a client read (rather than prefetch) created the block
func (b *Block) FromRead() bool { return b.fromRead }

// Data returns the valid bytes of a completed block
func (b *Block) Data() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf[:b.n]
}

// Retain adds a reference
func (b *Block) Retain() { b.refs.Add(1) }

// Refs returns the current reference count
func (b *Block) Refs() int32 { return b.refs.Load() }

// Release drops a reference, returning the buffer to the pool on the last one.
func (b *Block) Release() {
	if b.refs.Add(-1) == 0 {
		b.pool.Release(b.buf)
	}
}

// Complete records the outcome of filling the block and wakes waiters.
// Only the first call has any effect.
func (b *Block) Complete(n int, err error) {
	b.doneOnce.Do(func() {
		b.mu.Lock()
		b.n = n
		b.err = err
		b.mu.Unlock()
		close(b.done)
	})
}

// Done is closed once the block has been filled or has failed
func (b *Block) Done() <-chan struct{} { return b.done }

// IsDone reports whether Complete has been called
func (b *Block) IsDone() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Err returns the download error of a completed block
func (b *Block) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Wait blocks until the block completes or ctx is done.
func (b *Block) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return b.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WritePending reports whether the block sits in the write queue
func (b *Block) WritePending() bool { return b.writePending.Load() }

// Written reports whether the block reached storage
func (b *Block) Written() bool { return b.written.Load() }
