package cache

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/pfcache/internal/buffer"
	"github.com/objectfs/pfcache/internal/config"
	"github.com/objectfs/pfcache/internal/prefetch"
	"github.com/objectfs/pfcache/pkg/errors"
	"github.com/objectfs/pfcache/pkg/types"
)

// counters are the engine-wide cumulative IO counters.
type counters struct {
	bytesHit         atomic.Int64
	bytesMissed      atomic.Int64
	bytesBypassed    atomic.Int64
	prefetchBlocks   atomic.Int64
	checksumFailures atomic.Int64
	filesOpened      atomic.Int64
}

// env is what a File needs from the engine.
type env struct {
	cfg      *config.EngineConfig
	storage  types.Storage
	origin   types.Fetcher
	pool     *buffer.Pool
	queue    *buffer.WriteQueue
	counters *counters
	logger   *slog.Logger

	prefetcher *prefetch.Scheduler
	drained    func(*File)
}

func (e *env) infoPath(path string) string { return path + e.cfg.MetaSuffix }

type blockEntry struct {
	block       *buffer.Block
	netVerified bool
}

// File is one open cached path. It owns the blocks of the file held in
// RAM while they are downloaded and written, and the file's metadata.
type File struct {
	path string
	size int64
	env  *env

	mu     sync.Mutex
	idle   *sync.Cond
	info   *Info
	blocks map[int]*blockEntry
	access AccessStat

	closing   bool
	draining  bool
	discarded bool
	dirty     bool

	// blocks downloaded and on their way into the write queue
	handing int

	writeFailures    int
	prefetchNext     int
	prefetchInFlight int
	prefetchDone     bool
}

func newFile(e *env, path string, info *Info, now time.Time) *File {
	f := &File{
		path:   path,
		size:   info.FileSize,
		env:    e,
		info:   info,
		blocks: make(map[int]*blockEntry),
		access: AccessStat{AttachTime: now},
	}
	f.idle = sync.NewCond(&f.mu)
	f.prefetchDone = info.IsComplete()
	return f
}

// Path returns the logical path of the file
func (f *File) Path() string { return f.path }

// DataPath implements buffer.Owner
func (f *File) DataPath() string { return f.path }

// Size returns the file size
func (f *File) Size() int64 { return f.size }

// BytesOnDisk returns the number of resident bytes
func (f *File) BytesOnDisk() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info.BytesOnDisk()
}

// IsComplete reports whether every block is resident on disk
func (f *File) IsComplete() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info.IsComplete()
}

// WriteFailures returns how many blocks failed to persist
func (f *File) WriteFailures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeFailures
}

// ReadAt reads len(p) bytes at off, serving resident blocks from disk and
// fetching the rest from the origin. It follows io.ReaderAt semantics.
func (f *File) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.NewError(errors.ErrCodeInternalError, "negative offset").
			WithComponent("cache").WithOperation("read").WithPath(f.path)
	}
	if off >= f.size {
		return 0, io.EOF
	}
	end := off + int64(len(p))
	if end > f.size {
		end = f.size
	}

	f.mu.Lock()
	f.access.NumIOs++
	f.mu.Unlock()

	bs := f.env.cfg.BufferSize
	done := 0
	for pos := off; pos < end; {
		idx := int(pos / bs)
		blockStart := int64(idx) * bs
		segEnd := blockStart + bs
		if segEnd > end {
			segEnd = end
		}
		dst := p[pos-off : segEnd-off]
		if err := f.readBlock(ctx, idx, pos-blockStart, dst); err != nil {
			return done, err
		}
		done += len(dst)
		pos = segEnd
	}

	if done < len(p) {
		return done, io.EOF
	}
	return done, nil
}

func (f *File) readBlock(ctx context.Context, idx int, inBlock int64, dst []byte) error {
	for {
		f.mu.Lock()
		if e, ok := f.blocks[idx]; ok {
			b := e.block
			b.Retain()
			f.mu.Unlock()

			err := b.Wait(ctx)
			if err == nil {
				err = copyFromBlock(b, inBlock, dst)
			}
			b.Release()
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				// Another reader's or the prefetcher's download failed.
				return f.readDirect(ctx, idx, inBlock, dst)
			}
			f.countHit(int64(len(dst)))
			return nil
		}

		if f.info.TestBit(idx) {
			f.mu.Unlock()
			ok, err := f.readFromDisk(ctx, idx, inBlock, dst)
			if err != nil {
				return err
			}
			if ok {
				f.countHit(int64(len(dst)))
				return nil
			}
			// Digest mismatch cleared the bit; fetch again.
			continue
		}

		blen := f.info.BlockLen(idx)
		buf, err := f.env.pool.TryAcquire(blen)
		if err != nil && f.env.cfg.WaitForBuffers {
			f.mu.Unlock()
			if buf, err = f.env.pool.Acquire(ctx, blen); err != nil {
				return err
			}
			f.mu.Lock()
			if _, ok := f.blocks[idx]; ok || f.info.TestBit(idx) {
				// Someone else fetched it while we waited.
				f.mu.Unlock()
				f.env.pool.Release(buf)
				continue
			}
		}
		if err != nil {
			f.mu.Unlock()
			f.env.logger.Debug("no RAM for block, reading from origin",
				"path", f.path, "block", idx)
			return f.readDirect(ctx, idx, inBlock, dst)
		}
		e := &blockEntry{block: buffer.NewBlock(f.env.pool, f, int64(idx)*f.env.cfg.BufferSize, buf, true)}
		f.blocks[idx] = e
		b := e.block
		b.Retain()
		f.mu.Unlock()

		f.fetchBlock(ctx, idx, e)

		err = b.Err()
		if err == nil {
			err = copyFromBlock(b, inBlock, dst)
		}
		b.Release()
		if err != nil {
			return err
		}
		f.countMiss(int64(len(dst)))
		return nil
	}
}

func copyFromBlock(b *buffer.Block, inBlock int64, dst []byte) error {
	data := b.Data()
	if inBlock+int64(len(dst)) > int64(len(data)) {
		return errors.NewError(errors.ErrCodeOriginFetch, "origin returned a short block").
			WithComponent("cache").WithOperation("read").
			WithPath(b.Owner().DataPath()).
			WithDetail("offset", b.Offset())
	}
	copy(dst, data[inBlock:])
	return nil
}

// readFromDisk serves dst from the data file. With cache-side checksums
// the whole block is read and verified first; a mismatch clears the block
// and reports false.
func (f *File) readFromDisk(ctx context.Context, idx int, inBlock int64, dst []byte) (bool, error) {
	bs := f.env.cfg.BufferSize
	blockOff := int64(idx) * bs

	if !f.env.cfg.Checksum.Has(types.ChecksumCache) {
		n, err := f.env.storage.ReadAt(ctx, f.path, blockOff+inBlock, dst)
		if err != nil {
			return false, err
		}
		if n < len(dst) {
			return false, f.invalidate(idx, "short read from disk")
		}
		return true, nil
	}

	blen := f.info.BlockLen(idx)
	buf, err := f.env.pool.TryAcquire(blen)
	if err != nil {
		// No RAM to verify the whole block; serve the range unverified.
		n, rerr := f.env.storage.ReadAt(ctx, f.path, blockOff+inBlock, dst)
		if rerr != nil {
			return false, rerr
		}
		if n < len(dst) {
			return false, f.invalidate(idx, "short read from disk")
		}
		return true, nil
	}
	defer f.env.pool.Release(buf)

	n, err := f.env.storage.ReadAt(ctx, f.path, blockOff, buf)
	if err != nil {
		return false, err
	}

	f.mu.Lock()
	ok := int64(n) == blen && f.info.VerifyBlock(idx, buf[:n])
	f.mu.Unlock()
	if !ok {
		f.env.counters.checksumFailures.Add(1)
		return false, f.invalidate(idx, "block digest mismatch")
	}
	copy(dst, buf[inBlock:])
	return true, nil
}

func (f *File) invalidate(idx int, reason string) error {
	f.env.logger.Warn("dropping corrupt block", "path", f.path, "block", idx, "reason", reason)
	f.mu.Lock()
	f.info.ClearBit(idx)
	f.dirty = true
	restart := f.rewind(idx)
	f.mu.Unlock()
	if restart {
		f.resumePrefetch()
	}
	return nil
}

// rewind makes block idx eligible for prefetch again. It reports whether
// prefetch had finished, in which case the file left the scheduler and
// must be registered again. Callers hold f.mu.
func (f *File) rewind(idx int) bool {
	if idx < f.prefetchNext {
		f.prefetchNext = idx
	}
	done := f.prefetchDone
	f.prefetchDone = false
	return done
}

// resumePrefetch registers the file with the prefetch scheduler if it is
// attached and has blocks left to fetch.
func (f *File) resumePrefetch() {
	if f.env.prefetcher == nil || f.env.cfg.PrefetchMaxBlocks <= 0 {
		return
	}
	f.mu.Lock()
	want := !f.closing && !f.prefetchDone
	f.mu.Unlock()
	if want {
		f.env.prefetcher.Register(f)
	}
}

func (f *File) readDirect(ctx context.Context, idx int, inBlock int64, dst []byte) error {
	off := int64(idx)*f.env.cfg.BufferSize + inBlock
	n, err := f.env.origin.Fetch(ctx, f.path, off, dst)
	if err != nil {
		return err
	}
	if n < len(dst) {
		return errors.NewError(errors.ErrCodeOriginFetch, "origin returned a short read").
			WithComponent("cache").WithOperation("read-direct").WithPath(f.path).
			WithDetail("offset", off)
	}
	f.countBypassed(int64(n))
	return nil
}

// fetchBlock downloads block idx into its entry, then hands it to the
// write queue. Client reads go through FetchVerified when net-side
// checksums are configured and the origin supports them. A block of a
// discarded file is dropped instead; discard waits for blocks already
// being handed over.
func (f *File) fetchBlock(ctx context.Context, idx int, e *blockEntry) {
	b := e.block
	buf := b.Buffer()

	var n int
	var err error
	verified := false
	if cf, ok := f.env.origin.(types.ChecksumFetcher); ok && b.FromRead() && f.env.cfg.Checksum.Has(types.ChecksumNet) {
		n, err = cf.FetchVerified(ctx, f.path, b.Offset(), buf)
		verified = err == nil
	} else {
		n, err = f.env.origin.Fetch(ctx, f.path, b.Offset(), buf)
	}
	if err == nil && n < len(buf) {
		err = errors.NewError(errors.ErrCodeOriginFetch, "origin returned a short block").
			WithComponent("cache").WithOperation("fetch").WithPath(f.path).
			WithDetail("offset", b.Offset()).WithDetail("got", n).WithDetail("want", len(buf))
	}

	f.mu.Lock()
	e.netVerified = verified
	discarded := f.discarded
	if err == nil && !discarded {
		f.handing++
	}
	f.mu.Unlock()

	b.Complete(n, err)
	if err != nil {
		if !stderrors.Is(err, context.Canceled) {
			f.env.logger.Warn("block fetch failed", "path", f.path, "offset", b.Offset(), "error", err)
		}
		f.dropBlock(idx, e)
		return
	}
	if discarded {
		f.dropBlock(idx, e)
		return
	}

	qerr := f.env.queue.Enqueue(b)
	f.mu.Lock()
	f.handing--
	f.idle.Broadcast()
	f.mu.Unlock()
	if qerr != nil {
		f.BlockWritten(b, qerr)
	}
}

// dropBlock forgets an entry that will not be written and drops the file's reference.
func (f *File) dropBlock(idx int, e *blockEntry) {
	f.mu.Lock()
	if f.blocks[idx] == e {
		delete(f.blocks, idx)
	}
	f.idle.Broadcast()
	drained := f.drainedLocked()
	f.mu.Unlock()
	e.block.Release()
	if drained {
		f.env.drained(f)
	}
}

func (f *File) drainedLocked() bool {
	return f.draining && len(f.blocks) == 0 && f.handing == 0
}

// BlockWritten implements buffer.Owner. A persisted block is recorded in the
// metadata; a failed one leaves its range not resident.
func (f *File) BlockWritten(b *buffer.Block, err error) {
	idx := int(b.Offset() / f.env.cfg.BufferSize)

	f.mu.Lock()
	e := f.blocks[idx]
	restart := false
	if err == nil {
		bits := types.ChecksumNone
		var digest uint64
		if f.env.cfg.Checksum.Has(types.ChecksumCache) {
			bits |= types.ChecksumCache
			digest = Digest(b.Data())
		}
		if e != nil && e.block == b && e.netVerified {
			bits |= types.ChecksumNet
		}
		f.info.SetBit(idx, digest, bits, time.Now())
		f.dirty = true
	} else {
		f.writeFailures++
		restart = f.rewind(idx)
	}
	if e != nil && e.block == b {
		delete(f.blocks, idx)
	}
	f.idle.Broadcast()
	drained := f.drainedLocked()
	f.mu.Unlock()

	b.Release()
	if restart {
		f.resumePrefetch()
	}
	if drained {
		f.env.drained(f)
	}
}

// NextPrefetch implements prefetch.Source. It reserves RAM for the next
// block that is neither resident nor in flight and returns the task that
// downloads it.
func (f *File) NextPrefetch() (prefetch.Task, prefetch.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closing || f.prefetchDone {
		return nil, prefetch.Exhausted
	}
	if f.prefetchInFlight >= f.env.cfg.PrefetchMaxBlocks {
		return nil, prefetch.Busy
	}

	n := f.info.NumBlocks()
	idx := f.prefetchNext
	for idx < n {
		if _, busy := f.blocks[idx]; !busy && !f.info.TestBit(idx) {
			break
		}
		idx++
	}
	if idx >= n {
		if f.prefetchInFlight == 0 && len(f.blocks) == 0 {
			f.prefetchDone = true
			return nil, prefetch.Exhausted
		}
		return nil, prefetch.Busy
	}

	buf, err := f.env.pool.TryAcquire(f.info.BlockLen(idx))
	if err != nil {
		return nil, prefetch.Busy
	}
	e := &blockEntry{block: buffer.NewBlock(f.env.pool, f, int64(idx)*f.env.cfg.BufferSize, buf, false)}
	f.blocks[idx] = e
	f.prefetchNext = idx + 1
	f.prefetchInFlight++

	return func(ctx context.Context) {
		f.fetchBlock(ctx, idx, e)
		if e.block.Err() == nil {
			f.env.counters.prefetchBlocks.Add(1)
		}
		f.mu.Lock()
		f.prefetchInFlight--
		f.mu.Unlock()
	}, prefetch.Ready
}

// PrefetchPath implements prefetch.Source
func (f *File) PrefetchPath() string { return f.path }

func (f *File) countHit(n int64) {
	f.env.counters.bytesHit.Add(n)
	f.mu.Lock()
	f.access.BytesHit += n
	f.mu.Unlock()
}

func (f *File) countMiss(n int64) {
	f.env.counters.bytesMissed.Add(n)
	f.mu.Lock()
	f.access.BytesMissed += n
	f.mu.Unlock()
}

func (f *File) countBypassed(n int64) {
	f.env.counters.bytesBypassed.Add(n)
	f.mu.Lock()
	f.access.BytesBypassed += n
	f.mu.Unlock()
}

// close waits for blocks in RAM to be written, then saves the metadata
// with this access appended. If ctx expires first the file is saved as it
// stands and reports pending: its queued writes still land, and the last
// one to finish hands the file to env.drained.
func (f *File) close(ctx context.Context) (pending bool, err error) {
	f.mu.Lock()
	f.closing = true
	stop := context.AfterFunc(ctx, func() {
		f.mu.Lock()
		f.idle.Broadcast()
		f.mu.Unlock()
	})
	for len(f.blocks) > 0 && ctx.Err() == nil {
		f.idle.Wait()
	}
	stop()
	inRAM := len(f.blocks)
	f.draining = inRAM > 0

	f.access.DetachTime = time.Now()
	f.info.AddAccess(f.access, f.env.cfg.AccessHistorySize)
	data, err := f.info.Marshal()
	f.dirty = false
	f.mu.Unlock()

	if inRAM > 0 {
		f.env.logger.Info("detached with writes pending", "path", f.path, "blocks", inRAM)
	}
	if err != nil {
		return inRAM > 0, errors.NewError(errors.ErrCodeInternalError, "failed to encode metadata").
			WithComponent("cache").WithOperation("close").WithPath(f.path).WithCause(err)
	}

	saveCtx := context.WithoutCancel(ctx)
	return inRAM > 0, SaveInfo(saveCtx, f.env.storage, f.env.infoPath(f.path), data)
}

// endDrain ends draining once no block is left in RAM.
func (f *File) endDrain() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.drainedLocked() {
		return false
	}
	f.draining = false
	return true
}

// revive reopens a draining file for a new attach.
func (f *File) revive(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closing = false
	f.draining = false
	f.access = AccessStat{AttachTime: now}
}

// discard tears down a detached file that is about to be deleted. Its
// pending writes are stripped from the queue and the completed blocks they
// leave behind are dropped; downloads still running drop theirs when done.
// It returns the bytes freed from the queue.
func (f *File) discard() int64 {
	f.mu.Lock()
	f.discarded = true
	f.draining = false
	for f.handing > 0 {
		f.idle.Wait()
	}
	f.mu.Unlock()

	freed := f.env.queue.RemoveAllFor(f)

	f.mu.Lock()
	var drop []*buffer.Block
	for idx, e := range f.blocks {
		b := e.block
		if b.IsDone() && !b.WritePending() && !b.Written() {
			delete(f.blocks, idx)
			drop = append(drop, b)
		}
	}
	f.idle.Broadcast()
	f.mu.Unlock()

	for _, b := range drop {
		b.Release()
	}
	f.env.logger.Debug("discarded pending writes",
		"path", f.path, "dropped_blocks", len(drop), "freed_bytes", freed)
	return freed
}

// sync saves the metadata if blocks were recorded since the last save.
func (f *File) sync(ctx context.Context) error {
	f.mu.Lock()
	if !f.dirty {
		f.mu.Unlock()
		return nil
	}
	data, err := f.info.Marshal()
	f.dirty = false
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return SaveInfo(ctx, f.env.storage, f.env.infoPath(f.path), data)
}

// snapshot returns a copy of the file's metadata
func (f *File) snapshot() Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := *f.info
	info.Bitmap = append([]byte(nil), f.info.Bitmap...)
	info.Digests = append([]uint64(nil), f.info.Digests...)
	info.Accesses = append([]AccessStat(nil), f.info.Accesses...)
	return info
}
