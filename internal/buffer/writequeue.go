package buffer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/objectfs/pfcache/pkg/errors"
	"github.com/objectfs/pfcache/pkg/types"
	"github.com/objectfs/pfcache/pkg/utils"
)

// WriteQueue persists downloaded blocks to storage through a fixed pool of
// worker goroutines. Tasks are taken strictly in FIFO order across all files.
type WriteQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	idle     *sync.Cond

	tasks       []*Block
	queuedBytes int64
	inFlight    map[Owner]int
	sinceCall   int64
	stats       WriteQueueStats
	stopping    bool

	config  WriteQueueConfig
	storage types.Storage
	pool    *Pool
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WriteQueueConfig represents write queue configuration
type WriteQueueConfig struct {
	// Workers is the number of writer goroutines
	Workers int
	// BlocksPerCycle caps how many tasks a worker takes per dequeue
	BlocksPerCycle int
	// MaxBlocks bounds the queue length; Enqueue blocks at the cap. Zero means unbounded.
	MaxBlocks int
	Logger    *slog.Logger
}

// WriteQueueStats tracks write queue performance metrics
type WriteQueueStats struct {
	Depth                int    `json:"depth"`
	QueuedBytes          int64  `json:"queued_bytes"`
	InFlight             int    `json:"in_flight"`
	BlocksEnqueued       uint64 `json:"blocks_enqueued"`
	BlocksWritten        uint64 `json:"blocks_written"`
	BlocksRemoved        uint64 `json:"blocks_removed"`
	BytesWritten         int64  `json:"bytes_written"`
	BytesWrittenPrefetch int64  `json:"bytes_written_prefetch"`
	WriteFailures        uint64 `json:"write_failures"`
}

// NewWriteQueue creates a write queue and starts its workers
func NewWriteQueue(config WriteQueueConfig, storage types.Storage, pool *Pool) *WriteQueue {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.BlocksPerCycle <= 0 {
		config.BlocksPerCycle = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &WriteQueue{
		inFlight: make(map[Owner]int),
		config:   config,
		storage:  storage,
		pool:     pool,
		logger:   utils.ComponentLogger(config.Logger, "write-queue"),
		ctx:      ctx,
		cancel:   cancel,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	q.idle = sync.NewCond(&q.mu)

	for i := 0; i < config.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	return q
}

// Enqueue appends b to the queue. The queue takes its own reference on b.
// Enqueueing a block that is already pending is a no-op.
func (q *WriteQueue) Enqueue(b *Block) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.config.MaxBlocks > 0 && len(q.tasks) >= q.config.MaxBlocks && !q.stopping {
		q.notFull.Wait()
	}
	if q.stopping {
		return errors.NewError(errors.ErrCodeEngineStopped, "write queue is shutting down").
			WithComponent("write-queue").WithOperation("enqueue")
	}
	if b.writePending.Load() {
		return nil
	}

	b.writePending.Store(true)
	b.Retain()
	q.tasks = append(q.tasks, b)
	q.queuedBytes += b.Size()
	q.sinceCall += int64(len(b.Data()))
	q.stats.BlocksEnqueued++
	q.pool.markQueued(b.Size())

	q.notEmpty.Signal()
	return nil
}

// RemoveAllFor drops every pending task of owner and waits for any of its
// blocks already taken by a worker to finish. It returns the bytes released
// from the queue. Callers must not hold locks that owner.BlockWritten takes.
func (q *WriteQueue) RemoveAllFor(owner Owner) int64 {
	q.mu.Lock()

	var removed []*Block
	var freed int64
	kept := make([]*Block, 0, len(q.tasks))
	for _, b := range q.tasks {
		if b.owner == owner {
			removed = append(removed, b)
			freed += b.Size()
		} else {
			kept = append(kept, b)
		}
	}
	q.tasks = kept
	q.queuedBytes -= freed
	q.stats.BlocksRemoved += uint64(len(removed))

	for q.inFlight[owner] > 0 {
		q.idle.Wait()
	}
	q.notFull.Broadcast()
	q.mu.Unlock()

	for _, b := range removed {
		q.pool.markDequeued(b.Size())
		b.writePending.Store(false)
		b.Release()
	}

	if len(removed) > 0 {
		q.logger.Debug("removed pending writes",
			"path", owner.DataPath(),
			"blocks", len(removed),
			"bytes", utils.FormatBytes(freed))
	}
	return freed
}

// WritesSinceLastCall returns the bytes enqueued since the previous call and resets the counter.
func (q *WriteQueue) WritesSinceLastCall() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.sinceCall
	q.sinceCall = 0
	return n
}

func (q *WriteQueue) worker(id int) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.stopping {
			q.notEmpty.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}

		n := q.config.BlocksPerCycle
		if n > len(q.tasks) {
			n = len(q.tasks)
		}
		batch := make([]*Block, n)
		copy(batch, q.tasks[:n])
		for i := 0; i < n; i++ {
			q.tasks[i] = nil
		}
		q.tasks = q.tasks[n:]
		for _, b := range batch {
			q.inFlight[b.owner]++
			q.queuedBytes -= b.Size()
		}
		q.notFull.Broadcast()
		q.mu.Unlock()

		for _, b := range batch {
			q.write(b)
		}
	}
}

func (q *WriteQueue) write(b *Block) {
	data := b.Data()
	err := q.storage.WriteAt(q.ctx, b.owner.DataPath(), b.offset, data)

	q.pool.markDequeued(b.Size())
	b.writePending.Store(false)

	if err != nil {
		err = errors.NewError(errors.ErrCodeBackendWrite, "failed to persist block").
			WithComponent("write-queue").WithOperation("write").
			WithPath(b.owner.DataPath()).
			WithDetail("offset", b.offset).
			WithCause(err)
		q.logger.Warn("block write failed, dropping block",
			"path", b.owner.DataPath(),
			"offset", b.offset,
			"size", len(data),
			"error", err)
	} else {
		b.written.Store(true)
	}

	b.owner.BlockWritten(b, err)
	b.Release()

	q.mu.Lock()
	if err != nil {
		q.stats.WriteFailures++
	} else {
		q.stats.BlocksWritten++
		q.stats.BytesWritten += int64(len(data))
		if !b.fromRead {
			q.stats.BytesWrittenPrefetch += int64(len(data))
		}
	}
	q.inFlight[b.owner]--
	if q.inFlight[b.owner] <= 0 {
		delete(q.inFlight, b.owner)
	}
	q.idle.Broadcast()
	q.mu.Unlock()
}

// Close stops the workers. With drain set, pending tasks are written first
// unless ctx expires; otherwise they are discarded.
func (q *WriteQueue) Close(ctx context.Context, drain bool) error {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return nil
	}

	var discarded []*Block
	if drain {
		stop := context.AfterFunc(ctx, func() {
			q.mu.Lock()
			q.idle.Broadcast()
			q.mu.Unlock()
		})
		for (len(q.tasks) > 0 || len(q.inFlight) > 0) && ctx.Err() == nil {
			q.idle.Wait()
		}
		stop()
	}
	if !drain || ctx.Err() != nil {
		discarded = q.tasks
		q.tasks = nil
		for _, b := range discarded {
			q.queuedBytes -= b.Size()
		}
	}

	q.stopping = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()

	for _, b := range discarded {
		q.pool.markDequeued(b.Size())
		b.writePending.Store(false)
		b.owner.BlockWritten(b, errors.NewError(errors.ErrCodeEngineStopped, "write discarded at shutdown").
			WithComponent("write-queue"))
		b.Release()
	}
	if len(discarded) > 0 {
		q.logger.Warn("discarded pending writes at shutdown", "blocks", len(discarded))
	}

	q.wg.Wait()
	q.cancel()
	return ctx.Err()
}

// Len returns the number of pending tasks
func (q *WriteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// GetStats returns current queue statistics
func (q *WriteQueue) GetStats() WriteQueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := q.stats
	stats.Depth = len(q.tasks)
	stats.QueuedBytes = q.queuedBytes
	for _, n := range q.inFlight {
		stats.InFlight += n
	}
	return stats
}
