package buffer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/objectfs/pfcache/pkg/errors"
	"github.com/objectfs/pfcache/pkg/utils"
)

// Pool hands out block buffers under a hard RAM budget. Buffers of the
// standard block size are recycled through a bounded free list.
//
// Accounting: used counts buffers held by files and readers, queued counts
// buffers waiting in the write queue. used+queued never exceeds budget.
// Buffers parked on the free list count against neither.
type Pool struct {
	mu      sync.Mutex
	budget  int64
	stdSize int64
	keep    int
	free    [][]byte
	used    int64
	queued  int64
	waiters int
	waitCh  chan struct{}
	stats   PoolStats
	logger  *slog.Logger
}

// PoolConfig represents buffer pool configuration
type PoolConfig struct {
	Budget        int64
	BlockSize     int64
	KeepStdBlocks int
	Logger        *slog.Logger
}

// PoolStats tracks buffer pool activity
type PoolStats struct {
	Budget      int64  `json:"budget"`
	Used        int64  `json:"used"`
	Queued      int64  `json:"queued"`
	FreeBlocks  int    `json:"free_blocks"`
	Allocations uint64 `json:"allocations"`
	Reuses      uint64 `json:"reuses"`
	Rejections  uint64 `json:"rejections"`
	Waits       uint64 `json:"waits"`
}

// NewPool creates a buffer pool
func NewPool(cfg PoolConfig) *Pool {
	return &Pool{
		budget:  cfg.Budget,
		stdSize: cfg.BlockSize,
		keep:    cfg.KeepStdBlocks,
		free:    make([][]byte, 0, cfg.KeepStdBlocks),
		waitCh:  make(chan struct{}),
		logger:  utils.ComponentLogger(cfg.Logger, "buffer-pool"),
	}
}

// BlockSize returns the standard block size
func (p *Pool) BlockSize() int64 { return p.stdSize }

// TryAcquire returns a buffer of size bytes or fails immediately with
// errors.ErrBudgetExceeded.
func (p *Pool) TryAcquire(size int64) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if buf, ok := p.acquireLocked(size); ok {
		return buf, nil
	}
	p.stats.Rejections++
	return nil, p.budgetError(size)
}

// Acquire returns a buffer of size bytes, waiting for other buffers to be
// released if the budget is currently exhausted. Sizes that no release could
// satisfy fail at once.
func (p *Pool) Acquire(ctx context.Context, size int64) ([]byte, error) {
	for {
		p.mu.Lock()
		if buf, ok := p.acquireLocked(size); ok {
			p.mu.Unlock()
			return buf, nil
		}
		if size <= 0 || size > p.budget {
			p.stats.Rejections++
			p.mu.Unlock()
			return nil, p.budgetError(size)
		}
		p.waiters++
		p.stats.Waits++
		ch := p.waitCh
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.waiters--
			p.mu.Unlock()
			return nil, errors.NewError(errors.ErrCodeBudgetExceeded, "gave up waiting for block buffer").
				WithComponent("buffer-pool").WithOperation("acquire").WithCause(ctx.Err())
		case <-ch:
			p.mu.Lock()
			p.waiters--
			p.mu.Unlock()
		}
	}
}

func (p *Pool) acquireLocked(size int64) ([]byte, bool) {
	if size <= 0 || p.used+p.queued+size > p.budget {
		return nil, false
	}
	p.used += size

	if size == p.stdSize && len(p.free) > 0 {
		buf := p.free[len(p.free)-1]
		p.free[len(p.free)-1] = nil
		p.free = p.free[:len(p.free)-1]
		p.stats.Reuses++
		return buf[:size], true
	}

	p.stats.Allocations++
	return make([]byte, size), true
}

func (p *Pool) budgetError(size int64) error {
	return errors.NewError(errors.ErrCodeBudgetExceeded, "block RAM budget exhausted").
		WithComponent("buffer-pool").WithOperation("acquire").
		WithDetail("requested", size).
		WithDetail("used", p.used).
		WithDetail("queued", p.queued).
		WithDetail("budget", p.budget)
}

// Release returns buf to the pool. Standard-size buffers go back on the
// free list while it has room.
func (p *Pool) Release(buf []byte) {
	if buf == nil {
		return
	}
	size := int64(cap(buf))

	p.mu.Lock()
	defer p.mu.Unlock()

	if size > p.used {
		p.logger.Error("release exceeds used bytes",
			"size", size, "used", p.used)
		size = p.used
	}
	p.used -= size

	if int64(cap(buf)) == p.stdSize && len(p.free) < p.keep {
		p.free = append(p.free, buf[:cap(buf)])
	}
	p.notifyLocked()
}

// markQueued moves n bytes from used to queued.
func (p *Pool) markQueued(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > p.used {
		n = p.used
	}
	p.used -= n
	p.queued += n
}

// markDequeued moves n bytes from queued back to used.
func (p *Pool) markDequeued(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > p.queued {
		n = p.queued
	}
	p.queued -= n
	p.used += n
}

func (p *Pool) notifyLocked() {
	if p.waiters == 0 {
		return
	}
	close(p.waitCh)
	p.waitCh = make(chan struct{})
}

// Available returns how many bytes can still be acquired.
func (p *Pool) Available() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.budget - p.used - p.queued
}

// GetStats returns current pool statistics
func (p *Pool) GetStats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.stats
	stats.Budget = p.budget
	stats.Used = p.used
	stats.Queued = p.queued
	stats.FreeBlocks = len(p.free)
	return stats
}
