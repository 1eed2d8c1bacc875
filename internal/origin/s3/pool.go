package s3

import (
	"context"
	"sync"

	"github.com/objectfs/pfcache/pkg/errors"
)

// ClientPool bounds the number of S3 clients in concurrent use. Clients are
// created lazily up to the pool size and reused after that.
type ClientPool struct {
	mu          sync.Mutex
	idle        chan ObjectAPI
	factory     func() (ObjectAPI, error)
	maxSize     int
	currentSize int
	closed      bool

	stats PoolStats
}

// PoolStats tracks client pool statistics
type PoolStats struct {
	Active  int   `json:"active"`
	Total   int   `json:"total"`
	MaxSize int   `json:"max_size"`
	Hits    int64 `json:"hits"`
	Waits   int64 `json:"waits"`
	Created int64 `json:"created"`
	Errors  int64 `json:"errors"`
}

// NewClientPool creates a pool of at most maxSize clients
func NewClientPool(maxSize int, factory func() (ObjectAPI, error)) (*ClientPool, error) {
	if maxSize <= 0 {
		maxSize = 8
	}
	if factory == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "client factory cannot be nil").
			WithComponent("s3-origin")
	}

	return &ClientPool{
		idle:    make(chan ObjectAPI, maxSize),
		factory: factory,
		maxSize: maxSize,
		stats:   PoolStats{MaxSize: maxSize},
	}, nil
}

// Get returns an idle client, a new one while under the size limit, or
// waits for one to be returned.
func (p *ClientPool) Get(ctx context.Context) (ObjectAPI, error) {
	select {
	case c := <-p.idle:
		p.mu.Lock()
		p.stats.Hits++
		p.stats.Active++
		p.mu.Unlock()
		return c, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.NewError(errors.ErrCodeEngineStopped, "client pool is closed").
			WithComponent("s3-origin")
	}
	if p.currentSize < p.maxSize {
		p.currentSize++
		p.mu.Unlock()

		c, err := p.factory()
		p.mu.Lock()
		defer p.mu.Unlock()
		if err != nil {
			p.currentSize--
			p.stats.Errors++
			return nil, errors.NewError(errors.ErrCodeOriginFetch, "failed to create S3 client").
				WithComponent("s3-origin").WithCause(err)
		}
		p.stats.Created++
		p.stats.Active++
		return c, nil
	}
	p.stats.Waits++
	p.mu.Unlock()

	select {
	case c := <-p.idle:
		p.mu.Lock()
		p.stats.Active++
		p.mu.Unlock()
		return c, nil
	case <-ctx.Done():
		return nil, errors.NewError(errors.ErrCodeOriginTimeout, "timed out waiting for S3 client").
			WithComponent("s3-origin").WithCause(ctx.Err())
	}
}

// Put returns a client to the pool
func (p *ClientPool) Put(c ObjectAPI) {
	if c == nil {
		return
	}
	p.mu.Lock()
	p.stats.Active--
	p.mu.Unlock()

	select {
	case p.idle <- c:
	default:
	}
}

// Close marks the pool closed and drops idle clients
func (p *ClientPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for {
		select {
		case <-p.idle:
			p.currentSize--
		default:
			return nil
		}
	}
}

// Stats returns pool statistics
func (p *ClientPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := p.stats
	stats.Total = p.currentSize
	return stats
}
