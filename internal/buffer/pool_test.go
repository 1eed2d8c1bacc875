package buffer

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/pfcache/pkg/errors"
)

const mib = 1 << 20

func newTestPool(budget, block int64, keep int) *Pool {
	return NewPool(PoolConfig{Budget: budget, BlockSize: block, KeepStdBlocks: keep})
}

func TestPool_BudgetExhaustion(t *testing.T) {
	p := newTestPool(10*mib, mib, 4)

	var bufs [][]byte
	for i := 0; i < 10; i++ {
		buf, err := p.TryAcquire(mib)
		require.NoError(t, err, "acquire %d", i)
		assert.Len(t, buf, mib)
		bufs = append(bufs, buf)
	}

	_, err := p.TryAcquire(mib)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrBudgetExceeded))
	assert.Equal(t, int64(0), p.Available())

	stats := p.GetStats()
	assert.Equal(t, int64(10*mib), stats.Used)
	assert.Equal(t, uint64(1), stats.Rejections)

	for _, buf := range bufs {
		p.Release(buf)
	}
	assert.Equal(t, int64(0), p.GetStats().Used)
	assert.Equal(t, 4, p.GetStats().FreeBlocks)
}

func TestPool_FreeListReuse(t *testing.T) {
	p := newTestPool(4*mib, mib, 2)

	buf, err := p.TryAcquire(mib)
	require.NoError(t, err)
	p.Release(buf)

	again, err := p.TryAcquire(mib)
	require.NoError(t, err)
	assert.Same(t, &buf[0], &again[0])
	assert.Equal(t, uint64(1), p.GetStats().Reuses)

	// Non-standard sizes never land on the free list.
	odd, err := p.TryAcquire(3000)
	require.NoError(t, err)
	p.Release(odd)
	assert.Equal(t, 0, p.GetStats().FreeBlocks)
}

func TestPool_AcquireBlocksUntilRelease(t *testing.T) {
	p := newTestPool(2*mib, mib, 0)

	a, err := p.TryAcquire(mib)
	require.NoError(t, err)
	_, err = p.TryAcquire(mib)
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), mib)
		got <- err
	}()

	select {
	case <-got:
		t.Fatal("Acquire returned while budget was exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(a)
	select {
	case err := <-got:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not wake after Release")
	}
}

func TestPool_AcquireContextCancel(t *testing.T) {
	p := newTestPool(mib, mib, 0)
	_, err := p.TryAcquire(mib)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx, mib)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrBudgetExceeded))

	_, err = p.Acquire(context.Background(), 2*mib)
	assert.True(t, stderrors.Is(err, errors.ErrBudgetExceeded), "larger than budget fails at once")
}

func TestPool_AcquireRejectsEmptySize(t *testing.T) {
	p := newTestPool(mib, mib, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, size := range []int64{0, -1} {
		start := time.Now()
		_, err := p.Acquire(ctx, size)
		require.Error(t, err, "size %d", size)
		assert.True(t, stderrors.Is(err, errors.ErrBudgetExceeded))
		assert.Less(t, time.Since(start), time.Second)
	}
	assert.Equal(t, uint64(2), p.GetStats().Rejections)
	assert.Zero(t, p.GetStats().Waits)
}

func TestPool_ReleaseNeverGoesNegative(t *testing.T) {
	p := newTestPool(4*mib, mib, 1)
	p.Release(make([]byte, mib))
	assert.Equal(t, int64(0), p.GetStats().Used)
	p.Release(nil)
	assert.Equal(t, int64(4*mib), p.Available())
}

func TestPool_ConcurrentAccountingStaysWithinBudget(t *testing.T) {
	const budget = 8 * mib
	p := newTestPool(budget, mib, 4)

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				buf, err := p.TryAcquire(mib)
				if err != nil {
					continue
				}
				s := p.GetStats()
				assert.LessOrEqual(t, s.Used+s.Queued, int64(budget))
				assert.GreaterOrEqual(t, s.Used, int64(0))
				p.Release(buf)
			}
		}()
	}
	wg.Wait()

	s := p.GetStats()
	assert.Equal(t, int64(0), s.Used)
	assert.Equal(t, int64(0), s.Queued)
}

func TestPool_QueuedCountsAgainstBudget(t *testing.T) {
	p := newTestPool(2*mib, mib, 0)
	buf, err := p.TryAcquire(mib)
	require.NoError(t, err)

	p.markQueued(mib)
	s := p.GetStats()
	assert.Equal(t, int64(0), s.Used)
	assert.Equal(t, int64(mib), s.Queued)
	assert.Equal(t, int64(mib), p.Available())

	p.markDequeued(mib)
	p.Release(buf)
	assert.Equal(t, int64(2*mib), p.Available())
}
