package buffer

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/pfcache/internal/storage/memory"
	"github.com/objectfs/pfcache/pkg/errors"
)

type testOwner struct {
	path string

	mu      sync.Mutex
	written []int64
	failed  map[int64]error
	done    chan struct{}
}

func newTestOwner(path string) *testOwner {
	return &testOwner{path: path, failed: make(map[int64]error), done: make(chan struct{}, 64)}
}

func (o *testOwner) DataPath() string { return o.path }

func (o *testOwner) BlockWritten(b *Block, err error) {
	o.mu.Lock()
	if err != nil {
		o.failed[b.Offset()] = err
	} else {
		o.written = append(o.written, b.Offset())
	}
	o.mu.Unlock()
	o.done <- struct{}{}
}

func (o *testOwner) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-o.done:
		case <-time.After(5 * time.Second):
			t.Fatalf("owner %s: timed out waiting for write %d", o.path, i)
		}
	}
}

func filledBlock(t *testing.T, p *Pool, owner Owner, offset int64, fill byte) *Block {
	t.Helper()
	buf, err := p.TryAcquire(p.BlockSize())
	require.NoError(t, err)
	for i := range buf {
		buf[i] = fill
	}
	b := NewBlock(p, owner, offset, buf, true)
	b.Complete(len(buf), nil)
	return b
}

func TestWriteQueue_WriteReadBack(t *testing.T) {
	ctx := context.Background()
	store := memory.New(1 << 30)
	pool := newTestPool(8*4096, 4096, 2)
	q := NewWriteQueue(WriteQueueConfig{Workers: 2, BlocksPerCycle: 2}, store, pool)

	owner := newTestOwner("/data/file")
	for i := 0; i < 4; i++ {
		b := filledBlock(t, pool, owner, int64(i)*4096, byte('a'+i))
		require.NoError(t, q.Enqueue(b))
		b.Release()
	}
	owner.wait(t, 4)
	require.NoError(t, q.Close(ctx, true))

	for i := 0; i < 4; i++ {
		buf := make([]byte, 4096)
		n, err := store.ReadAt(ctx, "/data/file", int64(i)*4096, buf)
		require.NoError(t, err)
		assert.Equal(t, 4096, n)
		for _, c := range buf {
			if c != byte('a'+i) {
				t.Fatalf("block %d: got byte %q", i, c)
			}
		}
	}

	stats := q.GetStats()
	assert.Equal(t, uint64(4), stats.BlocksWritten)
	assert.Equal(t, int64(4*4096), stats.BytesWritten)
	assert.Zero(t, stats.BytesWrittenPrefetch)

	ps := pool.GetStats()
	assert.Zero(t, ps.Used)
	assert.Zero(t, ps.Queued)
}

func TestWriteQueue_RemoveAllForDropsPendingWrites(t *testing.T) {
	ctx := context.Background()
	store := memory.New(1 << 30)
	pool := newTestPool(16*4096, 4096, 0)
	q := NewWriteQueue(WriteQueueConfig{Workers: 1, BlocksPerCycle: 1}, store, pool)

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	store.SetWriteHook(func(path string, offset int64) error {
		if path == "/blocker" {
			entered <- struct{}{}
			<-gate
		}
		return nil
	})

	blocker := newTestOwner("/blocker")
	bb := filledBlock(t, pool, blocker, 0, 'x')
	require.NoError(t, q.Enqueue(bb))
	bb.Release()
	<-entered

	victim := newTestOwner("/victim")
	var blocks []*Block
	for i := 0; i < 3; i++ {
		b := filledBlock(t, pool, victim, int64(i)*4096, 'v')
		require.NoError(t, q.Enqueue(b))
		blocks = append(blocks, b)
	}
	assert.Equal(t, int64(3*4096), pool.GetStats().Queued)

	freed := q.RemoveAllFor(victim)
	assert.Equal(t, int64(3*4096), freed)
	for _, b := range blocks {
		assert.False(t, b.WritePending())
		assert.Equal(t, int32(1), b.Refs())
		b.Release()
	}

	close(gate)
	blocker.wait(t, 1)
	require.NoError(t, q.Close(ctx, true))

	assert.Empty(t, store.Paths("/victim"))
	assert.Equal(t, []string{"/blocker"}, store.Paths("/"))
	assert.Equal(t, uint64(3), q.GetStats().BlocksRemoved)
	assert.Zero(t, pool.GetStats().Used)
	assert.Zero(t, pool.GetStats().Queued)

	victim.mu.Lock()
	defer victim.mu.Unlock()
	assert.Empty(t, victim.written)
}

func TestWriteQueue_FailureNotifiesOwner(t *testing.T) {
	store := memory.New(1 << 30)
	pool := newTestPool(4*4096, 4096, 0)
	q := NewWriteQueue(WriteQueueConfig{Workers: 1}, store, pool)
	defer func() { _ = q.Close(context.Background(), false) }()

	store.SetWriteHook(func(path string, offset int64) error {
		if offset == 4096 {
			return stderrors.New("no space left on device")
		}
		return nil
	})

	owner := newTestOwner("/f")
	for i := 0; i < 2; i++ {
		b := filledBlock(t, pool, owner, int64(i)*4096, 'z')
		require.NoError(t, q.Enqueue(b))
		b.Release()
	}
	owner.wait(t, 2)

	owner.mu.Lock()
	defer owner.mu.Unlock()
	assert.Equal(t, []int64{0}, owner.written)
	require.Contains(t, owner.failed, int64(4096))
	assert.True(t, stderrors.Is(owner.failed[4096], errors.ErrBackendWrite))
	assert.Equal(t, uint64(1), q.GetStats().WriteFailures)
}

func TestWriteQueue_FIFO(t *testing.T) {
	store := memory.New(1 << 30)
	pool := newTestPool(16*4096, 4096, 0)
	q := NewWriteQueue(WriteQueueConfig{Workers: 1, BlocksPerCycle: 3}, store, pool)

	var mu sync.Mutex
	var order []string
	gate := make(chan struct{})
	store.SetWriteHook(func(path string, offset int64) error {
		if path == "/gate" {
			<-gate
			return nil
		}
		mu.Lock()
		order = append(order, path)
		mu.Unlock()
		return nil
	})

	g := newTestOwner("/gate")
	gb := filledBlock(t, pool, g, 0, 0)
	require.NoError(t, q.Enqueue(gb))
	gb.Release()

	a, b := newTestOwner("/a"), newTestOwner("/b")
	for i, o := range []*testOwner{a, b, a, b, b} {
		blk := filledBlock(t, pool, o, int64(i)*4096, 1)
		require.NoError(t, q.Enqueue(blk))
		blk.Release()
	}
	close(gate)
	require.NoError(t, q.Close(context.Background(), true))

	assert.Equal(t, []string{"/a", "/b", "/a", "/b", "/b"}, order)
}

func TestWriteQueue_CloseDiscards(t *testing.T) {
	store := memory.New(1 << 30)
	pool := newTestPool(8*4096, 4096, 0)
	q := NewWriteQueue(WriteQueueConfig{Workers: 1}, store, pool)

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	store.SetWriteHook(func(path string, offset int64) error {
		if path == "/slow" {
			entered <- struct{}{}
			<-gate
		}
		return nil
	})

	slow := newTestOwner("/slow")
	sb := filledBlock(t, pool, slow, 0, 's')
	require.NoError(t, q.Enqueue(sb))
	sb.Release()
	<-entered

	dropped := newTestOwner("/dropped")
	db := filledBlock(t, pool, dropped, 0, 'd')
	require.NoError(t, q.Enqueue(db))
	db.Release()

	closed := make(chan error, 1)
	go func() { closed <- q.Close(context.Background(), false) }()

	dropped.wait(t, 1)
	dropped.mu.Lock()
	assert.True(t, stderrors.Is(dropped.failed[0], errors.ErrEngineStopped))
	dropped.mu.Unlock()

	close(gate)
	require.NoError(t, <-closed)
	assert.Empty(t, store.Paths("/dropped"))

	err := q.Enqueue(filledBlock(t, pool, dropped, 4096, 'd'))
	assert.True(t, stderrors.Is(err, errors.ErrEngineStopped))
}

func TestWriteQueue_WritesSinceLastCall(t *testing.T) {
	store := memory.New(1 << 30)
	pool := newTestPool(8*4096, 4096, 0)
	q := NewWriteQueue(WriteQueueConfig{Workers: 1}, store, pool)
	defer func() { _ = q.Close(context.Background(), true) }()

	owner := newTestOwner("/w")
	for i := 0; i < 3; i++ {
		b := filledBlock(t, pool, owner, int64(i)*4096, 0)
		require.NoError(t, q.Enqueue(b))
		b.Release()
	}
	owner.wait(t, 3)

	assert.Equal(t, int64(3*4096), q.WritesSinceLastCall())
	assert.Zero(t, q.WritesSinceLastCall())
}
