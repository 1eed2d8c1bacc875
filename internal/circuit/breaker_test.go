package circuit

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

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker("origin", cfg)
	b.now = clock.Now
	b.expiry = clock.Now().Add(b.config.Interval)
	return b, clock
}

var errFetch = errors.NewError(errors.ErrCodeOriginFetch, "connection reset")

func fail(context.Context) error    { return errFetch }
func succeed(context.Context) error { return nil }

func TestState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}

func TestNewBreaker_Defaults(t *testing.T) {
	b := NewBreaker("origin", Config{})
	assert.Equal(t, "origin", b.Name())
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(1), b.config.MaxRequests)
	assert.Equal(t, 60*time.Second, b.config.Interval)
	assert.Equal(t, 60*time.Second, b.config.Timeout)
	assert.NotNil(t, b.config.ReadyToTrip)
	assert.NotNil(t, b.config.IsSuccessful)
}

func TestTripOnRatio(t *testing.T) {
	trip := TripOnRatio(20, 0.5)
	tests := []struct {
		name   string
		counts Counts
		want   bool
	}{
		{"too few requests", Counts{Requests: 10, TotalFailures: 10}, false},
		{"below ratio", Counts{Requests: 20, TotalFailures: 9}, false},
		{"at ratio", Counts{Requests: 20, TotalFailures: 10}, true},
		{"above ratio", Counts{Requests: 100, TotalFailures: 60}, true},
		{"zero", Counts{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, trip(tt.counts))
		})
	}
}

func TestOriginHealthy(t *testing.T) {
	assert.True(t, OriginHealthy(nil))
	assert.True(t, OriginHealthy(errors.NewError(errors.ErrCodeOriginNotFound, "no such key")))
	assert.True(t, OriginHealthy(errors.NewError(errors.ErrCodeChecksumMismatch, "bad block")))
	assert.False(t, OriginHealthy(errFetch))
	assert.False(t, OriginHealthy(stderrors.New("plain")))
}

func TestBreaker_TripsAndRecovers(t *testing.T) {
	var transitions []State
	b, clock := newTestBreaker(Config{
		MaxRequests: 2,
		Timeout:     10 * time.Second,
		ReadyToTrip: TripOnRatio(3, 0.5),
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, to)
		},
	})
	ctx := context.Background()

	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, errFetch, b.Execute(ctx, fail))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, errFetch, b.Execute(ctx, fail))
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.False(t, called)
	assert.Equal(t, errors.ErrCodeOriginUnavailable, errors.CodeOf(err))
	assert.True(t, errors.IsRetryable(err))
	assert.True(t, stderrors.Is(err, errors.ErrOriginUnavailable))

	clock.Advance(11 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(Config{Timeout: time.Second, ReadyToTrip: TripOnRatio(1, 1)})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	require.Equal(t, StateOpen, b.State())
	clock.Advance(2 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	_ = b.Execute(ctx, fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_HalfOpenLimitsTrials(t *testing.T) {
	b, clock := newTestBreaker(Config{Timeout: time.Second, ReadyToTrip: TripOnRatio(1, 1)})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.Advance(2 * time.Second)

	gate := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error { <-gate; return nil })
	}()
	require.Eventually(t, func() bool { return b.Counts().Requests == 1 }, time.Second, time.Millisecond)

	err := b.Execute(ctx, succeed)
	assert.Equal(t, errors.ErrCodeOriginUnavailable, errors.CodeOf(err))

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_NotFoundDoesNotTrip(t *testing.T) {
	b, _ := newTestBreaker(Config{ReadyToTrip: TripOnRatio(1, 0.1)})
	notFound := errors.NewError(errors.ErrCodeOriginNotFound, "no such key")
	for i := 0; i < 5; i++ {
		err := b.Execute(context.Background(), func(context.Context) error { return notFound })
		assert.Equal(t, notFound, err)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(5), b.Counts().TotalSuccesses)
}

func TestBreaker_CancelledCallsNotCounted(t *testing.T) {
	b, _ := newTestBreaker(Config{ReadyToTrip: TripOnRatio(1, 0.1)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Counts().Requests)
	assert.Zero(t, b.Counts().TotalFailures)
}

func TestBreaker_IntervalClearsCounts(t *testing.T) {
	b, clock := newTestBreaker(Config{Interval: time.Minute, ReadyToTrip: TripOnRatio(3, 0.5)})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	assert.Equal(t, uint32(2), b.Counts().TotalFailures)

	clock.Advance(2 * time.Minute)
	_ = b.Execute(ctx, fail)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(1), b.Counts().TotalFailures)
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(Config{ReadyToTrip: TripOnRatio(1, 1)})
	_ = b.Execute(context.Background(), fail)
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, Counts{}, b.Counts())
}
