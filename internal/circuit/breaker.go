// Package circuit suspends origin requests after repeated failures so a
// dead origin costs clients one fast error instead of a full retry cycle.
package circuit

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/objectfs/pfcache/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - requests pass through
	StateClosed State = iota
	// StateOpen - requests are rejected
	StateOpen
	// StateHalfOpen - a limited number of trial requests test whether the origin recovered
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// Trial requests allowed through while half-open
	MaxRequests uint32

	// Period of the closed state after which counts are cleared
	Interval time.Duration

	// Period of the open state after which the breaker goes half-open
	Timeout time.Duration

	// Decides, after a failure in the closed state, whether to open
	ReadyToTrip func(counts Counts) bool

	// Called on every state change, with the breaker lock held
	OnStateChange func(name string, from State, to State)

	// Decides whether an error counts against the origin
	IsSuccessful func(err error) bool
}

// Counts holds the numbers of requests and their outcomes in the current
// interval
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// NewBreaker creates a closed breaker
func NewBreaker(name string, config Config) *Breaker {
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.ReadyToTrip == nil {
		config.ReadyToTrip = TripOnRatio(20, 0.5)
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = OriginHealthy
	}

	b := &Breaker{
		name:   name,
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
	b.expiry = b.now().Add(config.Interval)
	return b
}

// TripOnRatio opens the breaker once at least minRequests were seen in the
// interval and the share of failures reached ratio.
func TripOnRatio(minRequests uint32, ratio float64) func(Counts) bool {
	return func(c Counts) bool {
		return c.Requests >= minRequests &&
			float64(c.TotalFailures)/float64(c.Requests) >= ratio
	}
}

// OriginHealthy reports whether err leaves the origin in good standing.
// Answers the origin gave on purpose (missing file, bad checksum) do not
// count against it.
func OriginHealthy(err error) bool {
	if err == nil {
		return true
	}
	switch errors.CodeOf(err) {
	case errors.ErrCodeOriginNotFound, errors.ErrCodeChecksumMismatch:
		return true
	}
	return false
}

// Execute runs fn if the breaker allows it. Rejected calls fail with
// ORIGIN_UNAVAILABLE. Calls abandoned by their own context are not
// counted either way.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil && ctx.Err() != nil &&
		(stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)) {
		b.release()
		return err
	}
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState(b.now())
	if state == StateOpen {
		return b.rejection("origin circuit open")
	}
	if state == StateHalfOpen && b.counts.Requests >= b.config.MaxRequests {
		return b.rejection("origin circuit half-open")
	}

	b.counts.Requests++
	b.counts.LastActivity = b.now()
	return nil
}

func (b *Breaker) rejection(msg string) error {
	err := errors.NewError(errors.ErrCodeOriginUnavailable, msg).
		WithComponent("circuit").
		WithContext("breaker", b.name)
	if b.state == StateOpen {
		err = err.WithDetail("retry_after", b.expiry.Sub(b.now()).String())
	}
	return err
}

func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.counts.Requests > 0 {
		b.counts.Requests--
	}
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state := b.currentState(now)
	if b.config.IsSuccessful(err) {
		b.counts.onSuccess()
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.config.MaxRequests {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.config.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) State {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.counts.clear()
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts.clear()

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.now())
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker and clears its counts
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts.clear()
	b.setState(StateClosed, b.now())
}

// Name returns the name of the breaker
func (b *Breaker) Name() string {
	return b.name
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() {
	*c = Counts{}
}
