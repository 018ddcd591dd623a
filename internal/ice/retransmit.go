package ice

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/1ureka/p2pbus/internal/syncx"
)

// ErrRetransmitExhausted is returned once a transaction has used up its
// attempts or its total time budget. It is terminal for the candidate.
var ErrRetransmitExhausted = errors.New("ice: retransmissions exhausted")

// ErrAnswered is returned by NextAttempt after a response was recorded.
var ErrAnswered = errors.New("ice: transaction already answered")

// RetransmitPolicy bounds the retries of one STUN request.
type RetransmitPolicy struct {
	MaxAttempts    int           // requests sent before giving up
	InitialTimeout time.Duration // wait after the first request
	MaxTimeout     time.Duration // cap on the per-attempt wait
	MaxElapsed     time.Duration // cap on the whole transaction, 0 for none
}

// DefaultRetransmitPolicy follows the RFC 5389 schedule: 500ms doubling
// per attempt, seven requests at most.
func DefaultRetransmitPolicy() RetransmitPolicy {
	return RetransmitPolicy{
		MaxAttempts:    7,
		InitialTimeout: 500 * time.Millisecond,
		MaxTimeout:     8 * time.Second,
		MaxElapsed:     40 * time.Second,
	}
}

func (p RetransmitPolicy) withDefaults() RetransmitPolicy {
	d := DefaultRetransmitPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialTimeout <= 0 {
		p.InitialTimeout = d.InitialTimeout
	}
	if p.MaxTimeout < p.InitialTimeout {
		p.MaxTimeout = p.InitialTimeout
	}
	return p
}

// RetransmitState is the state of a Retransmit.
type RetransmitState uint8

const (
	RetransmitIdle RetransmitState = iota
	RetransmitAwaitingResponse
	RetransmitResponseReceived
	RetransmitFailed
	RetransmitKeepAlive
)

func (s RetransmitState) String() string {
	switch s {
	case RetransmitIdle:
		return "idle"
	case RetransmitAwaitingResponse:
		return "awaiting-response"
	case RetransmitResponseReceived:
		return "response-received"
	case RetransmitFailed:
		return "failed"
	case RetransmitKeepAlive:
		return "keepalive"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Retransmit tracks one candidate's request/response progress. In request
// mode it counts attempts and hands out per-attempt timeouts from an
// exponential backoff, failing for good once the policy is used up. In
// keepalive mode it only records when the binding was last refreshed and
// never fails on a missing response.
type Retransmit struct {
	mu       syncx.Mutex
	clock    backoff.Clock
	policy   RetransmitPolicy
	bo       *backoff.ExponentialBackOff
	state    RetransmitState
	attempts int

	lastKeepAlive time.Time
}

// NewRetransmit creates an idle Retransmit using the wall clock.
func NewRetransmit(policy RetransmitPolicy) *Retransmit {
	return newRetransmit(policy, backoff.SystemClock)
}

func newRetransmit(policy RetransmitPolicy, clock backoff.Clock) *Retransmit {
	r := &Retransmit{clock: clock, mu: syncx.Mutex{Name: "retransmit"}}
	r.Arm(policy)
	return r
}

// Arm puts r into request mode with a fresh policy.
func (r *Retransmit) Arm(policy RetransmitPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.policy = policy.withDefaults()
	r.bo = &backoff.ExponentialBackOff{
		InitialInterval:     r.policy.InitialTimeout,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         r.policy.MaxTimeout,
		MaxElapsedTime:      r.policy.MaxElapsed,
		Stop:                backoff.Stop,
		Clock:               r.clock,
	}
	r.state = RetransmitIdle
	r.attempts = 0
}

// EnterKeepAlive switches r to keepalive mode, stamping now as the last
// refresh.
func (r *Retransmit) EnterKeepAlive(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = RetransmitKeepAlive
	r.attempts = 0
	r.lastKeepAlive = now
}

// NextAttempt records that a request is about to be sent and returns how
// long to wait for its response. In keepalive mode every attempt gets the
// initial timeout and is not counted.
func (r *Retransmit) NextAttempt() (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case RetransmitFailed:
		return 0, ErrRetransmitExhausted
	case RetransmitResponseReceived:
		return 0, ErrAnswered
	case RetransmitKeepAlive:
		return r.policy.InitialTimeout, nil
	}

	if r.attempts >= r.policy.MaxAttempts {
		r.state = RetransmitFailed
		return 0, ErrRetransmitExhausted
	}
	if r.attempts == 0 {
		r.bo.Reset()
	}
	d := r.bo.NextBackOff()
	if d == backoff.Stop {
		r.state = RetransmitFailed
		return 0, ErrRetransmitExhausted
	}
	r.attempts++
	r.state = RetransmitAwaitingResponse
	return d, nil
}

// Timeout records that the last attempt went unanswered. It returns
// ErrRetransmitExhausted when no attempt is left, which moves r to the
// failed state. Keepalive mode ignores timeouts.
func (r *Retransmit) Timeout() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case RetransmitKeepAlive:
		return nil
	case RetransmitFailed:
		return ErrRetransmitExhausted
	case RetransmitAwaitingResponse:
		if r.attempts >= r.policy.MaxAttempts {
			r.state = RetransmitFailed
			return ErrRetransmitExhausted
		}
	}
	return nil
}

// ResponseReceived records a response. In keepalive mode it only refreshes
// the keepalive timestamp. A late response does not revive a failed
// transaction.
func (r *Retransmit) ResponseReceived() {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case RetransmitKeepAlive:
		r.lastKeepAlive = r.clock.Now()
	case RetransmitFailed:
	default:
		r.state = RetransmitResponseReceived
	}
}

// RecordKeepAlive stamps t as the last refresh of the binding.
func (r *Retransmit) RecordKeepAlive(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastKeepAlive = t
}

// KeepAliveDue reports whether at least interval has passed since the last
// keepalive. It is always false outside keepalive mode.
func (r *Retransmit) KeepAliveDue(now time.Time, interval time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == RetransmitKeepAlive && now.Sub(r.lastKeepAlive) >= interval
}

// LastKeepAlive returns the time of the last keepalive.
func (r *Retransmit) LastKeepAlive() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastKeepAlive
}

// State returns the current state.
func (r *Retransmit) State() RetransmitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Attempts returns the number of requests sent in request mode.
func (r *Retransmit) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}
