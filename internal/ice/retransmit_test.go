package ice

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestRetransmitSchedule(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r := newRetransmit(DefaultRetransmitPolicy(), clock)

	want := []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 8 * time.Second, 8 * time.Second,
	}
	for i, w := range want {
		d, err := r.NextAttempt()
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		if d != w {
			t.Fatalf("attempt %d: wait %s, want %s", i+1, d, w)
		}
		err = r.Timeout()
		if i < len(want)-1 && err != nil {
			t.Fatalf("attempt %d: Timeout = %v", i+1, err)
		}
		if i == len(want)-1 && !errors.Is(err, ErrRetransmitExhausted) {
			t.Fatalf("last Timeout = %v, want ErrRetransmitExhausted", err)
		}
	}

	if r.State() != RetransmitFailed {
		t.Fatalf("state = %s, want failed", r.State())
	}
	if r.Attempts() != 7 {
		t.Fatalf("attempts = %d, want 7", r.Attempts())
	}
	if _, err := r.NextAttempt(); !errors.Is(err, ErrRetransmitExhausted) {
		t.Fatalf("NextAttempt after failure = %v", err)
	}
}

func TestRetransmitMaxElapsed(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r := newRetransmit(RetransmitPolicy{
		MaxAttempts:    10,
		InitialTimeout: time.Second,
		MaxTimeout:     time.Second,
		MaxElapsed:     3 * time.Second,
	}, clock)

	for i := 0; i < 3; i++ {
		if _, err := r.NextAttempt(); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		clock.now = clock.now.Add(time.Second)
	}
	if _, err := r.NextAttempt(); !errors.Is(err, ErrRetransmitExhausted) {
		t.Fatalf("NextAttempt past MaxElapsed = %v", err)
	}
	if r.State() != RetransmitFailed {
		t.Fatalf("state = %s", r.State())
	}
}

func TestRetransmitResponse(t *testing.T) {
	r := newRetransmit(DefaultRetransmitPolicy(), &fakeClock{now: time.Unix(0, 0)})
	if _, err := r.NextAttempt(); err != nil {
		t.Fatal(err)
	}
	r.ResponseReceived()
	if r.State() != RetransmitResponseReceived {
		t.Fatalf("state = %s", r.State())
	}
	if _, err := r.NextAttempt(); !errors.Is(err, ErrAnswered) {
		t.Fatalf("NextAttempt after response = %v", err)
	}

	r.Arm(DefaultRetransmitPolicy())
	if r.State() != RetransmitIdle || r.Attempts() != 0 {
		t.Fatalf("Arm did not reset: %s, %d attempts", r.State(), r.Attempts())
	}
}

func TestRetransmitFailedIsTerminal(t *testing.T) {
	r := newRetransmit(RetransmitPolicy{MaxAttempts: 2}, &fakeClock{now: time.Unix(0, 0)})
	for i := 0; i < 2; i++ {
		if _, err := r.NextAttempt(); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if err := r.Timeout(); !errors.Is(err, ErrRetransmitExhausted) {
		t.Fatalf("Timeout after last attempt = %v", err)
	}

	r.ResponseReceived()
	if r.State() != RetransmitFailed {
		t.Fatalf("late response moved failed transaction to %s", r.State())
	}
	if _, err := r.NextAttempt(); !errors.Is(err, ErrRetransmitExhausted) {
		t.Fatalf("NextAttempt after failure = %v", err)
	}
}

func TestRetransmitKeepAliveNeverFails(t *testing.T) {
	start := time.Unix(1000, 0)
	clock := &fakeClock{now: start}
	r := newRetransmit(RetransmitPolicy{MaxAttempts: 2}, clock)
	r.EnterKeepAlive(start)

	for i := 0; i < 20; i++ {
		if _, err := r.NextAttempt(); err != nil {
			t.Fatalf("keepalive attempt %d: %v", i, err)
		}
		if err := r.Timeout(); err != nil {
			t.Fatalf("keepalive timeout %d: %v", i, err)
		}
	}
	if r.State() != RetransmitKeepAlive {
		t.Fatalf("state = %s, want keepalive", r.State())
	}

	if r.KeepAliveDue(start.Add(10*time.Second), 15*time.Second) {
		t.Fatal("keepalive due too early")
	}
	if !r.KeepAliveDue(start.Add(15*time.Second), 15*time.Second) {
		t.Fatal("keepalive not due after interval")
	}

	clock.now = start.Add(20 * time.Second)
	r.ResponseReceived()
	if !r.LastKeepAlive().Equal(clock.now) {
		t.Fatalf("LastKeepAlive = %v, want %v", r.LastKeepAlive(), clock.now)
	}
	if r.State() != RetransmitKeepAlive {
		t.Fatalf("response left keepalive mode: %s", r.State())
	}
}
