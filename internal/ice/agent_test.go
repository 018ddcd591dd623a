package ice

import (
	"context"
	"errors"
	"testing"
	"time"
)

type testPeer struct {
	mux   *Mux
	agent *Agent
	cands []*Candidate
}

func newTestPeer(t *testing.T, controlling bool) *testPeer {
	t.Helper()
	mux := newTestMux(t)
	cands, err := NewGatherer(mux, GatherConfig{Policy: fastPolicy()}).Gather(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	a := NewAgent(mux, AgentConfig{Controlling: controlling, Policy: fastPolicy()})
	a.SetLocalCandidates(cands)
	return &testPeer{mux: mux, agent: a, cands: cands}
}

func TestAgentConnect(t *testing.T) {
	ctrl := newTestPeer(t, true)
	ctld := newTestPeer(t, false)
	ctrl.agent.SetRemote(ctld.agent.LocalCredentials(), ctld.cands)
	ctld.agent.SetRemote(ctrl.agent.LocalCredentials(), ctrl.cands)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		pair Pair
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := ctld.agent.Connect(ctx)
		ch <- result{p, err}
	}()

	p, err := ctrl.agent.Connect(ctx)
	if err != nil {
		t.Fatalf("controlling Connect: %v", err)
	}
	if p.Remote.Addr != ctld.mux.LocalAddr() {
		t.Fatalf("controlling selected %s, want %s", p.Remote.Addr, ctld.mux.LocalAddr())
	}

	r := <-ch
	if r.err != nil {
		t.Fatalf("controlled Connect: %v", r.err)
	}
	if r.pair.Remote.Addr != ctrl.mux.LocalAddr() {
		t.Fatalf("controlled selected %s, want %s", r.pair.Remote.Addr, ctrl.mux.LocalAddr())
	}
	if sel, ok := ctld.agent.Selected(); !ok || sel.Remote.Addr != r.pair.Remote.Addr {
		t.Fatal("Selected disagrees with Connect")
	}
}

func TestAgentLearnsPeerReflexive(t *testing.T) {
	ctrl := newTestPeer(t, true)
	ctld := newTestPeer(t, false)
	ctrl.agent.SetRemote(ctld.agent.LocalCredentials(), ctld.cands)
	// The controlled side knows no candidates and learns one from the check.
	ctld.agent.SetRemote(ctrl.agent.LocalCredentials(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := ctrl.agent.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	remotes := ctld.agent.RemoteCandidates()
	if len(remotes) != 1 {
		t.Fatalf("remote candidates = %v", remotes)
	}
	c := remotes[0]
	if c.Type != CandidatePeerReflexive || c.Addr != ctrl.mux.LocalAddr() {
		t.Fatalf("learned %s", c)
	}
	if c.Activity == nil {
		t.Fatal("peer-reflexive candidate has no activity")
	}
	if got := c.Activity.Retransmit.State(); got != RetransmitKeepAlive {
		t.Fatalf("activity state = %s, want keepalive", got)
	}
}

func TestAgentWrongPassword(t *testing.T) {
	ctrl := newTestPeer(t, true)
	ctld := newTestPeer(t, false)

	creds := ctld.agent.LocalCredentials()
	creds.Pwd = "not-the-password"
	ctrl.agent.SetRemote(creds, ctld.cands)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := ctrl.agent.Connect(ctx)
	if !errors.Is(err, ErrNoPair) {
		t.Fatalf("err = %v, want ErrNoPair", err)
	}
	var re *ResponseError
	if !errors.As(err, &re) || re.Code != 401 {
		t.Fatalf("err = %v, want a 401 response error", err)
	}
	if _, ok := ctld.agent.Selected(); ok {
		t.Fatal("controlled agent selected a pair from an unauthenticated check")
	}
}

func TestAgentPairsSkipRelayed(t *testing.T) {
	ctrl := newTestPeer(t, true)
	ctld := newTestPeer(t, false)

	relay, err := NewCandidate(CandidateRelayed, ctrl.cands[0].Addr, ctrl.cands[0].Addr, ctrl.cands[0].Addr)
	if err != nil {
		t.Fatal(err)
	}
	ctrl.agent.SetLocalCandidates(append(ctrl.cands, relay))
	ctrl.agent.SetRemote(ctld.agent.LocalCredentials(), ctld.cands)

	pairs := ctrl.agent.Pairs()
	if len(pairs) != 1 {
		t.Fatalf("pairs = %v", pairs)
	}
	if pairs[0].Local.Type != CandidateHost {
		t.Fatalf("pair uses %s local", pairs[0].Local.Type)
	}
}
