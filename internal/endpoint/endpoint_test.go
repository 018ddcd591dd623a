package endpoint

import (
	"errors"
	"sync"
	"testing"

	"github.com/1ureka/p2pbus/internal/protocol"
)

func nopSink() Sink {
	return SinkFunc(func(*protocol.Message) error { return nil })
}

func TestControllerUniqueName(t *testing.T) {
	ep, err := New(KindRemote, ":ABCDEFGHIJKLMNOP.3", nopSink())
	if err != nil {
		t.Fatal(err)
	}
	if got := ep.ControllerUniqueName(); got != ":ABCDEFGHIJKLMNOP.1" {
		t.Fatalf("ControllerUniqueName = %q", got)
	}
	if got := ep.GUIDPrefix(); got != "ABCDEFGHIJKLMNOP" {
		t.Fatalf("GUIDPrefix = %q", got)
	}
}

func TestNewRejectsMalformedName(t *testing.T) {
	for _, name := range []string{"", ":short.3", "org.example.Name"} {
		if _, err := New(KindNull, name, nopSink()); !errors.Is(err, protocol.ErrBadUniqueName) {
			t.Errorf("New(%q) = %v, want ErrBadUniqueName", name, err)
		}
	}
}

func TestInvalidate(t *testing.T) {
	delivered := 0
	ep, _ := New(KindNull, ":ABCDEFGHIJKLMNOP.2", SinkFunc(func(*protocol.Message) error {
		delivered++
		return nil
	}))

	fired := 0
	ep.OnInvalidate(func(*Endpoint) { fired++ })

	if err := ep.Deliver(&protocol.Message{}); err != nil {
		t.Fatal(err)
	}

	ep.Invalidate()
	ep.Invalidate()

	if ep.IsValid() {
		t.Fatal("endpoint still valid")
	}
	if fired != 1 {
		t.Fatalf("hook fired %d times, want 1", fired)
	}
	if err := ep.Deliver(&protocol.Message{}); !errors.Is(err, ErrInvalidated) {
		t.Fatalf("Deliver after Invalidate = %v", err)
	}
	if delivered != 1 {
		t.Fatalf("sink saw %d messages, want 1", delivered)
	}

	// Late hooks run at once.
	late := false
	ep.OnInvalidate(func(*Endpoint) { late = true })
	if !late {
		t.Fatal("hook registered after invalidation did not run")
	}

	// The object itself stays inspectable.
	if ep.UniqueName() != ":ABCDEFGHIJKLMNOP.2" || ep.ControllerUniqueName() != ":ABCDEFGHIJKLMNOP.1" {
		t.Fatal("invalidated endpoint lost its identity")
	}
}

func TestSessionsAndAliases(t *testing.T) {
	ep, _ := New(KindNull, ":ABCDEFGHIJKLMNOP.2", nopSink())
	ep.AddSession(30)
	ep.AddSession(10)
	ep.AddSession(20)
	ep.RemoveSession(20)
	if got := ep.Sessions(); len(got) != 2 || got[0] != 10 || got[1] != 30 {
		t.Fatalf("Sessions = %v", got)
	}
	if !ep.InSession(10) || ep.InSession(20) {
		t.Fatal("InSession disagrees with Sessions")
	}

	ep.AddAlias("org.example.B")
	ep.AddAlias("org.example.A")
	ep.RemoveAlias("org.example.B")
	if got := ep.Aliases(); len(got) != 1 || got[0] != "org.example.A" {
		t.Fatalf("Aliases = %v", got)
	}
}

func TestArenaGenerations(t *testing.T) {
	a := NewArena()
	ep1, _ := New(KindNull, ":ABCDEFGHIJKLMNOP.2", nopSink())
	ep2, _ := New(KindNull, ":ABCDEFGHIJKLMNOP.3", nopSink())

	h1 := a.Insert(ep1)
	if got, ok := a.Get(h1); !ok || got != ep1 {
		t.Fatal("fresh handle does not resolve")
	}
	if ep1.Handle() != h1 {
		t.Fatal("endpoint does not know its handle")
	}

	if _, ok := a.Remove(h1); !ok {
		t.Fatal("Remove failed")
	}
	if _, ok := a.Get(h1); ok {
		t.Fatal("removed handle still resolves")
	}

	// The slot is reused with a new generation; the old handle stays dead.
	h2 := a.Insert(ep2)
	if h2.index != h1.index || h2.gen == h1.gen {
		t.Fatalf("expected slot reuse with a new generation: %s vs %s", h1, h2)
	}
	if _, ok := a.Get(h1); ok {
		t.Fatal("stale handle resolves to the new occupant")
	}
	if _, ok := a.Remove(h1); ok {
		t.Fatal("stale handle removed the new occupant")
	}
	if got, ok := a.Get(h2); !ok || got != ep2 {
		t.Fatal("new handle does not resolve")
	}
	if a.Len() != 1 {
		t.Fatalf("Len = %d", a.Len())
	}

	if _, ok := a.Get(Handle{}); ok {
		t.Fatal("zero handle resolves")
	}
}

func TestArenaConcurrent(t *testing.T) {
	a := NewArena()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				ep, _ := New(KindRemote, ":ABCDEFGHIJKLMNOP.9", nopSink())
				h := a.Insert(ep)
				if got, ok := a.Get(h); !ok || got != ep {
					t.Error("handle resolved to the wrong endpoint")
					return
				}
				a.Remove(h)
			}
		}()
	}
	wg.Wait()
	if a.Len() != 0 {
		t.Fatalf("Len = %d after balanced insert/remove", a.Len())
	}
}
