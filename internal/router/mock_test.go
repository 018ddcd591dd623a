package router

import (
	"context"
	"errors"
	"sync"

	"github.com/1ureka/p2pbus/internal/protocol"
)

// Compile-time interface check.
var _ Link = (*mockLink)(nil)

// mockLink is one end of an in-process link. Messages sent on one end are
// handed, in order, to the other end's OnMessage handler on its own
// goroutine. Closing either end closes both.
type mockLink struct {
	in   chan *protocol.Message
	peer *mockLink
	done chan struct{}
	once *sync.Once
	name string

	startOnce sync.Once
}

func mockLinks() (a, b *mockLink) {
	done := make(chan struct{})
	once := &sync.Once{}
	a = &mockLink{in: make(chan *protocol.Message, 1024), done: done, once: once, name: "mock-a"}
	b = &mockLink{in: make(chan *protocol.Message, 1024), done: done, once: once, name: "mock-b"}
	a.peer, b.peer = b, a
	return a, b
}

func (m *mockLink) Send(ctx context.Context, msg *protocol.Message) error {
	select {
	case <-m.done:
		return errors.New("mock link closed")
	default:
	}
	select {
	case m.peer.in <- msg:
		return nil
	case <-m.done:
		return errors.New("mock link closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockLink) OnMessage(fn func(*protocol.Message)) {
	m.startOnce.Do(func() {
		go func() {
			for {
				select {
				case msg := <-m.in:
					fn(msg)
				case <-m.done:
					return
				}
			}
		}()
	})
}

func (m *mockLink) Done() <-chan struct{} { return m.done }

func (m *mockLink) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

func (m *mockLink) RemoteAddr() string { return m.peer.name }

// collector is an endpoint sink recording what it receives.
type collector struct {
	mu   sync.Mutex
	msgs []*protocol.Message
	ch   chan *protocol.Message
}

func newCollector() *collector {
	return &collector{ch: make(chan *protocol.Message, 64)}
}

func (c *collector) Deliver(msg *protocol.Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	select {
	case c.ch <- msg:
	default:
	}
	return nil
}
