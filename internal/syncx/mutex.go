// Package syncx provides the locking and waiting primitives shared by the
// router, the session manager, the packet pool and the STUN layer.
package syncx

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petermattis/goid"

	"github.com/1ureka/p2pbus/internal/util"
)

var (
	lockTrace      atomic.Bool
	traceThreshold atomic.Int64
)

func init() {
	traceThreshold.Store(int64(500 * time.Millisecond))
}

// GoroutineID returns the id of the calling goroutine. It reads the id
// through goid and falls back to the header of the goroutine's stack trace
// when goid has no support for the running toolchain. It panics if neither
// yields an id, since ownership could not be told apart.
func GoroutineID() int64 {
	if id := goid.Get(); id > 0 {
		return id
	}
	if id := stackGoroutineID(); id > 0 {
		return id
	}
	panic("syncx: cannot determine goroutine id")
}

// stackGoroutineID parses "goroutine N [" from the current stack trace.
func stackGoroutineID() int64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// SetLockTrace turns lock tracing on or off for every Mutex in the process.
// With tracing on, each outermost acquisition records the caller site and
// acquisitions that block longer than the trace threshold are logged
// together with the site currently holding the lock.
func SetLockTrace(on bool) { lockTrace.Store(on) }

// SetTraceThreshold changes how long a traced Lock may block before it is
// reported.
func SetTraceThreshold(d time.Duration) { traceThreshold.Store(int64(d)) }

// Mutex is a re-entrant mutual exclusion lock. The goroutine holding it may
// call Lock or TryLock again without blocking; it must call Unlock the same
// number of times to release it. The zero value is an unlocked mutex.
type Mutex struct {
	// Name labels the mutex in trace output.
	Name string

	mu    sync.Mutex
	owner atomic.Int64 // goroutine id of the holder, 0 when free; ids start at 1
	depth int          // only touched by the holder

	siteMu sync.Mutex
	site   string
	since  time.Time
}

// Lock acquires m, blocking until it is available unless the calling
// goroutine already holds it.
func (m *Mutex) Lock() {
	id := GoroutineID()
	if m.owner.Load() == id {
		m.depth++
		return
	}

	if !lockTrace.Load() {
		m.mu.Lock()
		m.acquired(id, "")
		return
	}

	site := callerSite()
	if !m.mu.TryLock() {
		start := time.Now()
		m.mu.Lock()
		if waited := time.Since(start); waited >= time.Duration(traceThreshold.Load()) {
			holder, _ := m.lastHolder()
			util.LogWarning("[lock %s] %s waited %s (previous holder %s)", m.label(), site, waited, holder)
		}
	}
	m.acquired(id, site)
}

// TryLock acquires m without blocking and reports whether it succeeded.
// It always succeeds for the goroutine that already holds m.
func (m *Mutex) TryLock() bool {
	id := GoroutineID()
	if m.owner.Load() == id {
		m.depth++
		return true
	}
	if !m.mu.TryLock() {
		return false
	}
	site := ""
	if lockTrace.Load() {
		site = callerSite()
	}
	m.acquired(id, site)
	return true
}

// Unlock releases one level of ownership. It panics when the calling
// goroutine does not hold m, matching sync.Mutex misuse.
func (m *Mutex) Unlock() {
	if m.owner.Load() != GoroutineID() {
		panic(fmt.Sprintf("syncx: unlock of mutex %q not held by caller", m.label()))
	}
	m.depth--
	if m.depth > 0 {
		return
	}
	m.owner.Store(0)
	m.mu.Unlock()
}

// Depth returns how many times the calling goroutine currently holds m,
// or 0 when it does not hold it.
func (m *Mutex) Depth() int {
	if m.owner.Load() != GoroutineID() {
		return 0
	}
	return m.depth
}

// Holder returns the call site that last acquired m and when, as recorded
// while lock tracing was enabled. ok is false when m is free or untraced.
func (m *Mutex) Holder() (site string, since time.Time, ok bool) {
	if m.owner.Load() == 0 {
		return "", time.Time{}, false
	}
	m.siteMu.Lock()
	defer m.siteMu.Unlock()
	if m.site == "" {
		return "", time.Time{}, false
	}
	return m.site, m.since, true
}

func (m *Mutex) acquired(id int64, site string) {
	m.owner.Store(id)
	m.depth = 1
	m.siteMu.Lock()
	m.site = site
	m.since = time.Now()
	m.siteMu.Unlock()
}

func (m *Mutex) lastHolder() (string, time.Time) {
	m.siteMu.Lock()
	defer m.siteMu.Unlock()
	if m.site == "" {
		return "unknown", m.since
	}
	return m.site, m.since
}

func (m *Mutex) label() string {
	if m.Name == "" {
		return fmt.Sprintf("%p", m)
	}
	return m.Name
}

// callerSite returns file:line of the code that called Lock or TryLock.
func callerSite() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", file, line)
}
