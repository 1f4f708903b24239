package peertable

import (
	"fmt"
	"runtime"
	"sync"
)

// recursionGuard detects the same goroutine re-entering the peer-table lock
// before releasing it. Go has no public goroutine-ID API, so the numeric ID
// embedded in a runtime stack trace is used instead. A match is a
// programmer error, not a contended lock, so it aborts the process rather
// than blocking.
type recursionGuard struct {
	mu     sync.Mutex
	holder uint64
	held   bool
}

func (g *recursionGuard) enter(id uint64) {
	g.mu.Lock()
	if g.held && g.holder == id {
		g.mu.Unlock()
		panic(fmt.Sprintf("peertable: recursive lock acquisition by goroutine %d", id))
	}
	g.mu.Unlock()
}

func (g *recursionGuard) exit() {
	g.mu.Lock()
	g.held = false
	g.holder = 0
	g.mu.Unlock()
}

// markHeld is called by Table.lock after acquiring the real mutex, so the
// guard only reflects actual ownership, not contention.
func (g *recursionGuard) markHeld(id uint64) {
	g.mu.Lock()
	g.held = true
	g.holder = id
	g.mu.Unlock()
}

// goroutineID extracts the numeric goroutine ID from runtime.Stack output.
// This is a debug-only convenience, not a stable API contract.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parseGoroutineID(buf[:n])
}

func parseGoroutineID(b []byte) uint64 {
	const prefix = "goroutine "
	if len(b) < len(prefix) {
		return 0
	}
	b = b[len(prefix):]
	var id uint64
	for _, c := range b {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}
