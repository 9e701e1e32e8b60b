package worker

import (
	"sync"
	"time"
)

// progressGate is created for each heartbeat send and released when the send
// returns. Shutdown waits on the current gate so the session is never closed
// under an in-flight heartbeat.
type progressGate struct {
	done chan struct{}
	once sync.Once
}

func newProgressGate() *progressGate {
	return &progressGate{done: make(chan struct{})}
}

// release marks the heartbeat as finished. Safe to call more than once.
func (g *progressGate) release() {
	g.once.Do(func() { close(g.done) })
}

// wait blocks until release or timeout; it reports whether the gate was released.
func (g *progressGate) wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-g.done:
		return true
	case <-timer.C:
		return false
	}
}
