package transport

import (
	"time"

	"github.com/pgkeeper/walproposer/pkg/proposer"
)

// readiness is one posted event; filtering against registration and
// interest happens at delivery time, so events that raced with an
// event-set rebuild are simply dropped.
type readiness struct {
	c  *conn
	ev proposer.Events
}

func (a *Adapter) post(c *conn, ev proposer.Events) {
	select {
	case a.events <- readiness{c: c, ev: ev}:
	default:
		// Queue full; pending conditions are re-posted when interest
		// is updated, so dropping is safe.
	}
}

func (a *Adapter) InitEventSet(wp *proposer.WalProposer) {
	a.wp = wp
	a.nextSlot = 0
}

func (a *Adapter) FreeEventSet(wp *proposer.WalProposer) {
	for _, sk := range wp.Safekeepers() {
		if c := getConn(sk); c != nil {
			c.mu.Lock()
			c.registered = false
			c.mu.Unlock()
		}
		sk.EventPos = -1
	}
	a.nextSlot = 0
}

func (a *Adapter) AddSafekeeperEventSet(sk *proposer.Safekeeper, ev proposer.Events) {
	c := getConn(sk)
	c.mu.Lock()
	c.registered = true
	c.interest = ev
	c.mu.Unlock()
	sk.EventPos = a.nextSlot
	a.nextSlot++
	a.repostPending(c)
}

func (a *Adapter) UpdateEventSet(sk *proposer.Safekeeper, ev proposer.Events) {
	c := getConn(sk)
	c.mu.Lock()
	c.interest = ev
	c.mu.Unlock()
	a.repostPending(c)
}

// repostPending re-arms level-triggered conditions after an interest
// change, since the queue itself is edge-triggered.
func (a *Adapter) repostPending(c *conn) {
	c.mu.Lock()
	var ev proposer.Events
	if c.interest&proposer.EventReadable != 0 {
		if len(c.inbox) > 0 || c.err != nil || c.execStatus != proposer.ExecNeedsInput {
			ev |= proposer.EventReadable
		}
	}
	if c.interest&proposer.EventWritable != 0 && len(c.pending) == 0 && c.dialDone {
		ev |= proposer.EventWritable
	}
	c.mu.Unlock()
	if ev != 0 {
		a.post(c, ev)
	}
}

// WaitEventSet blocks until a readiness event, the WAL latch or the
// timeout. A negative timeout waits forever.
func (a *Adapter) WaitEventSet(wp *proposer.WalProposer, timeout time.Duration) (*proposer.Safekeeper, proposer.Events) {
	var timer <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		select {
		case r := <-a.events:
			r.c.mu.Lock()
			live := r.c.registered && !r.c.closed && r.c.sk.Conn == r.c
			ev := r.ev & r.c.interest
			r.c.mu.Unlock()
			if !live || ev == 0 {
				continue
			}
			return r.c.sk, ev

		case <-a.walCh:
			return nil, proposer.EventLatch

		case <-timer:
			return nil, proposer.EventTimeout
		}
	}
}
