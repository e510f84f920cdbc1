package relay

import "sync"

// pendingJoins is the rendezvous between a suspended /pair/join call and the
// pair_decision frame arriving on the desktop's WebSocket. Each request ID
// maps to a one-shot channel: resolution happens at most once, and the
// waiter removes its entry on timeout so nothing leaks.
type pendingJoins struct {
	mu      sync.Mutex
	waiters map[string]chan bool
}

func newPendingJoins() *pendingJoins {
	return &pendingJoins{waiters: make(map[string]chan bool)}
}

// add registers a waiter for requestID and returns the decision channel.
func (p *pendingJoins) add(requestID string) <-chan bool {
	ch := make(chan bool, 1)
	p.mu.Lock()
	p.waiters[requestID] = ch
	p.mu.Unlock()
	return ch
}

// resolve delivers the decision for requestID. Returns false when no waiter
// exists (already resolved, timed out, or never registered).
func (p *pendingJoins) resolve(requestID string, approved bool) bool {
	p.mu.Lock()
	ch, ok := p.waiters[requestID]
	if ok {
		delete(p.waiters, requestID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- approved
	return true
}

// drop removes a waiter without resolving it; called by the suspended HTTP
// handler on timeout or cancellation.
func (p *pendingJoins) drop(requestID string) {
	p.mu.Lock()
	delete(p.waiters, requestID)
	p.mu.Unlock()
}
