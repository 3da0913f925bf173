package proxy

import "sync"

// Watchers tracks which connections subscribed to which session and fans
// frames out to all of them. Dead connections are pruned on write failure.
type Watchers struct {
	mu   sync.Mutex
	subs map[string]map[Conn]bool // session id -> subscriber set
}

// NewWatchers creates an empty registry.
func NewWatchers() *Watchers {
	return &Watchers{subs: make(map[string]map[Conn]bool)}
}

// Subscribe adds conn to the session's subscriber set.
func (w *Watchers) Subscribe(sessionID string, conn Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	set := w.subs[sessionID]
	if set == nil {
		set = make(map[Conn]bool)
		w.subs[sessionID] = set
	}
	set[conn] = true
}

// Unsubscribe removes conn from the session's subscriber set.
func (w *Watchers) Unsubscribe(sessionID string, conn Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if set := w.subs[sessionID]; set != nil {
		delete(set, conn)
		if len(set) == 0 {
			delete(w.subs, sessionID)
		}
	}
}

// UnsubscribeAll removes conn from every session. Called when a client
// disconnects.
func (w *Watchers) UnsubscribeAll(conn Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for sessionID, set := range w.subs {
		delete(set, conn)
		if len(set) == 0 {
			delete(w.subs, sessionID)
		}
	}
}

// Count returns the number of live subscribers for the session.
func (w *Watchers) Count(sessionID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs[sessionID])
}

// BroadcastToSession sends data to every subscriber of the session, dropping
// connections whose write fails.
func (w *Watchers) BroadcastToSession(sessionID string, data []byte) {
	w.broadcast(sessionID, data, nil)
}

// BroadcastExcept is BroadcastToSession skipping one connection (the one the
// session proxy already delivers to).
func (w *Watchers) BroadcastExcept(sessionID string, data []byte, except Conn) {
	w.broadcast(sessionID, data, except)
}

func (w *Watchers) broadcast(sessionID string, data []byte, except Conn) {
	w.mu.Lock()
	set := w.subs[sessionID]
	conns := make([]Conn, 0, len(set))
	for c := range set {
		if c == except {
			continue
		}
		conns = append(conns, c)
	}
	w.mu.Unlock()

	var dead []Conn
	for _, c := range conns {
		if err := c.Send(data); err != nil {
			dead = append(dead, c)
		}
	}
	if len(dead) > 0 {
		w.mu.Lock()
		if set := w.subs[sessionID]; set != nil {
			for _, c := range dead {
				delete(set, c)
			}
			if len(set) == 0 {
				delete(w.subs, sessionID)
			}
		}
		w.mu.Unlock()
	}
}
