// Package proxy decouples event producers (session and task turns) from the
// websocket clients consuming them. A Proxy buffers while no client is
// attached; Watchers fans session-scoped frames out to every subscriber.
package proxy

import (
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// bufferCap bounds the number of frames retained while no client is attached.
// Overflow drops the oldest frames silently.
const bufferCap = 1000

// Frame is one pre-serialised message destined for a client.
type Frame struct {
	Type string
	Data []byte
}

// Conn is the write side of an attached client. Implementations must be safe
// for use from the proxy's callers.
type Conn interface {
	// Send delivers one frame. Errors mean the connection is dead; the
	// proxy detaches it.
	Send(data []byte) error
}

// Proxy delivers frames to the attached connection, buffering while detached.
// Send never returns an error to the producer.
type Proxy struct {
	mu     sync.Mutex
	conn   Conn
	buffer []Frame
	logger *logger.Logger
}

// New creates a detached Proxy.
func New(log *logger.Logger) *Proxy {
	return &Proxy{logger: log.WithFields(zap.String("component", "proxy"))}
}

// Send delivers the frame to the attached connection or buffers it. A write
// failure detaches the connection and re-buffers the frame.
func (p *Proxy) Send(frameType string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		if err := p.conn.Send(data); err == nil {
			return
		}
		p.conn = nil
	}
	p.bufferLocked(Frame{Type: frameType, Data: data})
}

// Attach installs conn and drains the buffer to it in order. A write failure
// mid-drain detaches again, keeping the undelivered remainder.
func (p *Proxy) Attach(conn Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.conn = conn
	for i, f := range p.buffer {
		if err := conn.Send(f.Data); err != nil {
			p.conn = nil
			p.buffer = append([]Frame(nil), p.buffer[i:]...)
			return
		}
	}
	p.buffer = nil
}

// Detach removes the connection if it is the attached one. Buffered frames
// are kept for the next Attach.
func (p *Proxy) Detach(conn Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == conn {
		p.conn = nil
	}
}

// Attached reports whether a connection is currently installed.
func (p *Proxy) Attached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// Current returns the attached connection, or nil.
func (p *Proxy) Current() Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// DropBufferedStream discards buffered frames of the given types (streaming
// text/thinking that a catch-up will resend from the accumulated buffer),
// keeping everything else in order.
func (p *Proxy) DropBufferedStream(types ...string) {
	drop := make(map[string]bool, len(types))
	for _, t := range types {
		drop[t] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.buffer[:0]
	for _, f := range p.buffer {
		if drop[f.Type] {
			continue
		}
		kept = append(kept, f)
	}
	p.buffer = kept
}

// DrainBuffered sends all buffered frames to conn without attaching it,
// returning false if a write failed.
func (p *Proxy) DrainBuffered(conn Conn) bool {
	p.mu.Lock()
	frames := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	for i, f := range frames {
		if err := conn.Send(f.Data); err != nil {
			p.mu.Lock()
			p.buffer = append(append([]Frame(nil), frames[i:]...), p.buffer...)
			p.mu.Unlock()
			return false
		}
	}
	return true
}

func (p *Proxy) bufferLocked(f Frame) {
	if len(p.buffer) >= bufferCap {
		p.buffer = p.buffer[1:]
	}
	p.buffer = append(p.buffer, f)
}
