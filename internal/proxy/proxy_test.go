package proxy

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// fakeConn records delivered frames and can be made to fail.
type fakeConn struct {
	sent [][]byte
	fail bool
}

func (c *fakeConn) Send(data []byte) error {
	if c.fail {
		return errors.New("connection closed")
	}
	c.sent = append(c.sent, data)
	return nil
}

func TestSendBuffersWhileDetached(t *testing.T) {
	p := New(logger.Default())

	p.Send("text", []byte("one"))
	p.Send("text", []byte("two"))

	conn := &fakeConn{}
	p.Attach(conn)

	require.Len(t, conn.sent, 2)
	assert.Equal(t, "one", string(conn.sent[0]))
	assert.Equal(t, "two", string(conn.sent[1]))

	// Attached now: frames go straight through.
	p.Send("text", []byte("three"))
	require.Len(t, conn.sent, 3)
	assert.Equal(t, "three", string(conn.sent[2]))
}

func TestBufferDropsOldestAtCap(t *testing.T) {
	p := New(logger.Default())

	for i := 0; i < bufferCap+10; i++ {
		p.Send("text", []byte(fmt.Sprintf("frame-%d", i)))
	}

	conn := &fakeConn{}
	p.Attach(conn)

	require.Len(t, conn.sent, bufferCap)
	assert.Equal(t, "frame-10", string(conn.sent[0]))
	assert.Equal(t, fmt.Sprintf("frame-%d", bufferCap+9), string(conn.sent[bufferCap-1]))
}

func TestWriteFailureDetachesAndRebuffers(t *testing.T) {
	p := New(logger.Default())
	conn := &fakeConn{}
	p.Attach(conn)
	require.True(t, p.Attached())

	conn.fail = true
	p.Send("text", []byte("lost?"))

	assert.False(t, p.Attached())

	// The failed frame survives for the next attach.
	next := &fakeConn{}
	p.Attach(next)
	require.Len(t, next.sent, 1)
	assert.Equal(t, "lost?", string(next.sent[0]))
}

func TestAttachMidDrainFailureKeepsRemainder(t *testing.T) {
	p := New(logger.Default())
	p.Send("text", []byte("a"))
	p.Send("text", []byte("b"))
	p.Send("text", []byte("c"))

	conn := &fakeConn{fail: true}
	p.Attach(conn)
	assert.False(t, p.Attached())

	next := &fakeConn{}
	p.Attach(next)
	require.Len(t, next.sent, 3)
}

func TestDetachOnlyRemovesOwnConn(t *testing.T) {
	p := New(logger.Default())
	conn := &fakeConn{}
	p.Attach(conn)

	other := &fakeConn{}
	p.Detach(other)
	assert.True(t, p.Attached())

	p.Detach(conn)
	assert.False(t, p.Attached())
	assert.Nil(t, p.Current())
}

func TestDropBufferedStream(t *testing.T) {
	p := New(logger.Default())
	p.Send("text", []byte("t1"))
	p.Send("thinking", []byte("th1"))
	p.Send("notification", []byte("n1"))
	p.Send("text", []byte("t2"))

	p.DropBufferedStream("text", "thinking")

	conn := &fakeConn{}
	p.Attach(conn)
	require.Len(t, conn.sent, 1)
	assert.Equal(t, "n1", string(conn.sent[0]))
}

func TestDrainBufferedDoesNotAttach(t *testing.T) {
	p := New(logger.Default())
	p.Send("text", []byte("x"))

	conn := &fakeConn{}
	require.True(t, p.DrainBuffered(conn))
	require.Len(t, conn.sent, 1)
	assert.False(t, p.Attached())

	// Buffer is consumed.
	second := &fakeConn{}
	require.True(t, p.DrainBuffered(second))
	assert.Empty(t, second.sent)
}

func TestWatchersBroadcast(t *testing.T) {
	w := NewWatchers()
	a, b, c := &fakeConn{}, &fakeConn{}, &fakeConn{}

	w.Subscribe("s1", a)
	w.Subscribe("s1", b)
	w.Subscribe("s2", c)
	assert.Equal(t, 2, w.Count("s1"))

	w.BroadcastToSession("s1", []byte("hello"))
	assert.Len(t, a.sent, 1)
	assert.Len(t, b.sent, 1)
	assert.Empty(t, c.sent)
}

func TestWatchersBroadcastExcept(t *testing.T) {
	w := NewWatchers()
	a, b := &fakeConn{}, &fakeConn{}
	w.Subscribe("s1", a)
	w.Subscribe("s1", b)

	w.BroadcastExcept("s1", []byte("hello"), a)
	assert.Empty(t, a.sent)
	assert.Len(t, b.sent, 1)
}

func TestWatchersPruneDeadOnWriteFailure(t *testing.T) {
	w := NewWatchers()
	dead := &fakeConn{fail: true}
	live := &fakeConn{}
	w.Subscribe("s1", dead)
	w.Subscribe("s1", live)

	w.BroadcastToSession("s1", []byte("x"))
	assert.Equal(t, 1, w.Count("s1"))
	assert.Len(t, live.sent, 1)
}

func TestWatchersUnsubscribeAll(t *testing.T) {
	w := NewWatchers()
	conn := &fakeConn{}
	w.Subscribe("s1", conn)
	w.Subscribe("s2", conn)

	w.UnsubscribeAll(conn)
	assert.Equal(t, 0, w.Count("s1"))
	assert.Equal(t, 0, w.Count("s2"))
}
