package devcomm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rebin/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn — сокет для тестов регистра: пишет в память, умеет ломаться.
type fakeConn struct {
	mu       sync.Mutex
	writes   [][]byte
	closed   bool
	failSend bool
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return errors.New("broken pipe")
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func TestRegisterSocketSupersedes(t *testing.T) {
	r := NewRegistry()
	first := &fakeConn{}
	second := &fakeConn{}

	p1 := r.RegisterSocket("DEV001", first)
	p2 := r.RegisterSocket("DEV001", second)

	// старое соединение закрыто, живое ровно одно — второе
	assert.True(t, first.isClosed())
	assert.False(t, second.isClosed())
	assert.True(t, r.IsSocketConnected("DEV001"))

	// уборка вытесненного соединения не трогает преемника
	assert.False(t, r.UnregisterSocket("DEV001", p1))
	assert.True(t, r.IsSocketConnected("DEV001"))

	assert.True(t, r.UnregisterSocket("DEV001", p2))
	assert.False(t, r.IsSocketConnected("DEV001"))
}

func TestSendFailureUnregisters(t *testing.T) {
	r := NewRegistry()
	conn := &fakeConn{failSend: true}
	r.RegisterSocket("DEV001", conn)

	ok := r.Send("DEV001", protocol.NewQueryStatus("DEV001"))

	assert.False(t, ok)
	// полуживой записи не осталось
	assert.False(t, r.IsSocketConnected("DEV001"))
	assert.True(t, conn.isClosed())
}

func TestDispatchPrefersSocket(t *testing.T) {
	r := NewRegistry()
	conn := &fakeConn{}
	r.RegisterSocket("DEV001", conn)

	delivered, method := r.Dispatch("DEV001", protocol.NewQueryStatus("DEV001"))

	assert.True(t, delivered)
	assert.Equal(t, "websocket", method)
	assert.Equal(t, 1, conn.sentCount())
}

func TestDispatchToLongPollWaiter(t *testing.T) {
	r := NewRegistry()

	got := make(chan protocol.Downlink, 1)
	go func() {
		cmd, ok := r.WaitCommand(context.Background(), "DEV001", 5*time.Second)
		if ok {
			got <- cmd
		}
		close(got)
	}()

	// дождаться, пока опрашивающий реально повиснет на канале
	require.Eventually(t, func() bool { return r.IsPollWaiting("DEV001") },
		time.Second, 5*time.Millisecond)

	delivered, method := r.Dispatch("DEV001", protocol.NewQueryStatus("DEV001"))
	require.True(t, delivered)
	assert.Equal(t, "long_polling", method)

	select {
	case cmd := <-got:
		require.NotNil(t, cmd)
		assert.Equal(t, protocol.MsgQueryStatus, cmd.Type())
	case <-time.After(time.Second):
		t.Fatal("long poll waiter never received the command")
	}
}

func TestDispatchNoChannelAvailable(t *testing.T) {
	r := NewRegistry()

	delivered, method := r.Dispatch("DEV001", protocol.NewQueryStatus("DEV001"))

	assert.False(t, delivered)
	assert.Equal(t, "", method)
}

func TestWaitCommandTimeoutReleasesWaiter(t *testing.T) {
	r := NewRegistry()

	cmd, ok := r.WaitCommand(context.Background(), "DEV001", 20*time.Millisecond)

	assert.False(t, ok)
	assert.Nil(t, cmd)
	// после таймаута регистр не считает, что кто-то слушает
	assert.False(t, r.IsPollWaiting("DEV001"))
}

func TestWaitCommandContextCancel(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := r.WaitCommand(ctx, "DEV001", time.Minute)
		done <- ok
	}()
	require.Eventually(t, func() bool { return r.IsPollWaiting("DEV001") },
		time.Second, 5*time.Millisecond)

	cancel()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("wait did not release on context cancel")
	}
	assert.False(t, r.IsPollWaiting("DEV001"))
}

func TestSummary(t *testing.T) {
	r := NewRegistry()
	r.RegisterSocket("DEV001", &fakeConn{})
	r.RegisterSocket("DEV002", &fakeConn{})

	go r.WaitCommand(context.Background(), "DEV003", 200*time.Millisecond)
	require.Eventually(t, func() bool { return r.IsPollWaiting("DEV003") },
		time.Second, 5*time.Millisecond)

	s := r.Summary()
	assert.Equal(t, 2, s.WebSocket)
	assert.Equal(t, 1, s.LongPolling)
	assert.Equal(t, 3, s.TotalOnline)
	assert.ElementsMatch(t, []string{"DEV001", "DEV002"}, s.WSDeviceIDs)
}
