//go:build unix

package netpoll

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func pipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

func TestWaitReadable(t *testing.T) {
	p, err := Open()
	require.NoError(t, err)
	defer p.Close()

	r, w := pipe(t)
	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	events, woken, err := p.Wait([]Interest{{FD: r, Read: true}}, time.Second)
	require.NoError(t, err)
	assert.False(t, woken)
	require.Len(t, events, 1)
	assert.Equal(t, r, events[0].FD)
	assert.True(t, events[0].Readable)
}

func TestWaitTimeout(t *testing.T) {
	p, err := Open()
	require.NoError(t, err)
	defer p.Close()

	r, _ := pipe(t)
	start := time.Now()
	events, woken, err := p.Wait([]Interest{{FD: r, Read: true}}, 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, woken)
	assert.Empty(t, events)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestWakeInterruptsInfiniteWait(t *testing.T) {
	p, err := Open()
	require.NoError(t, err)
	defer p.Close()

	r, _ := pipe(t)
	done := make(chan bool)
	go func() {
		_, woken, err := p.Wait([]Interest{{FD: r, Read: true}}, Infinite)
		assert.NoError(t, err)
		done <- woken
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Wake())

	select {
	case woken := <-done:
		assert.True(t, woken)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait was not woken")
	}
}

func TestWakeBeforeWaitIsKept(t *testing.T) {
	p, err := Open()
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Wake())
	require.NoError(t, p.Wake())

	_, woken, err := p.Wait(nil, Infinite)
	require.NoError(t, err)
	assert.True(t, woken)

	// both wakes were drained by the first Wait
	_, woken, err = p.Wait(nil, 0)
	require.NoError(t, err)
	assert.False(t, woken)
}

func TestWaitHangup(t *testing.T) {
	p, err := Open()
	require.NoError(t, err)
	defer p.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	require.NoError(t, unix.Close(fds[1]))

	events, _, err := p.Wait([]Interest{{FD: fds[0], Read: true}}, time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Readable || events[0].Hangup)
}

func TestClosedPoller(t *testing.T) {
	p, err := Open()
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, _, err = p.Wait(nil, 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, p.Wake(), ErrClosed)
}
