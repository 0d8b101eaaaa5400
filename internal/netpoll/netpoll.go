//go:build unix

/*
 * Copyright (c) 2021-2022 UNNG Lab.
 */

// Package netpoll waits for readiness on socket descriptors without consuming their data.
//
// A Poller wraps poll(2) together with a self-pipe so that a goroutine blocked in Wait can be woken from any other
// goroutine:
//
//	p, err := netpoll.Open()
//	if err != nil {
//		// handle error
//	}
//	defer p.Close()
//
//	events, woken, err := p.Wait([]netpoll.Interest{{FD: fd, Read: true}}, netpoll.Infinite)
//
// The descriptors passed to Wait stay owned by the caller. They must not be closed while a Wait that names them is
// in progress.
package netpoll

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Infinite makes Wait block until a descriptor is ready or the poller is woken.
const Infinite time.Duration = -1

// ErrClosed is returned by Wait and Wake after Close.
var ErrClosed = errors.New("netpoll: poller closed")

// Interest names a descriptor and the readiness it is waited on for.
type Interest struct {
	FD    int
	Read  bool
	Write bool
}

// Event reports the readiness observed on one descriptor.
type Event struct {
	FD       int
	Readable bool
	Writable bool
	// Hangup is set when the peer closed the socket; reads will return EOF.
	Hangup bool
	// Err is set for POLLERR and POLLNVAL.
	Err bool
}

// Poller is a poll(2) based readiness waiter with a wake pipe. Wait must be called from a single goroutine at a
// time; Wake and Close are safe from any goroutine.
type Poller struct {
	mu     sync.Mutex
	closed bool
	wakeR  int
	wakeW  int

	fds []unix.PollFd
}

// Open creates a Poller with its wake pipe.
func Open() (*Poller, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, err
	}
	for _, fd := range p {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, err
		}
		unix.CloseOnExec(fd)
	}
	return &Poller{wakeR: p[0], wakeW: p[1]}, nil
}

// Wake interrupts a Wait in progress, or makes the next Wait return immediately.
func (p *Poller) Wake() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	_, err := unix.Write(p.wakeW, []byte{1})
	if err == unix.EAGAIN {
		// pipe already full, a wake is pending
		return nil
	}
	return err
}

// Wait blocks until at least one of the interests is ready, the poller is woken, or timeout elapses. A negative
// timeout blocks indefinitely. Interrupted system calls are retried. Only descriptors with readiness are returned.
func (p *Poller) Wait(interests []Interest, timeout time.Duration) (events []Event, woken bool, err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false, ErrClosed
	}
	wakeR := p.wakeR
	p.mu.Unlock()

	p.fds = p.fds[:0]
	p.fds = append(p.fds, unix.PollFd{Fd: int32(wakeR), Events: unix.POLLIN})
	for _, in := range interests {
		var ev int16
		if in.Read {
			ev |= unix.POLLIN
		}
		if in.Write {
			ev |= unix.POLLOUT
		}
		p.fds = append(p.fds, unix.PollFd{Fd: int32(in.FD), Events: ev})
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	for {
		_, err = unix.Poll(p.fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		break
	}

	if p.fds[0].Revents != 0 {
		woken = true
		p.drainWake()
	}

	for _, fd := range p.fds[1:] {
		if fd.Revents == 0 {
			continue
		}
		events = append(events, Event{
			FD:       int(fd.Fd),
			Readable: fd.Revents&unix.POLLIN != 0,
			Writable: fd.Revents&unix.POLLOUT != 0,
			Hangup:   fd.Revents&unix.POLLHUP != 0,
			Err:      fd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0,
		})
	}
	return events, woken, nil
}

func (p *Poller) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close releases the wake pipe. It must not be called while a Wait is in progress.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	err := unix.Close(p.wakeR)
	if werr := unix.Close(p.wakeW); err == nil {
		err = werr
	}
	return err
}
