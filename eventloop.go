/*
 * Copyright (c) 2021-2022 UNNG Lab.
 */

package pgasync

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"pgasync/internal/netpoll"
)

// LoopState is the lifecycle state of an EventLoop.
type LoopState int32

const (
	LoopNotStarted LoopState = iota
	LoopRunning
	LoopStopped
)

func (s LoopState) String() string {
	switch s {
	case LoopNotStarted:
		return "not started"
	case LoopRunning:
		return "running"
	case LoopStopped:
		return "stopped"
	}
	return "unknown"
}

var errNoDescriptor = errors.New("pgasync: session socket has no descriptor to wait on")

// EventLoop is the reactor shared by Connections. One goroutine waits on the sockets of all busy Connections,
// reads their replies and calls the completion callbacks. Callbacks run on that goroutine and must not block.
//
// Stop ends the loop after the current dispatch round: completions detected in that round still fire, queries
// whose completion has not been detected never get a callback, and later submissions fail with ErrLoopStopped.
type EventLoop struct {
	log    *slog.Logger
	poller *netpoll.Poller

	state atomic.Int32

	mu     sync.Mutex // guards conns, posted and state transitions
	conns  connections
	posted []func()

	done chan struct{}
}

var defaultLoop struct {
	once sync.Once
	loop *EventLoop
}

// DefaultLoop returns the process-wide EventLoop used by Connect. It is created on first use and started by the
// first Connect. If the loop cannot be created it is returned already stopped.
func DefaultLoop() *EventLoop {
	defaultLoop.once.Do(func() {
		l, err := NewEventLoop()
		if err != nil {
			slog.Default().Error("cannot create default event loop", "error", err)
			l = &EventLoop{log: slog.Default(), done: make(chan struct{})}
			l.state.Store(int32(LoopStopped))
			close(l.done)
		}
		defaultLoop.loop = l
	})
	return defaultLoop.loop
}

// NewEventLoop creates a loop that is not yet running.
func NewEventLoop(opts ...Option) (*EventLoop, error) {
	o := applyOptions(opts)
	p, err := netpoll.Open()
	if err != nil {
		return nil, err
	}
	return &EventLoop{
		log:    o.logger.With("component", "eventloop"),
		poller: p,
		done:   make(chan struct{}),
	}, nil
}

// State returns the lifecycle state.
func (l *EventLoop) State() LoopState {
	return LoopState(l.state.Load())
}

// Run starts the loop goroutine. It is a no-op while running and fails with ErrLoopStopped after Stop.
func (l *EventLoop) Run() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.State() {
	case LoopRunning:
		return nil
	case LoopStopped:
		return ErrLoopStopped
	}
	l.state.Store(int32(LoopRunning))
	go l.run()
	return nil
}

// Stop asks the loop to exit. It may be called from any goroutine, including a completion callback, and more
// than once.
func (l *EventLoop) Stop() {
	l.mu.Lock()
	prev := l.State()
	if prev == LoopStopped {
		l.mu.Unlock()
		return
	}
	l.state.Store(int32(LoopStopped))
	l.posted = nil
	l.mu.Unlock()

	if prev == LoopNotStarted {
		l.poller.Close()
		close(l.done)
		return
	}
	_ = l.poller.Wake()
}

// Wait blocks until the loop goroutine has exited. It returns at once for a loop stopped before it ran.
func (l *EventLoop) Wait() {
	<-l.done
}

// Done is closed when the loop goroutine has exited.
func (l *EventLoop) Done() <-chan struct{} {
	return l.done
}

func (l *EventLoop) register(c *Connection, fd int) error {
	if fd < 0 {
		return errNoDescriptor
	}
	l.mu.Lock()
	if l.State() == LoopStopped {
		l.mu.Unlock()
		return ErrLoopStopped
	}
	l.conns.add(c, fd)
	l.mu.Unlock()

	_ = l.poller.Wake()
	return nil
}

func (l *EventLoop) deregister(c *Connection) {
	l.mu.Lock()
	removed := l.conns.remove(c)
	l.mu.Unlock()

	// the descriptor may be closed next, so it must leave the poll set
	if removed {
		_ = l.poller.Wake()
	}
}

// post schedules fn to run on the loop goroutine. It reports false when the loop is stopped.
func (l *EventLoop) post(fn func()) bool {
	l.mu.Lock()
	if l.State() == LoopStopped {
		l.mu.Unlock()
		return false
	}
	l.posted = append(l.posted, fn)
	l.mu.Unlock()

	_ = l.poller.Wake()
	return true
}

func (l *EventLoop) run() {
	defer close(l.done)
	defer l.poller.Close()

	l.log.Debug("event loop started")
	var (
		interests []netpoll.Interest
		byFD      = make(map[int]*Connection)
		batch     []func()
	)
	for {
		l.mu.Lock()
		if l.State() == LoopStopped {
			l.mu.Unlock()
			break
		}
		interests = l.conns.interests(interests, byFD)
		batch = append(batch[:0], l.posted...)
		l.posted = l.posted[:0]
		l.mu.Unlock()

		if len(batch) == 0 {
			events, _, err := l.poller.Wait(interests, netpoll.Infinite)
			if err != nil {
				l.log.Error("readiness wait failed, stopping", "error", err)
				l.mu.Lock()
				l.state.Store(int32(LoopStopped))
				l.posted = nil
				l.mu.Unlock()
				break
			}
			for _, ev := range events {
				c := byFD[ev.FD]
				if c == nil {
					continue
				}
				if fire := c.consumeInput(); fire != nil {
					batch = append(batch, fire)
				}
			}
		}

		for i, fire := range batch {
			fire()
			batch[i] = nil
		}
	}
	l.log.Debug("event loop stopped")
}
