package pgasync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v4"

	"pgasync/internal/cfg"
	"pgasync/internal/conn"
	"pgasync/internal/netpoll"
)

// Notification is one message received on a LISTEN channel.
type Notification struct {
	Channel string
	Payload string
	PID     uint32 // server process id of the notifying session
}

// NotificationFunc handles one notification. It runs on the listener's goroutine before the next notification is
// read.
type NotificationFunc func(Notification)

// ListenerState is the lifecycle state of a NotificationListener.
type ListenerState int32

const (
	ListenerListening ListenerState = iota
	ListenerStopped
)

func (s ListenerState) String() string {
	if s == ListenerListening {
		return "listening"
	}
	return "stopped"
}

var errListenerRunning = errors.New("pgasync: listener is already running")

// NotificationListener owns a dedicated session in LISTEN mode. Run blocks on the session socket and hands each
// notification to the callback. Listeners do not use the EventLoop.
type NotificationListener struct {
	id             uuid.UUID
	channel        string
	log            *slog.Logger
	onNotification NotificationFunc

	sess   *conn.Session
	poller *netpoll.Poller

	state atomic.Int32

	mu       sync.Mutex
	running  bool
	released bool
}

// Listen opens a session and subscribes it to channel. The channel name is quoted, so it is case sensitive. A nil
// onNotification discards notifications. Any failure is a *ListenSetupError.
func Listen(ctx context.Context, connString, channel string, onNotification NotificationFunc, opts ...Option) (*NotificationListener, error) {
	o := applyOptions(opts)

	config, err := cfg.ParseConfig(connString)
	if err != nil {
		return nil, &ListenSetupError{Channel: channel, Err: err}
	}

	sess, err := conn.Connect(ctx, config, o.logger)
	if err != nil {
		return nil, &ListenSetupError{Channel: channel, Err: err}
	}

	r, err := sess.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if r != nil {
		r.Release()
	}
	if err != nil {
		sess.Close()
		return nil, &ListenSetupError{Channel: channel, Err: err}
	}

	p, err := netpoll.Open()
	if err != nil {
		sess.Close()
		return nil, &ListenSetupError{Channel: channel, Err: err}
	}

	id, err := uuid.NewV4()
	if err != nil {
		id = uuid.Nil
	}
	if onNotification == nil {
		onNotification = func(Notification) {}
	}

	l := &NotificationListener{
		id:             id,
		channel:        channel,
		log:            o.logger.With("listener", id.String(), "channel", channel, "pid", sess.PID()),
		onNotification: onNotification,
		sess:           sess,
		poller:         p,
	}
	l.state.Store(int32(ListenerListening))
	l.log.Debug("listening")
	return l, nil
}

// ID identifies the listener in logs.
func (l *NotificationListener) ID() uuid.UUID {
	return l.id
}

// Channel returns the channel name.
func (l *NotificationListener) Channel() string {
	return l.channel
}

// State returns the lifecycle state.
func (l *NotificationListener) State() ListenerState {
	return ListenerState(l.state.Load())
}

// Run waits for notifications and delivers them until Stop is called or the session fails. It returns nil after
// Stop and a *ListenerFatalError otherwise. The session is closed when Run returns.
func (l *NotificationListener) Run() error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	if l.running {
		l.mu.Unlock()
		return errListenerRunning
	}
	l.running = true
	l.mu.Unlock()

	defer l.release()

	interest := []netpoll.Interest{{FD: l.sess.Socket(), Read: true}}
	for {
		for n := l.sess.NextNotification(); n != nil; n = l.sess.NextNotification() {
			l.onNotification(Notification{Channel: n.Channel, Payload: n.Payload, PID: n.PID})
		}
		if l.State() == ListenerStopped {
			return nil
		}

		_, woken, err := l.poller.Wait(interest, netpoll.Infinite)
		if err != nil {
			return l.fail(err)
		}
		if woken && l.State() == ListenerStopped {
			return nil
		}

		if err := l.sess.ConsumeInput(); err != nil {
			return l.fail(err)
		}
	}
}

// RunContext is Run with ctx cancellation acting as Stop.
func (l *NotificationListener) RunContext(ctx context.Context) error {
	stop := context.AfterFunc(ctx, l.Stop)
	defer stop()
	return l.Run()
}

// Stop ends Run. A listener that never ran releases its session immediately. Stop is idempotent and may be
// called from any goroutine, including the notification callback.
func (l *NotificationListener) Stop() {
	if !l.state.CompareAndSwap(int32(ListenerListening), int32(ListenerStopped)) {
		return
	}
	l.log.Debug("stop requested")

	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		_ = l.poller.Wake()
		return
	}
	l.releaseLocked()
	l.mu.Unlock()
}

func (l *NotificationListener) fail(err error) error {
	l.state.Store(int32(ListenerStopped))
	l.log.Error("listener stopped", "error", err)
	return &ListenerFatalError{Channel: l.channel, Err: err}
}

func (l *NotificationListener) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked()
}

func (l *NotificationListener) releaseLocked() {
	if l.released {
		return
	}
	l.released = true
	l.state.Store(int32(ListenerStopped))
	l.sess.Close()
	l.poller.Close()
}
