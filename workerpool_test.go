package pgasync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolJoinEmpty(t *testing.T) {
	p := NewWorkerPool(context.Background(), func(context.Context, int, func()) error {
		return nil
	}, nil)
	assert.NoError(t, p.Join())
	assert.Empty(t, p.Workers())
}

func TestWorkerPoolJoinWaitsForLastOnly(t *testing.T) {
	releaseFirst := make(chan struct{})
	p := NewWorkerPool(context.Background(), func(_ context.Context, name string, _ func()) error {
		if name == "first" {
			<-releaseFirst
			return errors.New("first failed")
		}
		return nil
	}, nil)

	first := p.Start(nil, "first")
	last := p.Start(nil, "last")
	require.NoError(t, p.Join())

	select {
	case <-last.Done():
	default:
		t.Fatal("Join returned before the last worker finished")
	}
	select {
	case <-first.Done():
		t.Fatal("first worker must still be running")
	default:
	}

	close(releaseFirst)
	assert.EqualError(t, first.Wait(), "first failed")
	assert.NotEqual(t, first.ID(), last.ID())
	assert.NotEqual(t, uuid.Nil, first.ID())
}

func TestWorkerPoolStartMany(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	record := func(s string) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	}
	p := NewWorkerPool(context.Background(), func(_ context.Context, arg string, cb func(string)) error {
		cb(arg)
		return nil
	}, record)

	p.StartMany("a", "b", "c")
	workers := p.Workers()
	require.Len(t, workers, 3)
	for _, w := range workers {
		require.NoError(t, w.Wait())
	}

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, seen)
}

func TestWorkerPoolContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewWorkerPool(ctx, func(ctx context.Context, _ int, _ struct{}) error {
		<-ctx.Done()
		return ctx.Err()
	}, struct{}{})

	p.StartMany(1, 2)
	cancel()
	for _, w := range p.Workers() {
		assert.ErrorIs(t, w.Wait(), context.Canceled)
	}
}

func TestWorkerPoolListeners(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type received struct {
		listener string
		n        Notification
	}
	got := make(chan received, 16)
	callback := func(name string) NotificationFunc {
		return func(n Notification) { got <- received{listener: name, n: n} }
	}

	p := NewWorkerPool(ctx, ListenTask(srv.ConnString()), callback("default"))
	a := p.Start(callback("A"), "events")
	b := p.Start(callback("B"), "events")
	require.Eventually(t, func() bool { return srv.ListenerCount("events") == 2 }, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, 2, srv.Notify(77, "events", "payload-1"))

	var names []string
	for i := 0; i < 2; i++ {
		select {
		case r := <-got:
			assert.Equal(t, Notification{Channel: "events", Payload: "payload-1", PID: 77}, r.n)
			names = append(names, r.listener)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for notifications")
		}
	}
	assert.ElementsMatch(t, []string{"A", "B"}, names)
	select {
	case r := <-got:
		t.Fatalf("unexpected extra notification for %s", r.listener)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	require.NoError(t, p.Join())
	require.NoError(t, a.Wait())
	require.NoError(t, b.Wait())
}

func TestWorkerPoolListenersOnSeparateChannels(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recA, recB := newRecorder(), newRecorder()
	p := NewWorkerPool(ctx, ListenTask(srv.ConnString()), nil)
	p.Start(recA.record, "A")
	p.Start(recB.record, "B")
	require.Eventually(t, func() bool {
		return srv.ListenerCount("A") == 1 && srv.ListenerCount("B") == 1
	}, 5*time.Second, 10*time.Millisecond)

	loop := newTestLoop(t)
	c := connectTest(t, srv, loop)
	done := make(chan error, 1)
	require.NoError(t, c.Notify("A", "only-a", func(err error, res *Result) {
		if res != nil {
			res.Close()
		}
		done <- err
	}))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("notify did not complete")
	}

	assert.Equal(t, Notification{Channel: "A", Payload: "only-a", PID: c.PID()}, recA.next(t))
	assert.Never(t, func() bool {
		return len(recB.all()) > 0 || len(recA.all()) != 1
	}, 200*time.Millisecond, 10*time.Millisecond)

	cancel()
	for _, w := range p.Workers() {
		require.NoError(t, w.Wait())
	}
}

func TestWorkerPoolListenFailure(t *testing.T) {
	p := NewWorkerPool(context.Background(), ListenTask("host=localhost port=abc"), nil)
	w := p.Start(nil, "events")

	var setupErr *ListenSetupError
	require.ErrorAs(t, w.Wait(), &setupErr)
	assert.ErrorAs(t, p.Join(), &setupErr)
}
