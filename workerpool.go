package pgasync

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gofrs/uuid"
)

// Task is the body of a worker: it runs with one argument and a callback until it returns.
type Task[A, C any] func(ctx context.Context, arg A, callback C) error

// Worker is the handle of one goroutine started by a WorkerPool.
type Worker struct {
	id   uuid.UUID
	done chan struct{}
	err  error
}

// ID identifies the worker in logs.
func (w *Worker) ID() uuid.UUID {
	return w.id
}

// Wait blocks until the worker's task has returned and returns its error.
func (w *Worker) Wait() error {
	<-w.done
	return w.err
}

// Done is closed when the worker's task has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// WorkerPool runs blocking tasks, typically NotificationListeners, on background goroutines. Workers are never
// restarted or cancelled by the pool other than through the pool's context, and a panicking task is not
// recovered.
type WorkerPool[A, C any] struct {
	ctx             context.Context
	task            Task[A, C]
	defaultCallback C
	log             *slog.Logger

	mu      sync.Mutex
	workers []*Worker
}

// NewWorkerPool returns a pool running task. Workers started by StartMany get defaultCallback. ctx is passed to
// every task.
func NewWorkerPool[A, C any](ctx context.Context, task Task[A, C], defaultCallback C, opts ...Option) *WorkerPool[A, C] {
	o := applyOptions(opts)
	return &WorkerPool[A, C]{
		ctx:             ctx,
		task:            task,
		defaultCallback: defaultCallback,
		log:             o.logger.With("component", "workerpool"),
	}
}

// StartMany starts one worker per argument, in order, with the default callback.
func (p *WorkerPool[A, C]) StartMany(args ...A) {
	for _, arg := range args {
		p.Start(p.defaultCallback, arg)
	}
}

// Start starts one worker running the task with callback and arg.
func (p *WorkerPool[A, C]) Start(callback C, arg A) *Worker {
	id, err := uuid.NewV4()
	if err != nil {
		id = uuid.Nil
	}
	w := &Worker{id: id, done: make(chan struct{})}

	p.mu.Lock()
	p.workers = append(p.workers, w)
	p.mu.Unlock()

	log := p.log.With("worker", id.String())
	go func() {
		defer close(w.done)
		log.Debug("worker started")
		w.err = p.task(p.ctx, arg, callback)
		if w.err != nil {
			log.Error("worker finished with error", "error", w.err)
			return
		}
		log.Debug("worker finished")
	}()
	return w
}

// Join waits for the most recently started worker only and returns its error. Other workers may still be
// running when Join returns; wait for them through Workers. Join returns nil at once when no worker was started.
func (p *WorkerPool[A, C]) Join() error {
	p.mu.Lock()
	if len(p.workers) == 0 {
		p.mu.Unlock()
		return nil
	}
	last := p.workers[len(p.workers)-1]
	p.mu.Unlock()
	return last.Wait()
}

// Workers returns the handles of all started workers in start order.
func (p *WorkerPool[A, C]) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Worker(nil), p.workers...)
}

// ListenTask runs a NotificationListener for the channel given as argument until the pool's context is done.
func ListenTask(connString string, opts ...Option) Task[string, NotificationFunc] {
	return func(ctx context.Context, channel string, onNotification NotificationFunc) error {
		l, err := Listen(ctx, connString, channel, onNotification, opts...)
		if err != nil {
			return err
		}
		return l.RunContext(ctx)
	}
}
