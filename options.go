package pgasync

import (
	"log/slog"
)

type options struct {
	logger *slog.Logger
	loop   *EventLoop
}

// Option configures Connect, Listen, NewEventLoop and NewWorkerPool.
type Option func(*options)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithEventLoop attaches a Connection to loop instead of the process-wide DefaultLoop. The caller runs and stops
// the loop.
func WithEventLoop(loop *EventLoop) Option {
	return func(o *options) {
		o.loop = loop
	}
}

func applyOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}
