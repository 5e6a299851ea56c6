package backend

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type Options struct {
	Logger *slog.Logger

	TracerProvider trace.TracerProvider

	// QueueLeaseTimeout determines how long a popped system task stays
	// invisible to other consumers. If the entry is not acked within this
	// window it becomes visible again and is redelivered.
	QueueLeaseTimeout time.Duration

	// WorkflowLockTimeout bounds how long a decide or rerun pass may hold
	// the per-workflow-id lease before it is considered abandoned.
	WorkflowLockTimeout time.Duration
}

var DefaultOptions = Options{
	Logger:         slog.Default(),
	TracerProvider: noop.NewTracerProvider(),

	QueueLeaseTimeout:   time.Minute,
	WorkflowLockTimeout: 30 * time.Second,
}

type Option func(*Options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

func WithQueueLeaseTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.QueueLeaseTimeout = timeout
	}
}

func WithWorkflowLockTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.WorkflowLockTimeout = timeout
	}
}

func ApplyOptions(opts ...Option) Options {
	options := DefaultOptions

	for _, opt := range opts {
		opt(&options)
	}

	return options
}
