package execution

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/taskmill/taskmill/backend"
)

type Options struct {
	backend.Options

	Clock clock.Clock

	// RejectRerunRunning rejects rerun requests against workflows that have
	// not reached a terminal status yet. By default such reruns are allowed.
	RejectRerunRunning bool

	// RequeueDelay is how long a queue entry waits before being retried after
	// a contended or failed pass, for decider and system task entries alike.
	RequeueDelay time.Duration
}

func DefaultOptions() *Options {
	return &Options{
		Options:      backend.DefaultOptions,
		Clock:        clock.New(),
		RequeueDelay: time.Second,
	}
}

type Option func(*Options)

func WithBackendOptions(opts ...backend.Option) Option {
	return func(o *Options) {
		o.Options = backend.ApplyOptions(opts...)
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

func WithRejectRerunRunning() Option {
	return func(o *Options) {
		o.RejectRerunRunning = true
	}
}

func WithRequeueDelay(d time.Duration) Option {
	return func(o *Options) {
		o.RequeueDelay = d
	}
}
