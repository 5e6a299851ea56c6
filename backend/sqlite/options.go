package sqlite

import "github.com/taskmill/taskmill/backend"

type options struct {
	backend.Options

	// ApplyMigrations automatically applies database migrations when the
	// store is created.
	ApplyMigrations bool
}

type option func(*options)

// WithApplyMigrations automatically applies database migrations when the store is created.
func WithApplyMigrations(applyMigrations bool) option {
	return func(o *options) {
		o.ApplyMigrations = applyMigrations
	}
}

// WithBackendOptions allows setting generic backend options.
func WithBackendOptions(opts ...backend.Option) option {
	return func(o *options) {
		o.Options = backend.ApplyOptions(opts...)
	}
}
