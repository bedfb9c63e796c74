package statelog

import (
	"github.com/hupe1980/statelog/internal/fs"
)

type options struct {
	logger  *Logger
	metrics MetricsCollector
	fsys    fs.FileSystem
}

// Option configures Storage construction behavior.
type Option func(*options)

// WithLogger configures structured logging. Nil disables logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithMetricsCollector configures a metrics collector. Nil disables
// collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metrics = mc
	}
}

// WithFileSystem overrides the file system used by the paged backend.
// Intended for fault-injection tests.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.fsys = fsys
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:  NoopLogger(),
		metrics: NoopMetricsCollector{},
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
