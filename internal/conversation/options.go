// ABOUTME: Functional options shared by ConversationStore and MessageStore

package conversation

import (
	"log/slog"
	"time"
)

type options struct {
	logger        *slog.Logger
	reloadTimeout time.Duration
}

// Option configures a cache.
type Option func(*options)

// WithLogger sets the logger. Nil means slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithReloadTimeout bounds each notification-triggered reload. Zero means
// reloads are bounded only by the cache's lifetime context.
func WithReloadTimeout(d time.Duration) Option {
	return func(o *options) { o.reloadTimeout = d }
}

func buildOptions(component string, opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", component)
	return o
}
