package repository

import (
	"time"

	"github.com/okian/stepscore/pkg/logger"
)

type options struct {
	sink ChangeSink
	now  func() time.Time
	log  logger.Logger
}

func defaultOptions() options {
	return options{now: time.Now}
}

// Option applies a configuration option to a store.
type Option func(*options)

// WithChangeSink sets where change batches are published.
func WithChangeSink(sink ChangeSink) Option {
	return func(o *options) { o.sink = sink }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}
