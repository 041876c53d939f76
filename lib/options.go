package lib

import "github.com/rs/zerolog"

type Option func(*options)

type options struct {
	recon        ReconStrat
	logger       zerolog.Logger
	metrics      *Metrics
	queueSize    int
	streamBuffer int
}

func newOptions(opts []Option) options {
	o := options{
		logger:       zerolog.Nop(),
		queueSize:    64,
		streamBuffer: 16,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithReconnect makes a client reconnect through strat after the physical
// connection fails. Servers ignore it.
func WithReconnect(strat ReconStrat) Option {
	return func(o *options) { o.recon = strat }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithQueueSize sets the capacity of the outbound work queue shared by all
// conversations of a connection.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithStreamBuffer sets the capacity of every stream receiver and of the
// server's incoming message queue.
func WithStreamBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.streamBuffer = n
		}
	}
}
