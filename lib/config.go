package lib

import "time"

type Config struct {
	// Timeout is the idle read timeout. The client sends a keep-alive
	// every Timeout/2. Zero disables both.
	Timeout time.Duration

	// BodyLimit is the largest packet body accepted from the peer.
	BodyLimit uint32
}

func DefaultConfig() Config {
	return Config{
		Timeout:   10 * time.Second,
		BodyLimit: 4 << 20,
	}
}

// Configurator updates the configuration of a running connection without
// reconnecting. The new values apply from the next packet read.
type Configurator struct {
	cfg *watch[Config]
}

// Update replaces the live configuration. It never blocks, and it is not an
// error if the connection already finished.
func (c Configurator) Update(cfg Config) { c.cfg.update(cfg) }

func (c Configurator) Read() Config { return c.cfg.read() }
