package candle

import "time"

// Config tunes a Device. The zero value is not usable, start from
// DefaultConfig.
type Config struct {
	Debug                  bool
	ControlTimeout         time.Duration // per control transfer
	SendTimeout            time.Duration // Send with a zero timeout
	ReceiveTimeout         time.Duration // Receive with a zero timeout
	RxQueueSize            int           // frames buffered per channel
	EventQueueSize         int
	MinimumFirmwareVersion string // e.g. "2", compared as semver against the firmware sw version
}

func DefaultConfig() Config {
	return Config{
		ControlTimeout: time.Second,
		SendTimeout:    time.Second,
		ReceiveTimeout: time.Second,
		RxQueueSize:    1024,
		EventQueueSize: 100,
	}
}

type Option func(*Config)

func WithDebug(enabled bool) Option {
	return func(c *Config) { c.Debug = enabled }
}

func WithControlTimeout(d time.Duration) Option {
	return func(c *Config) { c.ControlTimeout = d }
}

func WithSendTimeout(d time.Duration) Option {
	return func(c *Config) { c.SendTimeout = d }
}

func WithReceiveTimeout(d time.Duration) Option {
	return func(c *Config) { c.ReceiveTimeout = d }
}

func WithRxQueueSize(n int) Option {
	return func(c *Config) { c.RxQueueSize = n }
}

func WithEventQueueSize(n int) Option {
	return func(c *Config) { c.EventQueueSize = n }
}

func WithMinimumFirmwareVersion(v string) Option {
	return func(c *Config) { c.MinimumFirmwareVersion = v }
}

func newConfig(opts []Option) Config {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	def := DefaultConfig()
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = def.ControlTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = def.ReceiveTimeout
	}
	if cfg.RxQueueSize <= 0 {
		cfg.RxQueueSize = def.RxQueueSize
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = def.EventQueueSize
	}
	return cfg
}
