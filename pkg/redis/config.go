package redis

import "time"

// Config controls the transient-broker connection shared by the pusher,
// handlers, and the result collector of one process.
type Config struct {
	// ConnectionURL is the redis:// URL of the broker carrying task lists,
	// wake-up channels, and result keys.
	ConnectionURL string `env:"REDIS_URL,required" envDefault:"redis://localhost:6379/0"`

	// ConnectTimeout bounds the whole retry loop at startup.
	ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"`

	RetryAttempts int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"5s"`
}
