package pg

import "time"

// Config controls the durable-store connection pool and migrations.
type Config struct {
	// ConnectionString is the postgres:// URL of the durable store.
	ConnectionString string `env:"PG_CONN_URL,required"`

	// MaxOpenConns caps the pool. The scheduler pins one connection per
	// in-flight run start on top of the scanner queries.
	MaxOpenConns int32 `env:"PG_MAX_OPEN_CONNS" envDefault:"10"`

	// MinIdleConns keeps warm connections around between scheduler ticks.
	MinIdleConns int32 `env:"PG_MIN_IDLE_CONNS" envDefault:"2"`

	RetryAttempts int           `env:"PG_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval time.Duration `env:"PG_RETRY_INTERVAL" envDefault:"5s"`

	// MigrationsPath points at the goose SQL directory shipped alongside
	// the scheduler binary.
	MigrationsPath string `env:"PG_MIGRATIONS_PATH" envDefault:"internal/db/migrations"`
}
