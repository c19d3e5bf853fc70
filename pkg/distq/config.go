package distq

import "time"

// Config holds the configuration for the distributed queue roles.
type Config struct {
	ResultTTL      time.Duration `env:"DISTQ_RESULT_TTL" envDefault:"1h"`
	MaxConcurrency int           `env:"DISTQ_MAX_CONCURRENCY" envDefault:"8"`
	ExecTimeout    time.Duration `env:"DISTQ_EXEC_TIMEOUT" envDefault:"0"`
}
