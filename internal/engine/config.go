package engine

import "time"

// Config holds the configuration for the engine loops.
type Config struct {
	TickInterval        time.Duration `env:"ENGINE_TICK_INTERVAL" envDefault:"1s"`
	TimeoutScanInterval time.Duration `env:"ENGINE_TIMEOUT_SCAN_INTERVAL" envDefault:"15s"`
	CleanupScanInterval time.Duration `env:"ENGINE_CLEANUP_SCAN_INTERVAL" envDefault:"5m"`
	DefinitionsPath     string        `env:"ENGINE_DEFINITIONS_PATH" envDefault:"queues.yaml"`
	WorkerHost          string        `env:"ENGINE_WORKER_HOST"`
}
