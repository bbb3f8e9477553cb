package config

import "time"

// DefaultConfig returns the baseline configuration. Every field here can
// be overridden by the YAML file or environment.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimit:       10,
			RateBurst:       20,
			AllowedOrigin:   "*",
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
		},
		Checkpoint: CheckpointConfig{
			Backend:   "memory",
			Path:      "queryflow.db",
			KeyPrefix: "queryflow:",
			TTL:       24 * time.Hour,
		},
		Workflow: WorkflowConfig{
			WorkflowRetries: 3,
			StepRetries:     2,
			StepCap:         20,
		},
		Knowledge: KnowledgeConfig{
			CatalogPath: "catalog",
		},
		Model: ModelConfig{
			BaseURL:    "https://api.openai.com/v1",
			Model:      "gpt-4o-mini",
			Timeout:    60 * time.Second,
			MaxTokens:  4096,
			MaxRetries: 2,
			RetryDelay: time.Second,
		},
		Log: LogConfig{
			Level:        "info",
			Format:       "json",
			OutputPaths:  []string{"stdout"},
			EnableCaller: true,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "queryflow",
			SampleRate:   1.0,
		},
	}
}
