package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			SectorSize:     ByteSize(512),
			SectorCount:    1024,
			SpillThreshold: 0.85,
		},
		Spill: SpillConfig{
			Enabled:  false,
			DataDir:  "/var/lib/telembuf/spill",
			MetaPath: "/var/lib/telembuf/meta.db",
		},
		Lifecycle: LifecycleConfig{
			EvalInterval: Duration(30 * time.Second),
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}
