package config

import (
	"strings"
	"time"

	"gridstore/pkg/redirect"
)

// Default returns the configuration used for keys that are not set
// anywhere else. It carries no resources and no zone.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:            "gridstore",
			Address:         ":1247",
			Role:            "provider",
			MaxHops:         redirect.DefaultMaxHops,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9247",
		},
		Catalog: CatalogConfig{
			Type: "memory",
		},
		Transport: TransportConfig{
			IdleTimeout: 5 * time.Minute,
		},
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
	}
}

// ApplyDefaults fills zero values left after loading.
func ApplyDefaults(cfg *Config) {
	d := Default()

	if cfg.Server.Name == "" {
		cfg.Server.Name = d.Server.Name
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = d.Server.Address
	}
	if cfg.Server.Role == "" {
		cfg.Server.Role = d.Server.Role
	}
	cfg.Server.Role = strings.ToLower(cfg.Server.Role)
	if cfg.Server.MaxHops == 0 {
		cfg.Server.MaxHops = d.Server.MaxHops
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = d.Logging.Format
	}

	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = d.Metrics.Address
	}
	if cfg.Catalog.Type == "" {
		cfg.Catalog.Type = d.Catalog.Type
	}
	if cfg.Transport.IdleTimeout == 0 {
		cfg.Transport.IdleTimeout = d.Transport.IdleTimeout
	}

	if cfg.TLS.MinVersion == "" {
		cfg.TLS.MinVersion = d.TLS.MinVersion
	}

	for i := range cfg.Resources {
		if cfg.Resources[i].Status == "" {
			cfg.Resources[i].Status = "up"
		}
	}
}
