// Package config loads the demo server configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type Limit struct {
	Requests int `yaml:"requests"`  // max requests per window
	WindowMS int `yaml:"window_ms"` // window length in milliseconds
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type Store struct {
	Backend   string `yaml:"backend"` // "memory" or "redis"
	MaxKeys   int    `yaml:"max_keys"`
	IdleTTLMS int    `yaml:"idle_ttl_ms"`
	FailOpen  bool   `yaml:"fail_open"` // admit when a remote backend errors
	Redis     Redis  `yaml:"redis"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Limit         Limit         `yaml:"limit"`
	Store         Store         `yaml:"store"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
} // default 10MB

func (l Limit) Window() time.Duration {
	return time.Duration(l.WindowMS) * time.Millisecond
}

func (s Store) IdleTTL() time.Duration {
	if s.IdleTTLMS == 0 {
		return 10 * time.Minute
	}
	return time.Duration(s.IdleTTLMS) * time.Millisecond
}

func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.MaxKeys == 0 {
		cfg.Store.MaxKeys = 65536
	}
	// absent limit section means "use the documented default policy";
	// explicitly configured nonsense is rejected in Validate
	if cfg.Limit.Requests == 0 && cfg.Limit.WindowMS == 0 {
		cfg.Limit = Limit{Requests: 60, WindowMS: 60000}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects broken configuration at load time instead of letting
// it surface as nonsensical refill arithmetic on the first request.
func (c *Root) Validate() error {
	if c.Limit.Requests <= 0 {
		return fmt.Errorf("config: limit.requests must be positive, got %d", c.Limit.Requests)
	}
	if c.Limit.WindowMS <= 0 {
		return fmt.Errorf("config: limit.window_ms must be positive, got %d", c.Limit.WindowMS)
	}
	if c.Store.MaxKeys <= 0 {
		return fmt.Errorf("config: store.max_keys must be positive, got %d", c.Store.MaxKeys)
	}
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("config: store.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	return nil
}
