// Package config holds the typed configuration surface described in
// spec.md §6. Loading config from the environment is treated as an
// external concern (spec.md's Non-goals exclude "command-line parsing and
// configuration loading" from the dispatcher's core); only the resulting
// struct and its validation are core.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"

	"github.com/mapron/wuild-go/internal/errs"
)

// Compression names a codec descriptor for file payloads (spec.md §6,
// "compression" key). The codec implementation itself lives behind
// filestore.Codec; this is only the wire-level name.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
)

// Coordinator holds the coordinator.* keys from spec.md §6.
type Coordinator struct {
	Host             string        `envconfig:"COORDINATOR_HOST" default:"127.0.0.1"`
	Port             int           `envconfig:"COORDINATOR_PORT" default:"0"`
	Enabled          bool          `envconfig:"COORDINATOR_ENABLED" default:"false"`
	SendInfoInterval time.Duration `envconfig:"COORDINATOR_SEND_INFO_INTERVAL" default:"5s"`
}

// Config is the full recognized configuration surface of spec.md §6.
type Config struct {
	ClientID            string        `envconfig:"CLIENT_ID"`
	Coordinator         Coordinator
	QueueTimeout        time.Duration `envconfig:"QUEUE_TIMEOUT" default:"30s"`
	RequestTimeout      time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s"`
	InvocationAttempts  int           `envconfig:"INVOCATION_ATTEMPTS" default:"2"`
	Compression         Compression   `envconfig:"COMPRESSION" default:"gzip"`
	MinimalRemoteTasks  int           `envconfig:"MINIMAL_REMOTE_TASKS" default:"1"`
	RetryBackoff        time.Duration `envconfig:"RETRY_BACKOFF" default:"50ms"`
}

// Load reads a Config from WUILD_-prefixed environment variables,
// applying the defaults above. The returned Config still must pass
// Validate before use. A missing WUILD_CLIENT_ID is filled in with a
// freshly minted UUID rather than left empty, since a machine running
// more than one client needs a stable-enough identity without requiring
// an operator to assign one by hand.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("wuild", &cfg); err != nil {
		return nil, errs.New(errs.KindConfig, err, "load config")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	return &cfg, nil
}

// Validate checks the invariants SetConfig relies on (spec.md §7, "Config:
// invalid/missing — fails set_config"). It returns a single error
// describing every problem found, joined with "; ".
func (c *Config) Validate() error {
	var problems []string
	if c.ClientID == "" {
		problems = append(problems, "client_id must not be empty")
	}
	if c.QueueTimeout <= 0 {
		problems = append(problems, "queue_timeout must be positive")
	}
	if c.RequestTimeout <= 0 {
		problems = append(problems, "request_timeout must be positive")
	}
	if c.InvocationAttempts < 1 {
		problems = append(problems, "invocation_attempts must be >= 1")
	}
	if c.RetryBackoff <= 0 {
		problems = append(problems, "retry_backoff must be positive")
	}
	if c.Coordinator.Enabled {
		if c.Coordinator.Host == "" {
			problems = append(problems, "coordinator.host must not be empty when coordinator is enabled")
		}
		if c.Coordinator.Port <= 0 {
			problems = append(problems, "coordinator.port must be positive when coordinator is enabled")
		}
	}
	switch c.Compression {
	case CompressionNone, CompressionGzip:
	default:
		problems = append(problems, fmt.Sprintf("unrecognized compression %q", c.Compression))
	}
	if len(problems) == 0 {
		return nil
	}
	return errs.New(errs.KindConfig, nil, strings.Join(problems, "; "))
}
