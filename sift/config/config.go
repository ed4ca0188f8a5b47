// Package config loads the sift service configuration from the
// environment.
package config

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	Host string `env:"HOST, default=0.0.0.0"`
	Port int    `env:"PORT, default=7070"`
}

func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type Limits struct {
	MaxRows                int `env:"MAX_ROWS, default=200000"`
	MaxPayloadBytes        int `env:"MAX_PAYLOAD_BYTES, default=134217728"`
	TenantMaxRows          int `env:"TENANT_MAX_ROWS, default=250000"`
	TenantMaxPayloadBytes  int `env:"TENANT_MAX_PAYLOAD_BYTES, default=134217728"`
	TenantMaxConcurrency   int `env:"TENANT_MAX_CONCURRENCY, default=4"`
	TenantMaxWorkflowSteps int `env:"TENANT_MAX_WORKFLOW_STEPS, default=128"`
}

type Tasks struct {
	TTLSec   int64  `env:"TTL_SEC, default=86400"`
	Max      int    `env:"MAX, default=1000"`
	Path     string `env:"STORE_PATH"`
	Remote   bool   `env:"STORE_REMOTE, default=false"`
	Backend  string `env:"STORE_BACKEND, default=http-json"`
	BaseURL  string `env:"STORE_BASE_URL"`
	APIKey   string `env:"STORE_API_KEY"`
	RetryMax int    `env:"RETRY_MAX, default=1"`
}

type SQL struct {
	Host     string `env:"HOST, default=127.0.0.1"`
	Port     int    `env:"PORT, default=1433"`
	Database string `env:"DB, default=sift"`
	User     string `env:"USER"`
	Password string `env:"PASSWORD"`
}

type Signing struct {
	RequestSecret string `env:"REQUEST_SIGNING_SECRET"`
	PluginSecret  string `env:"PLUGIN_SIGNING_SECRET"`
}

type Plugins struct {
	Enable           bool     `env:"ENABLE, default=false"`
	Dir              string   `env:"DIR, default=bus/plugins"`
	TenantAllowlist  []string `env:"TENANT_ALLOWLIST"`
	Allowlist        []string `env:"ALLOWLIST"`
	CommandAllowlist []string `env:"COMMAND_ALLOWLIST"`
	MaxOutputBytes   int      `env:"MAX_OUTPUT_BYTES, default=8388608"`
}

type Stream struct {
	CheckpointDir string `env:"CHECKPOINT_DIR, default=bus/stream_checkpoints"`
}

type Bus struct {
	Root            string `env:"ROOT, default=bus"`
	RulesPackageDir string `env:"RULES_PACKAGE_DIR, default=bus/rules_packages"`
	OfficeMode      string `env:"OFFICE_MODE, default=fallback"`
}

type Config struct {
	Server      Server  `env:",prefix=SIFT_"`
	Limits      Limits  `env:",prefix=SIFT_"`
	Tasks       Tasks   `env:",prefix=SIFT_TASK_"`
	SQL         SQL     `env:",prefix=SIFT_SQL_"`
	Signing     Signing `env:",prefix=SIFT_"`
	Plugins     Plugins `env:",prefix=SIFT_PLUGIN_"`
	Stream      Stream  `env:",prefix=SIFT_STREAM_"`
	Bus         Bus     `env:",prefix=SIFT_BUS_"`
	AllowEgress bool    `env:"SIFT_ALLOW_EGRESS, default=false"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
