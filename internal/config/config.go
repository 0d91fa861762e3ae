// Package config provides configuration management for the application.
// It supports YAML configuration files with environment variable overrides.
package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arkreview/arkreview/consts"
	"github.com/arkreview/arkreview/pkg/logger"
	"github.com/arkreview/arkreview/pkg/telemetry"
)

// Default configuration values.
const (
	defaultWorkspace      = "./workspace"
	defaultMaxWorkers     = 12
	defaultQueueSize      = defaultMaxWorkers * 8
	defaultBrokerTTL      = 2 * time.Hour
	defaultTaskInfoTTL    = 12 * time.Hour
	defaultGCInterval     = 10 * time.Minute
	defaultDevagentPath   = "devagent"
	defaultOTLPEndpoint   = "localhost:4317"
	defaultPrometheusPort = 9090
)

// Config represents the complete application configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Auth      AuthConfig       `yaml:"auth"`
	Redis     RedisConfig      `yaml:"redis"`
	Git       GitConfig        `yaml:"git"`
	Review    ReviewConfig     `yaml:"review"`
	Logging   logger.Config    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Debug bool   `yaml:"debug"`
}

// AuthConfig holds the HMAC request-signing configuration for the HTTP
// surface.
type AuthConfig struct {
	// Secret is the shared HMAC signing secret. Empty disables auth, for
	// local development only.
	Secret string `yaml:"secret"`
	// StrictSignature selects the expanded method+path+query-bound
	// signature over the legacy timestamp-only header pair. Defaults to
	// false (legacy headers and payload shape).
	StrictSignature bool `yaml:"strict_signature"`
}

// RedisConfig configures the task-info store's backing Redis connection.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	TaskInfoTTL time.Duration `yaml:"task_info_ttl"`
}

// RemoteConfig is one git host's clone credentials, used both by the
// Worktree Manager (cloning projects/rules project) and matched against a
// Diff's Remote field to select a Diff Provider's API token.
type RemoteConfig struct {
	Domain string `yaml:"domain"` // e.g. "github.com"
	Token  string `yaml:"token"`
}

// GitConfig holds the git remotes Arkreview is allowed to clone from and
// fetch diffs from.
type GitConfig struct {
	Remotes []RemoteConfig `yaml:"remotes"`
}

// RemoteByDomain returns the configured remote for domain, or nil.
func (c *GitConfig) RemoteByDomain(domain string) *RemoteConfig {
	for i := range c.Remotes {
		if c.Remotes[i].Domain == domain {
			return &c.Remotes[i]
		}
	}
	return nil
}

// ReviewConfig holds the review pipeline's domain configuration.
type ReviewConfig struct {
	// Workspace is the root directory under which each job's worktree is
	// created.
	Workspace string `yaml:"workspace"`
	// MaxWorkers bounds concurrent review-shard execution.
	MaxWorkers int `yaml:"max_workers"`
	// QueueSize bounds the review-shard backlog before Submit starts
	// failing with transient errors.
	QueueSize int `yaml:"queue_size"`
	// BrokerTTL is how long a completed job's task graph survives before
	// the periodic GC sweeps it.
	BrokerTTL time.Duration `yaml:"broker_ttl"`
	// GCInterval is how often the periodic GC sweep runs.
	GCInterval time.Duration `yaml:"gc_interval"`

	// RulesProject is the "owner/repo"-shaped review-rules project cloned
	// alongside every job's reviewed projects.
	RulesProject string `yaml:"rules_project"`
	// RulesRef is the branch/ref checked out for the rules project.
	RulesRef string `yaml:"rules_ref"`
	// RulesDomain selects which configured Git.Remotes entry clones the
	// rules project (e.g. "github.com").
	RulesDomain string `yaml:"rules_domain"`
	// RuleBaseURL is prefixed to a rule's basename to form a violation's
	// rule_url.
	RuleBaseURL string `yaml:"rule_base_url"`

	// DevagentPath is the external review tool's executable.
	DevagentPath string `yaml:"devagent_path"`
	// DevagentRevision is recorded in task info and persisted errors as
	// the external tool's own version string.
	DevagentRevision string `yaml:"devagent_revision"`
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Auth: AuthConfig{
			Secret:          "",
			StrictSignature: false,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			DB:          0,
			TaskInfoTTL: defaultTaskInfoTTL,
		},
		Git: GitConfig{
			Remotes: []RemoteConfig{},
		},
		Review: ReviewConfig{
			Workspace:        defaultWorkspace,
			MaxWorkers:       defaultMaxWorkers,
			QueueSize:        defaultQueueSize,
			BrokerTTL:        defaultBrokerTTL,
			GCInterval:       defaultGCInterval,
			RulesRef:         "main",
			DevagentPath:     defaultDevagentPath,
			DevagentRevision: "unknown",
		},
		Logging: logger.Config{
			Level:      "info",
			Format:     "text",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 5,
			Compress:   false,
		},
		Telemetry: telemetry.Config{
			Enabled:     false,
			ServiceName: consts.ServiceName,
			OTLP: telemetry.OTLPConfig{
				Enabled:  false,
				Endpoint: defaultOTLPEndpoint,
				Insecure: true,
			},
			Prometheus: telemetry.PrometheusConfig{
				Enabled: false,
				Port:    defaultPrometheusPort,
			},
		},
	}
}

// Load loads configuration from a YAML file with environment variable
// expansion, layered over Default().
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := expandEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} (optionally ${VAR_NAME:-default})
// patterns with environment variable values.
func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(content, func(match string) string {
		varName := match[2 : len(match)-1]

		parts := strings.SplitN(varName, ":-", 2)
		varName = parts[0]

		if value := os.Getenv(varName); value != "" {
			return value
		}
		if len(parts) > 1 {
			return parts[1]
		}
		return ""
	})
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
