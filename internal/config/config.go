package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Backends BackendsConfig `json:"backends"`
	Retry    RetryConfig    `json:"retry"`
	Models   ModelsConfig   `json:"models"`
	Pipeline PipelineConfig `json:"pipeline"`
	Database DatabaseConfig `json:"database"`
	Notify   NotifyConfig   `json:"notify"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// BackendsConfig holds one descriptor per backend kind. A backend with no
// endpoint (or, for hosted backends, no API key) is left unconfigured.
type BackendsConfig struct {
	OpenAI    BackendConfig `json:"openai"`
	Anthropic BackendConfig `json:"anthropic"`
	Local     BackendConfig `json:"local"`
}

type BackendConfig struct {
	// Disabled leaves the backend unconfigured whatever else is set.
	Disabled      bool     `json:"disabled"`
	Endpoint      string   `json:"endpoint"`
	APIKey        string   `json:"api_key"`
	Model         string   `json:"model"`
	FallbackModel string   `json:"fallback_model"`
	Timeout       Duration `json:"timeout"`
	MaxTokens     int      `json:"max_tokens"`
	Temperature   float64  `json:"temperature"`
	RateLimit     float64  `json:"rate_limit"` // requests per second, 0 disables
	Burst         int      `json:"burst"`
}

type RetryConfig struct {
	Attempts   int      `json:"attempts"`
	Delay      Duration `json:"delay"`
	Multiplier float64  `json:"multiplier"`
	MaxDelay   Duration `json:"max_delay"`
}

// ModelsConfig maps each pipeline role to a model hint. Hints may be concrete
// model names or task tags such as "code" or "review".
type ModelsConfig struct {
	Architect string `json:"architect"`
	Coder     string `json:"coder"`
	Fixer     string `json:"fixer"`
	Reviewer  string `json:"reviewer"`
}

type PipelineConfig struct {
	ProjectsDir   string              `json:"projects_dir"`
	Workers       int                 `json:"workers"`
	TestTimeout   Duration            `json:"test_timeout"`
	Interpreters  map[string][]string `json:"interpreters,omitempty"`
	Denylist      []string            `json:"denylist,omitempty"`
	ContainerTool string              `json:"container_tool"`
	Image         string              `json:"image"`
	Port          int                 `json:"port"`
	RunContainer  bool                `json:"run_container"`
	DeployTimeout Duration            `json:"deploy_timeout"`
	Extensions    []string            `json:"extensions,omitempty"`
	EvolutionLog  string              `json:"evolution_log"`
}

type DatabaseConfig struct {
	Postgres   PostgresConfig `json:"postgres"`
	Redis      RedisConfig    `json:"redis"`
	Migrations string         `json:"migrations"`
	CacheSize  int            `json:"cache_size"`
	OpTimeout  Duration       `json:"op_timeout"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type NotifyConfig struct {
	Slack   SlackConfig   `json:"slack"`
	Discord DiscordConfig `json:"discord"`
}

type SlackConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type DiscordConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

// Duration is a time.Duration that reads from JSON as "2s" / "500ms" or as a
// number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(val * float64(time.Second))
	case string:
		if val == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable references
// and fills in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw JSON config bytes after env substitution.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Default returns a configuration populated only from defaults and the
// standard environment variables. Used when no config file exists.
func Default() *Config {
	cfg := &Config{
		Backends: BackendsConfig{
			OpenAI:    BackendConfig{APIKey: os.Getenv("OPENAI_API_KEY")},
			Anthropic: BackendConfig{APIKey: os.Getenv("ANTHROPIC_API_KEY")},
			Local:     BackendConfig{Endpoint: os.Getenv("OLLAMA_HOST")},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	b := &c.Backends
	if b.OpenAI.Endpoint == "" && b.OpenAI.APIKey != "" {
		b.OpenAI.Endpoint = "https://api.openai.com/v1"
	}
	if b.OpenAI.Model == "" {
		b.OpenAI.Model = "gpt-4o"
	}
	if b.OpenAI.FallbackModel == "" {
		b.OpenAI.FallbackModel = "gpt-3.5-turbo"
	}
	if b.Anthropic.Endpoint == "" && b.Anthropic.APIKey != "" {
		b.Anthropic.Endpoint = "https://api.anthropic.com/v1"
	}
	if b.Anthropic.Model == "" {
		b.Anthropic.Model = "claude-3-sonnet-20240229"
	}
	if b.Anthropic.FallbackModel == "" {
		b.Anthropic.FallbackModel = "claude-3-haiku-20240307"
	}
	if b.Local.Endpoint == "" {
		b.Local.Endpoint = "http://localhost:11434"
	}
	if b.Local.Model == "" {
		b.Local.Model = "codellama:7b"
	}
	if b.Local.FallbackModel == "" {
		b.Local.FallbackModel = b.Local.Model
	}
	if b.Local.Temperature == 0 {
		b.Local.Temperature = 0.7
	}
	if b.Local.MaxTokens == 0 {
		b.Local.MaxTokens = 2000
	}
	for _, bc := range []*BackendConfig{&b.OpenAI, &b.Anthropic, &b.Local} {
		if bc.Timeout == 0 {
			bc.Timeout = Duration(120 * time.Second)
		}
		if bc.MaxTokens == 0 {
			bc.MaxTokens = 4096
		}
		if bc.Disabled {
			bc.Endpoint, bc.APIKey = "", ""
		}
	}

	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = 3
	}
	if c.Retry.Delay == 0 {
		c.Retry.Delay = Duration(2 * time.Second)
	}

	if c.Models.Architect == "" {
		c.Models.Architect = "architecture"
	}
	if c.Models.Coder == "" {
		c.Models.Coder = "code"
	}
	if c.Models.Fixer == "" {
		c.Models.Fixer = c.Models.Coder
	}
	if c.Models.Reviewer == "" {
		c.Models.Reviewer = "review"
	}

	p := &c.Pipeline
	if p.ProjectsDir == "" {
		p.ProjectsDir = "projects"
	}
	if p.Workers == 0 {
		p.Workers = 4
	}
	if p.TestTimeout == 0 {
		p.TestTimeout = Duration(10 * time.Second)
	}
	if p.ContainerTool == "" {
		p.ContainerTool = "docker"
	}
	if p.Image == "" {
		p.Image = "agency-app"
	}
	if p.Port == 0 {
		p.Port = 8000
	}
	if p.DeployTimeout == 0 {
		p.DeployTimeout = Duration(5 * time.Minute)
	}

	if c.Database.Migrations == "" {
		c.Database.Migrations = "migrations"
	}
	if c.Database.CacheSize == 0 {
		c.Database.CacheSize = 1024
	}
	if c.Database.OpTimeout == 0 {
		c.Database.OpTimeout = Duration(5 * time.Second)
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Retry.Attempts < 1 {
		errs = append(errs, fmt.Errorf("retry.attempts must be >= 1, got %d", c.Retry.Attempts))
	}
	if c.Retry.Delay < 0 {
		errs = append(errs, errors.New("retry.delay must not be negative"))
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be >= 1, got %g", c.Retry.Multiplier))
	}
	if c.Pipeline.Workers < 1 {
		errs = append(errs, fmt.Errorf("pipeline.workers must be >= 1, got %d", c.Pipeline.Workers))
	}
	switch strings.ToLower(c.Pipeline.ContainerTool) {
	case "docker", "podman":
	default:
		errs = append(errs, fmt.Errorf("pipeline.container_tool must be docker or podman, got %q", c.Pipeline.ContainerTool))
	}
	for _, pattern := range c.Pipeline.Denylist {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, fmt.Errorf("pipeline.denylist %q: %w", pattern, err))
		}
	}
	if c.Notify.Slack.Enabled && (c.Notify.Slack.BotToken == "" || c.Notify.Slack.ChannelID == "") {
		errs = append(errs, errors.New("notify.slack enabled without bot_token and channel_id"))
	}
	if c.Notify.Discord.Enabled && (c.Notify.Discord.BotToken == "" || c.Notify.Discord.ChannelID == "") {
		errs = append(errs, errors.New("notify.discord enabled without bot_token and channel_id"))
	}
	return errors.Join(errs...)
}
