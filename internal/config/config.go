// Package config loads forge settings from defaults, an optional config
// file, .env and FORGE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ChamsBouzaiene/forge/internal/orchestrator"
	"github.com/ChamsBouzaiene/forge/internal/providers"
	"github.com/ChamsBouzaiene/forge/internal/resilience"
)

// EnvPrefix prefixes every environment override, e.g. FORGE_LLM_PROVIDER.
const EnvPrefix = "FORGE"

// Deploy modes.
const (
	DeployNone   = "none"
	DeployDir    = "dir"
	DeployDocker = "docker"
)

// Config is the full runtime configuration.
type Config struct {
	DataDir      string              `mapstructure:"data_dir"`
	Server       ServerConfig        `mapstructure:"server"`
	Log          LogConfig           `mapstructure:"log"`
	LLM          providers.LLMConfig `mapstructure:"llm"`
	Web          providers.WebConfig `mapstructure:"web"`
	Deploy       DeployConfig        `mapstructure:"deploy"`
	Orchestrator OrchestratorConfig  `mapstructure:"orchestrator"`
	Sessions     SessionsConfig      `mapstructure:"sessions"`
	Resilience   ResilienceConfig    `mapstructure:"resilience"`
	Webhook      WebhookConfig       `mapstructure:"webhook"`
	Prompts      PromptsConfig       `mapstructure:"prompts"`
	AgentsFile   string              `mapstructure:"agents_file"`

	// Budgets is loaded from AgentsFile, not from viper.
	Budgets resilience.BudgetConfig `mapstructure:"-"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DeployConfig struct {
	Mode    string                 `mapstructure:"mode"`
	Dir     string                 `mapstructure:"dir"`
	BaseURL string                 `mapstructure:"base_url"`
	Docker  providers.DockerConfig `mapstructure:"docker"`
}

type OrchestratorConfig struct {
	MaxPlanRevisions    int           `mapstructure:"max_plan_revisions"`
	MaxFixIterations    int           `mapstructure:"max_fix_iterations"`
	AskTimeout          time.Duration `mapstructure:"ask_timeout"`
	SearchIndex         string        `mapstructure:"search_index"`
	MaxSteps            int           `mapstructure:"max_steps"`
	Temperature         float32       `mapstructure:"temperature"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
}

type SessionsConfig struct {
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type ResilienceConfig struct {
	BreakerThreshold    int           `mapstructure:"breaker_threshold"`
	BreakerResetTimeout time.Duration `mapstructure:"breaker_reset_timeout"`
	RetryAttempts       int           `mapstructure:"retry_attempts"`
	RetryInitialDelay   time.Duration `mapstructure:"retry_initial_delay"`
	RetryMaxDelay       time.Duration `mapstructure:"retry_max_delay"`
}

type WebhookConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type PromptsConfig struct {
	OverrideDir string `mapstructure:"override_dir"`
	Watch       bool   `mapstructure:"watch"`
}

// SetDefaults registers every key so that environment variables are
// picked up by Unmarshal even without a config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", ".forge")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("web.search_endpoint", "")
	v.SetDefault("web.search_api_key", "")
	v.SetDefault("web.timeout", 30*time.Second)
	v.SetDefault("deploy.mode", DeployDir)
	v.SetDefault("deploy.dir", "")
	v.SetDefault("deploy.base_url", "")
	v.SetDefault("deploy.docker.image", "")
	v.SetDefault("deploy.docker.memory", "128m")
	v.SetDefault("deploy.docker.cpu", "0.5")
	v.SetDefault("deploy.docker.host_ip", "127.0.0.1")
	v.SetDefault("deploy.docker.public_ip", "")
	v.SetDefault("orchestrator.max_plan_revisions", orchestrator.DefaultMaxPlanRevisions)
	v.SetDefault("orchestrator.max_fix_iterations", orchestrator.DefaultMaxFixIterations)
	v.SetDefault("orchestrator.ask_timeout", 120*time.Second)
	v.SetDefault("orchestrator.search_index", orchestrator.IndexKeyword)
	v.SetDefault("orchestrator.max_steps", 0)
	v.SetDefault("orchestrator.temperature", 0.2)
	v.SetDefault("orchestrator.confidence_threshold", 0.7)
	v.SetDefault("sessions.grace_period", 5*time.Minute)
	v.SetDefault("sessions.max_age", 2*time.Hour)
	v.SetDefault("sessions.sweep_interval", 30*time.Second)
	v.SetDefault("resilience.breaker_threshold", resilience.DefaultBreakerThreshold)
	v.SetDefault("resilience.breaker_reset_timeout", resilience.DefaultBreakerResetTimeout)
	v.SetDefault("resilience.retry_attempts", 3)
	v.SetDefault("resilience.retry_initial_delay", time.Second)
	v.SetDefault("resilience.retry_max_delay", 30*time.Second)
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.issuer", "")
	v.SetDefault("prompts.override_dir", "")
	v.SetDefault("prompts.watch", true)
	v.SetDefault("agents_file", "")
}

// Load reads configuration into a validated Config. configFile may be
// empty; envFile is loaded when it exists.
func Load(v *viper.Viper, configFile, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDerived()

	budgets, err := LoadAgentProfiles(cfg.AgentsFile)
	if err != nil {
		return nil, err
	}
	if budgets.Default.Model == "" {
		budgets.Default.Model = cfg.LLM.Model
	}
	cfg.Budgets = budgets

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDerived() {
	if c.Deploy.Dir == "" {
		c.Deploy.Dir = filepath.Join(c.DataDir, "sites")
	}
	if c.Prompts.OverrideDir == "" {
		c.Prompts.OverrideDir = filepath.Join(c.DataDir, "prompts")
	}
	if c.AgentsFile == "" {
		if p := filepath.Join(c.DataDir, "agents.yaml"); fileExists(p) {
			c.AgentsFile = p
		}
	}
}

// DBPath is the sqlite database under DataDir.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "forge.db") }

// Validate rejects settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if !contains(providers.SupportedProviders(), strings.ToLower(c.LLM.Provider)) {
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported (supported: %s)", c.LLM.Provider, strings.Join(providers.SupportedProviders(), ", ")))
	}
	switch c.Deploy.Mode {
	case DeployNone, DeployDir, DeployDocker:
	default:
		errs = append(errs, fmt.Errorf("deploy.mode must be one of none, dir, docker (got %q)", c.Deploy.Mode))
	}
	switch c.Orchestrator.SearchIndex {
	case orchestrator.IndexKeyword, orchestrator.IndexBleve:
	default:
		errs = append(errs, fmt.Errorf("orchestrator.search_index must be keyword or bleve (got %q)", c.Orchestrator.SearchIndex))
	}
	if c.Orchestrator.MaxPlanRevisions < 0 {
		errs = append(errs, errors.New("orchestrator.max_plan_revisions must not be negative"))
	}
	if c.Orchestrator.MaxFixIterations < 0 {
		errs = append(errs, errors.New("orchestrator.max_fix_iterations must not be negative"))
	}
	if c.Orchestrator.AskTimeout < 0 {
		errs = append(errs, errors.New("orchestrator.ask_timeout must not be negative"))
	}
	if t := c.Orchestrator.ConfidenceThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("orchestrator.confidence_threshold must be within [0,1] (got %v)", t))
	}
	if c.Resilience.RetryAttempts < 1 {
		errs = append(errs, errors.New("resilience.retry_attempts must be at least 1"))
	}
	if c.Resilience.RetryMaxDelay < c.Resilience.RetryInitialDelay {
		errs = append(errs, errors.New("resilience.retry_max_delay must not be below retry_initial_delay"))
	}
	if c.Sessions.GracePeriod <= 0 || c.Sessions.MaxAge <= 0 {
		errs = append(errs, errors.New("sessions.grace_period and sessions.max_age must be positive"))
	}
	for name, b := range c.Budgets.Agents {
		if b.MaxCalls < 0 || b.MaxTokens < 0 {
			errs = append(errs, fmt.Errorf("agent %s: budget limits must not be negative", name))
		}
	}
	return errors.Join(errs...)
}

// RetryPolicy is the outbound retry policy.
func (c *Config) RetryPolicy() resilience.RetryPolicy {
	p := resilience.DefaultRetryPolicy()
	p.MaxAttempts = c.Resilience.RetryAttempts
	p.InitialDelay = c.Resilience.RetryInitialDelay
	p.MaxDelay = c.Resilience.RetryMaxDelay
	return p
}

// BreakerConfig is the per-resource breaker tuning.
func (c *Config) BreakerConfig() resilience.BreakerConfig {
	return resilience.BreakerConfig{Threshold: c.Resilience.BreakerThreshold, ResetTimeout: c.Resilience.BreakerResetTimeout}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}
