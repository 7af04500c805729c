package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envLogLevel            = "DG_LOG_LEVEL"
	envAgentURL            = "DG_AGENT_URL"
	envAgentToken          = "DG_AGENT_TOKEN"
	envAgentTimeout        = "DG_AGENT_TIMEOUT"
	envHealthInterval      = "DG_HEALTH_INTERVAL"
	envZombieInterval      = "DG_ZOMBIE_INTERVAL"
	envZombieFailedDwell   = "DG_ZOMBIE_FAILED_DWELL"
	envZombieAbandonAfter  = "DG_ZOMBIE_ABANDON_AFTER"
	envMaxRecoveryAttempts = "DG_MAX_RECOVERY_ATTEMPTS"
	envPipelineTimeout     = "DG_PIPELINE_TIMEOUT"
	envActionTimeout       = "DG_ACTION_TIMEOUT"
	envProbeTimeout        = "DG_PROBE_TIMEOUT"
	envAssumedServerCost   = "DG_ASSUMED_SERVER_MONTHLY_COST"
	envHourlyDowntimeCost  = "DG_HOURLY_DOWNTIME_COST"
	envAIProvider          = "DG_AI_PROVIDER"
	envOpenAIKey           = "OPENAI_API_KEY"
	envOpenAIModel         = "DG_OPENAI_MODEL"
	envAzureEndpoint       = "DG_AZURE_OPENAI_ENDPOINT"
	envAzureKey            = "DG_AZURE_OPENAI_KEY"
	envAzureDeployment     = "DG_AZURE_OPENAI_DEPLOYMENT"
	envSlackWebhookURL     = "DG_SLACK_WEBHOOK_URL"
	envWebhookURL          = "DG_WEBHOOK_URL"
	envWebhookTemplate     = "DG_WEBHOOK_TEMPLATE"
	envNotifyDryRun        = "DG_NOTIFY_DRY_RUN"
	envRedisAddr           = "DG_REDIS_ADDR"
	envRedisChannel        = "DG_REDIS_CHANNEL"
	envStorePath           = "DG_STORE_PATH"
	envStatePath           = "DG_STATE_PATH"
	envHealthPort          = "DG_HEALTH_PORT"
	envMetricsPort         = "DG_METRICS_PORT"
	envScoringFile         = "DG_SCORING_FILE"
	envDockerTLSCA         = "DG_DOCKER_TLS_CA"
	envDockerTLSCert       = "DG_DOCKER_TLS_CERT"
	envDockerTLSKey        = "DG_DOCKER_TLS_KEY"
)

const (
	defaultLogLevel            = "info"
	defaultAgentTimeout        = 2 * time.Minute
	defaultHealthInterval      = 60 * time.Second
	defaultZombieInterval      = 5 * time.Minute
	defaultZombieFailedDwell   = time.Hour
	defaultZombieAbandonAfter  = 2 * time.Hour
	defaultMaxRecoveryAttempts = 3
	defaultPipelineTimeout     = 2 * time.Hour
	defaultActionTimeout       = 5 * time.Minute
	defaultProbeTimeout        = 15 * time.Second
	defaultAssumedServerCost   = 24.0
	defaultHourlyDowntimeCost  = 50.0
	defaultAIProvider          = "none"
	defaultOpenAIModel         = "gpt-4o-mini"
	defaultRedisChannel        = "deployguard.events"
)

// AI provider names accepted by DG_AI_PROVIDER.
const (
	AIProviderNone   = "none"
	AIProviderOpenAI = "openai"
	AIProviderAzure  = "azure"
)

// Config describes runtime configuration loaded from the environment.
type Config struct {
	LogLevel string

	AgentURL     string
	AgentToken   string
	AgentTimeout time.Duration

	HealthInterval      time.Duration
	ZombieInterval      time.Duration
	ZombieFailedDwell   time.Duration
	ZombieAbandonAfter  time.Duration
	MaxRecoveryAttempts int
	PipelineTimeout     time.Duration
	ActionTimeout       time.Duration
	ProbeTimeout        time.Duration

	AssumedServerMonthlyCost float64
	HourlyDowntimeCost       float64

	AIProvider      string
	OpenAIKey       string
	OpenAIModel     string
	AzureEndpoint   string
	AzureKey        string
	AzureDeployment string

	SlackWebhookURL string
	WebhookURL      string
	WebhookTemplate string
	NotifyDryRun    bool

	RedisAddr    string
	RedisChannel string

	StorePath string
	StatePath string

	HealthPort  int
	MetricsPort int

	ScoringFile string

	DockerTLSCA   string
	DockerTLSCert string
	DockerTLSKey  string
}

// Load reads configuration from environment variables and a local .env file if present.
// Existing environment variables take precedence over values in .env.
func Load() (Config, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return Config{}, err
	}

	cfg := Config{
		LogLevel:                 defaultLogLevel,
		AgentTimeout:             defaultAgentTimeout,
		HealthInterval:           defaultHealthInterval,
		ZombieInterval:           defaultZombieInterval,
		ZombieFailedDwell:        defaultZombieFailedDwell,
		ZombieAbandonAfter:       defaultZombieAbandonAfter,
		MaxRecoveryAttempts:      defaultMaxRecoveryAttempts,
		PipelineTimeout:          defaultPipelineTimeout,
		ActionTimeout:            defaultActionTimeout,
		ProbeTimeout:             defaultProbeTimeout,
		AssumedServerMonthlyCost: defaultAssumedServerCost,
		HourlyDowntimeCost:       defaultHourlyDowntimeCost,
		AIProvider:               defaultAIProvider,
		OpenAIModel:              defaultOpenAIModel,
		RedisChannel:             defaultRedisChannel,
	}

	if value, ok := lookupTrimmed(envLogLevel); ok && value != "" {
		cfg.LogLevel = value
	}
	if value, ok := lookupTrimmed(envAgentURL); ok {
		cfg.AgentURL = value
	}
	if value, ok := lookupTrimmed(envAgentToken); ok {
		cfg.AgentToken = value
	}

	durations := []struct {
		key    string
		target *time.Duration
	}{
		{envAgentTimeout, &cfg.AgentTimeout},
		{envHealthInterval, &cfg.HealthInterval},
		{envZombieInterval, &cfg.ZombieInterval},
		{envZombieFailedDwell, &cfg.ZombieFailedDwell},
		{envZombieAbandonAfter, &cfg.ZombieAbandonAfter},
		{envPipelineTimeout, &cfg.PipelineTimeout},
		{envActionTimeout, &cfg.ActionTimeout},
		{envProbeTimeout, &cfg.ProbeTimeout},
	}
	for _, d := range durations {
		if err := parsePositiveDuration(d.key, d.target); err != nil {
			return Config{}, err
		}
	}

	if value, ok := lookupTrimmed(envMaxRecoveryAttempts); ok {
		attempts, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envMaxRecoveryAttempts, err)
		}
		if attempts < 0 {
			return Config{}, fmt.Errorf("%s cannot be negative", envMaxRecoveryAttempts)
		}
		cfg.MaxRecoveryAttempts = attempts
	}

	if err := parseNonNegativeFloat(envAssumedServerCost, &cfg.AssumedServerMonthlyCost); err != nil {
		return Config{}, err
	}
	if err := parseNonNegativeFloat(envHourlyDowntimeCost, &cfg.HourlyDowntimeCost); err != nil {
		return Config{}, err
	}

	if value, ok := lookupTrimmed(envAIProvider); ok && value != "" {
		cfg.AIProvider = strings.ToLower(value)
	}
	if value, ok := lookupTrimmed(envOpenAIKey); ok {
		cfg.OpenAIKey = value
	}
	if value, ok := lookupTrimmed(envOpenAIModel); ok && value != "" {
		cfg.OpenAIModel = value
	}
	if value, ok := lookupTrimmed(envAzureEndpoint); ok {
		cfg.AzureEndpoint = value
	}
	if value, ok := lookupTrimmed(envAzureKey); ok {
		cfg.AzureKey = value
	}
	if value, ok := lookupTrimmed(envAzureDeployment); ok {
		cfg.AzureDeployment = value
	}

	if value, ok := lookupTrimmed(envSlackWebhookURL); ok {
		cfg.SlackWebhookURL = value
	}
	if value, ok := lookupTrimmed(envWebhookURL); ok {
		cfg.WebhookURL = value
	}
	if value, ok := lookupTrimmed(envWebhookTemplate); ok {
		cfg.WebhookTemplate = value
	}
	if value, ok := lookupTrimmed(envNotifyDryRun); ok && value != "" {
		dryRun, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envNotifyDryRun, err)
		}
		cfg.NotifyDryRun = dryRun
	}

	if value, ok := lookupTrimmed(envRedisAddr); ok {
		cfg.RedisAddr = value
	}
	if value, ok := lookupTrimmed(envRedisChannel); ok && value != "" {
		cfg.RedisChannel = value
	}
	if value, ok := lookupTrimmed(envStorePath); ok {
		cfg.StorePath = value
	}
	if value, ok := lookupTrimmed(envStatePath); ok {
		cfg.StatePath = value
	}
	if value, ok := lookupTrimmed(envScoringFile); ok {
		cfg.ScoringFile = value
	}
	if value, ok := lookupTrimmed(envDockerTLSCA); ok {
		cfg.DockerTLSCA = value
	}
	if value, ok := lookupTrimmed(envDockerTLSCert); ok {
		cfg.DockerTLSCert = value
	}
	if value, ok := lookupTrimmed(envDockerTLSKey); ok {
		cfg.DockerTLSKey = value
	}

	if err := parsePort(envHealthPort, &cfg.HealthPort); err != nil {
		return Config{}, err
	}
	if err := parsePort(envMetricsPort, &cfg.MetricsPort); err != nil {
		return Config{}, err
	}

	if cfg.AgentURL != "" {
		if err := validateURL(cfg.AgentURL, envAgentURL); err != nil {
			return Config{}, err
		}
	}
	if cfg.SlackWebhookURL != "" {
		if err := validateURL(cfg.SlackWebhookURL, envSlackWebhookURL); err != nil {
			return Config{}, err
		}
	}
	if cfg.WebhookURL != "" {
		if err := validateURL(cfg.WebhookURL, envWebhookURL); err != nil {
			return Config{}, err
		}
	}
	if err := validateAIProvider(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// RequireAgent reports an error when no remote agent gateway is configured.
func (c Config) RequireAgent() error {
	if c.AgentURL == "" {
		return fmt.Errorf("%s is required", envAgentURL)
	}
	return nil
}

func validateAIProvider(cfg Config) error {
	switch cfg.AIProvider {
	case AIProviderNone:
		return nil
	case AIProviderOpenAI:
		if cfg.OpenAIKey == "" {
			return fmt.Errorf("%s is required when %s=%s", envOpenAIKey, envAIProvider, AIProviderOpenAI)
		}
		return nil
	case AIProviderAzure:
		if cfg.AzureEndpoint == "" || cfg.AzureKey == "" || cfg.AzureDeployment == "" {
			return fmt.Errorf("%s, %s and %s are required when %s=%s",
				envAzureEndpoint, envAzureKey, envAzureDeployment, envAIProvider, AIProviderAzure)
		}
		return validateURL(cfg.AzureEndpoint, envAzureEndpoint)
	default:
		return fmt.Errorf("invalid %s: %q (want none, openai or azure)", envAIProvider, cfg.AIProvider)
	}
}

func parsePositiveDuration(key string, target *time.Duration) error {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("%s must be greater than zero", key)
	}
	*target = parsed
	return nil
}

func parseNonNegativeFloat(key string, target *float64) error {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if parsed < 0 {
		return fmt.Errorf("%s cannot be negative", key)
	}
	*target = parsed
	return nil
}

func parsePort(key string, target *int) error {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return nil
	}
	port, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s must be between 0 and 65535", key)
	}
	*target = port
	return nil
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}

	return err
}

func validateURL(value, name string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid %s: must include scheme and host", name)
	}
	return nil
}
