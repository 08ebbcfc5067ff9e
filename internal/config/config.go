package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const defaultExternalHTTPTimeout = 30 * time.Second
const defaultExternalHTTPTimeoutSeconds = int(defaultExternalHTTPTimeout / time.Second)

const (
	DefaultClassificationTimeoutMS = 2000
	DefaultAuditMaxAttempts        = 3
)

type Config struct {
	ListenAddr      string `yaml:"listen_addr"`
	PublicBaseURL   string `yaml:"public_base_url"`
	MediaStreamURL  string `yaml:"media_stream_url"`
	QueueWaitPath   string `yaml:"queue_wait_path"`
	FallbackQueue   string `yaml:"fallback_queue"`
	FallbackMessage string `yaml:"fallback_message"`
	DefaultProvider string `yaml:"default_provider"`

	TwilioAuthToken       string `yaml:"twilio_auth_token"`
	DisableSignatureCheck bool   `yaml:"disable_signature_check"`
	ACSMediaTransportURL  string `yaml:"acs_media_transport_url"`
	ACSCallbackURL        string `yaml:"acs_callback_url"`

	ClassifierProvider      string  `yaml:"classifier_provider"`
	LLMModel                string  `yaml:"llm_model"`
	AnthropicAPIKey         string  `yaml:"anthropic_api_key"`
	OpenAIAPIKey            string  `yaml:"openai_api_key"`
	ClassificationTimeoutMS int     `yaml:"classification_timeout_ms"`
	IntentGlossaryPath      string  `yaml:"intent_glossary_path"`
	LocalMinConfidence      float64 `yaml:"local_min_confidence"`

	DBPath   string `yaml:"db_path"`
	SeedPath string `yaml:"seed_path"`

	AuditMaxAttempts int `yaml:"audit_max_attempts"`
	AuditBackoffMS   int `yaml:"audit_backoff_ms"`

	HandoffExcerptTurns    int `yaml:"handoff_excerpt_turns"`
	HandoffExcerptMaxChars int `yaml:"handoff_excerpt_max_chars"`
	HandoffTimeoutSeconds  int `yaml:"handoff_timeout_seconds"`
	HandoffStoreSize       int `yaml:"handoff_store_size"`

	SlackBotToken         string `yaml:"slack_bot_token"`
	SlackAlertChannelID   string `yaml:"slack_alert_channel_id"`
	SlackHandoffChannelID string `yaml:"slack_handoff_channel_id"`

	RefreshSchedule           string `yaml:"refresh_schedule"`
	ContainmentReportSchedule string `yaml:"containment_report_schedule"`
	IdleCallTimeoutMinutes    int    `yaml:"idle_call_timeout_minutes"`

	ProvisioningURL   string `yaml:"provisioning_url"`
	ProvisioningToken string `yaml:"provisioning_token"`

	ExternalHTTPTimeoutSeconds int    `yaml:"external_http_timeout_seconds"`
	Timezone                   string `yaml:"timezone"`

	Location *time.Location `yaml:"-"` // computed from Timezone, not from YAML
}

func LoadConfig() Config {
	var cfg Config

	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	envOverride(&cfg.ListenAddr, "LISTEN_ADDR")
	envOverride(&cfg.PublicBaseURL, "PUBLIC_BASE_URL")
	envOverride(&cfg.MediaStreamURL, "MEDIA_STREAM_URL")
	envOverride(&cfg.QueueWaitPath, "QUEUE_WAIT_PATH")
	envOverride(&cfg.FallbackQueue, "FALLBACK_QUEUE")
	envOverride(&cfg.FallbackMessage, "FALLBACK_MESSAGE")
	envOverride(&cfg.DefaultProvider, "DEFAULT_PROVIDER")
	envOverride(&cfg.TwilioAuthToken, "TWILIO_AUTH_TOKEN")
	envOverrideBool(&cfg.DisableSignatureCheck, "DISABLE_SIGNATURE_CHECK")
	envOverrideAllowEmpty(&cfg.ACSMediaTransportURL, "ACS_MEDIA_TRANSPORT_URL")
	envOverride(&cfg.ACSCallbackURL, "ACS_CALLBACK_URL")
	envOverride(&cfg.ClassifierProvider, "CLASSIFIER_PROVIDER")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverrideInt(&cfg.ClassificationTimeoutMS, "CLASSIFICATION_TIMEOUT_MS")
	envOverride(&cfg.IntentGlossaryPath, "INTENT_GLOSSARY_PATH")
	envOverrideFloat(&cfg.LocalMinConfidence, "LOCAL_MIN_CONFIDENCE")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.SeedPath, "SEED_PATH")
	envOverrideInt(&cfg.AuditMaxAttempts, "AUDIT_MAX_ATTEMPTS")
	envOverrideInt(&cfg.AuditBackoffMS, "AUDIT_BACKOFF_MS")
	envOverrideInt(&cfg.HandoffExcerptTurns, "HANDOFF_EXCERPT_TURNS")
	envOverrideInt(&cfg.HandoffExcerptMaxChars, "HANDOFF_EXCERPT_MAX_CHARS")
	envOverrideInt(&cfg.HandoffTimeoutSeconds, "HANDOFF_TIMEOUT_SECONDS")
	envOverrideInt(&cfg.HandoffStoreSize, "HANDOFF_STORE_SIZE")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackAlertChannelID, "SLACK_ALERT_CHANNEL_ID")
	envOverride(&cfg.SlackHandoffChannelID, "SLACK_HANDOFF_CHANNEL_ID")
	envOverrideAllowEmpty(&cfg.RefreshSchedule, "REFRESH_SCHEDULE")
	envOverrideAllowEmpty(&cfg.ContainmentReportSchedule, "CONTAINMENT_REPORT_SCHEDULE")
	envOverrideInt(&cfg.IdleCallTimeoutMinutes, "IDLE_CALL_TIMEOUT_MINUTES")
	envOverride(&cfg.ProvisioningURL, "PROVISIONING_URL")
	envOverride(&cfg.ProvisioningToken, "PROVISIONING_TOKEN")
	envOverrideInt(&cfg.ExternalHTTPTimeoutSeconds, "EXTERNAL_HTTP_TIMEOUT_SECONDS")
	envOverride(&cfg.Timezone, "TIMEZONE")

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "http://localhost:8080"
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	if cfg.MediaStreamURL == "" {
		cfg.MediaStreamURL = "wss://localhost:8443/stream"
	}
	if cfg.QueueWaitPath == "" {
		cfg.QueueWaitPath = "/v1/voice/queue"
	}
	if cfg.FallbackQueue == "" {
		cfg.FallbackQueue = "voicemail"
	}
	if cfg.FallbackMessage == "" {
		cfg.FallbackMessage = "Please hold while we connect you to a member of our team."
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "twilio"
	}
	if cfg.ClassifierProvider == "" {
		cfg.ClassifierProvider = "local"
	}
	if cfg.ClassificationTimeoutMS == 0 {
		cfg.ClassificationTimeoutMS = DefaultClassificationTimeoutMS
	}
	if cfg.LocalMinConfidence == 0 {
		cfg.LocalMinConfidence = 0.15
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./callrouter.db"
	}
	if cfg.AuditMaxAttempts == 0 {
		cfg.AuditMaxAttempts = DefaultAuditMaxAttempts
	}
	if cfg.AuditBackoffMS == 0 {
		cfg.AuditBackoffMS = 100
	}
	if cfg.HandoffExcerptTurns == 0 {
		cfg.HandoffExcerptTurns = 6
	}
	if cfg.HandoffExcerptMaxChars == 0 {
		cfg.HandoffExcerptMaxChars = 600
	}
	if cfg.HandoffTimeoutSeconds == 0 {
		cfg.HandoffTimeoutSeconds = 5
	}
	if cfg.HandoffStoreSize == 0 {
		cfg.HandoffStoreSize = 1024
	}
	if cfg.IdleCallTimeoutMinutes == 0 {
		cfg.IdleCallTimeoutMinutes = 60
	}
	if cfg.ExternalHTTPTimeoutSeconds == 0 {
		cfg.ExternalHTTPTimeoutSeconds = defaultExternalHTTPTimeoutSeconds
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Local"
	}

	switch cfg.DefaultProvider {
	case "twilio", "acs":
	default:
		log.Fatalf("default_provider must be 'twilio' or 'acs', got '%s'", cfg.DefaultProvider)
	}

	switch cfg.ClassifierProvider {
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			log.Fatalf("anthropic_api_key is required when classifier_provider=anthropic")
		}
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			log.Fatalf("openai_api_key is required when classifier_provider=openai")
		}
	case "local":
	default:
		log.Fatalf("classifier_provider must be 'anthropic', 'openai' or 'local', got '%s'", cfg.ClassifierProvider)
	}

	if strings.EqualFold(cfg.Timezone, "Local") {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			log.Fatalf("invalid timezone '%s': %v", cfg.Timezone, err)
		}
		cfg.Location = loc
	}

	if cfg.ClassificationTimeoutMS < 100 {
		log.Fatalf("invalid classification_timeout_ms '%d': must be >= 100", cfg.ClassificationTimeoutMS)
	}
	if cfg.LocalMinConfidence < 0 || cfg.LocalMinConfidence > 1 {
		log.Fatalf("invalid local_min_confidence '%f': must be between 0 and 1", cfg.LocalMinConfidence)
	}
	if cfg.AuditMaxAttempts < 1 || cfg.AuditMaxAttempts > 3 {
		log.Fatalf("invalid audit_max_attempts '%d': must be between 1 and 3", cfg.AuditMaxAttempts)
	}
	if cfg.AuditBackoffMS < 0 || cfg.AuditBackoffMS > 2000 {
		log.Fatalf("invalid audit_backoff_ms '%d': must be between 0 and 2000", cfg.AuditBackoffMS)
	}
	if cfg.HandoffExcerptTurns < 1 {
		log.Fatalf("invalid handoff_excerpt_turns '%d': must be >= 1", cfg.HandoffExcerptTurns)
	}
	if cfg.HandoffExcerptMaxChars < 80 {
		log.Fatalf("invalid handoff_excerpt_max_chars '%d': must be >= 80", cfg.HandoffExcerptMaxChars)
	}
	if cfg.IdleCallTimeoutMinutes < 1 {
		log.Fatalf("invalid idle_call_timeout_minutes '%d': must be >= 1", cfg.IdleCallTimeoutMinutes)
	}
	if cfg.ExternalHTTPTimeoutSeconds < 5 {
		log.Fatalf("invalid external_http_timeout_seconds '%d': must be >= 5", cfg.ExternalHTTPTimeoutSeconds)
	}
	for name, schedule := range map[string]string{
		"refresh_schedule":            cfg.RefreshSchedule,
		"containment_report_schedule": cfg.ContainmentReportSchedule,
	} {
		if err := validateSchedule(schedule); err != nil {
			log.Fatalf("invalid %s '%s': %v", name, schedule, err)
		}
	}
	if cfg.IntentGlossaryPath != "" {
		if err := validateGlossaryPath(cfg.IntentGlossaryPath); err != nil {
			log.Fatalf("invalid intent_glossary_path '%s': %v", cfg.IntentGlossaryPath, err)
		}
	}
	if cfg.SlackBotToken == "" && (cfg.SlackAlertChannelID != "" || cfg.SlackHandoffChannelID != "") {
		log.Printf("WARNING: Slack channels configured without slack_bot_token; alerts and handoffs will only be logged.")
	}

	return cfg
}

func (c Config) ClassificationTimeout() time.Duration {
	return time.Duration(c.ClassificationTimeoutMS) * time.Millisecond
}

// IdleCallTimeout is how long a call may go without webhook traffic before
// the sweeper closes it.
func (c Config) IdleCallTimeout() time.Duration {
	return time.Duration(c.IdleCallTimeoutMinutes) * time.Minute
}

func (c Config) AuditBackoff() time.Duration {
	return time.Duration(c.AuditBackoffMS) * time.Millisecond
}

func (c Config) HandoffTimeout() time.Duration {
	return time.Duration(c.HandoffTimeoutSeconds) * time.Second
}

func (c Config) SlackConfigured() bool {
	return c.SlackBotToken != ""
}

func (c Config) SignatureCheckEnabled() bool {
	return c.TwilioAuthToken != "" && !c.DisableSignatureCheck
}

func (c Config) ProvisioningConfigured() bool {
	return strings.TrimSpace(c.ProvisioningURL) != ""
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideAllowEmpty(field *string, envKey string) {
	if val, ok := os.LookupEnv(envKey); ok {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func envOverrideBool(field *bool, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = strings.EqualFold(val, "true") || val == "1"
	}
}

func envOverrideFloat(field *float64, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

// ParseSchedule parses a standard 5-field cron expression.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(strings.TrimSpace(schedule))
}

func validateSchedule(schedule string) error {
	if strings.TrimSpace(schedule) == "" {
		return nil
	}
	_, err := ParseSchedule(schedule)
	return err
}

func validateGlossaryPath(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read glossary: %w", err)
	}
	var g struct {
		Terms []struct{} `yaml:"terms"`
	}
	if err := yaml.Unmarshal(data, &g); err != nil {
		return fmt.Errorf("parse glossary yaml: %w", err)
	}
	return nil
}
