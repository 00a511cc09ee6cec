// Package config loads replybot settings from an optional YAML file,
// environment variables and built-in defaults, in that order of
// precedence from lowest to highest: defaults < file < environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix      = "REPLYBOT"
	ConfigName     = "replybot"
	CommanderTeams = "teams"
	CommanderTG    = "telegram"
	CommanderDummy = "dummy"
	ProviderOpenAI = "openai"
	ProviderEino   = "eino"
	ProviderDummy  = "dummy"
	DeliveryAuto   = "auto"
	DeliveryAsk    = "confirm"
)

type TeamsConfig struct {
	TenantID      string `mapstructure:"tenant_id"`
	ClientID      string `mapstructure:"client_id"`
	ClientSecret  string `mapstructure:"client_secret"`
	BaseURL       string `mapstructure:"base_url"`
	Top           int    `mapstructure:"top"`
	DisableCursor bool   `mapstructure:"disable_cursor"`
}

type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	APIBase  string `mapstructure:"api_base"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

type DummyConfig struct {
	PollScript     string `mapstructure:"poll_script"`
	SendScript     string `mapstructure:"send_script"`
	ProviderScript string `mapstructure:"provider_script"`
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
}

// Config is the full replybot configuration.
type Config struct {
	HistoryCapacity    int           `mapstructure:"history_capacity"`
	QuietPeriod        time.Duration `mapstructure:"quiet_period"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	AgentLabel         string        `mapstructure:"agent_label"`
	DefaultDisplayName string        `mapstructure:"default_display_name"`
	// DisplayNamePairs holds "conversation=name" entries.
	DisplayNamePairs []string `mapstructure:"display_names"`
	Conversations    []string `mapstructure:"conversations"`
	SystemPrompt     string   `mapstructure:"system_prompt"`

	Commander     string `mapstructure:"commander"`
	ModelProvider string `mapstructure:"model_provider"`
	Delivery      string `mapstructure:"delivery"`
	DropPending   bool   `mapstructure:"drop_pending"`

	Teams    TeamsConfig    `mapstructure:"teams"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Dummy    DummyConfig    `mapstructure:"dummy"`

	GenerateTimeout  time.Duration `mapstructure:"generate_timeout"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	DeliverTimeout   time.Duration `mapstructure:"deliver_timeout"`
	FetchConcurrency int           `mapstructure:"fetch_concurrency"`
	CircuitThreshold int           `mapstructure:"circuit_threshold"`
	CircuitCooldown  time.Duration `mapstructure:"circuit_cooldown"`

	EventDBPath   string              `mapstructure:"event_db_path"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`

	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`

	// DisplayNames is parsed from DisplayNamePairs.
	DisplayNames map[string]string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("history_capacity", 20)
	v.SetDefault("quiet_period", "5s")
	v.SetDefault("poll_interval", "10s")
	v.SetDefault("agent_label", "Me")
	v.SetDefault("default_display_name", "User")
	v.SetDefault("display_names", []string{})
	v.SetDefault("conversations", []string{})
	v.SetDefault("system_prompt", "")

	v.SetDefault("commander", CommanderTeams)
	v.SetDefault("model_provider", ProviderOpenAI)
	v.SetDefault("delivery", DeliveryAsk)
	v.SetDefault("drop_pending", false)

	v.SetDefault("teams.tenant_id", "")
	v.SetDefault("teams.client_id", "")
	v.SetDefault("teams.client_secret", "")
	v.SetDefault("teams.base_url", "https://graph.microsoft.com/v1.0")
	v.SetDefault("teams.top", 20)
	v.SetDefault("teams.disable_cursor", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "http://localhost:11434/v1")
	v.SetDefault("openai.model", "llama3.2")
	v.SetDefault("dummy.poll_script", "ok")
	v.SetDefault("dummy.send_script", "ok")
	v.SetDefault("dummy.provider_script", "echo")

	v.SetDefault("generate_timeout", "120s")
	v.SetDefault("fetch_timeout", "30s")
	v.SetDefault("deliver_timeout", "30s")
	v.SetDefault("fetch_concurrency", 4)
	v.SetDefault("circuit_threshold", 5)
	v.SetDefault("circuit_cooldown", "30s")

	v.SetDefault("event_db_path", "")
	v.SetDefault("elasticsearch.addresses", []string{})
	v.SetDefault("elasticsearch.username", "")
	v.SetDefault("elasticsearch.password", "")
	v.SetDefault("elasticsearch.index", "replybot-events")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// Environment names that predate the REPLYBOT_ prefix. Each key still
// answers to its REPLYBOT_ name first.
var legacyEnv = map[string][]string{
	"conversations":           {"MS_TEAMS_CHAT_ID"},
	"teams.tenant_id":         {"MS_TEAMS_TENANT_ID"},
	"teams.client_id":         {"MS_TEAMS_CLIENT_ID"},
	"teams.client_secret":     {"MS_TEAMS_CLIENT_SECRET"},
	"telegram.bot_token":      {"TELEGRAM_BOT_TOKEN"},
	"openai.api_key":          {"OPENAI_API_KEY"},
	"openai.base_url":         {"OPENAI_BASE_URL"},
	"openai.model":            {"OPENAI_MODEL"},
	"elasticsearch.addresses": {"ELASTICSEARCH_URL"},
}

func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}

// Load reads the configuration. An empty path searches for replybot.yaml
// in the working directory and $HOME/.config/replybot; a missing file is
// not an error in that case.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", ConfigName))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.Conversations = splitList(cfg.Conversations)
	cfg.DisplayNamePairs = splitList(cfg.DisplayNamePairs)
	cfg.Elasticsearch.Addresses = splitList(cfg.Elasticsearch.Addresses)

	names, err := parsePairs(cfg.DisplayNamePairs)
	if err != nil {
		return Config{}, err
	}
	cfg.DisplayNames = names

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// splitList trims entries, splits any that still contain commas and
// drops empties.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, name, ok := strings.Cut(pair, "=")
		key, name = strings.TrimSpace(key), strings.TrimSpace(name)
		if !ok || key == "" || name == "" {
			return nil, fmt.Errorf("invalid display_names entry %q, want conversation=name", pair)
		}
		out[key] = name
	}
	return out, nil
}

// Validate checks ranges and the credentials of the selected adapters.
func (c Config) Validate() error {
	var errs []error
	if c.HistoryCapacity < 1 {
		errs = append(errs, fmt.Errorf("history_capacity must be >= 1, got %d", c.HistoryCapacity))
	}
	if c.QuietPeriod <= 0 {
		errs = append(errs, fmt.Errorf("quiet_period must be > 0, got %s", c.QuietPeriod))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be > 0, got %s", c.PollInterval))
	}
	if len(c.Conversations) == 0 {
		errs = append(errs, errors.New("at least one conversation is required (REPLYBOT_CONVERSATIONS or MS_TEAMS_CHAT_ID)"))
	}
	if c.FetchConcurrency < 1 {
		errs = append(errs, fmt.Errorf("fetch_concurrency must be >= 1, got %d", c.FetchConcurrency))
	}

	switch c.Commander {
	case CommanderTeams:
		if c.Teams.TenantID == "" || c.Teams.ClientID == "" || c.Teams.ClientSecret == "" {
			errs = append(errs, errors.New("MS_TEAMS_TENANT_ID, MS_TEAMS_CLIENT_ID and MS_TEAMS_CLIENT_SECRET are required when commander=teams"))
		}
	case CommanderTG:
		if c.Telegram.BotToken == "" {
			errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN is required when commander=telegram"))
		}
	case CommanderDummy:
	default:
		errs = append(errs, fmt.Errorf("unknown commander %q", c.Commander))
	}

	switch c.ModelProvider {
	case ProviderOpenAI, ProviderEino, ProviderDummy:
	default:
		errs = append(errs, fmt.Errorf("unknown model_provider %q", c.ModelProvider))
	}

	switch c.Delivery {
	case DeliveryAuto, DeliveryAsk:
	default:
		errs = append(errs, fmt.Errorf("unknown delivery %q", c.Delivery))
	}
	return errors.Join(errs...)
}

// TelegramAPIBase is the bot API root including the token.
func (c Config) TelegramAPIBase() string {
	return fmt.Sprintf("%s/bot%s", strings.TrimRight(c.Telegram.APIBase, "/"), c.Telegram.BotToken)
}
