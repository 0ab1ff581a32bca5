package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stupiduntilnot/chatrelay/internal/paramstore"
)

// Config holds configuration for the relay process. Values come from the
// defaults below, then the optional YAML file named by RELAY_CONFIG_FILE,
// then environment variables.
type Config struct {
	Gateway         string `yaml:"gateway"`
	TelegramToken   string `yaml:"telegram_bot_token"`
	TelegramAPIBase string `yaml:"telegram_api_base"`
	PollTimeout     int    `yaml:"poll_timeout"`
	SleepSeconds    int    `yaml:"sleep_seconds"`
	DropPending     bool   `yaml:"drop_pending"`

	ChannelID     int64  `yaml:"channel_id"`
	Mode          string `yaml:"mode"`
	HistoryWindow int    `yaml:"history_window"`
	Persona       string `yaml:"persona"`
	PersonaFile   string `yaml:"persona_file"`
	PersonaRole   string `yaml:"persona_role"`
	BotName       string `yaml:"bot_name"`

	ModelBackend          string `yaml:"model_backend"`
	OpenAIAPIKey          string `yaml:"openai_api_key"`
	OpenAIBaseURL         string `yaml:"openai_base_url"`
	OpenAIModel           string `yaml:"openai_model"`
	ImageModel            string `yaml:"image_model"`
	ImageQuality          string `yaml:"image_quality"`
	ImageSize             string `yaml:"image_size"`
	LocalImageURL         string `yaml:"local_image_url"`
	GeminiAPIKey          string `yaml:"gemini_api_key"`
	GeminiModel           string `yaml:"gemini_model"`
	BackendTimeoutSeconds int    `yaml:"backend_timeout_seconds"`

	DBKind         string `yaml:"db_kind"`
	DBPath         string `yaml:"db_path"`
	DynamoTable    string `yaml:"dynamo_table"`
	DynamoEndpoint string `yaml:"dynamo_endpoint"`
	ParamPrefix    string `yaml:"param_prefix"`

	SuppressEnabled  bool   `yaml:"suppress_enabled"`
	SuppressReaction string `yaml:"suppress_reaction"`
	ChunkSize        int    `yaml:"chunk_size"`
	ChunkDelayMS     int    `yaml:"chunk_delay_ms"`

	NewMarker   string `yaml:"new_marker"`
	ImageMarker string `yaml:"image_marker"`
	ChatMarker  string `yaml:"chat_marker"`

	LogLevel    string `yaml:"log_level"`
	LogPretty   bool   `yaml:"log_pretty"`
	MetricsAddr string `yaml:"metrics_addr"`

	DummyPollScript  string `yaml:"dummy_poll_script"`
	DummySendScript  string `yaml:"dummy_send_script"`
	DummyChatScript  string `yaml:"dummy_chat_script"`
	DummyImageScript string `yaml:"dummy_image_script"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Gateway:         "telegram",
		TelegramAPIBase: "https://api.telegram.org",
		PollTimeout:     30,
		SleepSeconds:    1,
		DropPending:     true,

		Mode:          "durable",
		HistoryWindow: 20,
		PersonaRole:   "system",
		BotName:       "assistant",

		ModelBackend:          "openai",
		OpenAIBaseURL:         "https://api.openai.com/v1",
		OpenAIModel:           "gpt-4o-mini",
		ImageModel:            "dall-e-3",
		ImageQuality:          "standard",
		ImageSize:             "1024x1024",
		GeminiModel:           "gemini-2.0-flash",
		BackendTimeoutSeconds: 60,

		DBKind: "sqlite",
		DBPath: "/state/relay.db",

		SuppressEnabled:  true,
		SuppressReaction: "👀",
		ChunkSize:        2000,
		ChunkDelayMS:     1000,

		NewMarker:   "!new",
		ImageMarker: "!image",

		LogLevel:    "info",
		MetricsAddr: ":9090",

		DummyPollScript:  "ok",
		DummySendScript:  "ok",
		DummyChatScript:  "ok",
		DummyImageScript: "ok",
	}
}

// Load reads configuration from the optional YAML file and the environment.
// It does not validate; call ResolveSecrets and Validate afterwards.
func Load() (Config, error) {
	return LoadFrom(os.Getenv("RELAY_CONFIG_FILE"))
}

// LoadFrom is Load with an explicit YAML path; an empty path skips the file.
func LoadFrom(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	// unmarshalling onto the defaults keeps keys absent from the file
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Gateway = envOrDefault("RELAY_GATEWAY", c.Gateway)
	c.TelegramToken = envOrDefault("TELEGRAM_BOT_TOKEN", c.TelegramToken)
	c.TelegramAPIBase = envOrDefault("TELEGRAM_API_BASE", c.TelegramAPIBase)
	c.PollTimeout = envIntOrDefault("TG_TIMEOUT", c.PollTimeout)
	c.SleepSeconds = envIntOrDefault("TG_SLEEP_SECONDS", c.SleepSeconds)
	c.DropPending = envBoolOrDefault("TG_DROP_PENDING", c.DropPending)

	c.ChannelID = envInt64OrDefault("RELAY_CHANNEL_ID", c.ChannelID)
	c.Mode = envOrDefault("RELAY_MODE", c.Mode)
	c.HistoryWindow = envIntOrDefault("RELAY_HISTORY_WINDOW", c.HistoryWindow)
	c.Persona = envOrDefault("RELAY_PERSONA", c.Persona)
	c.PersonaFile = envOrDefault("RELAY_PERSONA_FILE", c.PersonaFile)
	c.PersonaRole = envOrDefault("RELAY_PERSONA_ROLE", c.PersonaRole)
	c.BotName = envOrDefault("RELAY_BOT_NAME", c.BotName)

	c.ModelBackend = envOrDefault("MODEL_BACKEND", c.ModelBackend)
	c.OpenAIAPIKey = envOrDefault("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.OpenAIBaseURL = envOrDefault("OPENAI_BASE_URL", c.OpenAIBaseURL)
	c.OpenAIModel = envOrDefault("OPENAI_MODEL", c.OpenAIModel)
	c.ImageModel = envOrDefault("IMAGE_MODEL", c.ImageModel)
	c.ImageQuality = envOrDefault("IMAGE_QUALITY", c.ImageQuality)
	c.ImageSize = envOrDefault("IMAGE_SIZE", c.ImageSize)
	c.LocalImageURL = envOrDefault("LOCAL_IMAGE_URL", c.LocalImageURL)
	c.GeminiAPIKey = envOrDefault("GEMINI_API_KEY", c.GeminiAPIKey)
	c.GeminiModel = envOrDefault("GEMINI_MODEL", c.GeminiModel)
	c.BackendTimeoutSeconds = envIntOrDefault("BACKEND_TIMEOUT_SECONDS", c.BackendTimeoutSeconds)

	c.DBKind = envOrDefault("DB_KIND", c.DBKind)
	c.DBPath = envOrDefault("DB_PATH", c.DBPath)
	c.DynamoTable = envOrDefault("DYNAMO_TABLE", c.DynamoTable)
	c.DynamoEndpoint = envOrDefault("DYNAMO_ENDPOINT", c.DynamoEndpoint)
	c.ParamPrefix = envOrDefault("PARAM_PREFIX", c.ParamPrefix)

	c.SuppressEnabled = envBoolOrDefault("RELAY_SUPPRESS_ENABLED", c.SuppressEnabled)
	c.SuppressReaction = envOrDefault("RELAY_SUPPRESS_REACTION", c.SuppressReaction)
	c.ChunkSize = envIntOrDefault("RELAY_CHUNK_SIZE", c.ChunkSize)
	c.ChunkDelayMS = envIntOrDefault("RELAY_CHUNK_DELAY_MS", c.ChunkDelayMS)

	c.NewMarker = envOrDefault("RELAY_NEW_MARKER", c.NewMarker)
	c.ImageMarker = envOrDefault("RELAY_IMAGE_MARKER", c.ImageMarker)
	c.ChatMarker = envOrDefault("RELAY_CHAT_MARKER", c.ChatMarker)

	c.LogLevel = envOrDefault("LOG_LEVEL", c.LogLevel)
	c.LogPretty = envBoolOrDefault("LOG_PRETTY", c.LogPretty)
	c.MetricsAddr = envOrDefault("METRICS_ADDR", c.MetricsAddr)

	c.DummyPollScript = envOrDefault("RELAY_DUMMY_POLL_SCRIPT", c.DummyPollScript)
	c.DummySendScript = envOrDefault("RELAY_DUMMY_SEND_SCRIPT", c.DummySendScript)
	c.DummyChatScript = envOrDefault("RELAY_DUMMY_CHAT_SCRIPT", c.DummyChatScript)
	c.DummyImageScript = envOrDefault("RELAY_DUMMY_IMAGE_SCRIPT", c.DummyImageScript)
}

// ResolveSecrets fills empty secrets needed by the selected gateway and
// backend from SSM under ParamPrefix. It is a no-op without a prefix.
func (c *Config) ResolveSecrets(ctx context.Context, getter paramstore.Getter) error {
	if c.ParamPrefix == "" {
		return nil
	}
	wanted := []struct {
		needed bool
		target *string
		leaf   string
	}{
		{c.Gateway == "telegram", &c.TelegramToken, "telegram_bot_token"},
		{c.ModelBackend == "openai", &c.OpenAIAPIKey, "openai_api_key"},
		{c.ModelBackend == "gemini", &c.GeminiAPIKey, "gemini_api_key"},
	}
	for _, w := range wanted {
		if !w.needed || *w.target != "" {
			continue
		}
		v, err := getter.GetParameter(ctx, paramstore.Path(c.ParamPrefix, w.leaf))
		if err != nil {
			return fmt.Errorf("resolve %s: %w", w.leaf, err)
		}
		*w.target = v
	}
	return nil
}

// Validate reports every invalid or missing option at once.
func (c Config) Validate() error {
	var errs []error
	oneOf := func(key, v string, allowed ...string) {
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), v))
	}
	positive := func(key string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %d", key, v))
		}
	}

	oneOf("RELAY_GATEWAY", c.Gateway, "telegram", "dummy")
	oneOf("RELAY_MODE", c.Mode, "durable", "ephemeral")
	oneOf("RELAY_PERSONA_ROLE", c.PersonaRole, "system", "assistant")
	oneOf("MODEL_BACKEND", c.ModelBackend, "openai", "local", "gemini", "dummy")
	oneOf("DB_KIND", c.DBKind, "sqlite", "dynamodb", "bolt")
	positive("RELAY_HISTORY_WINDOW", c.HistoryWindow)
	positive("RELAY_CHUNK_SIZE", c.ChunkSize)
	if c.ChunkDelayMS < 0 {
		errs = append(errs, fmt.Errorf("RELAY_CHUNK_DELAY_MS must be >= 0, got %d", c.ChunkDelayMS))
	}
	if c.BackendTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("BACKEND_TIMEOUT_SECONDS must be >= 0, got %d", c.BackendTimeoutSeconds))
	}

	if c.Gateway == "telegram" && c.TelegramToken == "" {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN is required when RELAY_GATEWAY=telegram"))
	}
	if c.ModelBackend == "openai" && c.OpenAIAPIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required when MODEL_BACKEND=openai"))
	}
	if c.ModelBackend == "gemini" && c.GeminiAPIKey == "" {
		errs = append(errs, errors.New("GEMINI_API_KEY is required when MODEL_BACKEND=gemini"))
	}
	// one durable chat log serves one channel
	if c.Mode == "durable" && c.Gateway != "dummy" && c.ChannelID == 0 {
		errs = append(errs, errors.New("RELAY_CHANNEL_ID is required when RELAY_MODE=durable"))
	}
	if c.DBKind == "dynamodb" && c.DynamoTable == "" {
		errs = append(errs, errors.New("DYNAMO_TABLE is required when DB_KIND=dynamodb"))
	}
	if c.DBKind != "dynamodb" && c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH is required"))
	}
	return errors.Join(errs...)
}

// MetricsEnabled reports whether the metrics listener should start.
func (c Config) MetricsEnabled() bool {
	return c.MetricsAddr != "" && c.MetricsAddr != "off"
}

// ChunkDelay is the pause between reply segments.
func (c Config) ChunkDelay() time.Duration {
	return time.Duration(c.ChunkDelayMS) * time.Millisecond
}

// BackendTimeout is the per-request model timeout; zero disables it.
func (c Config) BackendTimeout() time.Duration {
	return time.Duration(c.BackendTimeoutSeconds) * time.Second
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	for _, s := range []*string{&c.TelegramToken, &c.OpenAIAPIKey, &c.GeminiAPIKey} {
		if *s != "" {
			*s = "***"
		}
	}
	return c
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envInt64OrDefault(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolOrDefault(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true")
}
