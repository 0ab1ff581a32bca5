package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func setupRelayEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TELEGRAM_BOT_TOKEN", "test-token")
	t.Setenv("OPENAI_API_KEY", "test-key")
	t.Setenv("RELAY_GATEWAY", "telegram")
	t.Setenv("MODEL_BACKEND", "openai")
	t.Setenv("RELAY_CHANNEL_ID", "-100")
}

func TestLoad_Defaults(t *testing.T) {
	setupRelayEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if cfg.ChunkSize != 2000 || cfg.ChunkDelay().Milliseconds() != 1000 || cfg.HistoryWindow != 20 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.NewMarker != "!new" || cfg.ImageMarker != "!image" || cfg.ChatMarker != "" {
		t.Fatalf("unexpected markers: %+v", cfg)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	setupRelayEnv(t)
	t.Setenv("RELAY_MODE", "ephemeral")
	t.Setenv("RELAY_CHANNEL_ID", "-1001234567890")
	t.Setenv("RELAY_SUPPRESS_ENABLED", "false")
	t.Setenv("RELAY_CHUNK_SIZE", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != "ephemeral" || cfg.ChannelID != -1001234567890 || cfg.SuppressEnabled {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.ChunkSize != 2000 {
		t.Fatalf("invalid int must fall back, got %d", cfg.ChunkSize)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	setupRelayEnv(t)
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte("mode: ephemeral\nchunk_size: 500\nbot_name: Kit\nopenai_model: gpt-4o\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RELAY_CONFIG_FILE", path)
	t.Setenv("OPENAI_MODEL", "gpt-4.1-mini")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != "ephemeral" || cfg.ChunkSize != 500 || cfg.BotName != "Kit" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.OpenAIModel != "gpt-4.1-mini" {
		t.Fatalf("env must override file, got %q", cfg.OpenAIModel)
	}
	if cfg.HistoryWindow != 20 {
		t.Fatalf("keys absent from file keep defaults, got %d", cfg.HistoryWindow)
	}
}

func TestLoad_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte("mode: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RELAY_CONFIG_FILE", path)
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "parse config file") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestValidate_RequiredSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.DBKind = "dynamodb"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"TELEGRAM_BOT_TOKEN", "OPENAI_API_KEY", "DYNAMO_TABLE", "RELAY_CHANNEL_ID"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %s in %v", want, err)
		}
	}
}

func TestValidate_Enums(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway = "dummy"
	cfg.ModelBackend = "dummy"
	cfg.Mode = "sometimes"
	cfg.PersonaRole = "user"
	cfg.ChunkSize = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"RELAY_MODE", "RELAY_PERSONA_ROLE", "RELAY_CHUNK_SIZE"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %s in %v", want, err)
		}
	}

	local := Defaults()
	local.Gateway = "dummy"
	local.ModelBackend = "local"
	if err := local.Validate(); err != nil {
		t.Fatalf("local backend needs no key: %v", err)
	}
}

func TestValidate_DurableNeedsChannel(t *testing.T) {
	cfg := Defaults()
	cfg.TelegramToken = "t"
	cfg.OpenAIAPIKey = "k"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "RELAY_CHANNEL_ID") {
		t.Fatalf("durable mode without a channel must be rejected, got %v", err)
	}

	cfg.ChannelID = -100
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	cfg.ChannelID = 0
	cfg.Mode = "ephemeral"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("ephemeral windows are per participant, got %v", err)
	}

	cfg.Mode = "durable"
	cfg.Gateway = "dummy"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("the scripted gateway has a single channel, got %v", err)
	}
}

type fakeGetter map[string]string

func (f fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	v, ok := f[name]
	if !ok {
		return "", errors.New("ParameterNotFound: " + name)
	}
	return v, nil
}

func TestResolveSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.ParamPrefix = "/chatrelay/prod"
	cfg.OpenAIAPIKey = "from-env"
	getter := fakeGetter{
		"/chatrelay/prod/telegram_bot_token": "123:abc",
		"/chatrelay/prod/openai_api_key":     "from-ssm",
	}
	if err := cfg.ResolveSecrets(context.Background(), getter); err != nil {
		t.Fatal(err)
	}
	if cfg.TelegramToken != "123:abc" {
		t.Fatalf("token not resolved: %q", cfg.TelegramToken)
	}
	if cfg.OpenAIAPIKey != "from-env" {
		t.Fatalf("explicit secrets must win, got %q", cfg.OpenAIAPIKey)
	}

	cfg = Defaults()
	cfg.ParamPrefix = "/chatrelay/prod"
	cfg.ModelBackend = "gemini"
	if err := cfg.ResolveSecrets(context.Background(), getter); err == nil || !strings.Contains(err.Error(), "gemini_api_key") {
		t.Fatalf("expected gemini resolution error, got %v", err)
	}

	noPrefix := Defaults()
	if err := noPrefix.ResolveSecrets(context.Background(), nil); err != nil {
		t.Fatalf("no prefix must be a no-op: %v", err)
	}
}

func TestRedacted(t *testing.T) {
	cfg := Defaults()
	cfg.OpenAIAPIKey = "sk-secret"
	r := cfg.Redacted()
	if r.OpenAIAPIKey != "***" || r.TelegramToken != "" {
		t.Fatalf("unexpected redaction: %+v", r)
	}
	if cfg.OpenAIAPIKey != "sk-secret" {
		t.Fatal("Redacted must not modify the receiver")
	}
}

func TestLoadFrom_ExplicitPathAndMetricsToggle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte("metrics_addr: \"off\"\ndb_kind: bolt\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RELAY_CONFIG_FILE", "/does/not/exist.yaml")
	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBKind != "bolt" || cfg.MetricsEnabled() {
		t.Fatalf("unexpected config: kind=%s metrics=%v", cfg.DBKind, cfg.MetricsEnabled())
	}
	if !Defaults().MetricsEnabled() {
		t.Fatal("metrics must be on by default")
	}
}
