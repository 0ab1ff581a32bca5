package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/chatrelay/internal/config"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/domain"
	"github.com/stupiduntilnot/chatrelay/internal/dummy"
	"github.com/stupiduntilnot/chatrelay/internal/openai"
	"github.com/stupiduntilnot/chatrelay/internal/persona"
	"github.com/stupiduntilnot/chatrelay/internal/telegram"
)

// relayEnv pins every variable the commands read so the host environment
// cannot leak into a test.
func relayEnv(t *testing.T, dbPath string) {
	t.Helper()
	for _, key := range []string{
		"RELAY_CONFIG_FILE", "TELEGRAM_BOT_TOKEN", "OPENAI_API_KEY", "GEMINI_API_KEY",
		"PARAM_PREFIX", "RELAY_PERSONA", "RELAY_PERSONA_FILE", "RELAY_CHANNEL_ID",
		"RELAY_CHAT_MARKER", "RELAY_BOT_NAME", "RELAY_HISTORY_WINDOW", "RELAY_DUMMY_SEND_SCRIPT", "RELAY_DUMMY_IMAGE_SCRIPT",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("RELAY_GATEWAY", "dummy")
	t.Setenv("MODEL_BACKEND", "dummy")
	t.Setenv("RELAY_MODE", "durable")
	t.Setenv("DB_KIND", "sqlite")
	t.Setenv("DB_PATH", dbPath)
	t.Setenv("METRICS_ADDR", "off")
	t.Setenv("LOG_LEVEL", "disabled")
	t.Setenv("RELAY_CHUNK_DELAY_MS", "0")
	t.Setenv("TG_SLEEP_SECONDS", "1")

	prev := configFile
	configFile = ""
	t.Cleanup(func() { configFile = prev })
}

func TestLoadConfig_FullValidates(t *testing.T) {
	relayEnv(t, filepath.Join(t.TempDir(), "relay.db"))
	t.Setenv("RELAY_GATEWAY", "telegram")

	_, err := loadConfig(context.Background(), false)
	require.NoError(t, err, "storage-only load skips validation")

	_, err = loadConfig(context.Background(), true)
	require.ErrorContains(t, err, "TELEGRAM_BOT_TOKEN")
}

func TestLoadConfig_FlagFile(t *testing.T) {
	relayEnv(t, filepath.Join(t.TempDir(), "relay.db"))

	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("history_window: 7\nbot_name: Robo\n"), 0o644))
	configFile = path

	cfg, err := loadConfig(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.HistoryWindow)
	require.Equal(t, "Robo", cfg.BotName)
}

func TestNewGateway(t *testing.T) {
	cfg := config.Defaults()

	cfg.Gateway = "telegram"
	cfg.TelegramToken = "123:abc"
	gw, err := newGateway(cfg)
	require.NoError(t, err)
	require.IsType(t, &telegram.Client{}, gw)

	cfg.Gateway = "dummy"
	gw, err = newGateway(cfg)
	require.NoError(t, err)
	require.IsType(t, &dummy.Gateway{}, gw)

	cfg.Gateway = "discord"
	_, err = newGateway(cfg)
	require.ErrorContains(t, err, "unsupported gateway")
}

func TestNewBackend(t *testing.T) {
	ctx := context.Background()
	cfg := config.Defaults()

	cfg.ModelBackend = "dummy"
	b, err := newBackend(ctx, cfg)
	require.NoError(t, err)
	require.IsType(t, &dummy.Backend{}, b)

	cfg.ModelBackend = "openai"
	cfg.OpenAIAPIKey = ""
	_, err = newBackend(ctx, cfg)
	require.Error(t, err, "hosted openai needs a key")

	cfg.OpenAIAPIKey = "sk-test"
	b, err = newBackend(ctx, cfg)
	require.NoError(t, err)
	require.IsType(t, &openai.Client{}, b)

	cfg.ModelBackend = "local"
	cfg.OpenAIAPIKey = ""
	cfg.LocalImageURL = "http://127.0.0.1:7860/generate"
	b, err = newBackend(ctx, cfg)
	require.NoError(t, err, "local servers need no key")
	require.IsType(t, &openai.Client{}, b)

	cfg.ModelBackend = "gemini"
	cfg.GeminiAPIKey = ""
	_, err = newBackend(ctx, cfg)
	require.ErrorContains(t, err, "api key")

	cfg.ModelBackend = "claude"
	_, err = newBackend(ctx, cfg)
	require.ErrorContains(t, err, "unsupported model backend")
}

func TestNewPersona(t *testing.T) {
	cfg := config.Defaults()
	cfg.Persona = ""
	cfg.PersonaFile = ""

	src, file, err := newPersona(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.Nil(t, file)
	require.Equal(t, persona.Default, src.Persona())

	cfg.Persona = "You are a pirate."
	src, _, err = newPersona(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, "You are a pirate.", src.Persona())

	path := filepath.Join(t.TempDir(), "persona.txt")
	require.NoError(t, os.WriteFile(path, []byte("You are a librarian.\n"), 0o644))
	cfg.PersonaFile = path
	src, file, err = newPersona(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, file)
	require.Equal(t, "You are a librarian.", src.Persona())
}

func TestOpenStores(t *testing.T) {
	ctx := context.Background()
	for _, kind := range []string{"sqlite", "bolt"} {
		t.Run(kind, func(t *testing.T) {
			cfg := config.Defaults()
			cfg.DBKind = kind
			cfg.DBPath = filepath.Join(t.TempDir(), "relay."+kind)

			st, err := openStores(ctx, cfg)
			require.NoError(t, err)
			require.NotNil(t, st.events)

			p, err := st.profiles.FindOrCreate(ctx, "alice", "Alice")
			require.NoError(t, err)
			require.Equal(t, "alice", p.Username)

			require.NoError(t, st.chatLog.Append(ctx,
				domain.NewEntry(p, "hello"),
				domain.NewEntry(domain.Sentinel(), "hi alice"),
			))
			recent, err := st.chatLog.Recent(ctx, 10)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			require.Equal(t, "hello", recent[0].Text)
			require.True(t, recent[1].Participant.IsSentinel())

			id := logProcess(ctx, st.events, nil, db.EventProcessStarted, map[string]any{"pid": 1}, zerolog.Nop())
			require.NotNil(t, id)
			require.NoError(t, st.Close())
		})
	}

	cfg := config.Defaults()
	cfg.DBKind = "postgres"
	_, err := openStores(ctx, cfg)
	require.ErrorContains(t, err, "unsupported db kind")
}

func TestLogProcess_NoEventLog(t *testing.T) {
	require.Nil(t, logProcess(context.Background(), nil, nil, db.EventProcessStarted, nil, zerolog.Nop()))
}

func TestSuppressReaction(t *testing.T) {
	require.Equal(t, "", suppressReaction(false, "👀"))
	require.Equal(t, "👀", suppressReaction(true, "👀"))
}

func TestModelName(t *testing.T) {
	cfg := config.Defaults()
	cfg.ModelBackend = "gemini"
	cfg.GeminiModel = "gemini-2.0-flash"
	require.Equal(t, "gemini-2.0-flash", modelName(cfg))
	cfg.ModelBackend = "local"
	cfg.OpenAIModel = "llama3"
	require.Equal(t, "llama3", modelName(cfg))
}
