package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/chatrelay/internal/boltstore"
	"github.com/stupiduntilnot/chatrelay/internal/config"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/dispatch"
	"github.com/stupiduntilnot/chatrelay/internal/dummy"
	"github.com/stupiduntilnot/chatrelay/internal/gateway"
	"github.com/stupiduntilnot/chatrelay/internal/gemini"
	"github.com/stupiduntilnot/chatrelay/internal/logger"
	"github.com/stupiduntilnot/chatrelay/internal/model"
	"github.com/stupiduntilnot/chatrelay/internal/openai"
	"github.com/stupiduntilnot/chatrelay/internal/paramstore"
	"github.com/stupiduntilnot/chatrelay/internal/persona"
	"github.com/stupiduntilnot/chatrelay/internal/repository"
	"github.com/stupiduntilnot/chatrelay/internal/telegram"
)

// loadConfig reads the configuration. With full set, secrets are resolved
// from SSM and every option is validated; storage-only commands skip that.
func loadConfig(ctx context.Context, full bool) (config.Config, error) {
	path := configFile
	if path == "" {
		path = os.Getenv("RELAY_CONFIG_FILE")
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return cfg, err
	}
	if !full {
		return cfg, nil
	}
	if cfg.ParamPrefix != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return cfg, fmt.Errorf("load aws config: %w", err)
		}
		store, err := paramstore.New(ssm.NewFromConfig(awsCfg))
		if err != nil {
			return cfg, err
		}
		if err := cfg.ResolveSecrets(ctx, store); err != nil {
			return cfg, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config) zerolog.Logger {
	return logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Output: os.Stderr})
}

func newGateway(cfg config.Config) (gateway.Gateway, error) {
	switch cfg.Gateway {
	case "telegram":
		// the HTTP timeout must outlast the long poll
		return telegram.NewClient(
			telegram.APIBase(cfg.TelegramAPIBase, cfg.TelegramToken),
			time.Duration(cfg.PollTimeout+20)*time.Second,
		), nil
	case "dummy":
		return dummy.NewGateway(cfg.DummyPollScript, cfg.DummySendScript, cfg.ChannelID)
	default:
		return nil, fmt.Errorf("unsupported gateway: %s", cfg.Gateway)
	}
}

func newBackend(ctx context.Context, cfg config.Config) (model.Backend, error) {
	switch cfg.ModelBackend {
	case "openai", "local":
		opts := []openai.Option{
			openai.WithBaseURL(cfg.OpenAIBaseURL),
			openai.WithImage(cfg.ImageModel, cfg.ImageQuality, cfg.ImageSize),
			openai.WithSuppress(cfg.SuppressEnabled),
		}
		if cfg.ModelBackend == "local" {
			opts = append(opts, openai.WithFlavor(openai.FlavorLocal))
			if cfg.LocalImageURL != "" {
				opts = append(opts, openai.WithImageURL(cfg.LocalImageURL))
			}
		}
		return openai.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.BackendTimeout(), opts...)
	case "gemini":
		return gemini.NewClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.BackendTimeout(), cfg.SuppressEnabled)
	case "dummy":
		return dummy.NewBackend(cfg.DummyChatScript, cfg.DummyImageScript)
	default:
		return nil, fmt.Errorf("unsupported model backend: %s", cfg.ModelBackend)
	}
}

func newPersona(cfg config.Config, log zerolog.Logger) (persona.Source, *persona.File, error) {
	text := cfg.Persona
	if text == "" {
		text = persona.Default
	}
	if cfg.PersonaFile == "" {
		return persona.Static(text), nil, nil
	}
	f, err := persona.LoadFile(cfg.PersonaFile, text, logger.Component(log, "persona"))
	if err != nil {
		return nil, nil, err
	}
	return f, f, nil
}

// stores bundles the durable backends selected by DB_KIND. events is nil
// for DynamoDB, which keeps no audit log.
type stores struct {
	profiles dispatch.ProfileStore
	chatLog  dispatch.ChatLog
	events   dispatch.EventLog
	closers  []func() error
}

func (s *stores) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	switch cfg.DBKind {
	case "sqlite":
		database, err := openSQLite(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		store := &db.Store{DB: database}
		return &stores{profiles: store, chatLog: store, events: store, closers: []func() error{database.Close}}, nil
	case "bolt":
		store, err := boltstore.Open(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		return &stores{profiles: store, chatLog: store, events: store, closers: []func() error{store.Close}}, nil
	case "dynamodb":
		client, err := newDynamo(ctx, cfg)
		if err != nil {
			return nil, err
		}
		repo, err := repository.New(client, cfg.DynamoTable)
		if err != nil {
			return nil, err
		}
		return &stores{profiles: repo, chatLog: repo}, nil
	default:
		return nil, fmt.Errorf("unsupported db kind: %s", cfg.DBKind)
	}
}

func openSQLite(path string) (*sql.DB, error) {
	database, err := db.OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return database, nil
}

func newDynamo(ctx context.Context, cfg config.Config) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
		}
	}), nil
}

// logProcess writes a process lifecycle event when the store keeps an audit
// log and returns its id, or nil.
func logProcess(ctx context.Context, events dispatch.EventLog, parentID *int64, eventType string, payload map[string]any, log zerolog.Logger) *int64 {
	if events == nil {
		return nil
	}
	id, err := events.LogEvent(ctx, parentID, eventType, payload)
	if err != nil {
		log.Warn().Err(err).Str("event", eventType).Msg("failed to log process event")
		return nil
	}
	return &id
}
