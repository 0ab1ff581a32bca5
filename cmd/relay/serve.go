package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stupiduntilnot/chatrelay/internal/config"
	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/control"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/dispatch"
	"github.com/stupiduntilnot/chatrelay/internal/logger"
	"github.com/stupiduntilnot/chatrelay/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Poll the gateway and relay messages until interrupted",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx, true)
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	logConfig(log, cfg)

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("closing stores")
		}
	}()

	gw, err := newGateway(cfg)
	if err != nil {
		return fmt.Errorf("failed to init gateway: %w", err)
	}
	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to init model backend: %w", err)
	}
	personaSrc, personaFile, err := newPersona(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to load persona: %w", err)
	}
	m := metrics.New()

	processID := logProcess(ctx, st.events, nil, db.EventProcessStarted, map[string]any{
		"pid":     os.Getpid(),
		"gateway": cfg.Gateway,
		"backend": cfg.ModelBackend,
		"db_kind": cfg.DBKind,
		"mode":    cfg.Mode,
	}, log)

	controller, err := dispatch.New(dispatch.Deps{
		Sender:    gw,
		Backend:   backend,
		Profiles:  st.profiles,
		Log:       st.chatLog,
		Events:    st.events,
		Window:    ctxpkg.NewWindow(),
		Assembler: &ctxpkg.StandardAssembler{PersonaRole: cfg.PersonaRole},
		Persona:   personaSrc,
		Metrics:   m,
		Logger:    logger.Component(log, "dispatch"),
	}, dispatch.Options{
		Mode:             dispatch.Mode(cfg.Mode),
		ChannelID:        cfg.ChannelID,
		HistoryWindow:    cfg.HistoryWindow,
		BotName:          cfg.BotName,
		SuppressReaction: suppressReaction(cfg.SuppressEnabled, cfg.SuppressReaction),
		ChunkSize:        cfg.ChunkSize,
		ChunkDelay:       cfg.ChunkDelay(),
		NewMarker:        cfg.NewMarker,
		ImageMarker:      cfg.ImageMarker,
		ChatMarker:       cfg.ChatMarker,
		ProcessEventID:   processID,
	})
	if err != nil {
		return err
	}

	listener := dispatch.NewListener(gw, controller, dispatch.ListenerConfig{
		PollTimeoutSec: cfg.PollTimeout,
		Sleep:          time.Duration(cfg.SleepSeconds) * time.Second,
		DropPending:    cfg.DropPending && cfg.Gateway == "telegram",
		Breaker:        control.NewCircuitBreaker(5, 30*time.Second),
		Events:         st.events,
		ProcessEventID: processID,
		Metrics:        m,
		Logger:         logger.Component(log, "listener"),
	})

	log.Info().
		Str("gateway", cfg.Gateway).
		Str("backend", cfg.ModelBackend).
		Str("model", modelName(cfg)).
		Str("db_kind", cfg.DBKind).
		Str("mode", cfg.Mode).
		Msg("relay running")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listener.Run(gctx) })
	if personaFile != nil {
		g.Go(func() error { return personaFile.Watch(gctx) })
	}
	if cfg.MetricsEnabled() {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux(m),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	runErr := g.Wait()
	logProcess(context.Background(), st.events, processID, db.EventProcessStopped, map[string]any{
		"error": errString(runErr),
	}, log)
	log.Info().Err(runErr).Msg("relay stopped")
	return runErr
}

// logConfig records the effective configuration with secrets masked.
func logConfig(log zerolog.Logger, cfg config.Config) {
	log.Debug().Interface("config", cfg.Redacted()).Msg("configuration loaded")
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

func suppressReaction(enabled bool, emoji string) string {
	if !enabled {
		return ""
	}
	return emoji
}

func modelName(cfg config.Config) string {
	switch cfg.ModelBackend {
	case "gemini":
		return cfg.GeminiModel
	case "dummy":
		return "dummy"
	default:
		return cfg.OpenAIModel
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
