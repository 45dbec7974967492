// Command sonobridge is the real-time audio relay server: it bridges a
// telephony WebSocket endpoint to a speech AI pipeline (STT, LLM, TTS) and
// exposes room management over REST.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/redis/go-redis/v9"

	"github.com/sonobridge/sonobridge/internal/config"
	"github.com/sonobridge/sonobridge/internal/history"
	"github.com/sonobridge/sonobridge/internal/observe"
	"github.com/sonobridge/sonobridge/internal/pipeline"
	"github.com/sonobridge/sonobridge/internal/room"
	"github.com/sonobridge/sonobridge/internal/server"
	"github.com/sonobridge/sonobridge/pkg/provider/llm"
	"github.com/sonobridge/sonobridge/pkg/provider/llm/anyllm"
	"github.com/sonobridge/sonobridge/pkg/provider/llm/openai"
	"github.com/sonobridge/sonobridge/pkg/provider/stt"
	sttdeepgram "github.com/sonobridge/sonobridge/pkg/provider/stt/deepgram"
	"github.com/sonobridge/sonobridge/pkg/provider/tts"
	ttsdeepgram "github.com/sonobridge/sonobridge/pkg/provider/tts/deepgram"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// Provider keys usually live in a .env next to the config.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "sonobridge: load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sonobridge: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sonobridge: %v\n", err)
		}
		return 1
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("sonobridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"ws_path", cfg.Server.WSPath,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	hist, err := buildHistory(cfg.History)
	if err != nil {
		slog.Error("failed to build history store", "err", err)
		return 1
	}

	rooms, err := buildRoomStore(ctx, cfg.Rooms)
	if err != nil {
		slog.Error("failed to build room store", "err", err)
		return 1
	}

	opts := []server.Option{
		server.WithVersion(version),
		server.WithHistory(hist),
		server.WithRoomStore(rooms),
	}
	if proc, ok := buildPipeline(cfg, hist); ok {
		opts = append(opts, server.WithProcessor(proc))
	} else {
		slog.Warn("no llm provider configured; sessions run relay-only")
	}

	srv := server.New(*cfg, opts...)
	slog.Info("server ready")
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildPipeline constructs the speech processor from the configured
// providers. Returns ok=false when no LLM is configured, in which case the
// relay runs without AI processing.
func buildPipeline(cfg *config.Config, hist history.Store) (*pipeline.Processor, bool) {
	llmP, err := buildLLM(cfg.Providers.LLM)
	if err != nil {
		slog.Error("llm provider unavailable", "name", cfg.Providers.LLM.Name, "err", err)
		return nil, false
	}
	if llmP == nil {
		return nil, false
	}

	var sttP stt.Provider
	if entry := cfg.Providers.STT; entry.Name != "" {
		var opts []sttdeepgram.Option
		if entry.Model != "" {
			opts = append(opts, sttdeepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, sttdeepgram.WithBaseURL(entry.BaseURL))
		}
		p, err := sttdeepgram.New(entry.APIKey, opts...)
		if err != nil {
			slog.Error("stt provider unavailable", "name", entry.Name, "err", err)
		} else {
			sttP = p
		}
	}

	var ttsP tts.Provider
	if entry := cfg.Providers.TTS; entry.Name != "" {
		var opts []ttsdeepgram.Option
		if entry.Model != "" {
			opts = append(opts, ttsdeepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, ttsdeepgram.WithBaseURL(entry.BaseURL))
		}
		p, err := ttsdeepgram.New(entry.APIKey, opts...)
		if err != nil {
			slog.Error("tts provider unavailable", "name", entry.Name, "err", err)
		} else {
			ttsP = p
		}
	}

	var popts []pipeline.Option
	if cfg.Providers.LLM.SystemPrompt != "" {
		popts = append(popts, pipeline.WithSystemPrompt(cfg.Providers.LLM.SystemPrompt))
	}
	popts = append(popts, pipeline.WithAudioConfig(stt.AudioConfig{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		Language:   cfg.Providers.STT.Language,
	}))

	return pipeline.New(sttP, llmP, ttsP, hist, popts...), true
}

// buildLLM constructs the configured LLM provider. An empty name returns
// (nil, nil).
func buildLLM(entry config.ProviderEntry) (llm.Provider, error) {
	switch entry.Name {
	case "":
		return nil, nil
	case "openai":
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	default:
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(entry.Name, entry.Model, opts...)
	}
}

// buildHistory constructs the conversation history store.
func buildHistory(cfg config.HistoryConfig) (history.Store, error) {
	switch cfg.Backend {
	case config.HistoryRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		slog.Info("using redis conversation history", "addr", cfg.RedisAddr, "max_turns", cfg.MaxTurns)
		return history.NewRedis(client, cfg.MaxTurns), nil
	case config.HistoryMemory:
		return history.NewMemory(cfg.MaxTurns), nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.Backend)
	}
}

// buildRoomStore constructs the room store, migrating the schema when a
// database is configured.
func buildRoomStore(ctx context.Context, cfg config.RoomsConfig) (room.Store, error) {
	if cfg.PostgresDSN == "" {
		return room.NewMemoryStore(), nil
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := room.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	slog.Info("using postgres room store")
	return store, nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
