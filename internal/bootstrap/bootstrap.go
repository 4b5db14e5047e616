// Package bootstrap wires configuration into running components.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"

	"github.com/thebtf/coachnote/internal/config"
	"github.com/thebtf/coachnote/internal/conversation"
	gormdb "github.com/thebtf/coachnote/internal/db/gorm"
	"github.com/thebtf/coachnote/internal/db/sqlite"
	"github.com/thebtf/coachnote/internal/notebook"
	"github.com/thebtf/coachnote/internal/persona"
	"github.com/thebtf/coachnote/internal/report"
	"github.com/thebtf/coachnote/internal/server"
	"github.com/thebtf/coachnote/internal/session"
	"github.com/thebtf/coachnote/internal/sse"
	"github.com/thebtf/coachnote/internal/storage"
	"github.com/thebtf/coachnote/internal/watcher"
)

const redisNamespace = "coachnote:"

// Storage is the persistence half of the application. CLI commands that
// never call the model only need this.
type Storage struct {
	Registry *session.Registry
	Tiers    notebook.Tiers
	closers  []func() error
}

// Close releases every opened backend.
func (s *Storage) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// App is the fully wired service.
type App struct {
	*Storage

	Config    *config.Config
	ConfigErr error
	Personas  *persona.Source
	Events    *sse.Broadcaster
	Turns     *conversation.Service
	Server    *server.Service

	personaWatch *watcher.Watcher
}

// OpenStorage builds the session registry and notebook tiers for cfg.
func OpenStorage(cfg *config.Config) (*Storage, error) {
	if err := cfg.ValidateStorage(); err != nil {
		return nil, err
	}
	st := &Storage{}

	primary, err := st.backend(cfg, cfg.StorageKind)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	st.Registry = session.NewRegistry(primary)

	if cfg.StorageKind == string(storage.KindRemote) {
		st.Tiers.Remote = notebook.NewBackendStore(primary)
	} else {
		st.Tiers.Durable = notebook.NewBackendStore(primary)
	}

	if cfg.NotebookDriver != "" {
		dsn := cfg.DatabaseDSN
		if dsn == "" {
			dsn = filepath.Join(config.DataDir(), "notebooks.db")
		}
		db, err := gormdb.NewStore(gormdb.Config{
			Driver:   cfg.NotebookDriver,
			DSN:      dsn,
			MaxConns: cfg.MaxConns,
			LogLevel: logger.Silent,
		})
		if err != nil {
			_ = st.Close()
			return nil, &config.Error{Code: config.CodeDatabase, Field: "COACHNOTE_DATABASE_DSN", Message: err.Error()}
		}
		st.closers = append(st.closers, db.Close)
		st.Tiers.Durable = gormdb.NewNotebookStore(db)
	}

	switch cfg.CacheKind {
	case "none":
	case string(storage.KindRedis):
		cache, err := st.backend(cfg, cfg.CacheKind)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		st.Tiers.Cache = notebook.NewBackendStore(cache)
	default:
		st.Tiers.Cache = notebook.NewBackendStore(storage.NewMemory())
	}

	log.Info().
		Str("storage", cfg.StorageKind).
		Str("cache", cfg.CacheKind).
		Str("notebookDB", cfg.NotebookDriver).
		Msg("Storage opened")
	return st, nil
}

func (s *Storage) backend(cfg *config.Config, kind string) (storage.Backend, error) {
	switch storage.Kind(kind) {
	case storage.KindFilesystem:
		fs, err := storage.NewFilesystem(cfg.StorageDir)
		if err != nil {
			return nil, storageError("COACHNOTE_STORAGE_DIR", err)
		}
		return fs, nil
	case storage.KindSQLite:
		db, err := sqlite.NewStore(sqlite.StoreConfig{Path: cfg.SQLitePath, MaxConns: cfg.MaxConns, WALMode: true})
		if err != nil {
			return nil, storageError("COACHNOTE_SQLITE_PATH", err)
		}
		s.closers = append(s.closers, db.Close)
		return sqlite.NewKV(db), nil
	case storage.KindRemote:
		remote, err := storage.NewRemote(storage.RemoteConfig{BaseURL: cfg.RemoteURL, Token: cfg.RemoteToken})
		if err != nil {
			return nil, storageError("COACHNOTE_REMOTE_URL", err)
		}
		return remote, nil
	case storage.KindRedis:
		r, err := storage.NewRedis(storage.RedisConfig{URL: cfg.RedisURL, Namespace: redisNamespace, TTL: cfg.RedisTTL()})
		if err != nil {
			return nil, storageError("COACHNOTE_REDIS_URL", err)
		}
		s.closers = append(s.closers, r.Close)
		return r, nil
	case storage.KindMemory:
		return storage.NewMemory(), nil
	}
	return nil, storageError("COACHNOTE_STORAGE", fmt.Errorf("unknown storage kind %q", kind))
}

func storageError(field string, err error) error {
	return &config.Error{Code: config.CodeStorage, Field: field, Message: err.Error()}
}

// New wires the whole service. A configuration that fails Validate still
// yields an App: its server answers turn and registration requests with
// 503 and the configuration error code instead of refusing to start.
func New(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	st, err := OpenStorage(cfg)
	if err != nil {
		return nil, err
	}
	app := &App{
		Storage: st,
		Config:  cfg,
		Events:  sse.NewBroadcaster(),
	}

	app.Personas, err = persona.NewSource(cfg.PersonaFile)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.PersonaFile).Msg("Persona file unusable, using built-in persona")
		app.Personas, _ = persona.NewSource("")
	}
	if app.Personas.Path() != "" {
		if w, err := app.Personas.Watch(); err != nil {
			log.Warn().Err(err).Msg("Persona hot reload disabled")
		} else {
			app.personaWatch = w
		}
	}

	app.ConfigErr = cfg.Validate()
	if app.ConfigErr == nil {
		app.Turns, app.ConfigErr = newTurns(ctx, cfg, st, app.Personas, app.Events)
	}
	if app.ConfigErr != nil {
		log.Error().Err(app.ConfigErr).Msg("Service misconfigured, turns will be rejected")
	}

	app.Server = server.New(server.Options{
		Version:   version,
		Config:    cfg,
		ConfigErr: app.ConfigErr,
		Registry:  st.Registry,
		Tiers:     st.Tiers,
		Turns:     app.Turns,
		Events:    app.Events,
	})
	return app, nil
}

func newTurns(ctx context.Context, cfg *config.Config, st *Storage, personas *persona.Source, events *sse.Broadcaster) (*conversation.Service, error) {
	chat, err := report.NewChatModel(ctx, report.LLMConfig{
		APIKey:    cfg.LLMAPIKey,
		BaseURL:   cfg.LLMBaseURL,
		Model:     cfg.Model,
		Timeout:   cfg.LLMTimeout(),
		MaxTokens: cfg.LLMMaxTokens,
	})
	if err != nil {
		return nil, &config.Error{Code: config.CodeAPIKey, Field: "COACHNOTE_LLM_API_KEY", Message: err.Error()}
	}

	gen := report.NewGeneratorWithModel(chat, cfg.TranscriptTokens)
	return conversation.NewService(conversation.Deps{
		Resolver:        session.NewResolver(st.Registry),
		Tiers:           st.Tiers,
		Personas:        personas,
		Trigger:         report.NewTrigger(gen, cfg.ReportTimeout()),
		Replier:         conversation.NewLLMReplier(chat, conversation.DefaultHistoryMessages),
		Events:          events,
		Metrics:         conversation.NewMetrics(nil),
		ResolveAttempts: cfg.ResolveAttempts,
		ResolveDelay:    cfg.ResolveDelay(),
	}), nil
}

// Close stops the persona watcher and releases storage.
func (a *App) Close() error {
	if a.personaWatch != nil {
		if err := a.personaWatch.Stop(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop persona watcher")
		}
		a.personaWatch = nil
	}
	return a.Storage.Close()
}

// Shutdown drains the HTTP server within timeout, then closes the app.
func (a *App) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := a.Server.Shutdown(ctx)
	return errors.Join(err, a.Close())
}
