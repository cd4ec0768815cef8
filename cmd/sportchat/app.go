package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/atotto/clipboard"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/sportsphere/sportchat/internal/backend"
	"github.com/sportsphere/sportchat/internal/chat"
	"github.com/sportsphere/sportchat/internal/config"
	"github.com/sportsphere/sportchat/internal/db"
	"github.com/sportsphere/sportchat/internal/metrics"
	"github.com/sportsphere/sportchat/internal/models"
	"github.com/sportsphere/sportchat/internal/ollama"
	"github.com/sportsphere/sportchat/internal/store"
)

// app holds everything a command needs to talk to the assistant.
type app struct {
	database *sql.DB
	queries  *db.Queries
	store    *store.Store
	session  *chat.Session
	registry *prometheus.Registry
}

type appOptions struct {
	// clipboard enables copying shared transcripts in this process.
	clipboard bool
}

// newApp opens local storage and builds the session for the configured mode. In
// backend mode the backend owns conversation records and only pins are stored
// locally; in ollama mode the whole store is kept in the local database.
func newApp(cfg *config.Config, logger *zap.Logger, opts appOptions) (*app, error) {
	dbPath := cfg.Storage.DatabasePath
	if dbPath == "" {
		p, err := db.DBPath()
		if err != nil {
			return nil, err
		}
		dbPath = p
	}
	database, err := db.Open(dbPath)
	if err != nil {
		return nil, err
	}
	queries := db.NewQueries(database)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	storeOpts := []store.Option{
		store.WithIDFunc(models.IDFuncFor(cfg.Storage.IDFormat)),
		store.WithLogger(logger.Named("store")),
	}

	sessionCfg := chat.Config{
		Pins:           queries,
		Logger:         logger,
		Metrics:        m,
		RequestTimeout: cfg.RequestTimeout(),
		TitleTimeout:   cfg.TitleTimeout(),
	}
	if opts.clipboard {
		sessionCfg.Clipboard = chat.ClipboardFunc(clipboard.WriteAll)
	}

	var st *store.Store
	switch cfg.Mode {
	case config.ModeOllama:
		client := ollama.New(cfg.Ollama.BaseURL, cfg.Ollama.Model,
			ollama.WithTitleModel(cfg.Ollama.TitleModel),
			ollama.WithLogger(logger.Named("ollama")),
			ollama.WithMetrics(m),
		)
		state, err := queries.LoadState()
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("loading saved conversations: %w", err)
		}
		st = store.New(append(storeOpts, store.WithPersister(queries))...)
		st.Restore(state)
		sessionCfg.Transport = client
		sessionCfg.Titler = client
	default:
		client := backend.New(cfg.Backend.BaseURL, cfg.Backend.Model,
			backend.WithLogger(logger.Named("backend")),
			backend.WithMetrics(m),
		)
		st = store.New(storeOpts...)
		sessionCfg.Transport = client
		sessionCfg.Titler = client
		sessionCfg.Remote = client
	}
	sessionCfg.Store = st

	return &app{
		database: database,
		queries:  queries,
		store:    st,
		session:  chat.NewSession(sessionCfg),
		registry: registry,
	}, nil
}

// refresh loads the conversation listing. A failure is reported but not fatal: the
// session still has a draft to chat in.
func (a *app) refresh(ctx context.Context) {
	if err := a.session.Refresh(ctx); err != nil {
		fmt.Printf("%s %v\n", warnStyle.Render("warning:"), err)
	}
}

func (a *app) close() {
	a.session.Close()
	a.database.Close()
}
