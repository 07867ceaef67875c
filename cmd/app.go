package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"club-assistant/internal/agent"
	"club-assistant/internal/config"
	"club-assistant/internal/db"
	"club-assistant/internal/directory"
	"club-assistant/internal/embedding"
	"club-assistant/internal/llmservice"
	"club-assistant/internal/memory"
	"club-assistant/internal/parser"
	"club-assistant/internal/rag"
	"club-assistant/internal/retrieval"
)

// app holds the wired components for one process.
type app struct {
	index   *retrieval.Index
	svc     *rag.Service
	closers []func() error
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}

	backend, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	a.index = retrieval.NewIndex(retrieval.Options{
		DataDir:    cfg.RAG.DataDir,
		Extensions: cfg.RAG.Extensions,
		Parser: parser.Options{
			ChunkSize:    cfg.RAG.ChunkSize,
			ChunkOverlap: cfg.RAG.ChunkOverlap,
		},
		RefreshInterval: cfg.RAG.RefreshInterval,
	}, backend)

	dir := directory.NewClient(directory.Options{
		BaseURL:         cfg.Directory.BaseURL,
		Timeout:         cfg.Directory.Timeout,
		DefaultPassword: cfg.Directory.DefaultPassword,
	})
	orch := agent.New(dir, agent.Options{
		MaxSteps:             cfg.Agent.MaxSteps,
		PlannerTemperature:   cfg.LLM.PlannerTemperature,
		ResponderTemperature: cfg.LLM.ResponderTemperature,
		DefaultPassword:      dir.DefaultPassword(),
	})

	prompts, err := rag.LoadPrompts(cfg.Agent.PromptDir)
	if err != nil {
		return nil, err
	}

	history := memory.NewHistory(a.newStore(ctx, cfg), memory.Options{
		LongTermCap:     cfg.Memory.LongTermCap,
		TemporaryWindow: cfg.Memory.TemporaryWindow,
	})

	a.svc = rag.NewService(
		a.index,
		llmservice.NewFactory(cfg.LLM),
		orch,
		agent.NewPolicy(cfg.Agent.Admins),
		history,
		rag.Options{
			LLM:      cfg.LLM,
			TopK:     cfg.RAG.TopK,
			MaxHints: cfg.RAG.MaxHints,
			Prompts:  prompts,
		},
	)

	log.Debug().
		Str("backend", backend.Name()).
		Str("directory", cfg.Directory.BaseURL).
		Str("memory", cfg.Memory.Backend).
		Strs("admins", cfg.Agent.Admins).
		Msg("components wired")
	return a, nil
}

func newBackend(cfg *config.Config) (retrieval.Backend, error) {
	switch strings.ToLower(cfg.RAG.Backend) {
	case "", "lexical":
		return retrieval.NewLexical(), nil
	case "chromem", "vector":
		embedder, err := embedding.NewEmbedder(cfg.EmbedLLM)
		if err != nil {
			return nil, err
		}
		return retrieval.NewVector(cfg.RAG.Collection, embedding.EmbeddingFunc(embedder)), nil
	default:
		return nil, fmt.Errorf("unknown retrieval backend: %s", cfg.RAG.Backend)
	}
}

// newStore returns the configured history store. A Postgres store that
// cannot be reached falls back to process memory.
func (a *app) newStore(ctx context.Context, cfg *config.Config) memory.Store {
	inProcess := memory.NewMemoryStore(max(cfg.Memory.LongTermCap, cfg.Memory.TemporaryWindow))
	if !strings.EqualFold(cfg.Memory.Backend, "postgres") {
		return inProcess
	}

	sqldb, err := db.ConnectDB(cfg.Database)
	if err != nil {
		log.Warn().Err(err).Msg("chat memory database unavailable, using in-process memory")
		return inProcess
	}
	bunDB := db.NewDB(sqldb, cfg.Database.Debug)
	if err := db.InitDB(ctx, bunDB); err != nil {
		log.Warn().Err(err).Msg("chat memory database unavailable, using in-process memory")
		_ = bunDB.Close()
		return inProcess
	}
	a.closers = append(a.closers, bunDB.Close)
	return db.NewChatStore(bunDB)
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			log.Warn().Err(err).Msg("close")
		}
	}
}
