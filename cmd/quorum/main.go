package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/phuslu/log"

	"quorum/internal/config"
	"quorum/internal/contextbuilder"
	"quorum/internal/conversation"
	"quorum/internal/dispatch"
	"quorum/internal/domain"
	"quorum/internal/embedding/gemini"
	"quorum/internal/embedding/hashing"
	"quorum/internal/embedding/openai"
	"quorum/internal/knowledge"
	"quorum/internal/logging"
	"quorum/internal/provider"
	"quorum/internal/provider/claude"
	"quorum/internal/provider/google"
	"quorum/internal/provider/openrouter"
	"quorum/internal/retrieval"
	"quorum/internal/session"
	"quorum/internal/summarizer"
	"quorum/internal/tui"
	"quorum/internal/vectorstore"
	"quorum/internal/vectorstore/badger"
	"quorum/internal/vectorstore/memory"
)

func main() {
	_ = godotenv.Load()

	var cfgPath, dataDir string
	var reindex bool
	flag.StringVar(&cfgPath, "config", "", "Path to YAML config file (optional; uses ~/.config/quorum/config.yaml if not provided)")
	flag.StringVar(&dataDir, "data-dir", "", "Directory for documents, chunks and conversations (overrides data_dir)")
	flag.BoolVar(&reindex, "reindex", false, "Rebuild the retrieval index of every document on startup")
	flag.Parse()

	cfg, usedPath, cfgErr := loadConfig(cfgPath)
	if cfg == nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", cfgErr)
		os.Exit(1)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	logFile := cfg.Logging.File
	if logFile == "" {
		logFile = "quorum.log"
	}
	logger := logging.New(logging.Config{Level: cfg.Logging.Level, File: cfg.ResolvePath(logFile)})
	if cfgErr != nil {
		logger.Warn().Err(cfgErr).Str("path", usedPath).Msg("using default configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, usedPath, flag.Args(), reindex, logger); err != nil {
		logger.Error().Err(err).Msg("quorum stopped")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.AppConfig, string, error) {
	if path == "" {
		return config.LoadDefault()
	}
	cfg, err := config.Load(path)
	return cfg, path, err
}

func run(ctx context.Context, cfg *config.AppConfig, cfgPath string, inputs []string, reindex bool, logger *log.Logger) error {
	emb, err := newEmbedder(ctx, cfg, logger)
	if err != nil {
		return err
	}
	store, closeStore, err := newChunkStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	engine := retrieval.NewEngine(emb, store, logger)
	kb := knowledge.Open(
		cfg.ResolvePath("documents.json"),
		knowledge.TextSource{},
		engine,
		summarizer.NewFrequencySummarizer(),
		knowledge.Options{ChunkSize: cfg.Retrieval.ChunkSize, Overlap: cfg.Retrieval.Overlap},
		logger,
	)
	if err := prepareIndex(ctx, kb, engine, reindex, logger); err != nil {
		logger.Warn().Err(err).Msg("retrieval index incomplete")
	}
	for _, path := range inputs {
		doc, n, err := kb.Ingest(ctx, path)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		logger.Info().Str("document", doc.Filename).Int("chunks", n).Msg("document ingested from command line")
	}

	archive := conversation.Open(cfg.ResolvePath("conversations.json"), logger)
	sess := session.New(archive, logger)
	contexts := contextbuilder.New(kb, engine, cfg.Retrieval.TopK, logger)
	providers := provider.Registry{
		domain.ProviderOpenRouter: openrouter.New(cfg.Providers.OpenRouter.Transport(), logger),
		domain.ProviderGoogle:     google.New(cfg.Providers.Google.Transport(), logger),
		domain.ProviderAnthropic:  claude.New(cfg.Providers.Anthropic.Transport(), logger),
	}
	orch := dispatch.New(providers, cfg, contexts, sess, logger)

	model := tui.New(ctx, tui.Deps{
		Dispatcher: orch,
		Models:     cfg,
		Knowledge:  kb,
		Session:    sess,
		Archive:    archive,
		SaveConfig: func() error { return config.Save(cfgPath, cfg) },
		Logger:     logger,
	}, cfg.Retrieval.Enabled, cfg.StructuredOutput)

	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	orch.OnStatus = func(ev domain.StatusEvent) { p.Send(tui.StatusMsg(ev)) }
	orch.OnComplete = func(d *dispatch.Dispatch) { p.Send(tui.CompleteMsg{Dispatch: d}) }

	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// prepareIndex rebuilds chunks when asked to, or when documents exist but
// the chunk store is empty (a new store type or a cleared index).
func prepareIndex(ctx context.Context, kb *knowledge.Base, engine *retrieval.Engine, force bool, logger *log.Logger) error {
	docs := kb.List()
	if len(docs) == 0 {
		return nil
	}
	stats, err := engine.Stats()
	if err != nil {
		return err
	}
	if !force && stats.TotalChunks > 0 {
		logger.Info().Int("chunks", stats.TotalChunks).Int("documents", stats.TotalDocuments).Msg("retrieval index ready")
		return nil
	}
	if force {
		if err := engine.Clear(); err != nil {
			return err
		}
	}
	start := time.Now()
	n, err := kb.Reindex(ctx)
	logger.Info().Int("documents", len(docs)).Int("chunks", n).Dur("took", time.Since(start)).Msg("retrieval index rebuilt")
	return err
}

func newEmbedder(ctx context.Context, cfg *config.AppConfig, logger *log.Logger) (domain.Embedder, error) {
	switch cfg.Embedder.Type {
	case "hashing", "":
		return hashing.NewEmbedder(cfg.Embedder.Dimension), nil
	case "openai":
		oc := cfg.Embedder.OpenAI
		client, err := openai.NewClient(openai.Config{
			BaseURL:   oc.BaseURL,
			APIKeyEnv: oc.APIKeyEnv,
			Model:     oc.Model,
			Timeout:   time.Duration(oc.TimeoutSecs) * time.Second,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("openai embedder init failed: %w", err)
		}
		return client, nil
	case "gemini":
		gc := cfg.Embedder.Gemini
		e, err := gemini.NewEmbedder(ctx, gemini.Config{
			APIKey:    cfg.APIKey(domain.ProviderGoogle),
			Model:     gc.Model,
			Dimension: gc.Dimension,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini embedder init failed: %w", err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: unknown embedder %q", domain.ErrConfig, cfg.Embedder.Type)
	}
}

func newChunkStore(cfg *config.AppConfig, logger *log.Logger) (vectorstore.Storage, func(), error) {
	path := cfg.ResolvePath(cfg.ChunkStore.Path)
	switch cfg.ChunkStore.Type {
	case "json", "":
		return memory.Open(path, logger), func() {}, nil
	case "badger":
		st, err := badger.Open(path, logger)
		if err != nil {
			return nil, nil, err
		}
		return st, closer(st, logger), nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown chunk store %q", domain.ErrConfig, cfg.ChunkStore.Type)
	}
}

func closer(c io.Closer, logger *log.Logger) func() {
	return func() {
		if err := c.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close chunk store")
		}
	}
}
