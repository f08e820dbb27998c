// The dealdesk service ingests M&A deal documents, runs them through
// the parse/embed/graph/analyze/financials pipeline, and serves hybrid
// retrieval over the resulting knowledge graph.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"dealdesk.io/api"
	"dealdesk.io/common"
	"dealdesk.io/config"
	"dealdesk.io/db"
	"dealdesk.io/graph"
	"dealdesk.io/llm"
	"dealdesk.io/notification"
	"dealdesk.io/parser"
	"dealdesk.io/pipeline"
	"dealdesk.io/queue"
	"dealdesk.io/retrieval"
	"dealdesk.io/retry"
	"dealdesk.io/storage"
	"dealdesk.io/worker"
)

// embeddingDimensions matches text-embedding-3-small, the default
// embedding model. The graph vector index is created with this width.
const embeddingDimensions = 1536

// reaperInterval is how often stalled active jobs are swept back to
// retry.
const reaperInterval = time.Minute

// providerDefaults maps a provider name to its API base URL and the
// environment variable holding its key. All providers speak the
// OpenAI-compatible wire format.
var providerDefaults = map[string]struct {
	baseURL string
	keyEnv  string
}{
	"openai":    {"https://api.openai.com", "OPENAI_API_KEY"},
	"anthropic": {"https://api.anthropic.com", "ANTHROPIC_API_KEY"},
	"gemini":    {"https://generativelanguage.googleapis.com/v1beta/openai", "GEMINI_API_KEY"},
	"cohere":    {"https://api.cohere.com", "COHERE_API_KEY"},
	"voyage":    {"https://api.voyageai.com", "VOYAGE_API_KEY"},
}

// clientConfig builds the provider client config for one
// "provider:model" string. The base URL can be overridden with
// <PROVIDER>_BASE_URL for self-hosted gateways.
func clientConfig(modelString string) llm.Config {
	provider, model := config.SplitModel(modelString)
	cfg := llm.Config{Provider: provider, Model: model}
	if d, ok := providerDefaults[provider]; ok {
		cfg.BaseURL = d.baseURL
		cfg.APIKey = os.Getenv(d.keyEnv)
	}
	if override := os.Getenv(envPrefix(provider) + "_BASE_URL"); override != "" {
		cfg.BaseURL = override
	}
	return cfg
}

func envPrefix(provider string) string {
	out := make([]byte, 0, len(provider))
	for i := 0; i < len(provider); i++ {
		c := provider[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

// buildChat assembles the chat client for one agent, wrapping the
// primary in a fallback when one is configured.
func buildChat(agent config.AgentModelConfig) llm.ChatClient {
	primary := llm.NewClient(clientConfig(agent.Primary))
	if agent.Fallback == "" {
		return primary
	}
	_, primaryModel := config.SplitModel(agent.Primary)
	_, fallbackModel := config.SplitModel(agent.Fallback)
	return llm.NewFallbackChat(primary, primaryModel, llm.NewClient(clientConfig(agent.Fallback)), fallbackModel)
}

func main() {
	cfgFile := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	common.ConfigureLogger(cfg.Logging.Level, cfg.Logging.Format)
	log := common.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gormDB, err := db.Open(cfg.Database.URL)
	if err != nil {
		log.WithError(err).Fatal("could not connect to postgres")
	}
	if cfg.Database.AutoMigrate {
		if err := db.Migrate(gormDB); err != nil {
			log.WithError(err).Fatal("database migration failed")
		}
	}
	store := db.NewStore(gormDB)

	jobs := queue.New(gormDB)
	if err := jobs.Migrate(); err != nil {
		log.WithError(err).Fatal("queue migration failed")
	}

	// The deal cache degrades to plain database lookups when Redis is
	// not configured.
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.WithError(err).Fatal("invalid redis url")
		}
		redisClient, err = db.OpenRedis(ctx, opt.Addr, opt.Password)
		if err != nil {
			log.WithError(err).Fatal("could not connect to redis")
		}
		defer redisClient.Close()
	}
	dealCache := db.NewDealCache(redisClient, store, cfg.Redis.TTL)

	graphStore, err := graph.NewStore(ctx, cfg.Graph.URI, cfg.Graph.Username, cfg.Graph.Password, cfg.Graph.IngestConcurrency)
	if err != nil {
		log.WithError(err).Fatal("could not connect to the knowledge graph")
	}
	defer graphStore.Close(context.Background())
	if err := graphStore.EnsureVectorIndex(ctx, embeddingDimensions); err != nil {
		log.WithError(err).Warn("could not ensure the chunk vector index")
	}

	s3Client, err := storage.NewGCSClient(ctx, cfg.ObjectStore.AccessKey, cfg.ObjectStore.SecretKey, cfg.ObjectStore.Endpoint)
	if err != nil {
		log.WithError(err).Fatal("could not build the object store client")
	}
	objects := storage.NewObjectStore(s3Client, cfg.ObjectStore.MaxFileSizeBytes)

	embedder := llm.NewClient(clientConfig(cfg.Models.Embedding.Primary))
	analyzer := buildChat(cfg.Models.Analysis)
	reranker := llm.NewReranker(clientConfig(cfg.Models.Rerank.Primary))

	deps := pipeline.Deps{
		Store:          store,
		Jobs:           jobs,
		Objects:        objects,
		Graph:          graphStore,
		Parsers:        parser.NewRegistry(cfg.Pipeline.ChunkMaxTokens),
		Embedder:       embedder,
		Analyzer:       analyzer,
		Orgs:           dealCache,
		EmbeddingModel: cfg.Models.Embedding.Primary,
		AnalysisModel:  cfg.Models.Analysis.Primary,
		EmbedBatchSize: cfg.Pipeline.EmbedBatchSize,
	}

	if cfg.AMQP.URL != "" {
		publisher, err := notification.NewStatusPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			log.WithError(err).Fatal("could not connect to the event broker")
		}
		defer publisher.Close()
		deps.Notifier = publisher
	}

	pool := worker.NewPool(jobs)
	pipeline.NewHandlers(deps).Register(pool)
	pool.Start(ctx)
	jobs.StartReaper(ctx, reaperInterval)

	engine := retrieval.NewEngine(graphStore, reranker, embedder, cfg.Pipeline.RAGMode)

	e := api.NewEchoServer(cfg.Server)
	e.Server.ReadTimeout = cfg.Server.ReadTimeout
	e.Server.WriteTimeout = cfg.Server.WriteTimeout
	api.NewHandlers(store, jobs, retry.NewManager(store), engine, graphStore).
		RegisterRoutes(e, cfg.Security.WebhookAPIKey, cfg.Security.JWTSecret)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		log.WithField("addr", addr).Info("http server listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown was not clean")
	}
	pool.Stop()
	log.Info("shutdown complete")
}
