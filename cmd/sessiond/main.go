// Command sessiond runs the session/memory core as an HTTP service: config
// and observability bootstrap, Memory Store + database-of-record wiring,
// Ranker/Session Manager construction, then the external HTTP surface
// (spec §6) with graceful shutdown.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"sessioncore/internal/config"
	"sessioncore/internal/convstore"
	"sessioncore/internal/httpapi"
	"sessioncore/internal/llmprovider"
	"sessioncore/internal/memorystore"
	"sessioncore/internal/observability"
	"sessioncore/internal/promptassembler"
	"sessioncore/internal/ranker"
	"sessioncore/internal/sessionmanager"
	"sessioncore/internal/tokencount"
	"sessioncore/internal/toolexec"
	"sessioncore/internal/webtools"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional; env overrides and defaults otherwise)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	observability.InitLogger(cfg.Observability.LogFile, cfg.Observability.LogLevel)
	if cfg.Observability.OTLP != "" {
		shutdownOTel, err := observability.InitOTel(context.Background(), cfg.Observability)
		if err != nil {
			log.Printf("otel init skipped: %v", err)
		} else {
			defer shutdownOTel(context.Background())
		}
	}

	conv, err := buildConvStore(cfg)
	if err != nil {
		log.Fatalf("convstore init: %v", err)
	}

	backend, err := buildMemoryBackend(cfg)
	if err != nil {
		log.Fatalf("memory backend init: %v", err)
	}
	var memStore *memorystore.Adapter
	if cfg.Store.RedisAddr != "" {
		memStore = memorystore.NewRedis(backend, cfg.Store.SearchCacheTTL, cfg.Store.RedisAddr)
	} else {
		memStore = memorystore.New(backend, cfg.Store.SearchCacheTTL)
	}

	rnk := ranker.New(ranker.Config{
		SimilarityThreshold:      cfg.Ranker.SimilarityThreshold,
		RetrievalTopK:            cfg.Ranker.RetrievalTopK,
		InitialRetrievalTopK:     cfg.Ranker.InitialRetrievalTopK,
		SignificanceHalfLifeDays: cfg.Ranker.SignificanceHalfLifeDays,
		RecencyBoostStrength:     cfg.Ranker.RecencyBoostStrength,
		SignificanceFloor:        cfg.Ranker.SignificanceFloor,
	}, memStore, conv, nil)

	counter := tokencount.New(tokencount.Config{})

	var anthropicProvider *llmprovider.AnthropicProvider
	if key := cfg.ProviderKeys["anthropic"]; key != "" {
		anthropicProvider = llmprovider.NewAnthropicProvider(llmprovider.AnthropicConfig{APIKey: key}, observability.NewHTTPClient(nil))
	}
	var openaiProvider *llmprovider.OpenAIProvider
	if key := cfg.ProviderKeys["openai"]; key != "" {
		openaiProvider = llmprovider.NewOpenAIProvider(llmprovider.OpenAIConfig{APIKey: key}, observability.NewHTTPClient(nil))
	}
	router := llmprovider.NewRouter(anthropicProvider, openaiProvider)

	manager := sessionmanager.New(cfg, ranker.Config{}, conv, memStore, rnk, counter, router)
	registry := toolexec.NewRegistry()
	if cfg.Tools.SearXNGURL != "" {
		toolexec.RegisterWebSearch(registry, webtools.NewSearXNGSearch(cfg.Tools.SearXNGURL).Search)
		toolexec.RegisterPageFetch(registry, webtools.NewPageFetcher().Fetch)
	}

	srv := httpapi.NewServer(manager, conv, memStore, rnk, registry, noNotes{})

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: srv}

	go func() {
		log.Printf("sessiond listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	} else {
		log.Printf("sessiond stopped")
	}
}

func buildConvStore(cfg config.Config) (convstore.Store, error) {
	if cfg.Persistence.PostgresDSN == "" {
		return convstore.NewMemoryStore(), nil
	}
	pool, err := pgxpool.New(context.Background(), cfg.Persistence.PostgresDSN)
	if err != nil {
		return nil, err
	}
	store := convstore.NewPostgresStore(pool)
	if initer, ok := store.(interface{ Init(context.Context) error }); ok {
		if err := initer.Init(context.Background()); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func buildMemoryBackend(cfg config.Config) (memorystore.Backend, error) {
	if cfg.Store.QdrantDSN == "" {
		return noopBackend{}, nil
	}
	return memorystore.NewQdrantBackend(cfg.Store.QdrantDSN, cfg.Store.VectorDim, cfg.Store.VectorMetric)
}

// noopBackend is used when no vector store DSN is configured (local/dev
// runs) — searches return no candidates, but the turn proceeds per the
// Memory Store Adapter's soft-failure model.
type noopBackend struct{}

func (noopBackend) Upsert(ctx context.Context, entityID, id, text string, metadata map[string]string) error {
	return nil
}
func (noopBackend) Delete(ctx context.Context, entityID, id string) error { return nil }
func (noopBackend) Search(ctx context.Context, entityID, text string, k int, filter memorystore.Filter) ([]memorystore.Hit, error) {
	return nil, nil
}
func (noopBackend) UpdateMetadata(ctx context.Context, entityID, id string, partial map[string]string) error {
	return nil
}
func (noopBackend) ListIDs(ctx context.Context, entityID, cursor string, limit int) ([]string, string, error) {
	return nil, "", nil
}

// noNotes supplies empty entity/shared notes blocks until an external
// notes-authoring surface exists.
type noNotes struct{}

func (noNotes) Notes(conversationID, entityID string) promptassembler.Notes {
	return promptassembler.Notes{}
}
