// Package app builds the collaborators shared by the api and worker binaries.
package app

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/suPer8Hu/docqa/internal/ai"
	"github.com/suPer8Hu/docqa/internal/blob"
	"github.com/suPer8Hu/docqa/internal/config"
	"github.com/suPer8Hu/docqa/internal/documents"
	"github.com/suPer8Hu/docqa/internal/extract"
	"github.com/suPer8Hu/docqa/internal/ingest"
	"golang.org/x/time/rate"
)

// Providers registers every answer provider the config can name.
func Providers(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()

	reg.Register("ollama", func(_ context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})

	reg.Register("openrouter", func(_ context.Context, model string) (ai.Provider, error) {
		if cfg.OpenRouterAPIKey == "" {
			return nil, fmt.Errorf("openrouter: OPENROUTER_API_KEY is not set")
		}
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})

	return reg
}

func AnswerProvider(ctx context.Context, cfg config.Config) (ai.Provider, error) {
	name := cfg.AIProvider
	if name == "" {
		name = "ollama"
	}
	return Providers(cfg).Get(ctx, name, "")
}

// Embedder returns the configured embedding client, throttled to EmbedRPS.
func Embedder(cfg config.Config) (ai.Embedder, error) {
	var limiter *rate.Limiter
	if cfg.EmbedRPS > 0 {
		burst := int(math.Max(1, math.Ceil(cfg.EmbedRPS)))
		limiter = rate.NewLimiter(rate.Limit(cfg.EmbedRPS), burst)
	}

	switch cfg.EmbedProvider {
	case "", "ollama":
		base := cfg.EmbedBaseURL
		if base == "" {
			base = cfg.OllamaBaseURL
		}
		e := ai.NewOllamaEmbedder(base, cfg.EmbedModel)
		e.Limiter = limiter
		return e, nil
	case "openai":
		if cfg.EmbedAPIKey == "" {
			return nil, fmt.Errorf("openai embeddings: EMBED_API_KEY is not set")
		}
		e := ai.NewOpenAIEmbedder(cfg.EmbedBaseURL, cfg.EmbedAPIKey, cfg.EmbedModel)
		e.Dimensions = cfg.EmbedDimensions
		e.Limiter = limiter
		return e, nil
	default:
		return nil, fmt.Errorf("unsupported EMBED_PROVIDER=%q", cfg.EmbedProvider)
	}
}

// BlobStore connects to MinIO, or keeps uploads in memory when no endpoint is set.
func BlobStore(ctx context.Context, cfg config.Config) (blob.Store, error) {
	if cfg.MinioEndpoint == "" {
		log.Printf("[App] MINIO_ENDPOINT not set, uploads are kept in memory")
		return blob.NewMemory(), nil
	}
	return blob.NewMinioStore(ctx, blob.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		Secure:    cfg.MinioSecure,
	})
}

// Pipeline assembles one ingestion pipeline from config.
func Pipeline(cfg config.Config, repo *documents.Repo, blobs blob.Store, emb ai.Embedder) *ingest.Pipeline {
	orch := ingest.NewOrchestrator(emb, repo, cfg.EmbedBatchSize, cfg.EmbedBatchDelay, cfg.EmbedTimeout)
	return ingest.NewPipeline(repo, blobs, extract.NewRouter(), orch, ingest.PipelineConfig{
		MaxTokens:      cfg.ChunkMaxTokens,
		OverlapTokens:  cfg.ChunkOverlapTokens,
		ExtractTimeout: cfg.ExtractTimeout,
	})
}
