package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/suPer8Hu/docqa/internal/answer"
	"github.com/suPer8Hu/docqa/internal/app"
	"github.com/suPer8Hu/docqa/internal/chat"
	"github.com/suPer8Hu/docqa/internal/config"
	"github.com/suPer8Hu/docqa/internal/db"
	"github.com/suPer8Hu/docqa/internal/documents"
	"github.com/suPer8Hu/docqa/internal/httpapi"
	"github.com/suPer8Hu/docqa/internal/httpapi/handlers"
	"github.com/suPer8Hu/docqa/internal/ingest"
	"github.com/suPer8Hu/docqa/internal/retrieval"
	"github.com/suPer8Hu/docqa/internal/store/rabbitmq"
	"github.com/suPer8Hu/docqa/internal/store/redisstore"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb := db.Connect(cfg.DBDSN)
	repo := documents.NewRepo(gdb)

	blobs, err := app.BlobStore(ctx, cfg)
	if err != nil {
		log.Fatalf("blob store: %v", err)
	}

	// ingestion: in-process pool or hand-off to cmd/worker
	var (
		dispatcher ingest.Dispatcher
		pool       *ingest.Pool
	)
	switch cfg.IngestDispatch {
	case "rabbit":
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatalf("rabbit publisher: %v", err)
		}
		defer pub.Close()
		dispatcher = pub
	case "", "local":
		emb, err := app.Embedder(cfg)
		if err != nil {
			log.Fatalf("embedder: %v", err)
		}
		pipe := app.Pipeline(cfg, repo, blobs, emb)
		pool = ingest.NewPool(cfg.IngestWorkers, cfg.IngestQueueSize, pipe.Run)
		dispatcher = pool
	default:
		log.Fatalf("unsupported INGEST_DISPATCH=%q", cfg.IngestDispatch)
	}
	ingestSvc := ingest.NewService(repo, dispatcher, cfg.StaleAfter)

	if pool != nil {
		// runs abandoned by the previous process become resubmittable
		if n, err := ingestSvc.RecoverStale(ctx); err != nil {
			log.Printf("recover stale runs: %v", err)
		} else if n > 0 {
			log.Printf("recovered %d stale ingestion runs", n)
		}
	}

	provider, err := app.AnswerProvider(ctx, cfg)
	if err != nil {
		log.Fatalf("answer provider: %v", err)
	}
	scorer := retrieval.NewScorer(repo)
	assembler := answer.NewAssembler(scorer, answer.NewProviderGenerator(provider), cfg.AnswerSources, cfg.AnswerTimeout)

	h := &handlers.Handler{
		Docs:           documents.NewService(repo, blobs, cfg.PresignTTL, cfg.MaxUploadBytes),
		Ingest:         ingestSvc,
		Search:         scorer,
		Answers:        assembler,
		ChatSvc:        chat.NewService(chat.NewRepo(gdb), assembler),
		QueryRateLimit: cfg.QueryRateLimit,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := rds.Ping(pingCtx); err != nil {
		log.Printf("redis unavailable, query rate limiting disabled: %v", err)
	} else {
		h.Limiter = rds
	}
	cancel()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(cfg.JWTSecret, h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("api listening on %s dispatch=%s", cfg.HTTPAddr, cfg.IngestDispatch)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("api shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if pool != nil {
		// queued runs finish before exit
		pool.Close()
	}
}
