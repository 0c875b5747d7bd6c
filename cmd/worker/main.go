package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/docqa/internal/app"
	"github.com/suPer8Hu/docqa/internal/config"
	"github.com/suPer8Hu/docqa/internal/db"
	"github.com/suPer8Hu/docqa/internal/documents"
	"github.com/suPer8Hu/docqa/internal/ingest"
	"github.com/suPer8Hu/docqa/internal/store/rabbitmq"
)

func workerConcurrency(n int) int {
	if n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	repo := documents.NewRepo(gdb)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	blobs, err := app.BlobStore(ctx, cfg)
	if err != nil {
		log.Fatalf("blob store: %v", err)
	}
	emb, err := app.Embedder(cfg)
	if err != nil {
		log.Fatalf("embedder: %v", err)
	}
	pipe := app.Pipeline(cfg, repo, blobs, emb)

	// runs abandoned by a previous worker become resubmittable
	if n, err := ingest.NewService(repo, nil, cfg.StaleAfter).RecoverStale(ctx); err != nil {
		log.Printf("recover stale runs: %v", err)
	} else if n > 0 {
		log.Printf("recovered %d stale ingestion runs", n)
	}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	//  strict concurrency control
	concurrency := workerConcurrency(cfg.IngestWorkers)

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	log.Printf("worker started, queue=%s concurrency=%d", cfg.RabbitQueue, concurrency)

	// in-flight runs outlive the shutdown signal so their outcome gets recorded
	runCtx := context.WithoutCancel(ctx)

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				handleDelivery(runCtx, pipe, workerID, d)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

// handleDelivery acks once the run's outcome is stored. Undecodable messages
// and outcomes that could not be recorded go to the dead-letter queue.
func handleDelivery(ctx context.Context, pipe *ingest.Pipeline, workerID int, d amqp.Delivery) {
	job, err := rabbitmq.DecodeJob(d.Body)
	if err != nil {
		log.Printf("worker=%d bad message: %v", workerID, err)
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	if err := pipe.Run(ctx, job); err != nil {
		log.Printf("job_timing_failed worker=%d doc=%s run=%d total=%s err=%v", workerID, job.DocumentID, job.Run, time.Since(start), err)
		_ = d.Nack(false, false)
		return
	}
	if total := time.Since(start); total > 2*time.Second {
		log.Printf("job_timing worker=%d doc=%s run=%d total=%s", workerID, job.DocumentID, job.Run, total)
	}

	if err := d.Ack(false); err != nil {
		log.Printf("worker=%d ack failed doc=%s err=%v", workerID, job.DocumentID, err)
	}
}
