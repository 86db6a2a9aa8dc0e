// enqueue injects a single trigger into the job queue, for operators and local
// testing. It can also inspect and resolve permanently failed jobs.
//
//	go run ./cmd/enqueue -kind user_patch -payload '{"project_id":"p1","user":{"external_id":"u1"}}'
//	go run ./cmd/enqueue -list-failed
//	go run ./cmd/enqueue -resolve <job-id>
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"time"

	"beacon-messaging/backend/internal/config"
	"beacon-messaging/backend/internal/db"
	"beacon-messaging/backend/internal/queue"
	queuedomain "beacon-messaging/backend/internal/queue/domain"
	queuerepo "beacon-messaging/backend/internal/queue/repository"
)

func main() {
	kind := flag.String("kind", "", "Job kind (e.g. email, user_patch)")
	payload := flag.String("payload", "", "JSON payload for the trigger")
	delay := flag.Duration("delay", 0, "Defer the first attempt")
	priority := flag.Int("priority", 0, "Claim priority (higher first)")
	listFailed := flag.Bool("list-failed", false, "Print failed_permanent jobs and exit")
	resolve := flag.String("resolve", "", "Resolve (drop) a failed_permanent job by id")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("enqueue: DATABASE_URL is required")
	}
	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	q := queue.New(queuerepo.NewPostgresRepository(database), queue.Config{MaxAttempts: cfg.QueueMaxAttempts}, nil, nil)

	switch {
	case *listFailed:
		failed, err := q.ListFailed(ctx, 50)
		if err != nil {
			log.Fatalf("list failed: %v", err)
		}
		if len(failed) == 0 {
			log.Println("no failed_permanent jobs")
			return
		}
		for _, j := range failed {
			log.Printf("%s kind=%s attempts=%d error=%q payload=%s",
				j.ID, j.Kind, j.AttemptCount, j.LastError, j.Payload)
		}
	case *resolve != "":
		if err := q.Resolve(ctx, *resolve); err != nil {
			log.Fatalf("resolve: %v", err)
		}
		log.Printf("resolved %s", *resolve)
	default:
		if *kind == "" || *payload == "" {
			log.Fatal("enqueue: -kind and -payload are required")
		}
		if !json.Valid([]byte(*payload)) {
			log.Fatal("enqueue: -payload must be valid JSON")
		}
		id, err := q.Enqueue(ctx, queuedomain.Trigger{Kind: *kind, Payload: json.RawMessage(*payload)},
			queue.WithDelay(*delay), queue.WithPriority(*priority))
		if err != nil {
			log.Fatalf("enqueue: %v", err)
		}
		log.Printf("enqueued %s as %s", *kind, id)
	}
}
