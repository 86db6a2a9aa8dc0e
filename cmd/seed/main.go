// seed inserts development sample data for local testing.
// Idempotent: skips inserts if the dev template already exists.
package main

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"beacon-messaging/backend/internal/config"
	"beacon-messaging/backend/internal/db"
	listdomain "beacon-messaging/backend/internal/list/domain"
	listrepo "beacon-messaging/backend/internal/list/repository"
	"beacon-messaging/backend/internal/queue"
	queuedomain "beacon-messaging/backend/internal/queue/domain"
	queuerepo "beacon-messaging/backend/internal/queue/repository"
	templatedomain "beacon-messaging/backend/internal/template/domain"
	templaterepo "beacon-messaging/backend/internal/template/repository"
)

const (
	devProjectID  = "dev-project"
	devTemplateID = "6f1c8dd2-0000-4000-8000-000000000001"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("seed: DATABASE_URL is required")
	}

	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer database.Close()

	ctx := context.Background()
	templates := templaterepo.NewPostgresRepository(database)

	if existing, err := templates.GetByID(ctx, devTemplateID); err != nil {
		log.Fatalf("check template: %v", err)
	} else if existing != nil {
		log.Println("seed: dev data already present, nothing to do")
		return
	}

	now := time.Now().UTC()
	if err := templates.Create(ctx, &templatedomain.Template{
		ID:          devTemplateID,
		ProjectID:   devProjectID,
		Name:        "Welcome email",
		Subject:     "Welcome aboard",
		Body:        "Hi {{user.external_id}}, thanks for signing up!",
		FromAddress: "hello@beacon.test",
		CreatedAt:   now,
	}); err != nil {
		log.Fatalf("seed template: %v", err)
	}

	lists := listrepo.NewPostgresRepository(database)
	seedLists := []*listdomain.List{
		{
			ID: uuid.New().String(), ProjectID: devProjectID, Name: "Enterprise plans",
			Enabled: true, CreatedAt: now,
			Rule: &listdomain.Rule{Kind: listdomain.KindAttribute, Path: "plan", Op: listdomain.OpEq, Value: "enterprise"},
		},
		{
			ID: uuid.New().String(), ProjectID: devProjectID, Name: "Repeat purchasers",
			Enabled: true, CreatedAt: now,
			Rule: &listdomain.Rule{Kind: listdomain.KindEvent, Path: "purchase", Op: listdomain.OpGte, Value: float64(2)},
		},
	}
	for _, l := range seedLists {
		if err := lists.CreateList(ctx, l); err != nil {
			log.Fatalf("seed list %s: %v", l.Name, err)
		}
	}

	// A first patch job so a freshly started worker has something to chew on.
	q := queue.New(queuerepo.NewPostgresRepository(database), queue.Config{}, nil, nil)
	payload, _ := json.Marshal(map[string]any{
		"project_id": devProjectID,
		"user": map[string]any{
			"external_id": "dev-user-001",
			"email":       "dev@example.com",
			"data":        map[string]any{"plan": "enterprise"},
		},
	})
	id, err := q.Enqueue(ctx, queuedomain.Trigger{Kind: "user_patch", Payload: payload})
	if err != nil {
		log.Fatalf("seed job: %v", err)
	}
	log.Printf("seed: created template, %d lists, and job %s", len(seedLists), id)
}
