// Command provision bootstraps a tenant: the app row, its seeded policy
// catalog and an owner account, in one transaction. Intended for first-time
// environment setup; day-to-day provisioning goes through the admin API.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/parametricportal/backend/internal/audit"
	"github.com/parametricportal/backend/internal/cache"
	"github.com/parametricportal/backend/internal/events"
	"github.com/parametricportal/backend/internal/policy"
	"github.com/parametricportal/backend/internal/reqctx"
	"github.com/parametricportal/backend/internal/storage"
)

func main() {
	var (
		tenantID  = flag.String("tenant", "", "tenant id (required)")
		namespace = flag.String("namespace", "", "tenant namespace (required)")
		name      = flag.String("name", "", "display name")
		owner     = flag.String("owner", "", "owner email (required)")
	)
	flag.Parse()
	if *tenantID == "" || *namespace == "" || *owner == "" {
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	ctx := context.Background()
	pg, err := storage.NewPostgres(ctx, dbURL)
	if err != nil {
		log.Fatalf("database connect failed: %v", err)
	}
	defer pg.Close()

	// The policy service is only needed for its catalog seeding; the local
	// store and bus exist to satisfy its wiring.
	store := cache.NewMemoryStore()
	defer store.Close()
	bus := events.NewStoreBus(store)
	defer bus.Close()
	policySvc, err := policy.NewService(pg, store, "provision", bus, audit.NewJSONLogger())
	if err != nil {
		log.Fatalf("policy service init failed: %v", err)
	}
	defer policySvc.Close()

	ctx = reqctx.Inject(ctx, reqctx.New(*tenantID))

	if _, err := pg.Apps().One(ctx, *tenantID); err == nil {
		log.Printf("tenant %q already exists, skipping", *tenantID)
		return
	}

	err = pg.WithTransaction(ctx, func(ctx context.Context, tx storage.Repository) error {
		if _, err := tx.Apps().Insert(ctx, storage.App{
			ID:        *tenantID,
			Namespace: *namespace,
			Name:      *name,
		}); err != nil {
			return err
		}
		if err := policySvc.SeedTenant(ctx, tx, *tenantID); err != nil {
			return err
		}
		_, err := tx.Users().Insert(ctx, storage.User{
			Email:  *owner,
			Role:   storage.RoleOwner,
			Status: storage.StatusActive,
		})
		return err
	})
	if err != nil {
		log.Fatalf("provisioning failed: %v", err)
	}

	log.Printf("tenant %q provisioned with owner %s", *tenantID, *owner)
	log.Printf("the owner signs in through OAuth with that email; no password is set")
}
