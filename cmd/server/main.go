package main

import (
	"context"
	"log"

	"github.com/david/bandi-engine/internal/api"
	"github.com/david/bandi-engine/internal/audit"
	"github.com/david/bandi-engine/internal/config"
	"github.com/david/bandi-engine/internal/db"
	"github.com/david/bandi-engine/internal/engine"
	"github.com/david/bandi-engine/internal/ingest"
	"github.com/david/bandi-engine/internal/sector"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	if err := db.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	registry, err := ingest.LoadRegistry(cfg.Sources.RegistryPath)
	if err != nil {
		log.Fatalf("Failed to load source registry: %v", err)
	}
	table, err := sector.LoadTable(cfg.Sources.ClassificationPath)
	if err != nil {
		log.Fatalf("Failed to load classification table: %v", err)
	}

	var archiver audit.Archiver = audit.LogArchiver{}
	if cfg.Minio.Enabled {
		m := cfg.Minio
		a, err := audit.NewMinioArchiver(ctx, m.Endpoint, m.Region, m.BucketName, m.AccessKey, m.SecretKey, m.UseSSL)
		if err != nil {
			log.Fatalf("Failed to initialize audit storage: %v", err)
		}
		archiver = a
	}

	store := db.NewStore(pool)
	runs := db.NewRunStore(pool)
	eng := engine.New(engine.Deps{
		Records:  store,
		Clients:  store,
		Grants:   store,
		Matches:  db.NewMatchStore(pool),
		Recorder: runs,
		Archiver: archiver,
	}, registry, table, cfg.Policy)

	srv, err := api.NewServer(eng, runs, api.Options{
		AdminSecret: cfg.Server.AdminSecret,
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	log.Printf("Server starting on port %s...", cfg.Server.Port)
	if err := srv.Start(cfg.Server.Port); err != nil {
		log.Fatal(err)
	}
}
