package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/upsetiq/upsetiq/internal/models"
	"github.com/upsetiq/upsetiq/internal/pipeline"
	"github.com/upsetiq/upsetiq/internal/providers"
	"github.com/upsetiq/upsetiq/pkg/config"
	"github.com/upsetiq/upsetiq/pkg/database"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("Usage: migrate [up|down|seed]")
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	// Connect to database
	db, err := database.NewConnection(cfg.DatabaseURL, database.PoolOptions{
		MaxIdleConns:    cfg.DBMaxIdleConns,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	}, cfg.IsDevelopment())
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	command := os.Args[1]

	switch command {
	case "up":
		if err := runMigrations(db); err != nil {
			logrus.Fatalf("Failed to run migrations: %v", err)
		}
		logrus.Info("Migrations completed successfully")

	case "down":
		if err := dropTables(db); err != nil {
			logrus.Fatalf("Failed to drop tables: %v", err)
		}
		logrus.Info("Tables dropped successfully")

	case "seed":
		if err := seedData(db, cfg); err != nil {
			logrus.Fatalf("Failed to seed data: %v", err)
		}
		logrus.Info("Data seeded successfully")

	default:
		log.Fatalf("Unknown command: %s", command)
	}
}

func runMigrations(db *database.DB) error {
	if err := db.AutoMigrate(
		&models.Game{},
		&models.Snapshot{},
		&models.PipelineRun{},
		&models.GameFeatures{},
		&models.Prediction{},
		&models.AlertSubscription{},
		&models.QueuedAlert{},
	); err != nil {
		return fmt.Errorf("failed to migrate models: %w", err)
	}
	return nil
}

func dropTables(db *database.DB) error {
	tables := []interface{}{
		&models.QueuedAlert{},
		&models.AlertSubscription{},
		&models.Prediction{},
		&models.GameFeatures{},
		&models.PipelineRun{},
		&models.Snapshot{},
		&models.Game{},
	}
	for _, table := range tables {
		if err := db.Migrator().DropTable(table); err != nil {
			return fmt.Errorf("failed to drop table: %w", err)
		}
	}
	return nil
}

// seedData loads the fixture slate and a demo subscription so a fresh
// install has data to score before the first live fetch.
func seedData(db *database.DB, cfg *config.Config) error {
	if err := runMigrations(db); err != nil {
		return err
	}

	ctx := context.Background()
	logger := logrus.StandardLogger()

	fixture := providers.NewFixtureProvider()
	snapshots := pipeline.NewSnapshotStore(db)
	pipe := pipeline.NewPipeline(db, cfg, snapshots, nil, nil, nil, fixture, fixture, fixture, fixture, logger)

	rc := &pipeline.RunContext{Metadata: make(map[string]interface{})}
	if err := pipe.SeedFromProviders(ctx, rc); err != nil {
		return err
	}
	logrus.Infof("Seeded %d games with snapshots", rc.Created)

	sub := models.AlertSubscription{
		UserID:           "demo-user",
		SubscriptionType: models.SubscriptionThreshold,
		UPSThreshold:     65,
		WebsocketEnabled: true,
		Active:           true,
	}
	if err := db.Where(
		"user_id = ? AND subscription_type = ? AND target_id = ?",
		sub.UserID, sub.SubscriptionType, "",
	).FirstOrCreate(&sub).Error; err != nil {
		return fmt.Errorf("failed to seed subscription: %w", err)
	}

	return nil
}
