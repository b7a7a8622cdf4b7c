package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"convograph/backend/internal/bootstrap"
	"convograph/backend/pkg/config"
	"convograph/backend/pkg/logger"
)

func main() {
	seedName := flag.String("seed", "", "Seed person name to keep (defaults to SEED_PERSON_NAME)")
	skipConfirm := flag.Bool("y", false, "Skip confirmation prompt")
	flag.Parse()

	// Initialize logger
	if err := logger.Init("development"); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting graph reset...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}
	if *seedName == "" {
		*seedName = cfg.SeedPersonName
	}

	// Warning prompt
	if !*skipConfirm {
		log.Warn("This will DELETE every person except the seed, and all topics, relationships, sessions and media",
			zap.String("store", cfg.StoreDriver),
			zap.String("seed", *seedName),
		)
		log.Warn("This action cannot be undone.")
		// Use fmt.Print for user input prompt (needs to go to stdout)
		fmt.Print("Are you sure you want to continue? (yes/no): ")
		var response string
		fmt.Scanln(&response)
		if response != "yes" && response != "y" {
			log.Info("Aborted.")
			os.Exit(0)
		}
	}

	ctx := context.Background()
	st, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to open entity store", zap.Error(err))
	}
	defer st.Close(ctx)

	seed, err := st.Reset(ctx, *seedName)
	if err != nil {
		log.Fatal("Failed to reset graph", zap.Error(err))
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		log.Fatal("Failed to verify reset", zap.Error(err))
	}

	log.Info("Graph reset completed",
		zap.Int64("seed_person_id", seed.ID),
		zap.String("seed_name", seed.Name),
		zap.Int64("persons", stats.Persons),
		zap.Int64("topics", stats.Topics),
		zap.Int64("relationships", stats.Relationships),
	)
}
