//go:build ignore

package main

import (
	"context"
	"flag"
	"fmt"

	"go.uber.org/zap"

	"familynet/backend/internal/constants"
	"familynet/backend/internal/docstore"
	"familynet/backend/pkg/config"
	"familynet/backend/pkg/logger"
)

var collections = []string{
	constants.CollectionAccounts,
	constants.CollectionAccountEmails,
	constants.CollectionNetworks,
	constants.CollectionRequests,
	constants.CollectionRequestIndex,
	constants.CollectionPendingIndex,
	constants.CollectionAuditLog,
}

func main() {
	from := flag.String("from", "", "Source backend (defaults to STORE_BACKEND)")
	to := flag.String("to", "", "Target backend")
	force := flag.Bool("force", false, "Overwrite documents that already exist in the target")
	pageSize := flag.Int("page-size", 500, "Documents per read")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}

	// Initialize logger
	if err := logger.Init(cfg.Env, cfg.LogLevel); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	if *to == "" {
		log.Fatal("-to is required")
	}

	srcCfg, dstCfg := *cfg, *cfg
	if *from != "" {
		srcCfg.StoreBackend = *from
	}
	dstCfg.StoreBackend = *to
	if srcCfg.StoreBackend == dstCfg.StoreBackend {
		log.Fatal("Source and target backends are the same", zap.String("backend", dstCfg.StoreBackend))
	}

	ctx := context.Background()
	src, err := docstore.Open(ctx, &srcCfg)
	if err != nil {
		log.Fatal("Failed to open source store", zap.String("backend", srcCfg.StoreBackend), zap.Error(err))
	}
	defer src.Close()

	dst, err := docstore.Open(ctx, &dstCfg)
	if err != nil {
		log.Fatal("Failed to open target store", zap.String("backend", dstCfg.StoreBackend), zap.Error(err))
	}
	defer dst.Close()

	log.Info("Starting store migration...",
		zap.String("from", srcCfg.StoreBackend),
		zap.String("to", dstCfg.StoreBackend),
	)

	for _, collection := range collections {
		copied, skipped, err := copyCollection(ctx, src, dst, collection, *pageSize, *force)
		if err != nil {
			log.Fatal("Migration failed", zap.String("collection", collection), zap.Error(err))
		}
		log.Info("Collection migrated",
			zap.String("collection", collection),
			zap.Int("copied", copied),
			zap.Int("skipped", skipped),
		)
	}

	log.Info("Migration completed successfully!")
}

func copyCollection(ctx context.Context, src, dst docstore.Store, collection string, pageSize int, force bool) (copied, skipped int, err error) {
	after := ""
	for {
		docs, err := src.List(ctx, collection, after, pageSize)
		if err != nil {
			return copied, skipped, fmt.Errorf("failed to list %s: %w", collection, err)
		}
		if len(docs) == 0 {
			return copied, skipped, nil
		}

		for _, doc := range docs {
			wrote := false
			err := dst.Update(ctx, collection, doc.Key, func(_ []byte, exists bool) ([]byte, error) {
				if exists && !force {
					wrote = false
					return nil, docstore.ErrNoChange
				}
				wrote = true
				return doc.Body, nil
			})
			if err != nil {
				return copied, skipped, fmt.Errorf("failed to write %s/%s: %w", collection, doc.Key, err)
			}
			if wrote {
				copied++
			} else {
				skipped++
			}
		}
		after = docs[len(docs)-1].Key
	}
}
