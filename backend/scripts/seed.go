//go:build ignore

package main

import (
	"context"
	"flag"
	"fmt"

	"go.uber.org/zap"

	"familynet/backend/internal/app"
	"familynet/backend/internal/identity"
	"familynet/backend/internal/ledger"
	"familynet/backend/internal/relationship"
	"familynet/backend/pkg/config"
	apperrors "familynet/backend/pkg/errors"
	"familynet/backend/pkg/logger"
)

var demoAccounts = []identity.Account{
	{ID: "demo-alice", Email: "alice@familynet.local", Name: "Alice Demo", Admin: true},
	{ID: "demo-bob", Email: "bob@familynet.local", Name: "Bob Demo"},
	{ID: "demo-carol", Email: "carol@familynet.local", Name: "Carol Demo"},
	{ID: "demo-dan", Email: "dan@familynet.local", Name: "Dan Demo"},
}

// demoLinks are accepted relationships: from calls to by label
var demoLinks = []struct {
	from, to, label string
}{
	{"demo-alice", "demo-bob", relationship.Parent},
	{"demo-alice", "demo-carol", relationship.Sibling},
	{"demo-bob", "demo-dan", relationship.Grandchild},
}

func main() {
	link := flag.Bool("link", true, "Create and accept the demo relationships")
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
	log.Info("Starting demo seeding...", zap.String("store", cfg.StoreBackend))

	ctx := context.Background()
	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer a.Close(ctx)

	for _, acc := range demoAccounts {
		if err := a.Directory.Register(ctx, acc); err != nil {
			log.Fatal("Failed to register account", zap.String("account_id", acc.ID), zap.Error(err))
		}
		log.Info("Registered account", zap.String("account_id", acc.ID), zap.String("email", acc.Email))
	}

	if !*link {
		log.Info("Seeding completed")
		return
	}

	for _, l := range demoLinks {
		to, err := a.Directory.Resolve(ctx, l.to)
		if err != nil {
			log.Fatal("Failed to resolve account", zap.String("account_id", l.to), zap.Error(err))
		}

		req, err := a.Ledger.CreateRequest(ctx, l.from, ledger.CreateInput{ToEmail: to.Email, RelationshipLabel: l.label})
		switch {
		case apperrors.IsErrorType(err, apperrors.ErrorTypeAlreadyConnected):
			log.Info("Already connected, skipping", zap.String("from", l.from), zap.String("to", l.to))
			continue
		case apperrors.IsErrorType(err, apperrors.ErrorTypeDuplicatePending):
			log.Warn("Request already pending, skipping", zap.String("from", l.from), zap.String("to", l.to))
			continue
		case err != nil:
			log.Fatal("Failed to create request", zap.Error(err))
		}

		if _, err := a.Ledger.Accept(ctx, req.ID, l.to); err != nil {
			log.Fatal("Failed to accept request", zap.String("request_id", req.ID), zap.Error(err))
		}
		log.Info("Linked accounts",
			zap.String("from", l.from),
			zap.String("to", l.to),
			zap.String("label", l.label),
		)
	}

	log.Info("Seeding completed")
}
