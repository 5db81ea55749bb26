// Package app wires the family network services from configuration. The
// HTTP server and the admin CLI share it so both run the same stack.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"familynet/backend/internal/api"
	"familynet/backend/internal/auditor"
	"familynet/backend/internal/docstore"
	"familynet/backend/internal/identity"
	"familynet/backend/internal/ledger"
	"familynet/backend/internal/network"
	"familynet/backend/internal/notify"
	"familynet/backend/internal/reconciler"
	"familynet/backend/internal/repository"
	"familynet/backend/internal/scheduler"
	"familynet/backend/pkg/config"
	"familynet/backend/pkg/logger"
)

// RepairTaskName is the scheduler entry for the periodic repair pass
const RepairTaskName = "family-network-repair"

// App holds the wired services
type App struct {
	Config     *config.Config
	Store      docstore.Store
	Networks   *repository.NetworkRepository
	Requests   *repository.RequestRepository
	Audit      *repository.AuditRepository
	Directory  *identity.Directory
	Tokens     *identity.TokenIssuer
	Reconciler *reconciler.Reconciler
	Ledger     *ledger.Ledger
	Network    *network.Service
	Auditor    *auditor.Auditor
	Dispatcher *notify.Dispatcher
	Scheduler  *scheduler.Scheduler

	logger *zap.Logger
}

// New opens the configured store and builds every service on top of it
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	store, err := docstore.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.StoreBackend, err)
	}

	a, err := NewWithStore(ctx, cfg, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

// NewWithStore builds the services on an already opened store
func NewWithStore(ctx context.Context, cfg *config.Config, store docstore.Store) (*App, error) {
	log := logger.Named("app")

	tokens, err := identity.NewTokenIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	if cfg.JWTSecret == config.DevJWTSecret {
		log.Warn("JWT_SECRET is not set, using the development secret")
	}

	networks := repository.NewNetworkRepository(store)
	requests := repository.NewRequestRepository(store)
	directory := identity.NewDirectory(store)
	audit := repository.NewAuditRepository(store)

	rec := reconciler.New(networks, reconciler.Options{
		MaxAttempts: cfg.ReconcileMaxAttempts,
		Backoff:     cfg.ReconcileRetryBackoff,
	})
	dispatcher := notify.NewDispatcher(buildNotifier(ctx, cfg, log), cfg.NotifyTimeout)

	return &App{
		Config:     cfg,
		Store:      store,
		Networks:   networks,
		Requests:   requests,
		Audit:      audit,
		Directory:  directory,
		Tokens:     tokens,
		Reconciler: rec,
		Ledger: ledger.New(requests, networks, directory, rec, dispatcher, audit, ledger.Options{
			MaxFamilyMembers: cfg.MaxFamilyMembers,
		}),
		Network: network.New(networks, audit),
		Auditor: auditor.New(networks, directory, auditor.Options{
			PageSize:    cfg.RepairPageSize,
			MaxRecords:  cfg.RepairMaxRecords,
			Concurrency: cfg.RepairConcurrency,
			MaxAttempts: cfg.ReconcileMaxAttempts,
			Backoff:     cfg.ReconcileRetryBackoff,
		}),
		Dispatcher: dispatcher,
		Scheduler:  scheduler.New(0),
		logger:     log,
	}, nil
}

// buildNotifier always logs, and adds Discord and SES when they are configured.
// A sink that fails to initialise is skipped.
func buildNotifier(ctx context.Context, cfg *config.Config, log *zap.Logger) notify.Notifier {
	sinks := notify.Multi{notify.NewLogNotifier()}

	if cfg.DiscordBotToken != "" && cfg.DiscordNotifyChannelID != "" {
		discord, err := notify.NewDiscordNotifier(cfg.DiscordBotToken, cfg.DiscordNotifyChannelID)
		if err != nil {
			log.Warn("Discord notifications disabled", zap.Error(err))
		} else {
			sinks = append(sinks, discord)
			log.Info("Discord notifications enabled", zap.String("channel_id", cfg.DiscordNotifyChannelID))
		}
	}

	if cfg.SESFromEmail != "" {
		email, err := notify.NewEmailNotifier(ctx, cfg.AWSRegion, cfg.SESFromEmail, cfg.SESFromName, cfg.AppBaseURL)
		if err != nil {
			log.Warn("Email notifications disabled", zap.Error(err))
		} else {
			sinks = append(sinks, email)
			log.Info("Email notifications enabled", zap.String("from", cfg.SESFromEmail))
		}
	}

	return sinks
}

// Router returns the HTTP handler
func (a *App) Router() *gin.Engine {
	if a.Config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	return api.NewServer(api.Deps{
		Ledger:  a.Ledger,
		Network: a.Network,
		Auditor: a.Auditor,
		Audit:   a.Audit,
		Tokens:  a.Tokens,
	}).Router()
}

// RepairEnabled reports whether a repair schedule is configured
func (a *App) RepairEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(a.Config.RepairSchedule)) {
	case "", "off", "none", "disabled":
		return false
	}
	return true
}

// StartScheduler registers the repair pass and starts the scheduler. With
// RepairOnStartup set, one pass runs in the background right away.
func (a *App) StartScheduler(ctx context.Context) error {
	if !a.RepairEnabled() {
		a.logger.Info("Repair schedule disabled")
		return nil
	}

	if err := a.Scheduler.AddCronTask(RepairTaskName, a.Config.RepairSchedule, a.repairTask); err != nil {
		return fmt.Errorf("invalid REPAIR_SCHEDULE %q: %w", a.Config.RepairSchedule, err)
	}
	a.Scheduler.Start()
	if next, ok := a.Scheduler.NextRun(RepairTaskName); ok {
		a.logger.Info("Repair pass scheduled",
			zap.String("schedule", a.Config.RepairSchedule),
			zap.Time("next_run", next),
		)
	}

	if a.Config.RepairOnStartup {
		go func() {
			if err := a.repairTask(ctx); err != nil {
				a.logger.Error("Startup repair pass failed", zap.Error(err))
			}
		}()
	}
	return nil
}

func (a *App) repairTask(ctx context.Context) error {
	_, err := a.Auditor.RepairPass(ctx)
	return err
}

// Close stops background work, waits for pending notifications and closes the store
func (a *App) Close(ctx context.Context) error {
	a.Scheduler.Stop(ctx)
	a.Dispatcher.Wait()
	return a.Store.Close()
}
