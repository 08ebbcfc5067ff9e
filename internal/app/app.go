package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callrouter/internal/config"
	"callrouter/internal/flows"
	"callrouter/internal/handoff"
	"callrouter/internal/httpapi"
	"callrouter/internal/httpx"
	"callrouter/internal/integrations/llm"
	slackbot "callrouter/internal/integrations/slack"
	"callrouter/internal/metrics"
	"callrouter/internal/provider"
	"callrouter/internal/provisioning"
	"callrouter/internal/registry"
	"callrouter/internal/routing"
	"callrouter/internal/scheduler"
	"callrouter/internal/storage/sqlite"

	"github.com/gin-gonic/gin"
	"github.com/slack-go/slack"
)

func Main() {
	cfg := config.LoadConfig()
	appliedHTTPTimeout := httpx.ConfigureExternalHTTPClient(cfg.ExternalHTTPTimeoutSeconds)
	log.Printf(
		"Config loaded. Listen=%s BaseURL=%s DefaultProvider=%s Classifier=%s ClassificationTimeout=%s AuditMaxAttempts=%d Timezone=%s Provisioning=%v Slack=%v ExternalHTTPTimeout=%s",
		cfg.ListenAddr,
		cfg.PublicBaseURL,
		cfg.DefaultProvider,
		cfg.ClassifierProvider,
		cfg.ClassificationTimeout(),
		cfg.AuditMaxAttempts,
		cfg.Timezone,
		cfg.ProvisioningConfigured(),
		cfg.SlackConfigured(),
		appliedHTTPTimeout,
	)

	db, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to init database: %v", err)
	}
	log.Printf("Database initialized at %s", cfg.DBPath)
	defer db.Close()

	if cfg.SeedPath != "" {
		seed, err := sqlite.LoadSeedFile(cfg.SeedPath)
		if err != nil {
			log.Fatalf("Failed to load seed file: %v", err)
		}
		if err := sqlite.ApplySeed(db, seed); err != nil {
			log.Fatalf("Failed to apply seed file: %v", err)
		}
		log.Printf("Seed applied from %s tenants=%d", cfg.SeedPath, len(seed.Tenants))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := sqlite.NewStore(db)
	numbers := registry.New(store)
	resolver := flows.New(store)

	var refreshTargets []scheduler.Target
	var numberListing httpapi.NumberLister = numbers
	if cfg.ProvisioningConfigured() {
		client := provisioning.NewClient(cfg.ProvisioningURL, cfg.ProvisioningToken)
		syncer := provisioning.NewSyncer(client, db)
		if err := syncer.Refresh(ctx); err != nil {
			log.Printf("WARNING: initial provisioning sync failed, using stored numbers: %v", err)
		}
		refreshTargets = append(refreshTargets, scheduler.Target{Name: "provisioning", Refresher: syncer})
		numberListing = client
	}
	refreshTargets = append(refreshTargets,
		scheduler.Target{Name: "registry", Refresher: numbers},
		scheduler.Target{Name: "flows", Refresher: resolver},
	)
	if err := numbers.Refresh(ctx); err != nil {
		log.Fatalf("Failed to load phone numbers: %v", err)
	}

	classifier, err := llm.New(cfg)
	if err != nil {
		log.Fatalf("Failed to init classifier: %v", err)
	}

	var api *slack.Client
	if cfg.SlackConfigured() {
		api = slack.New(cfg.SlackBotToken)
	}
	notifier := slackbot.NewNotifier(api, cfg.SlackAlertChannelID, cfg.SlackHandoffChannelID)

	builder, err := handoff.NewBuilder(handoff.Options{
		ExcerptTurns:    cfg.HandoffExcerptTurns,
		ExcerptMaxChars: cfg.HandoffExcerptMaxChars,
		Timeout:         cfg.HandoffTimeout(),
		StoreSize:       cfg.HandoffStoreSize,
	}, store)
	if err != nil {
		log.Fatalf("Failed to init handoff builder: %v", err)
	}

	m := metrics.New()
	engine := routing.New(routing.Deps{
		Numbers:    numbers,
		Flows:      resolver,
		Classifier: classifier,
		Adapters: provider.NewSet(cfg.DefaultProvider, provider.Options{
			ACSMediaTransportURL: cfg.ACSMediaTransportURL,
			ACSCallbackURL:       cfg.ACSCallbackURL,
		}),
		Store:    store,
		Handoffs: builder,
		Queue:    notifier,
		Alerter:  notifier,
		Metrics:  m,
	}, routing.Options{
		ClassificationTimeout: cfg.ClassificationTimeout(),
		BaseURL:               cfg.PublicBaseURL,
		MediaStreamURL:        cfg.MediaStreamURL,
		WaitPath:              cfg.QueueWaitPath,
		FallbackQueue:         cfg.FallbackQueue,
		HoldMessage:           cfg.FallbackMessage,
		AuditMaxAttempts:      cfg.AuditMaxAttempts,
		AuditBackoff:          cfg.AuditBackoff(),
	})

	refreshTargets = append(refreshTargets, scheduler.Target{
		Name:      "idle calls",
		Refresher: routing.IdleSweeper{Engine: engine, MaxIdle: cfg.IdleCallTimeout()},
	})
	scheduler.StartRefreshScheduler(ctx, cfg, refreshTargets)
	scheduler.StartContainmentReportScheduler(ctx, cfg, store, notifier)

	if !cfg.SignatureCheckEnabled() {
		log.Println("WARNING: webhook signature verification disabled")
	}
	gin.SetMode(gin.ReleaseMode)
	server := httpapi.NewServer(engine, numberListing, httpapi.Options{
		PublicBaseURL:   cfg.PublicBaseURL,
		TwilioAuthToken: cfg.TwilioAuthToken,
		VerifySignature: cfg.SignatureCheckEnabled(),
		Metrics:         m.Handler(),
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("Shutting down call router...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}
	}()

	log.Printf("Starting call router on %s", cfg.ListenAddr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("HTTP server error: %v", err)
	}
}
