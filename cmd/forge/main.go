package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"appforge/internal/agentclient"
	"appforge/internal/app"
	"appforge/internal/cache"
	"appforge/internal/config"
	"appforge/internal/deploy"
	"appforge/internal/gitops"
	"appforge/internal/guardrail"
	"appforge/internal/notify"
	"appforge/internal/ratelimit"
	"appforge/internal/resolve"
	"appforge/internal/server"
	"appforge/internal/session"
	"appforge/internal/usertoken"
	"appforge/internal/util"
	"appforge/pkg/storage"
	"appforge/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel, "forge")

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.JWKSURL,
		Issuer:     cfg.TokenIssuer,
		Audience:   cfg.TokenAudience,
		Leeway:     cfg.TokenLeeway(),
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init jwks verifier", "err", err)
	}

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}

	var conversationCache cache.Cache = cache.NewMemoryCache()
	if cfg.RedisAddr != "" {
		conversationCache = cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, "", 0)
	}

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.AMQPURL != "" {
		amqpNotifier := notify.NewAMQPNotifier(cfg.AMQPURL, cfg.AMQPExchange)
		defer amqpNotifier.Close()
		notifier = amqpNotifier
	}

	var archiver *storage.TraceLogArchiver
	var logLinker server.LogLinker
	if cfg.MinioEndpoint != "" {
		objectStore, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			util.Fatal("failed to init object store", "err", err)
		}
		archiver = storage.NewTraceLogArchiver(objectStore, "")
		logLinker = archiver
	}

	gitService := gitops.NewGitService(gitops.NewGitHubClient(cfg.GithubAPIBaseURL, ""))
	trigger := deploy.New(deploy.Config{
		Store:      st,
		Deployer:   deploy.NewHTTPDeployer(cfg.DeployServiceURL, cfg.DeploySecret),
		Notifier:   notifier,
		KeepOutput: cfg.IsDevelopment(),
	})

	orchestrator := app.New(app.Config{
		Store:       st,
		Cache:       conversationCache,
		Resolver:    resolve.New(st, conversationCache),
		Agent:       agentclient.NewClient(cfg.AgentHost, cfg.AgentSecret),
		Git:         gitService,
		Deployer:    trigger,
		Notifier:    notifier,
		Archiver:    archiver,
		TemplateDir: cfg.TemplateDir,
	})

	sessions := session.New(session.Config{Store: st, MaxActive: cfg.MaxActiveConnections})
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sessions.Sweep(sweepCtx, 5*time.Minute)

	var ipLimiter server.IPLimiter
	if cfg.RedisAddr != "" && cfg.IPRateLimit > 0 {
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "", cfg.IPRateLimit, cfg.IPRateWindow())
		if err != nil {
			util.Fatal("failed to init rate limiter", "err", err)
		}
		ipLimiter = limiter
	}

	httpServer := server.New(server.Config{
		Orchestrator: orchestrator,
		Guardrail: guardrail.New(guardrail.Config{
			Counter:      st,
			DefaultLimit: cfg.DailyMessageLimit,
			Overrides:    cfg.DailyLimitOverrides,
		}),
		Sessions:      sessions,
		TokenVerifier: tokenVerifier,
		IPLimiter:     ipLimiter,
		Apps:          st,
		Logs:          logLinker,
		ServiceName:   "forge",
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	slog.Info("forge server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
