package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/akamensky/argparse"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/calegria/periscope/handlers"
	"github.com/calegria/periscope/internal/config"
	"github.com/calegria/periscope/internal/logging"
	"github.com/calegria/periscope/internal/metrics"
	"github.com/calegria/periscope/pkg/fetch"
	"github.com/calegria/periscope/pkg/proxycache"
	"github.com/calegria/periscope/pkg/rewrite"
	"github.com/calegria/periscope/pkg/ruleset"
)

func main() {
	parser := argparse.NewParser("periscope", "Rewriting HTTP reverse proxy")
	port := parser.String("p", "port", &argparse.Options{Help: "Port to listen on (overrides PORT)"})
	rulesetPath := parser.String("r", "ruleset", &argparse.Options{Help: "YAML ruleset file or directory (overrides RULESET)"})
	baseURL := parser.String("b", "base-url", &argparse.Options{Help: "Public base URL used in rewritten references (overrides PROXY_BASE_URL)"})
	dev := parser.Flag("d", "dev", &argparse.Options{Help: "Development logging"})
	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *rulesetPath != "" {
		cfg.Proxy.Ruleset = *rulesetPath
	}
	if *baseURL != "" {
		cfg.Proxy.BaseURL = *baseURL
	}
	if *dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}

	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	rules, err := ruleset.Load(cfg.Proxy.Ruleset)
	if err != nil {
		log.Fatal("failed to load ruleset", zap.String("path", cfg.Proxy.Ruleset), zap.Error(err))
	}
	if rules.Count() > 0 {
		log.Info("ruleset loaded",
			zap.Int("rules", rules.Count()),
			zap.Int("domains", len(rules.Domains())))
	}

	cache := proxycache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL)
	m := metrics.New()
	proxy := &handlers.Proxy{
		Fetcher: fetch.New(fetch.Options{
			Timeout:      cfg.Proxy.Timeout,
			Retries:      cfg.Proxy.Retries,
			RetryDelay:   cfg.Proxy.RetryDelay,
			UserAgent:    cfg.Proxy.UserAgent,
			ForwardedFor: cfg.Proxy.ForwardedFor,
		}, rules, log),
		Cache:    cache,
		Rewriter: rewrite.New(log),
		Metrics:  m,
		Log:      log,
		BaseURL:  cfg.Proxy.BaseURL,
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
	})
	app.Use(recover.New())
	app.Use(m.Middleware())

	app.Get("/go", proxy.Page())
	app.Post("/go", proxy.Page())
	app.Get("/asset", proxy.Asset())
	app.Get("/health", handlers.Health(cache))
	app.Post("/clear-cache", handlers.ClearCache(cache, log))
	app.Get("/metrics", m.Handler())

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	go func() {
		log.Info("listening", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			log.Fatal("server stopped", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
}
