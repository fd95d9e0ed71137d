// Command server runs the Antigravity relay: an Anthropic-compatible API
// served from a pool of Google accounts.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kestrelix/antigravity-relay/internal/account"
	"github.com/kestrelix/antigravity-relay/internal/account/strategies"
	"github.com/kestrelix/antigravity-relay/internal/clock"
	"github.com/kestrelix/antigravity-relay/internal/cloudcode"
	"github.com/kestrelix/antigravity-relay/internal/config"
	"github.com/kestrelix/antigravity-relay/internal/format"
	"github.com/kestrelix/antigravity-relay/internal/server"
	"github.com/kestrelix/antigravity-relay/internal/store"
	"github.com/kestrelix/antigravity-relay/internal/utils"
	"github.com/kestrelix/antigravity-relay/pkg/redis"
)

func main() {
	var (
		devMode      bool
		noFallback   bool
		strategyName string
		port         int
		host         string
		apiKey       string
		redisAddr    string
	)

	flag.BoolVar(&devMode, "dev-mode", false, "Enable developer mode (verbose logs)")
	flag.BoolVar(&noFallback, "no-fallback", false, "Disable model fallback on quota exhaust")
	flag.StringVar(&strategyName, "strategy", "", "Account selection strategy (sticky/round-robin)")
	flag.IntVar(&port, "port", 0, "Server port (default: 8080)")
	flag.StringVar(&host, "host", "", "Bind address (default: 0.0.0.0)")
	flag.StringVar(&apiKey, "api-key", "", "Require this API key on /v1 endpoints")
	flag.StringVar(&redisAddr, "redis", "", "Redis address for the shared signature cache")
	flag.Parse()

	if os.Getenv("DEV_MODE") == "true" || os.Getenv("DEBUG") == "true" {
		devMode = true
	}
	if port == 0 {
		if envPort := os.Getenv("PORT"); envPort != "" {
			fmt.Sscanf(envPort, "%d", &port)
		}
	}
	if host == "" {
		host = os.Getenv("HOST")
	}

	utils.SetDebug(devMode)

	cfg := config.DefaultConfig()
	if err := cfg.Load(); err != nil {
		utils.Warn("[Startup] Failed to load config: %v", err)
	}
	cfg.DevMode = devMode
	if port > 0 {
		cfg.Port = port
	}
	if host != "" {
		cfg.Host = host
	}
	if apiKey != "" {
		cfg.APIKey = apiKey
	}
	if redisAddr != "" {
		cfg.RedisAddr = redisAddr
	}
	if noFallback {
		cfg.FallbackEnabled = false
	}
	if strategyName != "" {
		name := strings.ToLower(strategyName)
		if strategies.IsValid(name) {
			cfg.Strategy = name
		} else {
			utils.Warn("[Startup] Invalid strategy %q. Valid options: %s. Using %s.",
				strategyName, strings.Join(config.SelectionStrategies, ", "), cfg.Strategy)
		}
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		var err error
		redisClient, err = redis.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			utils.Warn("[Startup] Redis unavailable (%v), using in-memory signature cache", err)
			redisClient = nil
		}
	}
	format.InitGlobalSignatureCache(redisClient)

	clk := clock.Real()
	ledger := account.NewLedger(clk, cfg.DefaultCooldownMs)
	strategy := strategies.New(cfg.Strategy, ledger, clk)
	creds := account.NewCredentials(clk, cfg.TokenCacheTTLMs, nil, nil)
	manager := account.NewManager(cfg, clk, ledger, strategy, creds, store.NewFileStore(cfg.AccountsPath))

	if err := manager.Load(); err != nil {
		utils.Error("[Startup] Failed to load accounts: %v", err)
		os.Exit(1)
	}
	if manager.Count() == 0 {
		utils.Warn("[Startup] No accounts configured. Add one with: antigravity-accounts add")
	}

	projects := cloudcode.NewProjectResolver(cfg)
	dispatcher := cloudcode.NewDispatcher(cfg, clk, manager, projects, nil)
	srv := server.New(cfg, manager, dispatcher)

	printBanner(cfg, manager)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := srv.HTTPServer(addr)

	go func() {
		utils.Info("[Server] Starting on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.Error("[Server] Failed to start: %v", err)
			os.Exit(1)
		}
	}()
	utils.Success("Server started on port %d", cfg.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	utils.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		utils.Error("Server forced to shutdown: %v", err)
		os.Exit(1)
	}
	if redisClient != nil {
		redisClient.Close()
	}
	utils.Success("Server stopped")
}

func printBanner(cfg *config.Config, manager *account.Manager) {
	status := manager.GetStatus()

	displayHost := cfg.Host
	if displayHost == "0.0.0.0" {
		displayHost = "localhost"
	}

	statusLines := []string{
		fmt.Sprintf("    Strategy: %s", strategies.Label(cfg.Strategy)),
		fmt.Sprintf("    Accounts: %s", status.Summary),
	}
	if cfg.DevMode {
		statusLines = append(statusLines, "    Developer mode enabled")
	}
	if cfg.FallbackEnabled {
		statusLines = append(statusLines, "    Model fallback enabled")
	}
	if cfg.RedisAddr != "" {
		statusLines = append(statusLines, "    Redis signature cache: "+cfg.RedisAddr)
	}

	fmt.Println(`
╔══════════════════════════════════════════════════════════════╗
║              Antigravity Relay v` + config.Version + `                         ║
╠══════════════════════════════════════════════════════════════╣`)
	fmt.Printf("║  Listening at: http://%s:%-29d ║\n", displayHost, cfg.Port)
	fmt.Println("║                                                              ║")
	for _, line := range statusLines {
		fmt.Printf("║  %-60s ║\n", line)
	}
	fmt.Println("║                                                              ║")
	fmt.Println("║  Endpoints:                                                  ║")
	fmt.Println("║    POST /v1/messages         - Anthropic Messages API        ║")
	fmt.Println("║    GET  /v1/models           - List available models         ║")
	fmt.Println("║    GET  /health              - Health check                  ║")
	fmt.Println("║    GET  /account-limits      - Account status and quotas     ║")
	fmt.Println("║    POST /refresh-token       - Force token refresh           ║")
	fmt.Println("║                                                              ║")
	fmt.Println("║  Usage with an Anthropic client:                             ║")
	fmt.Printf("║    export ANTHROPIC_BASE_URL=http://localhost:%-14d ║\n", cfg.Port)
	fmt.Println("║                                                              ║")
	fmt.Printf("║  Config: %-51s ║\n", config.ConfigDir())
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
}
