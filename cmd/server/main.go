// Package main provides the Antigravity Claude Proxy server.
// This file corresponds to src/index.js in the Node.js version.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/antigravity-proxy/antigravity-proxy-go/internal/account"
	"github.com/antigravity-proxy/antigravity-proxy-go/internal/account/strategies"
	"github.com/antigravity-proxy/antigravity-proxy-go/internal/config"
	"github.com/antigravity-proxy/antigravity-proxy-go/internal/format"
	"github.com/antigravity-proxy/antigravity-proxy-go/internal/modules"
	"github.com/antigravity-proxy/antigravity-proxy-go/internal/server"
	"github.com/antigravity-proxy/antigravity-proxy-go/internal/utils"
	"github.com/antigravity-proxy/antigravity-proxy-go/internal/webui"
	"github.com/antigravity-proxy/antigravity-proxy-go/pkg/redis"
)

const version = "1.0.0"

type serverFlags struct {
	debugMode    bool
	devMode      bool
	fallback     bool
	strategyName string
	port         int
	host         string
	redisAddr    string
}

func main() {
	flags := &serverFlags{}

	root := &cobra.Command{
		Use:     "antigravity-proxy-server",
		Short:   "Run the Antigravity Claude Proxy server",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(flags)
		},
	}

	root.Flags().BoolVar(&flags.debugMode, "debug", false, "Enable debug mode (legacy alias for dev-mode)")
	root.Flags().BoolVar(&flags.devMode, "dev-mode", false, "Enable developer mode")
	root.Flags().BoolVar(&flags.fallback, "fallback", false, "Enable model fallback on quota exhaust")
	root.Flags().StringVar(&flags.strategyName, "strategy", "", "Account selection strategy (sticky/round-robin/hybrid)")
	root.Flags().IntVar(&flags.port, "port", 0, "Server port (default: 8080)")
	root.Flags().StringVar(&flags.host, "host", "", "Bind address (default: 0.0.0.0)")
	root.Flags().StringVar(&flags.redisAddr, "redis-addr", "", "Redis address (default: discovered or localhost:6379)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(flags *serverFlags) error {
	sources := config.Discover()

	debugMode, devMode, fallback, strategyName := flags.debugMode, flags.devMode, flags.fallback, flags.strategyName

	if os.Getenv("DEBUG") == "true" || os.Getenv("DEV_MODE") == "true" {
		devMode = true
	}
	if os.Getenv("FALLBACK") == "true" {
		fallback = true
	}
	if debugMode {
		devMode = true
	}

	port := flags.port
	if port == 0 {
		if envPort := os.Getenv("PORT"); envPort != "" {
			fmt.Sscanf(envPort, "%d", &port)
		}
	}
	if port == 0 {
		port = sources.Port
	}
	if port == 0 {
		port = config.DefaultPort
	}

	host := flags.host
	if host == "" {
		host = os.Getenv("HOST")
	}
	if host == "" {
		host = "0.0.0.0"
	}

	if strategyName != "" {
		validStrategies := []string{strategies.StrategySticky, strategies.StrategyRoundRobin, strategies.StrategyHybrid}
		valid := false
		for _, s := range validStrategies {
			if strings.ToLower(strategyName) == s {
				valid = true
				strategyName = s
				break
			}
		}
		if !valid {
			utils.Warn("[Startup] Invalid strategy \"%s\". Valid options: %s. Using default.",
				strategyName, strings.Join(validStrategies, ", "))
			strategyName = ""
		}
	}

	utils.SetDebug(devMode)

	cfg := config.DefaultConfig()
	if err := cfg.Load(); err != nil {
		utils.Warn("[Startup] Failed to load config: %v", err)
	}
	cfg.DevMode = devMode
	if devMode {
		utils.Debug("Developer mode enabled")
	}
	if fallback {
		utils.Info("Model fallback mode enabled")
	}

	redisAddr := flags.redisAddr
	if redisAddr == "" {
		redisAddr = cfg.RedisAddr
	}
	if redisAddr == "" {
		redisAddr = sources.RedisAddr
	}

	redisClient, err := redis.NewClient(redis.Config{
		Addr:     redisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		utils.Error("[Startup] Failed to connect to Redis: %v", err)
		utils.Warn("[Startup] Starting without Redis - using in-memory storage")
		redisClient = nil
	}

	format.InitGlobalSignatureCache(redisClient)

	accountManager := account.NewManager(redisClient, cfg)

	usageStats := modules.NewUsageStats(redisClient)
	usageStats.Initialize()

	srv := server.New(cfg, accountManager, server.Options{
		FallbackEnabled:  fallback,
		StrategyOverride: strategyName,
		Debug:            devMode,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := srv.Initialize(ctx); err != nil {
		utils.Error("[Startup] Failed to initialize server: %v", err)
		cancel()
		return err
	}
	cancel()

	srv.SetupRoutes()

	engine := srv.Engine()
	engine.Use(usageStats.Middleware())

	webuiRouter := webui.NewRouter(accountManager, cfg, usageStats)
	publicDir := getPublicDir()
	webuiRouter.Mount(engine, publicDir)

	apiGroup := engine.Group("/api")
	usageStats.SetupRoutes(apiGroup)

	printBanner(port, host, strategyName, devMode, fallback, accountManager, cfg)

	addr := fmt.Sprintf("%s:%d", host, port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // Long timeout for AI responses
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		utils.Info("[Server] Starting on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.Error("[Server] Failed to start: %v", err)
			os.Exit(1)
		}
	}()

	utils.Success("Server started successfully on port %d", port)
	if devMode {
		utils.Warn("Running in DEVELOPER mode - verbose logs enabled")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	utils.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	usageStats.Shutdown()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		utils.Error("Server forced to shutdown: %v", err)
		return err
	}

	if redisClient != nil {
		redisClient.Close()
	}

	utils.Success("Server stopped")
	return nil
}

// getPublicDir returns the path to the public directory
func getPublicDir() string {
	// Try relative to executable
	exe, err := os.Executable()
	if err == nil {
		dir := filepath.Join(filepath.Dir(exe), "..", "public")
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
	}

	// Try relative to working directory
	cwd, err := os.Getwd()
	if err == nil {
		dir := filepath.Join(cwd, "public")
		if _, err := os.Stat(dir); err == nil {
			return dir
		}

		// Try parent directory (for when running from go-backend)
		dir = filepath.Join(cwd, "..", "public")
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
	}

	// Default
	return "public"
}

// printBanner prints the startup banner
func printBanner(port int, host, strategy string, devMode, fallback bool, am *account.Manager, cfg *config.Config) {
	// Clear console
	fmt.Print("\033[H\033[2J")

	status := am.GetStatus()
	strategyLabel := strategies.GetStrategyLabel(am.GetStrategyName())

	homeDir, _ := os.UserHomeDir()
	configDir := filepath.Join(homeDir, ".antigravity-claude-proxy")

	displayHost := host
	if host == "0.0.0.0" {
		displayHost = "localhost"
	}

	// Build status lines
	statusLines := []string{
		fmt.Sprintf("    ✓ Strategy: %s", strategyLabel),
		fmt.Sprintf("    ✓ Accounts: %s", status.Summary),
	}
	if devMode {
		statusLines = append(statusLines, "    ✓ Developer mode enabled")
	}
	if fallback {
		statusLines = append(statusLines, "    ✓ Model fallback enabled")
	}

	// Build control lines
	controlLines := []string{
		"    --strategy=<s>     Set account selection strategy",
		"                       (sticky/round-robin/hybrid)",
	}
	if !devMode {
		controlLines = append(controlLines, "    --dev-mode         Enable developer mode")
	}
	if !fallback {
		controlLines = append(controlLines, "    --fallback         Enable model fallback on quota exhaust")
	}
	controlLines = append(controlLines, "    Ctrl+C             Stop server")

	fmt.Println(`
╔══════════════════════════════════════════════════════════════╗
║            Antigravity Claude Proxy Server v` + version + `            ║
╠══════════════════════════════════════════════════════════════╣
║                                                              ║`)
	fmt.Printf("║  Server and WebUI running at: http://%s:%-15d ║\n", displayHost, port)
	fmt.Printf("║  Bound to: %s:%-42d ║\n", host, port)
	fmt.Println("║                                                              ║")
	fmt.Println("║  Active Modes:                                               ║")
	for _, line := range statusLines {
		fmt.Printf("║  %-60s ║\n", line)
	}
	fmt.Println("║                                                              ║")
	fmt.Println("║  Control:                                                    ║")
	for _, line := range controlLines {
		fmt.Printf("║  %-60s ║\n", line)
	}
	fmt.Println("║                                                              ║")
	fmt.Println("║  Endpoints:                                                  ║")
	fmt.Println("║    POST /v1/messages         - Anthropic Messages API        ║")
	fmt.Println("║    GET  /v1/models           - List available models         ║")
	fmt.Println("║    GET  /health              - Health check                  ║")
	fmt.Println("║    GET  /account-limits      - Account status & quotas       ║")
	fmt.Println("║    POST /refresh-token       - Force token refresh           ║")
	fmt.Println("║                                                              ║")
	fmt.Println("║  Configuration:                                              ║")
	fmt.Printf("║    Storage: %-50s ║\n", configDir)
	fmt.Println("║                                                              ║")
	fmt.Println("║  Usage with Claude Code:                                     ║")
	fmt.Printf("║    export ANTHROPIC_BASE_URL=http://localhost:%-15d ║\n", port)
	fmt.Printf("║    export ANTHROPIC_API_KEY=%-33s ║\n", cfg.APIKey)
	fmt.Println("║    claude                                                    ║")
	fmt.Println("║                                                              ║")
	fmt.Println("║  Add Google accounts:                                        ║")
	fmt.Println("║    antigravity-accounts add                                  ║")
	fmt.Println("║                                                              ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
}
