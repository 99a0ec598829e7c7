package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/user/llm-router-go/internal/api"
	"github.com/user/llm-router-go/internal/config"
	"github.com/user/llm-router-go/internal/database"
	"github.com/user/llm-router-go/internal/pkg/paths"
	"github.com/user/llm-router-go/internal/repository"
	"github.com/user/llm-router-go/internal/service"
	"github.com/user/llm-router-go/internal/version"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	configPath := ""
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v":
			fmt.Println(version.Info())
			os.Exit(0)
		case "--init":
			if err := runInit(); err != nil {
				log.Fatalf("init: %v", err)
			}
			os.Exit(0)
		case "--help", "-h":
			printUsage()
			os.Exit(0)
		case "--config", "-c":
			if len(os.Args) < 3 {
				log.Fatal("--config requires a file path")
			}
			configPath = os.Args[2]
		default:
			configPath = os.Args[1]
		}
	}
	if configPath == "" {
		configPath = os.Getenv("LLM_ROUTER_CONFIG")
	}
	if err := run(configPath); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func printUsage() {
	fmt.Printf("LLM Router - %s\n\n", version.Short())
	fmt.Println("Usage: llm-router [OPTIONS] [CONFIG_FILE]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config, -c FILE  Load configuration from FILE")
	fmt.Println("  --init             Generate config.example.json template")
	fmt.Println("  --version, -v      Show version information")
	fmt.Println("  --help, -h         Show this help message")
	fmt.Println()
	fmt.Println("Configuration resolution: defaults, then the JSON config file,")
	fmt.Println("then LLM_ROUTER_* environment variables.")
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = paths.GetDBPath()
	}
	if cfg.Blacklist.PersistenceFile == "" {
		cfg.Blacklist.PersistenceFile = paths.GetStateFilePath()
	}

	logger, err := newLogger(cfg.Server.LogLevel, paths.GetLogDir(), cfg.LogRotation)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting llm-router",
		zap.String("version", version.Short()),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
	)

	db, err := database.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	if err := database.RunMigrations(db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	metricsRepo := repository.NewRequestMetricsRepository(db, logger)

	coreRouter, err := service.NewCoreRouterFromConfig(cfg, logger)
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	events := service.NewEventBus(0, logger)
	blacklist := service.NewBlacklistManager(cfg.Blacklist, events, logger)
	defer blacklist.Close()
	health := service.NewHealthManager(0, 0, 0, logger)

	orchestrator := service.NewOrchestratorFromConfig(cfg, coreRouter, events, blacklist, health, logger)

	// Log lifecycle events for operators.
	eventCh, cancelEvents := events.Subscribe()
	defer cancelEvents()
	go func() {
		for ev := range eventCh {
			logger.Info("router event",
				zap.String("event", ev.Name),
				zap.ByteString("payload", ev.Payload))
		}
	}()

	server := api.NewServer(api.ServerDeps{
		Config:       cfg,
		Orchestrator: orchestrator,
		CoreRouter:   coreRouter,
		Health:       health,
		Blacklist:    blacklist,
		Events:       events,
		Metrics:      metricsRepo,
		Logger:       logger,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // slow upstreams need a long write timeout
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("server started", zap.String("addr", addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func newLogger(level string, logDir string, rotation config.LogRotationConfig) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug", "DEBUG":
		zapLevel = zap.DebugLevel
	case "warn", "WARN":
		zapLevel = zap.WarnLevel
	case "error", "ERROR":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", logDir, err)
	}

	lj := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "llm-router.log"),
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
	}

	// File core: JSON encoder for structured log parsing
	fileEncoderCfg := zap.NewProductionEncoderConfig()
	fileEncoderCfg.TimeKey = "ts"
	fileEncoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(fileEncoderCfg),
		zapcore.AddSync(lj),
		zapLevel,
	)

	// Console core: human-readable output to stdout/stderr
	consoleEncoderCfg := zap.NewDevelopmentEncoderConfig()
	consoleEncoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderCfg)

	// stdout for DEBUG/INFO, stderr for WARN/ERROR+
	stdoutCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.Lock(os.Stdout),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapLevel && l < zapcore.WarnLevel
		}),
	)
	stderrCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.Lock(os.Stderr),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapLevel && l >= zapcore.WarnLevel
		}),
	)

	core := zapcore.NewTee(fileCore, stdoutCore, stderrCore)

	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	), nil
}
