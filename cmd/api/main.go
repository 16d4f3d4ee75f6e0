package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"skycredit/internal/calls"
	"skycredit/internal/config"
	"skycredit/internal/database"
	"skycredit/internal/evaluator"
	"skycredit/internal/handlers"
	"skycredit/internal/llm"
	"skycredit/internal/logging"
)

func main() {
	// 1. Load .env if present, then validate all environment variables; fail fast.
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// 2. Logger: everything to the log file, warnings and up to the console.
	logger, err := logging.New(cfg.LogDir, "app.log", cfg.LogLevel)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer logger.Sync()

	// 3. Load and compile the YAML prompt templates.
	prompts, err := llm.LoadPrompts(cfg.PromptsPath)
	if err != nil {
		logger.Fatal("prompts", zap.Error(err))
	}
	client := llm.NewClient(cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.LLMModel, prompts, logger)

	// 4. Initialise the SQLite database and run migrations.
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		logger.Fatal("database dir", zap.Error(err))
	}
	db, err := database.Init(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer db.Close()

	// 5. Wire the call service and the router.
	ev := evaluator.New(client, prompts.ExpectedOutcomes, logger)
	svc := calls.NewService(db, client, ev, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(svc, cfg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 6. Serve until a shutdown signal arrives, then drain in-flight requests.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr), zap.String("model", cfg.LLMModel))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server", zap.Error(err))
	}
}
