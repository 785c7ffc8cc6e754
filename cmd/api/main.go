package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/z-tavern/npc/internal/app"
	"github.com/zhouzirui/z-tavern/npc/internal/config"
	"github.com/zhouzirui/z-tavern/npc/internal/handler"
	"github.com/zhouzirui/z-tavern/npc/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	appLog, err := logger.New(cfg.Log.Mode)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer appLog.Sync()

	if !cfg.LLM.Enabled() {
		appLog.Warn("LLM 凭证未配置，对话请求将返回上游错误；可设置 MOCK_LLM_RESPONSES=true 本地调试")
	}

	container, err := app.New(ctx, cfg, appLog)
	if err != nil {
		appLog.Fatal("failed to build application", "error", err)
	}
	defer func() {
		if err := container.Close(); err != nil {
			appLog.Warn("close resources", "error", err)
		}
	}()

	startServer(ctx, cfg.Server, handler.NewRouter(container), appLog)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, appLog *logger.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	appLog.Info("npc gateway listening", "addr", addr)
	if err := runServer(ctx, srv); err != nil {
		appLog.Error("server error", "error", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
