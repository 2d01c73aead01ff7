package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"shopcache/internal/shopcache"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("SHOPCACHE_CONFIG", "/shopcache.yaml"), "path to shopcache.yaml")
	flag.Parse()

	cfg, err := shopcache.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := shopcache.NewLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	svc, err := shopcache.NewService(cfg, logger)
	if err != nil {
		logger.Fatal("init service", zap.Error(err))
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("listen", zap.String("addr", addr), zap.Error(err))
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("shopcache listening",
			zap.String("addr", addr),
			zap.String("origin", cfg.Server.Origin),
			zap.String("rootDomain", cfg.Server.RootDomain))
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
