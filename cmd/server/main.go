package main

import (
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tabitabe/multiparty-meeting/internals/config"
	"github.com/tabitabe/multiparty-meeting/internals/media"
	"github.com/tabitabe/multiparty-meeting/internals/server"
	"github.com/tabitabe/multiparty-meeting/internals/utils"
)

func main() {
	cfg := config.LoadConfig()

	// Flags override environment values.
	host := flag.String("host", cfg.Server.Host, "listen host")
	port := flag.Int("port", cfg.Server.Port, "listen port")
	logLevel := flag.String("log-level", cfg.Logging.Level, "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", cfg.Logging.Format, "log format (json, console)")
	redisAddr := flag.String("redis-addr", cfg.Redis.Addr, "redis address for the cross-instance relay")
	flag.Parse()

	cfg.Server.Host = *host
	cfg.Server.Port = *port
	cfg.Logging.Level = *logLevel
	cfg.Logging.Format = *logFormat
	cfg.Redis.Addr = *redisAddr

	logger, err := utils.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting multiparty meeting server")

	srv, err := server.NewServer(cfg, media.NewLoopbackBridge(logger), logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-sigChan
	logger.Info("Received shutdown signal")

	srv.Stop()
	logger.Info("Server stopped")
}
