// Package main provides the roomhub binary: the HTTP/WebSocket gateway
// for realtime multiplayer rooms.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cory-johannsen/roomhub/internal/config"
	"github.com/cory-johannsen/roomhub/internal/diag"
	"github.com/cory-johannsen/roomhub/internal/engine"
	"github.com/cory-johannsen/roomhub/internal/gateway"
	"github.com/cory-johannsen/roomhub/internal/observability"
	"github.com/cory-johannsen/roomhub/internal/server"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting roomhub",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
	)

	hub := engine.NewHub()
	cache := diag.NewCache(cfg.Diagnostics.TTL)

	gw := gateway.New(hub, cache, logger, gateway.Options{
		ReasonLimit:            cfg.Gateway.ReasonLimit,
		MaxFrameBytes:          cfg.Gateway.MaxFrameBytes,
		RoomIdleTTL:            cfg.Rooms.IdleTTL,
		ScriptInstructionLimit: cfg.Script.InstructionLimit,
		ScriptQueueSize:        cfg.Script.QueueSize,
		Version:                version,
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	gw.Routes(router)

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("http", server.NewHTTPService(cfg.Server, router, logger))
	gwDone := make(chan struct{})
	lifecycle.Add("gateway", &server.FuncService{
		StartFn: func() error {
			<-gwDone
			return nil
		},
		StopFn: func() {
			gw.Shutdown()
			close(gwDone)
		},
	})

	logger.Info("roomhub initialized",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
