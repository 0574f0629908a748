// Package main runs the lobby server: the WebSocket transport, the lobby hub,
// and the optional gRPC health service.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/cardlobby/internal/broadcast"
	"github.com/cory-johannsen/cardlobby/internal/config"
	"github.com/cory-johannsen/cardlobby/internal/health"
	"github.com/cory-johannsen/cardlobby/internal/hub"
	"github.com/cory-johannsen/cardlobby/internal/lobby"
	"github.com/cory-johannsen/cardlobby/internal/observability"
	"github.com/cory-johannsen/cardlobby/internal/server"
	"github.com/cory-johannsen/cardlobby/internal/session"
	"github.com/cory-johannsen/cardlobby/internal/transport/ws"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, cfg.Server.Name)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting lobby server",
		zap.String("public_url", cfg.Server.PublicURL),
		zap.Int("code_length", cfg.Lobby.CodeLength),
		zap.Int("max_members", cfg.Lobby.MaxMembers),
		zap.Bool("allow_multi_membership", cfg.Lobby.AllowMultiMembership),
	)

	dir := lobby.NewDirectory(cfg.Lobby, nil)
	reg := session.NewRegistry(cfg.WebSocket.SendBuffer)
	gateway := broadcast.NewGateway(reg, logger)
	lobbyHub := hub.New(dir, reg, gateway, logger, cfg.Lobby.EventBuffer)
	acceptor := ws.NewAcceptor(cfg, lobbyHub, reg, dir, gateway, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lifecycle := server.NewLifecycle(logger, cfg.Server.ShutdownTimeout)

	// The hub stops last so disconnects from the closing transport are still applied.
	lifecycle.Add("hub", &server.FuncService{
		StartFn: func() error { return lobbyHub.Run(ctx) },
		StopFn:  lobbyHub.Stop,
	})
	if cfg.Health.Enabled {
		lifecycle.Add("health", health.NewServer(cfg.Health, logger))
	}
	lifecycle.Add("websocket", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn:  acceptor.Stop,
	})

	logger.Info("lobby server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("ws_addr", cfg.WebSocket.Addr()),
		zap.String("ws_path", cfg.WebSocket.Path),
		zap.Strings("services", lifecycle.Names()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
