// Package main provides the standalone room gateway daemon. It terminates
// client websocket connections directly and echoes room traffic back to the
// sender, which makes it a drop-in endpoint for local client development.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/halcyon-games/roomlink/auth"
	"github.com/halcyon-games/roomlink/gateway"
	"github.com/halcyon-games/roomlink/internal/config"
	"github.com/halcyon-games/roomlink/internal/observability"
	"github.com/halcyon-games/roomlink/internal/server"
)

// echoApp verifies session tokens and reflects every inbound payload back
// to the user that sent it.
type echoApp struct {
	cfg config.AuthConfig
	log *zap.Logger

	gw *gateway.Server
}

func (a *echoApp) VerifyToken(token string, roomID gateway.RoomID) (gateway.UserID, bool) {
	userID, ok := auth.VerifyJWT(token, a.cfg.Secret, a.cfg.UserIDField)
	if !ok {
		a.log.Debug("rejected token", zap.String("room_id", string(roomID)))
		return "", false
	}
	return gateway.UserID(userID), true
}

func (a *echoApp) SubscribeUser(roomID gateway.RoomID, userID gateway.UserID) {
	a.log.Info("user joined",
		zap.String("room_id", string(roomID)),
		zap.String("user_id", string(userID)),
	)
}

func (a *echoApp) UnsubscribeUser(roomID gateway.RoomID, userID gateway.UserID) {
	a.log.Info("user left",
		zap.String("room_id", string(roomID)),
		zap.String("user_id", string(userID)),
	)
}

func (a *echoApp) OnMessage(roomID gateway.RoomID, userID gateway.UserID, data []byte) error {
	a.gw.SendMessage(roomID, userID, data)
	return nil
}

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting room gateway",
		zap.String("gateway_addr", cfg.Gateway.Addr()),
	)

	app := &echoApp{cfg: cfg.Auth, log: logger}
	gw := gateway.NewServer(app, logger)
	app.gw = gw

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("gateway", &server.FuncService{
		StartFn: func() error {
			return gw.ListenAndServe(cfg.Gateway.Addr())
		},
		StopFn: func() {
			gw.Stop()
		},
	})

	logger.Info("gateway initialized",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
