// tailgame subscribes to a game and prints every event as it lands in the
// replica. Handy for watching a pod live and for smoke-testing the
// supervisor against a real server.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conclave-gg/conclave/internal/engine"
	"github.com/conclave-gg/conclave/internal/session"
)

func main() {
	var (
		baseURL = flag.String("url", "ws://localhost:8080", "server base URL")
		token   = flag.String("token", "", "bearer token")
		rawGame = flag.String("game", "", "game id")
	)
	flag.Parse()

	gameID, err := uuid.Parse(*rawGame)
	if err != nil {
		log.Fatalf("invalid -game: %v", err)
	}
	if *token == "" {
		log.Fatal("missing -token")
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess := session.New(gameID, session.NewDialer(*baseURL), session.Config{
		Logger: logger,
		OnChange: func(s engine.State) {
			fields := []zap.Field{
				zap.String("status", string(s.Game.Status)),
				zap.Int("players", len(s.Players)),
			}
			for _, p := range s.Players {
				fields = append(fields, zap.Int(p.DisplayName, p.CurrentLife))
			}
			logger.Info("state", fields...)
		},
	})

	if err := sess.Connect(ctx, *token); err != nil {
		logger.Fatal("connect", zap.Error(err))
	}

	<-ctx.Done()
	if err := sess.Close(context.Background()); err != nil {
		logger.Warn("close", zap.Error(err))
	}
}
