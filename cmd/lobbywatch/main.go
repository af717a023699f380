// Command lobbywatch follows a user's lobby and prints every change as a
// JSON line, over the broker or the realtime transport.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/weiawesome/lobbycast/internal/config"
	"github.com/weiawesome/lobbycast/internal/lobby"
	"github.com/weiawesome/lobbycast/internal/realtime"
	pkglog "github.com/weiawesome/lobbycast/pkg/log"
	"github.com/weiawesome/lobbycast/pkg/pubsub"
	_ "github.com/weiawesome/lobbycast/pkg/pubsub/kafkabus"
)

type line struct {
	User   string        `json:"user"`
	Change *lobby.Change `json:"change"`
	At     time.Time     `json:"at"`
}

func main() {
	userID := pflag.StringP("user", "u", "", "user whose lobby to follow")
	transport := pflag.StringP("transport", "t", "broker", `"broker" or "realtime"`)
	requestJoin := pflag.String("request-join", "", "ask this user to add --user to their lobby, then exit (realtime only)")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}
	pkglog.Init(cfg.Log)
	logger := pkglog.L()

	if *userID == "" {
		pflag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var mu sync.Mutex
	enc := json.NewEncoder(os.Stdout)
	printChange := func(change *lobby.Change) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(line{User: *userID, Change: change, At: time.Now().UTC()}); err != nil {
			logger.Error().Err(err).Msg("write change")
		}
	}

	switch *transport {
	case "broker":
		conns, err := pubsub.Connect(ctx, cfg.PubSub)
		if err != nil {
			logger.Fatal().Err(err).Str(pkglog.FieldDriver, cfg.PubSub.Driver).Msg("failed to connect to broker")
		}
		defer conns.Close()

		sub, err := lobby.NewBroadcaster(conns).SubscribeToUser(*userID, printChange)
		if err != nil {
			logger.Fatal().Err(err).Msg("subscribe failed")
		}
		defer sub.Cancel()
		logger.Info().Str(pkglog.FieldChannel, sub.Channel()).Msg("following lobby")

	case "realtime":
		gw := realtime.NewGateway(realtime.ClientConfig{
			Key:     cfg.Realtime.Key,
			Cluster: cfg.Realtime.Cluster,
			URL:     cfg.Realtime.WSURL,
		}, realtime.NewHTTPAuthorizer(cfg.Realtime.Origin, cfg.Realtime.ServiceToken))
		defer gw.Close()

		if err := gw.Connect(ctx); err != nil {
			logger.Fatal().Err(err).Msg("realtime connect failed")
		}

		if *requestJoin != "" {
			if err := gw.SendClientEvent(ctx, *requestJoin, realtime.EventUserAdd, map[string]string{"userId": *userID}); err != nil {
				logger.Fatal().Err(err).Msg("join request failed")
			}
			logger.Info().Str(pkglog.FieldUserID, *requestJoin).Msg("join request sent")
			return
		}

		unsubscribe, err := gw.SubscribeToUser(ctx, *userID, printChange)
		if err != nil {
			logger.Fatal().Err(err).Msg("subscribe failed")
		}
		defer unsubscribe()
		logger.Info().Str(pkglog.FieldChannel, realtime.UserChannel(*userID)).Str("instance", gw.ID()).Msg("following lobby")

	default:
		logger.Fatal().Str("transport", *transport).Msg("unknown transport")
	}

	<-ctx.Done()
}
