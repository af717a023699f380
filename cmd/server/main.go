package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/mux"
	"github.com/weiawesome/lobbycast/internal/config"
	"github.com/weiawesome/lobbycast/internal/lobby"
	"github.com/weiawesome/lobbycast/internal/realtime"
	"github.com/weiawesome/lobbycast/internal/rpc"
	"github.com/weiawesome/lobbycast/internal/service"
	"github.com/weiawesome/lobbycast/pkg/jwt"
	pkglog "github.com/weiawesome/lobbycast/pkg/log"
	"github.com/weiawesome/lobbycast/pkg/pubsub"
	_ "github.com/weiawesome/lobbycast/pkg/pubsub/kafkabus"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	pkglog.Init(cfg.Log)
	logger := pkglog.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Broker connections
	conns, err := pubsub.Connect(ctx, cfg.PubSub)
	if err != nil {
		logger.Fatal().Err(err).Str(pkglog.FieldDriver, cfg.PubSub.Driver).Msg("failed to connect to broker")
	}
	defer conns.Close()
	logger.Info().Str(pkglog.FieldDriver, cfg.PubSub.Driver).Msg("connected to broker")

	tokens, err := jwt.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Duration)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid jwt configuration")
	}

	broadcaster := lobby.NewBroadcaster(conns)
	publishers := lobby.Fanout{broadcaster}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), pkglog.GinMiddleware(pkglog.Component("http")))

	if cfg.Realtime.Enabled {
		pusherClient := realtime.NewPusherClient(realtime.AppConfig{
			AppID:   cfg.Realtime.AppID,
			Key:     cfg.Realtime.Key,
			Secret:  cfg.Realtime.Secret,
			Cluster: cfg.Realtime.Cluster,
			Host:    cfg.Realtime.Host,
			Secure:  cfg.Realtime.Host == "",
		})
		publishers = append(publishers, realtime.NewNotifier(pusherClient))
		realtime.NewOrigin(pusherClient).RegisterRoutes(engine, tokens)
		logger.Info().Str("cluster", cfg.Realtime.Cluster).Msg("realtime transport enabled")
	}

	router := rpc.NewRouter()
	service.NewLobbyService(broadcaster, publishers).Register(router)

	// HTTP routes
	hub := rpc.NewHub()
	r := mux.NewRouter()
	r.Use(pkglog.HTTPMiddleware(pkglog.Component("http")))
	rpc.NewWSHandler(hub, router, tokens, cfg.WebSocket).RegisterRoutes(r)

	srv := rpc.NewServer(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), hub, r)
	r.HandleFunc("/healthz", srv.HealthHandler)
	r.PathPrefix("/api/").Handler(engine)

	listener, err := srv.Listen()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to bind")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(listener)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		notified, err := srv.Shutdown(shutdownCtx)
		logger.Info().Int(pkglog.FieldConnections, notified).Msg("server stopped")
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		conns.Close()
		os.Exit(1)
	}
}
