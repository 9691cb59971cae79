package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rowanlabs/syncboard-backend/internal/chat"
	"github.com/rowanlabs/syncboard-backend/internal/clients/bot"
	"github.com/rowanlabs/syncboard-backend/internal/db"
	"github.com/rowanlabs/syncboard-backend/internal/handlers"
	"github.com/rowanlabs/syncboard-backend/internal/middleware"
	"github.com/rowanlabs/syncboard-backend/internal/pkg/logger"
	"github.com/rowanlabs/syncboard-backend/internal/realtime"
	"github.com/rowanlabs/syncboard-backend/internal/realtime/bus"
	"github.com/rowanlabs/syncboard-backend/internal/repos"
	"github.com/rowanlabs/syncboard-backend/internal/server"
	"github.com/rowanlabs/syncboard-backend/internal/services"
	"github.com/rowanlabs/syncboard-backend/internal/utils"
	"github.com/rowanlabs/syncboard-backend/internal/ws"
)

func main() {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Loading environment variables...")
	jwtSecretKey := utils.GetEnv("JWT_SECRET_KEY", "defaultsecret", log)
	port := utils.GetEnv("PORT", "8080", log)

	log.Info("Setting up Postgres...")
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	log.Info("Setting up repos...")
	chatMessageRepo := repos.NewChatMessageRepo(thePG, log)

	log.Info("Setting up realtime registries...")
	registry := realtime.NewRegistry(log)
	aborts := realtime.NewAbortRegistry(log)

	// Admission control: both topics carry opaque uuid instance ids; anything
	// else is refused at subscribe time. Project/board membership checks are
	// the main app's concern, not this service's.
	admitUUID := func(ctx context.Context, c realtime.Client, topicID string) (bool, error) {
		_, err := uuid.Parse(topicID)
		return err == nil, nil
	}
	registry.RegisterValidator(realtime.TopicBoard, admitUUID)
	registry.RegisterValidator(realtime.TopicProject, admitUUID)

	log.Info("Setting up chat pipeline...")
	var resolver chat.ResponderResolver
	if botClient, err := bot.NewClient(log); err != nil {
		log.Warn("Bot client not configured; chat will report unavailable", "error", err)
		resolver = chat.StaticResolver{}
	} else {
		resolver = chat.StaticResolver{Responder: botClient}
	}
	pipeline := chat.NewPipeline(log, chatMessageRepo, resolver, aborts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Optional cross-process fan-out: locally emitted events go out over redis
	// and every instance (this one included) replays inbound ones into its own
	// registry. Without redis, emits go straight to the local registry.
	log.Info("Setting up event bus...")
	var emitter services.Emitter
	if eventBus, err := bus.NewRedisBus(log); err != nil {
		log.Warn("Redis bus not configured; fan-out is local to this process", "error", err)
		emitter = &services.RegistryEmitter{Registry: registry}
	} else {
		defer eventBus.Close()
		if err := eventBus.StartForwarder(ctx, bus.Replay(registry)); err != nil {
			log.Error("Failed to start redis forwarder", "error", err)
			os.Exit(1)
		}
		emitter = &services.BusEmitter{Log: log, Bus: eventBus}
	}

	log.Info("Setting up services and handlers...")
	authService := services.NewAuthService(log, jwtSecretKey)
	authMiddleware := middleware.NewAuthMiddleware(log, authService)
	wsHandler := ws.NewHandler(log, registry, aborts, pipeline)
	chatHandler := handlers.NewChatHandler(log, chatMessageRepo)
	realtimeHandler := handlers.NewRealtimeHandler(log, emitter)

	router := server.NewRouter(server.RouterConfig{
		AuthMiddleware:  authMiddleware,
		WSHandler:       wsHandler,
		ChatHandler:     chatHandler,
		RealtimeHandler: realtimeHandler,
	})

	srv := &http.Server{Addr: ":" + port, Handler: router}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
