package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"polychat/internal/broker"
	"polychat/internal/chat"
	"polychat/internal/config"
	"polychat/internal/db"
	myMiddleware "polychat/internal/middleware"
	"polychat/internal/telemetry"
	"polychat/internal/translate"
	"polychat/internal/user"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// 1. Config & Flags
	envFile := flag.String("env", ".env", "optional dotenv file")
	addr := flag.String("addr", "", "http service address (overrides ADDR)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "polychat", cfg.OTelEndpoint, cfg.OTelEnabled)
	if err != nil {
		log.Fatalf("❌ Failed to set up tracing: %v", err)
	}

	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(cfg.DSN)
	if err != nil {
		log.Fatalf("❌ Failed to connect to DB: %v", err)
	}
	log.Println("✅ Connected to PostgreSQL")

	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}
	log.Println("✅ Database Schema Initialized")

	// 3. Connect to Redis (Platform Layer)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		log.Fatalf("❌ Failed to connect to Redis: %v", err)
	}
	log.Println("✅ Connected to Redis")

	// 4. Initialize User Feature
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userHandler := user.NewHandler(userService)

	// 5. Initialize Chat Feature
	chatRepo := chat.NewRepository(database.Conn)
	translator := translate.NewOpenAI(translate.OpenAIConfig{
		Model:      cfg.TranslationModel,
		BaseURL:    cfg.TranslationBaseURL,
		Timeout:    cfg.TranslationTimeout,
		MaxRetries: cfg.TranslationMaxRetries,
	})
	pubsub := broker.NewRedis(redisClient)
	publisher := chat.NewPublisher(pubsub, cfg.PublishMaxAttempts, cfg.PublishRetryDelay)

	hub := chat.NewHub(chat.Deps{
		Store:     chatRepo,
		Broker:    pubsub,
		Fanout:    chat.NewFanout(chatRepo, translator, cfg.ChatHistoryMessages),
		Publisher: publisher,
		QueueSize: cfg.SubscriptionQueueSize,
	})
	go hub.Run()

	chatHandler := chat.NewHandler(hub, chat.NewConversations(chatRepo, publisher))
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 6. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/healthz", chatHandler.Healthz)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)

		// WebSocket (Real-time)
		r.Get("/ws", chatHandler.ServeWs)

		r.Route("/api", func(r chi.Router) {
			r.Get("/users/search", userHandler.Search)
			r.Get("/users/me", userHandler.Me)
			r.Patch("/users/me", userHandler.UpdateSettings)

			r.Patch("/translations/{id}", chatHandler.MarkRead)

			r.Post("/conversations", chatHandler.StartConversation)
			r.Route("/conversations/{id}", func(r chi.Router) {
				r.Get("/", chatHandler.GetConversation)
				r.Delete("/", chatHandler.DeleteConversation)
				r.Patch("/members", chatHandler.UpdateMembers)
				r.Patch("/name", chatHandler.RenameConversation)
				r.Patch("/photo", chatHandler.UpdatePhoto)
				r.Get("/messages", chatHandler.GetChatHistory)
			})
		})
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: r}
	go func() {
		log.Printf("🚀 Server starting on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	log.Println("🛑 Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by the http server, so
	// the hub closes them itself.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("❌ HTTP shutdown: %v", err)
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		log.Printf("❌ Hub shutdown: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("❌ Tracing shutdown: %v", err)
	}
	if err := redisClient.Close(); err != nil {
		log.Printf("❌ Redis close: %v", err)
	}
	if err := database.Conn.Close(); err != nil {
		log.Printf("❌ DB close: %v", err)
	}
	log.Println("✅ Shutdown complete")
}
