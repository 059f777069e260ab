package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/havencare/haven/config"
	"github.com/havencare/haven/internal/api/handlers"
	"github.com/havencare/haven/internal/api/middleware"
	"github.com/havencare/haven/internal/api/routes"
	"github.com/havencare/haven/internal/cache"
	"github.com/havencare/haven/internal/logger"
	"github.com/havencare/haven/internal/providers/embedding"
	"github.com/havencare/haven/internal/providers/realtime"
	"github.com/havencare/haven/internal/providers/redactor"
	"github.com/havencare/haven/internal/redaction"
	mongorepo "github.com/havencare/haven/internal/repositories/mongo"
	"github.com/havencare/haven/internal/repositories/postgres"
	"github.com/havencare/haven/internal/services"
	"github.com/havencare/haven/internal/sideband"
	"github.com/havencare/haven/internal/storage"
	"github.com/havencare/haven/internal/workers"
)

func main() {
	_ = godotenv.Load()

	lg := logger.New()

	// Init MongoDB
	if err := config.InitMongo(); err != nil {
		log.Fatalf("MongoDB init error: %v", err)
	}
	fmt.Println("MongoDB connected")
	if err := config.EnsureMongoIndexes(); err != nil {
		log.Fatalf("MongoDB index error: %v", err)
	}

	// Init PostgreSQL
	if err := config.InitPostgres(); err != nil {
		log.Fatalf("PostgreSQL init error: %v", err)
	}
	fmt.Println("PostgreSQL connected")
	if err := config.MigratePostgres(); err != nil {
		log.Fatalf("PostgreSQL migrate error: %v", err)
	}

	// Init Redis
	if err := config.InitRedis(); err != nil {
		log.Fatalf("Redis init error: %v", err)
	}
	fmt.Println("Redis connected")

	ctx := context.Background()

	// Repositories
	sessionRepo := postgres.NewSessionRepo(config.PostgresDB)
	messageRepo := postgres.NewMessageRepo(config.PostgresDB)
	configRepo := postgres.NewConfigRepo(config.PostgresDB)
	eventRepo := mongorepo.NewEventRepo(config.MongoDatabase())

	// Providers
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		log.Fatalf("OPENAI_API_KEY environment variable is not set")
	}
	rt := realtime.NewOpenAIRealtime(apiKey, os.Getenv("OPENAI_REALTIME_MODEL"), os.Getenv("OPENAI_BASE_URL"))

	red, err := buildRedactor(ctx, apiKey)
	if err != nil {
		log.Fatalf("redactor init error: %v", err)
	}
	defer red.Close()

	var embedder embedding.Provider = embedding.NewOpenAIEmbedder(apiKey, os.Getenv("EMBEDDING_MODEL"), os.Getenv("OPENAI_BASE_URL"))

	var objects storage.ObjectStore
	if bucket := os.Getenv("GCS_BUCKET"); bucket != "" {
		store, err := storage.NewGCSStore(ctx, bucket)
		if err != nil {
			lg.WithError(err).Warn("object store unavailable, transcript export disabled")
		} else {
			objects = store
		}
	}

	// Services and sideband plumbing
	configSvc := services.NewConfigService(configRepo, cache.NewRedisCache(config.RedisClient))
	queue := workers.NewRedactionQueue(config.RedisClient)
	ingestion := services.NewIngestionService(messageRepo, queue, lg)
	fanout := services.NewEventFanout(eventRepo, config.RedisClient)
	manager := sideband.NewManager(rt, sessionRepo, fanout, ingestion, lg)
	pipeline := redaction.NewPipeline(messageRepo, red, configSvc, lg)

	sessionSvc := services.NewSessionService(sessionRepo, eventRepo, manager, configSvc)
	messageSvc := services.NewMessageService(messageRepo, sessionRepo, pipeline, queue, embedder)
	exportSvc := services.NewExportService(sessionRepo, messageRepo, objects)

	// Redaction workers
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	pool := &workers.RedactionWorkerPool{
		Redis:      config.RedisClient,
		Pipeline:   pipeline,
		NumWorkers: envInt("REDACTION_WORKERS", 4),
		Messages:   messageRepo,
		Embedder:   embedder,
		Logger:     lg,
	}
	if err := pool.Start(workerCtx); err != nil {
		log.Fatalf("redaction worker init error: %v", err)
	}

	// HTTP server
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(lg))

	routes.RegisterRoutes(r, routes.Deps{
		Session: handlers.NewSessionHandler(sessionSvc, exportSvc),
		Message: handlers.NewMessageHandler(messageSvc, sessionSvc),
		Config:  handlers.NewConfigHandler(configSvc),
		Monitor: handlers.NewMonitorHandler(sessionSvc, config.RedisClient),
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{Addr: ":" + port, Handler: r}

	go func() {
		lg.WithField("port", port).Info("api server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Block until interrupted, then drain: stop accepting requests, close
	// live sideband connections (final state writes included), stop workers.
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	lg.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.WithError(err).Warn("http server shutdown")
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		lg.WithError(err).Warn("sideband manager shutdown")
	}
	stopWorkers()

	if err := config.MongoClient.Disconnect(shutdownCtx); err != nil {
		lg.WithError(err).Warn("mongo disconnect")
	}
}

// buildRedactor picks the de-identification backend. Vertex is opt-in;
// the OpenAI chat endpoint is the default and shares the realtime key.
func buildRedactor(ctx context.Context, openAIKey string) (redactor.Provider, error) {
	switch os.Getenv("REDACTION_PROVIDER") {
	case "vertex":
		projectID := os.Getenv("GCP_PROJECT_ID")
		if projectID == "" {
			return nil, errors.New("REDACTION_PROVIDER=vertex requires GCP_PROJECT_ID")
		}
		return redactor.NewVertexGemini(ctx, projectID, os.Getenv("GCP_LOCATION"), os.Getenv("VERTEX_REDACTION_MODEL"))
	default:
		return redactor.NewOpenAIRedactor(openAIKey, os.Getenv("OPENAI_REDACTION_MODEL"), os.Getenv("OPENAI_BASE_URL")), nil
	}
}

func envInt(key string, def int) int {
	if raw := os.Getenv(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return def
}
