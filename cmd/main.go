/**
 * @description
 * This is the main entry point for the reunion registration service. It is
 * responsible for initializing all components of the service, including
 * configuration, database connection, the bKash gateway client, message
 * brokers, repositories, the core application service, the payment expiry
 * sweeper, and the HTTP server. It wires everything together and starts the
 * service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for distributed rate limiting.
 * - internal/api, internal/app, internal/config, internal/pricing, internal/store: Internal packages for the service.
 * - pkg/bkashclient: Client for the bKash tokenized checkout API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/alumnihq/reunion-service/internal/api"
	"github.com/alumnihq/reunion-service/internal/app"
	"github.com/alumnihq/reunion-service/internal/config"
	"github.com/alumnihq/reunion-service/internal/pricing"
	"github.com/alumnihq/reunion-service/internal/store"
	"github.com/alumnihq/reunion-service/pkg/bkashclient"
	"github.com/alumnihq/reunion-service/pkg/rabbitmq"
)

func main() {
	// Load the optional .env file before viper reads the environment.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting reunion-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Registration traffic spikes around the early-bird deadline; size the
	// pool the same way the other backend services do.
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind pgbouncer.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish registration events. The
	// service only publishes, so a missing broker degrades to a no-op.
	var producer rabbitmq.Publisher
	eventProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rabbitmq.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the bKash tokenized checkout API.
	bkashClient := bkashclient.NewClient(cfg.BkashBaseURL, bkashclient.Credentials{
		AppKey:    cfg.BkashAppKey,
		AppSecret: cfg.BkashAppSecret,
		Username:  cfg.BkashUsername,
		Password:  cfg.BkashPassword,
	})

	// Optional Redis connection for distributed payment-initiation rate
	// limiting. The service still boots without it; limiting degrades to off.
	var redisClient *redis.Client
	if cfg.PaymentInitRateLimitPerMinute > 0 {
		if cfg.RedisURL == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; payment rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; payment rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; payment rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Build the fallback pricing table from configuration. A missing deadline
	// means the corresponding rate never applies through the fallback.
	earlyBirdDeadline, _ := config.ParseDeadline(cfg.DefaultEarlyBirdDeadline)
	lateOwlDeadline, _ := config.ParseDeadline(cfg.DefaultLateOwlDeadline)
	resolver := pricing.NewResolver(repository, pricing.DefaultTable(
		cfg.DefaultRegularEarlyBird,
		cfg.DefaultRegularLateOwl,
		cfg.DefaultYoungAlumni,
		cfg.DefaultFamilyAndChildren,
		earlyBirdDeadline,
		lateOwlDeadline,
	))

	// Initialize the core application service with its dependencies.
	reunionService := app.NewService(
		repository,
		bkashClient,
		producer,
		resolver,
		cfg.PaymentCallbackBaseURL,
		cfg.MerchantReference,
		cfg.PaymentContextTTL(),
	)
	if redisClient != nil {
		reunionService.SetRateLimiter(
			app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.PaymentInitRateLimitPerMinute,
		)
	}

	// Start the scheduled sweep that expires abandoned payment contexts.
	sweeper := app.NewSweeper(reunionService, slog.Default(), cfg.PaymentExpirySweepSchedule)
	sweeper.Start()
	defer sweeper.Stop()

	// Initialize the API handlers and router.
	handler := api.NewHandler(reunionService, cfg.FrontendReturnURL)
	router := api.NewRouter(handler, cfg.JWTSecret, cfg.InternalAPIKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
