package main

import (
	"log"
	"net/http"
	"time"

	"payment-bridge/internal/api"
	"payment-bridge/internal/config"
	"payment-bridge/internal/event"
	"payment-bridge/internal/index"
	"payment-bridge/internal/logging"
	"payment-bridge/internal/metrics"
	"payment-bridge/internal/provider/flow"
	"payment-bridge/internal/provider/webpay"
	"payment-bridge/internal/service"
	"payment-bridge/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

func main() {
	config.LoadDotEnv()
	cfg := config.MustLoadConfig(".")

	logger := logging.GetLogger(cfg.Logs)
	metrics.Setup(cfg.Metrics)

	cardClient := webpay.NewClient(
		cfg.Webpay.Environment,
		config.GetRequired("WEBPAY_COMMERCE_CODE"),
		config.GetRequired("WEBPAY_API_KEY"),
		cfg.Webpay.TimeoutMs,
		logger,
	)

	linkClient := flow.NewClient(
		cfg.Flow.BaseURL,
		config.GetRequired("FLOW_API_KEY"),
		config.GetRequired("FLOW_SECRET"),
		cfg.Flow.TimeoutMs,
		logger,
	)

	var outcomes service.OutcomeWriter
	if cfg.Database.Host != "" {
		connStr := store.ConnStr(cfg.Database)
		if err := store.RunMigrations(connStr, config.GetEnv("MIGRATIONS_DIR", "migrations")); err != nil {
			log.Fatal(err)
		}

		pool, err := store.GetPool(connStr)
		if err != nil {
			log.Fatal(err)
		}
		defer pool.Close()

		outcomes = store.NewOutcomeStore(pool)
	}

	var tokenIndex index.Index = index.NewMemory()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		tokenIndex = index.NewRedis(client, time.Duration(cfg.Redis.TokenTTLMins)*time.Minute)
	}

	var statusWriter *kafka.Writer
	if cfg.Kafka.Broker.URL != "" {
		statusWriter = event.NewWriter(cfg.Kafka.Broker.URL, cfg.Kafka.Topic.PaymentStatus)
		defer statusWriter.Close()
	}
	publisher := event.NewPublisher(statusWriter, logger)

	reconciler := service.NewReconciler(linkClient, tokenIndex, outcomes, publisher, logger)

	handler := api.NewHandler(cfg.Server.BaseURL, cardClient, linkClient, reconciler,
		tokenIndex, outcomes, publisher, logger)

	mux := http.NewServeMux()
	handler.Register(mux)

	addr := ":" + cfg.Server.Port
	logger.Info("Starting payment-bridge", "addr", addr, "webpayEnv", cardClient.Environment())

	log.Fatal(http.ListenAndServe(addr, api.CORS(api.RequestLogging(logger, mux))))
}
