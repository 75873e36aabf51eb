package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"donation-sync/internal/config"
	"donation-sync/internal/db"
	"donation-sync/internal/events"
	"donation-sync/internal/handlers"
	"donation-sync/internal/logging"
	"donation-sync/internal/middleware"
	"donation-sync/internal/observability"
	"donation-sync/internal/rabbitmq"
	"donation-sync/internal/realtime"
	"donation-sync/internal/repositories"
	"donation-sync/internal/storage"
	"donation-sync/internal/telemetry"
	"donation-sync/internal/ws"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := observability.InitTracer(ctx, cfg.ServiceName, cfg.Environment, cfg.OTLPEndpoint)
		if err != nil {
			log.WithError(err).Warn("tracing disabled")
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	database, err := db.Connect(cfg.DatabaseDSN, log)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to db")
	}
	defer database.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, log)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	log.WithFields(logrus.Fields{
		"mode":   rabbitmq.PublisherMode(publisher),
		"reason": rabbitmq.PublisherNoopReason(publisher),
	}).Info("event publisher ready")
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRouting, cfg.ServiceName, cfg.Environment, log)

	photos, err := storage.New(ctx, storage.Settings{
		Provider:     cfg.StorageProvider,
		LocalPath:    cfg.StorageLocalPath,
		LocalURL:     cfg.StorageLocalURL,
		S3Region:     cfg.S3Region,
		S3Bucket:     cfg.S3Bucket,
		PublicDomain: cfg.S3PublicDomain,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to set up photo storage")
	}

	transport := events.NewPostgresTransport(cfg.DatabaseDSN, cfg.ListenerMinDelay, cfg.ListenerMaxDelay, log)
	bus := events.NewBus(transport, events.WithBackoff(cfg.ListenerMinDelay, cfg.ReconnectMaxDelay), events.WithLogger(log))
	defer bus.Close()

	messageRepo := repositories.NewMessageRepo(database)
	donationRepo := repositories.NewDonationRepo(database)

	fresh := realtime.NewFreshnessTracker(cfg.FreshnessWindow, nil)
	go fresh.Run(ctx, cfg.FreshnessSweep)

	donations := realtime.NewLiveDonationSet(donationRepo, bus, fresh, cfg.DonationLimit, log)
	defer donations.Close()

	hub := ws.NewHub(log)
	conversationWS := ws.NewConversationWebSocketHandler(hub, messageRepo, bus, log)
	donationWS := ws.NewDonationWebSocketHandler(hub, donations, fresh, log)
	go openDonations(ctx, donations, log)

	submitter := realtime.NewSubmitter(messageRepo, photos, cfg.PhotoBucket, nil, audit, log)
	messageHandler := handlers.NewMessageHandler(messageRepo, submitter, log)
	donationHandler := handlers.NewDonationHandler(donations, donationRepo, audit)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.TracingEnabled {
		router.Use(otelgin.Middleware(cfg.ServiceName))
	}
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(middleware.RequestID())

	router.GET("/healthz", func(c *gin.Context) {
		if err := database.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "partitions": bus.ActivePartitions()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if cfg.StorageProvider == "" || cfg.StorageProvider == "local" {
		router.Static("/uploads", cfg.StorageLocalPath)
	}

	identity := middleware.Identity()
	router.GET("/donations", identity, donationHandler.ListLive)
	router.POST("/donations", identity, donationHandler.CreateDonation)
	router.PATCH("/donations/:donation_id/status", identity, donationHandler.UpdateStatus)
	router.GET("/conversations", identity, messageHandler.ListConversations)
	router.GET("/conversations/:donation_id/:user_id/messages", identity, messageHandler.ListMessages)
	router.POST("/conversations/:donation_id/:user_id/messages", identity, messageHandler.PostMessage)

	router.GET("/ws/conversations/:donation_id/:user_id", identity, conversationWS.Handle)
	router.GET("/ws/donations", identity, donationWS.Handle)

	handlers.RegisterDebugRoutes(router, audit, handlers.SyncInspector{
		Partitions: bus.ActivePartitions,
		Donations:  donations,
		Fresh:      fresh,
		Viewers: func() map[string]int {
			return map[string]int{
				ws.KindConversation: hub.Count(ws.KindConversation),
				ws.KindDonations:    hub.Count(ws.KindDonations),
			}
		},
	}, cfg.DebugRoutes)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		log.WithField("port", cfg.Port).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown")
	}
}

// openDonations keeps trying to hydrate the shared donation set until it
// succeeds or the process stops.
func openDonations(ctx context.Context, set *realtime.LiveDonationSet, log logrus.FieldLogger) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	err := backoff.RetryNotify(func() error {
		openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return set.Open(openCtx)
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		log.WithError(err).WithField("retry_in", next).Warn("donation set not ready")
	})
	if err != nil {
		log.WithError(err).Warn("donation set abandoned")
		return
	}
	log.Info("donation set live")
}
