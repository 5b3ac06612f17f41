// Package app assembles the ledger, transports and sweeps shared by the API
// server and the one-shot sweep binary.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/samims/concierge/internal/claim"
	"github.com/samims/concierge/internal/clock"
	"github.com/samims/concierge/internal/config"
	"github.com/samims/concierge/internal/escalation"
	"github.com/samims/concierge/internal/events"
	"github.com/samims/concierge/internal/fallback"
	"github.com/samims/concierge/internal/handler"
	"github.com/samims/concierge/internal/heartbeat"
	"github.com/samims/concierge/internal/kafka"
	"github.com/samims/concierge/internal/lifecycle"
	"github.com/samims/concierge/internal/model"
	"github.com/samims/concierge/internal/notify"
	"github.com/samims/concierge/internal/otp"
	"github.com/samims/concierge/internal/ratelimit"
	"github.com/samims/concierge/internal/router"
	"github.com/samims/concierge/internal/scheduler"
	"github.com/samims/concierge/internal/service"
	"github.com/samims/concierge/internal/storage"
	"github.com/samims/concierge/pkg/tracing"
)

type App struct {
	cfg    *config.Config
	logger *slog.Logger

	pool  *pgxpool.Pool
	db    *sqlx.DB
	redis *redis.Client

	producer   *kafka.EventProducer
	consumer   *kafka.ReportConsumer
	producerWG sync.WaitGroup

	ledger *storage.PostgresLedger
	tracer *tracing.Tracer

	Machine    *lifecycle.Machine
	Expiry     *lifecycle.ExpirySweep
	Evaluator  *escalation.Evaluator
	Reminders  *escalation.ReminderSweep
	Fallback   *fallback.Coordinator
	Purge      *fallback.PurgeSweep
	OTP        *otp.Service
	Monitor    *heartbeat.Monitor
	Requests   service.RequestService
	Health     service.HealthService
	jwtSecret  string
	publishers []notify.Publisher
}

// New connects every backend and builds the service graph. Close releases
// whatever New opened, also after a partial failure.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger, jwtSecret: cfg.Auth.JWTSecret}

	pool, err := storage.NewPool(ctx, cfg.DBConfig)
	if err != nil {
		return a, err
	}
	a.pool = pool

	db, err := storage.ConnectPostgres(cfg.DBConfig)
	if err != nil {
		return a, err
	}
	a.db = db
	if cfg.DBConfig.Migrate {
		if err := storage.Migrate(ctx, db); err != nil {
			return a, fmt.Errorf("migrate: %w", err)
		}
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:         cfg.RedisConfig.Addr,
		Password:     cfg.RedisConfig.Password,
		DB:           cfg.RedisConfig.DB,
		DialTimeout:  cfg.RedisConfig.DialTimeout,
		ReadTimeout:  cfg.RedisConfig.ReadTimeout,
		WriteTimeout: cfg.RedisConfig.WriteTimeout,
	})
	// Redis being down at boot is survivable: the limiter degrades to the
	// ledger and events are best effort.
	if err := a.redis.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis unreachable at startup", slog.Any("error", err))
	}

	ledger := storage.NewPostgresLedger(pool)
	aux := storage.NewSQLXStore(db)
	clk := clock.New()
	tracer := tracing.NewTracer(nil)
	a.ledger, a.tracer = ledger, tracer

	a.publishers = append(a.publishers, events.NewRedisPublisher(a.redis, cfg.RedisConfig.EventChannelPrefix))
	if cfg.KafkaConfig.Enabled {
		if err := a.connectKafka(ctx, tracer); err != nil {
			return a, err
		}
	}
	publisher := notify.NewMultiPublisher(a.publishers...)

	var sender notify.Sender
	if cfg.Notifications.GatewayURL != "" {
		sender = notify.NewWebhookSender(cfg.Notifications.GatewayURL, cfg.Notifications.Timeout, logger)
	} else {
		logger.Warn("No notification gateway configured, deliveries are only logged")
		sender = notify.NewLogSender(logger)
	}

	a.Monitor = heartbeat.NewMonitor(aux, clk, logger)
	limiter := ratelimit.NewLimiter(ratelimit.NewRedisCounter(a.redis), aux, clk, logger)

	a.Machine = lifecycle.NewMachine(ledger, publisher, clk, logger)
	a.Expiry = lifecycle.NewExpirySweep(a.Machine, ledger, a.Monitor, cfg.Requests.ExpiryHorizon, clk, logger)

	deps := escalation.Deps{
		Tenants:   ledger,
		Requests:  ledger,
		Events:    ledger,
		Sender:    sender,
		Publisher: publisher,
		Monitor:   a.Monitor,
		Tiers:     cfg.Escalation,
		Clock:     clk,
		Tracer:    tracer,
		Logger:    logger,
	}
	a.Evaluator = escalation.NewEvaluator(deps, claim.Options{
		StaleTimeout: cfg.Escalation.StaleClaim,
		BatchSize:    cfg.Escalation.BatchSize,
		Workers:      cfg.Escalation.Workers,
	})
	a.Reminders = escalation.NewReminderSweep(ledger, deps, claim.Options{
		StaleTimeout: cfg.Requests.ReminderStale,
		BatchSize:    cfg.Escalation.BatchSize,
		Workers:      cfg.Escalation.Workers,
	})

	a.Fallback = fallback.NewCoordinator(ledger, sender, a.Monitor, cfg.Fallback, cfg.OTP.CodeLength, clk, tracer, logger)
	a.Purge = fallback.NewPurgeSweep(ledger, a.Monitor, cfg.Fallback.Retention, clk, logger)
	a.OTP = otp.NewService(ledger, limiter, sender, a.Fallback, cfg.OTP, clk, logger)

	a.Requests = service.NewRequestService(ledger, ledger, limiter, cfg.Escalation, publisher, cfg.Requests, clk, logger)
	a.Health = service.NewHealthService(logger, ledger, aux)

	if cfg.KafkaConfig.Enabled {
		a.consumer = a.newConsumer()
	}
	return a, nil
}

func (a *App) connectKafka(ctx context.Context, tracer *tracing.Tracer) error {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Version = sarama.V2_1_0_0
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Return.Errors = true
	saramaCfg.Producer.RequiredAcks = sarama.WaitForLocal

	ap, err := sarama.NewAsyncProducer(a.cfg.KafkaConfig.Brokers, saramaCfg)
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	a.producer = kafka.NewEventProducer(ap, a.cfg.KafkaConfig.EventsTopic, a.logger, &a.producerWG, tracer)
	a.producer.Start(ctx)
	a.publishers = append(a.publishers, a.producer)
	return nil
}

// newConsumer joins the delivery-report group. A failure here leaves the
// HTTP webhook as the only report path.
func (a *App) newConsumer() *kafka.ReportConsumer {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Version = sarama.V2_1_0_0
	saramaCfg.Consumer.Return.Errors = true
	group, err := sarama.NewConsumerGroup(a.cfg.KafkaConfig.Brokers, a.cfg.KafkaConfig.ConsumerGroup, saramaCfg)
	if err != nil {
		a.logger.Error("Failed to create Kafka consumer group", slog.Any("error", err))
		return nil
	}
	return kafka.NewReportConsumer(a.cfg.KafkaConfig.DeliveryReportTopic, group, a.Fallback, a.tracer, a.logger)
}

// Consumer is nil when Kafka is disabled.
func (a *App) Consumer() *kafka.ReportConsumer {
	return a.consumer
}

// Router builds the HTTP surface.
func (a *App) Router() http.Handler {
	return router.NewRouter(router.Handlers{
		Requests:   handler.NewRequestHandler(a.Machine, a.Requests, a.ledger, a.tracer, a.logger),
		Heartbeats: handler.NewHeartbeatHandler(a.Monitor, a.HeartbeatMaxAge(), a.logger),
		OTP:        handler.NewOTPHandler(a.OTP, a.Fallback, a.logger),
		Health:     handler.NewHealthHandler(a.Health, a.logger),
	}, a.jwtSecret, a.cfg.Auth.WebhookSecret)
}

// HeartbeatMaxAge flags a sweep stale after three missed intervals.
func (a *App) HeartbeatMaxAge() map[string]time.Duration {
	out := make(map[string]time.Duration)
	for _, job := range a.Jobs() {
		if job.Interval > 0 {
			out[job.Name] = 3 * job.Interval
		}
	}
	return out
}

// Jobs lists every sweep under its heartbeat name.
func (a *App) Jobs() []scheduler.Job {
	return []scheduler.Job{
		{
			Name:     model.SweepEscalations,
			Interval: a.cfg.Escalation.Interval,
			Run: func(ctx context.Context) error {
				_, err := a.Evaluator.RunPass(ctx)
				return err
			},
		},
		{
			Name:     model.SweepReminders,
			Interval: a.cfg.Requests.ReminderInterval,
			Run: func(ctx context.Context) error {
				_, err := a.Reminders.RunPass(ctx)
				return err
			},
		},
		{
			Name:     model.SweepFallback,
			Interval: a.cfg.Fallback.Interval,
			Run: func(ctx context.Context) error {
				_, err := a.Fallback.RunPass(ctx)
				return err
			},
		},
		{
			Name:     model.SweepExpiry,
			Interval: a.cfg.Requests.ExpiryInterval,
			Run: func(ctx context.Context) error {
				_, err := a.Expiry.RunPass(ctx)
				return err
			},
		},
		{
			Name:     model.SweepCodePurge,
			Interval: a.cfg.Fallback.PurgeInterval,
			Run: func(ctx context.Context) error {
				_, err := a.Purge.RunPass(ctx)
				return err
			},
		},
	}
}

func (a *App) Close() {
	if a.producer != nil {
		a.producer.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close redis client", slog.Any("error", err))
		}
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
