package app

import (
	"context"
	"errors"
	"net"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/stockhold/internal/health"
	"github.com/vladislavdragonenkov/stockhold/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/stockhold/internal/metrics"
	grpcsvc "github.com/vladislavdragonenkov/stockhold/internal/service/grpc"
	"github.com/vladislavdragonenkov/stockhold/internal/service/reservation"
	"github.com/vladislavdragonenkov/stockhold/internal/version"
)

// Run поднимает gRPC API, HTTP метрик и ops, sweeper, outbox worker и consumer
// результатов оплаты. Возвращает ctx.Err() после штатной остановки.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger.WithFields(cfg.LogFields()).WithFields(version.Fields()).Info("starting stockhold")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	kafkaProducer, err := initKafkaProducer(cfg.KafkaBrokers, cfg.KafkaClientID, logger)
	if err != nil {
		kafkaProducer = nil
	}
	defer closeKafka(kafkaProducer, logger)

	redisClient := newRedisClient(cfg)
	if redisClient != nil {
		defer closeRedis(redisClient, logger)
	}

	opts := []reservation.Option{
		reservation.WithHoldDuration(cfg.HoldDuration),
		reservation.WithMaxAttempts(cfg.ConflictMaxAttempts),
		reservation.WithMetrics(metrics.NewReservationMetrics()),
		reservation.WithLogger(logger.WithField("layer", "reservation")),
	}
	manager := reservation.NewManager(deps.store, opts...)
	calculator := reservation.NewCalculator(deps.store, opts...)

	grpcServer, healthServer := newGRPCServer(manager, calculator, cfg, logger)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("storage", deps.storageChecker)
	healthHandler.RegisterChecker("outbox", healthcheck.NewOutboxBacklogChecker(deps.outboxRepo, cfg.OutboxMaxPending))
	if redisClient != nil {
		healthHandler.RegisterChecker("redis", healthcheck.NewPingChecker("redis", false, 0, func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)

	metricsSrv := startMetricsServer(groupCtx, cfg.MetricsAddr, logger, healthHandler,
		newOpsHandler(manager, calculator, logger.WithField("layer", "ops"), cfg.CallTimeout))

	group.Go(func() error {
		logger.Infof("gRPC сервер слушает %s", lis.Addr())
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("получен сигнал остановки, останавливаем gRPC сервер")
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		stopGRPC(grpcServer, cfg.ShutdownTimeout, logger)
		shutdownHTTP(metricsSrv, logger)
		return nil
	})

	sweep := newSweeper(cfg, deps.store, redisClient, logger)
	group.Go(func() error {
		sweep.Run(groupCtx)
		return nil
	})

	worker := newOutboxWorker(cfg, deps.outboxRepo, kafkaProducer, logger)
	group.Go(func() error {
		worker.Run(groupCtx)
		return nil
	})

	if kafkaProducer != nil {
		handler := kafka.NewPaymentResultsHandler(manager, logger.WithField("component", "payment-results"))
		consumer, err := initPaymentConsumer(cfg, handler.Handle, kafkaProducer, logger)
		if err == nil && consumer != nil {
			if err := consumer.Start(groupCtx); err != nil {
				logger.WithError(err).Warn("failed to start payment results consumer")
			} else {
				group.Go(func() error {
					<-groupCtx.Done()
					if err := consumer.Stop(); err != nil {
						logger.WithError(err).Warn("failed to stop payment results consumer")
					}
					return nil
				})
			}
		}
	}

	if err := group.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func newGRPCServer(manager *reservation.Manager, calculator *reservation.Calculator, cfg Config, logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))

	service := grpcsvc.NewReservationService(manager, calculator, logger.WithField("layer", "grpc"), cfg.CallTimeout)
	grpcsvc.RegisterReservationServiceServer(grpcServer, service)
	grpcMetrics.InitializeMetrics(grpcServer)

	reflection.Register(grpcServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcsvc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	return grpcServer, healthServer
}

// stopGRPC ждёт завершения активных вызовов не дольше timeout.
func stopGRPC(server *grpc.Server, timeout time.Duration, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(timeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

func closeRedis(client *redis.Client, logger *log.Entry) {
	if err := client.Close(); err != nil {
		logger.WithError(err).Warn("failed to close redis client")
	}
}
