package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/stockhold/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/stockhold/internal/health"
	grpcsvc "github.com/vladislavdragonenkov/stockhold/internal/service/grpc"
	"github.com/vladislavdragonenkov/stockhold/internal/storage/memory"
)

func testConfig(t *testing.T) Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.GRPCAddr = fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	cfg.MetricsAddr = fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	cfg.StorageDriver = StorageDriverMemory
	cfg.ShutdownTimeout = time.Second
	cfg.OutboxPollInterval = 20 * time.Millisecond
	return cfg
}

func TestRun_MemoryGracefulShutdown(t *testing.T) {
	cfg := testConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	err := Run(ctx, cfg)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRun_InvalidStorageDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.StorageDriver = "invalid-driver"

	err := Run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "unsupported storage driver") {
		t.Fatalf("expected unsupported storage driver error, got %v", err)
	}
}

func TestRun_ServesReservationAPI(t *testing.T) {
	cfg := testConfig(t)
	cfg.SeedVariants = map[string]int64{"X": 3}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg) }()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Run did not stop")
		}
	}()

	waitForHTTP(t, fmt.Sprintf("http://%s/livez", cfg.MetricsAddr))

	conn, err := grpc.NewClient(cfg.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer callCancel()

	healthResp, err := healthpb.NewHealthClient(conn).Check(callCtx, &healthpb.HealthCheckRequest{Service: grpcsvc.ServiceName})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, healthResp.GetStatus())

	client := grpcsvc.NewReservationServiceClient(conn)
	req, err := structpb.NewStruct(map[string]any{
		"order_ref": "order-1",
		"items":     []any{map[string]any{"variant_id": "X", "qty": 2}},
	})
	require.NoError(t, err)

	resp, err := client.Reserve(callCtx, req)
	require.NoError(t, err)
	require.Equal(t, "reserved", resp.AsMap()["reservation"].(map[string]any)["state"])

	availReq, err := structpb.NewStruct(map[string]any{"variant_id": "X"})
	require.NoError(t, err)
	avail, err := client.GetAvailability(callCtx, availReq)
	require.NoError(t, err)
	require.Equal(t, float64(1), avail.AsMap()["available"])
}

func TestNewOutboxWorker_LogPublisherDrainsBacklog(t *testing.T) {
	repo := memory.NewOutboxRepository()
	_, err := repo.Enqueue(domain.OutboxMessage{
		AggregateType: domain.AggregateTypeReservation,
		AggregateID:   "order-1",
		EventType:     domain.EventTypeReservationCreated,
		Payload:       []byte(`{}`),
	})
	require.NoError(t, err)

	worker := newOutboxWorker(DefaultConfig(), repo, nil, log.WithField("test", "outbox"))
	report := worker.ProcessOnce(context.Background())
	require.Equal(t, 1, report.Sent)

	stats, err := repo.Stats()
	require.NoError(t, err)
	require.Zero(t, stats.PendingCount)
}

func TestNewSweeper_WithoutRedis(t *testing.T) {
	store := memory.NewReservationStore(memory.NewOutboxRepository())
	sweep := newSweeper(DefaultConfig(), store, nil, log.WithField("test", "sweeper"))

	result, err := sweep.Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	require.Zero(t, result.Expired)
}

func TestInitRuntimeDependencies_PostgresSuccess(t *testing.T) {
	dsn := postgresTestDSNCandidate()
	if dsn == "" {
		t.Skip("postgres dsn is not available")
	}

	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverPostgres
	cfg.PostgresDSN = dsn
	cfg.PostgresAutoMigrate = true

	deps, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", "postgres-init"))
	if err != nil {
		t.Skipf("postgres is not available for app integration test: %v", err)
	}
	defer deps.close(log.WithField("test", "postgres-init"))

	if deps.store == nil || deps.outboxRepo == nil {
		t.Fatalf("postgres dependencies must be initialized: %+v", deps)
	}
	check := deps.storageChecker.Check(context.Background())
	if check.Status != healthcheck.StatusHealthy {
		t.Fatalf("expected healthy storage checker, got %+v", check)
	}
}

func postgresTestDSNCandidate() string {
	return strings.TrimSpace(os.Getenv("STOCKHOLD_POSTGRES_TEST_DSN"))
}
