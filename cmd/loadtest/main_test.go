package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/stockhold/internal/domain"
	grpcsvc "github.com/vladislavdragonenkov/stockhold/internal/service/grpc"
	"github.com/vladislavdragonenkov/stockhold/internal/service/reservation"
	"github.com/vladislavdragonenkov/stockhold/internal/storage/memory"
)

// stockholdServer поднимает ReservationService на in-memory store с одним вариантом.
func stockholdServer(t *testing.T, variantID string, stock int64) *grpcsvc.ReservationServiceClient {
	t.Helper()

	store := memory.NewReservationStore(memory.NewOutboxRepository())
	require.NoError(t, store.UpsertVariant(context.Background(), domain.Variant{ID: variantID, StockOnHand: stock}))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	grpcsvc.RegisterReservationServiceServer(srv, grpcsvc.NewReservationService(
		reservation.NewManager(store), reservation.NewCalculator(store), log.WithField("test", "loadtest"), time.Second,
	))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return grpcsvc.NewReservationServiceClient(conn)
}

func testOptions(f flow, orders int) options {
	return options{
		orders:       orders,
		concurrency:  3,
		timeout:      2 * time.Second,
		flow:         f,
		releaseEvery: 2,
		variants:     []string{"SKU-LOAD"},
		qty:          1,
		orderPrefix:  "load",
	}
}

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions([]string{
		"-addr=127.0.0.1:50051",
		"-orders=12",
		"-concurrency=3",
		"-timeout=2s",
		"-flow= mixed ",
		"-release-every=3",
		"-variants=SKU-A, ,SKU-B",
		"-qty=2",
		"-output=/tmp/out.json",
	})
	require.NoError(t, err)
	require.Equal(t, flowMixed, opts.flow)
	require.Equal(t, []string{"SKU-A", "SKU-B"}, opts.variants)
	require.Equal(t, 12, opts.orders)
	require.Equal(t, 3, opts.releaseEvery)
	require.Equal(t, int64(2), opts.qty)
	require.Equal(t, 2*time.Second, opts.timeout)
	require.Equal(t, "load", opts.orderPrefix)

	defaults, err := parseOptions(nil)
	require.NoError(t, err)
	require.Equal(t, flowConfirm, defaults.flow)
	require.Equal(t, []string{"SKU-LOAD"}, defaults.variants)
}

func TestParseOptions_Rejects(t *testing.T) {
	cases := map[string]struct {
		args []string
		want string
	}{
		"unknown flow":        {args: []string{"-flow=cancel"}, want: "unsupported flow"},
		"zero orders":         {args: []string{"-orders=0"}, want: "orders and concurrency"},
		"zero timeout":        {args: []string{"-timeout=0s"}, want: "timeout must be > 0"},
		"zero qty":            {args: []string{"-qty=0"}, want: "qty must be > 0"},
		"mixed without ratio": {args: []string{"-flow=mixed", "-release-every=0"}, want: "release-every"},
		"no variants":         {args: []string{"-variants= , "}, want: "at least one variant"},
		"blank prefix":        {args: []string{"-order-prefix= "}, want: "order-prefix is required"},
		"bad flag":            {args: []string{"-orders=many"}, want: "invalid value"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseOptions(tc.args)
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestRun_ConfirmFlowKeepsStockConsistent(t *testing.T) {
	client := stockholdServer(t, "SKU-LOAD", 100)

	sum, err := run(context.Background(), client, testOptions(flowConfirm, 5), "run-1")
	require.NoError(t, err)
	require.False(t, sum.failed())
	require.Equal(t, int64(5), sum.Steps["Reserve"].OK)
	require.Equal(t, int64(5), sum.Steps["Confirm"].OK)

	require.Len(t, sum.Variants, 1)
	v := sum.Variants[0]
	require.True(t, v.Consistent)
	require.Equal(t, availability{Available: 100}, v.Before)
	require.Equal(t, availability{Available: 95}, v.After)
	require.Equal(t, int64(5), v.Confirmed)
	require.Zero(t, v.Held)
}

func TestRun_HoldFlowStopsAtStock(t *testing.T) {
	client := stockholdServer(t, "SKU-LOAD", 3)

	sum, err := run(context.Background(), client, testOptions(flowHold, 5), "run-2")
	require.NoError(t, err)
	require.False(t, sum.failed(), "out of stock is an expected outcome, not an error")

	reserve := sum.Steps["Reserve"]
	require.Equal(t, int64(3), reserve.OK)
	require.Equal(t, int64(2), reserve.OutOfStock)
	require.Zero(t, reserve.Errors)

	v := sum.Variants[0]
	require.True(t, v.Consistent)
	require.Equal(t, availability{Available: 0, Held: 3}, v.After)
	require.Equal(t, int64(3), v.Held)
}

func TestRun_MixedFlowReleasesEveryNth(t *testing.T) {
	client := stockholdServer(t, "SKU-LOAD", 10)

	sum, err := run(context.Background(), client, testOptions(flowMixed, 4), "run-3")
	require.NoError(t, err)
	require.Equal(t, int64(2), sum.Steps["Release"].OK)
	require.Equal(t, int64(2), sum.Steps["Confirm"].OK)

	v := sum.Variants[0]
	require.True(t, v.Consistent)
	require.Equal(t, availability{Available: 8}, v.After)
}

type unavailableClient struct {
	*grpcsvc.ReservationServiceClient
}

func (unavailableClient) Reserve(context.Context, *structpb.Struct, ...grpc.CallOption) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unavailable, "store down")
}

func TestRun_RPCErrorsFailTheRun(t *testing.T) {
	client := unavailableClient{stockholdServer(t, "SKU-LOAD", 10)}

	sum, err := run(context.Background(), client, testOptions(flowConfirm, 2), "run-4")
	require.NoError(t, err)
	require.Equal(t, int64(2), sum.Steps["Reserve"].Errors)
	require.NotContains(t, sum.Steps, "Confirm")
	require.True(t, sum.Variants[0].Consistent)
	require.True(t, sum.failed())
}

func TestRun_UnknownVariantFailsSnapshot(t *testing.T) {
	client := stockholdServer(t, "SKU-LOAD", 10)

	opts := testOptions(flowHold, 1)
	opts.variants = []string{"SKU-MISSING"}
	_, err := run(context.Background(), client, opts, "run-5")
	require.ErrorContains(t, err, "availability before run")
}

func TestSummaryFailed_InconsistentVariant(t *testing.T) {
	sum := summary{
		Steps:    map[string]stepReport{"Reserve": {Calls: 1, OK: 1}},
		Variants: []variantCheck{{VariantID: "SKU-1", Consistent: false}},
	}
	require.True(t, sum.failed())

	sum.Variants[0].Consistent = true
	require.False(t, sum.failed())
}

func TestNearestRank(t *testing.T) {
	require.Zero(t, nearestRank(nil, 95))

	lat := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond, 40 * time.Millisecond}
	require.Equal(t, 20*time.Millisecond, nearestRank(lat, 50))
	require.Equal(t, 40*time.Millisecond, nearestRank(lat, 95))
	require.Equal(t, 40*time.Millisecond, nearestRank(lat, 100))
	require.Equal(t, 10*time.Millisecond, nearestRank(lat, 0))
	require.Equal(t, 12.5, millis(12500*time.Microsecond))
}

func TestPrintAndWriteSummary(t *testing.T) {
	sum := summary{
		Orders: 2,
		Steps: map[string]stepReport{
			"Reserve": {Calls: 2, OK: 1, OutOfStock: 1},
			"Confirm": {Calls: 1, OK: 1},
		},
		Variants: []variantCheck{{
			VariantID:  "SKU-1",
			Before:     availability{Available: 1},
			After:      availability{Available: 0},
			Confirmed:  1,
			Consistent: true,
		}},
	}

	var out bytes.Buffer
	printSummary(&out, sum)
	text := out.String()
	require.Contains(t, text, "orders=2")
	require.Contains(t, text, "out_of_stock=1")
	require.Contains(t, text, "variant SKU-1 available 1->0")
	require.Contains(t, text, "consistent=true")
	require.Less(t, bytes.Index(out.Bytes(), []byte("Confirm")), bytes.Index(out.Bytes(), []byte("Reserve")))

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, writeSummary(path, sum))
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded summary
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, sum.Steps, decoded.Steps)
	require.Equal(t, sum.Variants, decoded.Variants)
}

var _ reservationClient = (*grpcsvc.ReservationServiceClient)(nil)
