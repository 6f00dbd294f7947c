// loadtest гоняет конкурентные сценарии резерва против ReservationService и сверяет
// сток до и после прогона: изменение available и held каждого варианта должно
// совпасть с числом единиц, которые клиент видел подтверждёнными или удержанными.
// Сверка корректна, только если в это время сервис не получает чужих запросов.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	grpcsvc "github.com/vladislavdragonenkov/stockhold/internal/service/grpc"
)

// flow задаёт, что сценарий делает с резервом после Reserve.
type flow string

const (
	flowHold    flow = "hold"
	flowConfirm flow = "confirm"
	flowRelease flow = "release"
	flowMixed   flow = "mixed"
)

type outcome string

const (
	outcomeOK         outcome = "ok"
	outcomeOutOfStock outcome = "out_of_stock"
	outcomeError      outcome = "error"
)

type reservationClient interface {
	Reserve(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Confirm(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Release(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	GetAvailability(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type options struct {
	addr         string
	orders       int
	concurrency  int
	timeout      time.Duration
	flow         flow
	releaseEvery int
	variants     []string
	qty          int64
	orderPrefix  string
	output       string
}

type availability struct {
	Available int64 `json:"available"`
	Held      int64 `json:"held"`
}

type stepReport struct {
	Calls      int64   `json:"calls"`
	OK         int64   `json:"ok"`
	OutOfStock int64   `json:"out_of_stock"`
	Errors     int64   `json:"errors"`
	P50Ms      float64 `json:"p50_ms"`
	P95Ms      float64 `json:"p95_ms"`
	MaxMs      float64 `json:"max_ms"`
}

// variantCheck: Consistent=false означает, что сервис продал или удержал не то, что видел клиент.
type variantCheck struct {
	VariantID  string       `json:"variant_id"`
	Before     availability `json:"before"`
	After      availability `json:"after"`
	Confirmed  int64        `json:"confirmed_units"`
	Held       int64        `json:"held_units"`
	Consistent bool         `json:"consistent"`
}

type summary struct {
	StartedAt time.Time             `json:"started_at"`
	Seconds   float64               `json:"seconds"`
	Orders    int                   `json:"orders"`
	RPS       float64               `json:"rps"`
	Steps     map[string]stepReport `json:"steps"`
	Variants  []variantCheck        `json:"variants"`
}

func (s summary) failed() bool {
	for _, step := range s.Steps {
		if step.Errors > 0 {
			return true
		}
	}
	for _, v := range s.Variants {
		if !v.Consistent {
			return true
		}
	}
	return false
}

type units struct {
	held      int64
	confirmed int64
}

// tally собирает результаты сценариев из всех горутин.
type tally struct {
	mu        sync.Mutex
	outcomes  map[string]map[outcome]int64
	latencies map[string][]time.Duration
	units     map[string]*units
}

func newTally() *tally {
	return &tally{
		outcomes:  make(map[string]map[outcome]int64),
		latencies: make(map[string][]time.Duration),
		units:     make(map[string]*units),
	}
}

func (t *tally) observe(step string, took time.Duration, err error) outcome {
	result := outcomeOK
	switch status.Code(err) {
	case codes.OK:
	case codes.ResourceExhausted:
		result = outcomeOutOfStock
	default:
		result = outcomeError
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.outcomes[step] == nil {
		t.outcomes[step] = make(map[outcome]int64)
	}
	t.outcomes[step][result]++
	t.latencies[step] = append(t.latencies[step], took)
	return result
}

// move: +held после Reserve, held→confirmed после Confirm, -held после Release.
func (t *tally) move(variantID string, heldDelta, confirmedDelta int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.units[variantID]
	if u == nil {
		u = &units{}
		t.units[variantID] = u
	}
	u.held += heldDelta
	u.confirmed += confirmedDelta
}

func (t *tally) unitsOf(variantID string) units {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u := t.units[variantID]; u != nil {
		return *u
	}
	return units{}
}

func (t *tally) steps() map[string]stepReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]stepReport, len(t.outcomes))
	for step, counts := range t.outcomes {
		lat := append([]time.Duration(nil), t.latencies[step]...)
		sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
		out[step] = stepReport{
			Calls:      counts[outcomeOK] + counts[outcomeOutOfStock] + counts[outcomeError],
			OK:         counts[outcomeOK],
			OutOfStock: counts[outcomeOutOfStock],
			Errors:     counts[outcomeError],
			P50Ms:      millis(nearestRank(lat, 50)),
			P95Ms:      millis(nearestRank(lat, 95)),
			MaxMs:      millis(nearestRank(lat, 100)),
		}
	}
	return out
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		log.WithError(err).Fatal("invalid options")
	}

	conn, err := grpc.NewClient(opts.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.WithError(err).Fatal("create grpc client")
	}
	defer func() { _ = conn.Close() }()

	runID := fmt.Sprintf("%d", time.Now().UnixNano())
	sum, err := run(context.Background(), grpcsvc.NewReservationServiceClient(conn), opts, runID)
	if err != nil {
		log.WithError(err).Fatal("load test failed")
	}

	printSummary(os.Stdout, sum)
	if opts.output != "" {
		if err := writeSummary(opts.output, sum); err != nil {
			log.WithError(err).Fatal("write report")
		}
	}
	if sum.failed() {
		os.Exit(1)
	}
}

func parseOptions(args []string) (options, error) {
	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		opts     options
		flowName string
		variants string
	)
	fs.StringVar(&opts.addr, "addr", "localhost:50051", "gRPC address of stockhold")
	fs.IntVar(&opts.orders, "orders", 400, "number of orders, one reservation each")
	fs.IntVar(&opts.concurrency, "concurrency", 40, "concurrent scenarios")
	fs.DurationVar(&opts.timeout, "timeout", 5*time.Second, "per-RPC timeout")
	fs.StringVar(&flowName, "flow", string(flowConfirm), "hold | confirm | release | mixed")
	fs.IntVar(&opts.releaseEvery, "release-every", 4, "in mixed flow every n-th order is released, the rest confirmed")
	fs.StringVar(&variants, "variants", "SKU-LOAD", "comma-separated variant ids, assigned round-robin")
	fs.Int64Var(&opts.qty, "qty", 1, "units reserved per order")
	fs.StringVar(&opts.orderPrefix, "order-prefix", "load", "order_ref prefix")
	fs.StringVar(&opts.output, "output", "", "optional JSON report path")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.flow = flow(strings.TrimSpace(flowName))
	for _, v := range strings.Split(variants, ",") {
		if v = strings.TrimSpace(v); v != "" {
			opts.variants = append(opts.variants, v)
		}
	}

	switch {
	case opts.flow != flowHold && opts.flow != flowConfirm && opts.flow != flowRelease && opts.flow != flowMixed:
		return options{}, fmt.Errorf("unsupported flow %q", flowName)
	case opts.orders <= 0 || opts.concurrency <= 0:
		return options{}, errors.New("orders and concurrency must be > 0")
	case opts.timeout <= 0:
		return options{}, errors.New("timeout must be > 0")
	case opts.qty <= 0:
		return options{}, errors.New("qty must be > 0")
	case opts.flow == flowMixed && opts.releaseEvery <= 0:
		return options{}, errors.New("release-every must be > 0 in mixed flow")
	case len(opts.variants) == 0:
		return options{}, errors.New("at least one variant is required")
	case strings.TrimSpace(opts.orderPrefix) == "":
		return options{}, errors.New("order-prefix is required")
	}
	return opts, nil
}

func run(ctx context.Context, client reservationClient, opts options, runID string) (summary, error) {
	before, err := snapshot(ctx, client, opts)
	if err != nil {
		return summary{}, fmt.Errorf("availability before run: %w", err)
	}

	started := time.Now()
	t := newTally()
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(opts.concurrency)
	for i := 0; i < opts.orders; i++ {
		group.Go(func() error {
			scenario(groupCtx, client, opts, t, i, fmt.Sprintf("%s-%s-%d", opts.orderPrefix, runID, i))
			return nil
		})
	}
	_ = group.Wait()
	elapsed := time.Since(started)

	after, err := snapshot(ctx, client, opts)
	if err != nil {
		return summary{}, fmt.Errorf("availability after run: %w", err)
	}

	sum := summary{
		StartedAt: started.UTC(),
		Seconds:   elapsed.Seconds(),
		Orders:    opts.orders,
		Steps:     t.steps(),
	}
	if elapsed > 0 {
		sum.RPS = float64(opts.orders) / elapsed.Seconds()
	}
	for _, variantID := range uniqueVariants(opts.variants) {
		u := t.unitsOf(variantID)
		b, a := before[variantID], after[variantID]
		sum.Variants = append(sum.Variants, variantCheck{
			VariantID:  variantID,
			Before:     b,
			After:      a,
			Confirmed:  u.confirmed,
			Held:       u.held,
			Consistent: b.Available-a.Available == u.confirmed+u.held && a.Held-b.Held == u.held,
		})
	}
	return sum, nil
}

// scenario: Reserve одного варианта под свой order_ref и, по flow, Confirm или Release.
func scenario(ctx context.Context, client reservationClient, opts options, t *tally, index int, orderRef string) {
	variantID := opts.variants[index%len(opts.variants)]

	reserve, err := structpb.NewStruct(map[string]any{
		"order_ref": orderRef,
		"items":     []any{map[string]any{"variant_id": variantID, "qty": opts.qty}},
	})
	if err != nil {
		t.observe("Reserve", 0, err)
		return
	}
	if call(ctx, t, "Reserve", client.Reserve, reserve, opts.timeout) != outcomeOK {
		return
	}
	t.move(variantID, opts.qty, 0)

	release := opts.flow == flowRelease || opts.flow == flowMixed && index%opts.releaseEvery == 0
	byOrder, _ := structpb.NewStruct(map[string]any{"order_ref": orderRef, "reason": "loadtest"})
	switch {
	case opts.flow == flowHold:
	case release:
		if call(ctx, t, "Release", client.Release, byOrder, opts.timeout) == outcomeOK {
			t.move(variantID, -opts.qty, 0)
		}
	default:
		if call(ctx, t, "Confirm", client.Confirm, byOrder, opts.timeout) == outcomeOK {
			t.move(variantID, -opts.qty, opts.qty)
		}
	}
}

type rpc func(context.Context, *structpb.Struct, ...grpc.CallOption) (*structpb.Struct, error)

func call(ctx context.Context, t *tally, step string, method rpc, req *structpb.Struct, timeout time.Duration) outcome {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	_, err := method(callCtx, req)
	return t.observe(step, time.Since(started), err)
}

func snapshot(ctx context.Context, client reservationClient, opts options) (map[string]availability, error) {
	out := make(map[string]availability)
	for _, variantID := range uniqueVariants(opts.variants) {
		req, err := structpb.NewStruct(map[string]any{"variant_id": variantID})
		if err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, opts.timeout)
		resp, err := client.GetAvailability(callCtx, req)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("variant %s: %w", variantID, err)
		}
		fields := resp.GetFields()
		out[variantID] = availability{
			Available: int64(fields["available"].GetNumberValue()),
			Held:      int64(fields["held"].GetNumberValue()),
		}
	}
	return out, nil
}

func uniqueVariants(variants []string) []string {
	seen := make(map[string]bool, len(variants))
	var out []string
	for _, v := range variants {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// nearestRank: p-й перцентиль отсортированной выборки методом ближайшего ранга.
func nearestRank(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func printSummary(w io.Writer, sum summary) {
	_, _ = fmt.Fprintf(w, "orders=%d seconds=%.2f rps=%.1f\n", sum.Orders, sum.Seconds, sum.RPS)

	names := make([]string, 0, len(sum.Steps))
	for name := range sum.Steps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := sum.Steps[name]
		_, _ = fmt.Fprintf(w, "%-8s calls=%d ok=%d out_of_stock=%d errors=%d p50=%.2fms p95=%.2fms max=%.2fms\n",
			name, s.Calls, s.OK, s.OutOfStock, s.Errors, s.P50Ms, s.P95Ms, s.MaxMs)
	}
	for _, v := range sum.Variants {
		_, _ = fmt.Fprintf(w, "variant %s available %d->%d held %d->%d confirmed_units=%d held_units=%d consistent=%t\n",
			v.VariantID, v.Before.Available, v.After.Available, v.Before.Held, v.After.Held, v.Confirmed, v.Held, v.Consistent)
	}
}

func writeSummary(path string, sum summary) error {
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return err
	}
	// #nosec G306 -- отчёт нагрузочного прогона, не секрет.
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
