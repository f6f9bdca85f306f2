// Command docsync-bench runs an in-process sync server and drives it with
// concurrent editing clients, reporting round-trip latency, fanout volume,
// runtime and GC figures, and whether every replica converged.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tinyedit/docsync/pkg/server"
)

const (
	gib = int64(1024 * 1024 * 1024)
)

type profile struct {
	Name          string
	Clients       int
	Documents     int
	Duration      time.Duration
	RPS           float64
	PayloadBytes  int
	MaxProcs      int
	MemLimitBytes int64
}

var profiles = map[string]profile{
	"fast": {
		Name:         "fast",
		Clients:      50,
		Documents:    5,
		Duration:     10 * time.Second,
		RPS:          2,
		PayloadBytes: 12,
	},
	"standard": {
		Name:         "standard",
		Clients:      200,
		Documents:    20,
		Duration:     30 * time.Second,
		RPS:          5,
		PayloadBytes: 12,
	},
	"stress": {
		Name:          "stress",
		Clients:       500,
		Documents:     25,
		Duration:      60 * time.Second,
		RPS:           10,
		PayloadBytes:  12,
		MaxProcs:      4,
		MemLimitBytes: 2 * gib,
	},
}

type benchConfig struct {
	Profile       string
	Clients       int
	Documents     int
	Duration      time.Duration
	RPS           float64
	PayloadBytes  int
	MaxProcs      int
	MemLimitBytes int64
	JSONOutput    string
	EditTimeout   time.Duration
}

func main() {
	log.SetFlags(0)

	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	if cfg.MaxProcs > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcs)
	}
	if cfg.MemLimitBytes > 0 {
		debug.SetMemoryLimit(cfg.MemLimitBytes)
	}

	debug.SetGCPercent(100)

	report, err := run(context.Background(), cfg)
	if err != nil {
		log.Fatal(err)
	}

	writeSummary(os.Stderr, report)
	if err := writeJSON(cfg.JSONOutput, report); err != nil {
		log.Fatalf("write json: %v", err)
	}
}

// run serves an in-memory document set, drives it with cfg's workload and
// returns the report.
func run(ctx context.Context, cfg benchConfig) (benchReport, error) {
	srvCfg := server.DefaultServerConfig()
	srvCfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	srvCfg.Connection.HeartbeatInterval = 0
	srv := server.New(srvCfg)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return benchReport{}, fmt.Errorf("listen: %w", err)
	}

	httpServer := &http.Server{Handler: srv}
	go func() {
		_ = httpServer.Serve(ln)
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		_ = srv.Shutdown(shutdownCtx)
	}()

	baseURL := "ws://" + ln.Addr().String() + "/"

	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	samplesCh := make(chan time.Duration, sampleBuffer(cfg.Clients))
	var samples []time.Duration
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for rtt := range samplesCh {
			samples = append(samples, rtt)
		}
	}()

	var counters benchCounters
	var errCounts benchErrors

	var before runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	beforeMetrics := readRuntimeMetrics()

	clients := make([]*benchClient, cfg.Clients)
	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(cfg.Clients)
	for i := 0; i < cfg.Clients; i++ {
		i := i
		go func() {
			defer wg.Done()
			c, err := dialClient(runCtx, baseURL, documentName(i, cfg.Documents), i, &counters, &errCounts)
			if err != nil {
				errCounts.totalErrors.Add(1)
				return
			}
			clients[i] = c
			if err := c.run(runCtx, cfg, samplesCh); err != nil {
				errCounts.totalErrors.Add(1)
			}
		}()
	}

	wg.Wait()
	close(samplesCh)
	<-collectorDone

	elapsed := time.Since(start)

	converged, diverged := settle(srv, clients, cfg.EditTimeout, &errCounts)
	for _, c := range clients {
		if c != nil {
			c.close()
		}
	}

	var after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&after)
	afterMetrics := readRuntimeMetrics()

	latencies := append([]time.Duration(nil), samples...)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	report := buildReport(cfg, elapsed, latencies, &counters, &errCounts, before, after, beforeMetrics, afterMetrics)
	report.Convergence = convergenceInfo{
		Documents: cfg.Documents,
		Converged: converged,
		Diverged:  diverged,
	}
	return report, nil
}

// settle brings every surviving client up to date and compares its text
// with the server's replica of the same document.
func settle(srv *server.Server, clients []*benchClient, timeout time.Duration, errCounts *benchErrors) (converged, diverged []string) {
	byDoc := make(map[string][]*benchClient)
	for _, c := range clients {
		if c == nil || c.failed {
			continue
		}
		if err := c.catchUp(timeout); err != nil {
			errCounts.settleFailures.Add(1)
			continue
		}
		byDoc[c.docID] = append(byDoc[c.docID], c)
	}

	for id, cs := range byDoc {
		doc, ok := srv.Registry().Get(id)
		if !ok {
			diverged = append(diverged, id)
			continue
		}
		want := doc.Replica().String()
		same := true
		for _, c := range cs {
			if c.doc.String() != want {
				same = false
				break
			}
		}
		if same {
			converged = append(converged, id)
		} else {
			diverged = append(diverged, id)
		}
	}
	sort.Strings(converged)
	sort.Strings(diverged)
	return converged, diverged
}

func documentName(client, documents int) string {
	if documents < 1 {
		documents = 1
	}
	return "bench-" + strconv.Itoa(client%documents)
}

func sampleBuffer(clients int) int {
	if clients < 1 {
		return 1024
	}
	buf := clients * 4
	if buf < 1024 {
		buf = 1024
	}
	return buf
}

func parseConfig(args []string) (benchConfig, error) {
	fs := flag.NewFlagSet("docsync-bench", flag.ContinueOnError)
	profileFlag := fs.String("profile", "standard", "profile: fast|standard|stress")
	clientsFlag := fs.Int("clients", -1, "number of concurrent websocket clients")
	docsFlag := fs.Int("docs", -1, "number of documents the clients are spread over")
	durationFlag := fs.String("duration", "", "benchmark duration, e.g. 30s")
	rpsFlag := fs.Float64("rps", -1, "target edits/sec per client")
	payloadFlag := fs.Int("payload-bytes", -1, "characters inserted per edit")
	maxProcsFlag := fs.Int("max-procs", -1, "GOMAXPROCS cap (0 to leave unchanged)")
	memLimitFlag := fs.String("mem-limit", "", "GOMEMLIMIT (e.g. 2GiB)")
	jsonFlag := fs.String("json", "-", "JSON output path ('-' for stdout)")
	if err := fs.Parse(args); err != nil {
		return benchConfig{}, err
	}

	name := strings.ToLower(strings.TrimSpace(*profileFlag))
	if name == "" {
		name = "standard"
	}

	base, ok := profiles[name]
	if !ok {
		return benchConfig{}, fmt.Errorf("unknown profile %q", name)
	}

	cfg := benchConfig{
		Profile:       base.Name,
		Clients:       base.Clients,
		Documents:     base.Documents,
		Duration:      base.Duration,
		RPS:           base.RPS,
		PayloadBytes:  base.PayloadBytes,
		MaxProcs:      base.MaxProcs,
		MemLimitBytes: base.MemLimitBytes,
		JSONOutput:    strings.TrimSpace(*jsonFlag),
	}

	if *clientsFlag != -1 {
		cfg.Clients = *clientsFlag
	}
	if *docsFlag != -1 {
		cfg.Documents = *docsFlag
	}
	if *durationFlag != "" {
		d, err := time.ParseDuration(*durationFlag)
		if err != nil {
			return benchConfig{}, fmt.Errorf("invalid -duration: %w", err)
		}
		cfg.Duration = d
	}
	if *rpsFlag != -1 {
		cfg.RPS = *rpsFlag
	}
	if *payloadFlag != -1 {
		cfg.PayloadBytes = *payloadFlag
	}
	if *maxProcsFlag != -1 {
		cfg.MaxProcs = *maxProcsFlag
	}
	if *memLimitFlag != "" {
		limit, err := parseBytes(*memLimitFlag)
		if err != nil {
			return benchConfig{}, fmt.Errorf("invalid -mem-limit: %w", err)
		}
		cfg.MemLimitBytes = limit
	}
	if cfg.JSONOutput == "" {
		cfg.JSONOutput = "-"
	}

	if cfg.Clients <= 0 {
		return benchConfig{}, errors.New("-clients must be > 0")
	}
	if cfg.Documents <= 0 {
		return benchConfig{}, errors.New("-docs must be > 0")
	}
	if cfg.Documents > cfg.Clients {
		cfg.Documents = cfg.Clients
	}
	if cfg.Duration <= 0 {
		return benchConfig{}, errors.New("-duration must be > 0")
	}
	if cfg.RPS <= 0 {
		return benchConfig{}, errors.New("-rps must be > 0")
	}
	if cfg.PayloadBytes <= 0 {
		return benchConfig{}, errors.New("-payload-bytes must be > 0")
	}
	if cfg.MaxProcs < 0 {
		return benchConfig{}, errors.New("-max-procs must be >= 0")
	}
	if cfg.MemLimitBytes < 0 {
		return benchConfig{}, errors.New("-mem-limit must be >= 0")
	}

	cfg.EditTimeout = editTimeout(cfg.RPS)
	return cfg, nil
}

func editTimeout(rps float64) time.Duration {
	if rps <= 0 {
		return 0
	}
	period := time.Duration(float64(time.Second) / rps)
	timeout := period * 10
	if timeout < 2*time.Second {
		timeout = 2 * time.Second
	}
	return timeout
}

func parseBytes(input string) (int64, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return 0, errors.New("empty size")
	}

	var i int
	for i < len(s) {
		c := s[i]
		if (c >= '0' && c <= '9') || c == '.' {
			i++
			continue
		}
		break
	}
	if i == 0 {
		return 0, fmt.Errorf("invalid size %q", input)
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(s[:i]), 64)
	if err != nil {
		return 0, err
	}

	var multiplier float64
	switch strings.ToLower(strings.TrimSpace(s[i:])) {
	case "", "b":
		multiplier = 1
	case "kb":
		multiplier = 1e3
	case "mb":
		multiplier = 1e6
	case "gb":
		multiplier = 1e9
	case "kib":
		multiplier = 1024
	case "mib":
		multiplier = 1024 * 1024
	case "gib":
		multiplier = 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("unknown size suffix %q", s[i:])
	}

	return int64(value*multiplier + 0.5), nil
}
