package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"runtime"
	"runtime/metrics"
	"strings"
	"time"
)

type runtimeMetricsSnapshot struct {
	cpuTotalSeconds float64
	cpuGCSeconds    float64

	heapAllocsBytes   uint64
	heapAllocsObjects uint64
}

func readRuntimeMetrics() runtimeMetricsSnapshot {
	samples := []metrics.Sample{
		{Name: "/cpu/classes/total:cpu-seconds"},
		{Name: "/cpu/classes/gc/total:cpu-seconds"},
		{Name: "/gc/heap/allocs:bytes"},
		{Name: "/gc/heap/allocs:objects"},
	}
	metrics.Read(samples)

	var out runtimeMetricsSnapshot
	for _, s := range samples {
		if s.Value.Kind() == metrics.KindBad {
			continue
		}
		switch s.Name {
		case "/cpu/classes/total:cpu-seconds":
			out.cpuTotalSeconds = s.Value.Float64()
		case "/cpu/classes/gc/total:cpu-seconds":
			out.cpuGCSeconds = s.Value.Float64()
		case "/gc/heap/allocs:bytes":
			out.heapAllocsBytes = s.Value.Uint64()
		case "/gc/heap/allocs:objects":
			out.heapAllocsObjects = s.Value.Uint64()
		}
	}
	return out
}

func cpuFraction(after, before runtimeMetricsSnapshot) float64 {
	total := after.cpuTotalSeconds - before.cpuTotalSeconds
	if total <= 0 {
		return 0
	}
	gc := after.cpuGCSeconds - before.cpuGCSeconds
	if gc < 0 {
		return 0
	}
	return gc / total
}

// percentile returns the p-th quantile of sorted, using nearest rank.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func avgPause(after, before runtime.MemStats) time.Duration {
	gcCount := after.NumGC - before.NumGC
	if gcCount == 0 {
		return 0
	}
	return time.Duration((after.PauseTotalNs - before.PauseTotalNs) / uint64(gcCount))
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

type benchReport struct {
	Version     string          `json:"version"`
	Run         runInfo         `json:"run"`
	Workload    workloadInfo    `json:"workload"`
	LatencyMS   latencyInfo     `json:"latency_ms"`
	Throughput  throughputInfo  `json:"throughput"`
	GC          gcInfo          `json:"gc"`
	Protocol    protocolInfo    `json:"protocol"`
	Convergence convergenceInfo `json:"convergence"`
	Errors      errorInfo       `json:"errors"`
}

type runInfo struct {
	Timestamp string `json:"timestamp"`
	Go        string `json:"go"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	CPUCount  int    `json:"cpu_count"`
	GitCommit string `json:"git_commit,omitempty"`
}

type workloadInfo struct {
	Profile       string  `json:"profile"`
	Clients       int     `json:"clients"`
	Documents     int     `json:"documents"`
	DurationMS    int64   `json:"duration_ms"`
	RPSPerClient  float64 `json:"rps_per_client"`
	PayloadBytes  int     `json:"payload_bytes"`
	MaxProcs      int     `json:"max_procs"`
	MemLimitBytes int64   `json:"mem_limit_bytes"`
	EditTimeoutMS int64   `json:"edit_timeout_ms"`
}

type latencyInfo struct {
	Min float64 `json:"min"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
	Max float64 `json:"max"`
}

type throughputInfo struct {
	EditsTotal        uint64  `json:"edits_total"`
	EditsPerSec       float64 `json:"edits_per_sec"`
	EditsPerSecClient float64 `json:"edits_per_sec_per_client"`
}

type gcInfo struct {
	AllocMB       float64 `json:"alloc_mb"`
	HeapLiveMB    float64 `json:"heap_live_mb"`
	NumGC         uint32  `json:"num_gc"`
	PauseTotalMS  float64 `json:"pause_total_ms"`
	PauseAvgMS    float64 `json:"pause_avg_ms"`
	GCCPUFraction float64 `json:"gc_cpu_fraction"`
	AllocsObjects uint64  `json:"allocs_objects"`
}

type protocolInfo struct {
	EditBytesTotal   uint64  `json:"edit_bytes_total"`
	FanoutBytesTotal uint64  `json:"fanout_bytes_total"`
	FanoutFrames     uint64  `json:"fanout_frames_total"`
	AwarenessFrames  uint64  `json:"awareness_frames_total"`
	AvgEditBytes     float64 `json:"avg_edit_bytes"`
	FanoutPerEdit    float64 `json:"fanout_per_edit"`
}

type convergenceInfo struct {
	Documents int      `json:"documents"`
	Converged []string `json:"converged"`
	Diverged  []string `json:"diverged"`
}

type errorInfo struct {
	TotalErrors         uint64 `json:"total_errors"`
	HandshakeFailures   uint64 `json:"handshake_failures"`
	EditWriteFailures   uint64 `json:"edit_write_failures"`
	FrameDecodeFailures uint64 `json:"frame_decode_failures"`
	ReplyMissing        uint64 `json:"reply_missing"`
	SettleFailures      uint64 `json:"settle_failures"`
}

func buildReport(
	cfg benchConfig,
	elapsed time.Duration,
	latencies []time.Duration,
	counters *benchCounters,
	errors *benchErrors,
	before runtime.MemStats,
	after runtime.MemStats,
	beforeMetrics runtimeMetricsSnapshot,
	afterMetrics runtimeMetricsSnapshot,
) benchReport {
	editsTotal := counters.editsComplete.Load()
	editsSent := counters.editsSent.Load()
	editBytes := counters.editBytes.Load()
	fanoutFrames := counters.fanoutFrames.Load()

	elapsedSeconds := math.Max(0.001, elapsed.Seconds())
	editsPerSec := float64(editsTotal) / elapsedSeconds

	latency := latencyInfo{}
	if len(latencies) > 0 {
		latency = latencyInfo{
			Min: ms(latencies[0]),
			P50: ms(percentile(latencies, 0.50)),
			P95: ms(percentile(latencies, 0.95)),
			P99: ms(percentile(latencies, 0.99)),
			Max: ms(latencies[len(latencies)-1]),
		}
	}

	avgEditBytes := 0.0
	if editsSent > 0 {
		avgEditBytes = float64(editBytes) / float64(editsSent)
	}
	fanoutPerEdit := 0.0
	if editsSent > 0 {
		fanoutPerEdit = float64(fanoutFrames) / float64(editsSent)
	}

	return benchReport{
		Version: "1",
		Run: runInfo{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Go:        runtime.Version(),
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			CPUCount:  runtime.NumCPU(),
			GitCommit: gitCommit(),
		},
		Workload: workloadInfo{
			Profile:       cfg.Profile,
			Clients:       cfg.Clients,
			Documents:     cfg.Documents,
			DurationMS:    cfg.Duration.Milliseconds(),
			RPSPerClient:  cfg.RPS,
			PayloadBytes:  cfg.PayloadBytes,
			MaxProcs:      cfg.MaxProcs,
			MemLimitBytes: cfg.MemLimitBytes,
			EditTimeoutMS: cfg.EditTimeout.Milliseconds(),
		},
		LatencyMS: latency,
		Throughput: throughputInfo{
			EditsTotal:        editsTotal,
			EditsPerSec:       editsPerSec,
			EditsPerSecClient: editsPerSec / float64(cfg.Clients),
		},
		GC: gcInfo{
			AllocMB:       float64(after.TotalAlloc-before.TotalAlloc) / (1024 * 1024),
			HeapLiveMB:    float64(after.HeapAlloc) / (1024 * 1024),
			NumGC:         after.NumGC - before.NumGC,
			PauseTotalMS:  ms(time.Duration(after.PauseTotalNs - before.PauseTotalNs)),
			PauseAvgMS:    ms(avgPause(after, before)),
			GCCPUFraction: cpuFraction(afterMetrics, beforeMetrics),
			AllocsObjects: afterMetrics.heapAllocsObjects - beforeMetrics.heapAllocsObjects,
		},
		Protocol: protocolInfo{
			EditBytesTotal:   editBytes,
			FanoutBytesTotal: counters.fanoutBytes.Load(),
			FanoutFrames:     fanoutFrames,
			AwarenessFrames:  counters.awarenessFrame.Load(),
			AvgEditBytes:     avgEditBytes,
			FanoutPerEdit:    fanoutPerEdit,
		},
		Errors: errorInfo{
			TotalErrors:         errors.totalErrors.Load(),
			HandshakeFailures:   errors.handshakeFailures.Load(),
			EditWriteFailures:   errors.editWriteFailures.Load(),
			FrameDecodeFailures: errors.frameDecodeFailures.Load(),
			ReplyMissing:        errors.replyMissing.Load(),
			SettleFailures:      errors.settleFailures.Load(),
		},
	}
}

func writeSummary(w io.Writer, report benchReport) {
	fmt.Fprintln(w, "=== docsync benchmark ===")
	fmt.Fprintf(w, "Profile: %s\n", report.Workload.Profile)
	fmt.Fprintf(w, "Clients: %d over %d documents\n", report.Workload.Clients, report.Workload.Documents)
	fmt.Fprintf(w, "Duration: %s\n", time.Duration(report.Workload.DurationMS)*time.Millisecond)
	fmt.Fprintf(w, "Target per-client rate: %.2f edits/s\n", report.Workload.RPSPerClient)
	fmt.Fprintf(w, "Characters per edit: %d\n", report.Workload.PayloadBytes)
	if report.Workload.MaxProcs > 0 {
		fmt.Fprintf(w, "GOMAXPROCS cap: %d\n", report.Workload.MaxProcs)
	}
	if report.Workload.MemLimitBytes > 0 {
		fmt.Fprintf(w, "GOMEMLIMIT cap: %.2f GiB\n", float64(report.Workload.MemLimitBytes)/float64(gib))
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Total edits: %d\n", report.Throughput.EditsTotal)
	fmt.Fprintf(w, "Throughput: %.1f edits/s (%.2f per client)\n", report.Throughput.EditsPerSec, report.Throughput.EditsPerSecClient)
	fmt.Fprintf(w, "Errors: %d\n", report.Errors.TotalErrors)
	fmt.Fprintf(w, "Converged: %d/%d documents\n", len(report.Convergence.Converged), report.Convergence.Documents)
	if len(report.Convergence.Diverged) > 0 {
		fmt.Fprintf(w, "Diverged: %s\n", strings.Join(report.Convergence.Diverged, ", "))
	}
	fmt.Fprintln(w)

	if report.LatencyMS.Max == 0 {
		fmt.Fprintln(w, "No latency samples recorded.")
	} else {
		fmt.Fprintln(w, "RTT (update + step 1 -> step 2):")
		fmt.Fprintf(w, "  min: %.2f ms\n", report.LatencyMS.Min)
		fmt.Fprintf(w, "  p50: %.2f ms\n", report.LatencyMS.P50)
		fmt.Fprintf(w, "  p95: %.2f ms\n", report.LatencyMS.P95)
		fmt.Fprintf(w, "  p99: %.2f ms\n", report.LatencyMS.P99)
		fmt.Fprintf(w, "  max: %.2f ms\n", report.LatencyMS.Max)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Protocol:")
	fmt.Fprintf(w, "  edit bytes (avg): %.1f\n", report.Protocol.AvgEditBytes)
	fmt.Fprintf(w, "  fanout frames:    %d\n", report.Protocol.FanoutFrames)
	fmt.Fprintf(w, "  fanout/edit:      %.2f\n", report.Protocol.FanoutPerEdit)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Go runtime / GC (process-wide):")
	fmt.Fprintf(w, "  alloc:     %.2f MB\n", report.GC.AllocMB)
	fmt.Fprintf(w, "  heap_live: %.2f MB\n", report.GC.HeapLiveMB)
	fmt.Fprintf(w, "  num_gc:    %d\n", report.GC.NumGC)
	fmt.Fprintf(w, "  gc_pause:  %.2f ms (total)\n", report.GC.PauseTotalMS)
	fmt.Fprintf(w, "  gc_pause:  %.2f ms (avg)\n", report.GC.PauseAvgMS)
	fmt.Fprintf(w, "  gc_cpu:    %.2f%%\n", report.GC.GCCPUFraction*100)
}

func writeJSON(path string, report benchReport) error {
	var out io.Writer
	if path == "-" {
		out = os.Stdout
	} else {
		file, err := os.Create(path)
		if err != nil {
			return err
		}
		defer file.Close()
		out = file
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func gitCommit() string {
	if val := strings.TrimSpace(os.Getenv("DOCSYNC_GIT_COMMIT")); val != "" {
		return val
	}
	if val := strings.TrimSpace(os.Getenv("GIT_COMMIT")); val != "" {
		return val
	}
	out, err := exec.Command("git", "rev-parse", "HEAD").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
