// Command xmlenc-bench drives BinaryEncrypt/DecryptToBuffer round trips
// directly against the transform chain and key manager, in place of the
// teacher's cmd/loadtest driving an HTTP gateway. It reports throughput as
// golang.org/x/perf/benchfmt records and, like the teacher's load test,
// checks the result against a JSON baseline file for regression.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beevik/etree"
	"github.com/sirupsen/logrus"
	"golang.org/x/perf/benchfmt"

	"github.com/kenchrcum/xmlenc/internal/config"
	"github.com/kenchrcum/xmlenc/internal/keymanager"
	"github.com/kenchrcum/xmlenc/internal/tracing"
	"github.com/kenchrcum/xmlenc/internal/transform"
	"github.com/kenchrcum/xmlenc/xmlenc"
)

var algorithms = map[string]string{
	"aes-128-cbc": transform.AES128CBCID,
	"aes-192-cbc": transform.AES192CBCID,
	"aes-256-cbc": transform.AES256CBCID,
	"aes-128-gcm": transform.AES128GCMID,
	"aes-256-gcm": transform.AES256GCMID,
	"3des-cbc":    transform.TripleDESID,
}

func main() {
	var (
		algorithm      = flag.String("algorithm", "aes-128-cbc", "Cipher algorithm: aes-128-cbc, aes-192-cbc, aes-256-cbc, aes-128-gcm, aes-256-gcm, 3des-cbc")
		payloadSize    = flag.Int("payload-size", 64*1024, "Plaintext size in bytes")
		duration       = flag.Duration("duration", 10*time.Second, "Benchmark duration")
		workers        = flag.Int("workers", runtime.GOMAXPROCS(0), "Number of worker goroutines")
		baselineDir    = flag.String("baseline-dir", "testdata/baselines", "Directory for baseline files")
		threshold      = flag.Float64("threshold", 10.0, "Regression threshold percentage")
		updateBaseline = flag.Bool("update-baseline", false, "Write this run's result as the new baseline instead of checking regression")
		out            = flag.String("out", "", "File to append a benchfmt record to (default: stdout)")
		verbose        = flag.Bool("verbose", false, "Enable verbose logging")
		tracingEnabled = flag.Bool("tracing", false, "Emit a span per BinaryEncrypt/DecryptToBuffer call")
		tracingExp     = flag.String("tracing-exporter", "stdout", "Span exporter: stdout or otlp")
		otlpEndpoint   = flag.String("otlp-endpoint", "", "OTLP/gRPC collector endpoint (required for -tracing-exporter=otlp)")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	tp, err := tracing.NewProvider(context.Background(), config.TracingConfig{
		Enabled:      *tracingEnabled,
		Exporter:     *tracingExp,
		OTLPEndpoint: *otlpEndpoint,
		ServiceName:  "xmlenc-bench",
	})
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.WithError(err).Warn("tracing shutdown failed")
		}
	}()

	algoID, ok := algorithms[*algorithm]
	if !ok {
		log.Fatalf("unknown algorithm %q", *algorithm)
	}

	result, err := runBenchmark(algoID, *payloadSize, *duration, *workers, logger)
	if err != nil {
		log.Fatalf("benchmark run failed: %v", err)
	}
	result.Algorithm = *algorithm

	printResult(result)

	if err := writeBenchRecord(*out, result); err != nil {
		logger.WithError(err).Warn("failed to write benchfmt record")
	}

	baselineFile := filepath.Join(*baselineDir, fmt.Sprintf("%s_bench_baseline.json", sanitize(*algorithm)))

	if *updateBaseline {
		if err := writeBaseline(baselineFile, result); err != nil {
			log.Fatalf("failed to update baseline: %v", err)
		}
		fmt.Println("✅ Baseline updated")
		return
	}

	regression, err := analyzeRegression(baselineFile, result, *threshold)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("ℹ️  No baseline found - run with -update-baseline to create one")
			return
		}
		log.Fatalf("regression analysis failed: %v", err)
	}
	printRegression(regression)
	if regression.Significant {
		os.Exit(1)
	}
	fmt.Println("✅ No regression detected")
}

// benchResult is one algorithm's measured round-trip throughput.
type benchResult struct {
	Algorithm   string
	PayloadSize int
	Workers     int
	Iterations  int64
	Elapsed     time.Duration
	NsPerOp     float64
	MBPerSec    float64
}

// runBenchmark drives BinaryEncrypt+Finalize followed by DecryptToBuffer+
// Finalize in a loop across workers goroutines for duration, the way the
// teacher's RunRangeLoadTest drove repeated range GETs across worker
// goroutines for a fixed duration.
func runBenchmark(algorithmID string, payloadSize int, duration time.Duration, workers int, logger *logrus.Logger) (*benchResult, error) {
	mgr, err := keymanager.NewStaticManager()
	if err != nil {
		return nil, fmt.Errorf("key manager setup: %w", err)
	}
	defer mgr.Close(context.Background())

	factory := &xmlenc.Factory{
		Registry:   transform.DefaultRegistry(),
		KeyManager: mgr,
		Logger:     logger,
	}

	plaintext := make([]byte, payloadSize)
	if _, err := rand.Read(plaintext); err != nil {
		return nil, fmt.Errorf("generating payload: %w", err)
	}

	var iterations int64
	var wg sync.WaitGroup
	deadline := time.Now().Add(duration)
	ctx := context.Background()

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				if err := roundTrip(ctx, factory, algorithmID, plaintext); err != nil {
					logger.WithError(err).Error("round trip failed")
					return
				}
				atomic.AddInt64(&iterations, 1)
			}
		}()
	}

	start := time.Now()
	wg.Wait()
	elapsed := time.Since(start)

	n := atomic.LoadInt64(&iterations)
	if n == 0 {
		return nil, fmt.Errorf("no iterations completed in %s", duration)
	}

	return &benchResult{
		PayloadSize: payloadSize,
		Workers:     workers,
		Iterations:  n,
		Elapsed:     elapsed,
		NsPerOp:     float64(elapsed.Nanoseconds()) / float64(n),
		MBPerSec:    (float64(n*int64(payloadSize)) / (1024 * 1024)) / elapsed.Seconds(),
	}, nil
}

func roundTrip(ctx context.Context, factory *xmlenc.Factory, algorithmID string, plaintext []byte) error {
	template := binaryTemplate(algorithmID)
	encCtx := factory.NewContext(xmlenc.ModeEncryptedData, true)
	if err := encCtx.BinaryEncrypt(ctx, template, plaintext); err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	if err := encCtx.Finalize(); err != nil {
		return fmt.Errorf("finalize encrypt: %w", err)
	}

	decCtx := factory.NewContext(xmlenc.ModeEncryptedData, false)
	result, err := decCtx.DecryptToBuffer(ctx, template)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}
	if err := decCtx.Finalize(); err != nil {
		return fmt.Errorf("finalize decrypt: %w", err)
	}
	if len(result) != len(plaintext) {
		return fmt.Errorf("round trip length mismatch: got %d, want %d", len(result), len(plaintext))
	}
	return nil
}

func binaryTemplate(algorithm string) *etree.Element {
	doc := etree.NewDocument()
	ed := doc.CreateElement("EncryptedData")
	ed.CreateAttr("Type", xmlenc.TypeElement)
	em := ed.CreateElement("EncryptionMethod")
	em.CreateAttr("Algorithm", algorithm)
	ki := ed.CreateElement("KeyInfo")
	ki.Space = "ds"
	cd := ed.CreateElement("CipherData")
	cd.CreateElement("CipherValue")
	return ed
}

func printResult(r *benchResult) {
	fmt.Printf("--- %s (payload=%dB, workers=%d) ---\n", r.Algorithm, r.PayloadSize, r.Workers)
	fmt.Printf("iterations: %d over %s\n", r.Iterations, r.Elapsed.Round(time.Millisecond))
	fmt.Printf("ns/op:      %.0f\n", r.NsPerOp)
	fmt.Printf("throughput: %.2f MB/s\n", r.MBPerSec)
}

// writeBenchRecord emits r as a benchfmt.Result, the textual format
// "go test -bench" and benchstat both read, so results can be tracked
// alongside the rest of the module's benchmarks.
func writeBenchRecord(path string, r *benchResult) error {
	var w io.Writer = os.Stdout
	if path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	bw := benchfmt.NewWriter(w)
	res := &benchfmt.Result{
		Config: []benchfmt.Config{
			{Key: "goos", Value: []byte(runtime.GOOS), File: true},
			{Key: "goarch", Value: []byte(runtime.GOARCH), File: true},
			{Key: "algorithm", Value: []byte(r.Algorithm), File: true},
			{Key: "payload-bytes", Value: []byte(fmt.Sprintf("%d", r.PayloadSize)), File: true},
		},
		Name:  []byte(fmt.Sprintf("BenchmarkRoundTrip/%s", r.Algorithm)),
		Iters: int(r.Iterations),
		Values: []benchfmt.Value{
			{Value: r.NsPerOp, Unit: "ns/op"},
			{Value: r.MBPerSec, Unit: "MB/s"},
		},
	}
	return bw.Write(res)
}

type regressionResult struct {
	Algorithm       string
	BaselineNsPerOp float64
	CurrentNsPerOp  float64
	PercentChange   float64
	Significant     bool
}

func writeBaseline(path string, r *benchResult) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(struct {
		Algorithm string  `json:"algorithm"`
		NsPerOp   float64 `json:"ns_per_op"`
	}{r.Algorithm, r.NsPerOp}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// analyzeRegression compares r against the JSON baseline at path, the way
// the teacher's test.AnalyzeRegression compared a load test's measured
// latency against a saved baseline.
func analyzeRegression(path string, r *benchResult, thresholdPct float64) (*regressionResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var baseline struct {
		Algorithm string  `json:"algorithm"`
		NsPerOp   float64 `json:"ns_per_op"`
	}
	if err := json.Unmarshal(data, &baseline); err != nil {
		return nil, fmt.Errorf("parsing baseline %s: %w", path, err)
	}

	pct := ((r.NsPerOp - baseline.NsPerOp) / baseline.NsPerOp) * 100
	return &regressionResult{
		Algorithm:       r.Algorithm,
		BaselineNsPerOp: baseline.NsPerOp,
		CurrentNsPerOp:  r.NsPerOp,
		PercentChange:   pct,
		Significant:     pct > thresholdPct,
	}, nil
}

func printRegression(r *regressionResult) {
	fmt.Printf("--- regression check: %s ---\n", r.Algorithm)
	fmt.Printf("baseline ns/op: %.0f\n", r.BaselineNsPerOp)
	fmt.Printf("current ns/op:  %.0f\n", r.CurrentNsPerOp)
	fmt.Printf("change:         %+.1f%%\n", r.PercentChange)
	if r.Significant {
		fmt.Println("⚠️  significant regression detected")
	}
}

func sanitize(algorithm string) string {
	out := make([]byte, 0, len(algorithm))
	for _, r := range algorithm {
		if r == '-' {
			out = append(out, '_')
			continue
		}
		out = append(out, byte(r))
	}
	return string(out)
}
