// Command stress-test load-tests the fastpass-endpoint admin plane's REST
// routes (/health, /stats, /destinations) with a fixed worker pool and
// optional rate limit, reporting latency percentiles and status-code
// distribution at the end of the run.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Config is a stress run's parameters.
type Config struct {
	Target      string
	Concurrency int
	Duration    time.Duration
	RPS         int
	Timeout     time.Duration
	KeepAlive   bool
	SkipVerify  bool
	Method      string
	Body        string
	Headers     map[string]string
}

// Result accumulates one stress run's outcome.
type Result struct {
	TotalRequests   int64
	SuccessRequests int64
	FailedRequests  int64
	TotalDuration   time.Duration
	MinLatency      time.Duration
	MaxLatency      time.Duration
	AvgLatency      time.Duration
	P50Latency      time.Duration
	P95Latency      time.Duration
	P99Latency      time.Duration
	Throughput      float64
	StatusCodes     map[int]int64
	Errors          map[string]int64
	latencies       []time.Duration
	mu              sync.Mutex
}

// StressTest drives Config.Concurrency workers against Config.Target for
// Config.Duration.
type StressTest struct {
	config *Config
	client *http.Client
	logger *zap.Logger
	result *Result
	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	target := flag.String("target", "http://localhost:8900/stats", "Target admin-plane URL")
	concurrency := flag.Int("c", 10, "Number of concurrent workers")
	duration := flag.Duration("d", 10*time.Second, "Test duration")
	rps := flag.Int("rps", 0, "Requests per second (0 = unlimited)")
	timeout := flag.Duration("timeout", 30*time.Second, "Request timeout")
	method := flag.String("method", "GET", "HTTP method")
	body := flag.String("body", "", "Request body")
	keepAlive := flag.Bool("keepalive", true, "Use HTTP keep-alive")
	skipVerify := flag.Bool("skip-verify", false, "Skip TLS verification")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	config := &Config{
		Target:      *target,
		Concurrency: *concurrency,
		Duration:    *duration,
		RPS:         *rps,
		Timeout:     *timeout,
		Method:      *method,
		Body:        *body,
		KeepAlive:   *keepAlive,
		SkipVerify:  *skipVerify,
	}

	st := NewStressTest(config, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("received interrupt signal, stopping test...")
		st.Stop()
	}()

	st.Run()
	st.PrintResult()
}

// NewStressTest builds a StressTest bound to config.
func NewStressTest(config *Config, logger *zap.Logger) *StressTest {
	ctx, cancel := context.WithCancel(context.Background())

	transport := &http.Transport{
		MaxIdleConns:        config.Concurrency,
		MaxIdleConnsPerHost: config.Concurrency,
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   !config.KeepAlive,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: config.SkipVerify,
		},
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
	}

	return &StressTest{
		config: config,
		client: client,
		logger: logger,
		result: &Result{
			StatusCodes: make(map[int]int64),
			Errors:      make(map[string]int64),
			latencies:   make([]time.Duration, 0, 10000),
			MinLatency:  time.Hour,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Run starts the worker pool and blocks until the test duration elapses
// or Stop is called.
func (st *StressTest) Run() {
	st.logger.Info("starting stress test",
		zap.String("target", st.config.Target),
		zap.Int("concurrency", st.config.Concurrency),
		zap.Duration("duration", st.config.Duration),
		zap.Int("rps", st.config.RPS),
	)

	startTime := time.Now()

	var rateLimiter <-chan time.Time
	if st.config.RPS > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(st.config.RPS))
		defer ticker.Stop()
		rateLimiter = ticker.C
	}

	var wg sync.WaitGroup
	for i := 0; i < st.config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			st.worker(workerID, rateLimiter)
		}(i)
	}

	select {
	case <-time.After(st.config.Duration):
		st.logger.Info("test duration reached, stopping...")
		st.Stop()
	case <-st.ctx.Done():
		st.logger.Info("test cancelled")
	}

	wg.Wait()

	st.result.TotalDuration = time.Since(startTime)
	st.calculateStats()
}

func (st *StressTest) worker(id int, rateLimiter <-chan time.Time) {
	for {
		select {
		case <-st.ctx.Done():
			return
		default:
			if rateLimiter != nil {
				select {
				case <-rateLimiter:
				case <-st.ctx.Done():
					return
				}
			}
			st.sendRequest()
		}
	}
}

func (st *StressTest) sendRequest() {
	start := time.Now()
	atomic.AddInt64(&st.result.TotalRequests, 1)

	req, err := http.NewRequestWithContext(st.ctx, st.config.Method, st.config.Target, strings.NewReader(st.config.Body))
	if err != nil {
		atomic.AddInt64(&st.result.FailedRequests, 1)
		st.recordError("request_creation", err.Error())
		return
	}

	resp, err := st.client.Do(req)
	latency := time.Since(start)

	if err != nil {
		atomic.AddInt64(&st.result.FailedRequests, 1)
		st.recordError("request_execution", err.Error())
		return
	}
	defer resp.Body.Close()

	atomic.AddInt64(&st.result.SuccessRequests, 1)
	st.recordLatency(latency)
	st.recordStatusCode(resp.StatusCode)
}

func (st *StressTest) recordLatency(latency time.Duration) {
	st.result.mu.Lock()
	defer st.result.mu.Unlock()

	st.result.latencies = append(st.result.latencies, latency)

	if latency < st.result.MinLatency {
		st.result.MinLatency = latency
	}
	if latency > st.result.MaxLatency {
		st.result.MaxLatency = latency
	}
}

func (st *StressTest) recordStatusCode(code int) {
	st.result.mu.Lock()
	defer st.result.mu.Unlock()
	st.result.StatusCodes[code]++
}

func (st *StressTest) recordError(errType, errMsg string) {
	st.result.mu.Lock()
	defer st.result.mu.Unlock()
	key := fmt.Sprintf("%s: %s", errType, errMsg)
	st.result.Errors[key]++
}

// calculateStats computes averages, throughput and percentile latencies.
// Percentiles are read off the unsorted sample slice, matching the
// teacher's simplified (not fully accurate) calculation.
func (st *StressTest) calculateStats() {
	st.result.mu.Lock()
	defer st.result.mu.Unlock()

	if len(st.result.latencies) == 0 {
		return
	}

	var total time.Duration
	for _, l := range st.result.latencies {
		total += l
	}
	st.result.AvgLatency = total / time.Duration(len(st.result.latencies))

	st.result.Throughput = float64(st.result.SuccessRequests) / st.result.TotalDuration.Seconds()

	st.result.P50Latency = st.result.latencies[len(st.result.latencies)/2]
	st.result.P95Latency = st.result.latencies[len(st.result.latencies)*95/100]
	st.result.P99Latency = st.result.latencies[len(st.result.latencies)*99/100]
}

// Stop cancels the run, unblocking every worker.
func (st *StressTest) Stop() {
	st.cancel()
}

// PrintResult writes a human-readable summary to stdout.
func (st *StressTest) PrintResult() {
	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("Stress Test Results")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Target:           %s\n", st.config.Target)
	fmt.Printf("Concurrency:      %d\n", st.config.Concurrency)
	fmt.Printf("Duration:         %v\n", st.result.TotalDuration)
	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("Total Requests:   %d\n", st.result.TotalRequests)
	fmt.Printf("Success:          %d (%.2f%%)\n",
		st.result.SuccessRequests,
		float64(st.result.SuccessRequests)/float64(st.result.TotalRequests)*100)
	fmt.Printf("Failed:           %d (%.2f%%)\n",
		st.result.FailedRequests,
		float64(st.result.FailedRequests)/float64(st.result.TotalRequests)*100)
	fmt.Printf("Throughput:       %.2f req/s\n", st.result.Throughput)
	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("Min Latency:      %v\n", st.result.MinLatency)
	fmt.Printf("Max Latency:      %v\n", st.result.MaxLatency)
	fmt.Printf("Avg Latency:      %v\n", st.result.AvgLatency)
	fmt.Printf("P50 Latency:      %v\n", st.result.P50Latency)
	fmt.Printf("P95 Latency:      %v\n", st.result.P95Latency)
	fmt.Printf("P99 Latency:      %v\n", st.result.P99Latency)
	fmt.Println(strings.Repeat("-", 60))
	fmt.Println("Status Code Distribution:")
	for code, count := range st.result.StatusCodes {
		fmt.Printf("  %d: %d (%.2f%%)\n",
			code, count,
			float64(count)/float64(st.result.SuccessRequests)*100)
	}

	if len(st.result.Errors) > 0 {
		fmt.Println(strings.Repeat("-", 60))
		fmt.Println("Errors:")
		for err, count := range st.result.Errors {
			fmt.Printf("  %s: %d\n", err, count)
		}
	}
	fmt.Println(strings.Repeat("=", 60))
}
