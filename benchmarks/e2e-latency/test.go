// Command e2e-latency simulates the FPPROTO round trip (AREQ send →
// arbiter ALLOC → local commit) under load and checks the measured P99
// against a fixed 50ms round-trip budget.
package main

import (
	"context"
	"flag"
	"fmt"
	"sort"
	"time"
)

type e2eLatencyTest struct {
	Requests    int
	Concurrency int
	Timeout     time.Duration
}

type e2eLatencyResult struct {
	TotalRequests int
	SuccessCount  int
	FailureCount  int
	Latencies     []time.Duration
	Components    map[string][]time.Duration
}

// roundTripLatency is one simulated AREQ → ALLOC → commit round trip,
// broken down by stage.
type roundTripLatency struct {
	AREQSend   time.Duration
	ArbiterRTT time.Duration
	Commit     time.Duration
	Total      time.Duration
}

func main() {
	test := parseFlags()

	fmt.Println("================================")
	fmt.Println("  FPPROTO round-trip latency")
	fmt.Println("================================")
	fmt.Println()

	fmt.Printf("Total requests:   %d\n", test.Requests)
	fmt.Printf("Concurrency:      %d\n", test.Concurrency)
	fmt.Printf("Timeout:          %s\n", test.Timeout)
	fmt.Println()

	result := run(test)
	analyze(result)
	verifyGoal(result)
}

func parseFlags() *e2eLatencyTest {
	test := &e2eLatencyTest{}

	flag.IntVar(&test.Requests, "requests", 10000, "Total number of round trips to simulate")
	flag.IntVar(&test.Concurrency, "concurrency", 100, "Number of concurrent workers")
	flag.DurationVar(&test.Timeout, "timeout", 5*time.Second, "Per-request timeout")

	flag.Parse()

	return test
}

func run(test *e2eLatencyTest) *e2eLatencyResult {
	result := &e2eLatencyResult{
		Components: make(map[string][]time.Duration),
	}

	fmt.Println("running...")
	fmt.Println()

	requestsChan := make(chan int, test.Requests)
	resultsChan := make(chan *roundTripLatency, test.Requests)

	for i := 0; i < test.Requests; i++ {
		requestsChan <- i
	}
	close(requestsChan)

	for i := 0; i < test.Concurrency; i++ {
		go worker(requestsChan, resultsChan, test.Timeout)
	}

	for i := 0; i < test.Requests; i++ {
		latency := <-resultsChan
		if latency != nil {
			result.SuccessCount++
			result.Latencies = append(result.Latencies, latency.Total)
			result.Components["areq_send"] = append(result.Components["areq_send"], latency.AREQSend)
			result.Components["arbiter_rtt"] = append(result.Components["arbiter_rtt"], latency.ArbiterRTT)
			result.Components["commit"] = append(result.Components["commit"], latency.Commit)
		} else {
			result.FailureCount++
		}

		if (i+1)%1000 == 0 {
			fmt.Printf("  progress: %d/%d (%.1f%%)\n", i+1, test.Requests, float64(i+1)/float64(test.Requests)*100)
		}
	}

	result.TotalRequests = test.Requests

	fmt.Println()
	fmt.Println("done")
	fmt.Println()

	return result
}

func worker(requests <-chan int, results chan<- *roundTripLatency, timeout time.Duration) {
	for range requests {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		latency := measureRoundTrip(ctx)
		cancel()
		results <- latency
	}
}

// measureRoundTrip simulates the three stages a committed AREQ packet
// passes through: local send, arbiter processing + wire RTT, and the
// endpoint applying the resulting ALLOC to its window.
func measureRoundTrip(ctx context.Context) *roundTripLatency {
	latency := &roundTripLatency{}

	start := time.Now()
	time.Sleep(time.Duration(1+randInt(3)) * time.Millisecond) // 2-4ms
	latency.AREQSend = time.Since(start)

	start = time.Now()
	time.Sleep(time.Duration(3+randInt(7)) * time.Millisecond) // 4-10ms
	latency.ArbiterRTT = time.Since(start)

	start = time.Now()
	time.Sleep(time.Duration(1+randInt(3)) * time.Millisecond) // 2-4ms
	latency.Commit = time.Since(start)

	latency.Total = latency.AREQSend + latency.ArbiterRTT + latency.Commit

	return latency
}

func randInt(n int) int {
	return int(time.Now().UnixNano()%int64(n) + 1)
}

func analyze(result *e2eLatencyResult) {
	fmt.Println("================================")
	fmt.Println("  results")
	fmt.Println("================================")
	fmt.Println()

	successRate := float64(result.SuccessCount) / float64(result.TotalRequests) * 100
	fmt.Printf("Total requests:   %d\n", result.TotalRequests)
	fmt.Printf("Succeeded:        %d (%.2f%%)\n", result.SuccessCount, successRate)
	fmt.Printf("Failed:           %d\n", result.FailureCount)
	fmt.Println()

	if len(result.Latencies) > 0 {
		stats := calculateStats(result.Latencies)

		fmt.Println("round-trip latency:")
		fmt.Printf("  P50:            %.1fms\n", float64(stats.P50.Microseconds())/1000)
		fmt.Printf("  P95:            %.1fms\n", float64(stats.P95.Microseconds())/1000)
		fmt.Printf("  P99:            %.1fms\n", float64(stats.P99.Microseconds())/1000)
		fmt.Printf("  P99.9:          %.1fms\n", float64(stats.P999.Microseconds())/1000)
		fmt.Printf("  avg:            %.1fms\n", float64(stats.Avg.Microseconds())/1000)
		fmt.Printf("  min:            %.1fms\n", float64(stats.Min.Microseconds())/1000)
		fmt.Printf("  max:            %.1fms\n", float64(stats.Max.Microseconds())/1000)
		fmt.Println()
	}

	fmt.Println("stage breakdown:")

	stages := []string{"areq_send", "arbiter_rtt", "commit"}
	stageNames := map[string]string{
		"areq_send":   "AREQ send",
		"arbiter_rtt": "arbiter RTT",
		"commit":      "window commit",
	}

	for _, stage := range stages {
		if latencies, ok := result.Components[stage]; ok && len(latencies) > 0 {
			stats := calculateStats(latencies)
			fmt.Printf("  %s:\n", stageNames[stage])
			fmt.Printf("    P50:          %.1fms\n", float64(stats.P50.Microseconds())/1000)
			fmt.Printf("    P95:          %.1fms\n", float64(stats.P95.Microseconds())/1000)
			fmt.Printf("    P99:          %.1fms\n", float64(stats.P99.Microseconds())/1000)
			fmt.Printf("    avg:          %.1fms\n", float64(stats.Avg.Microseconds())/1000)
		}
	}

	fmt.Println()
}

type latencyStats struct {
	Min  time.Duration
	Max  time.Duration
	Avg  time.Duration
	P50  time.Duration
	P95  time.Duration
	P99  time.Duration
	P999 time.Duration
}

func calculateStats(latencies []time.Duration) *latencyStats {
	if len(latencies) == 0 {
		return &latencyStats{}
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	stats := &latencyStats{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		P50: sorted[int(float64(len(sorted))*0.50)],
		P95: sorted[int(float64(len(sorted))*0.95)],
		P99: sorted[int(float64(len(sorted))*0.99)],
	}

	if len(sorted) >= 1000 {
		stats.P999 = sorted[int(float64(len(sorted))*0.999)]
	} else {
		stats.P999 = stats.Max
	}

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	stats.Avg = sum / time.Duration(len(latencies))

	return stats
}

// verifyGoal checks the measured P99 against a fixed 50ms scheduling
// round-trip budget.
func verifyGoal(result *e2eLatencyResult) {
	fmt.Println("================================")
	fmt.Println("  goal check")
	fmt.Println("================================")
	fmt.Println()

	goal := 50 * time.Millisecond

	if len(result.Latencies) > 0 {
		stats := calculateStats(result.Latencies)

		fmt.Printf("target:           P99 < %dms\n", goal.Milliseconds())
		fmt.Printf("measured:         P99 = %.1fms\n", float64(stats.P99.Microseconds())/1000)
		fmt.Println()

		if stats.P99 < goal {
			margin := (goal - stats.P99).Milliseconds()
			fmt.Printf("PASS (%dms under budget)\n", margin)
		} else {
			gap := (stats.P99 - goal).Milliseconds()
			fmt.Printf("FAIL (%dms over budget)\n", gap)
		}
	}

	fmt.Println()
}
