// Package main - agitator
// Load generator for the status stream: opens many websocket subscribers,
// has them request snapshots and change filters, and posts manual ticks so
// there is a steady flow of events to fan out.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
)

// Config for the agitator
type Config struct {
	ServerURL      string
	NumClients     int
	ActionInterval time.Duration
	TickInterval   time.Duration
	TestDuration   time.Duration
	NodeIDs        []string
	OutputFile     string
}

// Stats tracks performance metrics
type Stats struct {
	MessagesSent     int64
	MessagesReceived int64
	BytesReceived    int64
	TicksPosted      int64
	TicksThrottled   int64
	Errors           int64
	Latencies        []time.Duration
	mu               sync.Mutex
}

var commandTypes = []string{"SNAPSHOT", "SUBSCRIBE", "UNSUBSCRIBE"}

func main() {
	serverURL := pflag.String("url", "http://localhost:8080", "server base URL")
	numClients := pflag.Int("clients", 50, "number of concurrent subscribers")
	interval := pflag.Duration("interval", 500*time.Millisecond, "command interval per subscriber")
	tickInterval := pflag.Duration("tick-interval", 200*time.Millisecond, "interval between manual ticks (0 disables)")
	duration := pflag.Duration("duration", 60*time.Second, "test duration")
	nodes := pflag.StringSlice("nodes", nil, "node ids subscribers filter on")
	output := pflag.String("output", "stress_test_results.json", "results file")
	pflag.Parse()

	config := Config{
		ServerURL:      *serverURL,
		NumClients:     *numClients,
		ActionInterval: *interval,
		TickInterval:   *tickInterval,
		TestDuration:   *duration,
		NodeIDs:        *nodes,
		OutputFile:     *output,
	}

	fmt.Println("=========================================")
	fmt.Println("AGITATOR - status stream stress test")
	fmt.Println("=========================================")
	fmt.Printf("Server:   %s\n", config.ServerURL)
	fmt.Printf("Clients:  %d\n", config.NumClients)
	fmt.Printf("Interval: %v\n", config.ActionInterval)
	fmt.Printf("Ticks:    every %v\n", config.TickInterval)
	fmt.Printf("Duration: %v\n", config.TestDuration)
	fmt.Println("=========================================")

	ctx, cancel := context.WithTimeout(context.Background(), config.TestDuration)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		fmt.Println("\ninterrupt received, stopping...")
		cancel()
	}()

	stats := runStressTest(ctx, config)
	printResults(stats, config)
}

func runStressTest(ctx context.Context, config Config) *Stats {
	stats := &Stats{
		Latencies: make([]time.Duration, 0, 10000),
	}

	var wg sync.WaitGroup

	if config.TickInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			postTicks(ctx, config, stats)
		}()
	}

	fmt.Println("\nstarting clients...")
	for i := 0; i < config.NumClients; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()
			runClient(ctx, clientID, config, stats)
		}(i)

		// Stagger client starts to avoid thundering herd
		time.Sleep(10 * time.Millisecond)
	}
	fmt.Printf("all %d clients started\n\n", config.NumClients)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Printf("progress: sent=%d recv=%d ticks=%d errors=%d\n",
					atomic.LoadInt64(&stats.MessagesSent),
					atomic.LoadInt64(&stats.MessagesReceived),
					atomic.LoadInt64(&stats.TicksPosted),
					atomic.LoadInt64(&stats.Errors))
			}
		}
	}()

	wg.Wait()
	return stats
}

func postTicks(ctx context.Context, config Config, stats *Stats) {
	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.ServerURL+"/api/tick", nil)
			if err != nil {
				atomic.AddInt64(&stats.Errors, 1)
				return
			}
			resp, err := client.Do(req)
			if err != nil {
				if ctx.Err() == nil {
					atomic.AddInt64(&stats.Errors, 1)
				}
				continue
			}
			resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusOK:
				atomic.AddInt64(&stats.TicksPosted, 1)
			case http.StatusTooManyRequests:
				atomic.AddInt64(&stats.TicksThrottled, 1)
			default:
				atomic.AddInt64(&stats.Errors, 1)
			}
		}
	}
}

func wsURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	return u.String(), nil
}

func runClient(ctx context.Context, clientID int, config Config, stats *Stats) {
	target, err := wsURL(config.ServerURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "client %d: url parse error: %v\n", clientID, err)
		atomic.AddInt64(&stats.Errors, 1)
		return
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "client %d: connection failed: %v\n", clientID, err)
		atomic.AddInt64(&stats.Errors, 1)
		return
	}
	defer conn.Close()

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			atomic.AddInt64(&stats.MessagesReceived, 1)
			atomic.AddInt64(&stats.BytesReceived, int64(len(data)))
		}
	}()

	ticker := time.NewTicker(config.ActionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := conn.WriteJSON(randomCommand(config.NodeIDs)); err != nil {
				atomic.AddInt64(&stats.Errors, 1)
				return
			}

			atomic.AddInt64(&stats.MessagesSent, 1)
			stats.mu.Lock()
			stats.Latencies = append(stats.Latencies, time.Since(start))
			stats.mu.Unlock()
		}
	}
}

func randomCommand(nodeIDs []string) map[string]interface{} {
	cmd := map[string]interface{}{
		"type": commandTypes[rand.Intn(len(commandTypes))],
	}
	if cmd["type"] == "SUBSCRIBE" && len(nodeIDs) > 0 {
		n := 1 + rand.Intn(len(nodeIDs))
		picked := slices.Clone(nodeIDs)
		rand.Shuffle(len(picked), func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })
		cmd["node_ids"] = picked[:n]
	}
	return cmd
}

func printResults(stats *Stats, config Config) {
	fmt.Println("\n=========================================")
	fmt.Println("STRESS TEST RESULTS")
	fmt.Println("=========================================")

	sent := atomic.LoadInt64(&stats.MessagesSent)
	recv := atomic.LoadInt64(&stats.MessagesReceived)
	bytesRecv := atomic.LoadInt64(&stats.BytesReceived)
	ticks := atomic.LoadInt64(&stats.TicksPosted)
	throttled := atomic.LoadInt64(&stats.TicksThrottled)
	errs := atomic.LoadInt64(&stats.Errors)

	fmt.Printf("Commands Sent:     %s\n", humanize.Comma(sent))
	fmt.Printf("Frames Received:   %s (%s)\n", humanize.Comma(recv), humanize.Bytes(uint64(bytesRecv)))
	fmt.Printf("Ticks Posted:      %s (%s throttled)\n", humanize.Comma(ticks), humanize.Comma(throttled))
	fmt.Printf("Errors:            %s\n", humanize.Comma(errs))
	fmt.Printf("Error Rate:        %.2f%%\n", float64(errs)/float64(sent+1)*100)

	throughput := float64(recv) / config.TestDuration.Seconds()
	fmt.Printf("Fan-out:           %s frames/sec\n", humanize.CommafWithDigits(throughput, 2))

	stats.mu.Lock()
	latencies := slices.Clone(stats.Latencies)
	stats.mu.Unlock()
	if len(latencies) > 0 {
		slices.Sort(latencies)
		var total time.Duration
		for _, l := range latencies {
			total += l
		}
		fmt.Printf("\nWrite latency:\n")
		fmt.Printf("  Min: %v\n", latencies[0])
		fmt.Printf("  Avg: %v\n", total/time.Duration(len(latencies)))
		fmt.Printf("  P99: %v\n", latencies[len(latencies)*99/100])
		fmt.Printf("  Max: %v\n", latencies[len(latencies)-1])
	}

	fmt.Println("\n-----------------------------------------")
	switch {
	case errs == 0 && recv > 0:
		fmt.Println("TEST PASSED: system handled the load")
	case float64(errs)/float64(sent+1) < 0.05:
		fmt.Println("TEST WARNING: some errors detected")
	default:
		fmt.Println("TEST FAILED: high error rate")
	}
	fmt.Println("=========================================")

	results := map[string]interface{}{
		"commands_sent":   sent,
		"frames_received": recv,
		"bytes_received":  bytesRecv,
		"ticks_posted":    ticks,
		"ticks_throttled": throttled,
		"errors":          errs,
		"fanout_per_sec":  throughput,
		"config": map[string]interface{}{
			"clients":       config.NumClients,
			"interval":      config.ActionInterval.String(),
			"tick_interval": config.TickInterval.String(),
			"duration":      config.TestDuration.String(),
		},
	}

	jsonData, _ := json.MarshalIndent(results, "", "  ")
	if err := os.WriteFile(config.OutputFile, jsonData, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write results: %v\n", err)
		return
	}
	fmt.Printf("\nresults saved to %s\n", config.OutputFile)
}
