// Package main provides incremental load testing for the liso server.
// Clients are added at a fixed interval until the test duration ends; every
// request opens a new connection, so the run measures admission, 503
// rejections at pool capacity, and dropped connections under growing load.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FumingPower3925/liso/pkg/liso"
	"go.uber.org/zap"
)

// LoadTestConfig defines the configuration for an incremental load test
type LoadTestConfig struct {
	// Server configuration
	Engine         string
	MaxConnections int
	BufferSize     int
	FileSize       int

	// Test configuration
	RampUpInterval time.Duration // Time between adding new clients
	ClientsPerStep int           // Number of clients to add each step
	TestDuration   time.Duration // Total test duration
	RequestTimeout time.Duration // Request timeout
	RequestDelay   time.Duration // Delay between requests per client
}

// LoadTestResult contains the results of an incremental load test
type LoadTestResult struct {
	Engine             string
	TestDuration       time.Duration
	MaxClients         int
	TotalRequests      int64
	SuccessfulRequests int64
	Rejected           int64
	DroppedConnections int64
	StatusCodes        map[int]int64
	MaxRPS             float64
	MaxClientsAtMaxRPS int
}

// LoadTestRunner manages the incremental load test
type LoadTestRunner struct {
	config  LoadTestConfig
	server  *liso.Server
	addr    string
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	result  *LoadTestResult
	clients int64
	success int64
}

// NewLoadTestRunner creates a new load test runner
func NewLoadTestRunner(config LoadTestConfig) *LoadTestRunner {
	ctx, cancel := context.WithCancel(context.Background())
	return &LoadTestRunner{
		config: config,
		ctx:    ctx,
		cancel: cancel,
		result: &LoadTestResult{
			Engine:      config.Engine,
			StatusCodes: make(map[int]int64),
		},
	}
}

// StartServer starts a liso server over a generated document root
func (r *LoadTestRunner) StartServer() error {
	root, err := os.MkdirTemp("", "liso-load-")
	if err != nil {
		return err
	}
	page := strings.Repeat("x", r.config.FileSize)
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte(page), 0o600); err != nil {
		return err
	}

	config := liso.DefaultConfig()
	config.Root = root
	config.Engine = r.config.Engine
	config.MaxConnections = r.config.MaxConnections
	config.BufferSize = r.config.BufferSize
	config.Logger = zap.NewNop()

	if config.Engine == liso.EngineGnet {
		// gnet does not report an ephemeral port, so reserve one first.
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return err
		}
		config.HTTPAddr = ln.Addr().String()
		_ = ln.Close()
	} else {
		config.HTTPAddr = "127.0.0.1:0"
	}

	server, err := liso.New(config)
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}
	r.server = server
	r.addr = config.HTTPAddr
	if addrs := server.Addrs(); len(addrs) > 0 {
		r.addr = addrs[0].String()
	}
	return nil
}

// StopServer stops the liso server
func (r *LoadTestRunner) StopServer() error {
	if r.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.server.Stop(ctx)
}

// Run executes the ramp-up and returns the aggregated results
func (r *LoadTestRunner) Run() (*LoadTestResult, error) {
	if err := r.StartServer(); err != nil {
		return nil, fmt.Errorf("start server: %w", err)
	}
	defer func() {
		if err := r.StopServer(); err != nil {
			log.Printf("stop server: %v", err)
		}
	}()

	start := time.Now()
	go r.measure()

	ticker := time.NewTicker(r.config.RampUpInterval)
	defer ticker.Stop()
	for time.Since(start) < r.config.TestDuration {
		<-ticker.C
		for i := 0; i < r.config.ClientsPerStep; i++ {
			atomic.AddInt64(&r.clients, 1)
			r.wg.Add(1)
			go r.runClient()
		}
	}

	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.TestDuration = time.Since(start)
	r.result.MaxClients = int(atomic.LoadInt64(&r.clients))
	return r.result, nil
}

// measure samples successful requests once per second for the RPS peak
func (r *LoadTestRunner) measure() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var last int64
	lastTime := time.Now()
	for {
		select {
		case <-r.ctx.Done():
			return
		case now := <-ticker.C:
			current := atomic.LoadInt64(&r.success)
			rps := float64(current-last) / now.Sub(lastTime).Seconds()
			r.mu.Lock()
			if rps > r.result.MaxRPS {
				r.result.MaxRPS = rps
				r.result.MaxClientsAtMaxRPS = int(atomic.LoadInt64(&r.clients))
			}
			r.mu.Unlock()
			last, lastTime = current, now
		}
	}
}

// runClient issues requests until the test ends
func (r *LoadTestRunner) runClient() {
	defer r.wg.Done()

	client := &http.Client{
		Timeout:   r.config.RequestTimeout,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
	url := "http://" + r.addr + "/"
	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		req, _ := http.NewRequestWithContext(r.ctx, http.MethodGet, url, nil)
		resp, err := client.Do(req)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.track(0)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			r.track(resp.StatusCode)
		}
		time.Sleep(r.config.RequestDelay)
	}
}

// track records the outcome of one request; status 0 is a dropped connection
func (r *LoadTestRunner) track(status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.TotalRequests++
	r.result.StatusCodes[status]++
	switch status {
	case 0:
		r.result.DroppedConnections++
	case http.StatusOK:
		r.result.SuccessfulRequests++
		atomic.AddInt64(&r.success, 1)
	case http.StatusServiceUnavailable:
		r.result.Rejected++
	}
}

// PrintResults prints the summarized test results
func PrintResults(result *LoadTestResult) {
	fmt.Printf("\n=== Incremental Load Test Results ===\n")
	fmt.Printf("Engine: %s\n", result.Engine)
	fmt.Printf("Test Duration: %v\n", result.TestDuration.Round(time.Millisecond))
	fmt.Printf("Max Clients: %d\n", result.MaxClients)
	fmt.Printf("Max RPS: %.0f (at %d clients)\n", result.MaxRPS, result.MaxClientsAtMaxRPS)
	fmt.Printf("Total Requests: %d\n", result.TotalRequests)
	fmt.Printf("Successful: %d\n", result.SuccessfulRequests)
	fmt.Printf("Rejected (503): %d\n", result.Rejected)
	fmt.Printf("Dropped Connections: %d\n", result.DroppedConnections)

	codes := make([]int, 0, len(result.StatusCodes))
	for code := range result.StatusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	fmt.Printf("Status Codes:\n")
	for _, code := range codes {
		fmt.Printf("  %03d: %d\n", code, result.StatusCodes[code])
	}
}

func main() {
	var (
		engine         = flag.String("engine", liso.EngineSelect, "Event loop engine: select or gnet")
		maxConnections = flag.Int("max-conn", 0, "Server pool capacity (0 for the descriptor-set size)")
		bufferSize     = flag.Int("buffer", 0, "Per-connection buffer size (0 for the default)")
		fileSize       = flag.Int("file-size", 4096, "Size of the served document in bytes")
		rampUpInterval = flag.Duration("rampup", 25*time.Millisecond, "Time between adding new clients")
		clientsPerStep = flag.Int("clients", 1, "Number of clients to add each step")
		testDuration   = flag.Duration("duration", 10*time.Second, "Test duration")
		requestTimeout = flag.Duration("timeout", 3*time.Second, "Request timeout")
		requestDelay   = flag.Duration("delay", 2*time.Millisecond, "Delay between requests per client")
	)
	flag.Parse()

	runner := NewLoadTestRunner(LoadTestConfig{
		Engine:         *engine,
		MaxConnections: *maxConnections,
		BufferSize:     *bufferSize,
		FileSize:       *fileSize,
		RampUpInterval: *rampUpInterval,
		ClientsPerStep: *clientsPerStep,
		TestDuration:   *testDuration,
		RequestTimeout: *requestTimeout,
		RequestDelay:   *requestDelay,
	})
	result, err := runner.Run()
	if err != nil {
		log.Fatalf("Load test failed: %v", err)
	}

	PrintResults(result)

	// Rejections at capacity are expected; dropped connections are not.
	if result.DroppedConnections > 0 {
		os.Exit(1)
	}
}
