// Command loadtest ramps up WebSocket subscribers against a running
// server and holds them, reporting client-side frame counts against the
// server's own /health numbers. A growing gap between the two means the
// server is tracking phantom connections.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

type config struct {
	WSURL             string
	HealthURL         string
	TargetConnections int
	RampRate          int // connections per second
	SustainSec        int
	ReportSec         int
	HealthSec         int
	DialTimeout       time.Duration
}

type state struct {
	active        int64
	totalCreated  int64
	failed        int64
	framesRcvd    int64
	bytesRcvd     int64
	commandErrors int64

	mu         sync.RWMutex
	lastHealth *healthResponse

	startTime   time.Time
	sustainFrom time.Time
	phase       atomic.Value // "ramping", "sustaining", "completed"
}

// healthResponse mirrors the server's /health document.
type healthResponse struct {
	Status  string `json:"status"`
	Healthy bool   `json:"healthy"`
	Checks  struct {
		Worlds struct {
			Count    int      `json:"count"`
			Degraded []string `json:"degraded"`
		} `json:"worlds"`
		Websocket struct {
			ActiveConnections int `json:"active_connections"`
		} `json:"websocket"`
		System struct {
			CPUPercent float64 `json:"cpu_percent"`
			MemoryMB   float64 `json:"memory_mb"`
			Goroutines int     `json:"goroutines"`
		} `json:"system"`
	} `json:"checks"`
}

var (
	cfg config
	st  state
)

func main() {
	flag.StringVar(&cfg.WSURL, "url", getEnv("WS_URL", "ws://localhost:8000/ws"), "WebSocket endpoint (append /ws/{world_id} to pin a world)")
	flag.StringVar(&cfg.HealthURL, "health", getEnv("HEALTH_URL", "http://localhost:8000/health"), "Health endpoint")
	flag.IntVar(&cfg.TargetConnections, "connections", getEnvInt("TARGET_CONNECTIONS", 500), "Target number of subscribers")
	flag.IntVar(&cfg.RampRate, "ramp-rate", getEnvInt("RAMP_RATE", 50), "Connections per second during ramp-up")
	flag.IntVar(&cfg.SustainSec, "duration", getEnvInt("DURATION", 300), "Sustain duration in seconds")
	flag.IntVar(&cfg.ReportSec, "report-interval", 10, "Report interval in seconds")
	flag.IntVar(&cfg.HealthSec, "health-interval", 5, "Health poll interval in seconds")
	dialTimeoutMS := flag.Int("dial-timeout", getEnvInt("DIAL_TIMEOUT_MS", 10000), "Dial timeout in milliseconds")
	flag.Parse()
	cfg.DialTimeout = time.Duration(*dialTimeoutMS) * time.Millisecond

	st.startTime = time.Now()
	st.phase.Store("ramping")

	log.Print("\n" + strings.Repeat("=", 72))
	log.Print("SUSTAINED SUBSCRIBER LOAD TEST")
	log.Print(strings.Repeat("=", 72))
	log.Printf("Target:   %d connections at %d/sec", cfg.TargetConnections, cfg.RampRate)
	log.Printf("Sustain:  %ds", cfg.SustainSec)
	log.Printf("Server:   %s", cfg.WSURL)
	log.Printf("Health:   %s", cfg.HealthURL)
	log.Print(strings.Repeat("=", 72) + "\n")

	if err := pollHealth(); err != nil {
		log.Fatalf("initial health check failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("shutdown signal received, stopping")
		cancel()
	}()

	go healthLoop(ctx)
	go reportLoop(ctx)

	if err := rampUp(ctx); err != nil {
		log.Printf("ramp-up aborted: %v", err)
	}

	if st.phase.Load() == "sustaining" {
		select {
		case <-time.After(time.Duration(cfg.SustainSec) * time.Second):
			st.phase.Store("completed")
		case <-ctx.Done():
			log.Printf("sustain phase interrupted")
		}
	}

	log.Printf("\ntest completed")
	printReport()
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func rampUp(ctx context.Context) error {
	batchSize := cfg.RampRate / 10
	if batchSize < 1 {
		batchSize = 1
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if atomic.LoadInt64(&st.totalCreated) >= int64(cfg.TargetConnections) {
				st.sustainFrom = time.Now()
				st.phase.Store("sustaining")
				log.Printf("ramp-up complete: %d active", atomic.LoadInt64(&st.active))
				return nil
			}
			var wg sync.WaitGroup
			for i := 0; i < batchSize && atomic.LoadInt64(&st.totalCreated) < int64(cfg.TargetConnections); i++ {
				wg.Add(1)
				atomic.AddInt64(&st.totalCreated, 1)
				go func() {
					defer wg.Done()
					if err := runSubscriber(ctx); err != nil {
						atomic.AddInt64(&st.failed, 1)
					}
				}()
			}
			wg.Wait()
		}
	}
}

// runSubscriber dials one connection and reads frames until the server
// closes it or the test ends. wsutil answers server pings for us, so a
// healthy idle subscriber stays up indefinitely.
func runSubscriber(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	conn, _, _, err := ws.Dial(dialCtx, cfg.WSURL)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	atomic.AddInt64(&st.active, 1)

	go func() {
		defer func() {
			atomic.AddInt64(&st.active, -1)
			conn.Close()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			data, op, err := wsutil.ReadServerData(conn)
			if err != nil {
				return
			}
			switch op {
			case ws.OpBinary:
				atomic.AddInt64(&st.framesRcvd, 1)
				atomic.AddInt64(&st.bytesRcvd, int64(len(data)))
			case ws.OpText:
				// Command acks; subscribers here never send commands,
				// so any text frame is unexpected.
				atomic.AddInt64(&st.commandErrors, 1)
			}
		}
	}()
	return nil
}

func pollHealth() error {
	resp, err := http.Get(cfg.HealthURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return err
	}
	st.mu.Lock()
	st.lastHealth = &health
	st.mu.Unlock()
	if !health.Healthy {
		log.Printf("server reports degraded worlds: %v", health.Checks.Worlds.Degraded)
	}
	return nil
}

func healthLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(cfg.HealthSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pollHealth(); err != nil {
				log.Printf("health check failed: %v", err)
			}
		}
	}
}

func reportLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(cfg.ReportSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printReport()
		}
	}
}

func printReport() {
	elapsed := int(time.Since(st.startTime).Seconds())
	if elapsed < 1 {
		elapsed = 1
	}

	st.mu.RLock()
	health := st.lastHealth
	st.mu.RUnlock()

	active := atomic.LoadInt64(&st.active)
	created := atomic.LoadInt64(&st.totalCreated)
	failed := atomic.LoadInt64(&st.failed)
	frames := atomic.LoadInt64(&st.framesRcvd)
	bytes := atomic.LoadInt64(&st.bytesRcvd)

	successRate := 100.0
	if created > 0 {
		successRate = float64(created-failed) / float64(created) * 100
	}

	log.Print("\n" + strings.Repeat("=", 72))
	log.Printf("LOAD TEST  elapsed=%ds  phase=%s", elapsed, st.phase.Load())
	log.Print(strings.Repeat("=", 72))
	log.Printf("connections: active=%d/%d created=%d failed=%d (%.1f%% ok)",
		active, cfg.TargetConnections, created, failed, successRate)
	log.Printf("frames:      received=%d rate=%.1f/sec bytes=%dMB",
		frames, float64(frames)/float64(elapsed), bytes/(1024*1024))
	if errs := atomic.LoadInt64(&st.commandErrors); errs > 0 {
		log.Printf("unexpected text frames: %d", errs)
	}

	if health != nil {
		serverConns := int64(health.Checks.Websocket.ActiveConnections)
		phantom := serverConns - active
		log.Printf("server:      status=%s worlds=%d conns=%d cpu=%.1f%% mem=%.0fMB goroutines=%d",
			health.Status,
			health.Checks.Worlds.Count,
			serverConns,
			health.Checks.System.CPUPercent,
			health.Checks.System.MemoryMB,
			health.Checks.System.Goroutines)
		if phantom > 5 || phantom < -5 {
			log.Printf("WARNING: server/client connection mismatch: server=%d client=%d (diff %+d)",
				serverConns, active, phantom)
		}
	} else {
		log.Printf("server:      no health data")
	}

	if st.phase.Load() == "sustaining" {
		sustained := int(time.Since(st.sustainFrom).Seconds())
		remaining := cfg.SustainSec - sustained
		if remaining < 0 {
			remaining = 0
		}
		log.Printf("sustain:     elapsed=%ds remaining=%ds", sustained, remaining)
	}
	log.Print(strings.Repeat("=", 72) + "\n")
}
