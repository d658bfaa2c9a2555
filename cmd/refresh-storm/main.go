// Command refresh-storm drives bursts of concurrent requests with an expired
// access token against the in-process fake API and reports how many refresh
// exchanges they caused. A correct client performs exactly one exchange per
// burst and never presents a rotated refresh token twice.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/DanielMarcoD/agendador"
	"github.com/DanielMarcoD/agendador/internal/fakeapi"
)

var (
	callers      int
	rounds       int
	accessTTL    time.Duration
	refreshDelay time.Duration
	backend      string
	redisAddr    string
	logLevel     string
)

func main() {
	cmd := &cobra.Command{
		Use:          "refresh-storm",
		Short:        "Check that concurrent 401s collapse into one refresh",
		RunE:         run,
		SilenceUsage: true,
	}
	cmd.Flags().IntVar(&callers, "callers", 64, "concurrent requests per burst")
	cmd.Flags().IntVar(&rounds, "rounds", 5, "number of bursts")
	cmd.Flags().DurationVar(&accessTTL, "ttl", time.Minute, "access token lifetime issued by the fake API")
	cmd.Flags().DurationVar(&refreshDelay, "refresh-delay", 50*time.Millisecond, "latency added to each refresh response")
	cmd.Flags().StringVar(&backend, "backend", "memory", "token storage (memory, redis)")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	if callers <= 0 || rounds <= 0 {
		return fmt.Errorf("callers and rounds must be > 0")
	}
	log := logrus.New()
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	// The fake API reads a skewed clock so each burst can expire the access token
	// without sleeping.
	var skew atomic.Int64
	now := func() time.Time { return time.Now().Add(time.Duration(skew.Load())) }

	api, err := fakeapi.New(fakeapi.Options{
		AccessTTL:    accessTTL,
		RefreshDelay: refreshDelay,
		DetectReuse:  true,
		Now:          now,
		Logger:       log,
	})
	if err != nil {
		return err
	}
	if _, err := api.AddUser("Storm", "storm@example.com", "storm"); err != nil {
		return err
	}
	srv := api.Start()
	defer srv.Close()

	cfg := agendador.DefaultConfig()
	cfg.API.BaseURL = srv.URL
	cfg.Renewer.Enabled = false

	builder := agendador.New().WithLogger(log)
	if backend == "redis" {
		client, cleanup, err := redisClient()
		if err != nil {
			return err
		}
		defer cleanup()
		cfg.Storage.Backend = agendador.StorageRedis
		builder = builder.WithRedis(client)
	}

	client, err := builder.WithConfig(cfg).Build()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := cmd.Context()
	if _, err := client.Login(ctx, "storm@example.com", "storm"); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	var (
		latencies []time.Duration
		failures  int64
	)
	start := time.Now()
	for r := 0; r < rounds; r++ {
		skew.Add(int64(accessTTL + time.Second))
		lat, failed := burst(ctx, client)
		latencies = append(latencies, lat...)
		failures += failed
	}
	total := time.Since(start)

	st := api.Stats()
	fmt.Println("---- results ----")
	fmt.Printf("backend=%s rounds=%d callers=%d total=%s\n", backend, rounds, callers, total.Round(time.Millisecond))
	printLatency(latencies, failures)
	fmt.Printf("refresh exchanges=%d (want %d) rejected=%d reuse_detected=%d\n",
		st.Refreshes, rounds, st.RefreshRejects, st.ReuseDetected)

	snap := client.MetricsSnapshot()
	fmt.Printf("client: refresh_requested=%d refresh_success=%d retried=%d\n",
		snap.Counters[agendador.MetricRefreshRequested],
		snap.Counters[agendador.MetricRefreshSuccess],
		snap.Counters[agendador.MetricRequestRetried])

	if st.ReuseDetected > 0 || st.Refreshes != int64(rounds) || failures > 0 {
		return fmt.Errorf("refresh storm was not collapsed")
	}
	return nil
}

func burst(ctx context.Context, client *agendador.Client) ([]time.Duration, int64) {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		failures  atomic.Int64
		latencies = make([]time.Duration, 0, callers)
		gate      = make(chan struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			t0 := time.Now()
			_, err := client.Do(ctx, agendador.Request{Path: "/events"})
			d := time.Since(t0)
			if err != nil {
				failures.Add(1)
			}
			mu.Lock()
			latencies = append(latencies, d)
			mu.Unlock()
		}()
	}
	close(gate)
	wg.Wait()
	return latencies, failures.Load()
}

func redisClient() (redis.UniversalClient, func(), error) {
	addr := redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("start miniredis: %w", err)
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		fmt.Printf("using miniredis at %s\n", mr.Addr())
		return client, func() {
			_ = client.Close()
			mr.Close()
		}, nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	fmt.Printf("using redis at %s\n", addr)
	return client, func() { _ = client.Close() }, nil
}

func printLatency(samples []time.Duration, failures int64) {
	if len(samples) == 0 {
		return
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	fmt.Printf("requests=%d failures=%d p50=%s p95=%s p99=%s\n",
		len(samples), failures,
		percentile(samples, 50).Round(time.Microsecond),
		percentile(samples, 95).Round(time.Microsecond),
		percentile(samples, 99).Round(time.Microsecond),
	)
}

func percentile(samples []time.Duration, p int) time.Duration {
	if p >= 100 {
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}
