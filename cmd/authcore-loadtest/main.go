// Command authcore-loadtest drives concurrent login, validate and refresh
// traffic through the engine and reports latency percentiles. The refresh
// phase also checks that rotation never lets two callers win with the same
// token.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brandshop/authcore"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const loadtestPassword = "loadtest-password"

type principalState struct {
	username string
	refresh  string
	access   string
	mu       sync.Mutex
}

func main() {
	var (
		principals  = flag.Int("principals", 200, "number of principals to register")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 20000, "operations per phase")
		contenders  = flag.Int("contenders", 8, "workers presenting the same refresh token in the race phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		memory      = flag.Bool("memory", false, "use the in-process backends instead of redis")
	)
	flag.Parse()

	if *principals <= 0 || *concurrency <= 0 || *ops <= 0 || *contenders <= 1 {
		fmt.Fprintln(os.Stderr, "principals, concurrency and ops must be > 0, contenders > 1")
		os.Exit(2)
	}

	ctx := context.Background()

	cfg := authcore.DefaultConfig()
	cfg.JWT.SigningKey = "authcore-loadtest-signing-key-0123456789"
	cfg.Password.Hashing.Memory = 8 * 1024
	cfg.Password.Hashing.Time = 1
	cfg.Audit.Enabled = false
	cfg.Alert.Enabled = false
	cfg.Lockout.MaxAttempts = 1 << 20

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	builder := authcore.New().WithConfig(cfg).WithLogger(log)

	if !*memory {
		addr := *redisAddr
		if addr == "" {
			addr = os.Getenv("REDIS_ADDR")
		}
		if addr == "" {
			mr, err := miniredis.Run()
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
				os.Exit(1)
			}
			defer mr.Close()
			addr = mr.Addr()
			fmt.Printf("using miniredis at %s\n", addr)
		} else {
			fmt.Printf("using redis at %s\n", addr)
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		defer client.Close()
		builder = builder.WithRedis(client)
	} else {
		fmt.Println("using in-process backends")
	}

	engine, err := builder.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close(ctx)

	states := make([]principalState, *principals)
	fmt.Printf("registering %d principals...\n", *principals)
	startSeed := time.Now()
	for i := range states {
		if err := seed(ctx, engine, &states[i], fmt.Sprintf("load-%d", i)); err != nil {
			fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	loginStats := runPhase(*ops/10+1, *concurrency, func(r *rand.Rand) error {
		st := &states[r.Intn(len(states))]
		_, err := engine.Login(ctx, authcore.LoginCommand{Username: st.username, Password: loadtestPassword})
		return err
	})
	// Logins above rotated every refresh token; take fresh pairs.
	for i := range states {
		if err := login(ctx, engine, &states[i]); err != nil {
			fmt.Fprintf(os.Stderr, "relogin failed: %v\n", err)
			os.Exit(1)
		}
	}

	validateStats := runPhase(*ops, *concurrency, func(r *rand.Rand) error {
		st := &states[r.Intn(len(states))]
		res, err := engine.ValidateToken(ctx, authcore.ValidateTokenQuery{AccessToken: st.access})
		if err != nil {
			return err
		}
		if !res.Valid {
			return errors.New(res.Reason)
		}
		return nil
	})

	refreshStats := runPhase(*ops, *concurrency, func(r *rand.Rand) error {
		st := &states[r.Intn(len(states))]
		st.mu.Lock()
		defer st.mu.Unlock()
		tokens, err := engine.Refresh(ctx, authcore.RefreshCommand{RefreshToken: st.refresh})
		if err != nil {
			return err
		}
		st.refresh = tokens.RefreshToken
		st.access = tokens.AccessToken
		return nil
	})

	violations := runRace(ctx, engine, states, *contenders)

	fmt.Println("---- results ----")
	printStats("login", loginStats)
	printStats("validate", validateStats)
	printStats("refresh", refreshStats)
	fmt.Printf("rotation race: principals=%d contenders=%d violations=%d\n", len(states), *contenders, violations)
	if violations > 0 {
		os.Exit(1)
	}
}

func seed(ctx context.Context, engine *authcore.Engine, st *principalState, username string) error {
	res, err := engine.Register(ctx, authcore.RegisterCommand{Username: username, Password: loadtestPassword})
	if err != nil {
		return err
	}
	if _, err := engine.VerifyPrincipal(ctx, authcore.VerifyPrincipalCommand{Username: username, Code: res.VerificationCode}); err != nil {
		return err
	}
	st.username = username
	return login(ctx, engine, st)
}

func login(ctx context.Context, engine *authcore.Engine, st *principalState) error {
	tokens, err := engine.Login(ctx, authcore.LoginCommand{Username: st.username, Password: loadtestPassword})
	if err != nil {
		return err
	}
	st.access = tokens.AccessToken
	st.refresh = tokens.RefreshToken
	return nil
}

// runRace presents each principal's refresh token from several goroutines at
// once. Exactly one must succeed per principal.
func runRace(ctx context.Context, engine *authcore.Engine, states []principalState, contenders int) int {
	violations := 0
	for i := range states {
		st := &states[i]
		var (
			wg    sync.WaitGroup
			wins  int32
			start = make(chan struct{})
		)
		for c := 0; c < contenders; c++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if _, err := engine.Refresh(ctx, authcore.RefreshCommand{RefreshToken: st.refresh}); err == nil {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		close(start)
		wg.Wait()
		if wins != 1 {
			violations++
		}
	}
	return violations
}

func runPhase(ops, concurrency int, op func(r *rand.Rand) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				err := op(r)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
