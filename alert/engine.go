package alert

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brandshop/authcore/audit"
	"github.com/brandshop/authcore/internal/logging"
	"github.com/patrickmn/go-cache"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = logging.OrDiscard(l) }
}

// WithChannels registers delivery channels.
func WithChannels(channels ...Channel) Option {
	return func(e *Engine) { e.channels = append(e.channels, channels...) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithOnAlert registers a hook called once per fired alert, before delivery.
func WithOnAlert(fn func(Alert)) Option {
	return func(e *Engine) { e.onAlert = fn }
}

// Engine runs the periodic detectors and the immediate failed-login path.
type Engine struct {
	cfg      Config
	store    audit.Store
	channels []Channel
	log      logrus.FieldLogger
	now      func() time.Time
	onAlert  func(Alert)

	failures *cache.Cache

	mu      sync.Mutex
	cron    *cron.Cron
	running bool

	// deliveries started by RegisterFailedLogin
	pending sync.WaitGroup

	fired atomic.Uint64
}

// NewEngine builds an engine reading from store. Zero config fields take the
// defaults.
func NewEngine(cfg Config, store audit.Store, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:      cfg,
		store:    store,
		log:      logging.Discard(),
		now:      time.Now,
		failures: cache.New(cfg.Window, 2*cfg.Window),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.WithField("component", "alert")

	cronLog := cron.PrintfLogger(e.log)
	e.cron = cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))
	return e
}

// Schedule adds a job to the engine's scheduler. Jobs run with a background
// context and log their own errors.
func (e *Engine) Schedule(spec, name string, job func(ctx context.Context) error) error {
	_, err := e.cron.AddFunc(spec, func() {
		if err := job(context.Background()); err != nil {
			e.log.WithError(err).WithField("job", name).Error("scheduled job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

// Start schedules Scan every Interval, when detection is enabled, and starts
// the scheduler together with any jobs added through Schedule.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}
	if e.cfg.Enabled {
		err := e.Schedule("@every "+e.cfg.Interval.String(), "alert-scan", func(ctx context.Context) error {
			_, err := e.Scan(ctx)
			return err
		})
		if err != nil {
			return err
		}
	}
	e.cron.Start()
	e.running = true
	return nil
}

// Stop halts the scheduler and waits for running jobs and in-flight
// failed-login alerts until ctx is done.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	var stopped context.Context
	if e.running {
		e.running = false
		stopped = e.cron.Stop()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if stopped != nil {
			<-stopped.Done()
		}
		e.pending.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scan runs both detectors once and returns the alerts it sent.
func (e *Engine) Scan(ctx context.Context) ([]Alert, error) {
	if e.store == nil {
		return nil, nil
	}
	since := e.now().Add(-e.cfg.Window)

	ipAlerts, err := e.detectSuspiciousIPs(ctx, since)
	if err != nil {
		return nil, err
	}
	bruteAlerts, err := e.detectBruteForce(ctx, since)
	if err != nil {
		return ipAlerts, err
	}

	alerts := append(ipAlerts, bruteAlerts...)
	for _, a := range alerts {
		e.Send(ctx, a)
	}
	return alerts, nil
}

func (e *Engine) detectSuspiciousIPs(ctx context.Context, since time.Time) ([]Alert, error) {
	events, err := e.store.RecentBySeverity(ctx, audit.SeverityCritical, e.cfg.CriticalSample)
	if err != nil {
		return nil, fmt.Errorf("load critical events: %w", err)
	}

	byIP := make(map[string]int)
	for _, ev := range events {
		if ev.ClientAddress == "" || ev.Timestamp.Before(since) {
			continue
		}
		byIP[ev.ClientAddress]++
	}

	ips := make([]string, 0, len(byIP))
	for ip, n := range byIP {
		if n >= e.cfg.IPThreshold {
			ips = append(ips, ip)
		}
	}
	sort.Strings(ips)

	minutes := int(e.cfg.Window / time.Minute)
	alerts := make([]Alert, 0, len(ips))
	for _, ip := range ips {
		n := byIP[ip]
		alerts = append(alerts, e.newAlert(SuspiciousIPActivity,
			fmt.Sprintf("Suspicious activity from IP %s: %d critical events in the last %d minutes", ip, n, minutes),
			map[string]string{"ipAddress": ip, "eventCount": strconv.Itoa(n)},
		))
	}
	return alerts, nil
}

func (e *Engine) detectBruteForce(ctx context.Context, since time.Time) ([]Alert, error) {
	counts, err := e.store.FailureCountsSince(ctx, audit.LoginFailure, since, e.cfg.FailureThreshold)
	if err != nil {
		return nil, fmt.Errorf("count login failures: %w", err)
	}

	minutes := int(e.cfg.Window / time.Minute)
	alerts := make([]Alert, 0, len(counts))
	for _, c := range counts {
		if c.Count < e.cfg.FailureThreshold {
			continue
		}
		alerts = append(alerts, e.newAlert(BruteForceAttempt,
			fmt.Sprintf("Possible brute-force attack on account %s: %d failed login attempts in %d minutes", c.Principal, c.Count, minutes),
			map[string]string{"username": c.Principal, "failureCount": strconv.Itoa(c.Count)},
		))
	}
	return alerts, nil
}

func (e *Engine) newAlert(t Type, msg string, details map[string]string) Alert {
	return Alert{Type: t, Message: msg, Details: details, Timestamp: e.now()}
}

// RegisterFailedLogin counts a failure for principal from client and fires
// BRUTE_FORCE_ATTEMPT as soon as the threshold is reached, then starts over.
// Delivery runs in the background and outlives ctx cancellation.
func (e *Engine) RegisterFailedLogin(ctx context.Context, principal, client string) {
	key := principal + ":" + client

	n := 1
	if err := e.failures.Add(key, 1, cache.DefaultExpiration); err != nil {
		var incErr error
		n, incErr = e.failures.IncrementInt(key, 1)
		if incErr != nil {
			e.failures.Set(key, 1, cache.DefaultExpiration)
			n = 1
		}
	}
	if n != e.cfg.FailureThreshold {
		return
	}
	e.failures.Delete(key)

	a := e.newAlert(BruteForceAttempt,
		fmt.Sprintf("Possible brute-force attack: %d failed login attempts for user %s from IP %s", n, principal, client),
		map[string]string{"username": principal, "ipAddress": client, "attempts": strconv.Itoa(n)},
	)
	ctx = context.WithoutCancel(ctx)
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		e.Send(ctx, a)
	}()
}

// RegisterSuccessfulLogin clears the immediate-path counter.
func (e *Engine) RegisterSuccessfulLogin(principal, client string) {
	e.failures.Delete(principal + ":" + client)
}

// Send delivers a to every channel concurrently. Each channel gets at most
// ChannelTimeout; failures are logged per channel and never returned.
func (e *Engine) Send(ctx context.Context, a Alert) {
	e.fired.Add(1)
	if e.onAlert != nil {
		e.onAlert(a)
	}
	e.log.WithFields(logrus.Fields{"alert_type": a.Type}).Warn("sending alert: " + a.Message)

	var g errgroup.Group
	for _, ch := range e.channels {
		ch := ch
		g.Go(func() error {
			if err := e.deliver(ctx, ch, a); err != nil {
				e.log.WithError(err).WithFields(logrus.Fields{
					"channel":    ch.Name(),
					"alert_type": a.Type,
				}).Error("alert delivery failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) deliver(ctx context.Context, ch Channel, a Alert) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ChannelTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("channel panic: %v", r)
			}
		}()
		done <- ch.HandleAlert(ctx, a)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("abandoned after %s: %w", e.cfg.ChannelTimeout, ctx.Err())
	}
}

// Fired reports alerts sent since start.
func (e *Engine) Fired() uint64 {
	return e.fired.Load()
}
