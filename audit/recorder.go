package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brandshop/authcore/internal/logging"
	"github.com/brandshop/authcore/internal/reqctx"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultBufferSize   = 1024
	DefaultWriteTimeout = 5 * time.Second
)

// Config controls recorder buffering.
type Config struct {
	Enabled      bool          `yaml:"enabled" envconfig:"ENABLED"`
	BufferSize   int           `yaml:"buffer_size" envconfig:"BUFFER_SIZE"`
	WriteTimeout time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
}

// DefaultConfig enables recording with a 1024 event buffer.
func DefaultConfig() Config {
	return Config{Enabled: true, BufferSize: DefaultBufferSize, WriteTimeout: DefaultWriteTimeout}
}

// Recorder queues events for a single background writer. Record never
// blocks: when the queue is full the event is dropped and counted.
//
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	cfg       Config
	store     Store
	log       logrus.FieldLogger
	ch        chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
	dropLog   *rate.Limiter
	now       func() time.Time
}

// NewRecorder starts the writer goroutine. It returns nil when cfg is
// disabled.
func NewRecorder(cfg Config, store Store, log logrus.FieldLogger) *Recorder {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if store == nil {
		store = NewMemoryStore(0)
	}

	r := &Recorder{
		cfg:     cfg,
		store:   store,
		log:     logging.OrDiscard(log).WithField("component", "audit"),
		ch:      make(chan Event, cfg.BufferSize),
		done:    make(chan struct{}),
		dropLog: rate.NewLimiter(rate.Every(time.Second), 1),
		now:     time.Now,
	}

	r.wg.Add(1)
	go r.run()

	return r
}

func (r *Recorder) run() {
	defer r.wg.Done()

	for {
		select {
		case event := <-r.ch:
			r.write(event)
		case <-r.done:
			for {
				select {
				case event := <-r.ch:
					r.write(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()

	if err := r.store.Append(ctx, event); err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"event_type": event.Type,
			"principal":  event.Principal,
		}).Error("audit: persist failed")
	}
}

// Record captures an event. Client address, user agent and correlation id
// are taken from ctx now, not when the event is written.
func (r *Recorder) Record(ctx context.Context, eventType EventType, principal, details string, severity Severity) {
	r.Emit(ctx, Event{
		Type:      eventType,
		Principal: principal,
		Details:   details,
		Severity:  severity,
	})
}

func (r *Recorder) Info(ctx context.Context, eventType EventType, principal, details string) {
	r.Record(ctx, eventType, principal, details, SeverityInfo)
}

func (r *Recorder) Warning(ctx context.Context, eventType EventType, principal, details string) {
	r.Record(ctx, eventType, principal, details, SeverityWarning)
}

func (r *Recorder) Critical(ctx context.Context, eventType EventType, principal, details string) {
	r.Record(ctx, eventType, principal, details, SeverityCritical)
}

// Emit enriches event from ctx and enqueues it.
func (r *Recorder) Emit(ctx context.Context, event Event) {
	if r == nil || r.closed.Load() {
		return
	}

	r.enrich(ctx, &event)

	select {
	case r.ch <- event:
	case <-r.done:
	default:
		r.dropped.Add(1)
		if r.dropLog.Allow() {
			r.log.WithFields(logrus.Fields{
				"event_type": event.Type,
				"dropped":    r.dropped.Load(),
			}).Warn("audit: queue full, dropping event")
		}
	}
}

func (r *Recorder) enrich(ctx context.Context, event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now().UTC()
	}
	if event.ID == "" {
		event.ID = NewID(event.Timestamp)
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	if event.ClientAddress == "" {
		event.ClientAddress = reqctx.ClientIP(ctx)
	}
	if event.UserAgent == "" {
		event.UserAgent = reqctx.UserAgent(ctx)
	}
	if event.UserAgent == "" {
		event.UserAgent = unknownUserAgent
	}
	if event.CorrelationID == "" {
		event.CorrelationID = reqctx.CorrelationID(ctx)
	}
}

// Store exposes the backing store for readers such as the alert engine.
func (r *Recorder) Store() Store {
	if r == nil {
		return nil
	}
	return r.store
}

// Dropped reports events lost to a full queue.
func (r *Recorder) Dropped() uint64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// Close stops accepting events, drains the queue and waits for the writer.
// Safe to call more than once.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.done)
		r.wg.Wait()
	})
}
