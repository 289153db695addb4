package authcore

import (
	"errors"
	"fmt"
	"time"

	"github.com/brandshop/authcore/alert"
	"github.com/brandshop/authcore/audit"
	"github.com/brandshop/authcore/internal/expiring"
	"github.com/brandshop/authcore/internal/logging"
	"github.com/brandshop/authcore/jwt"
	"github.com/brandshop/authcore/loginguard"
	"github.com/brandshop/authcore/mediator"
	"github.com/brandshop/authcore/password"
	"github.com/brandshop/authcore/principal"
	"github.com/brandshop/authcore/resetstore"
	"github.com/brandshop/authcore/tokenstore"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Builder wires an Engine. Every collaborator left unset gets the default
// for the configured backend. A Builder can be used once.
type Builder struct {
	config Config
	log    logrus.FieldLogger
	redis  redis.UniversalClient

	principals principal.Repository
	verifier   CredentialVerifier
	tokens     tokenstore.Store
	guard      loginguard.Guard
	resets     resetstore.Store
	auditStore audit.Store
	notifier   ResetNotifier
	channels   []alert.Channel
	now        func() time.Time

	built bool
}

func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

func (b *Builder) WithLogger(log logrus.FieldLogger) *Builder {
	b.log = log
	return b
}

// WithRedis selects the Redis token store, login guard and reset store.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithPrincipalRepository(repo principal.Repository) *Builder {
	b.principals = repo
	return b
}

func (b *Builder) WithCredentialVerifier(v CredentialVerifier) *Builder {
	b.verifier = v
	return b
}

func (b *Builder) WithTokenStore(s tokenstore.Store) *Builder {
	b.tokens = s
	return b
}

func (b *Builder) WithLoginGuard(g loginguard.Guard) *Builder {
	b.guard = g
	return b
}

func (b *Builder) WithResetStore(s resetstore.Store) *Builder {
	b.resets = s
	return b
}

func (b *Builder) WithAuditStore(s audit.Store) *Builder {
	b.auditStore = s
	return b
}

func (b *Builder) WithResetNotifier(n ResetNotifier) *Builder {
	b.notifier = n
	return b
}

func (b *Builder) WithAlertChannels(channels ...alert.Channel) *Builder {
	b.channels = append(b.channels, channels...)
	return b
}

// WithClock overrides the engine clock. Intended for tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build validates the configuration and assembles the engine. Background
// work does not begin until Engine.Start.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if err := b.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg := b.config
	log := logging.OrDiscard(b.log)

	now := b.now
	if now == nil {
		now = time.Now
	}

	jwtConfig := cfg.JWT.managerConfig()
	jwtConfig.Now = now
	jwtManager, err := jwt.NewManager(jwtConfig)
	if err != nil {
		return nil, err
	}

	verifier := b.verifier
	if verifier == nil {
		hasher, err := password.NewArgon2(cfg.Password.Hashing)
		if err != nil {
			return nil, err
		}
		verifier = hasher
	}

	principals := b.principals
	if principals == nil {
		principals = principal.NewMemory()
	}

	clock := expiring.WithClock(now)

	tokens, guard, resets := b.tokens, b.guard, b.resets
	if tokens == nil {
		if b.redis != nil {
			tokens = tokenstore.NewRedis(b.redis, cfg.TokenStore.RedisPrefix)
		} else {
			tokens = tokenstore.NewMemory(clock)
		}
	}
	if guard == nil {
		if b.redis != nil {
			guard = loginguard.NewRedis(b.redis, cfg.Lockout, "")
		} else {
			guard = loginguard.NewMemory(cfg.Lockout, clock)
		}
	}
	if resets == nil {
		if b.redis != nil {
			resets = resetstore.NewRedis(b.redis, cfg.PasswordReset.RedisPrefix)
		} else {
			resets = resetstore.NewMemory(clock)
		}
	}

	auditStore := b.auditStore
	if auditStore == nil {
		auditStore = audit.NewMemoryStore(cfg.Audit.MemoryCapacity)
	}

	notifier := b.notifier
	if notifier == nil {
		notifier = NewLogNotifier(log)
	}

	metrics := NewMetrics(cfg.Metrics)

	e := &Engine{
		config:     cfg,
		log:        log,
		jwt:        jwtManager,
		verifier:   verifier,
		principals: principals,
		tokens:     tokens,
		guard:      guard,
		resets:     resets,
		notifier:   notifier,
		metrics:    metrics,
		now:        now,
	}
	e.audit = audit.NewRecorder(cfg.Audit.Config, auditStore, log)
	e.auditStore = auditStore
	e.alerts = alert.NewEngine(cfg.Alert, auditStore,
		alert.WithLogger(log),
		alert.WithChannels(b.channels...),
		alert.WithClock(now),
		alert.WithOnAlert(func(alert.Alert) { metrics.Inc(MetricAlertsFired) }),
	)

	e.dispatcher, err = mediator.NewBuilder().
		WithLogger(log).
		WithClassifier(errorClassifier{}).
		RegisterFunc(KindRegister, e.handleRegister).
		RegisterFunc(KindVerifyPrincipal, e.handleVerifyPrincipal).
		RegisterFunc(KindLogin, e.handleLogin).
		RegisterFunc(KindRefresh, e.handleRefresh).
		RegisterFunc(KindLogout, e.handleLogout).
		RegisterFunc(KindChangePassword, e.handleChangePassword).
		RegisterFunc(KindInitiatePasswordReset, e.handleInitiatePasswordReset).
		RegisterFunc(KindCompletePasswordReset, e.handleCompletePasswordReset).
		RegisterFunc(KindValidateToken, e.handleValidateToken).
		RegisterFunc(KindGetPrincipal, e.handleGetPrincipal).
		RegisterFunc(KindPurgeAuditTrail, e.handlePurgeAuditTrail).
		Build()
	if err != nil {
		return nil, err
	}

	b.built = true
	return e, nil
}
