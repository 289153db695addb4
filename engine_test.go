package authcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brandshop/authcore/alert"
	"github.com/brandshop/authcore/audit"
	"github.com/brandshop/authcore/mediator"
	"github.com/brandshop/authcore/password"
	"github.com/brandshop/authcore/principal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testClientIP = "203.0.113.7"
	alicePass    = "correct-horse"
	bobPass      = "battery-staple"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sentMessage struct {
	destination string
	message     string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	fail error
}

func (n *recordingNotifier) Send(_ context.Context, destination, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.sent = append(n.sent, sentMessage{destination: destination, message: message})
	return nil
}

func (n *recordingNotifier) last(t *testing.T) sentMessage {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.sent, "no message sent")
	return n.sent[len(n.sent)-1]
}

func (n *recordingNotifier) setFail(err error) {
	n.mu.Lock()
	n.fail = err
	n.mu.Unlock()
}

type recordingChannel struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (c *recordingChannel) Name() string { return "recording" }

func (c *recordingChannel) HandleAlert(_ context.Context, a alert.Alert) error {
	c.mu.Lock()
	c.alerts = append(c.alerts, a)
	c.mu.Unlock()
	return nil
}

func (c *recordingChannel) types() []alert.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]alert.Type, 0, len(c.alerts))
	for _, a := range c.alerts {
		out = append(out, a.Type)
	}
	return out
}

type testEnv struct {
	engine     *Engine
	clock      *testClock
	principals *principal.Memory
	notifier   *recordingNotifier
	channel    *recordingChannel
	audit      *audit.MemoryStore
	logs       *test.Hook
}

// engineTestConfig keeps argon2 at its floor so tests stay fast.
func engineTestConfig() Config {
	cfg := validTestConfig()
	cfg.Password.Hashing.Memory = 8192
	cfg.Password.Hashing.Time = 1
	cfg.Password.Hashing.Parallelism = 1
	return cfg
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	cfg := engineTestConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	env := &testEnv{
		clock:      &testClock{now: time.Now().Truncate(time.Second)},
		principals: principal.NewMemory(),
		notifier:   &recordingNotifier{},
		channel:    &recordingChannel{},
		audit:      audit.NewMemoryStore(1000),
		logs:       hook,
	}

	engine, err := New().
		WithConfig(cfg).
		WithLogger(logger).
		WithClock(env.clock.Now).
		WithPrincipalRepository(env.principals).
		WithAuditStore(env.audit).
		WithResetNotifier(env.notifier).
		WithAlertChannels(env.channel).
		Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close(context.Background()) })

	env.engine = engine
	return env
}

// sibling builds another engine over env's principal repository and clock,
// as a second node or a restarted process would see it.
func (env *testEnv) sibling(t *testing.T, configure func(*Builder) *Builder) *Engine {
	t.Helper()
	logger, _ := test.NewNullLogger()
	b := New().
		WithConfig(engineTestConfig()).
		WithLogger(logger).
		WithClock(env.clock.Now).
		WithPrincipalRepository(env.principals)
	if configure != nil {
		b = configure(b)
	}
	engine, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close(context.Background()) })
	return engine
}

func clientCtx() context.Context {
	return WithClientIP(context.Background(), testClientIP)
}

func (env *testEnv) register(t *testing.T, username, password string) *RegisterResult {
	t.Helper()
	res, err := env.engine.Register(context.Background(), RegisterCommand{
		Username:          username,
		Email:             username + "@example.com",
		Password:          password,
		NotifyDestination: "tg:" + username,
	})
	require.NoError(t, err)
	return res
}

func (env *testEnv) registerVerified(t *testing.T, username, password string) principal.View {
	t.Helper()
	res := env.register(t, username, password)
	view, err := env.engine.VerifyPrincipal(context.Background(), VerifyPrincipalCommand{
		Username: username,
		Code:     res.VerificationCode,
	})
	require.NoError(t, err)
	return view
}

func (env *testEnv) login(t *testing.T, username, password string) *Tokens {
	t.Helper()
	tokens, err := env.engine.Login(clientCtx(), LoginCommand{Username: username, Password: password})
	require.NoError(t, err)
	return tokens
}

func (env *testEnv) counter(id MetricID) uint64 {
	return env.engine.MetricsSnapshot().Counters[id]
}

func requireKind(t *testing.T, err error, sentinel *Error) *Error {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, sentinel)
	var e *Error
	require.True(t, errors.As(err, &e))
	return e
}

func TestBuildRegistersEveryKind(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.ElementsMatch(t, []mediator.Kind{
		KindPurgeAuditTrail,
		KindChangePassword,
		KindCompletePasswordReset,
		KindGetPrincipal,
		KindInitiatePasswordReset,
		KindLogin,
		KindLogout,
		KindRefresh,
		KindRegister,
		KindValidateToken,
		KindVerifyPrincipal,
	}, env.engine.Kinds())
}

func TestBuilderRejectsReuseAndBadConfig(t *testing.T) {
	b := New().WithConfig(engineTestConfig())
	e, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	_, err = b.Build()
	require.Error(t, err)

	_, err = New().Build()
	require.Error(t, err, "default config has no signing key")
}

func TestRegisterAndVerify(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	res := env.register(t, "alice", alicePass)
	assert.False(t, res.Principal.Verified)
	assert.True(t, res.Principal.Active)
	assert.Len(t, res.VerificationCode, verificationCodeLength)

	_, err := env.engine.Register(ctx, RegisterCommand{Username: "alice", Password: alicePass})
	requireKind(t, err, ErrUsernameExists)
	assert.Equal(t, uint64(1), env.counter(MetricRegisterDuplicate))

	_, err = env.engine.Register(ctx, RegisterCommand{Username: "bob", Password: "short"})
	assert.Equal(t, ReasonTooShort, requireKind(t, err, ErrInvalidPassword).Reason)

	_, err = env.engine.Register(ctx, RegisterCommand{Username: "bob"})
	assert.Equal(t, ReasonEmpty, requireKind(t, err, ErrInvalidPassword).Reason)

	// Correct password but unverified: the code comes back, no failure counted.
	_, err = env.engine.Login(clientCtx(), LoginCommand{Username: "alice", Password: alicePass})
	notVerified := requireKind(t, err, ErrUserNotVerified)
	assert.Equal(t, res.VerificationCode, notVerified.VerificationCode)
	assert.Zero(t, env.counter(MetricLoginFailure))

	_, err = env.engine.VerifyPrincipal(ctx, VerifyPrincipalCommand{Username: "alice", Code: "nope"})
	requireKind(t, err, ErrInvalidCredentials)

	view, err := env.engine.VerifyPrincipal(ctx, VerifyPrincipalCommand{Username: "alice", Code: res.VerificationCode})
	require.NoError(t, err)
	assert.True(t, view.Verified)

	tokens := env.login(t, "alice", alicePass)
	assert.Equal(t, "alice", tokens.Username)
	assert.Equal(t, tokenTypeBearer, tokens.TokenType)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)

	got, err := env.engine.GetPrincipal(ctx, GetPrincipalQuery{Username: "alice"})
	require.NoError(t, err)
	assert.Equal(t, res.Principal.ID, got.ID)

	_, err = env.engine.GetPrincipal(ctx, GetPrincipalQuery{Username: "nobody"})
	requireKind(t, err, ErrUserNotFound)
}

func TestLoginBlockedAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerVerified(t, "alice", alicePass)

	for want := 4; want >= 0; want-- {
		_, err := env.engine.Login(clientCtx(), LoginCommand{Username: "alice", Password: "wrong-password"})
		failure := requireKind(t, err, ErrInvalidCredentials)
		require.NotNil(t, failure.AttemptsLeft)
		assert.Equal(t, want, *failure.AttemptsLeft)
	}

	// Blocked even with the right password.
	_, err := env.engine.Login(clientCtx(), LoginCommand{Username: "alice", Password: alicePass})
	blocked := requireKind(t, err, ErrUserBlocked)
	assert.Equal(t, "alice", blocked.Username)
	assert.Equal(t, 30, blocked.MinutesLeft)
	assert.Equal(t, uint64(1), env.counter(MetricLoginBlocked))

	// The block is per client address.
	other := WithClientIP(context.Background(), "198.51.100.1")
	_, err = env.engine.Login(other, LoginCommand{Username: "alice", Password: alicePass})
	require.NoError(t, err)

	env.clock.Advance(31 * time.Minute)
	env.login(t, "alice", alicePass)
}

func TestLoginSuccessResetsFailures(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerVerified(t, "alice", alicePass)

	for i := 0; i < 4; i++ {
		_, err := env.engine.Login(clientCtx(), LoginCommand{Username: "alice", Password: "wrong-password"})
		requireKind(t, err, ErrInvalidCredentials)
	}
	env.login(t, "alice", alicePass)

	_, err := env.engine.Login(clientCtx(), LoginCommand{Username: "alice", Password: "wrong-password"})
	failure := requireKind(t, err, ErrInvalidCredentials)
	assert.Equal(t, 4, *failure.AttemptsLeft)
}

func TestLoginUnknownUserCountsFailure(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.engine.Login(clientCtx(), LoginCommand{Username: "ghost", Password: "whatever"})
	failure := requireKind(t, err, ErrInvalidCredentials)
	require.NotNil(t, failure.AttemptsLeft)
	assert.Equal(t, 4, *failure.AttemptsLeft)
	assert.Equal(t, uint64(1), env.counter(MetricLoginFailure))
}

type countingVerifier struct {
	CredentialVerifier
	verifies atomic.Int32
}

func (v *countingVerifier) Verify(plaintext, hash string) (bool, error) {
	v.verifies.Add(1)
	return v.CredentialVerifier.Verify(plaintext, hash)
}

func TestConcurrentGuessesBoundedByMaxAttempts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerVerified(t, "alice", alicePass)

	hasher, err := password.NewArgon2(engineTestConfig().Password.Hashing)
	require.NoError(t, err)
	verifier := &countingVerifier{CredentialVerifier: hasher}
	engine := env.sibling(t, func(b *Builder) *Builder {
		return b.WithCredentialVerifier(verifier)
	})

	const guesses = 40
	var (
		wg      sync.WaitGroup
		failed  atomic.Int32
		blocked atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < guesses; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := engine.Login(clientCtx(), LoginCommand{Username: "alice", Password: fmt.Sprintf("guess-%d", i)})
			switch {
			case errors.Is(err, ErrInvalidCredentials):
				failed.Add(1)
			case errors.Is(err, ErrUserBlocked):
				blocked.Add(1)
			default:
				t.Errorf("unexpected login result: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	maxAttempts := engineTestConfig().Lockout.MaxAttempts
	assert.LessOrEqual(t, int(verifier.verifies.Load()), maxAttempts)
	assert.Equal(t, int32(maxAttempts), failed.Load())
	assert.Equal(t, int32(guesses-maxAttempts), blocked.Load())
}

func TestUnverifiedLoginDoesNotSpendAttempts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "carol", "carol-pass")

	for i := 0; i < 2*DefaultConfig().Lockout.MaxAttempts; i++ {
		_, err := env.engine.Login(clientCtx(), LoginCommand{Username: "carol", Password: "carol-pass"})
		requireKind(t, err, ErrUserNotVerified)
	}

	_, err := env.engine.Login(clientCtx(), LoginCommand{Username: "carol", Password: "wrong-password"})
	failure := requireKind(t, err, ErrInvalidCredentials)
	assert.Equal(t, 4, *failure.AttemptsLeft)
}

func TestLoginDisabledAccount(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerVerified(t, "alice", alicePass)

	p, err := env.principals.FindByUsername(context.Background(), "alice")
	require.NoError(t, err)
	p.Active = false
	require.NoError(t, env.principals.Save(context.Background(), p))

	_, err = env.engine.Login(clientCtx(), LoginCommand{Username: "alice", Password: alicePass})
	requireKind(t, err, ErrAccountDisabled)

	_, err = env.engine.Login(clientCtx(), LoginCommand{Username: "alice", Password: "wrong-password"})
	assert.Equal(t, 4, *requireKind(t, err, ErrInvalidCredentials).AttemptsLeft)
}

func TestFailedLoginsFireBruteForceAlert(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Alert.FailureThreshold = 3
	})
	env.registerVerified(t, "alice", alicePass)

	for i := 0; i < 3; i++ {
		_, err := env.engine.Login(clientCtx(), LoginCommand{Username: "alice", Password: "wrong-password"})
		requireKind(t, err, ErrInvalidCredentials)
	}

	require.Eventually(t, func() bool {
		return len(env.channel.types()) == 1 && env.counter(MetricAlertsFired) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []alert.Type{alert.BruteForceAttempt}, env.channel.types())
}

type unknownRequest struct{}

func (unknownRequest) Kind() mediator.Kind { return "test.unknown" }

func TestDispatchWithoutHandler(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.engine.Dispatch(context.Background(), unknownRequest{})
	e := requireKind(t, err, ErrNoHandler)
	assert.False(t, e.Business())
	assert.ErrorIs(t, err, mediator.ErrNoHandler)
	assert.Equal(t, uint64(1), env.counter(MetricDispatchError))

	entry := env.logs.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "no_handler", entry.Data["error_code"])
}

func TestDispatchBusinessErrorLoggedAtWarn(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.engine.Login(clientCtx(), LoginCommand{Username: "ghost", Password: "whatever"})
	requireKind(t, err, ErrInvalidCredentials)
	assert.Zero(t, env.counter(MetricDispatchError))

	var warned bool
	for _, entry := range env.logs.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Data["error_code"] == "invalid_credentials" {
			warned = true
			assert.Equal(t, KindLogin, entry.Data["request"])
			assert.NotEmpty(t, entry.Data["correlation_id"])
		}
	}
	assert.True(t, warned, "business error must be logged at WARN")
}

func TestAuditTrailRecordedAndPurged(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.registerVerified(t, "alice", alicePass)
	env.registerVerified(t, "bob", bobPass)

	_, err := env.engine.Login(clientCtx(), LoginCommand{Username: "alice", Password: "wrong-password"})
	requireKind(t, err, ErrInvalidCredentials)
	env.login(t, "alice", alicePass)

	// USER_CREATED x2, LOGIN_FAILURE, LOGIN_SUCCESS.
	require.Eventually(t, func() bool { return env.audit.Len() == 4 }, time.Second, 5*time.Millisecond)

	warnings, err := env.audit.RecentBySeverity(ctx, audit.SeverityWarning, 0)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, audit.LoginFailure, warnings[0].Type)
	assert.Equal(t, testClientIP, warnings[0].ClientAddress)
	assert.Equal(t, "invalid_credentials", warnings[0].Metadata["error_code"])
	assert.Equal(t, "4", warnings[0].Metadata["attempts_left"])

	n, err := env.engine.PurgeAuditTrail(ctx, PurgeAuditTrailCommand{Username: "alice"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, 1, env.audit.Len())

	_, err = env.engine.PurgeAuditTrail(ctx, PurgeAuditTrailCommand{})
	requireKind(t, err, ErrUnexpected)
}

func TestBruteForceAuditNearLockout(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerVerified(t, "alice", alicePass)

	for i := 0; i < 5; i++ {
		_, _ = env.engine.Login(clientCtx(), LoginCommand{Username: "alice", Password: "wrong-password"})
	}

	// Attempts left 1 and 0 each raise a CRITICAL record.
	require.Eventually(t, func() bool {
		critical, err := env.audit.RecentBySeverity(context.Background(), audit.SeverityCritical, 0)
		return err == nil && len(critical) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestStartAndClose(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.TokenStore.SweepSchedule = "@every 1s"
		c.PasswordReset.SweepSchedule = "@every 1s"
	})
	require.NoError(t, env.engine.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, env.engine.Close(ctx))
}

func TestStartRejectsBadSchedule(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.TokenStore.SweepSchedule = "every now and then"
	})
	err := env.engine.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token-sweep")
}
