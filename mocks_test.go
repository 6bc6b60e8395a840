package auth_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	auth "github.com/goliatone/go-auth-lifecycle"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"golang.org/x/crypto/bcrypt"

	_ "github.com/mattn/go-sqlite3"
)

const testSigningKey = "test-signing-key-0123456789abcdef"

// MockLogger implements auth.Logger for testing
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) Debug(format string, args ...any) {
	m.Called(format, args)
}

func (m *MockLogger) Info(format string, args ...any) {
	m.Called(format, args)
}

func (m *MockLogger) Warn(format string, args ...any) {
	m.Called(format, args)
}

func (m *MockLogger) Error(format string, args ...any) {
	m.Called(format, args)
}

func quietLogger() *MockLogger {
	l := &MockLogger{}
	l.On("Debug", mock.Anything, mock.Anything).Maybe()
	l.On("Info", mock.Anything, mock.Anything).Maybe()
	l.On("Warn", mock.Anything, mock.Anything).Maybe()
	l.On("Error", mock.Anything, mock.Anything).Maybe()
	return l
}

// testConfig implements auth.Config
type testConfig struct {
	signingKey      string
	issuer          string
	audience        []string
	expirationDays  int
	refreshTTL      time.Duration
	verificationTTL time.Duration
	codeLength      int
	baseURL         string
}

func newTestConfig() *testConfig {
	return &testConfig{
		signingKey:      testSigningKey,
		issuer:          "test-issuer",
		audience:        []string{"test-audience"},
		expirationDays:  7,
		refreshTTL:      7 * 24 * time.Hour,
		verificationTTL: 30 * time.Minute,
		baseURL:         "https://app.example.com",
	}
}

func (c *testConfig) GetSigningKey() string                  { return c.signingKey }
func (c *testConfig) GetIssuer() string                      { return c.issuer }
func (c *testConfig) GetAudience() []string                  { return c.audience }
func (c *testConfig) GetTokenExpiration() int                { return c.expirationDays }
func (c *testConfig) GetRefreshTokenTTL() time.Duration      { return c.refreshTTL }
func (c *testConfig) GetVerificationTokenTTL() time.Duration { return c.verificationTTL }
func (c *testConfig) GetVerificationCodeLength() int         { return c.codeLength }
func (c *testConfig) GetBaseURL() string                     { return c.baseURL }

// newTestDB returns an in memory sqlite database with the schema applied
func newTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	require.NoError(t, auth.Migrate(context.Background(), sqldb, auth.DialectSQLite))

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func newTestUsers(t *testing.T, db *bun.DB, opts ...auth.UsersOption) auth.Users {
	t.Helper()
	opts = append([]auth.UsersOption{auth.WithUsersHasher(auth.NewBcryptHasher(bcrypt.MinCost))}, opts...)
	return auth.NewUsersRepository(db, opts...)
}

// captureSink records every notice it receives
type captureSink struct {
	mu            sync.Mutex
	verifications []auth.VerificationNotice
	welcomes      []auth.WelcomeNotice
	accept        bool
	err           error
}

func newCaptureSink() *captureSink {
	return &captureSink{accept: true}
}

func (s *captureSink) SendVerificationEmail(_ context.Context, notice auth.VerificationNotice) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifications = append(s.verifications, notice)
	return s.accept, s.err
}

func (s *captureSink) SendWelcomeEmail(_ context.Context, notice auth.WelcomeNotice) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.welcomes = append(s.welcomes, notice)
	return s.accept, s.err
}

func (s *captureSink) lastVerification(t *testing.T) auth.VerificationNotice {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.verifications, "no verification notice captured")
	return s.verifications[len(s.verifications)-1]
}

func (s *captureSink) welcomeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.welcomes)
}

// memoryCounter is an in process AttemptCounter
type memoryCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newMemoryCounter() *memoryCounter {
	return &memoryCounter{counts: map[string]int64{}}
}

func (c *memoryCounter) Increment(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return c.counts[key], nil
}

func (c *memoryCounter) Count(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key], nil
}

func (c *memoryCounter) Reset(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, key)
	return nil
}

// recordingActivitySink keeps every activity event
type recordingActivitySink struct {
	mu     sync.Mutex
	events []auth.ActivityEvent
}

func (r *recordingActivitySink) Record(_ context.Context, event auth.ActivityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingActivitySink) types() []auth.ActivityEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]auth.ActivityEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

// brokenUsers wraps a store and fails selected calls with err
type brokenUsers struct {
	auth.Users
	err           error
	failFind      bool
	failRotate    bool
	failStore     bool
	failFindToken bool
	failConfirm   bool
	failAddRole   bool
}

func (b *brokenUsers) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	if b.failFind {
		return nil, b.err
	}
	return b.Users.FindByEmail(ctx, email)
}

func (b *brokenUsers) FindByRefreshToken(ctx context.Context, value string) (*auth.User, error) {
	if b.failFindToken {
		return nil, b.err
	}
	return b.Users.FindByRefreshToken(ctx, value)
}

func (b *brokenUsers) RotateRefreshToken(ctx context.Context, userID uuid.UUID, current, next string, expiry time.Time) (bool, error) {
	if b.failRotate {
		return false, b.err
	}
	return b.Users.RotateRefreshToken(ctx, userID, current, next, expiry)
}

func (b *brokenUsers) StoreSession(ctx context.Context, userID uuid.UUID, refreshToken string, expiry, loginAt time.Time) error {
	if b.failStore {
		return b.err
	}
	return b.Users.StoreSession(ctx, userID, refreshToken, expiry, loginAt)
}

func (b *brokenUsers) ConfirmEmail(ctx context.Context, userID uuid.UUID) (bool, error) {
	if b.failConfirm {
		return false, b.err
	}
	return b.Users.ConfirmEmail(ctx, userID)
}

func (b *brokenUsers) AddToRole(ctx context.Context, user *auth.User, role auth.UserRole) error {
	if b.failAddRole {
		return b.err
	}
	return b.Users.AddToRole(ctx, user, role)
}

// fixedClock returns a controllable clock
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock(now time.Time) *fixedClock {
	return &fixedClock{now: now.UTC()}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
