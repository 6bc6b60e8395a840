package auth_test

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	auth "github.com/goliatone/go-auth-lifecycle"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"golang.org/x/crypto/bcrypt"
)

type lifecycleEnv struct {
	db       *bun.DB
	repo     auth.RepositoryManager
	users    auth.Users
	tokens   *auth.VerificationTokens
	sink     *captureSink
	clock    *fixedClock
	activity *recordingActivitySink
	config   *testConfig
}

func newLifecycleEnv(t *testing.T) *lifecycleEnv {
	t.Helper()

	db := newTestDB(t)
	clock := newFixedClock(time.Now())
	repo := auth.NewRepositoryManager(db,
		auth.WithUsersHasher(auth.NewBcryptHasher(bcrypt.MinCost)),
		auth.WithUsersClock(clock.Now),
	)

	return &lifecycleEnv{
		db:       db,
		repo:     repo,
		users:    repo.Users(),
		tokens:   repo.VerificationTokens(),
		sink:     newCaptureSink(),
		clock:    clock,
		activity: &recordingActivitySink{},
		config:   newTestConfig(),
	}
}

func (e *lifecycleEnv) service(t *testing.T, opts ...auth.ServiceOption) *auth.Service {
	t.Helper()
	return e.serviceWithStore(t, e.users, opts...)
}

func (e *lifecycleEnv) serviceWithStore(t *testing.T, users auth.CredentialStore, opts ...auth.ServiceOption) *auth.Service {
	t.Helper()

	base := []auth.ServiceOption{
		auth.WithClock(e.clock.Now),
		auth.WithLogger(quietLogger()),
		auth.WithActivitySink(e.activity),
		auth.WithSynchronousNotifications(),
		auth.WithTxRunner(e.repo.InTx),
	}

	svc, err := auth.NewService(e.config, users, e.tokens, e.sink, append(base, opts...)...)
	require.NoError(t, err)
	return svc
}

// txWith runs transactions on the env database with the users store of each
// transaction wrapped by broken
func (e *lifecycleEnv) txWith(broken brokenUsers) auth.TxRunner {
	return func(ctx context.Context, fn func(context.Context, auth.TxStores) error) error {
		return e.repo.InTx(ctx, func(ctx context.Context, stores auth.TxStores) error {
			wrapped := broken
			wrapped.Users = stores.Users.(auth.Users)
			stores.Users = &wrapped
			return fn(ctx, stores)
		})
	}
}

func registerRequest(email, password string) auth.RegisterRequest {
	return auth.RegisterRequest{
		Email:           email,
		Password:        password,
		ConfirmPassword: password,
		FirstName:       "A",
		LastName:        "B",
	}
}

func registerVerified(t *testing.T, env *lifecycleEnv, svc *auth.Service, email, password string) *auth.User {
	t.Helper()
	ctx := context.Background()

	res := svc.Register(ctx, registerRequest(email, password))
	require.True(t, res.Success, res.Message)

	notice := env.sink.lastVerification(t)
	verified := svc.VerifyEmail(ctx, notice.Token, email)
	require.True(t, verified.Success, verified.Message)

	user, err := env.users.FindByEmail(ctx, email)
	require.NoError(t, err)
	return user
}

func TestNewService(t *testing.T) {
	env := newLifecycleEnv(t)

	t.Run("requires config", func(t *testing.T) {
		_, err := auth.NewService(nil, env.users, env.tokens, nil)
		require.Error(t, err)
		assert.True(t, auth.HasTextCode(err, auth.TextCodeConfiguration))
	})

	t.Run("requires stores", func(t *testing.T) {
		_, err := auth.NewService(env.config, nil, env.tokens, nil)
		assert.True(t, auth.HasTextCode(err, auth.TextCodeConfiguration))

		_, err = auth.NewService(env.config, env.users, nil, nil)
		assert.True(t, auth.HasTextCode(err, auth.TextCodeConfiguration))
	})

	t.Run("rejects missing signing key", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.signingKey = ""
		_, err := auth.NewService(cfg, env.users, env.tokens, nil)
		assert.True(t, auth.HasTextCode(err, auth.TextCodeConfiguration))
	})

	t.Run("rejects short signing key", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.signingKey = "too-short"
		_, err := auth.NewService(cfg, env.users, env.tokens, nil)
		assert.True(t, auth.HasTextCode(err, auth.TextCodeConfiguration))
	})

	t.Run("nil notifier is allowed", func(t *testing.T) {
		svc, err := auth.NewService(env.config, env.users, env.tokens, nil, auth.WithLogger(quietLogger()))
		require.NoError(t, err)
		assert.NotNil(t, svc.Issuer())
	})
}

func TestConcreteScenario(t *testing.T) {
	env := newLifecycleEnv(t)
	svc := env.service(t)
	ctx := context.Background()

	reg := svc.Register(ctx, auth.RegisterRequest{
		Email:           "a@x.com",
		Password:        "Pw12345!",
		ConfirmPassword: "Pw12345!",
		FirstName:       "A",
		LastName:        "B",
	})
	require.True(t, reg.Success, reg.Message)
	assert.True(t, reg.RequiresEmailVerification)
	assert.NotEmpty(t, reg.UserID)

	before := svc.Login(ctx, "a@x.com", "Pw12345!")
	assert.False(t, before.Success)
	assert.Equal(t, auth.MsgEmailNotVerified, before.Message)
	assert.Empty(t, before.AccessToken)

	notice := env.sink.lastVerification(t)
	verified := svc.VerifyEmail(ctx, notice.Token, "a@x.com")
	require.True(t, verified.Success, verified.Message)
	assert.Equal(t, auth.MsgEmailVerified, verified.Message)

	login := svc.Login(ctx, "a@x.com", "Pw12345!")
	require.True(t, login.Success, login.Message)
	assert.NotEmpty(t, login.AccessToken)
	assert.NotEmpty(t, login.RefreshToken)
	require.NotNil(t, login.ExpiresAt)
	assert.True(t, login.ExpiresAt.After(env.clock.Now()))

	require.NotNil(t, login.User)
	assert.Equal(t, reg.UserID, login.User.ID)
	assert.Equal(t, []auth.UserRole{auth.RoleMember}, login.User.Roles)
	assert.True(t, login.User.EmailConfirmed)
	assert.NotNil(t, login.User.LastLoginAt)
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("password mismatch creates no user", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)

		for _, confirm := range []string{"", "Pw12345", "pw12345!", "Pw12345!!"} {
			req := registerRequest("mismatch@x.com", "Pw12345!")
			req.ConfirmPassword = confirm

			res := svc.Register(ctx, req)
			assert.False(t, res.Success)
			assert.Equal(t, auth.MsgPasswordsDoNotMatch, res.Message)
		}

		_, err := env.users.FindByEmail(ctx, "mismatch@x.com")
		assert.ErrorIs(t, err, auth.ErrUserNotFound)
		assert.Empty(t, env.sink.verifications)
	})

	t.Run("creates unverified member and sends token", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)

		res := svc.Register(ctx, auth.RegisterRequest{
			Email:           "  Alice@Example.com ",
			Password:        "Pw12345!",
			ConfirmPassword: "Pw12345!",
			FirstName:       " Alice",
			LastName:        "Doe ",
			Language:        " es ",
		})
		require.True(t, res.Success, res.Message)
		assert.Equal(t, auth.MsgRegisterSuccess, res.Message)

		user, err := env.users.FindByEmail(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, res.UserID, user.ID.String())
		assert.Equal(t, "alice@example.com", user.Email)
		assert.False(t, user.EmailConfirmed)
		assert.True(t, user.IsActive)
		assert.Equal(t, "es", user.Language)
		assert.Equal(t, "Alice", user.FirstName)
		assert.Equal(t, "Doe", user.LastName)
		assert.NotEqual(t, "Pw12345!", user.PasswordHash)

		roles, err := env.users.GetRoles(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, []auth.UserRole{auth.RoleMember}, roles)

		notice := env.sink.lastVerification(t)
		assert.Equal(t, "alice@example.com", notice.Email)
		assert.Equal(t, "Alice", notice.FirstName)
		assert.Equal(t, "es", notice.Language)
		assert.Len(t, notice.Token, auth.DefaultSecureTokenLength)
		assert.True(t, env.clock.Now().Add(30*time.Minute).Equal(notice.ExpiresAt))

		link, err := url.Parse(notice.Link)
		require.NoError(t, err)
		assert.Equal(t, "/auth/verify-email", link.Path)
		assert.Equal(t, notice.Token, link.Query().Get("token"))
		assert.Equal(t, "alice@example.com", link.Query().Get("email"))

		assert.Contains(t, env.activity.types(), auth.ActivityEventUserRegistered)
		assert.Contains(t, env.activity.types(), auth.ActivityEventVerificationSent)
	})

	t.Run("duplicate email", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)

		require.True(t, svc.Register(ctx, registerRequest("dup@x.com", "Pw12345!")).Success)

		res := svc.Register(ctx, registerRequest("DUP@x.com", "Other123!"))
		assert.False(t, res.Success)
		assert.Equal(t, auth.MsgEmailAlreadyExists, res.Message)
	})

	t.Run("invalid fields", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)

		res := svc.Register(ctx, registerRequest("not-an-email", "Pw12345!"))
		assert.False(t, res.Success)
		assert.Contains(t, res.Message, "email")

		req := registerRequest("nameless@x.com", "Pw12345!")
		req.FirstName = ""
		res = svc.Register(ctx, req)
		assert.False(t, res.Success)
		assert.Contains(t, res.Message, "first_name")
	})

	t.Run("phone numbers are normalized", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)

		req := registerRequest("phone@x.com", "Pw12345!")
		req.Phone = "(650) 253-0000"
		require.True(t, svc.Register(ctx, req).Success)

		user, err := env.users.FindByEmail(ctx, "phone@x.com")
		require.NoError(t, err)
		assert.Equal(t, "+16502530000", user.Phone)

		req = registerRequest("badphone@x.com", "Pw12345!")
		req.Phone = "123"
		res := svc.Register(ctx, req)
		assert.False(t, res.Success)
		assert.Equal(t, auth.ErrInvalidPhoneNumber.Message, res.Message)
	})

	t.Run("hashid user ids", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t, auth.WithHashidUserIDs(true))

		res := svc.Register(ctx, registerRequest("hash@x.com", "Pw12345!"))
		require.True(t, res.Success, res.Message)

		expected, err := hashid.NewUUID("hash@x.com")
		require.NoError(t, err)
		assert.Equal(t, expected.String(), res.UserID)
	})

	t.Run("short verification codes", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t, auth.WithVerificationCodeLength(6))

		require.True(t, svc.Register(ctx, registerRequest("code@x.com", "Pw12345!")).Success)

		notice := env.sink.lastVerification(t)
		assert.Len(t, notice.Token, 6)
		assert.Equal(t, strings.ToUpper(notice.Token), notice.Token)
		assert.True(t, svc.VerifyEmail(ctx, notice.Token, "code@x.com").Success)
	})

	t.Run("notification failure does not fail registration", func(t *testing.T) {
		env := newLifecycleEnv(t)
		env.sink.accept = false
		env.sink.err = errors.New("smtp unavailable")
		svc := env.service(t)

		res := svc.Register(ctx, registerRequest("offline@x.com", "Pw12345!"))
		assert.True(t, res.Success, res.Message)
	})

	t.Run("role failure rolls back the new account", func(t *testing.T) {
		env := newLifecycleEnv(t)
		boom := errors.New("role table locked")
		svc := env.service(t, auth.WithTxRunner(env.txWith(brokenUsers{err: boom, failAddRole: true})))

		res := svc.Register(ctx, registerRequest("norole@x.com", "Pw12345!"))
		assert.False(t, res.Success)
		assert.Equal(t, auth.MsgRegisterError, res.Message)

		_, err := env.users.FindByEmail(ctx, "norole@x.com")
		assert.ErrorIs(t, err, auth.ErrUserNotFound)

		tokens, err := env.db.NewSelect().Model((*auth.EmailVerificationToken)(nil)).Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, tokens)
		assert.Empty(t, env.sink.verifications)
		assert.NotContains(t, env.activity.types(), auth.ActivityEventUserRegistered)

		retry := env.service(t).Register(ctx, registerRequest("norole@x.com", "Pw12345!"))
		assert.True(t, retry.Success, retry.Message)
	})

	t.Run("asynchronous notifications are drained by Wait", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc, err := auth.NewService(env.config, env.users, env.tokens, env.sink,
			auth.WithClock(env.clock.Now),
			auth.WithLogger(quietLogger()),
		)
		require.NoError(t, err)

		require.True(t, svc.Register(ctx, registerRequest("async@x.com", "Pw12345!")).Success)
		svc.Wait()

		first := env.sink.lastVerification(t)
		assert.Equal(t, "async@x.com", first.Email)

		// once drained, later notifications are delivered before the call returns
		require.True(t, svc.ResendVerificationEmail(ctx, "async@x.com").Success)
		assert.NotEqual(t, first.Token, env.sink.lastVerification(t).Token)
	})

	t.Run("Wait while requests are still dispatching", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc, err := auth.NewService(env.config, env.users, env.tokens, env.sink,
			auth.WithClock(env.clock.Now),
			auth.WithLogger(quietLogger()),
		)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				svc.Register(ctx, registerRequest(fmt.Sprintf("drain%d@x.com", i), "Pw12345!"))
			}(i)
		}
		svc.Wait()
		wg.Wait()
		svc.Wait()

		env.sink.mu.Lock()
		defer env.sink.mu.Unlock()
		assert.Len(t, env.sink.verifications, 4)
	})
}

func TestLogin(t *testing.T) {
	ctx := context.Background()

	t.Run("unverified fails regardless of password", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)
		require.True(t, svc.Register(ctx, registerRequest("unverified@x.com", "Pw12345!")).Success)

		for _, password := range []string{"Pw12345!", "wrong-password", "x"} {
			res := svc.Login(ctx, "unverified@x.com", password)
			assert.False(t, res.Success)
			assert.Equal(t, auth.MsgEmailNotVerified, res.Message)
		}
	})

	t.Run("generic failure for unknown, inactive and wrong password", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)
		user := registerVerified(t, env, svc, "known@x.com", "Pw12345!")

		res := svc.Login(ctx, "unknown@x.com", "Pw12345!")
		assert.Equal(t, auth.MsgInvalidCredentials, res.Message)

		res = svc.Login(ctx, "known@x.com", "wrong-password")
		assert.Equal(t, auth.MsgInvalidCredentials, res.Message)

		res = svc.Login(ctx, "", "")
		assert.Equal(t, auth.MsgInvalidCredentials, res.Message)

		changed, err := env.users.SetActive(ctx, user.ID, false)
		require.NoError(t, err)
		require.True(t, changed)

		res = svc.Login(ctx, "known@x.com", "Pw12345!")
		assert.False(t, res.Success)
		assert.Equal(t, auth.MsgInvalidCredentials, res.Message)
	})

	t.Run("stores session and issues valid access token", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)
		user := registerVerified(t, env, svc, "session@x.com", "Pw12345!")

		res := svc.Login(ctx, "Session@X.com", "Pw12345!")
		require.True(t, res.Success, res.Message)
		assert.Equal(t, auth.MsgLoginSuccess, res.Message)

		stored, err := env.users.FindByID(ctx, user.ID)
		require.NoError(t, err)
		assert.True(t, stored.HasRefreshToken(res.RefreshToken, env.clock.Now()))
		require.NotNil(t, stored.LastLoginAt)

		claims, err := svc.Issuer().Validate(res.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, user.ID.String(), claims.UserID())
		assert.Equal(t, "session@x.com", claims.Email)
		assert.True(t, claims.HasRole(auth.RoleMember))
		assert.NotEmpty(t, claims.TokenID())
	})

	t.Run("later login replaces earlier refresh token", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)
		registerVerified(t, env, svc, "twice@x.com", "Pw12345!")

		first := svc.Login(ctx, "twice@x.com", "Pw12345!")
		second := svc.Login(ctx, "twice@x.com", "Pw12345!")
		require.True(t, first.Success)
		require.True(t, second.Success)
		assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

		_, err := svc.RefreshToken(ctx, first.RefreshToken)
		assert.ErrorIs(t, err, auth.ErrInvalidRefreshToken)

		_, err = svc.RefreshToken(ctx, second.RefreshToken)
		assert.NoError(t, err)
	})

	t.Run("locks out after repeated failures", func(t *testing.T) {
		env := newLifecycleEnv(t)
		counter := newMemoryCounter()
		svc := env.service(t, auth.WithAttemptCounter(counter, 3, time.Minute))
		registerVerified(t, env, svc, "locked@x.com", "Pw12345!")

		for i := 0; i < 3; i++ {
			res := svc.Login(ctx, "locked@x.com", "wrong-password")
			assert.Equal(t, auth.MsgInvalidCredentials, res.Message)
		}

		res := svc.Login(ctx, "locked@x.com", "Pw12345!")
		assert.False(t, res.Success)
		assert.Equal(t, auth.MsgTooManyLoginAttempts, res.Message)

		require.NoError(t, counter.Reset(ctx, "login:locked@x.com"))
		res = svc.Login(ctx, "locked@x.com", "Pw12345!")
		assert.True(t, res.Success, res.Message)
	})

	t.Run("success resets the attempt counter", func(t *testing.T) {
		env := newLifecycleEnv(t)
		counter := newMemoryCounter()
		svc := env.service(t, auth.WithAttemptCounter(counter, 3, time.Minute))
		registerVerified(t, env, svc, "reset@x.com", "Pw12345!")

		svc.Login(ctx, "reset@x.com", "wrong-password")
		svc.Login(ctx, "reset@x.com", "wrong-password")
		require.True(t, svc.Login(ctx, "reset@x.com", "Pw12345!").Success)

		count, err := counter.Count(ctx, "login:reset@x.com")
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("records success and failure events", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)
		registerVerified(t, env, svc, "events@x.com", "Pw12345!")

		reqCtx := auth.WithRequestMeta(ctx, auth.RequestMeta{IPAddress: "10.0.0.9", UserAgent: "test"})
		svc.Login(reqCtx, "events@x.com", "wrong-password")
		svc.Login(reqCtx, "events@x.com", "Pw12345!")

		var failure, success *auth.ActivityEvent
		for i := range env.activity.events {
			event := env.activity.events[i]
			switch event.EventType {
			case auth.ActivityEventLoginFailure:
				failure = &event
			case auth.ActivityEventLoginSuccess:
				success = &event
			}
		}

		require.NotNil(t, failure)
		assert.Equal(t, "invalid_password", failure.Metadata["reason"])
		assert.Equal(t, auth.SeverityWarning, failure.Severity())
		assert.Equal(t, "10.0.0.9", failure.Request.IPAddress)

		require.NotNil(t, success)
		assert.Equal(t, "events@x.com", success.Email)
		assert.Equal(t, env.clock.Now(), success.OccurredAt)
	})
}

func TestRefreshToken(t *testing.T) {
	ctx := context.Background()

	t.Run("rotation invalidates the original", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)
		registerVerified(t, env, svc, "rotate@x.com", "Pw12345!")

		login := svc.Login(ctx, "rotate@x.com", "Pw12345!")
		require.True(t, login.Success)

		pair, err := svc.RefreshToken(ctx, login.RefreshToken)
		require.NoError(t, err)
		assert.NotEmpty(t, pair.AccessToken)
		assert.NotEqual(t, login.RefreshToken, pair.RefreshToken)
		assert.True(t, pair.RefreshExpiresAt.After(env.clock.Now()))

		_, err = svc.RefreshToken(ctx, login.RefreshToken)
		require.Error(t, err)
		assert.ErrorIs(t, err, auth.ErrInvalidRefreshToken)
		assert.True(t, auth.IsSecurityTokenError(err))

		next, err := svc.RefreshToken(ctx, pair.RefreshToken)
		require.NoError(t, err)
		assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)
	})

	t.Run("empty and unknown tokens", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)

		for _, value := range []string{"", "   ", "not-a-stored-token"} {
			_, err := svc.RefreshToken(ctx, value)
			assert.ErrorIs(t, err, auth.ErrInvalidRefreshToken)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)
		registerVerified(t, env, svc, "expired@x.com", "Pw12345!")

		login := svc.Login(ctx, "expired@x.com", "Pw12345!")
		require.True(t, login.Success)

		env.clock.Advance(7*24*time.Hour + time.Second)

		_, err := svc.RefreshToken(ctx, login.RefreshToken)
		assert.ErrorIs(t, err, auth.ErrInvalidRefreshToken)
	})

	t.Run("inactive user", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)
		user := registerVerified(t, env, svc, "disabled@x.com", "Pw12345!")

		login := svc.Login(ctx, "disabled@x.com", "Pw12345!")
		require.True(t, login.Success)

		_, err := env.users.SetActive(ctx, user.ID, false)
		require.NoError(t, err)

		_, err = svc.RefreshToken(ctx, login.RefreshToken)
		assert.ErrorIs(t, err, auth.ErrInvalidRefreshToken)
	})

	t.Run("concurrent refresh has a single winner", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)
		registerVerified(t, env, svc, "race@x.com", "Pw12345!")

		login := svc.Login(ctx, "race@x.com", "Pw12345!")
		require.True(t, login.Success)

		const callers = 8
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			wins     int
			rejected int
		)

		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.RefreshToken(ctx, login.RefreshToken)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
				} else if errors.Is(err, auth.ErrInvalidRefreshToken) {
					rejected++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, callers-1, rejected)
	})
}

func TestLogout(t *testing.T) {
	ctx := context.Background()
	env := newLifecycleEnv(t)
	svc := env.service(t)
	user := registerVerified(t, env, svc, "logout@x.com", "Pw12345!")

	login := svc.Login(ctx, "logout@x.com", "Pw12345!")
	require.True(t, login.Success)

	assert.True(t, svc.Logout(ctx, user.ID))
	assert.False(t, svc.Logout(ctx, user.ID))

	_, err := svc.RefreshToken(ctx, login.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidRefreshToken)

	stored, err := env.users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.RefreshToken)
	assert.Nil(t, stored.RefreshTokenExpiry)

	assert.False(t, svc.Logout(ctx, uuid.New()))
	assert.False(t, svc.Logout(ctx, uuid.Nil))
}

func TestVerifyEmail(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip is not replayable", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)
		require.True(t, svc.Register(ctx, registerRequest("verify@x.com", "Pw12345!")).Success)

		token := env.sink.lastVerification(t).Token

		res := svc.VerifyEmail(ctx, token, "verify@x.com")
		require.True(t, res.Success, res.Message)

		user, err := env.users.FindByEmail(ctx, "verify@x.com")
		require.NoError(t, err)
		assert.True(t, user.EmailConfirmed)
		assert.Equal(t, auth.AccountStateActive, auth.StateOf(user))
		assert.Equal(t, 1, env.sink.welcomeCount())

		replay := svc.VerifyEmail(ctx, token, "verify@x.com")
		assert.False(t, replay.Success)
		assert.Equal(t, auth.MsgInvalidVerificationToken, replay.Message)
		assert.Equal(t, 1, env.sink.welcomeCount())

		assert.Contains(t, env.activity.types(), auth.ActivityEventUserStatusChanged)
		assert.Contains(t, env.activity.types(), auth.ActivityEventEmailVerified)
	})

	t.Run("email mismatch leaves the token usable", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)
		require.True(t, svc.Register(ctx, registerRequest("owner@x.com", "Pw12345!")).Success)

		token := env.sink.lastVerification(t).Token

		res := svc.VerifyEmail(ctx, token, "intruder@x.com")
		assert.False(t, res.Success)
		assert.Equal(t, auth.MsgEmailTokenMismatch, res.Message)

		res = svc.VerifyEmail(ctx, token, "OWNER@x.com")
		assert.True(t, res.Success, res.Message)
	})

	t.Run("unknown and empty tokens", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)

		for _, token := range []string{"", "missing-token"} {
			res := svc.VerifyEmail(ctx, token, "a@x.com")
			assert.False(t, res.Success)
			assert.Equal(t, auth.MsgInvalidVerificationToken, res.Message)
		}
	})

	t.Run("expiry boundary", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)
		require.True(t, svc.Register(ctx, registerRequest("late@x.com", "Pw12345!")).Success)

		notice := env.sink.lastVerification(t)
		env.clock.Advance(30*time.Minute + time.Second)
		require.True(t, notice.ExpiresAt.Before(env.clock.Now()))

		res := svc.VerifyEmail(ctx, notice.Token, "late@x.com")
		assert.False(t, res.Success)
		assert.Equal(t, auth.MsgInvalidVerificationToken, res.Message)
	})

	t.Run("owner removed", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)

		_, err := env.tokens.Create(ctx, &auth.EmailVerificationToken{
			UserID:    uuid.New(),
			Token:     "orphan-token",
			Email:     "gone@x.com",
			CreatedAt: env.clock.Now(),
			ExpiresAt: env.clock.Now().Add(time.Hour),
		})
		require.NoError(t, err)

		res := svc.VerifyEmail(ctx, "orphan-token", "gone@x.com")
		assert.False(t, res.Success)
		assert.Equal(t, auth.MsgUserNotFound, res.Message)
	})

	t.Run("concurrent verification has a single winner", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)
		require.True(t, svc.Register(ctx, registerRequest("together@x.com", "Pw12345!")).Success)

		token := env.sink.lastVerification(t).Token

		const callers = 8
		results := make(chan *auth.OperationResult, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results <- svc.VerifyEmail(ctx, token, "together@x.com")
			}()
		}
		wg.Wait()
		close(results)

		wins := 0
		for res := range results {
			if res.Success {
				wins++
				continue
			}
			assert.Equal(t, auth.MsgInvalidVerificationToken, res.Message)
		}
		assert.Equal(t, 1, wins)
	})

	t.Run("inactive account keeps its status", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)
		require.True(t, svc.Register(ctx, registerRequest("paused@x.com", "Pw12345!")).Success)

		user, err := env.users.FindByEmail(ctx, "paused@x.com")
		require.NoError(t, err)
		_, err = env.users.SetActive(ctx, user.ID, false)
		require.NoError(t, err)

		res := svc.VerifyEmail(ctx, env.sink.lastVerification(t).Token, "paused@x.com")
		require.True(t, res.Success, res.Message)

		user, err = env.users.FindByEmail(ctx, "paused@x.com")
		require.NoError(t, err)
		assert.True(t, user.EmailConfirmed)
		assert.False(t, user.IsActive)
	})

	t.Run("failed confirmation keeps the token usable", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)
		require.True(t, svc.Register(ctx, registerRequest("retry@x.com", "Pw12345!")).Success)
		token := env.sink.lastVerification(t).Token

		boom := errors.New("write conflict")
		broken := env.service(t, auth.WithTxRunner(env.txWith(brokenUsers{err: boom, failConfirm: true})))

		res := broken.VerifyEmail(ctx, token, "retry@x.com")
		assert.False(t, res.Success)
		assert.Equal(t, auth.MsgGenericError, res.Message)
		assert.NotContains(t, res.Message, "write conflict")

		user, err := env.users.FindByEmail(ctx, "retry@x.com")
		require.NoError(t, err)
		assert.False(t, user.EmailConfirmed)
		assert.Zero(t, env.sink.welcomeCount())
		assert.NotContains(t, env.activity.types(), auth.ActivityEventUserStatusChanged)

		again := svc.VerifyEmail(ctx, token, "retry@x.com")
		require.True(t, again.Success, again.Message)

		user, err = env.users.FindByEmail(ctx, "retry@x.com")
		require.NoError(t, err)
		assert.True(t, user.EmailConfirmed)
		assert.Equal(t, 1, env.sink.welcomeCount())
		assert.True(t, svc.Login(ctx, "retry@x.com", "Pw12345!").Success)

		changed := 0
		for _, typ := range env.activity.types() {
			if typ == auth.ActivityEventUserStatusChanged {
				changed++
			}
		}
		assert.Equal(t, 1, changed)
	})
}

func TestResendVerificationEmail(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown user", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)

		res := svc.ResendVerificationEmail(ctx, "nobody@x.com")
		assert.False(t, res.Success)
		assert.Equal(t, auth.MsgUserNotFound, res.Message)
	})

	t.Run("replaces previous tokens", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)
		require.True(t, svc.Register(ctx, registerRequest("again@x.com", "Pw12345!")).Success)

		first := env.sink.lastVerification(t).Token

		res := svc.ResendVerificationEmail(ctx, "again@x.com")
		require.True(t, res.Success, res.Message)
		assert.Equal(t, auth.MsgVerificationEmailSent, res.Message)

		second := env.sink.lastVerification(t).Token
		assert.NotEqual(t, first, second)

		assert.Equal(t, auth.MsgInvalidVerificationToken, svc.VerifyEmail(ctx, first, "again@x.com").Message)
		assert.True(t, svc.VerifyEmail(ctx, second, "again@x.com").Success)
	})

	t.Run("already verified leaves tokens untouched", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)
		require.True(t, svc.Register(ctx, registerRequest("done@x.com", "Pw12345!")).Success)

		user, err := env.users.FindByEmail(ctx, "done@x.com")
		require.NoError(t, err)

		// a second token that stays behind after verification
		require.True(t, svc.ResendVerificationEmail(ctx, "done@x.com").Success)
		spare, err := env.tokens.Create(ctx, &auth.EmailVerificationToken{
			UserID:    user.ID,
			Token:     "spare-token",
			Email:     user.Email,
			CreatedAt: env.clock.Now(),
			ExpiresAt: env.clock.Now().Add(time.Hour),
		})
		require.NoError(t, err)

		require.True(t, svc.VerifyEmail(ctx, env.sink.lastVerification(t).Token, "done@x.com").Success)

		res := svc.ResendVerificationEmail(ctx, "done@x.com")
		assert.False(t, res.Success)
		assert.Equal(t, auth.MsgEmailAlreadyVerified, res.Message)

		tokens, err := env.tokens.ListForUser(ctx, user.ID)
		require.NoError(t, err)

		var found bool
		for _, token := range tokens {
			if token.ID == spare.ID {
				found = true
				assert.False(t, token.IsUsed)
			}
		}
		assert.True(t, found)
	})
}

func TestPurgeVerificationTokens(t *testing.T) {
	ctx := context.Background()
	env := newLifecycleEnv(t)
	svc := env.service(t)

	require.True(t, svc.Register(ctx, registerRequest("purge-used@x.com", "Pw12345!")).Success)
	require.True(t, svc.VerifyEmail(ctx, env.sink.lastVerification(t).Token, "purge-used@x.com").Success)

	require.True(t, svc.Register(ctx, registerRequest("purge-live@x.com", "Pw12345!")).Success)
	live := env.sink.lastVerification(t).Token

	removed, err := svc.PurgeVerificationTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	assert.True(t, svc.VerifyEmail(ctx, live, "purge-live@x.com").Success)
}

func TestInfrastructureFailuresAreMasked(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection refused: 10.0.0.5:5432")

	t.Run("login", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.serviceWithStore(t, &brokenUsers{Users: env.users, err: boom, failFind: true})

		res := svc.Login(ctx, "a@x.com", "Pw12345!")
		assert.False(t, res.Success)
		assert.Equal(t, auth.MsgLoginError, res.Message)
		assert.NotContains(t, res.Message, "10.0.0.5")
	})

	t.Run("login store session", func(t *testing.T) {
		env := newLifecycleEnv(t)
		registerVerified(t, env, env.service(t), "store@x.com", "Pw12345!")

		svc := env.serviceWithStore(t, &brokenUsers{Users: env.users, err: boom, failStore: true})
		res := svc.Login(ctx, "store@x.com", "Pw12345!")
		assert.False(t, res.Success)
		assert.Equal(t, auth.MsgLoginError, res.Message)
		assert.Empty(t, res.AccessToken)
	})

	t.Run("register", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.serviceWithStore(t, &brokenUsers{Users: env.users, err: boom, failFind: true})

		res := svc.Register(ctx, registerRequest("a@x.com", "Pw12345!"))
		assert.False(t, res.Success)
		assert.Equal(t, auth.MsgRegisterError, res.Message)
	})

	t.Run("resend", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.serviceWithStore(t, &brokenUsers{Users: env.users, err: boom, failFind: true})

		res := svc.ResendVerificationEmail(ctx, "a@x.com")
		assert.False(t, res.Success)
		assert.Equal(t, auth.MsgGenericError, res.Message)
	})

	t.Run("refresh lookup", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.serviceWithStore(t, &brokenUsers{Users: env.users, err: boom, failFindToken: true})

		_, err := svc.RefreshToken(ctx, "some-token")
		require.Error(t, err)
		assert.ErrorIs(t, err, auth.ErrServiceFailure)
		assert.False(t, auth.IsSecurityTokenError(err))
		assert.NotContains(t, err.Error(), "10.0.0.5")
	})

	t.Run("refresh rotate", func(t *testing.T) {
		env := newLifecycleEnv(t)
		svc := env.service(t)
		registerVerified(t, env, svc, "rot@x.com", "Pw12345!")
		login := svc.Login(ctx, "rot@x.com", "Pw12345!")
		require.True(t, login.Success)

		broken := env.serviceWithStore(t, &brokenUsers{Users: env.users, err: boom, failRotate: true})
		_, err := broken.RefreshToken(ctx, login.RefreshToken)
		assert.ErrorIs(t, err, auth.ErrServiceFailure)

		_, err = svc.RefreshToken(ctx, login.RefreshToken)
		assert.NoError(t, err)
	})
}
