package auth

import (
	"context"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"
)

const (
	// DefaultVerificationTokenTTL is how long a verification token can be used
	DefaultVerificationTokenTTL = 30 * time.Minute
	// DefaultLoginAttemptWindow is the window failed logins are counted in
	DefaultLoginAttemptWindow = 15 * time.Minute
	// DefaultPhoneRegion is used to parse phone numbers without a country prefix
	DefaultPhoneRegion = "US"
)

// RegisterRequest holds the fields of a new account
type RegisterRequest struct {
	Email           string `json:"email" form:"email"`
	Password        string `json:"password" form:"password"`
	ConfirmPassword string `json:"confirm_password" form:"confirm_password"`
	FirstName       string `json:"first_name" form:"first_name"`
	LastName        string `json:"last_name" form:"last_name"`
	Phone           string `json:"phone_number" form:"phone_number"`
	Language        string `json:"language" form:"language"`
}

// normalized trims the free text fields and lower cases the email, the form
// every store lookup uses. Passwords are kept as typed.
func (r RegisterRequest) normalized() RegisterRequest {
	r.Email = NormalizeEmail(r.Email)
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)
	r.Phone = strings.TrimSpace(r.Phone)
	r.Language = strings.TrimSpace(r.Language)
	if r.Language == "" {
		r.Language = DefaultLanguage
	}
	return r
}

// Validate runs the field rules. Password confirmation is checked by Register.
func (r RegisterRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, validation.Length(3, 254), is.Email),
		validation.Field(&r.Password, validation.Required, validation.Length(1, 72)),
		validation.Field(&r.FirstName, validation.Required, validation.Length(1, 200)),
		validation.Field(&r.LastName, validation.Required, validation.Length(1, 200)),
		validation.Field(&r.Language, validation.Length(2, 35)),
	)
}

// Service runs the authentication and account verification lifecycle.
// It keeps no state between calls, everything durable lives in the stores.
type Service struct {
	users     CredentialStore
	tokens    VerificationTokenStore
	issuer    *SessionIssuer
	states    AccountStateMachine
	generator TokenGenerator
	notifier  NotificationSink
	activity  ActivitySink
	attempts  AttemptCounter
	registry  *RoleRegistry
	inTx      TxRunner

	logger         Logger
	loggerProvider LoggerProvider
	now            func() time.Time

	verificationTTL  time.Duration
	codeLength       int
	baseURL          string
	defaultRole      UserRole
	maxLoginAttempts int
	attemptWindow    time.Duration
	useHashid        bool
	phoneRegion      string

	notifyTimeout time.Duration
	inlineNotify  bool
	notifications *notificationDispatcher
}

// ServiceOption customizes the Service
type ServiceOption func(*Service)

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLoggerProvider sets the provider used to resolve the service logger
func WithLoggerProvider(provider LoggerProvider) ServiceOption {
	return func(s *Service) {
		if provider != nil {
			s.loggerProvider = provider
		}
	}
}

// WithActivitySink sets the ActivitySink used to publish security events
func WithActivitySink(sink ActivitySink) ServiceOption {
	return func(s *Service) {
		s.activity = normalizeActivitySink(sink)
	}
}

// WithAttemptCounter enables login throttling: once max failures are
// counted for an email inside window, Login refuses until the window ends.
func WithAttemptCounter(counter AttemptCounter, max int, window time.Duration) ServiceOption {
	return func(s *Service) {
		if counter == nil {
			return
		}
		s.attempts = counter
		s.maxLoginAttempts = max
		if window > 0 {
			s.attemptWindow = window
		}
	}
}

// WithTxRunner sets the transaction boundary for multi step writes:
// registration and email verification. Without one the steps run directly
// on the stores and are not atomic.
func WithTxRunner(run TxRunner) ServiceOption {
	return func(s *Service) {
		if run != nil {
			s.inTx = run
		}
	}
}

// WithRoleRegistry sets the roles accepted into access token claims
func WithRoleRegistry(registry *RoleRegistry) ServiceOption {
	return func(s *Service) {
		if registry != nil {
			s.registry = registry
		}
	}
}

// WithDefaultRole sets the role attached to new accounts
func WithDefaultRole(role UserRole) ServiceOption {
	return func(s *Service) {
		if role.IsValid() {
			s.defaultRole = role
		}
	}
}

// WithTokenGenerator overrides the source of verification values
func WithTokenGenerator(generator TokenGenerator) ServiceOption {
	return func(s *Service) {
		if generator != nil {
			s.generator = generator
		}
	}
}

// WithSessionIssuer replaces the issuer built from Config
func WithSessionIssuer(issuer *SessionIssuer) ServiceOption {
	return func(s *Service) {
		if issuer != nil {
			s.issuer = issuer
		}
	}
}

// WithStateMachine replaces the account state machine
func WithStateMachine(sm AccountStateMachine) ServiceOption {
	return func(s *Service) {
		if sm != nil {
			s.states = sm
		}
	}
}

// WithVerificationTokenTTL overrides the configured verification token lifetime
func WithVerificationTokenTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.verificationTTL = ttl
		}
	}
}

// WithVerificationCodeLength switches verification values to short codes.
// Lengths outside [4,10] keep the 32 character secure token.
func WithVerificationCodeLength(length int) ServiceOption {
	return func(s *Service) {
		s.codeLength = length
	}
}

// WithBaseURL sets the base of verification links
func WithBaseURL(baseURL string) ServiceOption {
	return func(s *Service) {
		s.baseURL = baseURL
	}
}

// WithHashidUserIDs derives new user ids from the email address
func WithHashidUserIDs(enabled bool) ServiceOption {
	return func(s *Service) {
		s.useHashid = enabled
	}
}

// WithPhoneRegion sets the region used to parse local phone numbers
func WithPhoneRegion(region string) ServiceOption {
	return func(s *Service) {
		if region != "" {
			s.phoneRegion = strings.ToUpper(region)
		}
	}
}

// WithNotificationTimeout bounds each notification dispatch
func WithNotificationTimeout(timeout time.Duration) ServiceOption {
	return func(s *Service) {
		if timeout > 0 {
			s.notifyTimeout = timeout
		}
	}
}

// WithSynchronousNotifications sends notifications inline before an
// operation returns. The outcome is still only logged.
func WithSynchronousNotifications() ServiceOption {
	return func(s *Service) {
		s.inlineNotify = true
	}
}

// NewService wires the lifecycle service. A missing signing key or a
// missing store is a configuration error.
func NewService(cfg Config, users CredentialStore, tokens VerificationTokenStore, notifier NotificationSink, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		return nil, configurationError("config is required")
	}

	if users == nil || tokens == nil {
		return nil, configurationError("credential store and verification token store are required")
	}

	if notifier == nil {
		notifier = noopNotificationSink{}
	}

	s := &Service{
		users:           users,
		tokens:          tokens,
		generator:       NewTokenGenerator(),
		notifier:        notifier,
		activity:        noopActivitySink{},
		attempts:        noopAttemptCounter{},
		registry:        NewRoleRegistry(),
		now:             func() time.Time { return time.Now().UTC() },
		verificationTTL: cfg.GetVerificationTokenTTL(),
		codeLength:      cfg.GetVerificationCodeLength(),
		baseURL:         cfg.GetBaseURL(),
		defaultRole:     DefaultRegistrationRole,
		attemptWindow:   DefaultLoginAttemptWindow,
		phoneRegion:     DefaultPhoneRegion,
		notifyTimeout:   DefaultNotificationTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.loggerProvider, s.logger = ResolveLogger("auth.lifecycle", s.loggerProvider, s.logger)

	if s.inTx == nil {
		s.inTx = func(ctx context.Context, fn func(context.Context, TxStores) error) error {
			return fn(ctx, TxStores{Users: s.users, Tokens: s.tokens})
		}
	}

	if s.verificationTTL <= 0 {
		s.verificationTTL = DefaultVerificationTokenTTL
	}

	if s.issuer == nil {
		issuer, err := NewSessionIssuer(SessionConfigFrom(cfg),
			WithSessionClock(s.now),
			WithSessionLogger(s.logger),
		)
		if err != nil {
			return nil, err
		}
		s.issuer = issuer
	}

	if s.states == nil {
		s.states = NewAccountStateMachine(accountStoreFor(users),
			WithStateMachineClock(s.now),
			WithStateMachineActivitySink(s.activity),
			WithStateMachineLogger(s.logger),
		)
	}

	s.notifications = &notificationDispatcher{
		sink:    s.notifier,
		logger:  s.logger,
		timeout: s.notifyTimeout,
		inline:  s.inlineNotify,
	}

	return s, nil
}

// Issuer returns the session issuer, used to validate access tokens
func (s *Service) Issuer() *SessionIssuer {
	return s.issuer
}

// Wait blocks until in flight notifications are done. Notifications raised
// after Wait are sent inline before the operation returns.
func (s *Service) Wait() {
	s.notifications.wait()
}

// Login checks credentials and starts a session. Unknown, inactive and
// wrong password attempts share one message.
func (s *Service) Login(ctx context.Context, email, password string) *LoginResult {
	key := NormalizeEmail(email)
	if key == "" || password == "" {
		return loginFailed(MsgInvalidCredentials)
	}

	if s.lockedOut(ctx, key) {
		s.recordLoginFailure(ctx, nil, key, "too_many_attempts")
		return loginFailed(MsgTooManyLoginAttempts)
	}

	user, err := s.users.FindByEmail(ctx, key)
	if err != nil {
		if isUserNotFound(err) {
			s.recordLoginFailure(ctx, nil, key, "user_not_found")
			return loginFailed(MsgInvalidCredentials)
		}
		s.logger.Error("Login find user error", "error", err)
		return loginFailed(MsgLoginError)
	}

	if !user.IsActive {
		s.recordLoginFailure(ctx, user, key, "inactive")
		return loginFailed(MsgInvalidCredentials)
	}

	if !user.EmailConfirmed {
		s.recordLoginFailure(ctx, user, key, "email_not_verified")
		return loginFailed(MsgEmailNotVerified)
	}

	if err := s.users.VerifyPassword(user, password); err != nil {
		if HasTextCode(err, TextCodeInvalidCredentials) {
			s.countFailedAttempt(ctx, key)
			s.recordLoginFailure(ctx, user, key, "invalid_password")
			return loginFailed(MsgInvalidCredentials)
		}
		s.logger.Error("Login verify password error", "error", err)
		return loginFailed(MsgLoginError)
	}

	roles, err := s.rolesFor(ctx, user)
	if err != nil {
		s.logger.Error("Login failed to fetch roles", "error", err)
		return loginFailed(MsgLoginError)
	}

	pair, err := s.issuer.IssueSession(user, roles)
	if err != nil {
		s.logger.Error("Login issue session error", "error", err)
		return loginFailed(MsgLoginError)
	}

	loginAt := s.now()
	if err := s.users.StoreSession(ctx, user.ID, pair.RefreshToken, pair.RefreshExpiresAt, loginAt); err != nil {
		s.logger.Error("Login store session error", "error", err)
		return loginFailed(MsgLoginError)
	}

	user.RefreshToken = &pair.RefreshToken
	user.RefreshTokenExpiry = &pair.RefreshExpiresAt
	user.LastLoginAt = &loginAt

	if err := s.attempts.Reset(ctx, attemptKey(key)); err != nil {
		s.logger.Warn("Login reset attempts error", "error", err)
	}

	s.record(ctx, ActivityEvent{
		EventType: ActivityEventLoginSuccess,
		Actor:     userActor(user),
		UserID:    user.ID.String(),
		Email:     user.Email,
		Metadata: map[string]any{
			"token_id": pair.TokenID,
		},
	})

	expiresAt := pair.ExpiresAt
	return &LoginResult{
		Success:      true,
		Message:      MsgLoginSuccess,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    &expiresAt,
		User:         summarize(user, roles),
	}
}

// RefreshToken exchanges a refresh token for a new pair. The presented
// token stops working as soon as the swap succeeds. Unknown, expired and
// already rotated tokens return ErrInvalidRefreshToken.
func (s *Service) RefreshToken(ctx context.Context, value string) (*TokenResult, error) {
	if strings.TrimSpace(value) == "" {
		s.recordRefreshFailure(ctx, nil, "empty")
		return nil, ErrInvalidRefreshToken
	}

	user, err := s.users.FindByRefreshToken(ctx, value)
	if err != nil {
		if isUserNotFound(err) {
			s.recordRefreshFailure(ctx, nil, "unknown")
			return nil, ErrInvalidRefreshToken
		}
		s.logger.Error("RefreshToken find user error", "error", err)
		return nil, ErrServiceFailure
	}

	if !user.HasRefreshToken(value, s.now()) {
		s.recordRefreshFailure(ctx, user, "expired")
		return nil, ErrInvalidRefreshToken
	}

	if !user.IsActive {
		s.recordRefreshFailure(ctx, user, "inactive")
		return nil, ErrInvalidRefreshToken
	}

	roles, err := s.rolesFor(ctx, user)
	if err != nil {
		s.logger.Error("RefreshToken failed to fetch roles", "error", err)
		return nil, ErrServiceFailure
	}

	pair, err := s.issuer.IssueSession(user, roles)
	if err != nil {
		s.logger.Error("RefreshToken issue session error", "error", err)
		return nil, ErrServiceFailure
	}

	rotated, err := s.users.RotateRefreshToken(ctx, user.ID, value, pair.RefreshToken, pair.RefreshExpiresAt)
	if err != nil {
		s.logger.Error("RefreshToken rotate error", "error", err)
		return nil, ErrServiceFailure
	}

	if !rotated {
		s.recordRefreshFailure(ctx, user, "rotated")
		return nil, ErrInvalidRefreshToken
	}

	s.record(ctx, ActivityEvent{
		EventType: ActivityEventTokenRefreshed,
		Actor:     userActor(user),
		UserID:    user.ID.String(),
		Email:     user.Email,
		Metadata: map[string]any{
			"token_id": pair.TokenID,
		},
	})

	return &TokenResult{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		ExpiresAt:        pair.ExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}, nil
}

// Logout clears the stored refresh token. It reports false when the user
// does not exist or there was no session to clear.
func (s *Service) Logout(ctx context.Context, userID uuid.UUID) bool {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if !isUserNotFound(err) {
			s.logger.Error("Logout find user error", "error", err)
		}
		return false
	}

	cleared, err := s.users.ClearRefreshToken(ctx, user.ID)
	if err != nil {
		s.logger.Error("Logout clear refresh token error", "error", err)
		return false
	}

	if !cleared {
		return false
	}

	user.RefreshToken = nil
	user.RefreshTokenExpiry = nil

	s.record(ctx, ActivityEvent{
		EventType: ActivityEventLogout,
		Actor:     userActor(user),
		UserID:    user.ID.String(),
		Email:     user.Email,
	})

	return true
}

// Register creates an unverified account with the default role and a
// verification token, all in one transaction, then sends the token. Only
// that transaction decides the outcome.
func (s *Service) Register(ctx context.Context, req RegisterRequest) *RegisterResult {
	if req.Password != req.ConfirmPassword {
		return &RegisterResult{Message: MsgPasswordsDoNotMatch}
	}

	req = req.normalized()
	if err := req.Validate(); err != nil {
		return &RegisterResult{Message: err.Error()}
	}

	phone, err := s.normalizePhone(req.Phone)
	if err != nil {
		return &RegisterResult{Message: ErrInvalidPhoneNumber.Message}
	}

	if _, err := s.users.FindByEmail(ctx, req.Email); err == nil {
		return &RegisterResult{Message: MsgEmailAlreadyExists}
	} else if !isUserNotFound(err) {
		s.logger.Error("Register find user error", "error", err)
		return &RegisterResult{Message: MsgRegisterError}
	}

	user := &User{
		Email:          req.Email,
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		Phone:          phone,
		Language:       req.Language,
		EmailConfirmed: false,
		IsActive:       true,
	}

	if s.useHashid {
		if id, err := hashid.NewUUID(req.Email); err == nil {
			user.ID = id
		} else {
			s.logger.Warn("Register hashid error", "error", err)
		}
	}

	var (
		created *User
		token   *EmailVerificationToken
	)
	err = s.inTx(ctx, func(ctx context.Context, tx TxStores) error {
		var err error
		if created, err = tx.Users.Create(ctx, user, req.Password); err != nil {
			return err
		}
		if err = tx.Users.AddToRole(ctx, created, s.defaultRole); err != nil {
			return errors.Wrap(err, errors.CategoryInternal, "failed to attach default role")
		}
		token, err = s.issueVerification(ctx, tx.Tokens, created)
		return err
	})
	if err != nil {
		if HasTextCode(err, TextCodeEmailExists) {
			return &RegisterResult{Message: MsgEmailAlreadyExists}
		}
		s.logger.Error("Register transaction error", "error", err)
		return &RegisterResult{Message: MsgRegisterError}
	}

	s.record(ctx, ActivityEvent{
		EventType: ActivityEventUserRegistered,
		Actor:     userActor(created),
		UserID:    created.ID.String(),
		Email:     created.Email,
		ToState:   StateOf(created),
	})
	s.announceVerification(ctx, created, token)

	return &RegisterResult{
		Success:                   true,
		Message:                   MsgRegisterSuccess,
		UserID:                    created.ID.String(),
		RequiresEmailVerification: true,
	}
}

// VerifyEmail consumes a verification token and confirms the email it was
// issued for. Consuming the token is the single point that decides which
// of several concurrent calls succeeds.
func (s *Service) VerifyEmail(ctx context.Context, token, email string) *OperationResult {
	token = strings.TrimSpace(token)
	if token == "" {
		return failed(MsgInvalidVerificationToken)
	}

	now := s.now()
	record, err := s.tokens.GetUnusedUnexpiredByValue(ctx, token, now)
	if err != nil {
		if HasTextCode(err, TextCodeVerificationNotFound) {
			return failed(MsgInvalidVerificationToken)
		}
		s.logger.Error("VerifyEmail find token error", "error", err)
		return failed(MsgGenericError)
	}

	if NormalizeEmail(record.Email) != NormalizeEmail(email) {
		return failed(MsgEmailTokenMismatch)
	}

	user, err := s.users.FindByID(ctx, record.UserID)
	if err != nil {
		if isUserNotFound(err) {
			return failed(MsgUserNotFound)
		}
		s.logger.Error("VerifyEmail find user error", "error", err)
		return failed(MsgGenericError)
	}

	pending := &pendingActivity{}
	err = s.inTx(ctx, func(ctx context.Context, tx TxStores) error {
		consumed, err := tx.Tokens.MarkUsed(ctx, record.ID, now)
		if err != nil {
			return errors.Wrap(err, errors.CategoryInternal, "failed to mark verification token used")
		}
		if !consumed {
			return errTokenSpent
		}
		return s.confirmEmail(ctx, accountStoreFor(tx.Users), pending, user)
	})
	if err != nil {
		if errors.Is(err, errTokenSpent) {
			return failed(MsgInvalidVerificationToken)
		}
		s.logger.Error("VerifyEmail transaction error", "error", err)
		return failed(MsgGenericError)
	}
	pending.flush(ctx, s)

	s.record(ctx, ActivityEvent{
		EventType: ActivityEventEmailVerified,
		Actor:     userActor(user),
		UserID:    user.ID.String(),
		Email:     user.Email,
	})

	notice := WelcomeNotice{
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Language:  user.Language,
	}
	s.notifications.dispatch(ctx, "welcome", user.Email, func(ctx context.Context) (bool, error) {
		return s.notifier.SendWelcomeEmail(ctx, notice)
	})

	return succeeded(MsgEmailVerified)
}

// ResendVerificationEmail replaces every verification token of an
// unverified user with a fresh one and sends it.
func (s *Service) ResendVerificationEmail(ctx context.Context, email string) *OperationResult {
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if isUserNotFound(err) {
			return failed(MsgUserNotFound)
		}
		s.logger.Error("ResendVerificationEmail find user error", "error", err)
		return failed(MsgGenericError)
	}

	if user.EmailConfirmed {
		return failed(MsgEmailAlreadyVerified)
	}

	var token *EmailVerificationToken
	err = s.inTx(ctx, func(ctx context.Context, tx TxStores) error {
		removed, err := tx.Tokens.DeleteAllForUser(ctx, user.ID)
		if err != nil {
			return err
		}
		s.logger.Debug("ResendVerificationEmail removed previous tokens", "count", removed)

		token, err = s.issueVerification(ctx, tx.Tokens, user)
		return err
	})
	if err != nil {
		s.logger.Error("ResendVerificationEmail transaction error", "error", err)
		return failed(MsgGenericError)
	}
	s.announceVerification(ctx, user, token)

	return succeeded(MsgVerificationEmailSent)
}

// PurgeVerificationTokens deletes used and expired verification tokens
func (s *Service) PurgeVerificationTokens(ctx context.Context) (int64, error) {
	n, err := s.tokens.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, errors.Wrap(err, errors.CategoryInternal, "failed to purge verification tokens")
	}
	return n, nil
}

// issueVerification stores a new verification token for user in tokens
func (s *Service) issueVerification(ctx context.Context, tokens VerificationTokenStore, user *User) (*EmailVerificationToken, error) {
	value, err := s.verificationValue(user.Email)
	if err != nil {
		return nil, err
	}

	now := s.now()
	return tokens.Create(ctx, &EmailVerificationToken{
		UserID:    user.ID,
		Token:     value,
		Email:     user.Email,
		CreatedAt: now,
		ExpiresAt: now.Add(s.verificationTTL),
	})
}

// announceVerification sends a stored token and records that it went out
func (s *Service) announceVerification(ctx context.Context, user *User, token *EmailVerificationToken) {
	notice := VerificationNotice{
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Token:     token.Token,
		Link:      VerificationLink(s.baseURL, token.Token, user.Email),
		Language:  user.Language,
		ExpiresAt: token.ExpiresAt,
	}
	s.notifications.dispatch(ctx, "verification", user.Email, func(ctx context.Context) (bool, error) {
		return s.notifier.SendVerificationEmail(ctx, notice)
	})

	s.record(ctx, ActivityEvent{
		EventType: ActivityEventVerificationSent,
		Actor:     userActor(user),
		UserID:    user.ID.String(),
		Email:     user.Email,
		Metadata: map[string]any{
			"expires_at": token.ExpiresAt,
		},
	})
}

func (s *Service) verificationValue(email string) (string, error) {
	if s.codeLength >= MinVerificationCodeLength && s.codeLength <= MaxVerificationCodeLength {
		return s.generator.GenerateVerificationCode(email, s.codeLength)
	}
	return s.generator.GenerateSecureToken(DefaultSecureTokenLength)
}

// confirmEmail moves an unverified account to active through store. Inactive
// accounts get the flag without being reactivated. The status event goes to
// pending so it is only published once the caller commits.
func (s *Service) confirmEmail(ctx context.Context, store AccountStore, pending *pendingActivity, user *User) error {
	if user.EmailConfirmed {
		return nil
	}

	if !user.IsActive {
		if _, err := store.ConfirmEmail(ctx, user.ID); err != nil {
			return err
		}
		user.EmailConfirmed = true
		return nil
	}

	_, err := s.states.Transition(ctx, userActor(user), user, AccountStateActive,
		WithTransitionReason("email_verified"),
		WithTransitionStore(store),
		WithTransitionActivitySink(pending),
	)
	return err
}

// rolesFor reads the user's roles and drops names outside the registry
func (s *Service) rolesFor(ctx context.Context, user *User) ([]UserRole, error) {
	roles, err := s.users.GetRoles(ctx, user)
	if err != nil {
		return nil, err
	}

	valid, rejected := s.registry.Filter(roles)
	if len(rejected) > 0 {
		s.logger.Warn("ignoring unknown roles", "user_id", user.ID, "roles", rejected)
	}
	return valid, nil
}

func (s *Service) normalizePhone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}

	num, err := phonenumbers.Parse(raw, s.phoneRegion)
	if err != nil {
		return "", err
	}

	if !phonenumbers.IsValidNumber(num) {
		return "", ErrInvalidPhoneNumber
	}

	return phonenumbers.Format(num, phonenumbers.E164), nil
}

func (s *Service) lockedOut(ctx context.Context, key string) bool {
	if s.maxLoginAttempts <= 0 {
		return false
	}

	count, err := s.attempts.Count(ctx, attemptKey(key))
	if err != nil {
		s.logger.Warn("Login attempt counter error", "error", err)
		return false
	}
	return count >= int64(s.maxLoginAttempts)
}

func (s *Service) countFailedAttempt(ctx context.Context, key string) {
	if s.maxLoginAttempts <= 0 {
		return
	}

	if _, err := s.attempts.Increment(ctx, attemptKey(key), s.attemptWindow); err != nil {
		s.logger.Warn("Login attempt counter error", "error", err)
	}
}

func (s *Service) recordLoginFailure(ctx context.Context, user *User, email, reason string) {
	event := ActivityEvent{
		EventType: ActivityEventLoginFailure,
		Actor:     ActorRef{Type: "anonymous"},
		Email:     email,
		Metadata: map[string]any{
			"reason": reason,
		},
	}
	if user != nil {
		event.Actor = userActor(user)
		event.UserID = user.ID.String()
	}
	s.record(ctx, event)
}

func (s *Service) recordRefreshFailure(ctx context.Context, user *User, reason string) {
	event := ActivityEvent{
		EventType: ActivityEventTokenRefreshFailure,
		Actor:     ActorRef{Type: "anonymous"},
		Metadata: map[string]any{
			"reason": reason,
		},
	}
	if user != nil {
		event.Actor = userActor(user)
		event.UserID = user.ID.String()
		event.Email = user.Email
	}
	s.record(ctx, event)
}

// record publishes event, failures are logged and never change the outcome
func (s *Service) record(ctx context.Context, event ActivityEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}

	if meta, ok := RequestMetaFromContext(ctx); ok {
		event.Request = meta
	}

	if err := s.activity.Record(ctx, event); err != nil {
		s.logger.Warn("activity sink record error", "event", event.EventType, "error", err)
	}
}

// errTokenSpent rolls back a verification that lost the race for its token
var errTokenSpent = errors.New(MsgInvalidVerificationToken, errors.CategoryConflict)

// pendingActivity holds events raised inside a transaction until it commits
type pendingActivity struct {
	events []ActivityEvent
}

func (p *pendingActivity) Record(_ context.Context, event ActivityEvent) error {
	p.events = append(p.events, event)
	return nil
}

func (p *pendingActivity) flush(ctx context.Context, s *Service) {
	for _, event := range p.events {
		s.record(ctx, event)
	}
	p.events = nil
}

func userActor(user *User) ActorRef {
	return ActorRef{ID: user.ID.String(), Type: "user"}
}

func attemptKey(email string) string {
	return "login:" + email
}

func isUserNotFound(err error) bool {
	return HasTextCode(err, TextCodeUserNotFound)
}

// accountStoreFor adapts stores that can not toggle the active flag
func accountStoreFor(users CredentialStore) AccountStore {
	if store, ok := users.(AccountStore); ok {
		return store
	}
	return confirmOnlyStore{users}
}

type confirmOnlyStore struct {
	CredentialStore
}

func (confirmOnlyStore) SetActive(context.Context, uuid.UUID, bool) (bool, error) {
	return false, ErrInvalidAccountTransition
}
