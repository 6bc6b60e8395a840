package auth

import "time"

// Outcome messages returned to callers. Login failures for unknown users,
// inactive users and wrong passwords share MsgInvalidCredentials so an
// attacker can not tell them apart.
const (
	MsgInvalidCredentials       = "invalid email or password"
	MsgEmailNotVerified         = "email not verified"
	MsgLoginError               = "an error occurred during login"
	MsgLoginSuccess             = "login successful"
	MsgTooManyLoginAttempts     = "too many login attempts, please try again later"
	MsgPasswordsDoNotMatch      = "passwords do not match"
	MsgEmailAlreadyExists       = "email already exists"
	MsgRegisterSuccess          = "registration successful, please verify your email"
	MsgRegisterError            = "an error occurred during registration"
	MsgInvalidVerificationToken = "invalid or expired verification token"
	MsgEmailTokenMismatch       = "email does not match the token"
	MsgUserNotFound             = "user not found"
	MsgEmailVerified            = "email verified successfully"
	MsgEmailAlreadyVerified     = "email is already verified"
	MsgVerificationEmailSent    = "verification email sent"
	MsgGenericError             = "an error occurred, please try again later"
	MsgInvalidRefreshToken      = "invalid refresh token"
)

// UserSummary is the user view returned with a successful login
type UserSummary struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	FirstName      string     `json:"first_name"`
	LastName       string     `json:"last_name"`
	Roles          []UserRole `json:"roles"`
	EmailConfirmed bool       `json:"email_confirmed"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty"`
}

// LoginResult is the outcome of Login
type LoginResult struct {
	Success      bool         `json:"success"`
	Message      string       `json:"message"`
	AccessToken  string       `json:"access_token,omitempty"`
	RefreshToken string       `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time   `json:"expires_at,omitempty"`
	User         *UserSummary `json:"user,omitempty"`
}

// TokenResult is the outcome of a successful RefreshToken
type TokenResult struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// RegisterResult is the outcome of Register
type RegisterResult struct {
	Success                   bool   `json:"success"`
	Message                   string `json:"message"`
	UserID                    string `json:"user_id,omitempty"`
	RequiresEmailVerification bool   `json:"requires_email_verification"`
}

// OperationResult is the outcome of VerifyEmail and ResendVerificationEmail
type OperationResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func failed(message string) *OperationResult {
	return &OperationResult{Success: false, Message: message}
}

func succeeded(message string) *OperationResult {
	return &OperationResult{Success: true, Message: message}
}

func loginFailed(message string) *LoginResult {
	return &LoginResult{Success: false, Message: message}
}

func summarize(user *User, roles []UserRole) *UserSummary {
	if user == nil {
		return nil
	}
	return &UserSummary{
		ID:             user.ID.String(),
		Email:          user.Email,
		FirstName:      user.FirstName,
		LastName:       user.LastName,
		Roles:          roles,
		EmailConfirmed: user.EmailConfirmed,
		LastLoginAt:    user.LastLoginAt,
	}
}
