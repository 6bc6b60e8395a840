// Package auth implements the authentication and session lifecycle of an
// account: registration, email verification, login, refresh token rotation
// and logout.
//
// Service is the entry point. It is wired with a CredentialStore, a
// VerificationTokenStore and a NotificationSink and keeps no state of its
// own between calls. The bun backed repositories in this package satisfy
// both stores; Migrate applies the embedded schema for sqlite or postgres.
//
// Sessions:
//   - SessionIssuer signs HS256 access tokens carrying the user's roles and
//     pairs each one with an opaque refresh token from the TokenGenerator.
//   - A user holds at most one refresh token. Login overwrites it,
//     RefreshToken swaps it with a compare and swap so a presented token can
//     be exchanged once, and Logout clears it.
//
// Verification:
//   - Register creates an unverified account and a single use verification
//     token. VerifyEmail consumes the token with a conditional update, so of
//     several concurrent calls exactly one confirms the email.
//   - Notifications are dispatched off the caller's path. Their outcome is
//     logged and never changes the result of an operation.
//
// Activity sinks:
//   - ActivitySink receives login, refresh, logout, registration and
//     verification events. Sinks run best-effort (errors are logged) so they
//     can forward to a database or queue without blocking authentication.
package auth
