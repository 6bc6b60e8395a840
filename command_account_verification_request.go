package auth

import (
	"context"

	goerrors "github.com/goliatone/go-errors"
)

// AccountVerificationMessage carries a verification token and the email it
// should belong to
type AccountVerificationMessage struct {
	Token      string `json:"token" form:"token" query:"token"`
	Email      string `json:"email" form:"email" query:"email"`
	OnResponse func(*OperationResult)
}

func (e AccountVerificationMessage) Type() string { return "user.verify_email" }

// ResendVerificationMessage asks for a fresh verification email
type ResendVerificationMessage struct {
	Email      string `json:"email" form:"email"`
	OnResponse func(*OperationResult)
}

func (e ResendVerificationMessage) Type() string { return "user.resend_verification" }

// AccountVerificationHandler runs VerifyEmail and ResendVerificationEmail
type AccountVerificationHandler struct {
	service *Service
}

// NewAccountVerificationHandler creates the handler
func NewAccountVerificationHandler(service *Service) *AccountVerificationHandler {
	return &AccountVerificationHandler{service: service}
}

func (h *AccountVerificationHandler) Execute(ctx context.Context, event AccountVerificationMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "context cancelled during account verification")
	default:
	}

	if h.service == nil {
		return configurationError("verification handler has no lifecycle service")
	}

	res := h.service.VerifyEmail(ctx, event.Token, event.Email)
	if event.OnResponse != nil {
		event.OnResponse(res)
	}
	return nil
}

// Resend runs ResendVerificationEmail
func (h *AccountVerificationHandler) Resend(ctx context.Context, event ResendVerificationMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "context cancelled during verification resend")
	default:
	}

	if h.service == nil {
		return configurationError("verification handler has no lifecycle service")
	}

	res := h.service.ResendVerificationEmail(ctx, event.Email)
	if event.OnResponse != nil {
		event.OnResponse(res)
	}
	return nil
}
