package auth

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// registerTimeout bounds a single registration, hashing included
const registerTimeout = 10 * time.Second

// RegisterUserMessage asks for a new account. OnResponse receives the
// lifecycle result, failures included.
type RegisterUserMessage struct {
	Request    RegisterRequest
	OnResponse func(*RegisterResult)
}

func (e RegisterUserMessage) Type() string { return "user.register" }

// RegisterUserHandler runs Register for a RegisterUserMessage
type RegisterUserHandler struct {
	service *Service
	timeout time.Duration
}

// NewRegisterUserHandler creates the handler
func NewRegisterUserHandler(service *Service) *RegisterUserHandler {
	return &RegisterUserHandler{service: service, timeout: registerTimeout}
}

// Execute only returns an error when the command could not run at all.
// Business failures travel in the RegisterResult.
func (h *RegisterUserHandler) Execute(ctx context.Context, event RegisterUserMessage) error {
	if h.service == nil {
		return configurationError("register handler has no lifecycle service")
	}

	if err := ctx.Err(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "context cancelled during user registration")
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	res := h.service.Register(ctx, event.Request)
	if event.OnResponse != nil {
		event.OnResponse(res)
	}
	return nil
}
