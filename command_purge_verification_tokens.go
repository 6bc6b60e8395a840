package auth

import (
	"context"

	goerrors "github.com/goliatone/go-errors"
)

// PurgeVerificationTokensMessage triggers the verification token sweep
type PurgeVerificationTokensMessage struct {
	OnResponse func(removed int64)
}

func (e PurgeVerificationTokensMessage) Type() string { return "verification_tokens.purge" }

// PurgeVerificationTokensHandler runs PurgeVerificationTokens
type PurgeVerificationTokensHandler struct {
	service *Service
	logger  Logger
}

// NewPurgeVerificationTokensHandler creates the handler
func NewPurgeVerificationTokensHandler(service *Service, logger Logger) *PurgeVerificationTokensHandler {
	if logger == nil {
		logger = defLogger{}
	}
	return &PurgeVerificationTokensHandler{service: service, logger: logger}
}

func (h *PurgeVerificationTokensHandler) Execute(ctx context.Context, event PurgeVerificationTokensMessage) error {
	if h.service == nil {
		return configurationError("purge handler has no lifecycle service")
	}

	select {
	case <-ctx.Done():
		return goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "context cancelled during verification token purge")
	default:
	}

	removed, err := h.service.PurgeVerificationTokens(ctx)
	if err != nil {
		return err
	}

	h.logger.Info("purged verification tokens", "count", removed)
	if event.OnResponse != nil {
		event.OnResponse(removed)
	}
	return nil
}
