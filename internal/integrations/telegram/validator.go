package telegram

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
)

// tokenPattern matches the shape of a Bot API token: numeric bot id, colon,
// url-safe secret.
var tokenPattern = regexp.MustCompile(`^[0-9]{4,20}:[A-Za-z0-9_-]{30,64}$`)

// Validator checks candidate bot tokens against the Bot API.
type Validator struct {
	opts   []Option
	logger *slog.Logger
}

// NewValidator creates a Validator. Options apply to the per-candidate client
// used for the getMe call.
func NewValidator(logger *slog.Logger, opts ...Option) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{opts: opts, logger: logger}
}

// WellFormed reports whether credential has the shape of a bot token.
func WellFormed(credential string) bool {
	return tokenPattern.MatchString(credential)
}

// Validate reports whether credential is a well-formed, live bot token. Any
// transport or authority failure yields false; there is no retry.
func (v *Validator) Validate(ctx context.Context, credential string) bool {
	credential = strings.TrimSpace(credential)
	if !WellFormed(credential) {
		return false
	}
	c, err := NewClient(credential, v.opts...)
	if err != nil {
		return false
	}
	me, err := c.GetMe(ctx)
	if err != nil {
		v.logger.Info("token verification failed", "err", err, "unauthorized", isUnauthorized(err))
		return false
	}
	return me.IsBot
}

func isUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}
