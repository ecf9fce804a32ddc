package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"bot-deployer/internal/domain"
	"bot-deployer/internal/usecase"
)

const (
	replyHelp = "Send me the token of the bot you want to deploy. Once it is accepted, send the bot's Python source as a .py file.\n\n" +
		"Commands:\n" +
		"/list - show deployments\n" +
		"/stop <token> - stop a deployment\n" +
		"/delete <token> - remove a deployment\n" +
		"/cancel - abandon the current submission"
	replyCredentialAccepted = "Token accepted. Now send the bot's source code as a .py file."
	replyCredentialFirst    = "Send the bot token first."
	replyArtifactExpected   = "Waiting for the source code. Send it as a .py file, or /cancel."
	replyInvalidCredential  = "Invalid token. Check it and send it again."
	replyNotFound           = "No deployment found for that token."
	replyDeployFailed       = "Deployment failed. Please try again later."
	replyCommandFailed      = "Something went wrong. Please try again later."
	replyNoDeployments      = "No deployments."
	replyCancelled          = "Submission cancelled."
	replyNothingToCancel    = "Nothing to cancel."
	replyUnauthorized       = "This bot is private."
	replyUnknownCommand     = "Unknown command. Send /help for the list of commands."
)

// phase labels used in logs. The dispatcher knows which step a message
// targets without reading the conversation store.
const (
	phaseCredential = "idle"
	phaseArtifact   = "awaiting_artifact"
	phaseCommand    = "command"
)

type UseCase interface {
	SubmitText(ctx context.Context, conversationID int64, text string) (usecase.Result, error)
	SubmitArtifact(ctx context.Context, conversationID int64, doc domain.Document) (usecase.Result, error)
	Cancel(ctx context.Context, conversationID int64) (bool, error)
	List(ctx context.Context) ([]domain.DeploymentRecord, error)
	Stop(ctx context.Context, in usecase.LifecycleInput) (domain.DeploymentRecord, error)
	Delete(ctx context.Context, in usecase.LifecycleInput) (domain.DeploymentRecord, error)
}

// Reply is the outbound message for one inbound message.
type Reply struct {
	ConversationID int64
	Text           string
	CorrelationID  string
}

// Handler routes inbound messages to the use case and turns results and
// errors into replies. Internal error detail never reaches a reply.
type Handler struct {
	uc      UseCase
	logger  *slog.Logger
	allowed map[int64]struct{}
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithAllowedChats restricts the handler to the given conversations. An
// empty list allows every conversation.
func WithAllowedChats(ids []int64) Option {
	return func(h *Handler) {
		if len(ids) == 0 {
			h.allowed = nil
			return
		}
		h.allowed = make(map[int64]struct{}, len(ids))
		for _, id := range ids {
			h.allowed[id] = struct{}{}
		}
	}
}

func NewHandler(uc UseCase, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: usecase must not be nil")
	}
	h := &Handler{uc: uc, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

var newCorrelationID = func() string {
	return uuid.NewString()
}

// Handle processes one inbound message and returns the reply to send.
func (h *Handler) Handle(ctx context.Context, in domain.Inbound) Reply {
	reply := Reply{ConversationID: in.ConversationID, CorrelationID: newCorrelationID()}
	logger := h.logger.With("correlation_id", reply.CorrelationID, "conversation_id", in.ConversationID)

	if !h.isAllowed(in.ConversationID) {
		logger.Warn("message from unauthorized conversation", "sender", in.Sender)
		reply.Text = replyUnauthorized
		return reply
	}

	switch {
	case in.Document != nil:
		reply.Text = h.submitArtifact(ctx, logger, in.ConversationID, *in.Document)
	case in.IsCommand():
		reply.Text = h.command(ctx, logger, in.ConversationID, in.Text)
	default:
		reply.Text = h.submitText(ctx, logger, in.ConversationID, in.Text)
	}
	return reply
}

func (h *Handler) isAllowed(conversationID int64) bool {
	if h.allowed == nil {
		return true
	}
	_, ok := h.allowed[conversationID]
	return ok
}

func (h *Handler) submitText(ctx context.Context, logger *slog.Logger, conversationID int64, text string) string {
	res, err := h.uc.SubmitText(ctx, conversationID, text)
	if err != nil {
		h.logError(logger, phaseCredential, err)
		if usecase.CodeOf(err) == usecase.ErrorValidation || usecase.CodeOf(err) == usecase.ErrorInvalidInput {
			return replyInvalidCredential
		}
		return replyCommandFailed
	}
	return outcomeText(res)
}

func (h *Handler) submitArtifact(ctx context.Context, logger *slog.Logger, conversationID int64, doc domain.Document) string {
	res, err := h.uc.SubmitArtifact(ctx, conversationID, doc)
	if err != nil {
		h.logError(logger, phaseArtifact, err)
		return replyDeployFailed
	}
	return outcomeText(res)
}

func (h *Handler) command(ctx context.Context, logger *slog.Logger, conversationID int64, text string) string {
	fields := strings.Fields(text)
	name := strings.ToLower(fields[0])
	// Commands addressed in group chats arrive as /name@botname.
	if at := strings.IndexByte(name, '@'); at > 0 {
		name = name[:at]
	}
	args := fields[1:]

	switch name {
	case "/start", "/help":
		return replyHelp
	case "/cancel":
		cancelled, err := h.uc.Cancel(ctx, conversationID)
		if err != nil {
			h.logError(logger, phaseCommand, err)
			return replyCommandFailed
		}
		if !cancelled {
			return replyNothingToCancel
		}
		return replyCancelled
	case "/list":
		recs, err := h.uc.List(ctx)
		if err != nil {
			h.logError(logger, phaseCommand, err)
			return replyCommandFailed
		}
		return formatList(recs)
	case "/stop", "/delete":
		if len(args) != 1 {
			return "Usage: " + name + " <token>"
		}
		return h.lifecycle(ctx, logger, name, usecase.LifecycleInput{ConversationID: conversationID, Credential: args[0]})
	default:
		return replyUnknownCommand
	}
}

func (h *Handler) lifecycle(ctx context.Context, logger *slog.Logger, name string, in usecase.LifecycleInput) string {
	var (
		rec  domain.DeploymentRecord
		err  error
		verb string
	)
	if name == "/stop" {
		rec, err = h.uc.Stop(ctx, in)
		verb = "Stopped"
	} else {
		rec, err = h.uc.Delete(ctx, in)
		verb = "Deleted"
	}
	if err != nil {
		h.logError(logger, phaseCommand, err)
		switch usecase.CodeOf(err) {
		case usecase.ErrorNotFound:
			return replyNotFound
		case usecase.ErrorInvalidInput:
			return "Usage: " + name + " <token>"
		}
		return replyCommandFailed
	}
	return fmt.Sprintf("%s %s.", verb, domain.MaskCredential(rec.Credential))
}

func outcomeText(res usecase.Result) string {
	switch res.Outcome {
	case usecase.OutcomeCredentialAccepted:
		return replyCredentialAccepted
	case usecase.OutcomeCredentialFirst:
		return replyCredentialFirst
	case usecase.OutcomeArtifactExpected:
		return replyArtifactExpected
	case usecase.OutcomeDeployed:
		verb := "Deployed"
		if res.Redeployed {
			verb = "Redeployed"
		}
		return fmt.Sprintf("%s. Deployment %s is running on host port %d (container %s).",
			verb, res.Deployment.DeploymentID, res.Deployment.HostPort, shortHandle(res.Deployment.RuntimeHandle))
	default:
		return replyCommandFailed
	}
}

func formatList(recs []domain.DeploymentRecord) string {
	if len(recs) == 0 {
		return replyNoDeployments
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Deployments (%d):", len(recs))
	for _, rec := range recs {
		fmt.Fprintf(&b, "\n%s  %s  port %d  container %s",
			domain.MaskCredential(rec.Credential), rec.Status, rec.HostPort, shortHandle(rec.RuntimeHandle))
	}
	return b.String()
}

// shortHandle trims a docker container id to the 12 characters docker prints.
func shortHandle(handle string) string {
	if len(handle) > 12 {
		return handle[:12]
	}
	return handle
}

// logError records a failed request. Expected user conditions are kept out
// of the error log.
func (h *Handler) logError(logger *slog.Logger, phase string, err error) {
	attrs := []any{"phase", phase, "err", err}
	var ue *usecase.Error
	if errors.As(err, &ue) {
		attrs = append(attrs, "code", ue.Code, "reason", ue.Reason)
		if ue.DeploymentID != "" {
			attrs = append(attrs, "deployment_id", ue.DeploymentID)
		}
	} else {
		attrs = append(attrs, "code", usecase.ErrorInternal)
	}

	switch usecase.CodeOf(err) {
	case usecase.ErrorNotFound, usecase.ErrorInvalidInput:
		logger.Info("request rejected", attrs...)
	case usecase.ErrorValidation:
		logger.Warn("credential rejected", attrs...)
	default:
		logger.Error("request failed", attrs...)
	}
}
