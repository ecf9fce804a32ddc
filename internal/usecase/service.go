package usecase

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"bot-deployer/internal/domain"
	"bot-deployer/internal/keylock"
)

const (
	defaultValidateTimeout = 10 * time.Second
	defaultTransferTimeout = 60 * time.Second
	defaultBuildTimeout    = 5 * time.Minute
	defaultStartTimeout    = 60 * time.Second
	defaultLockTimeout     = 2 * time.Minute
	defaultConversationTTL = time.Hour
	cleanupTimeout         = 30 * time.Second
)

// DefaultAcceptedKinds lists the artifact kinds accepted when none are
// configured. Entries with a slash match the declared MIME type; entries
// starting with a dot match the file extension.
var DefaultAcceptedKinds = []string{"text/x-python", ".py"}

type CredentialValidator interface {
	Validate(ctx context.Context, credential string) bool
}

type ArtifactReceiver interface {
	Receive(ctx context.Context, fileID, credential string) (domain.Artifact, error)
}

type ImageBuilder interface {
	Build(ctx context.Context, a domain.Artifact) (domain.Image, error)
}

type Runtime interface {
	Start(ctx context.Context, spec domain.StartSpec) (string, error)
	Stop(ctx context.Context, handle string) error
	Remove(ctx context.Context, handle string) error
	RemoveImage(ctx context.Context, ref string) error
	PruneImages(ctx context.Context, deploymentID string) error
}

type ConversationStore interface {
	Get(ctx context.Context, conversationID int64) (domain.ConversationState, error)
	Put(ctx context.Context, st domain.ConversationState) error
	Delete(ctx context.Context, conversationID int64) error
}

type DeploymentRegistry interface {
	Get(ctx context.Context, credential string) (domain.DeploymentRecord, error)
	Put(ctx context.Context, rec domain.DeploymentRecord) error
	Update(ctx context.Context, credential string, fn func(*domain.DeploymentRecord) error) (domain.DeploymentRecord, error)
	Delete(ctx context.Context, credential string) (domain.DeploymentRecord, error)
	List(ctx context.Context) ([]domain.DeploymentRecord, error)
}

type PortAllocator interface {
	Allocate() (int, error)
	Release(port int)
}

type EventRecorder interface {
	RecordEvent(ctx context.Context, evt domain.DeploymentEvent) error
}

type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Timeouts bounds each external stage of the pipeline. Zero fields take the
// package defaults.
type Timeouts struct {
	Validate time.Duration
	Transfer time.Duration
	Build    time.Duration
	Start    time.Duration
	Lock     time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Validate <= 0 {
		t.Validate = defaultValidateTimeout
	}
	if t.Transfer <= 0 {
		t.Transfer = defaultTransferTimeout
	}
	if t.Build <= 0 {
		t.Build = defaultBuildTimeout
	}
	if t.Start <= 0 {
		t.Start = defaultStartTimeout
	}
	if t.Lock <= 0 {
		t.Lock = defaultLockTimeout
	}
	return t
}

// Deps are the collaborators of a Service. Events and Locks are optional.
type Deps struct {
	Validator     CredentialValidator
	Receiver      ArtifactReceiver
	Builder       ImageBuilder
	Runtime       Runtime
	Conversations ConversationStore
	Registry      DeploymentRegistry
	Ports         PortAllocator
	Events        EventRecorder
	Locks         Locker
	Logger        *slog.Logger
}

type Options struct {
	Timeouts        Timeouts
	AcceptedKinds   []string
	ConversationTTL time.Duration
	Now             func() time.Time
}

// Service drives the two-step submission flow and the lifecycle commands.
type Service struct {
	validator     CredentialValidator
	receiver      ArtifactReceiver
	builder       ImageBuilder
	runtime       Runtime
	conversations ConversationStore
	registry      DeploymentRegistry
	ports         PortAllocator
	events        EventRecorder
	locks         Locker
	logger        *slog.Logger

	timeouts        Timeouts
	acceptedKinds   []string
	conversationTTL time.Duration
	now             func() time.Time
}

type Outcome string

const (
	// OutcomeCredentialAccepted: the credential validated and the
	// conversation now awaits its artifact.
	OutcomeCredentialAccepted Outcome = "credential_accepted"
	// OutcomeCredentialFirst: an artifact arrived before any credential.
	OutcomeCredentialFirst Outcome = "credential_first"
	// OutcomeArtifactExpected: the conversation awaits an artifact and got
	// something else. State is unchanged.
	OutcomeArtifactExpected Outcome = "artifact_expected"
	OutcomeDeployed         Outcome = "deployed"
)

type Result struct {
	Outcome    Outcome
	Deployment domain.DeploymentRecord
	Redeployed bool
}

// LifecycleInput addresses a deployment from a conversation.
type LifecycleInput struct {
	ConversationID int64
	Credential     string
}

func NewService(d Deps, opts Options) (*Service, error) {
	if d.Validator == nil {
		return nil, errors.New("usecase: validator must not be nil")
	}
	if d.Receiver == nil {
		return nil, errors.New("usecase: artifact receiver must not be nil")
	}
	if d.Builder == nil {
		return nil, errors.New("usecase: image builder must not be nil")
	}
	if d.Runtime == nil {
		return nil, errors.New("usecase: runtime must not be nil")
	}
	if d.Conversations == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if d.Registry == nil {
		return nil, errors.New("usecase: deployment registry must not be nil")
	}
	if d.Ports == nil {
		return nil, errors.New("usecase: port allocator must not be nil")
	}
	if d.Locks == nil {
		d.Locks = &keylock.Map{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	kinds := make([]string, 0, len(opts.AcceptedKinds))
	for _, k := range opts.AcceptedKinds {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			kinds = append(kinds, k)
		}
	}
	if len(kinds) == 0 {
		kinds = append(kinds, DefaultAcceptedKinds...)
	}
	ttl := opts.ConversationTTL
	if ttl <= 0 {
		ttl = defaultConversationTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		validator:       d.Validator,
		receiver:        d.Receiver,
		builder:         d.Builder,
		runtime:         d.Runtime,
		conversations:   d.Conversations,
		registry:        d.Registry,
		ports:           d.Ports,
		events:          d.Events,
		locks:           d.Locks,
		logger:          d.Logger,
		timeouts:        opts.Timeouts.withDefaults(),
		acceptedKinds:   kinds,
		conversationTTL: ttl,
		now:             now,
	}, nil
}

// SubmitText handles free text. In Idle it is a credential submission; while
// an artifact is awaited it only earns a repeat prompt.
func (s *Service) SubmitText(ctx context.Context, conversationID int64, text string) (Result, error) {
	st, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return Result{}, newError(ErrorInternal, "conversation_read_failed", err)
	}
	if st.Awaiting(s.now()) {
		return Result{Outcome: OutcomeArtifactExpected}, nil
	}

	credential := strings.TrimSpace(text)
	if credential == "" {
		return Result{}, newError(ErrorInvalidInput, "empty_credential", nil)
	}

	var valid bool
	timedOut, _ := stage(ctx, s.timeouts.Validate, func(vctx context.Context) error {
		valid = s.validator.Validate(vctx, credential)
		if !valid {
			return errCredentialRejected
		}
		return nil
	})
	if !valid {
		return Result{}, newError(ErrorValidation, reason("validate", timedOut), nil)
	}

	now := s.now()
	err = s.conversations.Put(ctx, domain.ConversationState{
		ConversationID:    conversationID,
		Phase:             domain.PhaseAwaitingArtifact,
		PendingCredential: credential,
		UpdatedAt:         now,
		ExpiresAt:         now.Add(s.conversationTTL),
	})
	if err != nil {
		return Result{}, newError(ErrorInternal, "conversation_write_failed", err)
	}
	return Result{Outcome: OutcomeCredentialAccepted}, nil
}

// SubmitArtifact handles an uploaded document. Once an accepted artifact
// enters the pipeline the conversation returns to Idle whatever the result.
func (s *Service) SubmitArtifact(ctx context.Context, conversationID int64, doc domain.Document) (Result, error) {
	st, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return Result{}, newError(ErrorInternal, "conversation_read_failed", err)
	}
	if !st.Awaiting(s.now()) {
		return Result{Outcome: OutcomeCredentialFirst}, nil
	}
	if !s.accepts(doc) {
		return Result{Outcome: OutcomeArtifactExpected}, nil
	}
	defer s.resetConversation(ctx, conversationID)

	rec, redeployed, err := s.deploy(ctx, conversationID, st.PendingCredential, doc.FileID)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeDeployed, Deployment: rec, Redeployed: redeployed}, nil
}

// Cancel abandons a pending submission. It reports whether one existed.
func (s *Service) Cancel(ctx context.Context, conversationID int64) (bool, error) {
	st, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return false, newError(ErrorInternal, "conversation_read_failed", err)
	}
	if !st.Awaiting(s.now()) {
		return false, nil
	}
	if err := s.conversations.Delete(ctx, conversationID); err != nil {
		return false, newError(ErrorInternal, "conversation_write_failed", err)
	}
	return true, nil
}

func (s *Service) accepts(doc domain.Document) bool {
	mime := strings.ToLower(strings.TrimSpace(doc.MimeType))
	ext := strings.ToLower(filepath.Ext(doc.FileName))
	for _, k := range s.acceptedKinds {
		switch {
		case strings.HasPrefix(k, "."):
			if ext == k {
				return true
			}
		case mime != "" && mime == k:
			return true
		}
	}
	return false
}

// resetConversation clears the pending flow. It runs detached from ctx so a
// cancelled request still leaves the conversation Idle.
func (s *Service) resetConversation(ctx context.Context, conversationID int64) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.conversations.Delete(cctx, conversationID); err != nil {
		s.logger.Error("conversation reset failed", "conversation_id", conversationID, "err", err)
	}
}

var errCredentialRejected = errors.New("credential rejected")

// stage runs fn under a deadline of d. timedOut is true only when that
// deadline, not the parent context, ended a failed call.
func stage(ctx context.Context, d time.Duration, fn func(context.Context) error) (timedOut bool, err error) {
	sctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	err = fn(sctx)
	timedOut = err != nil && ctx.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded)
	return timedOut, err
}

func reason(stageName string, timedOut bool) string {
	if timedOut {
		return stageName + "_timeout"
	}
	return stageName + "_failed"
}
