package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bot-deployer/internal/domain"
	"bot-deployer/internal/keylock"
	"bot-deployer/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeValidator struct {
	mu    sync.Mutex
	valid map[string]bool
	calls int
}

func (v *fakeValidator) Validate(_ context.Context, credential string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return v.valid[credential]
}

type fakeReceiver struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (r *fakeReceiver) Receive(_ context.Context, fileID, credential string) (domain.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return domain.Artifact{}, r.err
	}
	id := domain.Fingerprint(credential)
	return domain.Artifact{DeploymentID: id, Dir: "/artifacts/" + id, Path: "/artifacts/" + id + "/bot.py", Size: int64(len(fileID))}, nil
}

type fakeBuilder struct {
	mu          sync.Mutex
	err         error
	delay       time.Duration
	blockOnCtx  bool
	refs        map[string]int
	inflight    int
	maxInflight int
}

func (b *fakeBuilder) Build(ctx context.Context, a domain.Artifact) (domain.Image, error) {
	b.mu.Lock()
	b.inflight++
	if b.inflight > b.maxInflight {
		b.maxInflight = b.inflight
	}
	delay, block, err := b.delay, b.blockOnCtx, b.err
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.inflight--
		b.mu.Unlock()
	}()

	if block {
		<-ctx.Done()
		return domain.Image{}, ctx.Err()
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return domain.Image{}, err
	}

	ref := "bot-deployer/bot:" + a.DeploymentID
	b.mu.Lock()
	if b.refs == nil {
		b.refs = make(map[string]int)
	}
	b.refs[ref]++
	b.mu.Unlock()
	return domain.Image{Ref: ref, DeploymentID: a.DeploymentID}, nil
}

type fakeRuntime struct {
	mu            sync.Mutex
	startErr      error
	stopErr       error
	removeErr     error
	seq           int
	running       map[string]domain.StartSpec
	lastSpec      domain.StartSpec
	stopCalls     int
	removed       []string
	removedImages []string
	pruned        []string
	pruneErr      error
}

func (r *fakeRuntime) Start(_ context.Context, spec domain.StartSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSpec = spec
	if r.startErr != nil {
		return "", r.startErr
	}
	r.seq++
	handle := fmt.Sprintf("c-%d", r.seq)
	if r.running == nil {
		r.running = make(map[string]domain.StartSpec)
	}
	r.running[handle] = spec
	return handle, nil
}

func (r *fakeRuntime) Stop(_ context.Context, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopCalls++
	return r.stopErr
}

func (r *fakeRuntime) Remove(_ context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removeErr != nil {
		return r.removeErr
	}
	r.removed = append(r.removed, handle)
	delete(r.running, handle)
	return nil
}

func (r *fakeRuntime) RemoveImage(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removedImages = append(r.removedImages, ref)
	return nil
}

func (r *fakeRuntime) PruneImages(_ context.Context, deploymentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruned = append(r.pruned, deploymentID)
	return r.pruneErr
}

func (r *fakeRuntime) runningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

type fakeEvents struct {
	mu     sync.Mutex
	events []domain.DeploymentEvent
	err    error
}

func (e *fakeEvents) RecordEvent(_ context.Context, evt domain.DeploymentEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
	return e.err
}

type harness struct {
	svc       *Service
	clock     *fakeClock
	validator *fakeValidator
	receiver  *fakeReceiver
	builder   *fakeBuilder
	runtime   *fakeRuntime
	convs     *store.Conversations
	registry  *store.Registry
	ports     *store.PortPool
	events    *fakeEvents
	locks     *keylock.Map
}

const (
	credT1 = "111111:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	credT2 = "222222:BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
)

var pyDoc = domain.Document{FileID: "file-1", FileName: "hello.py", MimeType: "text/x-python"}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	ports, err := store.NewPortPool(31001, 31999, store.WithFreeCheck(func(int) bool { return true }))
	require.NoError(t, err)

	h := &harness{
		clock:     clock,
		validator: &fakeValidator{valid: map[string]bool{credT1: true, credT2: true}},
		receiver:  &fakeReceiver{},
		builder:   &fakeBuilder{},
		runtime:   &fakeRuntime{},
		convs:     store.NewConversations(clock.Now),
		registry:  store.NewRegistry(),
		ports:     ports,
		events:    &fakeEvents{},
		locks:     &keylock.Map{},
	}
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	svc, err := NewService(Deps{
		Validator:     h.validator,
		Receiver:      h.receiver,
		Builder:       h.builder,
		Runtime:       h.runtime,
		Conversations: h.convs,
		Registry:      h.registry,
		Ports:         h.ports,
		Events:        h.events,
		Locks:         h.locks,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, opts)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) await(t *testing.T, conversationID int64, credential string) {
	t.Helper()
	res, err := h.svc.SubmitText(context.Background(), conversationID, credential)
	require.NoError(t, err)
	require.Equal(t, OutcomeCredentialAccepted, res.Outcome)
}

func (h *harness) phase(t *testing.T, conversationID int64) domain.Phase {
	t.Helper()
	st, err := h.convs.Get(context.Background(), conversationID)
	require.NoError(t, err)
	return st.Phase
}

func requireCode(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var ue *Error
	require.True(t, errors.As(err, &ue), "expected *usecase.Error, got %v", err)
	require.Equal(t, code, ue.Code)
	if reason != "" {
		require.Equal(t, reason, ue.Reason)
	}
}

func TestNewService_RequiresDeps(t *testing.T) {
	_, err := NewService(Deps{}, Options{})
	require.ErrorContains(t, err, "validator")

	h := newHarness(t, Options{})
	_, err = NewService(Deps{
		Validator:     h.validator,
		Receiver:      h.receiver,
		Builder:       h.builder,
		Runtime:       h.runtime,
		Conversations: h.convs,
		Registry:      h.registry,
	}, Options{})
	require.ErrorContains(t, err, "port allocator")
}

func TestSubmitText_InvalidCredentialStaysIdleAndCanRetry(t *testing.T) {
	h := newHarness(t, Options{})

	_, err := h.svc.SubmitText(context.Background(), 7, "not-a-token")
	requireCode(t, err, ErrorValidation, "validate_failed")
	require.Equal(t, domain.PhaseIdle, h.phase(t, 7))

	h.await(t, 7, " "+credT1+" ")
	st, err := h.convs.Get(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, domain.PhaseAwaitingArtifact, st.Phase)
	require.Equal(t, credT1, st.PendingCredential)
	require.Equal(t, h.clock.Now().Add(defaultConversationTTL), st.ExpiresAt)
}

func TestSubmitText_EmptyIsInvalidInput(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.svc.SubmitText(context.Background(), 7, "   ")
	requireCode(t, err, ErrorInvalidInput, "empty_credential")
	require.Zero(t, h.validator.calls)
}

func TestSubmitText_WhileAwaitingRepeatsPrompt(t *testing.T) {
	h := newHarness(t, Options{})
	h.await(t, 7, credT1)

	res, err := h.svc.SubmitText(context.Background(), 7, credT2)
	require.NoError(t, err)
	require.Equal(t, OutcomeArtifactExpected, res.Outcome)
	require.Equal(t, 1, h.validator.calls)

	st, err := h.convs.Get(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, credT1, st.PendingCredential)
}

func TestSubmitArtifact_IdleAsksForCredential(t *testing.T) {
	h := newHarness(t, Options{})
	res, err := h.svc.SubmitArtifact(context.Background(), 7, pyDoc)
	require.NoError(t, err)
	require.Equal(t, OutcomeCredentialFirst, res.Outcome)
	require.Zero(t, h.receiver.calls)
}

func TestSubmitArtifact_WrongKindKeepsAwaiting(t *testing.T) {
	h := newHarness(t, Options{})
	h.await(t, 7, credT1)

	res, err := h.svc.SubmitArtifact(context.Background(), 7, domain.Document{FileID: "f", FileName: "bot.js", MimeType: "text/javascript"})
	require.NoError(t, err)
	require.Equal(t, OutcomeArtifactExpected, res.Outcome)
	require.Equal(t, domain.PhaseAwaitingArtifact, h.phase(t, 7))
	require.Zero(t, h.receiver.calls)
}

func TestSubmitArtifact_ExpiredFlowReadsIdle(t *testing.T) {
	h := newHarness(t, Options{ConversationTTL: time.Minute})
	h.await(t, 7, credT1)
	h.clock.Advance(time.Minute)

	res, err := h.svc.SubmitArtifact(context.Background(), 7, pyDoc)
	require.NoError(t, err)
	require.Equal(t, OutcomeCredentialFirst, res.Outcome)
}

func TestAccepts(t *testing.T) {
	h := newHarness(t, Options{})
	require.True(t, h.svc.accepts(domain.Document{FileName: "bot.PY", MimeType: "application/octet-stream"}))
	require.True(t, h.svc.accepts(domain.Document{FileName: "noext", MimeType: "text/x-python"}))
	require.False(t, h.svc.accepts(domain.Document{FileName: "bot.txt", MimeType: "text/plain"}))
	require.False(t, h.svc.accepts(domain.Document{}))

	custom := newHarness(t, Options{AcceptedKinds: []string{" .JS ", ""}})
	require.True(t, custom.svc.accepts(domain.Document{FileName: "bot.js"}))
	require.False(t, custom.svc.accepts(pyDoc))
}

func TestScenario_DeployListStopDelete(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	h.await(t, 7, credT1)
	res, err := h.svc.SubmitArtifact(ctx, 7, pyDoc)
	require.NoError(t, err)
	require.Equal(t, OutcomeDeployed, res.Outcome)
	require.False(t, res.Redeployed)
	require.Equal(t, 31001, res.Deployment.HostPort)
	require.Equal(t, domain.PhaseIdle, h.phase(t, 7))
	require.Equal(t, credT1, h.runtime.lastSpec.Credential)
	require.Equal(t, 31001, h.runtime.lastSpec.HostPort)

	recs, err := h.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, credT1, recs[0].Credential)
	require.Equal(t, domain.DeploymentStatusRunning, recs[0].Status)
	require.Equal(t, 31001, recs[0].HostPort)

	in := LifecycleInput{ConversationID: 7, Credential: credT1}
	stopped, err := h.svc.Stop(ctx, in)
	require.NoError(t, err)
	require.Equal(t, domain.DeploymentStatusStopped, stopped.Status)

	recs, err = h.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, domain.DeploymentStatusStopped, recs[0].Status)
	require.Equal(t, 31001, recs[0].HostPort)
	require.Equal(t, res.Deployment.RuntimeHandle, recs[0].RuntimeHandle)

	again, err := h.svc.Stop(ctx, in)
	require.NoError(t, err)
	require.Equal(t, domain.DeploymentStatusStopped, again.Status)
	require.Equal(t, 1, h.runtime.stopCalls)

	_, err = h.svc.Delete(ctx, in)
	require.NoError(t, err)
	require.Contains(t, h.runtime.removed, res.Deployment.RuntimeHandle)
	require.Contains(t, h.runtime.removedImages, res.Deployment.ImageRef)
	require.Zero(t, h.ports.Reserved())

	recs, err = h.svc.List(ctx)
	require.NoError(t, err)
	require.NotNil(t, recs)
	require.Empty(t, recs)

	_, err = h.svc.Delete(ctx, in)
	requireCode(t, err, ErrorNotFound, "deployment_not_found")
}

func TestLifecycle_UnknownCredentialIsNotFound(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.await(t, 1, credT2)
	_, err := h.svc.SubmitArtifact(ctx, 1, pyDoc)
	require.NoError(t, err)

	_, err = h.svc.Stop(ctx, LifecycleInput{Credential: credT1})
	requireCode(t, err, ErrorNotFound, "")
	_, err = h.svc.Delete(ctx, LifecycleInput{Credential: credT1})
	requireCode(t, err, ErrorNotFound, "")

	recs, err := h.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, domain.DeploymentStatusRunning, recs[0].Status)
	require.Zero(t, h.runtime.stopCalls)
}

func TestLifecycle_MissingCredentialIsInvalidInput(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.svc.Stop(context.Background(), LifecycleInput{Credential: " "})
	requireCode(t, err, ErrorInvalidInput, "missing_credential")
	_, err = h.svc.Delete(context.Background(), LifecycleInput{})
	requireCode(t, err, ErrorInvalidInput, "missing_credential")
}

func TestStop_RuntimeFailureKeepsRunning(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.await(t, 7, credT1)
	_, err := h.svc.SubmitArtifact(ctx, 7, pyDoc)
	require.NoError(t, err)

	h.runtime.stopErr = errors.New("daemon gone")
	_, err = h.svc.Stop(ctx, LifecycleInput{Credential: credT1})
	requireCode(t, err, ErrorRuntime, "stop_failed")

	rec, err := h.registry.Get(ctx, credT1)
	require.NoError(t, err)
	require.Equal(t, domain.DeploymentStatusRunning, rec.Status)
}

func TestDelete_RuntimeFailureKeepsRecord(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.await(t, 7, credT1)
	_, err := h.svc.SubmitArtifact(ctx, 7, pyDoc)
	require.NoError(t, err)

	h.runtime.removeErr = errors.New("daemon gone")
	_, err = h.svc.Delete(ctx, LifecycleInput{Credential: credT1})
	requireCode(t, err, ErrorRuntime, "remove_failed")

	_, err = h.registry.Get(ctx, credT1)
	require.NoError(t, err)
	require.Equal(t, 1, h.ports.Reserved())
}

func TestSubmitArtifact_DistinctPortsPerDeployment(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	h.await(t, 1, credT1)
	r1, err := h.svc.SubmitArtifact(ctx, 1, pyDoc)
	require.NoError(t, err)
	h.await(t, 2, credT2)
	r2, err := h.svc.SubmitArtifact(ctx, 2, pyDoc)
	require.NoError(t, err)

	require.Equal(t, 31001, r1.Deployment.HostPort)
	require.Equal(t, 31002, r2.Deployment.HostPort)
	require.NotEqual(t, r1.Deployment.ImageRef, r2.Deployment.ImageRef)
	require.Equal(t, 2, h.runtime.runningCount())
}

func TestSubmitArtifact_TransferFailureResetsToIdle(t *testing.T) {
	h := newHarness(t, Options{})
	h.receiver.err = errors.New("connection reset")
	h.await(t, 7, credT1)

	_, err := h.svc.SubmitArtifact(context.Background(), 7, pyDoc)
	requireCode(t, err, ErrorTransfer, "transfer_failed")
	require.ErrorContains(t, err, "connection reset")
	require.Equal(t, domain.PhaseIdle, h.phase(t, 7))
	require.Empty(t, h.builder.refs)
	require.Zero(t, h.ports.Reserved())
}

func TestSubmitArtifact_BuildFailureLeavesNoRecord(t *testing.T) {
	h := newHarness(t, Options{})
	h.builder.err = errors.New("syntax error")
	h.await(t, 7, credT1)

	_, err := h.svc.SubmitArtifact(context.Background(), 7, pyDoc)
	requireCode(t, err, ErrorBuild, "build_failed")
	require.Equal(t, domain.PhaseIdle, h.phase(t, 7))

	recs, err := h.svc.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, recs)
	require.Zero(t, h.ports.Reserved())
	require.Zero(t, h.runtime.runningCount())
}

func TestSubmitArtifact_BuildTimeout(t *testing.T) {
	h := newHarness(t, Options{Timeouts: Timeouts{Build: 20 * time.Millisecond}})
	h.builder.blockOnCtx = true
	h.await(t, 7, credT1)

	_, err := h.svc.SubmitArtifact(context.Background(), 7, pyDoc)
	requireCode(t, err, ErrorBuild, "build_timeout")
	require.Equal(t, domain.PhaseIdle, h.phase(t, 7))
}

func TestSubmitArtifact_StartFailureRollsBack(t *testing.T) {
	h := newHarness(t, Options{})
	h.runtime.startErr = errors.New("port already allocated")
	h.await(t, 7, credT1)

	_, err := h.svc.SubmitArtifact(context.Background(), 7, pyDoc)
	requireCode(t, err, ErrorRuntime, "start_failed")
	require.Equal(t, domain.PhaseIdle, h.phase(t, 7))
	require.Zero(t, h.ports.Reserved())
	require.Equal(t, []string{"bot-deployer/bot:" + domain.Fingerprint(credT1)}, h.runtime.removedImages)

	_, err = h.registry.Get(context.Background(), credT1)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSubmitArtifact_PortsExhausted(t *testing.T) {
	h := newHarness(t, Options{})
	ports, err := store.NewPortPool(31001, 31001, store.WithFreeCheck(func(int) bool { return false }))
	require.NoError(t, err)
	h.svc.ports = ports
	h.await(t, 7, credT1)

	_, err = h.svc.SubmitArtifact(context.Background(), 7, pyDoc)
	requireCode(t, err, ErrorRuntime, "port_unavailable")
	require.ErrorIs(t, err, store.ErrPortsExhausted)
	require.Len(t, h.runtime.removedImages, 1)
}

func TestSubmitArtifact_RedeployReplacesLiveDeployment(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	h.await(t, 7, credT1)
	first, err := h.svc.SubmitArtifact(ctx, 7, pyDoc)
	require.NoError(t, err)
	require.Empty(t, h.runtime.pruned)

	h.await(t, 7, credT1)
	second, err := h.svc.SubmitArtifact(ctx, 7, pyDoc)
	require.NoError(t, err)
	require.True(t, second.Redeployed)
	require.NotEqual(t, first.Deployment.RuntimeHandle, second.Deployment.RuntimeHandle)
	require.Equal(t, 31001, second.Deployment.HostPort)
	require.Contains(t, h.runtime.removed, first.Deployment.RuntimeHandle)
	require.Empty(t, h.runtime.removedImages)
	require.Equal(t, []string{second.Deployment.DeploymentID}, h.runtime.pruned)

	recs, err := h.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, 1, h.runtime.runningCount())
	require.Equal(t, 1, h.ports.Reserved())
}

func TestSubmitArtifact_RedeployPruneFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, Options{})
	h.runtime.pruneErr = errors.New("daemon busy")
	ctx := context.Background()

	h.await(t, 7, credT1)
	_, err := h.svc.SubmitArtifact(ctx, 7, pyDoc)
	require.NoError(t, err)

	h.await(t, 7, credT1)
	res, err := h.svc.SubmitArtifact(ctx, 7, pyDoc)
	require.NoError(t, err)
	require.True(t, res.Redeployed)
	require.Len(t, h.runtime.pruned, 1)
}

func TestSubmitArtifact_RedeployBuildFailureKeepsPrevious(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	h.await(t, 7, credT1)
	first, err := h.svc.SubmitArtifact(ctx, 7, pyDoc)
	require.NoError(t, err)

	h.builder.err = errors.New("syntax error")
	h.await(t, 7, credT1)
	_, err = h.svc.SubmitArtifact(ctx, 7, pyDoc)
	requireCode(t, err, ErrorBuild, "")

	rec, err := h.registry.Get(ctx, credT1)
	require.NoError(t, err)
	require.Equal(t, first.Deployment.RuntimeHandle, rec.RuntimeHandle)
	require.Equal(t, 1, h.runtime.runningCount())
	require.Empty(t, h.runtime.pruned)
}

func TestSubmitArtifact_ConcurrentSameCredential(t *testing.T) {
	h := newHarness(t, Options{})
	h.builder.delay = 20 * time.Millisecond
	h.await(t, 1, credT1)
	h.await(t, 2, credT1)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.svc.SubmitArtifact(context.Background(), int64(i+1), pyDoc)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.NotEqual(t, results[0].Redeployed, results[1].Redeployed)
	require.Equal(t, 1, h.builder.maxInflight)
	require.Len(t, h.builder.refs, 1)
	require.Equal(t, 1, h.runtime.runningCount())

	recs, err := h.svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, domain.PhaseIdle, h.phase(t, 1))
	require.Equal(t, domain.PhaseIdle, h.phase(t, 2))
}

func TestSubmitArtifact_LockTimeoutIsConcurrencyError(t *testing.T) {
	h := newHarness(t, Options{Timeouts: Timeouts{Lock: 20 * time.Millisecond}})
	h.await(t, 7, credT1)

	unlock, err := h.locks.Lock(context.Background(), domain.Fingerprint(credT1))
	require.NoError(t, err)
	defer unlock()

	_, err = h.svc.SubmitArtifact(context.Background(), 7, pyDoc)
	requireCode(t, err, ErrorConcurrency, "lock_timeout")
	var ue *Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, domain.Fingerprint(credT1), ue.DeploymentID)
	require.Equal(t, domain.PhaseIdle, h.phase(t, 7))
	require.Zero(t, h.receiver.calls)

	_, err = h.svc.Stop(context.Background(), LifecycleInput{Credential: credT1})
	requireCode(t, err, ErrorConcurrency, "lock_timeout")
}

func TestCancel(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	cancelled, err := h.svc.Cancel(ctx, 7)
	require.NoError(t, err)
	require.False(t, cancelled)

	h.await(t, 7, credT1)
	cancelled, err = h.svc.Cancel(ctx, 7)
	require.NoError(t, err)
	require.True(t, cancelled)
	require.Equal(t, domain.PhaseIdle, h.phase(t, 7))
}

func TestEventsRecorded(t *testing.T) {
	h := newHarness(t, Options{})
	h.events.err = errors.New("journal down")
	ctx := context.Background()

	h.await(t, 7, credT1)
	_, err := h.svc.SubmitArtifact(ctx, 7, pyDoc)
	require.NoError(t, err)
	_, err = h.svc.Stop(ctx, LifecycleInput{ConversationID: 7, Credential: credT1})
	require.NoError(t, err)
	_, err = h.svc.Delete(ctx, LifecycleInput{ConversationID: 7, Credential: credT1})
	require.NoError(t, err)

	var actions []string
	for _, evt := range h.events.events {
		require.Equal(t, domain.Fingerprint(credT1), evt.DeploymentID)
		require.Equal(t, int64(7), evt.ConversationID)
		require.NotContains(t, evt.Detail, credT1)
		actions = append(actions, evt.Action+"/"+string(evt.Status))
	}
	require.Equal(t, []string{"deploy/building", "deploy/running", "stop/stopped", "delete/stopped"}, actions)
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, ErrorNotFound, CodeOf(fmt.Errorf("wrap: %w", newError(ErrorNotFound, "x", nil))))
	require.Equal(t, ErrorInternal, CodeOf(errors.New("plain")))
}
