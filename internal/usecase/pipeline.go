package usecase

import (
	"context"
	"errors"
	"fmt"

	"bot-deployer/internal/domain"
)

const (
	actionDeploy   = "deploy"
	actionRedeploy = "redeploy"
	actionStop     = "stop"
	actionDelete   = "delete"
)

// deploy runs receive, build and start for credential while holding its lock.
// A live deployment under the same credential is replaced only after the new
// image has built. Every failure rolls back what the run created and leaves
// no registry entry for it.
func (s *Service) deploy(ctx context.Context, conversationID int64, credential, fileID string) (domain.DeploymentRecord, bool, error) {
	id := domain.Fingerprint(credential)
	unlock, err := s.lockCredential(ctx, credential)
	if err != nil {
		return domain.DeploymentRecord{}, false, err
	}
	defer unlock()

	fail := func(uerr *Error) (domain.DeploymentRecord, bool, error) {
		uerr.forDeployment(id)
		s.record(ctx, domain.DeploymentEvent{
			DeploymentID:   id,
			ConversationID: conversationID,
			Action:         actionDeploy,
			Detail:         fmt.Sprintf("%s: %s", uerr.Code, uerr.Reason),
		})
		return domain.DeploymentRecord{}, false, uerr
	}
	s.record(ctx, domain.DeploymentEvent{
		DeploymentID:   id,
		ConversationID: conversationID,
		Action:         actionDeploy,
		Status:         domain.DeploymentStatusBuilding,
	})

	var art domain.Artifact
	timedOut, err := stage(ctx, s.timeouts.Transfer, func(sctx context.Context) error {
		var rerr error
		art, rerr = s.receiver.Receive(sctx, fileID, credential)
		return rerr
	})
	if err != nil {
		return fail(newError(ErrorTransfer, reason("transfer", timedOut), err))
	}

	prev, hasPrev, err := s.lookup(ctx, credential)
	if err != nil {
		return fail(newError(ErrorInternal, "registry_read_failed", err))
	}

	// docker tags an image only when its build succeeds, so a failed build
	// leaves nothing to remove and the previous image in place.
	var img domain.Image
	timedOut, err = stage(ctx, s.timeouts.Build, func(sctx context.Context) error {
		var berr error
		img, berr = s.builder.Build(sctx, art)
		return berr
	})
	if err != nil {
		return fail(newError(ErrorBuild, reason("build", timedOut), err))
	}

	if hasPrev {
		if err := s.teardown(ctx, prev); err != nil {
			return fail(newError(ErrorRuntime, "teardown_failed", err))
		}
	}

	port, err := s.ports.Allocate()
	if err != nil {
		s.discardImage(ctx, img.Ref)
		return fail(newError(ErrorRuntime, "port_unavailable", err))
	}

	var handle string
	timedOut, err = stage(ctx, s.timeouts.Start, func(sctx context.Context) error {
		var serr error
		handle, serr = s.runtime.Start(sctx, domain.StartSpec{
			DeploymentID: id,
			ImageRef:     img.Ref,
			Credential:   credential,
			HostPort:     port,
		})
		return serr
	})
	if err != nil {
		s.ports.Release(port)
		s.discardImage(ctx, img.Ref)
		return fail(newError(ErrorRuntime, reason("start", timedOut), err))
	}

	now := s.now().UTC()
	rec := domain.DeploymentRecord{
		Credential:    credential,
		DeploymentID:  id,
		ImageRef:      img.Ref,
		RuntimeHandle: handle,
		HostPort:      port,
		Status:        domain.DeploymentStatusRunning,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.registry.Put(ctx, rec); err != nil {
		s.discardContainer(ctx, handle)
		s.ports.Release(port)
		s.discardImage(ctx, img.Ref)
		return fail(newError(ErrorInternal, "registry_write_failed", err))
	}

	action := actionDeploy
	if hasPrev {
		action = actionRedeploy
		// The rebuilt tag moved to the new image; the old one is now dangling.
		s.pruneImages(ctx, id)
	}
	s.record(ctx, domain.DeploymentEvent{
		DeploymentID:   id,
		ConversationID: conversationID,
		Action:         action,
		Status:         domain.DeploymentStatusRunning,
		Detail:         fmt.Sprintf("host port %d", port),
	})
	s.logger.Info("deployment running",
		"deployment_id", id,
		"conversation_id", conversationID,
		"host_port", port,
		"redeploy", hasPrev,
	)
	return rec, hasPrev, nil
}

// teardown removes the runtime instance of a deployment being replaced and
// frees its registry entry and port. The image is kept: the replacement has
// already been built under the same tag. Its predecessor is pruned once the
// replacement runs.
func (s *Service) teardown(ctx context.Context, prev domain.DeploymentRecord) error {
	_, err := stage(ctx, s.timeouts.Start, func(sctx context.Context) error {
		return s.runtime.Remove(sctx, prev.RuntimeHandle)
	})
	if err != nil {
		return err
	}
	if _, err := s.registry.Delete(ctx, prev.Credential); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	s.ports.Release(prev.HostPort)
	return nil
}

func (s *Service) lookup(ctx context.Context, credential string) (domain.DeploymentRecord, bool, error) {
	rec, err := s.registry.Get(ctx, credential)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return domain.DeploymentRecord{}, false, nil
	case err != nil:
		return domain.DeploymentRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Service) lockCredential(ctx context.Context, credential string) (func(), error) {
	lctx, cancel := context.WithTimeout(ctx, s.timeouts.Lock)
	defer cancel()
	id := domain.Fingerprint(credential)
	unlock, err := s.locks.Lock(lctx, id)
	if err != nil {
		return nil, newError(ErrorConcurrency, "lock_timeout", err).forDeployment(id)
	}
	return unlock, nil
}

// discardImage and discardContainer are best-effort rollbacks. They run on
// their own deadline because ctx may be the reason the stage failed.
func (s *Service) discardImage(ctx context.Context, ref string) {
	if ref == "" {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.runtime.RemoveImage(cctx, ref); err != nil {
		s.logger.Warn("image cleanup failed", "image", ref, "err", err)
	}
}

func (s *Service) pruneImages(ctx context.Context, deploymentID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.runtime.PruneImages(cctx, deploymentID); err != nil {
		s.logger.Warn("image prune failed", "deployment_id", deploymentID, "err", err)
	}
}

func (s *Service) discardContainer(ctx context.Context, handle string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.runtime.Remove(cctx, handle); err != nil {
		s.logger.Warn("container cleanup failed", "container", handle, "err", err)
	}
}

// record appends an audit entry. Journal failures never fail the operation.
func (s *Service) record(ctx context.Context, evt domain.DeploymentEvent) {
	if s.events == nil {
		return
	}
	evt.At = s.now().UTC()
	if err := s.events.RecordEvent(context.WithoutCancel(ctx), evt); err != nil {
		s.logger.Warn("deployment event not recorded",
			"deployment_id", evt.DeploymentID,
			"action", evt.Action,
			"err", err,
		)
	}
}
