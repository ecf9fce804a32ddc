package usecase

import (
	"context"
	"errors"
	"strings"

	"bot-deployer/internal/domain"
)

// List returns every deployment record. An empty registry yields an empty,
// non-nil slice.
func (s *Service) List(ctx context.Context) ([]domain.DeploymentRecord, error) {
	recs, err := s.registry.List(ctx)
	if err != nil {
		return nil, newError(ErrorInternal, "registry_read_failed", err)
	}
	if recs == nil {
		recs = []domain.DeploymentRecord{}
	}
	return recs, nil
}

// Stop gracefully stops a deployment and keeps its record as Stopped.
// Stopping an already stopped deployment succeeds without touching the
// runtime.
func (s *Service) Stop(ctx context.Context, in LifecycleInput) (domain.DeploymentRecord, error) {
	credential := strings.TrimSpace(in.Credential)
	if credential == "" {
		return domain.DeploymentRecord{}, newError(ErrorInvalidInput, "missing_credential", nil)
	}
	unlock, err := s.lockCredential(ctx, credential)
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	defer unlock()

	rec, err := s.existing(ctx, credential)
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	if rec.Status == domain.DeploymentStatusStopped {
		return rec, nil
	}

	timedOut, err := stage(ctx, s.timeouts.Start, func(sctx context.Context) error {
		return s.runtime.Stop(sctx, rec.RuntimeHandle)
	})
	if err != nil {
		return domain.DeploymentRecord{}, newError(ErrorRuntime, reason("stop", timedOut), err).forDeployment(rec.DeploymentID)
	}

	rec, err = s.registry.Update(ctx, credential, func(r *domain.DeploymentRecord) error {
		r.Status = domain.DeploymentStatusStopped
		r.UpdatedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		return domain.DeploymentRecord{}, newError(ErrorInternal, "registry_write_failed", err)
	}

	s.record(ctx, domain.DeploymentEvent{
		DeploymentID:   rec.DeploymentID,
		ConversationID: in.ConversationID,
		Action:         actionStop,
		Status:         domain.DeploymentStatusStopped,
	})
	return rec, nil
}

// Delete force-removes a deployment's container and image, frees its port
// and drops its record. A failed container removal keeps the record so the
// command can be retried.
func (s *Service) Delete(ctx context.Context, in LifecycleInput) (domain.DeploymentRecord, error) {
	credential := strings.TrimSpace(in.Credential)
	if credential == "" {
		return domain.DeploymentRecord{}, newError(ErrorInvalidInput, "missing_credential", nil)
	}
	unlock, err := s.lockCredential(ctx, credential)
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	defer unlock()

	rec, err := s.existing(ctx, credential)
	if err != nil {
		return domain.DeploymentRecord{}, err
	}

	timedOut, err := stage(ctx, s.timeouts.Start, func(sctx context.Context) error {
		return s.runtime.Remove(sctx, rec.RuntimeHandle)
	})
	if err != nil {
		return domain.DeploymentRecord{}, newError(ErrorRuntime, reason("remove", timedOut), err).forDeployment(rec.DeploymentID)
	}
	s.discardImage(ctx, rec.ImageRef)

	if _, err := s.registry.Delete(ctx, credential); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.DeploymentRecord{}, newError(ErrorInternal, "registry_write_failed", err)
	}
	s.ports.Release(rec.HostPort)

	s.record(ctx, domain.DeploymentEvent{
		DeploymentID:   rec.DeploymentID,
		ConversationID: in.ConversationID,
		Action:         actionDelete,
		Status:         rec.Status,
	})
	return rec, nil
}

func (s *Service) existing(ctx context.Context, credential string) (domain.DeploymentRecord, error) {
	rec, err := s.registry.Get(ctx, credential)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return domain.DeploymentRecord{}, newError(ErrorNotFound, "deployment_not_found", err).forDeployment(domain.Fingerprint(credential))
	case err != nil:
		return domain.DeploymentRecord{}, newError(ErrorInternal, "registry_read_failed", err).forDeployment(domain.Fingerprint(credential))
	}
	return rec, nil
}
