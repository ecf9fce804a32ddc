package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"bot-deployer/internal/domain"
)

// Registry maps credentials to their live deployment records. All reads return
// copies, so callers never observe a record while it is being written.
type Registry struct {
	mu      sync.RWMutex
	records map[string]domain.DeploymentRecord
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]domain.DeploymentRecord)}
}

// Get returns the record for credential or ErrNotFound.
func (r *Registry) Get(_ context.Context, credential string) (domain.DeploymentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[credential]
	if !ok {
		return domain.DeploymentRecord{}, ErrNotFound
	}
	return rec, nil
}

// Put inserts rec, replacing any record stored under the same credential.
func (r *Registry) Put(_ context.Context, rec domain.DeploymentRecord) error {
	if strings.TrimSpace(rec.Credential) == "" {
		return fmt.Errorf("%w: record without credential", ErrInvalidArgument)
	}
	if rec.RuntimeHandle == "" {
		return fmt.Errorf("%w: record without runtime handle", ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.Credential] = rec
	return nil
}

// Update applies fn to a copy of the record for credential and stores the
// result if fn returns nil.
func (r *Registry) Update(_ context.Context, credential string, fn func(*domain.DeploymentRecord) error) (domain.DeploymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[credential]
	if !ok {
		return domain.DeploymentRecord{}, ErrNotFound
	}
	if err := fn(&rec); err != nil {
		return domain.DeploymentRecord{}, err
	}
	rec.Credential = credential
	r.records[credential] = rec
	return rec, nil
}

// Delete removes and returns the record for credential.
func (r *Registry) Delete(_ context.Context, credential string) (domain.DeploymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[credential]
	if !ok {
		return domain.DeploymentRecord{}, ErrNotFound
	}
	delete(r.records, credential)
	return rec, nil
}

// List returns a snapshot of all records ordered by creation time.
func (r *Registry) List(_ context.Context) ([]domain.DeploymentRecord, error) {
	r.mu.RLock()
	out := make([]domain.DeploymentRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].DeploymentID < out[j].DeploymentID
	})
	return out, nil
}
