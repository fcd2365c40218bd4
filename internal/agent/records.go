package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/registry/internal/records"
	"go.uber.org/zap"
)

var (
	// ErrRecordNotFound is returned when a local update names an unknown record.
	ErrRecordNotFound = errors.New("agent: record not found")
	// ErrDuplicateRecord is returned when a local create reuses an existing id.
	ErrDuplicateRecord = errors.New("agent: record id already present")
)

// List returns the cached snapshot of a collection.
func (a *Agent) List(ctx context.Context, name records.Name) ([]records.Record, error) {
	return a.cache.LoadCollection(ctx, name)
}

// Create stores a new record locally and schedules the collection for sync. Records without an
// id get a local_ id that the server replaces on the next successful pass.
func (a *Agent) Create(ctx context.Context, name records.Name, record records.Record) (records.Record, error) {
	created := record.Clone()
	if created.ID() == "" {
		id, err := records.NewLocalID()
		if err != nil {
			return nil, fmt.Errorf("agent: generate id: %w", err)
		}
		created.SetID(id)
	}
	created.Stamp(a.clock())

	_, err := a.synchronizer.Mutate(ctx, name, func(current []records.Record) ([]records.Record, error) {
		for _, existing := range current {
			if existing.ID() == created.ID() {
				return nil, ErrDuplicateRecord
			}
		}
		return append(current, created), nil
	})
	if err != nil {
		return nil, err
	}
	a.scheduler.MarkMutation(name)
	a.logger.Debug("local record created", zap.String("collection", name.String()), zap.String("id", created.ID()))
	return created.Clone(), nil
}

// Update replaces a cached record wholesale and schedules the collection for sync. The
// replacement carries no sync_conflict annotation, so a record the server rejected on create is
// offered again with the edited values.
func (a *Agent) Update(ctx context.Context, name records.Name, id string, record records.Record) (records.Record, error) {
	updated := record.Clone()
	updated.SetID(id)
	updated.Stamp(a.clock())

	_, err := a.synchronizer.Mutate(ctx, name, func(current []records.Record) ([]records.Record, error) {
		for index, existing := range current {
			if existing.ID() == id {
				next := append([]records.Record(nil), current...)
				next[index] = updated
				return next, nil
			}
		}
		return nil, ErrRecordNotFound
	})
	if err != nil {
		return nil, err
	}
	a.scheduler.MarkMutation(name)
	a.logger.Debug("local record updated", zap.String("collection", name.String()), zap.String("id", id))
	return updated.Clone(), nil
}
