// Package collections is the server-side record store behind the /collections routes.
package collections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/registry/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var noOpLogger = zap.NewNop()

// ServiceConfig describes the dependencies of the record store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service stores records of every collection as JSON documents. Record ids are assigned by the
// server; a client-supplied modified timestamp is kept, otherwise the write time is stamped.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and constructs the store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, NewServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, NewServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// List returns every record of the collection in creation order. An unseen collection is empty.
func (s *Service) List(ctx context.Context, name records.Name) ([]records.Record, error) {
	var rows []StoredRecord
	if err := s.db.WithContext(ctx).
		Where("collection = ?", name.String()).
		Order("created_at ASC, record_id ASC").
		Find(&rows).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("collection", name.String()))
		return nil, NewServiceError(opList, "query_failed", err)
	}

	out := make([]records.Record, 0, len(rows))
	for _, row := range rows {
		record, err := records.DecodeRecord([]byte(row.PayloadJSON))
		if err != nil {
			s.logError(opList, "decode_failed", err,
				zap.String("collection", name.String()),
				zap.String("record_id", row.RecordID))
			return nil, NewServiceError(opList, "decode_failed", err)
		}
		out = append(out, record)
	}
	return out, nil
}

// Create stores a new record under a fresh server id and returns the stored representation.
func (s *Service) Create(ctx context.Context, name records.Name, record records.Record) (records.Record, error) {
	if record == nil {
		return nil, NewServiceError(opCreate, "missing_record", ErrInvalidRecord)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err, zap.String("collection", name.String()))
		return nil, NewServiceError(opCreate, "id_generation_failed", err)
	}

	stored, row, err := s.prepare(name, id, record)
	if err != nil {
		return nil, NewServiceError(opCreate, "encode_failed", err)
	}
	row.CreatedAt = row.UpdatedAt
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opCreate, "insert_failed", err,
			zap.String("collection", name.String()),
			zap.String("record_id", id))
		return nil, NewServiceError(opCreate, "insert_failed", err)
	}
	return stored, nil
}

// Update replaces an existing record and returns the stored representation.
func (s *Service) Update(ctx context.Context, name records.Name, id string, record records.Record) (records.Record, error) {
	id = strings.TrimSpace(id)
	if id == "" || record == nil {
		return nil, NewServiceError(opUpdate, "invalid_request", ErrInvalidRecord)
	}

	var stored records.Record
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing StoredRecord
		err := tx.Where("collection = ? AND record_id = ?", name.String(), id).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NewServiceError(opUpdate, "not_found", ErrNotFound)
		}
		if err != nil {
			s.logError(opUpdate, "select_failed", err, zap.String("collection", name.String()), zap.String("record_id", id))
			return NewServiceError(opUpdate, "select_failed", err)
		}

		next, row, err := s.prepare(name, id, record)
		if err != nil {
			return NewServiceError(opUpdate, "encode_failed", err)
		}
		row.CreatedAt = existing.CreatedAt
		if err := tx.Save(&row).Error; err != nil {
			s.logError(opUpdate, "save_failed", err, zap.String("collection", name.String()), zap.String("record_id", id))
			return NewServiceError(opUpdate, "save_failed", err)
		}
		stored = next
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return stored, nil
}

// Delete removes a record.
func (s *Service) Delete(ctx context.Context, name records.Name, id string) error {
	result := s.db.WithContext(ctx).
		Where("collection = ? AND record_id = ?", name.String(), strings.TrimSpace(id)).
		Delete(&StoredRecord{})
	if result.Error != nil {
		s.logError(opDelete, "delete_failed", result.Error, zap.String("collection", name.String()), zap.String("record_id", id))
		return NewServiceError(opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return NewServiceError(opDelete, "not_found", ErrNotFound)
	}
	return nil
}

func (s *Service) prepare(name records.Name, id string, record records.Record) (records.Record, StoredRecord, error) {
	now := s.clock().UTC()
	stored := record.Clone()
	stored.SetID(id)
	delete(stored, records.FieldSyncConflict)
	if _, ok := stored.Modified(); !ok {
		stored.Stamp(now)
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, StoredRecord{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	modified, _ := stored[records.FieldModified].(string)
	row := StoredRecord{
		Collection:  name.String(),
		RecordID:    id,
		PayloadJSON: string(payload),
		Modified:    modified,
		UpdatedAt:   now,
	}
	return stored, row, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("collections service error", attrs...)
}
