package collections

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/registry/internal/auth"
	"github.com/MarcoPoloResearchLab/registry/internal/database"
	"github.com/MarcoPoloResearchLab/registry/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sequentialIDs struct {
	next int
}

func (g *sequentialIDs) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("rec-%d", g.next), nil
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) {
	return "", errors.New("exhausted ids")
}

var storeTime = time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

func newTestService(t *testing.T, ids IDProvider) (*Service, *gorm.DB) {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "api.db"), zap.NewNop(), Schema())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return storeTime },
		IDProvider: ids,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service, db
}

func TestListUnknownCollectionIsEmpty(t *testing.T) {
	service, _ := newTestService(t, &sequentialIDs{})
	list, err := service.List(context.Background(), records.Events)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Fatalf("expected empty collection, got %#v", list)
	}
}

func TestCreateAssignsServerIDAndStampsModified(t *testing.T) {
	service, _ := newTestService(t, &sequentialIDs{})
	ctx := context.Background()

	created, err := service.Create(ctx, records.Residents, records.Record{"id": "local_x", "name": "Juan", "sync_conflict": "x"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.ID() != "rec-1" {
		t.Fatalf("expected server id, got %q", created.ID())
	}
	if created[records.FieldModified] != storeTime.Format(time.RFC3339Nano) {
		t.Fatalf("expected modified stamp, got %#v", created[records.FieldModified])
	}
	if _, ok := created[records.FieldSyncConflict]; ok {
		t.Fatalf("conflict annotation must not be stored")
	}

	preserved, err := service.Create(ctx, records.Residents, records.Record{"name": "Ana", "modified": "2026-01-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if preserved[records.FieldModified] != "2026-01-01T00:00:00Z" {
		t.Fatalf("expected client modified kept, got %#v", preserved[records.FieldModified])
	}

	list, err := service.List(ctx, records.Residents)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 || list[0].ID() != "rec-1" || list[1]["name"] != "Ana" {
		t.Fatalf("unexpected listing %#v", list)
	}
	if other, _ := service.List(ctx, records.Documents); len(other) != 0 {
		t.Fatalf("collections must be isolated, got %#v", other)
	}
}

func TestUpdateReplacesRecord(t *testing.T) {
	service, _ := newTestService(t, &sequentialIDs{})
	ctx := context.Background()
	created, err := service.Create(ctx, records.Officials, records.Record{"name": "Capitan", "term": "2025"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	updated, err := service.Update(ctx, records.Officials, created.ID(), records.Record{"id": "ignored", "name": "Kagawad"})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.ID() != created.ID() || updated["name"] != "Kagawad" {
		t.Fatalf("unexpected update result %#v", updated)
	}
	list, _ := service.List(ctx, records.Officials)
	if len(list) != 1 || list[0]["name"] != "Kagawad" {
		t.Fatalf("expected replaced record, got %#v", list)
	}
	if _, ok := list[0]["term"]; ok {
		t.Fatalf("update must replace the record wholesale")
	}
}

func TestUpdateMissingRecord(t *testing.T) {
	service, _ := newTestService(t, &sequentialIDs{})
	_, err := service.Update(context.Background(), records.Officials, "missing", records.Record{"name": "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "collections.update.not_found" {
		t.Fatalf("unexpected error code: %v", err)
	}
}

func TestDeleteRecord(t *testing.T) {
	service, _ := newTestService(t, &sequentialIDs{})
	ctx := context.Background()
	created, err := service.Create(ctx, records.Complaints, records.Record{"text": "ruido"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := service.Delete(ctx, records.Complaints, created.ID()); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := service.Delete(ctx, records.Complaints, created.ID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestCreateReportsIDFailure(t *testing.T) {
	service, _ := newTestService(t, failingIDs{})
	_, err := service.Create(context.Background(), records.Events, records.Record{"title": "x"})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "collections.create.id_generation_failed" {
		t.Fatalf("unexpected error: %v", err)
	}
}

type staticBackend struct{ storeBackend }

func (staticBackend) List(context.Context, *auth.Identity) ([]records.Record, error) {
	return []records.Record{{"id": "override"}}, nil
}

func TestRegistryLookup(t *testing.T) {
	service, _ := newTestService(t, &sequentialIDs{})
	registry := NewRegistry(service, map[records.Name]Backend{records.Users: staticBackend{}})

	name, backend, err := registry.Lookup(" Users ")
	if err != nil || name != records.Users {
		t.Fatalf("lookup failed: %v", err)
	}
	list, err := backend.List(context.Background(), nil)
	if err != nil || len(list) != 1 || list[0].ID() != "override" {
		t.Fatalf("expected override backend, got %#v err=%v", list, err)
	}

	if _, _, err := registry.Lookup("payments"); !errors.Is(err, records.ErrUnknownCollection) {
		t.Fatalf("expected unknown collection, got %v", err)
	}
	if _, backend, err := registry.Lookup("residents"); err != nil {
		t.Fatalf("lookup failed: %v", err)
	} else if _, ok := backend.(storeBackend); !ok {
		t.Fatalf("expected store backend for residents")
	}
}
