package syncer

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/registry/internal/records"
)

var (
	errMissingRemote       = errors.New("remote store is required")
	errMissingCache        = errors.New("local cache is required")
	errMissingConnectivity = errors.New("connectivity monitor is required")
	errMissingSyncer       = errors.New("synchronizer is required")
)

const (
	opSynchronizerNew = "syncer.synchronizer.new"
	opSchedulerNew    = "syncer.scheduler.new"
	opSync            = "syncer.sync"
	opMutate          = "syncer.mutate"
)

// Push operations reported by PushError.
const (
	OperationUpdate = "update"
	OperationCreate = "create"
)

// SyncError reports a failed merge pass or local mutation. Code has the form operation.reason.
type SyncError struct {
	code       string
	collection records.Name
	err        error
}

func (e *SyncError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s (%s)", e.code, e.collection)
	}
	return fmt.Sprintf("%s (%s): %v", e.code, e.collection, e.err)
}

func (e *SyncError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *SyncError) Code() string {
	return e.code
}

// Collection returns the collection the failure belongs to.
func (e *SyncError) Collection() records.Name {
	return e.collection
}

func newSyncError(operation, reason string, collection records.Name, cause error) error {
	return &SyncError{code: operation + "." + reason, collection: collection, err: cause}
}

// PushError is a per-record push or create failure absorbed during a merge.
// The record stays in the merged set and is retried on the next pass.
type PushError struct {
	Collection records.Name
	RecordID   string
	Operation  string
	Err        error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("syncer: %s %s/%s: %v", e.Operation, e.Collection, e.RecordID, e.Err)
}

func (e *PushError) Unwrap() error {
	return e.Err
}
