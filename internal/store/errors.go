package store

import (
	"github.com/roach88/blobcore/internal/ucan"
)

// Failure names. Sentinels below match any failure of the same name via
// errors.Is.
const (
	NameRecordNotFound         = "RecordNotFound"
	NameStorageOperationFailed = "StorageOperationFailed"
	NameEntryNotFound          = "EntryNotFound"
	NameEntryExists            = "EntryExists"
	NameReplicaNotFound        = "ReplicaNotFound"
	NameReplicaExists          = "ReplicaExists"
)

var (
	ErrRecordNotFound         = &ucan.Failure{Name: NameRecordNotFound}
	ErrStorageOperationFailed = &ucan.Failure{Name: NameStorageOperationFailed}
	ErrEntryNotFound          = &ucan.Failure{Name: NameEntryNotFound}
	ErrEntryExists            = &ucan.Failure{Name: NameEntryExists}
	ErrReplicaNotFound        = &ucan.Failure{Name: NameReplicaNotFound}
	ErrReplicaExists          = &ucan.Failure{Name: NameReplicaExists}
)

func recordNotFound(kind string, task ucan.Link) *ucan.Failure {
	return ucan.NewFailure(NameRecordNotFound, "%s for task %s not found", kind, task)
}

func storageFailed(op string, err error) *ucan.Failure {
	return ucan.NewFailure(NameStorageOperationFailed, "%s: %v", op, err)
}
