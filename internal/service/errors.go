package service

import (
	"github.com/roach88/blobcore/internal/ucan"
)

const (
	NameUnsupported                      = "Unsupported"
	NameReplicationCountRangeError       = "ReplicationCountRangeError"
	NameReplicationSourceNotFound        = "ReplicationSourceNotFound"
	NameInvalidReplicationSite           = "InvalidReplicationSite"
	NameAllocationExecutionFailure       = "AllocationExecutionFailure"
	NameAllocationFailure                = "AllocationFailure"
	NameMissingEffect                    = "MissingEffect"
	NameReceiptNotFound                  = "ReceiptNotFound"
	NameInvalidReplicaTransferCause      = "InvalidReplicaTransferCause"
	NameUnknownReplicaAllocation         = "UnknownReplicaAllocation"
	NameReplicaTransferParameterMismatch = "ReplicaTransferParameterMismatch"
	NameIndexNotFound                    = "IndexNotFound"
	NameShardNotFound                    = "ShardNotFound"
	NameSliceNotFound                    = "SliceNotFound"
)

var (
	ErrUnsupported                      = &ucan.Failure{Name: NameUnsupported}
	ErrReplicationCountRangeError       = &ucan.Failure{Name: NameReplicationCountRangeError}
	ErrReplicationSourceNotFound        = &ucan.Failure{Name: NameReplicationSourceNotFound}
	ErrInvalidReplicationSite           = &ucan.Failure{Name: NameInvalidReplicationSite}
	ErrAllocationExecutionFailure       = &ucan.Failure{Name: NameAllocationExecutionFailure}
	ErrAllocationFailure                = &ucan.Failure{Name: NameAllocationFailure}
	ErrMissingEffect                    = &ucan.Failure{Name: NameMissingEffect}
	ErrReceiptNotFound                  = &ucan.Failure{Name: NameReceiptNotFound}
	ErrInvalidReplicaTransferCause      = &ucan.Failure{Name: NameInvalidReplicaTransferCause}
	ErrUnknownReplicaAllocation         = &ucan.Failure{Name: NameUnknownReplicaAllocation}
	ErrReplicaTransferParameterMismatch = &ucan.Failure{Name: NameReplicaTransferParameterMismatch}
	ErrIndexNotFound                    = &ucan.Failure{Name: NameIndexNotFound}
	ErrShardNotFound                    = &ucan.Failure{Name: NameShardNotFound}
	ErrSliceNotFound                    = &ucan.Failure{Name: NameSliceNotFound}
)

func invalidSite(format string, args ...any) *ucan.Failure {
	return ucan.NewFailure(NameInvalidReplicationSite, format, args...)
}
