package storagenode

import (
	"github.com/roach88/blobcore/internal/ucan"
)

const (
	NameBlobSizeOutsideOfSupportedRange = "BlobSizeOutsideOfSupportedRange"
	NameAllocatedMemoryNotWritten       = "AllocatedMemoryHadNotBeenWrittenTo"
	NameMissingLocationCommitment       = "MissingLocationCommitment"
	NameTransferFailure                 = "TransferFailure"
	NamePublishFailure                  = "PublishFailure"
)

var (
	ErrBlobSizeOutsideOfSupportedRange = &ucan.Failure{Name: NameBlobSizeOutsideOfSupportedRange}
	ErrAllocatedMemoryNotWritten       = &ucan.Failure{Name: NameAllocatedMemoryNotWritten}
	ErrMissingLocationCommitment       = &ucan.Failure{Name: NameMissingLocationCommitment}
	ErrTransferFailure                 = &ucan.Failure{Name: NameTransferFailure}
	ErrPublishFailure                  = &ucan.Failure{Name: NamePublishFailure}
)

// NewBlobSizeLimitExceeded reports a blob larger than the node accepts.
func NewBlobSizeLimitExceeded(size, max uint64) *ucan.Failure {
	return ucan.NewFailure(NameBlobSizeOutsideOfSupportedRange, "Blob of %d bytes, exceeds size limit of %d bytes", size, max).
		With("size", size).
		With("max", max)
}
