package server

import (
	"github.com/roach88/blobcore/internal/principal"
	"github.com/roach88/blobcore/internal/ucan"
)

// Protocol failure names.
const (
	NameInvocationCapabilityError = "InvocationCapabilityError"
	NameInvalidAudience           = "InvalidAudience"
	NameHandlerNotFound           = "HandlerNotFound"
	NameHandlerExecutionError     = "HandlerExecutionError"
)

var (
	ErrInvocationCapability = &ucan.Failure{Name: NameInvocationCapabilityError}
	ErrInvalidAudience      = &ucan.Failure{Name: NameInvalidAudience}
	ErrHandlerNotFound      = &ucan.Failure{Name: NameHandlerNotFound}
	ErrHandlerExecution     = &ucan.Failure{Name: NameHandlerExecutionError}
)

// NewInvocationCapabilityError reports an invocation that does not carry
// exactly one capability.
func NewInvocationCapabilityError(n int) *ucan.Failure {
	return ucan.NewFailure(NameInvocationCapabilityError, "Invocation is required to have a single capability, got %d", n).
		With("count", n)
}

// NewInvalidAudience reports an invocation addressed to someone else.
func NewInvalidAudience(expected, actual principal.DID) *ucan.Failure {
	return ucan.NewFailure(NameInvalidAudience, "Invocation is addressed to %s, expected %s", actual, expected).
		With("audience", expected.String())
}

// NewHandlerNotFound reports an ability without a registered handler.
func NewHandlerNotFound(c ucan.Capability) *ucan.Failure {
	return ucan.NewFailure(NameHandlerNotFound, "service does not implement {can: %q}", c.Can).
		With("capability", map[string]string{"can": c.Can, "with": c.With})
}

// NewHandlerExecutionError wraps a handler crash.
func NewHandlerExecutionError(c ucan.Capability, cause error) *ucan.Failure {
	return ucan.NewFailure(NameHandlerExecutionError, "service handler {can: %q} error: %v", c.Can, cause).
		With("capability", map[string]string{"can": c.Can, "with": c.With}).
		WithCause(cause)
}
