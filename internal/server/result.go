package server

import (
	"github.com/roach88/blobcore/internal/ucan"
)

// Result is what a handler produces: the ok value and the effects the
// receipt should carry.
type Result struct {
	Ok   any
	Fork []*ucan.Invocation
	Join *ucan.Invocation
}

// Ok returns a result with no effects.
func Ok(v any) Result { return Result{Ok: v} }

// WithFork appends forked tasks.
func (r Result) WithFork(invs ...*ucan.Invocation) Result {
	r.Fork = append(append([]*ucan.Invocation(nil), r.Fork...), invs...)
	return r
}

// WithJoin sets the task the result awaits.
func (r Result) WithJoin(inv *ucan.Invocation) Result {
	r.Join = inv
	return r
}
