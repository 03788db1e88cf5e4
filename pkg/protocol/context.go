package protocol

import (
	"github.com/packgate/packgate/pkg/auth"
	"github.com/packgate/packgate/pkg/scope"
)

// RequestContext is the per-request aggregate built up as a request moves
// through credential resolution, authentication, scope resolution, and the
// capability gate. It is owned exclusively by the handling goroutine and
// discarded at response time.
type RequestContext struct {
	Credential auth.Credential
	Actor      *auth.Actor // nil when anonymous
	Scope      *scope.Scope
	Descriptor Descriptor
	Operation  Operation
}
