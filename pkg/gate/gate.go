// Package gate implements the capability gate: the ordered authorization
// checks every request passes after authentication and scope resolution and
// before any protocol handler runs.
package gate

import (
	"context"

	"github.com/packgate/packgate/pkg/auth"
	"github.com/packgate/packgate/pkg/observability"
	"github.com/packgate/packgate/pkg/protocol"
	"github.com/packgate/packgate/pkg/scope"
)

// Rejection reasons recorded in metrics.
const (
	ReasonPackagesDisabled = "packages_disabled"
	ReasonFeatureDisabled  = "feature_disabled"
	ReasonAnonymousWrite   = "anonymous_write"
	ReasonPermissionDenied = "permission_denied"
)

// Config tunes gate behavior.
type Config struct {
	// HideForbidden rewrites permission denials on reads to 404 so an
	// unauthorized caller cannot distinguish "exists but you may not see
	// it" from "does not exist". Writes always get 403; the caller already
	// proved the target path matters to them.
	HideForbidden bool
}

// Gate authorizes requests in a fixed check order. Check order is load
// bearing: existence concealment (404) must win over permission disclosure
// (403), and credential prompts (401) must only fire for anonymous writers
// on protocols whose clients retry with credentials.
type Gate struct {
	flags   featureOracle
	perms   scope.DomainStore
	cfg     Config
	metrics *observability.Metrics
}

// featureOracle is the subset of the flag oracle the gate needs.
type featureOracle interface {
	Enabled(ctx context.Context, key string) bool
}

// New builds a gate. metrics may be nil in tests.
func New(flags featureOracle, perms scope.DomainStore, cfg Config, metrics *observability.Metrics) *Gate {
	return &Gate{flags: flags, perms: perms, cfg: cfg, metrics: metrics}
}

// Authorize runs the capability checks for one request. A nil return means
// the protocol handler may run. A non-nil return is always a
// *protocol.Error carrying the HTTP status to serve, except for storage
// faults from the permission backend which surface as-is.
func (g *Gate) Authorize(ctx context.Context, actor *auth.Actor, sc *scope.Scope, desc protocol.Descriptor, op protocol.Operation) error {
	if !sc.PackagesEnabled {
		g.reject(desc.Name, ReasonPackagesDisabled)
		return protocol.NotFound("404 Not Found")
	}

	if desc.FeatureFlag != "" && !g.flags.Enabled(ctx, desc.FeatureFlag) {
		g.reject(desc.Name, ReasonFeatureDisabled)
		return protocol.NotFound("404 Not Found")
	}

	if desc.WriteRequiresAuth && op != protocol.OpRead && actor.Anonymous() {
		g.reject(desc.Name, ReasonAnonymousWrite)
		return protocol.Unauthenticated("401 Unauthorized")
	}

	ok, err := g.perms.Can(ctx, actor, op.Permission(), sc)
	if err != nil {
		return err
	}
	if !ok {
		g.reject(desc.Name, ReasonPermissionDenied)
		if g.cfg.HideForbidden && op == protocol.OpRead {
			return protocol.NotFound("404 Not Found")
		}
		return protocol.Forbidden("403 Forbidden")
	}
	return nil
}

func (g *Gate) reject(protocolName, reason string) {
	if g.metrics == nil {
		return
	}
	g.metrics.GateRejectionsTotal.WithLabelValues(protocolName, reason).Inc()
}
