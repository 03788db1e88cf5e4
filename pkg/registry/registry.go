// Package registry mounts protocol adapters onto the HTTP router and runs
// the shared request pipeline: credential resolution, authentication policy,
// token verification, scope resolution, and the capability gate. Adapters
// only ever see requests that survived the whole pipeline.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/gorilla/mux"

	"github.com/packgate/packgate/pkg/auth"
	"github.com/packgate/packgate/pkg/featureflags"
	"github.com/packgate/packgate/pkg/gate"
	"github.com/packgate/packgate/pkg/httputil"
	"github.com/packgate/packgate/pkg/observability"
	"github.com/packgate/packgate/pkg/protocol"
	"github.com/packgate/packgate/pkg/scope"
	"github.com/packgate/packgate/pkg/storage"
)

// Env bundles the shared services every adapter operates against.
type Env struct {
	Auth     *auth.Authenticator
	Scopes   *scope.Resolver
	Gate     *gate.Gate
	Packages storage.PackageStore
	Blobs    storage.BlobStore
	Sessions storage.UploadSessionStore
	Log      *observability.Logger
	Metrics  *observability.Metrics
	Flags    featureflags.Oracle
}

// Adapter is one package-manager protocol. Descriptor is read once at mount
// time; Register wires the protocol's routes onto the mount, once per scope
// kind the descriptor declares.
type Adapter interface {
	Descriptor() protocol.Descriptor
	Register(m *Mount)
}

// PathProvider lets an adapter override the conventional base path for a
// scope kind. The container registry uses this to claim /v2 at instance
// level, where the Docker client dictates the URL layout.
type PathProvider interface {
	MountPath(kind scope.Kind) string
}

// Registry owns the router and the mounted adapters.
type Registry struct {
	env    *Env
	router *mux.Router
}

func New(env *Env) *Registry {
	return &Registry{env: env, router: mux.NewRouter()}
}

// Router returns the HTTP handler with everything mounted so far
func (r *Registry) Router() *mux.Router {
	return r.router
}

// Mount registers the adapter under each scope kind its descriptor names.
// Scope kind is fixed per mount; a request's scope kind is decided by which
// mount its path hit, never by inspecting the request.
func (r *Registry) Mount(a Adapter) {
	desc := a.Descriptor()
	for _, kind := range desc.ScopeKinds {
		base := basePath(a, desc, kind)
		m := &Mount{
			env:    r.env,
			desc:   desc,
			kind:   kind,
			router: r.router.PathPrefix(base).Subrouter(),
		}
		a.Register(m)
	}
}

func basePath(a Adapter, desc protocol.Descriptor, kind scope.Kind) string {
	if pp, ok := a.(PathProvider); ok {
		if p := pp.MountPath(kind); p != "" {
			return p
		}
	}
	switch kind {
	case scope.KindProject:
		return fmt.Sprintf("/projects/{scope}/packages/%s", desc.Name)
	case scope.KindGroup:
		return fmt.Sprintf("/groups/{scope}/-/packages/%s", desc.Name)
	default:
		return fmt.Sprintf("/packages/%s", desc.Name)
	}
}

// Mount is one adapter bound to one scope kind. Adapters call Handle for
// each route; the mount wraps each handler with the request pipeline.
type Mount struct {
	env    *Env
	desc   protocol.Descriptor
	kind   scope.Kind
	router *mux.Router
}

// Env exposes the shared services to adapter handlers
func (m *Mount) Env() *Env {
	return m.env
}

// Kind returns the scope kind this mount serves
func (m *Mount) Kind() scope.Kind {
	return m.kind
}

// HandlerFunc is an adapter route handler. Returned errors are written by
// the mount: *protocol.Error as-is, known storage and scope sentinels mapped
// to their statuses, anything else as 500.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error

// Handle registers one route with its authentication policy and operation
// class. The pipeline runs before fn; fn never sees a request the policy or
// the gate rejected.
func (m *Mount) Handle(method, path string, policy auth.Policy, op protocol.Operation, fn HandlerFunc) *mux.Route {
	routeName := m.desc.Name + ":" + method + " " + path
	h := m.pipeline(policy, op, fn)
	if m.env.Metrics != nil {
		h = m.env.Metrics.InstrumentHandler(routeName, h).ServeHTTP
	}
	return m.router.HandleFunc(path, h).Methods(method)
}

func (m *Mount) pipeline(policy auth.Policy, op protocol.Operation, fn HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		log := observability.FromContext(ctx)

		cred := auth.ResolveCredential(r)

		if _, ok := policy.Match(r, cred); !ok {
			m.authFailure(cred)
			m.challenge(w)
			httputil.WriteUnauthorized(w, "401 Unauthorized")
			return
		}

		actor, err := m.env.Auth.Authenticate(ctx, cred)
		if err != nil {
			if auth.IsUnauthenticated(err) {
				m.authFailure(cred)
				m.challenge(w)
				httputil.WriteUnauthorized(w, "401 Unauthorized")
				return
			}
			log.WithError(err).Error("token verification backend failure")
			httputil.WriteServiceUnavailable(w, "authentication backend unavailable")
			return
		}

		sc, err := m.env.Scopes.Resolve(ctx, m.kind, mux.Vars(r)["scope"])
		if err != nil {
			if errors.Is(err, scope.ErrNotFound) {
				httputil.WriteNotFoundError(w, "404 Not Found")
				return
			}
			log.WithError(err).Error("scope resolution backend failure")
			httputil.WriteServiceUnavailable(w, "scope backend unavailable")
			return
		}

		if err := m.env.Gate.Authorize(ctx, actor, sc, m.desc, op); err != nil {
			m.writeError(w, log, err)
			return
		}

		rc := &protocol.RequestContext{
			Credential: cred,
			Actor:      actor,
			Scope:      sc,
			Descriptor: m.desc,
			Operation:  op,
		}
		if err := fn(w, r.WithContext(ctx), rc); err != nil {
			m.writeError(w, log, err)
			return
		}
		if op != protocol.OpRead && !actor.Anonymous() {
			log.WithFields(map[string]interface{}{
				"actor":     actor.Username,
				"protocol":  m.desc.Name,
				"operation": op.String(),
				"scope":     sc.FullPath,
				"path":      r.URL.Path,
			}).Info("package registry write")
		}
	}
}

// searchRefs returns the storage references a read on this mount consults.
// Packages are always stored under their project; a group mount reads
// through to the projects the group owns. Instance mounts serve only
// instance-stored records, since the gate authorized the instance scope and
// not the private projects below it.
func (m *Mount) searchRefs(ctx context.Context, sc *scope.Scope) ([]storage.ScopeRef, error) {
	if sc.Kind != scope.KindGroup {
		return []storage.ScopeRef{storage.RefOf(sc)}, nil
	}
	ids, err := m.env.Scopes.Store().ProjectsUnder(ctx, sc.ID)
	if err != nil {
		return nil, err
	}
	refs := make([]storage.ScopeRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, storage.ScopeRef{Kind: scope.KindProject, ID: id})
	}
	return refs, nil
}

// FindPackage resolves one package version through the mount's read view.
// On a group mount the first project holding the version wins.
func (m *Mount) FindPackage(ctx context.Context, rc *protocol.RequestContext, name, version string) (*storage.Package, error) {
	refs, err := m.searchRefs(ctx, rc.Scope)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		pkg, err := m.env.Packages.FindPackage(ctx, ref, rc.Descriptor.Name, name, version)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return pkg, nil
	}
	return nil, storage.ErrNotFound
}

// ListPackages lists package versions through the mount's read view,
// ordered by name then version.
func (m *Mount) ListPackages(ctx context.Context, rc *protocol.RequestContext, name string) ([]*storage.Package, error) {
	refs, err := m.searchRefs(ctx, rc.Scope)
	if err != nil {
		return nil, err
	}
	var all []*storage.Package
	for _, ref := range refs {
		pkgs, err := m.env.Packages.ListPackages(ctx, ref, rc.Descriptor.Name, name)
		if err != nil {
			return nil, err
		}
		all = append(all, pkgs...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Name != all[j].Name {
			return all[i].Name < all[j].Name
		}
		return all[i].Version < all[j].Version
	})
	return all, nil
}

func (m *Mount) authFailure(cred auth.Credential) {
	if m.env.Metrics != nil {
		m.env.Metrics.AuthFailuresTotal.WithLabelValues(cred.Kind.String()).Inc()
	}
}

// challenge advertises the descriptor's auth scheme on 401s. Basic realm
// unless the descriptor overrides (the container registry sets Bearer).
func (m *Mount) challenge(w http.ResponseWriter) {
	if w.Header().Get("WWW-Authenticate") != "" {
		return
	}
	if m.desc.Challenge != "" {
		w.Header().Set("WWW-Authenticate", m.desc.Challenge)
		return
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="packgate"`)
}

func (m *Mount) writeError(w http.ResponseWriter, log *observability.Logger, err error) {
	if ge, ok := protocol.AsError(err); ok && ge.Status == http.StatusUnauthorized {
		m.challenge(w)
	}
	WriteProtocolError(w, log, err)
}

// WriteProtocolError maps pipeline and handler errors onto HTTP responses
func WriteProtocolError(w http.ResponseWriter, log *observability.Logger, err error) {
	if ge, ok := protocol.AsError(err); ok {
		httputil.WriteErrorMessage(w, ge.Status, ge.Message)
		return
	}
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, scope.ErrNotFound):
		httputil.WriteNotFoundError(w, "404 Not Found")
	case errors.Is(err, storage.ErrConflict):
		httputil.WriteConflict(w, "409 Conflict")
	default:
		log.WithError(err).Error("unhandled gateway error")
		httputil.WriteInternalError(w, err)
	}
}
