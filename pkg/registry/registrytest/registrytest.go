// Package registrytest provides a preassembled in-memory gateway for
// adapter tests: one private project, one group, one personal token with
// read and create grants.
package registrytest

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/packgate/packgate/pkg/auth"
	"github.com/packgate/packgate/pkg/featureflags"
	"github.com/packgate/packgate/pkg/gate"
	"github.com/packgate/packgate/pkg/observability"
	"github.com/packgate/packgate/pkg/registry"
	"github.com/packgate/packgate/pkg/scope"
	"github.com/packgate/packgate/pkg/storage"
)

// Harness is one assembled gateway plus handles on its fixtures.
type Harness struct {
	Registry *registry.Registry
	Env      *registry.Env
	Actors   *auth.MemoryActorStore
	Domain   *scope.MemoryDomainStore

	// Token authenticates as user alice (id 1) with read and create
	// grants on project 1 and group 10.
	Token string
}

// New assembles a gateway over in-memory stores and mounts the given
// adapters. Project 1 (acme/widgets, private) belongs to group 10 (acme).
func New(t *testing.T, adapters ...registry.Adapter) *Harness {
	t.Helper()

	actors := auth.NewMemoryActorStore()
	token, hash, err := auth.GenerateToken(auth.KindPersonalAccessToken)
	require.NoError(t, err)
	actors.AddToken(auth.TokenRecord{
		Hash:  hash,
		Kind:  auth.KindPersonalAccessToken,
		Actor: auth.Actor{ID: 1, Username: "alice", Kind: auth.ActorUser},
	})

	domain := scope.NewMemoryDomainStore()
	domain.AddGroup(&scope.Scope{ID: 10, FullPath: "acme", PackagesEnabled: true})
	domain.AddProject(&scope.Scope{ID: 1, FullPath: "acme/widgets", PackagesEnabled: true}, 10)
	for _, perm := range []auth.Permission{auth.PermissionReadPackage, auth.PermissionCreatePackage, auth.PermissionDestroyPackage} {
		domain.Grant(scope.Grant{ActorID: 1, Perm: perm, ScopeKind: scope.KindProject, ScopeID: 1})
		domain.Grant(scope.Grant{ActorID: 1, Perm: perm, ScopeKind: scope.KindGroup, ScopeID: 10})
	}

	env := &registry.Env{
		Auth:     auth.NewAuthenticator(actors, nil),
		Scopes:   scope.NewResolver(domain),
		Gate:     gate.New(featureflags.AllEnabled, domain, gate.Config{}, nil),
		Packages: storage.NewMemoryPackageStore(),
		Blobs:    storage.NewMemoryBlobStore(),
		Sessions: storage.NewMemoryUploadSessionStore(),
		Log:      observability.NewLogger(observability.ErrorLevel, io.Discard),
	}

	reg := registry.New(env)
	for _, a := range adapters {
		reg.Mount(a)
	}
	return &Harness{Registry: reg, Env: env, Actors: actors, Domain: domain, Token: token}
}

// Request option helpers.

type ReqOption func(*httptest.ResponseRecorder, *requestSpec)

type requestSpec struct {
	headers map[string]string
	basic   [2]string
	bearer  string
}

// AsBearer sends the harness token (or any other) as a bearer credential
func AsBearer(token string) ReqOption {
	return func(_ *httptest.ResponseRecorder, s *requestSpec) { s.bearer = token }
}

// AsBasic sends basic credentials
func AsBasic(username, password string) ReqOption {
	return func(_ *httptest.ResponseRecorder, s *requestSpec) { s.basic = [2]string{username, password} }
}

// WithHeader sets an arbitrary request header
func WithHeader(key, value string) ReqOption {
	return func(_ *httptest.ResponseRecorder, s *requestSpec) {
		if s.headers == nil {
			s.headers = map[string]string{}
		}
		s.headers[key] = value
	}
}

// Do runs one request through the mounted router
func (h *Harness) Do(method, path, body string, opts ...ReqOption) *httptest.ResponseRecorder {
	spec := &requestSpec{}
	rec := httptest.NewRecorder()
	for _, opt := range opts {
		opt(rec, spec)
	}

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if spec.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+spec.bearer)
	}
	if spec.basic[0] != "" || spec.basic[1] != "" {
		req.SetBasicAuth(spec.basic[0], spec.basic[1])
	}
	for k, v := range spec.headers {
		req.Header.Set(k, v)
	}
	h.Registry.Router().ServeHTTP(rec, req)
	return rec
}
