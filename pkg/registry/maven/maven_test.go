package maven

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packgate/packgate/pkg/auth"
	"github.com/packgate/packgate/pkg/featureflags"
	"github.com/packgate/packgate/pkg/gate"
	"github.com/packgate/packgate/pkg/observability"
	"github.com/packgate/packgate/pkg/registry"
	"github.com/packgate/packgate/pkg/registry/registrytest"
	"github.com/packgate/packgate/pkg/scope"
	"github.com/packgate/packgate/pkg/storage"
)

func TestCoordinates(t *testing.T) {
	tests := []struct {
		path    string
		name    string
		version string
		file    string
		ok      bool
	}{
		{"com/example/app/1.0/app-1.0.jar", "com/example/app", "1.0", "app-1.0.jar", true},
		{"com/example/app/1.0/app-1.0.jar.sha1", "com/example/app", "1.0", "app-1.0.jar.sha1", true},
		{"com/example/app/1.0-SNAPSHOT/app-1.0-SNAPSHOT.jar", "com/example/app", "1.0-SNAPSHOT", "app-1.0-SNAPSHOT.jar", true},
		{"com/example/app/maven-metadata.xml", "com/example/app", "", "maven-metadata.xml", true},
		{"com/example/app/maven-metadata.xml.sha1", "com/example/app", "", "maven-metadata.xml.sha1", true},
		{"com/example/app/1.0-SNAPSHOT/maven-metadata.xml", "com/example/app", "1.0-SNAPSHOT", "maven-metadata.xml", true},
		{"jar", "", "", "", false},
	}
	for _, tt := range tests {
		name, version, file, ok := coordinates(tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		assert.Equal(t, tt.name, name, tt.path)
		assert.Equal(t, tt.version, version, tt.path)
		assert.Equal(t, tt.file, file, tt.path)
	}
}

func newMavenEnv(t *testing.T) (*registry.Registry, string) {
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
	domain.AddProject(&scope.Scope{ID: 1, FullPath: "acme/widgets", PackagesEnabled: true}, 0)
	domain.Grant(scope.Grant{ActorID: 1, Perm: auth.PermissionReadPackage, ScopeKind: scope.KindProject, ScopeID: 1})
	domain.Grant(scope.Grant{ActorID: 1, Perm: auth.PermissionCreatePackage, ScopeKind: scope.KindProject, ScopeID: 1})

	env := &registry.Env{
		Auth:     auth.NewAuthenticator(actors, nil),
		Scopes:   scope.NewResolver(domain),
		Gate:     gate.New(featureflags.AllEnabled, domain, gate.Config{}, nil),
		Packages: storage.NewMemoryPackageStore(),
		Blobs:    storage.NewMemoryBlobStore(),
		Log:      observability.NewLogger(observability.ErrorLevel, io.Discard),
	}
	reg := registry.New(env)
	reg.Mount(New())
	return reg, token
}

func doReq(reg *registry.Registry, token, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	reg.Router().ServeHTTP(rec, req)
	return rec
}

func TestMavenUploadDownload(t *testing.T) {
	reg, token := newMavenEnv(t)
	base := "/projects/1/packages/maven"

	rec := doReq(reg, token, http.MethodPut, base+"/com/example/app/1.0/app-1.0.jar", "jar-bytes")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doReq(reg, token, http.MethodGet, base+"/com/example/app/1.0/app-1.0.jar", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "jar-bytes", rec.Body.String())
	assert.Equal(t, "application/java-archive", rec.Header().Get("Content-Type"))

	// checksum companion serves the digest stored at upload time
	rec = doReq(reg, token, http.MethodGet, base+"/com/example/app/1.0/app-1.0.jar.sha1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, rec.Body.String(), 40)

	// client-side checksum PUTs are accepted and discarded
	rec = doReq(reg, token, http.MethodPut, base+"/com/example/app/1.0/app-1.0.jar.sha1", "ignored")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMavenReleaseImmutability(t *testing.T) {
	reg, token := newMavenEnv(t)
	base := "/projects/1/packages/maven"

	rec := doReq(reg, token, http.MethodPut, base+"/com/example/app/1.0/app-1.0.jar", "v1")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doReq(reg, token, http.MethodPut, base+"/com/example/app/1.0/app-1.0.jar", "v2")
	assert.Equal(t, http.StatusConflict, rec.Code)

	// SNAPSHOT versions republish freely
	rec = doReq(reg, token, http.MethodPut, base+"/com/example/app/2.0-SNAPSHOT/app-2.0-SNAPSHOT.jar", "s1")
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doReq(reg, token, http.MethodPut, base+"/com/example/app/2.0-SNAPSHOT/app-2.0-SNAPSHOT.jar", "s2")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doReq(reg, token, http.MethodGet, base+"/com/example/app/2.0-SNAPSHOT/app-2.0-SNAPSHOT.jar", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s2", rec.Body.String())
}

func TestMavenMetadataVersionless(t *testing.T) {
	reg, token := newMavenEnv(t)
	base := "/projects/1/packages/maven"

	metadata := `<metadata><groupId>com.example</groupId></metadata>`
	rec := doReq(reg, token, http.MethodPut, base+"/com/example/app/maven-metadata.xml", metadata)
	require.Equal(t, http.StatusCreated, rec.Code)

	// metadata is mutable
	rec = doReq(reg, token, http.MethodPut, base+"/com/example/app/maven-metadata.xml", metadata)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doReq(reg, token, http.MethodGet, base+"/com/example/app/maven-metadata.xml", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, metadata, rec.Body.String())
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
}

func TestMavenGroupMountIsReadOnly(t *testing.T) {
	reg, token := newMavenEnv(t)

	rec := doReq(reg, token, http.MethodPut, "/groups/10/-/packages/maven/com/example/app/1.0/app-1.0.jar", "x")
	// no PUT route is registered on the group mount
	assert.Contains(t, []int{http.StatusMethodNotAllowed, http.StatusNotFound}, rec.Code)
}

func TestMavenGroupMountReadThrough(t *testing.T) {
	h := registrytest.New(t, New())

	// publish into the project, fetch through the owning group
	rec := h.Do(http.MethodPut, "/projects/1/packages/maven/com/example/app/1.0/app-1.0.jar", "jar-bytes", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.Do(http.MethodGet, "/groups/10/-/packages/maven/com/example/app/1.0/app-1.0.jar", "", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "jar-bytes", rec.Body.String())

	rec = h.Do(http.MethodGet, "/groups/10/-/packages/maven/com/example/app/1.0/app-1.0.jar.sha1", "", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMavenAnonymousDownloadPublicProject(t *testing.T) {
	reg, token := newMavenEnv(t)

	// seed a file, then fetch it anonymously from a public project
	rec := doReq(reg, token, http.MethodPut, "/projects/1/packages/maven/com/example/app/1.0/app-1.0.jar", "x")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doReq(reg, "", http.MethodGet, "/projects/1/packages/maven/com/example/app/1.0/app-1.0.jar", "")
	// project 1 is private: anonymous read is refused before the adapter
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
