// Package conan serves the Conan v1 remote protocol: ping and credential
// endpoints, recipe and package snapshots, download/upload URL manifests,
// and the file routes those manifests point at.
//
// Conan clients authenticate once over basic auth, receive an opaque token,
// and present it as a bearer credential afterwards. The token we hand back
// is the caller's own registry token, so the bearer path goes through the
// normal authenticator.
package conan

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/packgate/packgate/pkg/auth"
	"github.com/packgate/packgate/pkg/httputil"
	"github.com/packgate/packgate/pkg/protocol"
	"github.com/packgate/packgate/pkg/registry"
	"github.com/packgate/packgate/pkg/scope"
	"github.com/packgate/packgate/pkg/storage"
)

const capabilitiesHeader = "X-Conan-Server-Capabilities"

type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Descriptor() protocol.Descriptor {
	return protocol.Descriptor{
		Name:              "conan",
		ScopeKinds:        []scope.Kind{scope.KindProject, scope.KindInstance},
		FeatureFlag:       "conan_packages",
		WriteRequiresAuth: true,
	}
}

const refPath = "/v1/conans/{name}/{version}/{user}/{channel}"

func (a *Adapter) Register(m *registry.Mount) {
	anyRead := auth.AnyTokenOrAnonymousRead()
	bearer := auth.BearerTokens()

	m.Handle(http.MethodGet, "/v1/ping", anyRead, protocol.OpRead, a.ping())
	m.Handle(http.MethodGet, "/v1/users/authenticate", auth.BasicTokens(), protocol.OpRead, a.authenticate())
	m.Handle(http.MethodGet, "/v1/users/check_credentials", bearer, protocol.OpRead, a.checkCredentials())

	m.Handle(http.MethodGet, refPath, bearer, protocol.OpRead, a.recipeSnapshot(m))
	m.Handle(http.MethodGet, refPath+"/digest", bearer, protocol.OpRead, a.recipeDigest(m))
	m.Handle(http.MethodGet, refPath+"/download_urls", bearer, protocol.OpRead, a.downloadURLs(m, "export"))
	m.Handle(http.MethodGet, refPath+"/packages/{packageID}", bearer, protocol.OpRead, a.packageSnapshot(m))
	m.Handle(http.MethodGet, refPath+"/packages/{packageID}/download_urls", bearer, protocol.OpRead, a.downloadURLs(m, "package"))

	filePath := "/v1/files/{name}/{version}/{user}/{channel}/{revision}"
	m.Handle(http.MethodGet, filePath+"/export/{file}", bearer, protocol.OpRead, a.getFile(m, "export"))
	m.Handle(http.MethodGet, filePath+"/package/{packageID}/{file}", bearer, protocol.OpRead, a.getFile(m, "package"))

	if m.Kind() == scope.KindProject {
		m.Handle(http.MethodPost, refPath+"/upload_urls", bearer, protocol.OpCreate, a.uploadURLs(m, "export"))
		m.Handle(http.MethodPost, refPath+"/packages/{packageID}/upload_urls", bearer, protocol.OpCreate, a.uploadURLs(m, "package"))
		m.Handle(http.MethodPut, filePath+"/export/{file}", bearer, protocol.OpCreate, a.putFile(m, "export"))
		m.Handle(http.MethodPut, filePath+"/package/{packageID}/{file}", bearer, protocol.OpCreate, a.putFile(m, "package"))
	}
}

func (a *Adapter) ping() registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		w.Header().Set(capabilitiesHeader, "complex_search")
		w.WriteHeader(http.StatusOK)
		return nil
	}
}

// authenticate exchanges basic credentials for the bearer token conan will
// present from now on. The token is the caller's own secret echoed back;
// there is no separate session state to invalidate.
func (a *Adapter) authenticate() registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		httputil.WritePlainText(w, http.StatusOK, rc.Credential.Raw)
		return nil
	}
}

func (a *Adapter) checkCredentials() registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		username := ""
		if rc.Actor != nil {
			username = rc.Actor.Username
		}
		httputil.WritePlainText(w, http.StatusOK, username)
		return nil
	}
}

// reference assembles the storage coordinates for a conan recipe. The
// package name carries user and channel; the version stands alone.
func reference(v map[string]string) (name, version string) {
	return fmt.Sprintf("%s@%s/%s", v["name"], v["user"], v["channel"]), v["version"]
}

// fileKey namespaces stored filenames by area: export files belong to the
// recipe, package files to one binary package id.
func fileKey(area string, v map[string]string, file string) string {
	if area == "package" {
		return "package/" + v["packageID"] + "/" + file
	}
	return "export/" + file
}

func (a *Adapter) findRecipe(r *http.Request, m *registry.Mount, rc *protocol.RequestContext) (*storage.Package, error) {
	name, version := reference(mux.Vars(r))
	return m.Env().Packages.FindPackage(r.Context(), storage.RefOf(rc.Scope), rc.Descriptor.Name, name, version)
}

// snapshot returns filename → md5 for one area of the recipe
func (a *Adapter) snapshot(r *http.Request, m *registry.Mount, rc *protocol.RequestContext, area string) (map[string]string, error) {
	pkg, err := a.findRecipe(r, m, rc)
	if err != nil {
		return nil, err
	}
	files, err := m.Env().Packages.ListFiles(r.Context(), pkg.ID)
	if err != nil {
		return nil, err
	}
	prefix := fileKey(area, mux.Vars(r), "")
	out := map[string]string{}
	for _, f := range files {
		if strings.HasPrefix(f.DeclaredName, prefix) {
			out[strings.TrimPrefix(f.DeclaredName, prefix)] = f.Checksums.MD5
		}
	}
	if len(out) == 0 {
		return nil, storage.ErrNotFound
	}
	return out, nil
}

func (a *Adapter) recipeSnapshot(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		snap, err := a.snapshot(r, m, rc, "export")
		if err != nil {
			return err
		}
		return httputil.WriteSuccess(w, snap)
	}
}

func (a *Adapter) packageSnapshot(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		snap, err := a.snapshot(r, m, rc, "package")
		if err != nil {
			return err
		}
		return httputil.WriteSuccess(w, snap)
	}
}

// recipeDigest points the client at the manifest file only
func (a *Adapter) recipeDigest(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		if _, err := a.snapshot(r, m, rc, "export"); err != nil {
			return err
		}
		return httputil.WriteSuccess(w, map[string]string{
			"conanmanifest.txt": a.fileURL(r, "export", "conanmanifest.txt"),
		})
	}
}

func (a *Adapter) downloadURLs(m *registry.Mount, area string) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		snap, err := a.snapshot(r, m, rc, area)
		if err != nil {
			return err
		}
		urls := map[string]string{}
		for file := range snap {
			urls[file] = a.fileURL(r, area, file)
		}
		return httputil.WriteSuccess(w, urls)
	}
}

// uploadURLs maps each announced filename to the PUT target the client
// should use. Body is {filename: size}.
func (a *Adapter) uploadURLs(m *registry.Mount, area string) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		var files map[string]int64
		if err := json.NewDecoder(r.Body).Decode(&files); err != nil {
			return protocol.BadRequest("malformed upload_urls payload")
		}
		urls := map[string]string{}
		for file := range files {
			urls[file] = a.fileURL(r, area, file)
		}
		return httputil.WriteSuccess(w, urls)
	}
}

// fileURL rewrites the current conans/ URL into the files/ URL for one
// stored file. Revision is fixed at 0; conan v1 remotes without revisions
// always use it.
func (a *Adapter) fileURL(r *http.Request, area, file string) string {
	v := mux.Vars(r)
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	prefix := r.URL.Path
	if i := strings.Index(prefix, "/v1/"); i >= 0 {
		prefix = prefix[:i]
	}
	tail := "export/" + file
	if area == "package" {
		tail = "package/" + v["packageID"] + "/" + file
	}
	return fmt.Sprintf("%s://%s%s/v1/files/%s/%s/%s/%s/0/%s",
		scheme, r.Host, prefix, v["name"], v["version"], v["user"], v["channel"], tail)
}

func (a *Adapter) getFile(m *registry.Mount, area string) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		v := mux.Vars(r)
		pkg, err := a.findRecipe(r, m, rc)
		if err != nil {
			return err
		}
		f, err := m.Env().Packages.FindFile(r.Context(), pkg.ID, fileKey(area, v, v["file"]))
		if err != nil {
			return err
		}
		return m.ServeFile(w, r, rc, f)
	}
}

func (a *Adapter) putFile(m *registry.Mount, area string) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		v := mux.Vars(r)
		name, version := reference(v)
		pkg, err := m.Env().Packages.EnsurePackage(r.Context(), &storage.Package{
			Scope:    storage.RefOf(rc.Scope),
			Protocol: rc.Descriptor.Name,
			Name:     name,
			Version:  version,
		})
		if err != nil {
			return err
		}
		// conan re-uploads files freely when a recipe changes
		if _, err := m.StoreFile(r, rc, pkg.ID, fileKey(area, v, v["file"]), r.Body, true); err != nil {
			return err
		}
		w.WriteHeader(http.StatusCreated)
		return nil
	}
}
