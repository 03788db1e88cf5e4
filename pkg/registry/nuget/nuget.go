// Package nuget serves the NuGet v3 protocol subset: service index, package
// publish, and the package base address (download) resource. NuGet clients
// only speak basic auth, so every route carries a basic-only policy.
package nuget

import (
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

// multipart bodies are capped well above any sane .nupkg
const maxUploadBytes = 512 << 20

type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Descriptor() protocol.Descriptor {
	return protocol.Descriptor{
		Name:        "nuget",
		ScopeKinds:  []scope.Kind{scope.KindProject, scope.KindGroup},
		FeatureFlag: "nuget_packages",
		ContentTypes: map[string]string{
			"nupkg":  "application/octet-stream",
			"snupkg": "application/octet-stream",
		},
		WriteRequiresAuth: true,
	}
}

func (a *Adapter) Register(m *registry.Mount) {
	policy := auth.BasicTokens()

	m.Handle(http.MethodGet, "/index.json", policy, protocol.OpRead, a.serviceIndex(m))
	m.Handle(http.MethodGet, "/download/{name}/index.json", policy, protocol.OpRead, a.versionIndex(m))
	m.Handle(http.MethodGet, "/download/{name}/{version}/{file}", policy, protocol.OpRead, a.download(m))

	if m.Kind() == scope.KindProject {
		m.Handle(http.MethodPut, "/", policy, protocol.OpCreate, a.publish(m))
	}
}

// serviceIndex advertises the resources this registry implements. Clients
// discover every other URL from here.
func (a *Adapter) serviceIndex(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		base := baseURL(r)
		return httputil.WriteSuccess(w, map[string]interface{}{
			"version": "3.0.0",
			"resources": []map[string]string{
				{"@id": base + "/download", "@type": "PackageBaseAddress/3.0.0"},
				{"@id": base, "@type": "PackagePublish/2.0.0"},
			},
		})
	}
}

func (a *Adapter) publish(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return protocol.BadRequest("expected a multipart package upload")
		}
		file, header, err := r.FormFile("package")
		if err != nil {
			return protocol.BadRequest("multipart field 'package' is missing")
		}
		defer file.Close()

		name, version, ok := splitNupkgName(header.Filename)
		if !ok {
			return protocol.BadRequest("package filename does not carry id and version")
		}

		pkg, err := m.Env().Packages.EnsurePackage(r.Context(), &storage.Package{
			Scope:    storage.RefOf(rc.Scope),
			Protocol: rc.Descriptor.Name,
			Name:     strings.ToLower(name),
			Version:  strings.ToLower(version),
		})
		if err != nil {
			return err
		}
		if _, err := m.StoreFile(r, rc, pkg.ID, strings.ToLower(header.Filename), file, false); err != nil {
			return err
		}
		w.WriteHeader(http.StatusCreated)
		return nil
	}
}

func (a *Adapter) versionIndex(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		name := strings.ToLower(mux.Vars(r)["name"])
		pkgs, err := m.ListPackages(r.Context(), rc, name)
		if err != nil {
			return err
		}
		if len(pkgs) == 0 {
			return storage.ErrNotFound
		}
		versions := make([]string, 0, len(pkgs))
		for _, p := range pkgs {
			versions = append(versions, p.Version)
		}
		return httputil.WriteSuccess(w, map[string][]string{"versions": versions})
	}
}

func (a *Adapter) download(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		v := mux.Vars(r)
		pkg, err := m.FindPackage(r.Context(), rc,
			strings.ToLower(v["name"]), strings.ToLower(v["version"]))
		if err != nil {
			return err
		}
		f, err := m.Env().Packages.FindFile(r.Context(), pkg.ID, strings.ToLower(v["file"]))
		if err != nil {
			return err
		}
		return m.ServeFile(w, r, rc, f)
	}
}

// splitNupkgName decomposes "My.Package.1.2.3.nupkg" into id and version.
// The version starts at the first dot-separated segment that begins with a
// digit.
func splitNupkgName(filename string) (name, version string, ok bool) {
	trimmed := strings.TrimSuffix(strings.TrimSuffix(filename, ".nupkg"), ".snupkg")
	segments := strings.Split(trimmed, ".")
	for i, seg := range segments {
		if i > 0 && seg != "" && seg[0] >= '0' && seg[0] <= '9' {
			return strings.Join(segments[:i], "."), strings.Join(segments[i:], "."), true
		}
	}
	return "", "", false
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	// the service index lives at <mount>/index.json
	prefix := strings.TrimSuffix(r.URL.Path, "/index.json")
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, prefix)
}
