// Package helm serves Helm chart repositories: one index.yaml per channel
// generated from stored charts, chart archive downloads, and provenance
// files alongside.
package helm

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v3"

	"github.com/packgate/packgate/pkg/auth"
	"github.com/packgate/packgate/pkg/protocol"
	"github.com/packgate/packgate/pkg/registry"
	"github.com/packgate/packgate/pkg/scope"
	"github.com/packgate/packgate/pkg/storage"
)

type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Descriptor() protocol.Descriptor {
	return protocol.Descriptor{
		Name:        "helm",
		ScopeKinds:  []scope.Kind{scope.KindProject},
		FeatureFlag: "helm_packages",
		ContentTypes: map[string]string{
			"tgz":  "application/gzip",
			"prov": "application/pgp-signature",
		},
		WriteRequiresAuth: true,
	}
}

func (a *Adapter) Register(m *registry.Mount) {
	read := auth.AnyTokenOrAnonymousRead()

	m.Handle(http.MethodGet, "/{channel}/index.yaml", read, protocol.OpRead, a.index(m))
	m.Handle(http.MethodGet, "/{channel}/charts/{file}", read, protocol.OpRead, a.download(m))
	m.Handle(http.MethodPost, "/api/{channel}/charts", auth.AnyToken(), protocol.OpCreate, a.upload(m))
}

// chartFields splits "name-1.2.3.tgz" (or .prov) into chart name and
// version. The version starts at the last dash followed by a digit.
func chartFields(filename string) (name, version string, ok bool) {
	base := filename
	for _, suffix := range []string{".tgz.prov", ".tgz"} {
		if strings.HasSuffix(base, suffix) {
			base = strings.TrimSuffix(base, suffix)
			i := strings.LastIndex(base, "-")
			if i <= 0 || i == len(base)-1 {
				return "", "", false
			}
			next := base[i+1]
			if next < '0' || next > '9' {
				return "", "", false
			}
			return base[:i], base[i+1:], true
		}
	}
	return "", "", false
}

func (a *Adapter) upload(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		channel := mux.Vars(r)["channel"]

		if err := r.ParseMultipartForm(64 << 20); err != nil {
			return protocol.BadRequest("expected a multipart chart upload")
		}
		file, header, err := r.FormFile("chart")
		if err != nil {
			return protocol.BadRequest("multipart field 'chart' is missing")
		}
		defer file.Close()

		name, version, ok := chartFields(header.Filename)
		if !ok {
			return protocol.BadRequest("chart filename must follow name-version.tgz")
		}

		pkg, err := m.Env().Packages.EnsurePackage(r.Context(), &storage.Package{
			Scope:    storage.RefOf(rc.Scope),
			Protocol: rc.Descriptor.Name,
			Name:     name,
			Version:  version,
		})
		if err != nil {
			return err
		}
		if err := m.Env().Packages.SetMetadata(r.Context(), pkg.ID, "channel", channel); err != nil {
			return err
		}
		// provenance files ride next to an existing chart and may be
		// replaced; chart archives are immutable
		replace := strings.HasSuffix(header.Filename, ".prov")
		if _, err := m.StoreFile(r, rc, pkg.ID, header.Filename, file, replace); err != nil {
			return err
		}
		w.WriteHeader(http.StatusCreated)
		return nil
	}
}

// indexEntry is one chart version in index.yaml
type indexEntry struct {
	Name    string   `yaml:"name"`
	Version string   `yaml:"version"`
	URLs    []string `yaml:"urls"`
	Digest  string   `yaml:"digest,omitempty"`
}

func (a *Adapter) index(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		channel := mux.Vars(r)["channel"]
		ctx := r.Context()

		pkgs, err := m.Env().Packages.ListPackages(ctx, storage.RefOf(rc.Scope), rc.Descriptor.Name, "")
		if err != nil {
			return err
		}

		entries := map[string][]indexEntry{}
		for _, p := range pkgs {
			if p.Metadata["channel"] != channel {
				continue
			}
			files, err := m.Env().Packages.ListFiles(ctx, p.ID)
			if err != nil {
				return err
			}
			for _, f := range files {
				if !strings.HasSuffix(f.DeclaredName, ".tgz") {
					continue
				}
				entries[p.Name] = append(entries[p.Name], indexEntry{
					Name:    p.Name,
					Version: p.Version,
					URLs:    []string{fmt.Sprintf("charts/%s", f.DeclaredName)},
					Digest:  f.Checksums.SHA256,
				})
			}
		}

		doc := map[string]interface{}{
			"apiVersion": "v1",
			"entries":    entries,
		}
		out, err := yaml.Marshal(doc)
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out)
		return nil
	}
}

func (a *Adapter) download(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		v := mux.Vars(r)
		name, version, ok := chartFields(v["file"])
		if !ok {
			return protocol.BadRequest("malformed chart filename")
		}

		pkg, err := m.Env().Packages.FindPackage(r.Context(), storage.RefOf(rc.Scope), rc.Descriptor.Name, name, version)
		if err != nil {
			return err
		}
		if pkg.Metadata["channel"] != v["channel"] {
			return storage.ErrNotFound
		}
		f, err := m.Env().Packages.FindFile(r.Context(), pkg.ID, v["file"])
		if err != nil {
			return err
		}
		return m.ServeFile(w, r, rc, f)
	}
}
