// Package generic serves the generic package endpoint: arbitrary files
// addressed by package name, version, and filename with no
// ecosystem-specific metadata.
package generic

import (
	"net/http"

	"github.com/gorilla/mux"

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
		Name:              "generic",
		ScopeKinds:        []scope.Kind{scope.KindProject},
		FeatureFlag:       "generic_packages",
		WriteRequiresAuth: true,
	}
}

func (a *Adapter) Register(m *registry.Mount) {
	m.Handle(http.MethodPut, "/{name}/{version}/{file}", auth.AnyToken(), protocol.OpCreate, a.upload(m))
	m.Handle(http.MethodGet, "/{name}/{version}/{file}", auth.AnyTokenOrAnonymousRead(), protocol.OpRead, a.download(m))
	m.Handle(http.MethodHead, "/{name}/{version}/{file}", auth.AnyTokenOrAnonymousRead(), protocol.OpRead, a.download(m))
}

func (a *Adapter) upload(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		v := mux.Vars(r)
		pkg, err := m.Env().Packages.EnsurePackage(r.Context(), &storage.Package{
			Scope:    storage.RefOf(rc.Scope),
			Protocol: rc.Descriptor.Name,
			Name:     v["name"],
			Version:  v["version"],
		})
		if err != nil {
			return err
		}

		// re-PUT of the same filename overwrites, matching the original
		// endpoint's select=package_file replace semantics
		if _, err := m.StoreFile(r, rc, pkg.ID, v["file"], r.Body, true); err != nil {
			return err
		}
		w.WriteHeader(http.StatusCreated)
		return nil
	}
}

func (a *Adapter) download(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		v := mux.Vars(r)
		pkg, err := m.Env().Packages.FindPackage(r.Context(), storage.RefOf(rc.Scope), rc.Descriptor.Name, v["name"], v["version"])
		if err != nil {
			return err
		}
		f, err := m.Env().Packages.FindFile(r.Context(), pkg.ID, v["file"])
		if err != nil {
			return err
		}
		return m.ServeFile(w, r, rc, f)
	}
}
