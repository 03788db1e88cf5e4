// Package debian serves an APT repository: dists/ metadata (Release and
// Packages indexes generated from stored packages) and pool/ file downloads,
// with .deb uploads classified by distribution and component.
package debian

import (
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/packgate/packgate/pkg/auth"
	"github.com/packgate/packgate/pkg/httputil"
	"github.com/packgate/packgate/pkg/protocol"
	"github.com/packgate/packgate/pkg/registry"
	"github.com/packgate/packgate/pkg/scope"
	"github.com/packgate/packgate/pkg/storage"
)

// APT identifier grammar. Anything outside it is a 400, not a 404: the
// request is malformed rather than unmatched.
var (
	distributionRe = regexp.MustCompile(`\A[a-zA-Z0-9][a-zA-Z0-9.-]*\z`)
	componentRe    = regexp.MustCompile(`\A[a-z0-9-]+\z`)
	architectureRe = regexp.MustCompile(`\A[a-z0-9]+\z`)
)

type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Descriptor() protocol.Descriptor {
	return protocol.Descriptor{
		Name:        "debian",
		ScopeKinds:  []scope.Kind{scope.KindProject, scope.KindGroup},
		FeatureFlag: "debian_packages",
		ContentTypes: map[string]string{
			"deb": "application/vnd.debian.binary-package",
			"dsc": "text/plain",
			"gz":  "application/gzip",
			"xz":  "application/x-xz",
		},
		WriteRequiresAuth: true,
	}
}

func (a *Adapter) Register(m *registry.Mount) {
	read := auth.AnyTokenOrAnonymousRead()

	m.Handle(http.MethodGet, "/dists/{distribution}/Release", read, protocol.OpRead, a.release(m))
	m.Handle(http.MethodGet, "/dists/{distribution}/{component}/binary-{architecture}/Packages", read, protocol.OpRead, a.packagesIndex(m))
	m.Handle(http.MethodGet, "/pool/{distribution}/{letter}/{name}/{version}/{file}", read, protocol.OpRead, a.download(m))

	// uploads land in a project; the group mount aggregates the
	// distributions of the projects below it
	if m.Kind() == scope.KindProject {
		m.Handle(http.MethodPut, "/{file}", auth.AnyToken(), protocol.OpCreate, a.upload(m))
	}
}

func validateDistribution(dist string) error {
	if !distributionRe.MatchString(dist) {
		return protocol.BadRequest("malformed distribution")
	}
	return nil
}

// debFields splits "name_version_arch.deb" into its parts
func debFields(filename string) (name, version, arch string, ok bool) {
	base := filename
	for _, suffix := range []string{".deb", ".udeb", ".ddeb"} {
		if strings.HasSuffix(base, suffix) {
			base = strings.TrimSuffix(base, suffix)
			parts := strings.Split(base, "_")
			if len(parts) != 3 {
				return "", "", "", false
			}
			return parts[0], parts[1], parts[2], true
		}
	}
	return "", "", "", false
}

func (a *Adapter) upload(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		file := mux.Vars(r)["file"]
		name, version, arch, ok := debFields(file)
		if !ok {
			return protocol.BadRequest("filename must follow name_version_architecture.deb")
		}

		q := r.URL.Query()
		dist := q.Get("distribution")
		component := q.Get("component")
		if component == "" {
			component = "main"
		}
		if err := validateDistribution(dist); err != nil {
			return err
		}
		if !componentRe.MatchString(component) {
			return protocol.BadRequest("malformed component")
		}
		if !architectureRe.MatchString(arch) {
			return protocol.BadRequest("malformed architecture")
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
		for key, value := range map[string]string{
			"distribution": dist,
			"component":    component,
			"architecture": arch,
		} {
			if err := m.Env().Packages.SetMetadata(r.Context(), pkg.ID, key, value); err != nil {
				return err
			}
		}
		if _, err := m.StoreFile(r, rc, pkg.ID, file, r.Body, false); err != nil {
			return err
		}
		w.WriteHeader(http.StatusCreated)
		return nil
	}
}

func (a *Adapter) release(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		dist := mux.Vars(r)["distribution"]
		if err := validateDistribution(dist); err != nil {
			return err
		}

		pkgs, err := a.distPackages(r, m, rc, dist)
		if err != nil {
			return err
		}
		if len(pkgs) == 0 {
			return storage.ErrNotFound
		}

		components := stringSet{}
		architectures := stringSet{}
		for _, p := range pkgs {
			components.add(p.Metadata["component"])
			architectures.add(p.Metadata["architecture"])
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Origin: packgate\n")
		fmt.Fprintf(&b, "Suite: %s\n", dist)
		fmt.Fprintf(&b, "Codename: %s\n", dist)
		fmt.Fprintf(&b, "Date: %s\n", time.Now().UTC().Format(time.RFC1123))
		fmt.Fprintf(&b, "Components: %s\n", strings.Join(components.sorted(), " "))
		fmt.Fprintf(&b, "Architectures: %s\n", strings.Join(architectures.sorted(), " "))
		httputil.WritePlainText(w, http.StatusOK, b.String())
		return nil
	}
}

func (a *Adapter) packagesIndex(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		v := mux.Vars(r)
		if err := validateDistribution(v["distribution"]); err != nil {
			return err
		}
		if !componentRe.MatchString(v["component"]) {
			return protocol.BadRequest("malformed component")
		}
		if !architectureRe.MatchString(v["architecture"]) {
			return protocol.BadRequest("malformed architecture")
		}

		pkgs, err := a.distPackages(r, m, rc, v["distribution"])
		if err != nil {
			return err
		}

		var b strings.Builder
		for _, p := range pkgs {
			if p.Metadata["component"] != v["component"] || p.Metadata["architecture"] != v["architecture"] {
				continue
			}
			files, err := m.Env().Packages.ListFiles(r.Context(), p.ID)
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Fprintf(&b, "Package: %s\n", p.Name)
				fmt.Fprintf(&b, "Version: %s\n", p.Version)
				fmt.Fprintf(&b, "Architecture: %s\n", p.Metadata["architecture"])
				fmt.Fprintf(&b, "Filename: pool/%s/%s/%s/%s/%s\n",
					v["distribution"], poolLetter(p.Name), p.Name, p.Version, f.DeclaredName)
				fmt.Fprintf(&b, "Size: %d\n", f.Size)
				fmt.Fprintf(&b, "MD5sum: %s\n", f.Checksums.MD5)
				fmt.Fprintf(&b, "SHA256: %s\n", f.Checksums.SHA256)
				fmt.Fprintf(&b, "\n")
			}
		}
		httputil.WritePlainText(w, http.StatusOK, b.String())
		return nil
	}
}

func (a *Adapter) download(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		v := mux.Vars(r)
		if err := validateDistribution(v["distribution"]); err != nil {
			return err
		}
		pkg, err := m.FindPackage(r.Context(), rc, v["name"], v["version"])
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

func (a *Adapter) distPackages(r *http.Request, m *registry.Mount, rc *protocol.RequestContext, dist string) ([]*storage.Package, error) {
	all, err := m.ListPackages(r.Context(), rc, "")
	if err != nil {
		return nil, err
	}
	var out []*storage.Package
	for _, p := range all {
		if p.Metadata["distribution"] == dist {
			out = append(out, p)
		}
	}
	return out, nil
}

// poolLetter is the pool sharding convention: lib packages shard by the
// first four characters, everything else by the first.
func poolLetter(name string) string {
	if strings.HasPrefix(name, "lib") && len(name) > 3 {
		return name[:4]
	}
	return name[:1]
}

type stringSet map[string]struct{}

func (s stringSet) add(v string) {
	if v != "" {
		s[v] = struct{}{}
	}
}

func (s stringSet) sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
