// Package maven serves the Maven repository layout: artifacts addressed as
// group-id path segments, artifact id, and version, with checksum companions
// requested by filename suffix.
package maven

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/packgate/packgate/pkg/auth"
	"github.com/packgate/packgate/pkg/protocol"
	"github.com/packgate/packgate/pkg/registry"
	"github.com/packgate/packgate/pkg/scope"
	"github.com/packgate/packgate/pkg/storage"
)

const snapshotSuffix = "-SNAPSHOT"

type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Descriptor() protocol.Descriptor {
	return protocol.Descriptor{
		Name:        "maven",
		ScopeKinds:  []scope.Kind{scope.KindProject, scope.KindGroup, scope.KindInstance},
		FeatureFlag: "maven_packages",
		ContentTypes: map[string]string{
			"jar":  "application/java-archive",
			"war":  "application/java-archive",
			"pom":  "application/xml",
			"xml":  "application/xml",
			"gz":   "application/gzip",
			"zip":  "application/zip",
			"asc":  "text/plain",
			"type": "application/octet-stream",
		},
		WriteRequiresAuth: true,
	}
}

func (a *Adapter) Register(m *registry.Mount) {
	readPolicy := auth.AnyTokenOrAnonymousRead()

	m.Handle(http.MethodGet, "/{path:.+}", readPolicy, protocol.OpRead, a.download(m))
	m.Handle(http.MethodHead, "/{path:.+}", readPolicy, protocol.OpRead, a.download(m))

	// uploads are project-level only: the group mount is a read-through
	// view over the projects the group owns
	if m.Kind() == scope.KindProject {
		m.Handle(http.MethodPut, "/{path:.+}", auth.AnyToken(), protocol.OpCreate, a.upload(m))
	}
}

// coordinates splits a repository path into package name, version, and file.
// `com/example/app/1.0/app-1.0.jar` is name `com/example/app`, version
// `1.0`, file `app-1.0.jar`. Versionless metadata paths
// (`com/example/app/maven-metadata.xml`) yield an empty version.
func coordinates(repoPath string) (name, version, file string, ok bool) {
	segments := strings.Split(strings.Trim(repoPath, "/"), "/")
	if len(segments) < 2 {
		return "", "", "", false
	}
	file = segments[len(segments)-1]
	rest := segments[:len(segments)-1]

	base, _ := protocol.SplitChecksumSuffix(file)
	if base == "maven-metadata.xml" && !isVersion(rest[len(rest)-1]) {
		return strings.Join(rest, "/"), "", file, true
	}
	if len(rest) < 2 {
		return "", "", "", false
	}
	return strings.Join(rest[:len(rest)-1], "/"), rest[len(rest)-1], file, true
}

// isVersion applies the Maven convention that version directories start with
// a digit
func isVersion(segment string) bool {
	return segment != "" && segment[0] >= '0' && segment[0] <= '9'
}

func (a *Adapter) download(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		name, version, file, ok := coordinates(mux.Vars(r)["path"])
		if !ok {
			return protocol.BadRequest("malformed repository path")
		}
		base, alg := protocol.SplitChecksumSuffix(file)

		pkg, err := m.FindPackage(r.Context(), rc, name, version)
		if err != nil {
			return err
		}
		f, err := m.Env().Packages.FindFile(r.Context(), pkg.ID, base)
		if err != nil {
			return err
		}
		if alg != "" {
			return m.ServeDigest(w, f, alg)
		}
		return m.ServeFile(w, r, rc, f)
	}
}

func (a *Adapter) upload(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		name, version, file, ok := coordinates(mux.Vars(r)["path"])
		if !ok {
			return protocol.BadRequest("malformed repository path")
		}

		// clients PUT checksum companions after the artifact; accept and
		// drop them, digests were computed when the artifact was stored
		if _, alg := protocol.SplitChecksumSuffix(file); alg != "" {
			w.WriteHeader(http.StatusOK)
			return nil
		}

		pkg, err := m.Env().Packages.EnsurePackage(r.Context(), &storage.Package{
			Scope:    storage.RefOf(rc.Scope),
			Protocol: rc.Descriptor.Name,
			Name:     name,
			Version:  version,
			Metadata: map[string]string{},
		})
		if err != nil {
			return err
		}

		// SNAPSHOT artifacts and metadata indexes are mutable, release
		// artifacts are first-writer-wins
		replace := version == "" || strings.HasSuffix(version, snapshotSuffix) ||
			strings.HasPrefix(file, "maven-metadata.xml")

		if _, err := m.StoreFile(r, rc, pkg.ID, file, r.Body, replace); err != nil {
			return err
		}
		w.WriteHeader(http.StatusCreated)
		return nil
	}
}
