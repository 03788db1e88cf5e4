// Package cargo serves a Cargo sparse registry: the config.json
// self-description, newline-delimited JSON index entries under the crates.io
// prefix layout, the length-prefixed publish frame, and crate downloads.
package cargo

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
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

// publish frames are capped; crates.io enforces 10 MiB, we allow more
const maxPublishPart = 64 << 20

type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Descriptor() protocol.Descriptor {
	return protocol.Descriptor{
		Name:        "cargo",
		ScopeKinds:  []scope.Kind{scope.KindProject},
		FeatureFlag: "cargo_packages",
		ContentTypes: map[string]string{
			"crate": "application/x-tar",
		},
		WriteRequiresAuth: true,
	}
}

func (a *Adapter) Register(m *registry.Mount) {
	bearer := auth.BearerTokens()

	m.Handle(http.MethodGet, "/config.json", bearer, protocol.OpRead, a.config())
	m.Handle(http.MethodPut, "/api/v1/crates/new", bearer, protocol.OpCreate, a.publish(m))
	m.Handle(http.MethodGet, "/api/v1/crates/{name}/{version}/download", bearer, protocol.OpRead, a.download(m))

	// sparse index layout: 1-, 2-, and 3-character names get fixed
	// prefixes, everything else shards by the first four characters
	m.Handle(http.MethodGet, "/1/{crate}", bearer, protocol.OpRead, a.index(m))
	m.Handle(http.MethodGet, "/2/{crate}", bearer, protocol.OpRead, a.index(m))
	m.Handle(http.MethodGet, "/3/{prefix}/{crate}", bearer, protocol.OpRead, a.index(m))
	m.Handle(http.MethodGet, "/{p1:[a-z0-9_-]{2}}/{p2:[a-z0-9_-]{2}}/{crate}", bearer, protocol.OpRead, a.index(m))
}

func (a *Adapter) config() registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base := fmt.Sprintf("%s://%s%s", scheme, r.Host, strings.TrimSuffix(r.URL.Path, "/config.json"))
		return httputil.WriteSuccess(w, map[string]interface{}{
			"dl":            base + "/api/v1/crates/{crate}/{version}/download",
			"api":           base,
			"auth-required": true,
		})
	}
}

// IndexPath returns the sparse index path for a crate name, following the
// crates.io sharding rules.
func IndexPath(name string) string {
	switch len(name) {
	case 0:
		return ""
	case 1:
		return "1/" + name
	case 2:
		return "2/" + name
	case 3:
		return "3/" + name[:1] + "/" + name
	default:
		return name[:2] + "/" + name[2:4] + "/" + name
	}
}

// publishMetadata is the JSON half of the publish frame. Only the fields the
// index needs are decoded; the full document is stored verbatim.
type publishMetadata struct {
	Name string `json:"name"`
	Vers string `json:"vers"`
	Deps []struct {
		Name string `json:"name"`
		Req  string `json:"version_req"`
	} `json:"deps"`
	Features map[string][]string `json:"features"`
}

// readFrame reads one length-prefixed part of the publish body: a 4-byte
// little-endian length followed by that many bytes.
func readFrame(r io.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	if size > maxPublishPart {
		return nil, fmt.Errorf("publish part of %d bytes exceeds the limit", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (a *Adapter) publish(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		metaRaw, err := readFrame(r.Body)
		if err != nil {
			return protocol.BadRequest("malformed publish frame: metadata")
		}
		crateBytes, err := readFrame(r.Body)
		if err != nil {
			return protocol.BadRequest("malformed publish frame: crate file")
		}

		var meta publishMetadata
		if err := json.Unmarshal(metaRaw, &meta); err != nil {
			return protocol.BadRequest("publish metadata is not valid JSON")
		}
		if meta.Name == "" || meta.Vers == "" {
			return protocol.BadRequest("publish metadata must carry name and vers")
		}

		ctx := r.Context()
		pkg, err := m.Env().Packages.EnsurePackage(ctx, &storage.Package{
			Scope:    storage.RefOf(rc.Scope),
			Protocol: rc.Descriptor.Name,
			Name:     meta.Name,
			Version:  meta.Vers,
		})
		if err != nil {
			return err
		}
		if err := m.Env().Packages.SetMetadata(ctx, pkg.ID, "publish", string(metaRaw)); err != nil {
			return err
		}
		fileName := fmt.Sprintf("%s-%s.crate", meta.Name, meta.Vers)
		if _, err := m.StoreFile(r, rc, pkg.ID, fileName, bytes.NewReader(crateBytes), false); err != nil {
			return err
		}

		return httputil.WriteSuccess(w, map[string]interface{}{
			"warnings": map[string][]string{
				"invalid_categories": {},
				"invalid_badges":     {},
				"other":              {},
			},
		})
	}
}

// indexLine is one newline-delimited index entry
type indexLine struct {
	Name     string              `json:"name"`
	Vers     string              `json:"vers"`
	Deps     []indexDep          `json:"deps"`
	Cksum    string              `json:"cksum"`
	Features map[string][]string `json:"features"`
	Yanked   bool                `json:"yanked"`
}

type indexDep struct {
	Name string `json:"name"`
	Req  string `json:"req"`
}

func (a *Adapter) index(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		crate := mux.Vars(r)["crate"]
		ctx := r.Context()

		pkgs, err := m.Env().Packages.ListPackages(ctx, storage.RefOf(rc.Scope), rc.Descriptor.Name, crate)
		if err != nil {
			return err
		}
		if len(pkgs) == 0 {
			return storage.ErrNotFound
		}

		var b strings.Builder
		for _, p := range pkgs {
			line := indexLine{
				Name:     p.Name,
				Vers:     p.Version,
				Deps:     []indexDep{},
				Features: map[string][]string{},
			}
			var meta publishMetadata
			if raw, ok := p.Metadata["publish"]; ok && json.Unmarshal([]byte(raw), &meta) == nil {
				for _, d := range meta.Deps {
					line.Deps = append(line.Deps, indexDep{Name: d.Name, Req: d.Req})
				}
				if meta.Features != nil {
					line.Features = meta.Features
				}
			}
			if f, err := m.Env().Packages.FindFile(ctx, p.ID, fmt.Sprintf("%s-%s.crate", p.Name, p.Version)); err == nil {
				line.Cksum = f.Checksums.SHA256
			}
			if p.Metadata["yanked"] == "true" {
				line.Yanked = true
			}
			encoded, err := json.Marshal(line)
			if err != nil {
				return err
			}
			b.Write(encoded)
			b.WriteByte('\n')
		}
		httputil.WritePlainText(w, http.StatusOK, b.String())
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
		f, err := m.Env().Packages.FindFile(r.Context(), pkg.ID, fmt.Sprintf("%s-%s.crate", v["name"], v["version"]))
		if err != nil {
			return err
		}
		return m.ServeFile(w, r, rc, f)
	}
}
