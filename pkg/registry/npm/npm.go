// Package npm serves the npm registry protocol: package metadata documents,
// tarball downloads, publish (metadata plus base64 attachments in one PUT),
// and dist-tag management.
package npm

import (
	"bytes"
	"context"
	"encoding/base64"
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

// tag mappings live on a versionless package record so they survive
// version deletion
const tagHolderVersion = ""

type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Descriptor() protocol.Descriptor {
	return protocol.Descriptor{
		Name:        "npm",
		ScopeKinds:  []scope.Kind{scope.KindProject, scope.KindGroup},
		FeatureFlag: "npm_packages",
		ContentTypes: map[string]string{
			"tgz": "application/octet-stream",
		},
		WriteRequiresAuth: true,
	}
}

func (a *Adapter) Register(m *registry.Mount) {
	read := auth.AnyTokenOrAnonymousRead()

	// dist-tag routes first so "-" is not swallowed by the package matcher
	m.Handle(http.MethodGet, "/-/package/{package:.+}/dist-tags", read, protocol.OpRead, a.getTags(m))

	if m.Kind() == scope.KindProject {
		m.Handle(http.MethodPut, "/-/package/{package:.+}/dist-tags/{tag}", auth.AnyToken(), protocol.OpCreate, a.putTag(m))
		m.Handle(http.MethodDelete, "/-/package/{package:.+}/dist-tags/{tag}", auth.AnyToken(), protocol.OpDestroy, a.deleteTag(m))
	}

	m.Handle(http.MethodGet, "/{package:.+}/-/{file}", read, protocol.OpRead, a.download(m))

	if m.Kind() == scope.KindProject {
		m.Handle(http.MethodPut, "/{package:.+}", auth.AnyToken(), protocol.OpCreate, a.publish(m))
	}
	m.Handle(http.MethodGet, "/{package:.+}", read, protocol.OpRead, a.metadata(m))
}

// publishRequest is the npm publish payload: manifests per version plus the
// tarballs base64-embedded as couchdb-style attachments.
type publishRequest struct {
	Name        string                     `json:"name"`
	Versions    map[string]json.RawMessage `json:"versions"`
	DistTags    map[string]string          `json:"dist-tags"`
	Attachments map[string]struct {
		ContentType string `json:"content_type"`
		Data        string `json:"data"`
	} `json:"_attachments"`
}

func (a *Adapter) publish(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		pkgName := mux.Vars(r)["package"]

		var req publishRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return protocol.BadRequest("malformed publish payload")
		}
		if req.Name != "" && req.Name != pkgName {
			return protocol.BadRequest("package name does not match URL")
		}
		if len(req.Versions) == 0 {
			return protocol.BadRequest("publish payload carries no versions")
		}

		ctx := r.Context()
		ref := storage.RefOf(rc.Scope)

		for version, manifest := range req.Versions {
			pkg, err := m.Env().Packages.EnsurePackage(ctx, &storage.Package{
				Scope:    ref,
				Protocol: rc.Descriptor.Name,
				Name:     pkgName,
				Version:  version,
			})
			if err != nil {
				return err
			}
			if err := m.Env().Packages.SetMetadata(ctx, pkg.ID, "manifest", string(manifest)); err != nil {
				return err
			}

			fileName := tarballName(pkgName, version)
			att, ok := req.Attachments[fileName]
			if !ok {
				// scoped packages attach under the full name
				att, ok = req.Attachments[pkgName+"-"+version+".tgz"]
			}
			if !ok {
				return protocol.BadRequest(fmt.Sprintf("missing attachment for %s", fileName))
			}
			data, err := base64.StdEncoding.DecodeString(att.Data)
			if err != nil {
				return protocol.BadRequest("attachment is not valid base64")
			}
			if _, err := m.StoreFile(r, rc, pkg.ID, fileName, bytes.NewReader(data), false); err != nil {
				return err
			}
		}

		if len(req.DistTags) > 0 {
			holder, err := a.tagHolder(ctx, m, ref, pkgName)
			if err != nil {
				return err
			}
			for tag, version := range req.DistTags {
				if err := m.Env().Packages.SetMetadata(ctx, holder.ID, tag, version); err != nil {
					return err
				}
			}
		}

		return httputil.WriteCreated(w, map[string]bool{"success": true})
	}
}

func (a *Adapter) metadata(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		pkgName := mux.Vars(r)["package"]
		ctx := r.Context()

		pkgs, err := m.ListPackages(ctx, rc, pkgName)
		if err != nil {
			return err
		}

		versions := map[string]interface{}{}
		var latest string
		for _, p := range pkgs {
			if p.Version == tagHolderVersion {
				continue
			}
			manifest := map[string]interface{}{}
			if raw, ok := p.Metadata["manifest"]; ok {
				_ = json.Unmarshal([]byte(raw), &manifest)
			}
			manifest["name"] = pkgName
			manifest["version"] = p.Version

			fileName := tarballName(pkgName, p.Version)
			dist := map[string]string{
				"tarball": tarballURL(r, pkgName, fileName),
			}
			if f, err := m.Env().Packages.FindFile(ctx, p.ID, fileName); err == nil {
				dist["shasum"] = f.Checksums.SHA1
				dist["integrity"] = "sha256-" + f.Checksums.SHA256
			}
			manifest["dist"] = dist
			versions[p.Version] = manifest
			latest = p.Version
		}
		if len(versions) == 0 {
			return storage.ErrNotFound
		}

		tags := map[string]string{}
		for _, p := range pkgs {
			if p.Version == tagHolderVersion {
				for tag, version := range p.Metadata {
					tags[tag] = version
				}
			}
		}
		if _, ok := tags["latest"]; !ok {
			tags["latest"] = latest
		}

		return httputil.WriteSuccess(w, map[string]interface{}{
			"name":      pkgName,
			"versions":  versions,
			"dist-tags": tags,
		})
	}
}

func (a *Adapter) download(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		v := mux.Vars(r)
		ctx := r.Context()

		pkgs, err := m.ListPackages(ctx, rc, v["package"])
		if err != nil {
			return err
		}
		for _, p := range pkgs {
			f, err := m.Env().Packages.FindFile(ctx, p.ID, v["file"])
			if err == nil {
				return m.ServeFile(w, r, rc, f)
			}
		}
		return storage.ErrNotFound
	}
}

func (a *Adapter) getTags(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		pkgName := mux.Vars(r)["package"]
		holder, err := m.FindPackage(r.Context(), rc, pkgName, tagHolderVersion)
		if err != nil {
			return err
		}
		return httputil.WriteSuccess(w, holder.Metadata)
	}
}

func (a *Adapter) putTag(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		v := mux.Vars(r)

		body, err := io.ReadAll(io.LimitReader(r.Body, 256))
		if err != nil {
			return protocol.BadRequest("unreadable tag payload")
		}
		version := strings.Trim(strings.TrimSpace(string(body)), `"`)
		if version == "" {
			return protocol.BadRequest("tag payload carries no version")
		}

		ctx := r.Context()
		ref := storage.RefOf(rc.Scope)

		// the tagged version must exist
		if _, err := m.Env().Packages.FindPackage(ctx, ref, rc.Descriptor.Name, v["package"], version); err != nil {
			return err
		}

		holder, err := a.tagHolder(ctx, m, ref, v["package"])
		if err != nil {
			return err
		}
		if err := m.Env().Packages.SetMetadata(ctx, holder.ID, v["tag"], version); err != nil {
			return err
		}
		httputil.WriteNoContent(w)
		return nil
	}
}

func (a *Adapter) deleteTag(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		v := mux.Vars(r)
		if v["tag"] == "latest" {
			return protocol.BadRequest("the latest tag cannot be removed")
		}

		holder, err := m.Env().Packages.FindPackage(r.Context(), storage.RefOf(rc.Scope), rc.Descriptor.Name, v["package"], tagHolderVersion)
		if err != nil {
			return err
		}
		if err := m.Env().Packages.DeleteMetadata(r.Context(), holder.ID, v["tag"]); err != nil {
			return err
		}
		httputil.WriteNoContent(w)
		return nil
	}
}

func (a *Adapter) tagHolder(ctx context.Context, m *registry.Mount, ref storage.ScopeRef, pkgName string) (*storage.Package, error) {
	return m.Env().Packages.EnsurePackage(ctx, &storage.Package{
		Scope:    ref,
		Protocol: "npm",
		Name:     pkgName,
		Version:  tagHolderVersion,
	})
}

// tarballName follows the npm dist filename convention: the unscoped part
// of the package name, a dash, the version, ".tgz".
func tarballName(pkgName, version string) string {
	base := pkgName
	if i := strings.LastIndex(pkgName, "/"); i >= 0 {
		base = pkgName[i+1:]
	}
	return base + "-" + version + ".tgz"
}

func tarballURL(r *http.Request, pkgName, fileName string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	// rebuild from the mount prefix of the incoming request
	prefix := r.URL.Path
	if i := strings.Index(prefix, "/"+pkgName); i >= 0 {
		prefix = prefix[:i]
	}
	return fmt.Sprintf("%s://%s%s/%s/-/%s", scheme, r.Host, prefix, pkgName, fileName)
}
