// Package container serves the OCI distribution protocol under /v2:
// version ping with a bearer token challenge, the token endpoint docker is
// redirected to, manifests, blobs, and chunked blob uploads.
//
// Repositories map onto project full paths, so the repository segment of
// every URL doubles as the scope parameter.
package container

import (
	"bytes"
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

const (
	manifestV2Type  = "application/vnd.docker.distribution.manifest.v2+json"
	ociManifestType = "application/vnd.oci.image.manifest.v1+json"

	// chunked upload appends are bounded per request
	maxChunkBytes = 256 << 20
)

type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Descriptor() protocol.Descriptor {
	return protocol.Descriptor{
		Name:        "container",
		ScopeKinds:  []scope.Kind{scope.KindInstance, scope.KindProject},
		FeatureFlag: "container_registry",
		ContentTypes: map[string]string{
			"json": manifestV2Type,
		},
		WriteRequiresAuth: true,
		Challenge:         `Bearer realm="/v2/token",service="packgate"`,
	}
}

// MountPath implements registry.PathProvider: the docker client dictates
// that everything lives under /v2.
func (a *Adapter) MountPath(scope.Kind) string {
	return "/v2"
}

func (a *Adapter) Register(m *registry.Mount) {
	// the instance mount carries the scopeless endpoints, the project
	// mount carries everything addressed by repository
	if m.Kind() == scope.KindInstance {
		m.Handle(http.MethodGet, "/", auth.AnyToken(), protocol.OpRead, a.ping())
		m.Handle(http.MethodGet, "/token", auth.BasicTokens(), protocol.OpRead, a.token())
		return
	}

	read := auth.BearerTokens()
	write := auth.BearerTokens()

	m.Handle(http.MethodGet, "/{scope:.+}/manifests/{reference}", read, protocol.OpRead, a.getManifest(m))
	m.Handle(http.MethodHead, "/{scope:.+}/manifests/{reference}", read, protocol.OpRead, a.getManifest(m))
	m.Handle(http.MethodPut, "/{scope:.+}/manifests/{reference}", write, protocol.OpCreate, a.putManifest(m))

	m.Handle(http.MethodGet, "/{scope:.+}/blobs/uploads/{session}", read, protocol.OpRead, a.uploadStatus(m))
	m.Handle(http.MethodPatch, "/{scope:.+}/blobs/uploads/{session}", write, protocol.OpCreate, a.uploadChunk(m))
	m.Handle(http.MethodPut, "/{scope:.+}/blobs/uploads/{session}", write, protocol.OpCreate, a.uploadCommit(m))
	m.Handle(http.MethodDelete, "/{scope:.+}/blobs/uploads/{session}", write, protocol.OpDestroy, a.uploadAbort(m))
	m.Handle(http.MethodPost, "/{scope:.+}/blobs/uploads/", write, protocol.OpCreate, a.uploadStart(m))

	m.Handle(http.MethodGet, "/{scope:.+}/blobs/{digest}", read, protocol.OpRead, a.getBlob(m))
	m.Handle(http.MethodHead, "/{scope:.+}/blobs/{digest}", read, protocol.OpRead, a.getBlob(m))
}

// ping answers the docker version check. Reaching the handler at all means
// the bearer credential was accepted; unauthenticated clients got the
// challenge from the pipeline.
func (a *Adapter) ping() registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
		return httputil.WriteSuccess(w, map[string]string{})
	}
}

// token exchanges basic credentials for the bearer token docker replays.
// The caller's own secret is the token; nothing server-side expires
// independently of it.
func (a *Adapter) token() registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		return httputil.WriteSuccess(w, map[string]string{
			"token": rc.Credential.Raw,
		})
	}
}

func repository(r *http.Request) string {
	return mux.Vars(r)["scope"]
}

// blob ownership lives on a versionless record per repository. Blobs are
// content addressed globally, so a pull must prove the digest was pushed to
// this repository before the store is consulted.
const blobHolderVersion = ""

func (a *Adapter) blobHolder(r *http.Request, m *registry.Mount, rc *protocol.RequestContext) (*storage.Package, error) {
	return a.ensureRepo(r, m, rc, blobHolderVersion)
}

// manifestVersion keys manifests by reference: tags live as versions, digest
// references resolve through stored files.
func (a *Adapter) ensureRepo(r *http.Request, m *registry.Mount, rc *protocol.RequestContext, reference string) (*storage.Package, error) {
	return m.Env().Packages.EnsurePackage(r.Context(), &storage.Package{
		Scope:    storage.RefOf(rc.Scope),
		Protocol: rc.Descriptor.Name,
		Name:     repository(r),
		Version:  reference,
	})
}

func (a *Adapter) putManifest(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		reference := mux.Vars(r)["reference"]
		pkg, err := a.ensureRepo(r, m, rc, reference)
		if err != nil {
			return err
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxChunkBytes))
		if err != nil {
			return protocol.BadRequest("unreadable manifest body")
		}

		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			contentType = manifestV2Type
		}

		info, err := m.Env().Blobs.Put(r.Context(), bytes.NewReader(body))
		if err != nil {
			return err
		}
		ref := &storage.PackageFileRef{
			StorageKey:   info.Key,
			DeclaredName: "manifest",
			Size:         info.Size,
			Checksums:    info.Checksums,
			ContentType:  contentType,
		}
		// tags are movable pointers
		if err := m.Env().Packages.PutFile(r.Context(), pkg.ID, ref, true); err != nil {
			return err
		}

		digest := "sha256:" + info.Checksums.SHA256
		w.Header().Set("Docker-Content-Digest", digest)
		w.Header().Set("Location", fmt.Sprintf("/v2/%s/manifests/%s", repository(r), digest))
		w.WriteHeader(http.StatusCreated)
		return nil
	}
}

func (a *Adapter) getManifest(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		reference := mux.Vars(r)["reference"]
		ctx := r.Context()
		repoRef := storage.RefOf(rc.Scope)

		var f *storage.PackageFileRef
		if digest, ok := strings.CutPrefix(reference, "sha256:"); ok {
			// digest reference: search all tags of the repository
			pkgs, err := m.Env().Packages.ListPackages(ctx, repoRef, rc.Descriptor.Name, repository(r))
			if err != nil {
				return err
			}
			for _, p := range pkgs {
				candidate, err := m.Env().Packages.FindFile(ctx, p.ID, "manifest")
				if err == nil && candidate.Checksums.SHA256 == digest {
					f = candidate
					break
				}
			}
			if f == nil {
				return storage.ErrNotFound
			}
		} else {
			pkg, err := m.Env().Packages.FindPackage(ctx, repoRef, rc.Descriptor.Name, repository(r), reference)
			if err != nil {
				return err
			}
			if f, err = m.Env().Packages.FindFile(ctx, pkg.ID, "manifest"); err != nil {
				return err
			}
		}

		w.Header().Set("Docker-Content-Digest", "sha256:"+f.Checksums.SHA256)
		return m.ServeFile(w, r, rc, f)
	}
}

func (a *Adapter) getBlob(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		digest := mux.Vars(r)["digest"]
		if !strings.HasPrefix(digest, "sha256:") {
			return protocol.BadRequest("unsupported digest algorithm")
		}

		// only digests pushed to this repository are served from it
		holder, err := m.Env().Packages.FindPackage(r.Context(), storage.RefOf(rc.Scope), rc.Descriptor.Name, repository(r), blobHolderVersion)
		if err != nil {
			return err
		}
		f, err := m.Env().Packages.FindFile(r.Context(), holder.ID, digest)
		if err != nil {
			return err
		}

		blob, err := m.Env().Blobs.Get(r.Context(), f.StorageKey)
		if err != nil {
			return err
		}
		defer blob.Close()

		w.Header().Set("Docker-Content-Digest", digest)
		w.Header().Set("Content-Type", "application/octet-stream")
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return nil
		}
		w.WriteHeader(http.StatusOK)
		_, _ = io.Copy(w, blob)
		return nil
	}
}

func uploadLocation(repo, session string) string {
	return fmt.Sprintf("/v2/%s/blobs/uploads/%s", repo, session)
}

func (a *Adapter) uploadStart(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		sess, err := m.Env().Sessions.Start(r.Context(), storage.RefOf(rc.Scope), repository(r))
		if err != nil {
			return err
		}
		w.Header().Set("Location", uploadLocation(repository(r), sess.ID))
		w.Header().Set("Docker-Upload-UUID", sess.ID)
		w.Header().Set("Range", "0-0")
		w.WriteHeader(http.StatusAccepted)
		return nil
	}
}

func (a *Adapter) uploadStatus(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		sess, err := m.Env().Sessions.Get(r.Context(), mux.Vars(r)["session"])
		if err != nil {
			return err
		}
		w.Header().Set("Docker-Upload-UUID", sess.ID)
		w.Header().Set("Range", fmt.Sprintf("0-%d", sess.Size))
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
}

func (a *Adapter) uploadChunk(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		chunk, err := io.ReadAll(io.LimitReader(r.Body, maxChunkBytes))
		if err != nil {
			return protocol.BadRequest("unreadable chunk")
		}
		sess, err := m.Env().Sessions.Append(r.Context(), mux.Vars(r)["session"], chunk)
		if err != nil {
			return err
		}
		w.Header().Set("Location", uploadLocation(repository(r), sess.ID))
		w.Header().Set("Docker-Upload-UUID", sess.ID)
		w.Header().Set("Range", fmt.Sprintf("0-%d", sess.Size))
		w.WriteHeader(http.StatusAccepted)
		return nil
	}
}

// uploadCommit finalizes the session and verifies the digest the client
// claims against what was actually received.
func (a *Adapter) uploadCommit(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		session := mux.Vars(r)["session"]
		claimed := r.URL.Query().Get("digest")
		if claimed == "" {
			return protocol.BadRequest("digest query parameter is required")
		}

		// a final body chunk may ride along with the commit
		if r.ContentLength != 0 {
			chunk, err := io.ReadAll(io.LimitReader(r.Body, maxChunkBytes))
			if err != nil {
				return protocol.BadRequest("unreadable final chunk")
			}
			if len(chunk) > 0 {
				if _, err := m.Env().Sessions.Append(r.Context(), session, chunk); err != nil {
					return err
				}
			}
		}

		info, err := m.Env().Sessions.Commit(r.Context(), session, m.Env().Blobs)
		if err != nil {
			return err
		}
		if claimed != "sha256:"+info.Checksums.SHA256 {
			// the stored blob stays content-addressed and unreferenced;
			// the janitor has nothing to clean up here
			return protocol.BadRequest("digest mismatch")
		}

		holder, err := a.blobHolder(r, m, rc)
		if err != nil {
			return err
		}
		ref := &storage.PackageFileRef{
			StorageKey:   info.Key,
			DeclaredName: claimed,
			Size:         info.Size,
			Checksums:    info.Checksums,
			ContentType:  "application/octet-stream",
		}
		// re-pushing an existing blob is a no-op, not a conflict
		if err := m.Env().Packages.PutFile(r.Context(), holder.ID, ref, true); err != nil {
			return err
		}

		w.Header().Set("Docker-Content-Digest", claimed)
		w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repository(r), claimed))
		w.WriteHeader(http.StatusCreated)
		return nil
	}
}

func (a *Adapter) uploadAbort(m *registry.Mount) registry.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext) error {
		if err := m.Env().Sessions.Abort(r.Context(), mux.Vars(r)["session"]); err != nil {
			return err
		}
		httputil.WriteNoContent(w)
		return nil
	}
}
