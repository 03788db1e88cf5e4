package registry

import (
	"fmt"
	"io"
	"net/http"

	"github.com/packgate/packgate/pkg/httputil"
	"github.com/packgate/packgate/pkg/observability"
	"github.com/packgate/packgate/pkg/protocol"
	"github.com/packgate/packgate/pkg/storage"
)

// ServeFile streams a stored package file to the client. Content type comes
// from the stored ref when present, otherwise the descriptor's extension
// table. Digest headers carry the checksums computed at upload time; nothing
// is rehashed on the download path.
func (m *Mount) ServeFile(w http.ResponseWriter, r *http.Request, rc *protocol.RequestContext, f *storage.PackageFileRef) error {
	ct := f.ContentType
	if ct == "" {
		ct = rc.Descriptor.ContentTypeFor(f.DeclaredName)
	}

	h := w.Header()
	h.Set("Content-Type", ct)
	h.Set("Content-Length", fmt.Sprintf("%d", f.Size))
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", f.DeclaredName))
	if f.Checksums.SHA256 != "" {
		h.Set("ETag", fmt.Sprintf("%q", f.Checksums.SHA256))
		h.Set("X-Checksum-Sha256", f.Checksums.SHA256)
	}
	if f.Checksums.SHA1 != "" {
		h.Set("X-Checksum-Sha1", f.Checksums.SHA1)
	}
	if f.Checksums.MD5 != "" {
		h.Set("X-Checksum-Md5", f.Checksums.MD5)
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return nil
	}

	blob, err := m.env.Blobs.Get(r.Context(), f.StorageKey)
	if err != nil {
		return err
	}
	defer blob.Close()

	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, blob); err != nil {
		// headers are gone; nothing left to do but log
		observability.FromContext(r.Context()).WithError(err).Warn("download stream aborted")
	}
	m.countDownload(rc)
	return nil
}

// ServeDigest answers a checksum-suffix request (lib.jar.sha1) with the
// stored digest as text/plain. Unknown algorithm digests are a 404, never a
// recomputation.
func (m *Mount) ServeDigest(w http.ResponseWriter, f *storage.PackageFileRef, alg storage.ChecksumAlg) error {
	digest := f.Checksums.Get(alg)
	if digest == "" {
		return protocol.NotFound("404 Not Found")
	}
	httputil.WritePlainText(w, http.StatusOK, digest)
	return nil
}

// StoreFile writes the request body to the blob store and attaches the
// resulting ref to the package. replace governs re-publication: SNAPSHOT
// style artifacts pass true, immutable releases pass false and surface 409.
func (m *Mount) StoreFile(r *http.Request, rc *protocol.RequestContext, packageID int64, name string, body io.Reader, replace bool) (*storage.PackageFileRef, error) {
	info, err := m.env.Blobs.Put(r.Context(), body)
	if err != nil {
		return nil, err
	}
	ref := &storage.PackageFileRef{
		StorageKey:   info.Key,
		DeclaredName: name,
		Size:         info.Size,
		Checksums:    info.Checksums,
		ContentType:  rc.Descriptor.ContentTypeFor(name),
	}
	if err := m.env.Packages.PutFile(r.Context(), packageID, ref, replace); err != nil {
		return nil, err
	}
	m.countUpload(rc)
	return ref, nil
}

func (m *Mount) countDownload(rc *protocol.RequestContext) {
	if m.env.Metrics != nil {
		m.env.Metrics.DownloadsTotal.WithLabelValues(rc.Descriptor.Name).Inc()
	}
}

func (m *Mount) countUpload(rc *protocol.RequestContext) {
	if m.env.Metrics != nil {
		m.env.Metrics.UploadsTotal.WithLabelValues(rc.Descriptor.Name).Inc()
	}
}
