package container

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packgate/packgate/pkg/registry/registrytest"
	"github.com/packgate/packgate/pkg/scope"
)

const repo = "/v2/acme/widgets"

func sha256Of(s string) string {
	sum := sha256.Sum256([]byte(s))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func TestContainerPingChallenge(t *testing.T) {
	h := registrytest.New(t, New())

	// anonymous ping gets the bearer challenge
	rec := h.Do(http.MethodGet, "/v2/", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	challenge := rec.Header().Get("WWW-Authenticate")
	assert.Contains(t, challenge, "Bearer")
	assert.Contains(t, challenge, `realm="/v2/token"`)

	// authenticated ping succeeds
	rec = h.Do(http.MethodGet, "/v2/", "", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "registry/2.0", rec.Header().Get("Docker-Distribution-API-Version"))
}

func TestContainerTokenFlow(t *testing.T) {
	h := registrytest.New(t, New())

	rec := h.Do(http.MethodGet, "/v2/token", "", registrytest.AsBasic("alice", h.Token))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Token)

	// the issued token works as a bearer credential
	rec = h.Do(http.MethodGet, "/v2/", "", registrytest.AsBearer(body.Token))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestContainerManifests(t *testing.T) {
	h := registrytest.New(t, New())
	manifest := `{"schemaVersion": 2, "layers": []}`

	rec := h.Do(http.MethodPut, repo+"/manifests/v1.0", manifest,
		registrytest.AsBearer(h.Token), registrytest.WithHeader("Content-Type", manifestV2Type))
	require.Equal(t, http.StatusCreated, rec.Code)
	digest := rec.Header().Get("Docker-Content-Digest")
	assert.Equal(t, sha256Of(manifest), digest)

	// fetch by tag
	rec = h.Do(http.MethodGet, repo+"/manifests/v1.0", "", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, manifest, rec.Body.String())
	assert.Equal(t, manifestV2Type, rec.Header().Get("Content-Type"))
	assert.Equal(t, digest, rec.Header().Get("Docker-Content-Digest"))

	// fetch by digest
	rec = h.Do(http.MethodGet, repo+"/manifests/"+digest, "", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, manifest, rec.Body.String())

	// tags are movable
	updated := `{"schemaVersion": 2, "layers": [{}]}`
	rec = h.Do(http.MethodPut, repo+"/manifests/v1.0", updated, registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = h.Do(http.MethodGet, repo+"/manifests/v1.0", "", registrytest.AsBearer(h.Token))
	assert.Equal(t, updated, rec.Body.String())
}

func TestContainerChunkedBlobUpload(t *testing.T) {
	h := registrytest.New(t, New())
	content := "layer-bytes-0123456789"
	digest := sha256Of(content)

	rec := h.Do(http.MethodPost, repo+"/blobs/uploads/", "", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusAccepted, rec.Code)
	location := rec.Header().Get("Location")
	require.NotEmpty(t, location)
	require.NotEmpty(t, rec.Header().Get("Docker-Upload-UUID"))

	// two chunks
	rec = h.Do(http.MethodPatch, location, content[:10], registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "0-10", rec.Header().Get("Range"))
	rec = h.Do(http.MethodPatch, location, content[10:], registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusAccepted, rec.Code)

	// commit with matching digest
	rec = h.Do(http.MethodPut, location+"?digest="+digest, "", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, digest, rec.Header().Get("Docker-Content-Digest"))

	// download and head the blob
	rec = h.Do(http.MethodGet, repo+"/blobs/"+digest, "", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, content, rec.Body.String())

	rec = h.Do(http.MethodHead, repo+"/blobs/"+digest, "", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestContainerBlobIsScopedToRepository(t *testing.T) {
	h := registrytest.New(t, New())
	h.Domain.AddProject(&scope.Scope{ID: 2, FullPath: "acme/legacy", PackagesEnabled: true}, 10)
	content := "layer-bytes"
	digest := sha256Of(content)

	rec := h.Do(http.MethodPost, repo+"/blobs/uploads/", "", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusAccepted, rec.Code)
	location := rec.Header().Get("Location")
	rec = h.Do(http.MethodPatch, location, content, registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = h.Do(http.MethodPut, location+"?digest="+digest, "", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusCreated, rec.Code)

	// the pushing repository serves the blob
	rec = h.Do(http.MethodGet, repo+"/blobs/"+digest, "", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusOK, rec.Code)

	// another repository does not, even though the digest exists in the
	// content store
	rec = h.Do(http.MethodGet, "/v2/acme/legacy/blobs/"+digest, "", registrytest.AsBearer(h.Token))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.Do(http.MethodHead, "/v2/acme/legacy/blobs/"+digest, "", registrytest.AsBearer(h.Token))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContainerUploadDigestMismatch(t *testing.T) {
	h := registrytest.New(t, New())

	rec := h.Do(http.MethodPost, repo+"/blobs/uploads/", "", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusAccepted, rec.Code)
	location := rec.Header().Get("Location")

	rec = h.Do(http.MethodPatch, location, "content", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = h.Do(http.MethodPut, location+"?digest="+sha256Of("different"), "", registrytest.AsBearer(h.Token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestContainerUploadAbort(t *testing.T) {
	h := registrytest.New(t, New())

	rec := h.Do(http.MethodPost, repo+"/blobs/uploads/", "", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusAccepted, rec.Code)
	location := rec.Header().Get("Location")

	rec = h.Do(http.MethodDelete, location, "", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusNoContent, rec.Code)

	// aborted sessions are gone
	rec = h.Do(http.MethodGet, location, "", registrytest.AsBearer(h.Token))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContainerUnknownManifest(t *testing.T) {
	h := registrytest.New(t, New())

	rec := h.Do(http.MethodGet, repo+"/manifests/missing", "", registrytest.AsBearer(h.Token))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.Do(http.MethodGet, repo+"/manifests/"+sha256Of("nothing"), "", registrytest.AsBearer(h.Token))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.Do(http.MethodGet, strings.TrimSuffix(repo, "/widgets")+"/unknown/manifests/v1", "",
		registrytest.AsBearer(h.Token))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
