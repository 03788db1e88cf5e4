package debian

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packgate/packgate/pkg/registry/registrytest"
)

const base = "/projects/1/packages/debian"

func TestDebFields(t *testing.T) {
	name, version, arch, ok := debFields("htop_3.2.2-2_amd64.deb")
	require.True(t, ok)
	assert.Equal(t, "htop", name)
	assert.Equal(t, "3.2.2-2", version)
	assert.Equal(t, "amd64", arch)

	_, _, _, ok = debFields("not-a-deb.tar.gz")
	assert.False(t, ok)
	_, _, _, ok = debFields("missing-parts.deb")
	assert.False(t, ok)
}

func uploadDeb(t *testing.T, h *registrytest.Harness, file, dist string) {
	t.Helper()
	rec := h.Do(http.MethodPut, base+"/"+file+"?distribution="+dist, "deb-"+file, registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusCreated, rec.Code, file)
}

func TestDebianPublishAndIndex(t *testing.T) {
	h := registrytest.New(t, New())
	uploadDeb(t, h, "htop_3.2.2-2_amd64.deb", "bookworm")
	uploadDeb(t, h, "libzstd1_1.5.4_amd64.deb", "bookworm")

	rec := h.Do(http.MethodGet, base+"/dists/bookworm/Release", "", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Codename: bookworm")
	assert.Contains(t, body, "Components: main")
	assert.Contains(t, body, "Architectures: amd64")

	rec = h.Do(http.MethodGet, base+"/dists/bookworm/main/binary-amd64/Packages", "", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusOK, rec.Code)
	body = rec.Body.String()
	assert.Contains(t, body, "Package: htop")
	assert.Contains(t, body, "Filename: pool/bookworm/h/htop/3.2.2-2/htop_3.2.2-2_amd64.deb")
	assert.Contains(t, body, "Filename: pool/bookworm/libz/libzstd1/1.5.4/libzstd1_1.5.4_amd64.deb")
	assert.Contains(t, body, "SHA256: ")
}

func TestDebianPoolDownload(t *testing.T) {
	h := registrytest.New(t, New())
	uploadDeb(t, h, "htop_3.2.2-2_amd64.deb", "bookworm")

	rec := h.Do(http.MethodGet, base+"/pool/bookworm/h/htop/3.2.2-2/htop_3.2.2-2_amd64.deb", "",
		registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "deb-htop_3.2.2-2_amd64.deb", rec.Body.String())
	assert.Equal(t, "application/vnd.debian.binary-package", rec.Header().Get("Content-Type"))
}

func TestDebianGroupMountReadThrough(t *testing.T) {
	h := registrytest.New(t, New())
	uploadDeb(t, h, "htop_3.2.2-2_amd64.deb", "bookworm")

	groupBase := "/groups/10/-/packages/debian"

	rec := h.Do(http.MethodGet, groupBase+"/dists/bookworm/Release", "", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Codename: bookworm")

	rec = h.Do(http.MethodGet, groupBase+"/dists/bookworm/main/binary-amd64/Packages", "", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Package: htop")

	rec = h.Do(http.MethodGet, groupBase+"/pool/bookworm/h/htop/3.2.2-2/htop_3.2.2-2_amd64.deb", "",
		registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "deb-htop_3.2.2-2_amd64.deb", rec.Body.String())

	// the group mount takes no uploads
	rec = h.Do(http.MethodPut, groupBase+"/htop_3.2.2-2_amd64.deb?distribution=bookworm", "x",
		registrytest.AsBearer(h.Token))
	assert.Contains(t, []int{http.StatusMethodNotAllowed, http.StatusNotFound}, rec.Code)
}

func TestDebianMalformedIdentifiers(t *testing.T) {
	h := registrytest.New(t, New())

	// bad distribution
	rec := h.Do(http.MethodGet, base+"/dists/..%2Fetc/Release", "", registrytest.AsBearer(h.Token))
	assert.Contains(t, []int{http.StatusBadRequest, http.StatusNotFound}, rec.Code)

	// bad component
	rec = h.Do(http.MethodGet, base+"/dists/bookworm/MAIN/binary-amd64/Packages", "", registrytest.AsBearer(h.Token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// bad architecture
	rec = h.Do(http.MethodGet, base+"/dists/bookworm/main/binary-AMD..64/Packages", "", registrytest.AsBearer(h.Token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// upload into a malformed distribution
	rec = h.Do(http.MethodPut, base+"/htop_3.2.2-2_amd64.deb?distribution=_bad_", "x", registrytest.AsBearer(h.Token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDebianUnknownDistribution(t *testing.T) {
	h := registrytest.New(t, New())

	rec := h.Do(http.MethodGet, base+"/dists/trixie/Release", "", registrytest.AsBearer(h.Token))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDebianDuplicateUploadConflicts(t *testing.T) {
	h := registrytest.New(t, New())
	uploadDeb(t, h, "htop_3.2.2-2_amd64.deb", "bookworm")

	rec := h.Do(http.MethodPut, base+"/htop_3.2.2-2_amd64.deb?distribution=bookworm", "other",
		registrytest.AsBearer(h.Token))
	assert.Equal(t, http.StatusConflict, rec.Code)
}
