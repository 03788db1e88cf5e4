package generic

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packgate/packgate/pkg/registry/registrytest"
)

func TestGenericUploadDownload(t *testing.T) {
	h := registrytest.New(t, New())
	base := "/projects/1/packages/generic"

	rec := h.Do(http.MethodPut, base+"/tooling/1.2.3/tool.bin", "binary-content", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.Do(http.MethodGet, base+"/tooling/1.2.3/tool.bin", "", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "binary-content", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "tool.bin")

	// HEAD serves headers without a body
	rec = h.Do(http.MethodHead, base+"/tooling/1.2.3/tool.bin", "", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	// re-PUT of the same filename replaces
	rec = h.Do(http.MethodPut, base+"/tooling/1.2.3/tool.bin", "updated", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = h.Do(http.MethodGet, base+"/tooling/1.2.3/tool.bin", "", registrytest.AsBearer(h.Token))
	assert.Equal(t, "updated", rec.Body.String())
}

func TestGenericUnknownFile(t *testing.T) {
	h := registrytest.New(t, New())

	rec := h.Do(http.MethodGet, "/projects/1/packages/generic/tooling/1.0.0/nope.bin", "", registrytest.AsBearer(h.Token))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGenericAnonymousWriteRefused(t *testing.T) {
	h := registrytest.New(t, New())

	rec := h.Do(http.MethodPut, "/projects/1/packages/generic/tooling/1.0.0/tool.bin", "x")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
