package helm

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/packgate/packgate/pkg/registry/registrytest"
)

const base = "/projects/1/packages/helm"

func TestChartFields(t *testing.T) {
	tests := []struct {
		in      string
		name    string
		version string
		ok      bool
	}{
		{"nginx-1.2.3.tgz", "nginx", "1.2.3", true},
		{"my-app-0.1.0.tgz", "my-app", "0.1.0", true},
		{"nginx-1.2.3.tgz.prov", "nginx", "1.2.3", true},
		{"nginx.tgz", "", "", false},
		{"nginx-latest.tgz", "", "", false},
	}
	for _, tt := range tests {
		name, version, ok := chartFields(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.name, name, tt.in)
		assert.Equal(t, tt.version, version, tt.in)
	}
}

func chartBody(t *testing.T, filename, content string) (string, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("chart", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf.String(), mw.FormDataContentType()
}

func uploadChart(t *testing.T, h *registrytest.Harness, channel, filename, content string) *bytes.Buffer {
	t.Helper()
	body, ct := chartBody(t, filename, content)
	rec := h.Do(http.MethodPost, base+"/api/"+channel+"/charts", body,
		registrytest.AsBearer(h.Token), registrytest.WithHeader("Content-Type", ct))
	require.Equal(t, http.StatusCreated, rec.Code, filename)
	return rec.Body
}

func TestHelmUploadAndIndex(t *testing.T) {
	h := registrytest.New(t, New())
	uploadChart(t, h, "stable", "nginx-1.2.3.tgz", "chart-bytes")
	uploadChart(t, h, "dev", "nginx-2.0.0.tgz", "dev-bytes")

	rec := h.Do(http.MethodGet, base+"/stable/index.yaml", "", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))

	var doc struct {
		APIVersion string `yaml:"apiVersion"`
		Entries    map[string][]struct {
			Name    string   `yaml:"name"`
			Version string   `yaml:"version"`
			URLs    []string `yaml:"urls"`
			Digest  string   `yaml:"digest"`
		} `yaml:"entries"`
	}
	require.NoError(t, yaml.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "v1", doc.APIVersion)
	require.Len(t, doc.Entries["nginx"], 1)
	assert.Equal(t, "1.2.3", doc.Entries["nginx"][0].Version)
	assert.Equal(t, []string{"charts/nginx-1.2.3.tgz"}, doc.Entries["nginx"][0].URLs)
	assert.Len(t, doc.Entries["nginx"][0].Digest, 64)
}

func TestHelmDownloadByChannel(t *testing.T) {
	h := registrytest.New(t, New())
	uploadChart(t, h, "stable", "nginx-1.2.3.tgz", "chart-bytes")

	rec := h.Do(http.MethodGet, base+"/stable/charts/nginx-1.2.3.tgz", "", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "chart-bytes", rec.Body.String())
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))

	// the chart is invisible through other channels
	rec = h.Do(http.MethodGet, base+"/dev/charts/nginx-1.2.3.tgz", "", registrytest.AsBearer(h.Token))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHelmProvenance(t *testing.T) {
	h := registrytest.New(t, New())
	uploadChart(t, h, "stable", "nginx-1.2.3.tgz", "chart-bytes")
	uploadChart(t, h, "stable", "nginx-1.2.3.tgz.prov", "signature")

	rec := h.Do(http.MethodGet, base+"/stable/charts/nginx-1.2.3.tgz.prov", "", registrytest.AsBearer(h.Token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "signature", rec.Body.String())

	// provenance is not listed as a chart entry
	rec = h.Do(http.MethodGet, base+"/stable/index.yaml", "", registrytest.AsBearer(h.Token))
	var doc struct {
		Entries map[string][]struct {
			Version string `yaml:"version"`
		} `yaml:"entries"`
	}
	require.NoError(t, yaml.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Len(t, doc.Entries["nginx"], 1)
}

func TestHelmChartImmutability(t *testing.T) {
	h := registrytest.New(t, New())
	uploadChart(t, h, "stable", "nginx-1.2.3.tgz", "first")

	body, ct := chartBody(t, "nginx-1.2.3.tgz", "second")
	rec := h.Do(http.MethodPost, base+"/api/stable/charts", body,
		registrytest.AsBearer(h.Token), registrytest.WithHeader("Content-Type", ct))
	assert.Equal(t, http.StatusConflict, rec.Code)
}
