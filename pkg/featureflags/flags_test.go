package featureflags

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packgate/packgate/pkg/observability"
)

func TestStatic(t *testing.T) {
	ctx := context.Background()

	flags := Static{"maven_packages": true, "cargo_packages": false}
	assert.True(t, flags.Enabled(ctx, "maven_packages"))
	assert.False(t, flags.Enabled(ctx, "cargo_packages"))
	assert.False(t, flags.Enabled(ctx, "unknown"))

	assert.True(t, AllEnabled.Enabled(ctx, "anything"))
}

func TestFileOracle(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "flags.yml")
	require.NoError(t, os.WriteFile(path, []byte("maven_packages: true\nnpm_packages: false\n"), 0o644))

	logger := observability.NewLogger(observability.ErrorLevel, os.Stderr)
	oracle, err := NewFileOracle(path, logger)
	require.NoError(t, err)
	defer oracle.Close()

	assert.True(t, oracle.Enabled(ctx, "maven_packages"))
	assert.False(t, oracle.Enabled(ctx, "npm_packages"))

	require.NoError(t, os.WriteFile(path, []byte("maven_packages: false\nnpm_packages: true\n"), 0o644))

	// the reload is asynchronous, poll briefly
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if oracle.Enabled(ctx, "npm_packages") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, oracle.Enabled(ctx, "npm_packages"))
	assert.False(t, oracle.Enabled(ctx, "maven_packages"))
}

func TestFileOracleBadFile(t *testing.T) {
	logger := observability.NewLogger(observability.ErrorLevel, os.Stderr)
	_, err := NewFileOracle(filepath.Join(t.TempDir(), "missing.yml"), logger)
	assert.Error(t, err)
}
