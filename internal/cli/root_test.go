package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quualle/AgencyReporter/internal/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	content := "database:\n  path: " + filepath.Join(dir, "cache.db") + "\nlog:\n  level: error\n" + extra
	path := filepath.Join(dir, "agencycache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommandSubcommands(t *testing.T) {
	cmd := newRootCmd()
	for _, name := range []string{"serve", "cleanup", "stats", "preload", "token"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))

	preload, _, err := cmd.Find([]string{"preload"})
	require.NoError(t, err)
	assert.NotNil(t, preload.Flags().ShorthandLookup("a"))
	assert.NotNil(t, preload.Flags().Lookup("skip-fresh"))
}

func TestStatsAndCleanup(t *testing.T) {
	cfg := writeConfig(t, "")

	out, err := run(t, "stats", "--config", cfg)
	require.NoError(t, err)
	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 0.0, stats["total_entries"])

	out, err = run(t, "cleanup", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, `"deleted_count": 0`)
}

func TestPreloadRequiresBaseURL(t *testing.T) {
	_, err := run(t, "preload", "--config", writeConfig(t, ""), "--agency", "A1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_url")
}

func TestTokenCommand(t *testing.T) {
	_, err := run(t, "token", "--config", writeConfig(t, ""))
	require.Error(t, err)

	out, err := run(t, "token", "--config", writeConfig(t, "admin:\n  jwt_secret: k\n"), "--subject", "ops")
	require.NoError(t, err)

	claims, err := api.ValidateAdminToken("k", strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
}
