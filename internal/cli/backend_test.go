package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCLIConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pairlock.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestEntityCommands_TransactionSettings(t *testing.T) {
	clearEnv(t)
	db := filepath.Join(t.TempDir(), "pairlock.db")
	cfg := writeCLIConfig(t, fmt.Sprintf(`
backend: sqlite
dsn: %s
isolation: serializable
get_lock: none
serialization_retries: 3
retry_backoff: 1ms
`, db))

	out, err := execute(t, "create", "Ann", "--config", cfg)
	require.NoError(t, err)
	assert.Equal(t, "1\tAnn\t-\n", out)

	out, err = execute(t, "get", "1", "--config", cfg)
	require.NoError(t, err)
	assert.Equal(t, "1\tAnn\t-\n", out)
}

func TestEntityCommands_RejectsExclusiveGetLock(t *testing.T) {
	clearEnv(t)
	cfg := writeCLIConfig(t, "backend: memory\nget_lock: exclusive\n")

	_, err := execute(t, "get", "1", "--config", cfg)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "get_lock must be none or shared")
}
