package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pairlock/internal/config"
)

// clearEnv removes pairlock overrides for the duration of a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{config.EnvBackend, config.EnvDSN, config.EnvCheckpointTimeout} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

// execute runs the root command and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "pairlock", cmd.Use)
	assert.Contains(t, cmd.Long, "phantom reads")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"create"}, {"get"}, {"link"}, {"update"},
		{"scenario", "run"}, {"scenario", "trace"}, {"scenario", "validate"},
	}

	for _, path := range commands {
		t.Run(filepath.Join(path...), func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"config", "backend", "dsn"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestScenarioRunFlags(t *testing.T) {
	cmd := NewRootCommand()
	runCmd, _, err := cmd.Find([]string{"scenario", "run"})
	require.NoError(t, err)

	for _, name := range []string{"update", "filter", "golden-dir", "metrics"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), name)
	}
}

func TestInvalidFormat(t *testing.T) {
	clearEnv(t)
	_, err := execute(t, "get", "1", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}

func TestConfigResolution(t *testing.T) {
	clearEnv(t)
	cfgPath := filepath.Join(t.TempDir(), "pairlock.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("backend: memory\nlock_wait_timeout: 2s\n"), 0644))

	opts := &RootOptions{ConfigPath: cfgPath}
	require.NoError(t, opts.resolve(&bytes.Buffer{}))
	assert.Equal(t, config.BackendMemory, opts.Config.Backend)
	require.NotNil(t, opts.Logger)

	// Flags override the file.
	dsn := filepath.Join(t.TempDir(), "flag.db")
	opts = &RootOptions{ConfigPath: cfgPath, Backend: "sqlite", DSN: dsn}
	require.NoError(t, opts.resolve(&bytes.Buffer{}))
	assert.Equal(t, config.BackendSQLite, opts.Config.Backend)
	assert.Equal(t, dsn, opts.Config.DSN)

	// Switching to postgres without a DSN drops the sqlite path.
	opts = &RootOptions{Backend: "postgres"}
	err := opts.resolve(&bytes.Buffer{})
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "requires a dsn")
}

func TestInvalidConfigExitCode(t *testing.T) {
	clearEnv(t)
	_, err := execute(t, "get", "1", "--backend", "oracle")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `unknown backend "oracle"`)
}
