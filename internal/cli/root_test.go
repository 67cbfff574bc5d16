package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "chunkledger", cmd.Use)
	assert.Contains(t, cmd.Long, "hash-chained ledger")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"serve"}, {"verify"}, {"reconcile"}, {"sessions"}, {"config"},
		{"ledger", "audit"}, {"ledger", "owner"}, {"ledger", "list"},
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

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestInvalidFormat(t *testing.T) {
	_, err := runCLI(t, "reconcile", "--log", "testdata/resubmit_log.json", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	addrFlag := serveCmd.Flags().Lookup("addr")
	require.NotNil(t, addrFlag)
	assert.Equal(t, "", addrFlag.DefValue)
}

func TestVerifyRequiresOneSource(t *testing.T) {
	_, err := runCLI(t, "verify")
	assert.Error(t, err)

	_, err = runCLI(t, "verify", "--cid", "x", "--file", "y")
	assert.Error(t, err)
}

// runCLI executes the root command with args and returns stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

// writeConfig writes a YAML config rooted in a temp dir and points
// CHUNKLEDGER_CONFIG at it.
func writeConfig(t *testing.T) (dir, path string) {
	t.Helper()
	dir = t.TempDir()
	path = filepath.Join(dir, "chunkledger.yaml")
	content := "database: " + filepath.Join(dir, "state.db") + "\n" +
		"log:\n  level: error\n" +
		"content_store:\n  kind: dir\n  dir: " + filepath.Join(dir, "content") + "\n" +
		"verify:\n  store:\n    attempts: 1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("CHUNKLEDGER_CONFIG", path)
	return dir, path
}
