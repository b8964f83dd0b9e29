package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunCmd_MissingScenarioFileReturnsError(t *testing.T) {
	err := runCmd.RunE(runCmd, []string{"/nonexistent/scenario.yaml"})
	require.Error(t, err)
}

func TestRunCmd_ArgsValidatorRejectsWrongCount(t *testing.T) {
	require.Error(t, runCmd.Args(runCmd, nil))
	require.Error(t, runCmd.Args(runCmd, []string{"a", "b"}))
	require.NoError(t, runCmd.Args(runCmd, []string{"a"}))
}

func TestRunCmd_InvalidScenarioYAMLReturnsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o644))

	err := runCmd.RunE(runCmd, []string{path})
	require.Error(t, err)
}
