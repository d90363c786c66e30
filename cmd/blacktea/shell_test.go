package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blacktea/pkg/fleet"
)

// resetShellFlags rebuilds the shell command's flag set. Slice flags
// keep their pflag changed bit across executions and would append
// instead of replace on the next parse.
func resetShellFlags() {
	shellTargets = targetFlags{}
	shellScript = ""
	shellCmd.ResetFlags()
	shellTargets.register(shellCmd)
	shellCmd.Flags().StringVar(&shellScript, "script", "", "Run commands from a file instead of the arguments")
}

func TestShellRunsOnSelectedDevice(t *testing.T) {
	resetShellFlags()
	runner := discoveryRunner()
	runner.StubLines("-s S1 shell getprop ro.serialno", "S1")
	installFactory(t, runner)

	out, err := executeCommand(commandTree(shellCmd), "shell", "-s", "S1", "getprop", "ro.serialno")
	require.NoError(t, err)

	assert.Contains(t, out, "$ getprop ro.serialno")
	assert.Contains(t, out, "S1 (Pixel 7):")
	assert.Contains(t, out, "  S1")
}

func TestShellDefaultSelectionReportsPartialFailure(t *testing.T) {
	resetShellFlags()
	runner := discoveryRunner()
	runner.StubLines("-s S1 shell getprop ro.serialno", "S1")
	installFactory(t, runner)

	// No selection flags: the command targets both devices, and the
	// unauthorized one contributes its failure entry.
	out, err := executeCommand(commandTree(shellCmd), "shell", "getprop", "ro.serialno")
	require.Error(t, err)

	var partial *partialError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, fleet.ExitPartialFailure, exitCode(err))

	assert.Contains(t, out, "S1 (Pixel 7):")
	assert.Contains(t, out, "S2:")
	assert.Contains(t, out, "error: device S2 unavailable: state unauthorized")
}

func TestShellScriptRunsCommandsInOrder(t *testing.T) {
	resetShellFlags()
	runner := discoveryRunner()
	runner.StubLines("-s S1 shell getprop ro.serialno", "S1")
	runner.StubLines("-s S1 shell getprop ro.build.type", "userdebug")
	installFactory(t, runner)

	script := filepath.Join(t.TempDir(), "warmup.txt")
	require.NoError(t, os.WriteFile(script, []byte("# identity\ngetprop ro.serialno\n\ngetprop ro.build.type\n"), 0o644))

	out, err := executeCommand(commandTree(shellCmd), "shell", "-s", "S1", "--script", script)
	require.NoError(t, err)

	first := "$ getprop ro.serialno"
	second := "$ getprop ro.build.type"
	assert.Contains(t, out, first)
	assert.Contains(t, out, second)
	assert.Less(t, strings.Index(out, first), strings.Index(out, second), "script commands run in file order")
	assert.Contains(t, out, "userdebug")
}

func TestShellValidatesArguments(t *testing.T) {
	resetShellFlags()
	_, err := executeCommand(commandTree(shellCmd), "shell")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to run")

	resetShellFlags()
	_, err = executeCommand(commandTree(shellCmd), "shell", "--script", "warmup.txt", "echo", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestShellRejectsUnknownGroup(t *testing.T) {
	resetShellFlags()
	installFactory(t, discoveryRunner())

	_, err := executeCommand(commandTree(shellCmd), "shell", "-g", "nosuch", "echo", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown device group "nosuch"`)
}
