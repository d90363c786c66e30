package main

import (
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blacktea/internal/config"
	"github.com/srg/blacktea/internal/testutils"
)

// installGroupStore redirects the group commands at a settings file
// under the test's temp dir. Each invocation reloads from disk, like
// separate blacktea runs would.
func installGroupStore(t *testing.T) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	original := groupStore
	groupStore = func(cmd *cobra.Command) (*config.Store, error) {
		store := config.NewStore(path, testutils.NewTestLogger())
		if err := store.Load(); err != nil {
			return nil, err
		}
		return store, nil
	}
	t.Cleanup(func() { groupStore = original })
}

func TestGroupsLifecycle(t *testing.T) {
	installGroupStore(t)

	out, err := executeCommand(commandTree(groupsCmd), "groups", "set", "lab", "S1", "S2")
	require.NoError(t, err)
	assert.Contains(t, out, `Group "lab": S1, S2`)

	out, err = executeCommand(commandTree(groupsCmd), "groups", "list")
	require.NoError(t, err)
	testutils.NewTextAsserter(t).Assert(out, "NAME  DEVICES  SERIALS\nlab   2        S1, S2\n")

	out, err = executeCommand(commandTree(groupsCmd), "groups", "remove", "lab")
	require.NoError(t, err)
	assert.Contains(t, out, `Group "lab" removed`)

	out, err = executeCommand(commandTree(groupsCmd), "groups", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No groups saved")

	_, err = executeCommand(commandTree(groupsCmd), "groups", "remove", "lab")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no group named "lab"`)
}

func TestGroupsListIsSortedByName(t *testing.T) {
	installGroupStore(t)

	_, err := executeCommand(commandTree(groupsCmd), "groups", "set", "qa", "S9")
	require.NoError(t, err)
	_, err = executeCommand(commandTree(groupsCmd), "groups", "set", "bench", "S1", "S2", "S3")
	require.NoError(t, err)

	out, err := executeCommand(commandTree(groupsCmd), "groups", "list")
	require.NoError(t, err)
	testutils.NewTextAsserter(t).Assert(out, "NAME   DEVICES  SERIALS\nbench  3        S1, S2, S3\nqa     1        S9\n")
}

func TestGroupsBareCommandListsGroups(t *testing.T) {
	installGroupStore(t)

	out, err := executeCommand(commandTree(groupsCmd), "groups")
	require.NoError(t, err)
	assert.Contains(t, out, "No groups saved")
}
