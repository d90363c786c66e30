package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/srg/blacktea/internal/config"
)

// groupsCmd represents the groups command
var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Manage saved device groups",
	Long: `Device groups are named serial lists saved in the settings file. Any
device-selecting command accepts them via --group; serials that are no
longer connected are skipped at resolution time.`,
	RunE: runGroupsList,
}

var groupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved groups",
	RunE:  runGroupsList,
}

var groupsSetCmd = &cobra.Command{
	Use:   "set <name> <serial>...",
	Short: "Create or replace a group",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runGroupsSet,
}

var groupsRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Delete a group",
	Args:  cobra.ExactArgs(1),
	RunE:  runGroupsRemove,
}

func init() {
	groupsCmd.AddCommand(groupsListCmd)
	groupsCmd.AddCommand(groupsSetCmd)
	groupsCmd.AddCommand(groupsRemoveCmd)
}

// groupStore opens the settings file. Group commands work directly on
// the store; no adb or controller needed.
var groupStore = func(cmd *cobra.Command) (*config.Store, error) {
	logger, err := configureLogger(cmd)
	if err != nil {
		return nil, err
	}
	cmd.SilenceUsage = true

	store := config.NewStore(config.DefaultPath(), logger)
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return store, nil
}

func runGroupsList(cmd *cobra.Command, args []string) error {
	store, err := groupStore(cmd)
	if err != nil {
		return err
	}
	return displayGroups(cmd.OutOrStdout(), store)
}

func runGroupsSet(cmd *cobra.Command, args []string) error {
	store, err := groupStore(cmd)
	if err != nil {
		return err
	}
	name := args[0]
	if err := store.SetGroup(name, args[1:]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Group %q: %s\n", name, strings.Join(args[1:], ", "))
	return nil
}

func runGroupsRemove(cmd *cobra.Command, args []string) error {
	store, err := groupStore(cmd)
	if err != nil {
		return err
	}
	removed, err := store.RemoveGroup(args[0])
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("no group named %q", args[0])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Group %q removed\n", args[0])
	return nil
}

func displayGroups(out io.Writer, store *config.Store) error {
	groups := store.Settings().DeviceGroups
	if len(groups) == 0 {
		fmt.Fprintln(out, "No groups saved")
		return nil
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDEVICES\tSERIALS")
	for _, name := range names {
		serials := groups[name]
		fmt.Fprintf(w, "%s\t%d\t%s\n", name, len(serials), strings.Join(serials, ", "))
	}
	return w.Flush()
}
