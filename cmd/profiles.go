package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cloudbroker/adfscreds/internal/credstore"
)

var (
	listProfilesCmd = &cobra.Command{
		Use:   "list-profiles [pattern]",
		Short: "List available profiles in the credentials file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  listProfiles,
	}
	selectProfileCmd = &cobra.Command{
		Use:   "select-profile <pattern>",
		Short: "Print the single profile name matching pattern",
		Args:  cobra.ExactArgs(1),
		RunE:  selectProfile,
	}
)

func init() {
	RootCmd.AddCommand(listProfilesCmd)
	RootCmd.AddCommand(selectProfileCmd)
}

func listProfiles(cmd *cobra.Command, args []string) error {
	pattern := ""
	if len(args) > 0 {
		pattern = args[0]
	}
	names, err := matchProfiles(pattern)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	return nil
}

func selectProfile(cmd *cobra.Command, args []string) error {
	names, err := matchProfiles(args[0])
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("no profile found matching pattern %q", args[0])
	}
	if len(names) > 1 {
		return fmt.Errorf("pattern %q is ambiguous, it matches these profiles:\n\t%s", args[0], strings.Join(names, "\n\t"))
	}
	fmt.Fprintln(cmd.OutOrStdout(), names[0])
	return nil
}

func matchProfiles(pattern string) ([]string, error) {
	store, err := credstore.New(storePath())
	if err != nil {
		return nil, err
	}
	return store.Profiles(pattern)
}
