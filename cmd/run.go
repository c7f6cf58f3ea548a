package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"
)

var (
	runMultiple bool
	runCmd      = &cobra.Command{
		Use:   "run-command <pattern> -- <command> [args...]",
		Short: "Run a command with a profile matching pattern",
		Long: `Run a command with AWS_PROFILE and AWS_DEFAULT_PROFILE set to the profile
matching pattern. With --multiple the command is run once for every match.`,
		Args: cobra.MinimumNArgs(2),
		RunE: runCommand,
	}
)

func init() {
	runCmd.PersistentFlags().BoolVarP(&runMultiple, "multiple", "m", false, "If pattern matches multiple profiles, run the command in all of them")
	RootCmd.AddCommand(runCmd)
}

func runCommand(cmd *cobra.Command, args []string) error {
	names, err := matchProfiles(args[0])
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("no matching profiles found")
	}
	if len(names) > 1 && !runMultiple {
		return fmt.Errorf("pattern %q is not unique, it matches these profiles:\n\t%s", args[0], strings.Join(names, "\n\t"))
	}

	// a failing command must not stop the remaining profiles from getting
	// their turn
	var failed []string
	for _, profile := range names {
		sub := exec.CommandContext(cmd.Context(), args[1], args[2:]...)
		sub.Stdin = os.Stdin
		sub.Stdout = cmd.OutOrStdout()
		sub.Stderr = cmd.ErrOrStderr()
		sub.Env = append(os.Environ(),
			fmt.Sprintf("AWS_PROFILE=%s", profile),
			fmt.Sprintf("AWS_DEFAULT_PROFILE=%s", profile),
		)
		if err := sub.Run(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "command failed for profile %s: %v\n", profile, err)
			failed = append(failed, profile)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("command failed for profiles: %s", strings.Join(failed, ", "))
	}
	return nil
}
