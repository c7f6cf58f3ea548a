package cmd

import (
	"os"
	"path"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cloudbroker/adfscreds/internal/util"
)

var (
	verbose   bool
	credsFile string
	RootCmd   = &cobra.Command{
		Use:   util.SELF_NAME,
		Short: "CLI tool for brokering federated AWS credentials",
		Long: `CLI tool for brokering federated AWS credentials via an ADFS identity provider.
Authenticates with integrated Windows-domain credentials, exchanges each granted
role for a short-lived token and stores them as named profiles in the shared
credentials file for other tooling to pick up.`,
	}
)

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		util.Exit(err)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Display trace output")
	RootCmd.PersistentFlags().StringVarP(&credsFile, "filename", "f", "", "Name of the AWS credentials file (default $HOME/.aws/credentials)")
}

func initConfig() {
	viper.AutomaticEnv()
	util.IsTraceEnabled = verbose
}

// storePath resolves the credentials file location: flag first, then the
// standard AWS override variable, then the per-user default.
func storePath() string {
	if credsFile != "" {
		return credsFile
	}
	if overridden := viper.GetString("AWS_SHARED_CREDENTIALS_FILE"); overridden != "" {
		return overridden
	}
	home, err := os.UserHomeDir()
	if err != nil {
		util.Exit(err)
	}
	return path.Join(home, ".aws", "credentials")
}
