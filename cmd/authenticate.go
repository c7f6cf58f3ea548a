package cmd

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cloudbroker/adfscreds/internal/broker"
	"github.com/cloudbroker/adfscreds/internal/cmdutils"
	"github.com/cloudbroker/adfscreds/internal/credstore"
	"github.com/cloudbroker/adfscreds/internal/identity"
)

var (
	providerURL     string
	domain          string
	username        string
	password        string
	region          string
	batch           bool
	allAccounts     bool
	accountSelector string
	roleSelector    string
	profileTemplate string
	autoUpdate      bool

	authenticateCmd = &cobra.Command{
		Use:   "authenticate <flags>",
		Short: "Authenticate via SAML and write temporary tokens to the credentials file",
		Long: `Authenticate via SAML and write out temporary security tokens to the credentials file.
One profile is written per selected account/role pair; --auto-update keeps
refreshing them every hour until interrupted.`,
		RunE: getAuthenticate,
	}
)

func init() {
	authenticateCmd.PersistentFlags().StringVarP(&providerURL, "url", "u", "", "URL of the ADFS provider (default $ADFS_URL)")
	authenticateCmd.PersistentFlags().StringVarP(&domain, "domain", "d", "", "Windows domain to authenticate to (default $ADFS_DOMAIN)")
	authenticateCmd.PersistentFlags().StringVarP(&username, "username", "", "", "Name of user to authenticate as (default $USER)")
	authenticateCmd.PersistentFlags().StringVarP(&password, "password", "", "", "Password for user")
	authenticateCmd.PersistentFlags().StringVarP(&region, "region", "", "", "AWS region to use (default $AWS_DEFAULT_REGION or us-east-1)")
	authenticateCmd.PersistentFlags().BoolVarP(&batch, "batch", "b", false, "Disable all interactive prompts")
	authenticateCmd.PersistentFlags().BoolVarP(&allAccounts, "all-accounts", "", false, "Retrieve tokens for all accounts and roles")
	authenticateCmd.PersistentFlags().StringVarP(&accountSelector, "account", "a", "", "Name or ID of the AWS account for which to generate tokens")
	authenticateCmd.PersistentFlags().StringVarP(&roleSelector, "role", "r", "", "Name or ARN of the role for which to generate tokens (default: all for account)")
	authenticateCmd.PersistentFlags().StringVarP(&profileTemplate, "profile", "p", "%a:%r", "Naming pattern for profile names; %a=account alias, %r=role name")
	authenticateCmd.PersistentFlags().BoolVarP(&autoUpdate, "auto-update", "", false, "Continue running and update the token(s) every hour")
	RootCmd.AddCommand(authenticateCmd)
}

func getAuthenticate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if providerURL == "" {
		providerURL = viper.GetString("ADFS_URL")
	}
	if domain == "" {
		domain = viper.GetString("ADFS_DOMAIN")
	}
	if username == "" {
		username = viper.GetString("USER")
	}
	if region == "" {
		region = viper.GetString("AWS_DEFAULT_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return fmt.Errorf("failed to load aws config: %w", err)
	}
	// the SAML exchange itself is unsigned
	stsSvc := sts.NewFromConfig(awsCfg, func(o *sts.Options) {
		o.Credentials = aws.AnonymousCredentials{}
	})
	aliasClients := func(token broker.Token) broker.ListAccountAliasesAPI {
		cfg := awsCfg.Copy()
		cfg.Credentials = credentials.NewStaticCredentialsProvider(
			token.AccessKeyID, token.SecretAccessKey, token.SessionToken)
		return iam.NewFromConfig(cfg)
	}

	store, err := credstore.New(storePath())
	if err != nil {
		return err
	}

	return cmdutils.Run(ctx,
		cmdutils.RunConfig{
			ProfileTemplate: profileTemplate,
			AccountSelector: accountSelector,
			RoleSelector:    roleSelector,
			AllAccounts:     allAccounts,
			AutoUpdate:      autoUpdate,
			Batch:           batch,
		},
		cmdutils.Brokerage{
			Session: identity.AuthSession{
				ProviderURL: providerURL,
				Domain:      domain,
				Username:    username,
				Password:    password,
			},
			Sts:        stsSvc,
			Aliases:    broker.NewAliasCache(aliasClients),
			Store:      store,
			HTTPClient: identity.NewNegotiateClient(),
		})
}
