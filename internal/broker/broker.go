package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/cloudbroker/adfscreds/internal/identity"
	"github.com/cloudbroker/adfscreds/internal/util"
)

var ErrExchangeFailed = errors.New("unable to exchange assertion for token")

// tokens are valid for about an hour and are reacquired, never renewed
const tokenDurationSeconds = 3600

// Token is one short-lived credential set issued for a role binding.
type Token struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiration      time.Time
	// AssumedRoleARN identifies the entity that assumed the role.
	AssumedRoleARN string
}

type AssumeRoleWithSAMLAPI interface {
	AssumeRoleWithSAML(ctx context.Context, params *sts.AssumeRoleWithSAMLInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithSAMLOutput, error)
}

// Exchange trades one role binding plus the assertion for a short-lived
// token via the federation token-exchange endpoint.
func Exchange(ctx context.Context, svc AssumeRoleWithSAMLAPI, binding identity.RoleBinding, assertion string) (*Token, error) {
	params := &sts.AssumeRoleWithSAMLInput{
		PrincipalArn:    aws.String(binding.PrincipalARN),
		RoleArn:         aws.String(binding.RoleARN),
		SAMLAssertion:   aws.String(assertion),
		DurationSeconds: aws.Int32(tokenDurationSeconds),
	}

	resp, err := svc.AssumeRoleWithSAML(ctx, params)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("failed to retrieve token for (%s, %s): %s: %s, %w",
				binding.PrincipalARN, binding.RoleARN, apiErr.ErrorCode(), apiErr.ErrorMessage(), ErrExchangeFailed)
		}
		return nil, fmt.Errorf("failed to retrieve token for (%s, %s): %s, %w",
			binding.PrincipalARN, binding.RoleARN, err.Error(), ErrExchangeFailed)
	}

	return &Token{
		AccessKeyID:     aws.ToString(resp.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(resp.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(resp.Credentials.SessionToken),
		Expiration:      aws.ToTime(resp.Credentials.Expiration),
		AssumedRoleARN:  aws.ToString(resp.AssumedRoleUser.Arn),
	}, nil
}

type ListAccountAliasesAPI interface {
	ListAccountAliases(ctx context.Context, params *iam.ListAccountAliasesInput, optFns ...func(*iam.Options)) (*iam.ListAccountAliasesOutput, error)
}

// AliasClientFactory builds an account-metadata client authenticated with a
// just-issued token.
type AliasClientFactory func(Token) ListAccountAliasesAPI

// AliasCache resolves principal ARNs to human-readable account names. It is
// scoped to one run and shared across workers behind a mutex, so each
// distinct account is looked up over the network at most once.
type AliasCache struct {
	mu      sync.Mutex
	aliases map[string]string
	clients AliasClientFactory
}

func NewAliasCache(clients AliasClientFactory) *AliasCache {
	return &AliasCache{
		aliases: map[string]string{},
		clients: clients,
	}
}

// Resolve returns the account alias for the binding's principal, performing
// a cached token-gated lookup. Resolution never hard-fails: on any error the
// account-number segment of the assumed-role identity is returned, and with
// no token at all the principal ARN itself.
func (c *AliasCache) Resolve(ctx context.Context, binding identity.RoleBinding, token *Token) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if alias, ok := c.aliases[binding.PrincipalARN]; ok {
		return alias
	}
	if token == nil {
		return binding.PrincipalARN
	}

	alias := c.lookup(ctx, *token)
	c.aliases[binding.PrincipalARN] = alias
	return alias
}

// Cached returns the alias already resolved for the binding's principal, if
// any. It never performs a lookup, so callers can check it before paying for
// the token a lookup would need.
func (c *AliasCache) Cached(binding identity.RoleBinding) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	alias, ok := c.aliases[binding.PrincipalARN]
	return alias, ok
}

func (c *AliasCache) lookup(ctx context.Context, token Token) string {
	resp, err := c.clients(token).ListAccountAliases(ctx, &iam.ListAccountAliasesInput{})
	if err != nil {
		util.Traceln("failed to get account alias for %s: %v", token.AssumedRoleARN, err)
		return AccountNumber(token.AssumedRoleARN)
	}
	if len(resp.AccountAliases) == 0 {
		return AccountNumber(token.AssumedRoleARN)
	}
	return resp.AccountAliases[0]
}

// AccountNumber extracts the account-number segment of an ARN.
func AccountNumber(arn string) string {
	parts := strings.Split(arn, ":")
	if len(parts) < 5 {
		return arn
	}
	return parts[4]
}

// RoleName returns the role short name, the trailing path segment after the
// last role/ component of the role ARN.
func RoleName(roleARN string) string {
	parts := strings.Split(roleARN, ":")
	name := parts[len(parts)-1]
	if i := strings.LastIndex(name, "role/"); i >= 0 {
		name = name[i+len("role/"):]
	}
	return name
}

// ProfileName substitutes %a (account alias) and %r (role short name) in the
// user template.
func ProfileName(template, alias, roleName string) string {
	return strings.ReplaceAll(strings.ReplaceAll(template, "%a", alias), "%r", roleName)
}
