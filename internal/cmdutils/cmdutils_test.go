package cmdutils_test

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/aws-sdk-go-v2/service/sts/types"
	ini "gopkg.in/ini.v1"

	"github.com/cloudbroker/adfscreds/internal/broker"
	"github.com/cloudbroker/adfscreds/internal/cmdutils"
	"github.com/cloudbroker/adfscreds/internal/credstore"
	"github.com/cloudbroker/adfscreds/internal/identity"
	"github.com/cloudbroker/adfscreds/internal/resolve"
)

const (
	prodPrincipal = "arn:aws:iam::123456789012:saml-provider/X"
	prodAdmin     = "arn:aws:iam::123456789012:role/Admin"
	prodReadOnly  = "arn:aws:iam::123456789012:role/ReadOnly"
)

func grantedAssertion(roleValues ...string) string {
	sb := &strings.Builder{}
	sb.WriteString(`<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion">`)
	sb.WriteString(`<saml:Assertion><saml:AttributeStatement>`)
	sb.WriteString(`<saml:Attribute Name="https://aws.amazon.com/SAML/Attributes/Role">`)
	for _, v := range roleValues {
		fmt.Fprintf(sb, `<saml:AttributeValue>%s</saml:AttributeValue>`, v)
	}
	sb.WriteString(`</saml:Attribute></saml:AttributeStatement></saml:Assertion></samlp:Response>`)
	return base64.StdEncoding.EncodeToString([]byte(sb.String()))
}

func idpServer(t *testing.T, assertion string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body><form><input type="hidden" name="SAMLResponse" value="%s"/></form></body></html>`, assertion)
	}))
	t.Cleanup(ts.Close)
	return ts
}

type mockStsApi struct {
	assumeRoleWSaml func(ctx context.Context, params *sts.AssumeRoleWithSAMLInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithSAMLOutput, error)
}

func (m *mockStsApi) AssumeRoleWithSAML(ctx context.Context, params *sts.AssumeRoleWithSAMLInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithSAMLOutput, error) {
	return m.assumeRoleWSaml(ctx, params, optFns...)
}

type mockIamApi struct {
	listAliases func(ctx context.Context, params *iam.ListAccountAliasesInput, optFns ...func(*iam.Options)) (*iam.ListAccountAliasesOutput, error)
}

func (m *mockIamApi) ListAccountAliases(ctx context.Context, params *iam.ListAccountAliasesInput, optFns ...func(*iam.Options)) (*iam.ListAccountAliasesOutput, error) {
	return m.listAliases(ctx, params, optFns...)
}

// perRoleSts issues credentials stamped with the role short name so the
// store contents can be traced back to the binding they came from.
func perRoleSts(failRoles ...string) *mockStsApi {
	m := &mockStsApi{}
	m.assumeRoleWSaml = func(ctx context.Context, params *sts.AssumeRoleWithSAMLInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithSAMLOutput, error) {
		for _, f := range failRoles {
			if *params.RoleArn == f {
				return nil, fmt.Errorf("AccessDenied for %s", f)
			}
		}
		name := broker.RoleName(*params.RoleArn)
		return &sts.AssumeRoleWithSAMLOutput{
			AssumedRoleUser: &types.AssumedRoleUser{
				Arn: aws.String(fmt.Sprintf("arn:aws:sts::123456789012:assumed-role/%s/session", name)),
			},
			Credentials: &types.Credentials{
				AccessKeyId:     aws.String("AKIA-" + name),
				SecretAccessKey: aws.String("secret-" + name),
				SessionToken:    aws.String("session-" + name),
				Expiration:      aws.Time(time.Now().Add(time.Hour)),
			},
		}, nil
	}
	return m
}

func prodAliases() *mockIamApi {
	m := &mockIamApi{}
	m.listAliases = func(ctx context.Context, params *iam.ListAccountAliasesInput, optFns ...func(*iam.Options)) (*iam.ListAccountAliasesOutput, error) {
		return &iam.ListAccountAliasesOutput{AccountAliases: []string{"prod-payments"}}, nil
	}
	return m
}

func testBrokerage(t *testing.T, ts *httptest.Server, stsSvc *mockStsApi, iamSvc *mockIamApi) cmdutils.Brokerage {
	t.Helper()
	store, err := credstore.New(filepath.Join(t.TempDir(), "credentials"))
	if err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}
	return cmdutils.Brokerage{
		Session: identity.AuthSession{
			ProviderURL: ts.URL,
			Domain:      "CORP",
			Username:    "someone",
			Password:    "secret",
		},
		Sts:        stsSvc,
		Aliases:    broker.NewAliasCache(func(broker.Token) broker.ListAccountAliasesAPI { return iamSvc }),
		Store:      store,
		HTTPClient: ts.Client(),
	}
}

func storedProfiles(t *testing.T, store *credstore.Store) map[string]string {
	t.Helper()
	cfg, err := ini.LooseLoad(store.Path())
	if err != nil {
		t.Fatalf("failed to read store: %s", err)
	}
	out := map[string]string{}
	for _, s := range cfg.Sections() {
		if s.Name() == ini.DefaultSection {
			continue
		}
		out[s.Name()] = s.Key("aws_access_key_id").String()
	}
	return out
}

func Test_Run_all_accounts_writes_one_profile_per_binding(t *testing.T) {
	ts := idpServer(t, grantedAssertion(
		prodPrincipal+","+prodAdmin,
		prodPrincipal+","+prodReadOnly,
		// duplicate grant must not produce a second worker
		prodPrincipal+","+prodAdmin,
	))
	deps := testBrokerage(t, ts, perRoleSts(), prodAliases())

	err := cmdutils.Run(context.TODO(), cmdutils.RunConfig{
		ProfileTemplate: "%a:%r",
		AllAccounts:     true,
		Batch:           true,
	}, deps)
	if err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}

	got := storedProfiles(t, deps.Store)
	want := map[string]string{
		"prod-payments:Admin":    "AKIA-Admin",
		"prod-payments:ReadOnly": "AKIA-ReadOnly",
	}
	if len(got) != len(want) {
		t.Fatalf("got profiles %v, wanted %v", got, want)
	}
	for profile, key := range want {
		if got[profile] != key {
			t.Errorf("profile %s: got %s, wanted %s", profile, got[profile], key)
		}
	}
}

func Test_Run_account_and_role_selection_scenario(t *testing.T) {
	ts := idpServer(t, grantedAssertion(
		prodPrincipal+","+prodAdmin,
		prodPrincipal+","+prodReadOnly,
	))
	deps := testBrokerage(t, ts, perRoleSts(), prodAliases())

	err := cmdutils.Run(context.TODO(), cmdutils.RunConfig{
		ProfileTemplate: "%a:%r",
		AccountSelector: "123456789012",
		RoleSelector:    "Admin",
		Batch:           true,
	}, deps)
	if err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}

	got := storedProfiles(t, deps.Store)
	if len(got) != 1 || got["prod-payments:Admin"] != "AKIA-Admin" {
		t.Errorf("got profiles %v, wanted only prod-payments:Admin", got)
	}
}

func Test_Run_worker_failure_is_isolated(t *testing.T) {
	ts := idpServer(t, grantedAssertion(
		prodPrincipal+","+prodAdmin,
		prodPrincipal+","+prodReadOnly,
	))
	deps := testBrokerage(t, ts, perRoleSts(prodAdmin), prodAliases())

	err := cmdutils.Run(context.TODO(), cmdutils.RunConfig{
		ProfileTemplate: "%a:%r",
		AllAccounts:     true,
		Batch:           true,
	}, deps)
	if err != nil {
		t.Fatalf("a single worker failure must not fail the pass, got %s", err)
	}

	got := storedProfiles(t, deps.Store)
	if _, exists := got["prod-payments:Admin"]; exists {
		t.Error("failed worker must not write its profile")
	}
	if got["prod-payments:ReadOnly"] != "AKIA-ReadOnly" {
		t.Errorf("sibling worker affected by failure: %v", got)
	}
}

func Test_Run_continuous_mode_stops_when_cancelled(t *testing.T) {
	ts := idpServer(t, grantedAssertion(prodPrincipal+","+prodAdmin))

	ctx, cancel := context.WithCancel(context.Background())
	inner := perRoleSts()
	stsSvc := &mockStsApi{}
	stsSvc.assumeRoleWSaml = func(c context.Context, params *sts.AssumeRoleWithSAMLInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithSAMLOutput, error) {
		out, err := inner.assumeRoleWSaml(c, params, optFns...)
		// the operator interrupts while the first pass is still running
		cancel()
		return out, err
	}
	deps := testBrokerage(t, ts, stsSvc, prodAliases())

	err := cmdutils.Run(ctx, cmdutils.RunConfig{
		ProfileTemplate: "%a:%r",
		AllAccounts:     true,
		AutoUpdate:      true,
		Batch:           true,
	}, deps)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, wanted %s", err, context.Canceled)
	}

	got := storedProfiles(t, deps.Store)
	if got["prod-payments:Admin"] != "AKIA-Admin" {
		t.Errorf("first pass must land before the loop exits, got %v", got)
	}
}

func Test_Run_continuous_mode_repeats_until_cancelled(t *testing.T) {
	ts := idpServer(t, grantedAssertion(prodPrincipal+","+prodAdmin))

	ctx, cancel := context.WithCancel(context.Background())
	var passes int32
	stsSvc := &mockStsApi{}
	stsSvc.assumeRoleWSaml = func(c context.Context, params *sts.AssumeRoleWithSAMLInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithSAMLOutput, error) {
		n := atomic.AddInt32(&passes, 1)
		if n >= 2 {
			cancel()
		}
		return &sts.AssumeRoleWithSAMLOutput{
			AssumedRoleUser: &types.AssumedRoleUser{
				Arn: aws.String("arn:aws:sts::123456789012:assumed-role/Admin/session"),
			},
			Credentials: &types.Credentials{
				AccessKeyId:     aws.String(fmt.Sprintf("AKIA-pass-%d", n)),
				SecretAccessKey: aws.String("secret"),
				SessionToken:    aws.String("session"),
				Expiration:      aws.Time(time.Now().Add(time.Hour)),
			},
		}, nil
	}
	deps := testBrokerage(t, ts, stsSvc, prodAliases())

	err := cmdutils.Run(ctx, cmdutils.RunConfig{
		ProfileTemplate: "%a:%r",
		AllAccounts:     true,
		AutoUpdate:      true,
		Batch:           true,
		RefreshInterval: time.Millisecond,
	}, deps)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, wanted %s", err, context.Canceled)
	}
	if atomic.LoadInt32(&passes) < 2 {
		t.Fatal("second pass never ran")
	}

	got := storedProfiles(t, deps.Store)
	if got["prod-payments:Admin"] != "AKIA-pass-2" {
		t.Errorf("second pass must overwrite the profile, got %v", got)
	}
}

func Test_Run_alias_fallback_exchanges_once_per_principal(t *testing.T) {
	ts := idpServer(t, grantedAssertion(
		prodPrincipal+","+prodAdmin,
		prodPrincipal+","+prodReadOnly,
	))

	var exchanges int32
	inner := perRoleSts()
	stsSvc := &mockStsApi{}
	stsSvc.assumeRoleWSaml = func(c context.Context, params *sts.AssumeRoleWithSAMLInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithSAMLOutput, error) {
		atomic.AddInt32(&exchanges, 1)
		return inner.assumeRoleWSaml(c, params, optFns...)
	}
	deps := testBrokerage(t, ts, stsSvc, prodAliases())

	// the selector only matches through the alias, so resolution needs the
	// fallback pass; the shared principal must cost one probe token, not one
	// per candidate binding
	err := cmdutils.Run(context.TODO(), cmdutils.RunConfig{
		ProfileTemplate: "%a:%r",
		AccountSelector: "prod-payments",
		Batch:           true,
	}, deps)
	if err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}

	// one probe during resolution plus one per worker
	if got := atomic.LoadInt32(&exchanges); got != 3 {
		t.Errorf("got %d exchanges, wanted 3", got)
	}
	got := storedProfiles(t, deps.Store)
	if len(got) != 2 || got["prod-payments:Admin"] != "AKIA-Admin" || got["prod-payments:ReadOnly"] != "AKIA-ReadOnly" {
		t.Errorf("got profiles %v, wanted both bindings written", got)
	}
}

func Test_Run_unmatched_selector_writes_nothing(t *testing.T) {
	ts := idpServer(t, grantedAssertion(
		prodPrincipal+","+prodAdmin,
		"arn:aws:iam::999888777666:saml-provider/Y,arn:aws:iam::999888777666:role/Admin",
	))
	deps := testBrokerage(t, ts, perRoleSts(), prodAliases())

	err := cmdutils.Run(context.TODO(), cmdutils.RunConfig{
		ProfileTemplate: "%a:%r",
		AccountSelector: "no-such-account",
		Batch:           true,
	}, deps)
	if !errors.Is(err, resolve.ErrNotFound) {
		t.Fatalf("got %v, wanted %s", err, resolve.ErrNotFound)
	}
	if !strings.Contains(err.Error(), "no-such-account") {
		t.Errorf("error must name the unmatched selector: %s", err)
	}

	if got := storedProfiles(t, deps.Store); len(got) != 0 {
		t.Errorf("no store write expected, got %v", got)
	}
}

func Test_Run_config_validation_with(t *testing.T) {
	ttests := map[string]struct {
		conf   cmdutils.RunConfig
		errTyp error
	}{
		"neither account nor all-accounts": {
			conf:   cmdutils.RunConfig{Batch: true},
			errTyp: cmdutils.ErrMissingArg,
		},
		"all-accounts with an account selector": {
			conf:   cmdutils.RunConfig{AllAccounts: true, AccountSelector: "123456789012", Batch: true},
			errTyp: cmdutils.ErrConflictingArg,
		},
		"all-accounts with a role selector": {
			conf:   cmdutils.RunConfig{AllAccounts: true, RoleSelector: "Admin", Batch: true},
			errTyp: cmdutils.ErrConflictingArg,
		},
	}
	for name, tt := range ttests {
		t.Run(name, func(t *testing.T) {
			err := cmdutils.Run(context.TODO(), tt.conf, cmdutils.Brokerage{})
			if err == nil {
				t.Fatalf("got <nil>, wanted %s", tt.errTyp)
			}
			if !errors.Is(err, tt.errTyp) {
				t.Errorf("got %s, wanted %s", err, tt.errTyp)
			}
		})
	}
}
