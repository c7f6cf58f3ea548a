// Package cmdutils orchestrates the authenticate flow: negotiation, binding
// resolution, concurrent token acquisition and the continuous-refresh loop.
package cmdutils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cloudbroker/adfscreds/internal/broker"
	"github.com/cloudbroker/adfscreds/internal/credstore"
	"github.com/cloudbroker/adfscreds/internal/identity"
	"github.com/cloudbroker/adfscreds/internal/resolve"
	"github.com/cloudbroker/adfscreds/internal/util"
)

var (
	ErrMissingArg     = errors.New("missing arg")
	ErrConflictingArg = errors.New("conflicting args")
)

// tokens live ~60 minutes; refreshing at 59 leaves a one minute margin
const defaultRefreshInterval = 59 * time.Minute

type RunConfig struct {
	ProfileTemplate string
	AccountSelector string
	RoleSelector    string
	AllAccounts     bool
	AutoUpdate      bool
	Batch           bool
	// RefreshInterval overrides the cadence between continuous passes.
	// Zero selects the default.
	RefreshInterval time.Duration
}

func (c RunConfig) refreshInterval() time.Duration {
	if c.RefreshInterval > 0 {
		return c.RefreshInterval
	}
	return defaultRefreshInterval
}

func (c RunConfig) validate() error {
	if !c.AllAccounts && c.AccountSelector == "" {
		return fmt.Errorf("need --account or --all-accounts, %w", ErrMissingArg)
	}
	if c.AllAccounts && (c.AccountSelector != "" || c.RoleSelector != "") {
		return fmt.Errorf("specify --account/--role or --all-accounts, not both, %w", ErrConflictingArg)
	}
	return nil
}

// Brokerage carries the collaborators one run needs. The AWS service APIs
// come in as narrow interfaces so tests can stand in for them.
type Brokerage struct {
	Session    identity.AuthSession
	Sts        broker.AssumeRoleWithSAMLAPI
	Aliases    *broker.AliasCache
	Store      *credstore.Store
	HTTPClient *http.Client
}

// Run authenticates against the identity provider, resolves the selected
// role bindings and acquires a token for each of them concurrently. With
// AutoUpdate set it repeats the full pass on an hourly cadence until the
// context is cancelled.
func Run(ctx context.Context, conf RunConfig, deps Brokerage) error {
	if err := conf.validate(); err != nil {
		return err
	}
	if err := deps.Session.EnsureCredentials(conf.Batch, os.Stdin); err != nil {
		return err
	}

	assertion, err := deps.Session.Negotiate(ctx, deps.HTTPClient)
	if err != nil {
		return err
	}
	bindings, err := identity.ExtractRoleBindings(assertion)
	if err != nil {
		return err
	}

	aliasFn := func(ctx context.Context, b identity.RoleBinding) string {
		if alias, ok := deps.Aliases.Cached(b); ok {
			return alias
		}
		token, err := broker.Exchange(ctx, deps.Sts, b, assertion)
		if err != nil {
			util.Traceln("alias probe: %v", err)
			token = nil
		}
		return deps.Aliases.Resolve(ctx, b, token)
	}
	working, err := resolve.Bindings(ctx, bindings, conf.AccountSelector, conf.RoleSelector, aliasFn)
	if err != nil {
		return err
	}
	working = identity.Dedupe(working)

	for {
		started := time.Now()
		runPass(ctx, conf, deps, working)
		if !conf.AutoUpdate {
			return nil
		}
		util.Traceln("token retrieval took %s", time.Since(started))
		if err := sleepUntilRefresh(ctx, started, conf.refreshInterval()); err != nil {
			return err
		}
	}
}

// runPass fans out one worker per binding and blocks until every worker has
// finished. A worker's failure is reported and terminates only that worker.
func runPass(ctx context.Context, conf RunConfig, deps Brokerage, bindings []identity.RoleBinding) {
	var wg sync.WaitGroup
	for _, b := range bindings {
		wg.Add(1)
		go func(b identity.RoleBinding) {
			defer wg.Done()
			if err := acquireAndStore(ctx, conf, deps, b); err != nil {
				util.Writeln("%v", err)
			}
		}(b)
	}
	wg.Wait()
}

// acquireAndStore is one worker's unit of work. Every worker negotiates its
// own assertion rather than sharing live state with its siblings.
func acquireAndStore(ctx context.Context, conf RunConfig, deps Brokerage, binding identity.RoleBinding) error {
	util.Traceln("getting token for role_arn=%s, principal_arn=%s", binding.RoleARN, binding.PrincipalARN)

	assertion, err := deps.Session.Negotiate(ctx, deps.HTTPClient)
	if err != nil {
		return err
	}
	token, err := broker.Exchange(ctx, deps.Sts, binding, assertion)
	if err != nil {
		return err
	}

	alias := deps.Aliases.Resolve(ctx, binding, token)
	profile := broker.ProfileName(conf.ProfileTemplate, alias, broker.RoleName(binding.RoleARN))

	util.Writeln("writing credentials for profile %s", profile)
	return deps.Store.WriteProfile(profile, *token)
}

// sleepUntilRefresh blocks until interval has elapsed since the pass started,
// reporting the remaining minutes at coarse granularity. Cancellation is
// observed even when the deadline has already passed.
func sleepUntilRefresh(ctx context.Context, started time.Time, interval time.Duration) error {
	deadline := started.Add(interval)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		fmt.Fprintf(os.Stderr, "%d minutes till credential refresh\r", int(remaining.Minutes()))
		wait := time.Minute
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
