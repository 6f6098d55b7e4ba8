package syncer

import (
	"context"
	"errors"

	"github.com/ashita-ai/akashi/internal/runtimeerr"
)

// ErrNoExternalProvider is returned by NoopExternal to signal that no real
// journal system (e.g. an OJS installation) is wired. Concrete providers
// for the external system are out of scope for this runtime (spec §1's
// "External collaborators via their contracts only") — only the External
// interface and this fail-closed default are specified here, mirroring
// dispatch.NoopChannelProvider and embedding.NoopProvider.
var ErrNoExternalProvider = errors.New("syncer: no external system provider configured (noop)")

// NoopExternal always fails. With direction from_external this naturally
// produces spec §4.7's "external is absent" failure path; with
// to_external/bidirectional it surfaces as a TransientIOError the caller
// may retry, never a silent no-op.
type NoopExternal struct{}

func (NoopExternal) Fetch(context.Context, string, string) (map[string]any, error) {
	return nil, ErrNoExternalProvider
}

func (NoopExternal) Push(context.Context, string, string, map[string]any) error {
	return ErrNoExternalProvider
}

// ValidateForProduction returns a ConfigurationError when ext is still the
// noop default — a misconfigured external system must fail loudly at
// startup in production rather than degrade every sync to "external
// absent" silently (spec §7 ConfigurationError).
func ValidateForProduction(ext External, environment string) error {
	if environment != "production" {
		return nil
	}
	if _, isNoop := ext.(NoopExternal); isNoop {
		return &runtimeerr.ConfigurationError{Component: "SYNC_EXTERNAL_PROVIDER", Reason: "no external system provider configured in production"}
	}
	return nil
}
