package dispatch

import (
	"context"
	"errors"

	"github.com/ashita-ai/akashi/internal/runtimeerr"
)

// ErrNoChannelProvider is returned by NoopChannelProvider to signal that no
// real delivery channel is wired. Mirrors embedding.ErrNoProvider
// (internal/service/embedding/embedding.go): callers treat this as
// "delivery unavailable", not a transient failure.
var ErrNoChannelProvider = errors.New("dispatch: no channel provider configured (noop)")

// ChannelProvider actually delivers a rendered Message over one Channel.
// External providers (SMTP, Twilio, a chat webhook, ...) are out of scope
// for this runtime (spec §4.8) — only the interface and a fail-closed
// default are specified.
type ChannelProvider interface {
	Deliver(ctx context.Context, msg Message) error
}

// NoopChannelProvider always fails, so a message is never dropped silently.
// Constructing it does not look at Environment; in "production",
// Dispatcher.RegisterTemplate refuses a template whose channel is still
// backed by it (see ValidateForProduction).
type NoopChannelProvider struct{}

func (NoopChannelProvider) Deliver(context.Context, Message) error {
	return ErrNoChannelProvider
}

// ChannelProviders maps each Channel to the provider that delivers it.
type ChannelProviders map[Channel]ChannelProvider

// NewChannelProviders builds providers for every Channel, defaulting unset
// channels to NoopChannelProvider. In production, every channel actually
// used by a registered Template must have a non-noop provider configured —
// ValidateForProduction enforces this rather than failing at send time.
func NewChannelProviders(configured ChannelProviders) ChannelProviders {
	all := ChannelProviders{
		ChannelEmail:    NoopChannelProvider{},
		ChannelSMS:      NoopChannelProvider{},
		ChannelChat:     NoopChannelProvider{},
		ChannelWebhook:  NoopChannelProvider{},
		ChannelInternal: NoopChannelProvider{},
	}
	for ch, p := range configured {
		all[ch] = p
	}
	return all
}

// ValidateForProduction returns a ConfigurationError for every channel among
// usedChannels that is still backed by NoopChannelProvider — the dispatcher
// must refuse to run in this state rather than silently drop sends.
func (p ChannelProviders) ValidateForProduction(usedChannels []Channel) error {
	for _, ch := range usedChannels {
		if _, isNoop := p[ch].(NoopChannelProvider); isNoop {
			return &runtimeerr.ConfigurationError{
				Component: "DISPATCH_CHANNEL_" + string(ch),
				Reason:    "no delivery provider configured for channel " + string(ch) + " in production",
			}
		}
	}
	return nil
}
