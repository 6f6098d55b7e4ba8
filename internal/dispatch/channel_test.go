package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/akashi/internal/runtimeerr"
)

func TestNoopChannelProvider_AlwaysFails(t *testing.T) {
	err := NoopChannelProvider{}.Deliver(context.Background(), Message{})
	assert.ErrorIs(t, err, ErrNoChannelProvider)
}

func TestNewChannelProviders_DefaultsUnconfiguredChannelsToNoop(t *testing.T) {
	providers := NewChannelProviders(nil)
	_, isNoop := providers[ChannelEmail].(NoopChannelProvider)
	assert.True(t, isNoop)
}

type fakeProvider struct{}

func (fakeProvider) Deliver(context.Context, Message) error { return nil }

func TestNewChannelProviders_ConfiguredOverridesDefault(t *testing.T) {
	providers := NewChannelProviders(ChannelProviders{ChannelEmail: fakeProvider{}})
	_, isNoop := providers[ChannelEmail].(NoopChannelProvider)
	assert.False(t, isNoop)
	_, isNoop = providers[ChannelSMS].(NoopChannelProvider)
	assert.True(t, isNoop)
}

func TestValidateForProduction_NoopChannelInUseFails(t *testing.T) {
	providers := NewChannelProviders(nil)
	err := providers.ValidateForProduction([]Channel{ChannelEmail})
	require.Error(t, err)
	var cfgErr *runtimeerr.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestValidateForProduction_ConfiguredChannelPasses(t *testing.T) {
	providers := NewChannelProviders(ChannelProviders{ChannelEmail: fakeProvider{}})
	err := providers.ValidateForProduction([]Channel{ChannelEmail})
	assert.NoError(t, err)
}
