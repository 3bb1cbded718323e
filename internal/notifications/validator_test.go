package notifications

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nova-social/backend/internal/errkind"
)

func TestValidator_AcceptsWellFormedPushPayload(t *testing.T) {
	v := NewValidator()
	job := NewJob("user-1", ChannelPush, []byte(`{"device_token":"tok-1","title":"hi","body":"hello"}`), 3)

	require.NoError(t, v.Validate(job))
}

func TestValidator_RejectsMissingRequiredField(t *testing.T) {
	v := NewValidator()
	job := NewJob("user-1", ChannelEmail, []byte(`{"address":"user@example.com","subject":"hi"}`), 3)

	err := v.Validate(job)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Validation))
}

func TestValidator_RejectsInvalidEmailAddress(t *testing.T) {
	v := NewValidator()
	job := NewJob("user-1", ChannelEmail, []byte(`{"address":"not-an-email","subject":"hi","body":"hello"}`), 3)

	err := v.Validate(job)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Validation))
}

func TestValidator_RejectsUnknownChannel(t *testing.T) {
	v := NewValidator()
	job := NewJob("user-1", Channel("carrier_pigeon"), []byte(`{}`), 3)

	err := v.Validate(job)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Validation))
}
