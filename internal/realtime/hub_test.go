package realtime

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamKey_NamespacesByRoom(t *testing.T) {
	assert.Equal(t, "nova:realtime:stream:room-42", streamKey("room-42"))
	assert.NotEqual(t, streamKey("a"), streamKey("b"))
}

func TestIsBusyGroupErr(t *testing.T) {
	assert.True(t, isBusyGroupErr(errors.New("BUSYGROUP Consumer Group name already exists")))
	assert.False(t, isBusyGroupErr(errors.New("NOGROUP no such key")))
	assert.False(t, isBusyGroupErr(nil))
	assert.False(t, isBusyGroupErr(errors.New("short")))
}
