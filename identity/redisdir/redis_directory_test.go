package redisdir

import (
	"fmt"
	"testing"

	"github.com/windrose-social/atoauth/identity"

	"github.com/stretchr/testify/assert"
)

func TestErrStringRoundTrip(t *testing.T) {
	assert := assert.New(t)

	assert.NoError(errFromString(errToString(nil)))

	// bare sentinels survive the string round trip
	out := errFromString(errToString(identity.ErrDIDNotFound))
	assert.ErrorIs(out, identity.ErrDIDNotFound)

	// wrapped sentinels still match with errors.Is after rehydration
	wrapped := fmt.Errorf("%w: %s != %s", identity.ErrHandleMismatch, "a.example.com", "b.example.com")
	out = errFromString(errToString(wrapped))
	assert.ErrorIs(out, identity.ErrHandleMismatch)
	assert.Equal(wrapped.Error(), out.Error())

	// unknown errors come back as opaque errors with the same text
	out = errFromString("something else went wrong")
	assert.Error(out)
	assert.Equal("something else went wrong", out.Error())
}
