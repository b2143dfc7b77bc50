package syntax

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDIDsValid(t *testing.T) {
	assert := assert.New(t)

	valid := []string{
		"did:plc:ewvi7nxzyoun6zhxrhs64oiz",
		"did:web:example.com",
		"did:web:sub.host.example.com",
		"did:method:val:two",
		"did:m:v",
		"did:method::::val",
		"did:method:-:_:.",
		"did:key:zQ3shunBKsXixLxKtC5qeSG9E4J5RkGN57im31pcTzbNQnm5w",
	}
	for _, raw := range valid {
		_, err := ParseDID(raw)
		assert.NoError(err, raw)
	}
}

func TestDIDsInvalid(t *testing.T) {
	assert := assert.New(t)

	invalid := []string{
		"",
		"did:",
		"did:method:",
		"DID:method:val",
		"did:METHOD:val",
		"did:m123:val",
		"did:method:val/two",
		"did:method:val?two",
		"did:method:val#two",
		"did:method:val:",
		"alice.example.com",
		"did method:val",
	}
	for _, raw := range invalid {
		_, err := ParseDID(raw)
		assert.Error(err, raw)
	}
}

func TestDIDParts(t *testing.T) {
	assert := assert.New(t)

	d, err := ParseDID("did:example:123456789abcDEFghi")
	assert.NoError(err)
	assert.Equal("example", d.Method())
	assert.Equal("123456789abcDEFghi", d.Identifier())
	assert.Equal(d.String(), d.AtIdentifier().String())

	w, err := ParseDID("did:web:example.com")
	assert.NoError(err)
	assert.Equal("web", w.Method())
	assert.Equal("example.com", w.Identifier())
}

func TestDIDLength(t *testing.T) {
	assert := assert.New(t)

	long := "did:web:"
	for len(long) <= 2048 {
		long += "a"
	}
	_, err := ParseDID(long)
	assert.Error(err)
}
