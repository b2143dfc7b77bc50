package syntax

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandlesValid(t *testing.T) {
	assert := assert.New(t)

	valid := []string{
		"alice.example.com",
		"A.ISI.EDU",
		"XX.LCS.MIT.EDU",
		"john.test",
		"jan.test",
		"a234567890123456789.test",
		"john2.test",
		"john-john.test",
		"8.cn",
		"thing.a01",
		"0ella.wick.es",
	}
	for _, raw := range valid {
		_, err := ParseHandle(raw)
		assert.NoError(err, raw)
	}
}

func TestHandlesInvalid(t *testing.T) {
	assert := assert.New(t)

	invalid := []string{
		"",
		"did:plc:ewvi7nxzyoun6zhxrhs64oiz",
		"john",
		"john.test.",
		".john.test",
		"jo_hn.test",
		"-john.test",
		"john-.test",
		"xn--bcher-.tld",
		"john..test",
		"jo!hn.test",
		// a TLD can not start with a digit
		"cn.8",
		"laptop.local ",
		"org",
		strings.Repeat("a", 64) + ".test",
	}
	for _, raw := range invalid {
		_, err := ParseHandle(raw)
		assert.Error(err, raw)
	}

	// total length bound
	long := strings.Repeat("sixteen-chars-x.", 16) + "test"
	assert.Greater(len(long), 253)
	_, err := ParseHandle(long)
	assert.Error(err)
}

func TestHandleNormalize(t *testing.T) {
	assert := assert.New(t)

	h, err := ParseHandle("Alice.Example.COM")
	assert.NoError(err)
	assert.Equal(Handle("alice.example.com"), h.Normalize())
	assert.Equal("com", h.TLD())
}

func TestHandleInvalidSentinel(t *testing.T) {
	assert := assert.New(t)

	assert.True(HandleInvalid.IsInvalidHandle())
	assert.False(Handle("alice.example.com").IsInvalidHandle())

	// the sentinel still parses as valid syntax, and its TLD is reserved
	h, err := ParseHandle("handle.invalid")
	assert.NoError(err)
	assert.False(h.AllowedTLD())
}

func TestHandleAllowedTLD(t *testing.T) {
	assert := assert.New(t)

	disallowed := []string{
		"laptop.local",
		"blah.arpa",
		"handle.invalid",
		"me.localhost",
		"cluster.internal",
		"dummy.example",
		"hidden.onion",
		"thing.alt",
	}
	for _, raw := range disallowed {
		h, err := ParseHandle(raw)
		assert.NoError(err, raw)
		assert.False(h.AllowedTLD(), raw)
	}

	ok, err := ParseHandle("dev.test")
	assert.NoError(err)
	assert.True(ok.AllowedTLD())
}
