package identity

import (
	"context"
	"testing"

	"github.com/windrose-social/atoauth/syntax"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIdentity(t *testing.T) {
	assert := assert.New(t)

	doc := DIDDocument{
		DID:         syntax.DID("did:plc:abc234defabc234defabc234"),
		AlsoKnownAs: []string{"at://alice.example.com", "https://example.com/alice"},
		Service: []DocService{
			{
				ID:              "#atproto_pds",
				Type:            "AtprotoPersonalDataServer",
				ServiceEndpoint: "https://pds.example.com",
			},
			{
				// duplicate ID, should be ignored
				ID:              "#atproto_pds",
				Type:            "AtprotoPersonalDataServer",
				ServiceEndpoint: "https://evil.example.com",
			},
			{
				// no fragment prefix, should be skipped
				ID:              "atproto_labeler",
				Type:            "AtprotoLabeler",
				ServiceEndpoint: "https://mod.example.com",
			},
		},
	}

	ident := ParseIdentity(&doc)
	assert.Equal(doc.DID, ident.DID)
	assert.Equal(syntax.HandleInvalid, ident.Handle)
	assert.Equal("https://pds.example.com", ident.PDSEndpoint())

	declared, err := ident.DeclaredHandle()
	require.NoError(t, err)
	assert.Equal(syntax.Handle("alice.example.com"), declared)
}

func TestDeclaredHandle(t *testing.T) {
	assert := assert.New(t)

	ident := Identity{
		DID:         syntax.DID("did:web:example.com"),
		AlsoKnownAs: []string{"https://example.com", "at://not a handle!", "at://BOB.example.com"},
	}
	declared, err := ident.DeclaredHandle()
	require.NoError(t, err)
	// skips non-at URIs and unparseable handles; normalizes the winner
	assert.Equal(syntax.Handle("bob.example.com"), declared)

	none := Identity{DID: syntax.DID("did:web:example.com")}
	_, err = none.DeclaredHandle()
	assert.ErrorIs(err, ErrHandleNotDeclared)
}

func TestServiceEndpoint(t *testing.T) {
	assert := assert.New(t)

	ident := Identity{
		DID: syntax.DID("did:web:example.com"),
		Services: map[string]Service{
			"atproto_pds": {Type: "AtprotoPersonalDataServer", URL: "https://pds.example.com"},
			"weird":       {Type: "Weird", URL: "ftp://example.com"},
		},
	}

	assert.Equal("https://pds.example.com", ident.PDSEndpoint())
	// type mismatch
	assert.Equal("", ident.ServiceEndpoint("atproto_pds", "SomethingElse"))
	// missing service
	assert.Equal("", ident.ServiceEndpoint("nope", "AtprotoPersonalDataServer"))
	// non-http(s) URL
	assert.Equal("", ident.ServiceEndpoint("weird", "Weird"))
}

func TestValidatePLCDID(t *testing.T) {
	assert := assert.New(t)

	assert.NoError(ValidatePLCDID(syntax.DID("did:plc:abc234defabc234defabc234")))

	// wrong method
	assert.Error(ValidatePLCDID(syntax.DID("did:web:example.com")))
	// too short
	assert.Error(ValidatePLCDID(syntax.DID("did:plc:abc234")))
	// too long
	assert.Error(ValidatePLCDID(syntax.DID("did:plc:abc234defabc234defabc234x")))
	// characters outside the base32 alphabet (0, 1, 8, 9, upper-case)
	assert.Error(ValidatePLCDID(syntax.DID("did:plc:abc234defabc234defabc018")))
	assert.Error(ValidatePLCDID(syntax.DID("did:plc:ABC234DEFABC234DEFABC234")))
}

func TestDIDDocumentRoundTrip(t *testing.T) {
	assert := assert.New(t)

	doc := DIDDocument{
		DID:         syntax.DID("did:plc:abc234defabc234defabc234"),
		AlsoKnownAs: []string{"at://carol.example.com"},
		Service: []DocService{
			{ID: "#atproto_pds", Type: "AtprotoPersonalDataServer", ServiceEndpoint: "https://pds.example.com"},
		},
	}
	ident := ParseIdentity(&doc)
	out := ident.DIDDocument()
	assert.Equal(doc.DID, out.DID)
	assert.Equal(doc.AlsoKnownAs, out.AlsoKnownAs)
	assert.Equal(doc.Service, out.Service)
}

func TestMockDirectory(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	dir := NewMockDirectory()
	ident := Identity{
		DID:    syntax.DID("did:plc:abc234defabc234defabc234"),
		Handle: syntax.Handle("alice.example.com"),
	}
	dir.Insert(ident)

	out, err := dir.LookupHandle(ctx, syntax.Handle("ALICE.example.com"))
	require.NoError(t, err)
	assert.Equal(ident.DID, out.DID)

	out, err = dir.LookupDID(ctx, ident.DID)
	require.NoError(t, err)
	assert.Equal(ident.Handle, out.Handle)

	atid, err := syntax.ParseAtIdentifier("alice.example.com")
	require.NoError(t, err)
	out, err = dir.Lookup(ctx, atid)
	require.NoError(t, err)
	assert.Equal(ident.DID, out.DID)

	_, err = dir.LookupHandle(ctx, syntax.Handle("missing.example.com"))
	assert.ErrorIs(err, ErrHandleNotFound)
	_, err = dir.LookupDID(ctx, syntax.DID("did:plc:zzz234defabc234defabc234"))
	assert.ErrorIs(err, ErrDIDNotFound)

	dir.Remove(ident.DID)
	_, err = dir.LookupDID(ctx, ident.DID)
	assert.ErrorIs(err, ErrDIDNotFound)
}
