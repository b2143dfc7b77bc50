package identity

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/windrose-social/atoauth/syntax"
)

// Identity is the compact result of identity resolution: the DID, the
// verified handle (or `handle.invalid`), and the parsed document contents.
type Identity struct {
	DID syntax.DID

	// Handle is the bi-directionally verified handle for this identity, or
	// the `handle.invalid` sentinel when verification failed or was not
	// possible. May be the zero value if ParseIdentity output has not been
	// through a Directory lookup.
	Handle syntax.Handle

	AlsoKnownAs []string

	// Services is keyed by service ID fragment (the part after "#").
	Services map[string]Service
}

type Service struct {
	Type string
	URL  string
}

const (
	pdsServiceID   = "atproto_pds"
	pdsServiceType = "AtprotoPersonalDataServer"
)

// ParseIdentity extracts the identity-relevant parts of a DID document.
// The Handle field is *not* set; verification against actual handle
// resolution is the Directory's job.
func ParseIdentity(doc *DIDDocument) Identity {
	svc := make(map[string]Service, len(doc.Service))
	for _, s := range doc.Service {
		if !strings.HasPrefix(s.ID, "#") {
			continue
		}
		// ignore duplicate IDs; first declaration wins
		if _, ok := svc[s.ID[1:]]; ok {
			continue
		}
		svc[s.ID[1:]] = Service{Type: s.Type, URL: s.ServiceEndpoint}
	}
	return Identity{
		DID:         doc.DID,
		Handle:      syntax.HandleInvalid,
		AlsoKnownAs: append([]string{}, doc.AlsoKnownAs...),
		Services:    svc,
	}
}

// DeclaredHandle returns the handle the DID document claims for itself,
// which is the first alsoKnownAs entry with an "at://" scheme that parses
// as a valid handle. The returned handle is normalized, not verified.
func (i *Identity) DeclaredHandle() (syntax.Handle, error) {
	for _, aka := range i.AlsoKnownAs {
		if strings.HasPrefix(aka, "at://") && len(aka) > len("at://") {
			handle, err := syntax.ParseHandle(aka[5:])
			if err != nil {
				continue
			}
			return handle.Normalize(), nil
		}
	}
	return "", ErrHandleNotDeclared
}

// PDSEndpoint returns the canonical data-hosting service URL for this
// identity, or an empty string if the document declared none (or declared
// one with an unusable URL).
func (i *Identity) PDSEndpoint() string {
	return i.ServiceEndpoint(pdsServiceID, pdsServiceType)
}

// ServiceEndpoint returns the endpoint URL for the given service ID
// fragment, requiring the declared service type to match. The URL must be
// a valid http(s) URL.
func (i *Identity) ServiceEndpoint(id, svcType string) string {
	svc, ok := i.Services[id]
	if !ok || svc.Type != svcType {
		return ""
	}
	u, err := url.Parse(svc.URL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return ""
	}
	return svc.URL
}

// DIDDocument reconstructs a document from the parsed identity, for
// serialization in mocks and caches.
func (i *Identity) DIDDocument() DIDDocument {
	doc := DIDDocument{
		DID:         i.DID,
		AlsoKnownAs: append([]string{}, i.AlsoKnownAs...),
	}
	for id, svc := range i.Services {
		doc.Service = append(doc.Service, DocService{
			ID:              fmt.Sprintf("#%s", id),
			Type:            svc.Type,
			ServiceEndpoint: svc.URL,
		})
	}
	return doc
}
