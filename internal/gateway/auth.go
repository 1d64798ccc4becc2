package gateway

import (
	"errors"
	"net/http"
)

// ErrUnauthenticated rejects a websocket upgrade before any room state
// is touched: Join is never called without a verified principal.
var ErrUnauthenticated = errors.New("unauthenticated")

// Principal is the opaque identity attached to a connection. Token
// verification itself happens upstream; the gateway only consumes the
// result.
type Principal struct {
	ID    string
	Email string
}

// Authenticator extracts the already-verified identity from a request.
type Authenticator interface {
	Authenticate(r *http.Request) (Principal, error)
}

// HeaderAuthenticator trusts the identity headers stamped by the
// authenticating reverse proxy in front of the gateway. Anything
// without an id header is rejected.
type HeaderAuthenticator struct {
	IDHeader    string
	EmailHeader string
}

func (a HeaderAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	id := r.Header.Get(a.IDHeader)
	if id == "" {
		return Principal{}, ErrUnauthenticated
	}
	return Principal{
		ID:    id,
		Email: r.Header.Get(a.EmailHeader),
	}, nil
}
