// Package psktls defines the boundary this repository shares with its
// TLS pre-shared-key terminator, which is out of scope (spec §1
// Non-goals: "the actual TLS-PSK server/termination"). Manager (C8)
// consumes only the types in this package; the PSK handshake itself is
// assumed to happen upstream of the http.Handler Manager builds.
package psktls

import (
	"context"
	"net/http"
)

// Role is the per-request privilege tier assigned by Manager's admission
// middleware, carried in the request context (Design Note 9's "dynamic
// per-request role field" resolved as a context value set once and read,
// never mutated, by later stages).
type Role int

const (
	// RolePublic is assigned when the request carries no recognized PSK
	// identity.
	RolePublic Role = iota
	// RoleBeacon is assigned when the PSK identity equals the fixed
	// beacon identity.
	RoleBeacon
	// RoleReplication is assigned for any other recognized PSK identity.
	RoleReplication
)

func (r Role) String() string {
	switch r {
	case RoleBeacon:
		return "beacon"
	case RoleReplication:
		return "replication"
	default:
		return "public"
	}
}

// Identity is the PSK identity a terminated TLS connection authenticated
// with, together with whichever public key the Sender associated with it
// (empty for the fixed beacon identity, which is not tied to a single
// recipient).
type Identity struct {
	PSKIdentity string
	PublicKey   []byte // recipient public key, empty for RoleBeacon
	Role        Role
}

type identityContextKey struct{}

// WithIdentity returns a context carrying identity, for use by the
// terminator in front of Manager's router (e.g. a net/http Server whose
// TLSConfig.GetConfigForClient records the negotiated PSK identity).
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext recovers the Identity set by WithIdentity, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}

// Lookup resolves a PSK identity to its secret and role. Sender (C6)
// implements this by exposing its live pskIdToSecret/pskIdToPublicKey
// snapshot.
type Lookup interface {
	// Resolve returns the shared secret and Identity for pskID, or false
	// if pskID is not currently recognized.
	Resolve(pskID string) (secret [16]byte, identity Identity, ok bool)
}

// ConnStateRecorder is the minimal surface this repository needs from the
// TLS-PSK terminator: a hook invoked once the terminator has completed
// its PSK handshake and resolved an Identity for the connection, before
// the request reaches Manager's http.Handler.
type ConnStateRecorder interface {
	RecordIdentity(r *http.Request, identity Identity) *http.Request
}

// DevIdentityMiddleware stands in for the out-of-scope TLS-PSK
// terminator in local development and tests: it reads the PSK identity
// off HTTP Basic auth's username (matching notify.Client's
// req.SetBasicAuth(identity, "")) and resolves it via lookup, injecting
// the result with WithIdentity. A production deployment replaces this
// with a real TLS-PSK terminator in front of Manager's router.
func DevIdentityMiddleware(lookup Lookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, _, ok := r.BasicAuth()
			if !ok {
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), Identity{Role: RolePublic})))
				return
			}
			_, identity, found := lookup.Resolve(username)
			if !found {
				identity = Identity{Role: RolePublic}
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}
