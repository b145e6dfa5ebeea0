// Package identity abstracts the upstream identity provider that
// authenticates end users. The authorization server never sees user
// credentials; it redirects the user to the provider and receives a profile
// back once login completes.
package identity

import "context"

// Profile is the subject information returned by a provider after a
// successful login. UserID is the stable identifier tokens are bound to;
// ProfileID distinguishes multiple profiles of the same user when the
// provider supports that.
type Profile struct {
	UserID        string
	ProfileID     string
	Email         string
	EmailVerified bool
	Name          string
}

// Provider is the upstream identity provider contract.
type Provider interface {
	// Name returns the provider name, e.g. "oidc" or "mock".
	Name() string

	// AuthorizationURL returns the provider URL to redirect the user to.
	// state is the server-generated value the provider echoes back on the
	// callback.
	AuthorizationURL(state string) string

	// CompleteLogin exchanges the provider's callback code for the user's
	// profile.
	CompleteLogin(ctx context.Context, code string) (*Profile, error)
}
