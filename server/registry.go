package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/relaygrid/connector-oauth/security"
	"github.com/relaygrid/connector-oauth/storage"
)

// Client type constants.
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// Token endpoint authentication method constants (RFC 7591).
const (
	TokenEndpointAuthMethodNone  = "none"
	TokenEndpointAuthMethodBasic = "client_secret_basic"
	TokenEndpointAuthMethodPost  = "client_secret_post"
)

// ErrTooManyClients is returned when an IP exceeds its registration quota.
var ErrTooManyClients = errors.New("client registration limit reached for this address")

// ErrInvalidRegistration wraps registration input that fails validation,
// distinguishing caller mistakes from storage failures.
var ErrInvalidRegistration = errors.New("invalid client registration")

// dummySecretHash is a bcrypt hash of a throwaway string, compared against
// when the client ID is unknown so the failure path does not leak timing.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// RegistrationInput carries the accepted RFC 7591 registration fields.
type RegistrationInput struct {
	ClientName              string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	TokenEndpointAuthMethod string
	Scopes                  []string
}

// Registration is the result of a successful registration. ClientSecret is
// the plaintext secret, returned exactly once and never stored.
type Registration struct {
	Client       *storage.Client
	ClientSecret string
}

// Registry manages OAuth client registrations.
type Registry struct {
	store   storage.ClientStore
	hasher  security.SecretHasher
	auditor *security.Auditor
	config  *Config

	// per-IP registration counters for DoS protection
	ipMu      sync.Mutex
	perIPSeen map[string]int
}

// NewRegistry creates a client registry.
func NewRegistry(store storage.ClientStore, hasher security.SecretHasher, auditor *security.Auditor, config *Config) *Registry {
	return &Registry{
		store:     store,
		hasher:    hasher,
		auditor:   auditor,
		config:    config,
		perIPSeen: make(map[string]int),
	}
}

// Register validates the input and persists a new client. Duplicate client
// names are legal: each call creates an independent registration per
// RFC 7591.
func (r *Registry) Register(ctx context.Context, input RegistrationInput, clientIP string) (*Registration, error) {
	if err := r.checkIPQuota(clientIP); err != nil {
		return nil, err
	}

	if len(input.RedirectURIs) == 0 {
		return nil, fmt.Errorf("%w: at least one redirect URI is required", ErrInvalidRegistration)
	}
	for _, uri := range input.RedirectURIs {
		if err := ValidateRedirectURIFormat(uri); err != nil {
			if r.auditor != nil {
				r.auditor.LogAuthFailure("", "", clientIP, "redirect_uri_rejected")
			}
			return nil, fmt.Errorf("%w: redirect URI %q: %v", ErrInvalidRegistration, uri, err)
		}
	}

	clientType, authMethod := resolveClientType(input.TokenEndpointAuthMethod)

	var secret, secretHash string
	if clientType == ClientTypeConfidential {
		secret = oauth2.GenerateVerifier()
		hashed, err := r.hasher.Hash(secret)
		if err != nil {
			return nil, fmt.Errorf("hash client secret: %w", err)
		}
		secretHash = hashed
	}

	grantTypes := input.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	responseTypes := input.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}

	now := time.Now()
	client := &storage.Client{
		ClientID:                oauth2.GenerateVerifier(),
		ClientSecretHash:        secretHash,
		ClientType:              clientType,
		ClientName:              input.ClientName,
		RedirectURIs:            input.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: authMethod,
		Scopes:                  input.Scopes,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	if err := r.store.SaveClient(ctx, client); err != nil {
		return nil, fmt.Errorf("save client: %w", err)
	}

	r.trackIP(clientIP)
	if r.auditor != nil {
		r.auditor.LogClientRegistered(client.ClientID, client.ClientType, clientIP)
	}

	return &Registration{Client: client, ClientSecret: secret}, nil
}

// Get retrieves a client. Disabled clients are reported as not found so
// callers cannot distinguish disabled from never-registered.
func (r *Registry) Get(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := r.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.Disabled {
		return nil, fmt.Errorf("client %s: %w", clientID, storage.ErrNotFound)
	}
	return client, nil
}

// Disable soft-disables a client. Existing tokens are unaffected; new
// grants and token requests fail.
func (r *Registry) Disable(ctx context.Context, clientID string) error {
	if err := r.store.DisableClient(ctx, clientID); err != nil {
		return err
	}
	if r.auditor != nil {
		r.auditor.LogEvent(security.Event{
			Type:     security.EventClientDisabled,
			ClientID: clientID,
		})
	}
	return nil
}

// ValidateRedirectURI reports whether uri matches one of the client's
// registered redirect URIs.
func (r *Registry) ValidateRedirectURI(client *storage.Client, uri string) bool {
	for _, registered := range client.RedirectURIs {
		if RedirectURIMatches(registered, uri) {
			return true
		}
	}
	return false
}

// ValidateCredentials checks client authentication for the token endpoint.
// Public clients present no secret; confidential clients must match their
// stored hash. All failures collapse to the same error.
func (r *Registry) ValidateCredentials(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	errInvalid := fmt.Errorf("invalid client credentials")

	client, err := r.Get(ctx, clientID)
	if err != nil {
		// Burn a hash comparison anyway so unknown and known client IDs
		// take comparable time.
		_ = r.hasher.Compare(dummySecretHash, clientSecret)
		return nil, errInvalid
	}

	if client.ClientType == ClientTypePublic {
		if clientSecret != "" {
			return nil, errInvalid
		}
		return client, nil
	}

	if clientSecret == "" || client.ClientSecretHash == "" {
		return nil, errInvalid
	}
	if err := r.hasher.Compare(client.ClientSecretHash, clientSecret); err != nil {
		return nil, errInvalid
	}
	return client, nil
}

func resolveClientType(tokenEndpointAuthMethod string) (clientType, authMethod string) {
	switch tokenEndpointAuthMethod {
	case TokenEndpointAuthMethodNone:
		return ClientTypePublic, TokenEndpointAuthMethodNone
	case TokenEndpointAuthMethodBasic, TokenEndpointAuthMethodPost:
		return ClientTypeConfidential, tokenEndpointAuthMethod
	case "":
		return ClientTypeConfidential, TokenEndpointAuthMethodBasic
	default:
		// Unknown methods are treated as confidential with basic auth,
		// the RFC 7591 default.
		return ClientTypeConfidential, TokenEndpointAuthMethodBasic
	}
}

func (r *Registry) checkIPQuota(clientIP string) error {
	if clientIP == "" || r.config.MaxClientsPerIP <= 0 {
		return nil
	}

	r.ipMu.Lock()
	defer r.ipMu.Unlock()

	if r.perIPSeen[clientIP] >= r.config.MaxClientsPerIP {
		if r.auditor != nil {
			r.auditor.LogRateLimitExceeded(clientIP, "")
		}
		return ErrTooManyClients
	}
	return nil
}

func (r *Registry) trackIP(clientIP string) {
	if clientIP == "" {
		return
	}
	r.ipMu.Lock()
	r.perIPSeen[clientIP]++
	r.ipMu.Unlock()
}
