package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations. Callers match with
// errors.Is so that every backend reports the same failure vocabulary.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrExpired indicates the row exists but its expiry has passed.
	ErrExpired = errors.New("storage: expired")

	// ErrAlreadyExists indicates a uniqueness violation on insert.
	ErrAlreadyExists = errors.New("storage: already exists")
)

// ReplayError reports an attempted rotation of a refresh token whose used_at
// is already set. This is the reuse-detection tripwire: the consumed row is
// kept around precisely so this condition is observable.
type ReplayError struct {
	// Token is the consumed refresh token row, including its family ID and
	// generation, so the caller can revoke the whole family.
	Token *Token
}

func (e *ReplayError) Error() string {
	return "storage: refresh token already used"
}

// Token type discriminators.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Client represents a registered OAuth client (RFC 7591).
type Client struct {
	ClientID                string
	ClientSecretHash        string // empty for public clients
	ClientType              string // "public" or "confidential"
	ClientName              string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	TokenEndpointAuthMethod string
	Scopes                  []string
	Disabled                bool // soft-disable; disabled clients fail lookup at the registry
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// AuthorizationState tracks an authorization request between the /authorize
// redirect and the identity-provider callback.
//
// Two distinct state values are involved: ClientState is the CSRF token the
// client sent and gets back on the final redirect; ProviderState is generated
// by this server, sent to the identity provider, and is the lookup key for
// the callback. Keeping them separate means a forged callback cannot be
// correlated with a client request.
type AuthorizationState struct {
	ClientState         string
	ProviderState       string
	ClientID            string
	RedirectURI         string
	Scope               string
	Resource            string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AuthorizationCode is a single-use code bound to a PKCE challenge.
// Redeemable exactly once; consumption is an atomic read-and-delete.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	Resource            string
	UserID              string
	UserProfileID       string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// TokenFamily groups the refresh tokens descended from one authorization
// grant. Generation tracks the newest refresh token; rotation bumps it by
// one. Revoked family metadata is retained for forensics after its tokens
// are deleted.
type TokenFamily struct {
	FamilyID      string
	ClientID      string
	UserID        string
	UserProfileID string
	Scope         string
	Resource      string
	Generation    int
	CreatedAt     time.Time
	Revoked       bool
	RevokedAt     time.Time
}

// Token is an opaque access or refresh token row.
//
// Invariants: every token belongs to a family so that revoking the family
// sweeps access and refresh tokens alike; only refresh tokens carry a
// generation. A refresh token is exchangeable at most once: UsedAt nil
// means usable. Consumed refresh tokens are never deleted before expiry,
// they are the evidence reuse detection runs on.
type Token struct {
	Token         string
	Type          string // TokenTypeAccess or TokenTypeRefresh
	FamilyID      string
	Generation    int // refresh only
	UsedAt        *time.Time
	ClientID      string
	UserID        string
	UserProfileID string
	Scope         string
	Resource      string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Expired reports whether the token's expiry has passed at the given instant.
func (t *Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// RotationNext carries the replacement pair minted during one refresh
// rotation. The store persists both inside the rotation transaction.
type RotationNext struct {
	Access  *Token
	Refresh *Token
}

// ClientStore persists registered OAuth clients.
// All methods accept context.Context for tracing and bounded timeouts.
type ClientStore interface {
	// SaveClient inserts a registered client. Returns ErrAlreadyExists if
	// the client_id is taken.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID, disabled or not.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// DisableClient soft-disables a client. The row is kept.
	DisableClient(ctx context.Context, clientID string) error

	// ListClients lists all registered clients (admin use).
	ListClients(ctx context.Context) ([]*Client, error)
}

// FlowStore persists authorization states and single-use codes.
type FlowStore interface {
	// SaveAuthorizationState stores a pending authorization request,
	// keyed by its provider state.
	SaveAuthorizationState(ctx context.Context, state *AuthorizationState) error

	// ConsumeAuthorizationState atomically retrieves and deletes the state
	// for a provider callback. One-time use: a second consume for the same
	// provider state returns ErrNotFound.
	ConsumeAuthorizationState(ctx context.Context, providerState string, now time.Time) (*AuthorizationState, error)

	// SaveAuthorizationCode stores an issued authorization code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically retrieves and deletes a code.
	// Returns ErrNotFound for unknown codes and ErrExpired for expired ones
	// (expired rows are deleted as a side effect). The delete-on-read MUST
	// be atomic: under concurrent redemption exactly one caller wins.
	ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (*AuthorizationCode, error)

	// DeleteExpiredFlows removes expired states and codes. Returns the
	// number of rows deleted.
	DeleteExpiredFlows(ctx context.Context, now time.Time) (int, error)
}

// TokenStore persists token families and access/refresh tokens.
//
// RotateRefreshToken is the single critical section of the whole server: the
// used_at check, the mark-as-used, and the insert of the next generation
// must happen in one transaction so that of two concurrent rotations of the
// same token exactly one wins and the loser observes used_at already set.
type TokenStore interface {
	// SaveFamily inserts a new token family at generation 0.
	SaveFamily(ctx context.Context, family *TokenFamily) error

	// GetFamily retrieves family metadata, including revoked families.
	GetFamily(ctx context.Context, familyID string) (*TokenFamily, error)

	// SaveToken inserts a token row.
	SaveToken(ctx context.Context, token *Token) error

	// GetToken retrieves a token row by its opaque string. Expired rows
	// return ErrExpired.
	GetToken(ctx context.Context, tokenString string) (*Token, error)

	// DeleteToken removes a single token row. Unknown tokens are a no-op.
	DeleteToken(ctx context.Context, tokenString string) error

	// RotateRefreshToken atomically consumes the named refresh token and
	// persists its replacement pair. Within one transaction it locks the
	// row, rejects unknown (ErrNotFound) and expired (ErrExpired) tokens,
	// returns *ReplayError if used_at is already set, otherwise marks the
	// row used at `now`, invokes mint to obtain the next-generation pair,
	// persists both rows, and advances the family generation. On any
	// failure the transaction rolls back completely.
	RotateRefreshToken(ctx context.Context, tokenString string, now time.Time, mint func(old *Token) (*RotationNext, error)) (*Token, error)

	// RevokeFamily deletes every token in the family, access and refresh
	// alike, and marks the family revoked (metadata retained). Returns the
	// deleted token strings so callers can purge caches.
	RevokeFamily(ctx context.Context, familyID string, now time.Time) ([]string, error)

	// DeleteExpiredTokens bulk-deletes tokens whose expiry is before the
	// cutoff. Consumed refresh tokens are additionally retained until their
	// used_at is before usedCutoff, so reuse detection keeps its evidence
	// even past expiry. Returns the number of rows deleted.
	DeleteExpiredTokens(ctx context.Context, cutoff, usedCutoff time.Time) (int, error)
}
