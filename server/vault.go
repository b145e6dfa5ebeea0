package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/relaygrid/connector-oauth/cache"
	"github.com/relaygrid/connector-oauth/instrumentation"
	"github.com/relaygrid/connector-oauth/security"
	"github.com/relaygrid/connector-oauth/storage"
)

// Family revocation reasons recorded in the audit log.
const (
	RevocationReasonReuse    = "refresh_reuse"
	RevocationReasonExplicit = "explicit_revocation"
)

const accessTokenCachePrefix = "token:access:"

// TokenPair is a freshly minted access/refresh token pair.
type TokenPair struct {
	Access  *storage.Token
	Refresh *storage.Token
}

// IssueParams identifies the grant a new token family is issued for.
type IssueParams struct {
	ClientID      string
	UserID        string
	UserProfileID string
	Scope         string
	Resource      string
	ClientIP      string
}

// Vault issues, rotates, revokes, and introspects opaque tokens. The
// relational store is the source of truth; the cache in front of it only
// ever holds access-token rows and is safe to lose wholesale.
type Vault struct {
	tokens  storage.TokenStore
	cache   cache.Cache // optional
	auditor *security.Auditor
	metrics *instrumentation.Metrics
	logger  *slog.Logger
	config  *Config

	// securityEvents damps repeated security logging per client and
	// reason, so replaying stolen tokens cannot flood the audit log.
	securityEvents *security.RateLimiter

	lookup singleflight.Group
}

// NewVault creates the token vault. cache, auditor, and metrics may be nil.
func NewVault(tokens storage.TokenStore, c cache.Cache, auditor *security.Auditor, metrics *instrumentation.Metrics, logger *slog.Logger, config *Config) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		tokens:  tokens,
		cache:   c,
		auditor: auditor,
		metrics: metrics,
		logger:  logger,
		config:  config,
	}
}

// IssueTokenPair creates a new token family at generation zero and mints
// its first access/refresh pair.
func (v *Vault) IssueTokenPair(ctx context.Context, params IssueParams) (*TokenPair, error) {
	now := time.Now()
	family := &storage.TokenFamily{
		FamilyID:      uuid.NewString(),
		ClientID:      params.ClientID,
		UserID:        params.UserID,
		UserProfileID: params.UserProfileID,
		Scope:         params.Scope,
		Resource:      params.Resource,
		Generation:    0,
		CreatedAt:     now,
	}
	if err := v.tokens.SaveFamily(ctx, family); err != nil {
		return nil, fmt.Errorf("save token family: %w", err)
	}

	pair := v.mintPair(family, 0, now)
	if err := v.tokens.SaveToken(ctx, pair.Access); err != nil {
		return nil, fmt.Errorf("save access token: %w", err)
	}
	if err := v.tokens.SaveToken(ctx, pair.Refresh); err != nil {
		return nil, fmt.Errorf("save refresh token: %w", err)
	}

	v.cacheAccessToken(ctx, pair.Access)

	if v.auditor != nil {
		v.auditor.LogTokenIssued(params.UserID, params.ClientID, params.ClientIP, params.Scope)
	}
	if v.metrics != nil {
		v.metrics.RecordTokenIssued(ctx, params.ClientID)
	}
	return pair, nil
}

// SetSecurityEventRateLimiter bounds how often repeated security events
// from the rotation path are logged. Revocation itself is never skipped.
func (v *Vault) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	v.securityEvents = rl
}

// allowSecurityEvent reports whether a security event for the key should
// be logged. Without a limiter everything is logged.
func (v *Vault) allowSecurityEvent(key string) bool {
	return v.securityEvents == nil || v.securityEvents.Allow(key)
}

// Rotate exchanges a refresh token for the next-generation pair. The
// presented token is consumed even when the exchange fails. A replay of an
// already-consumed token revokes the entire family before returning
// ErrInvalidGrant.
func (v *Vault) Rotate(ctx context.Context, refreshToken, clientID, clientIP string) (*TokenPair, error) {
	errClientMismatch := errors.New("client mismatch")

	var pair *TokenPair
	old, err := v.tokens.RotateRefreshToken(ctx, refreshToken, time.Now(), func(old *storage.Token) (*storage.RotationNext, error) {
		if old.ClientID != clientID {
			return nil, errClientMismatch
		}
		family := &storage.TokenFamily{
			FamilyID:      old.FamilyID,
			ClientID:      old.ClientID,
			UserID:        old.UserID,
			UserProfileID: old.UserProfileID,
			Scope:         old.Scope,
			Resource:      old.Resource,
		}
		pair = v.mintPair(family, old.Generation+1, time.Now())
		return &storage.RotationNext{Access: pair.Access, Refresh: pair.Refresh}, nil
	})
	if err != nil {
		return nil, v.rotateFailure(ctx, err, errClientMismatch, clientID, clientIP)
	}

	v.cacheAccessToken(ctx, pair.Access)

	if v.auditor != nil {
		v.auditor.LogTokenRotated(old.UserID, old.ClientID, clientIP, old.FamilyID, pair.Refresh.Generation)
	}
	if v.metrics != nil {
		v.metrics.RecordTokenRotated(ctx, old.ClientID, pair.Refresh.Generation)
	}
	return pair, nil
}

// rotateFailure maps a rotation error to the wire error and performs the
// reuse-detection cascade when the store reports a replay.
func (v *Vault) rotateFailure(ctx context.Context, err error, errClientMismatch error, clientID, clientIP string) error {
	var replay *storage.ReplayError
	switch {
	case errors.As(err, &replay):
		tok := replay.Token
		if v.allowSecurityEvent(tok.ClientID + ":" + RevocationReasonReuse) {
			v.logger.Warn("refresh token reuse detected, revoking family",
				"client_id", tok.ClientID,
				"family_id", safeTruncate(tok.FamilyID, 8),
				"generation", tok.Generation,
			)
			if v.auditor != nil {
				v.auditor.LogReuseDetected(tok.UserID, tok.ClientID, clientIP, tok.FamilyID)
			}
		}
		if v.metrics != nil {
			v.metrics.RecordTokenReuseDetected(ctx)
		}
		if revokeErr := v.revokeFamily(ctx, tok.FamilyID, tok.UserID, tok.ClientID, RevocationReasonReuse); revokeErr != nil {
			v.logger.Error("family revocation after reuse failed",
				"family_id", tok.FamilyID,
				"error", revokeErr,
			)
		}
		return ErrInvalidGrant
	case errors.Is(err, errClientMismatch),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrExpired):
		if v.auditor != nil && v.allowSecurityEvent(clientID+":refresh_rejected") {
			v.auditor.LogAuthFailure("", clientID, clientIP, "refresh_rejected")
		}
		return ErrInvalidGrant
	default:
		return fmt.Errorf("rotate refresh token: %w", err)
	}
}

// GetAccessToken validates an opaque access token, going through the cache
// first. Concurrent lookups for the same token collapse into one storage
// read.
func (v *Vault) GetAccessToken(ctx context.Context, tokenString string) (*storage.Token, error) {
	result, err, _ := v.lookup.Do(tokenString, func() (any, error) {
		if token, ok := v.cachedAccessToken(ctx, tokenString); ok {
			return token, nil
		}
		token, err := v.tokens.GetToken(ctx, tokenString)
		if err != nil {
			return nil, err
		}
		if token.Type != storage.TokenTypeAccess {
			return nil, storage.ErrNotFound
		}
		v.cacheAccessToken(ctx, token)
		return token, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*storage.Token), nil
}

// Introspect reports the state of a token per RFC 7662. Unknown, expired,
// and consumed tokens are all simply inactive.
func (v *Vault) Introspect(ctx context.Context, tokenString string) (*storage.Token, bool) {
	token, err := v.tokens.GetToken(ctx, tokenString)
	active := err == nil && !(token.Type == storage.TokenTypeRefresh && token.UsedAt != nil)
	if err != nil && !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrExpired) {
		v.logger.Error("introspection lookup failed", "error", err)
		active = false
	}
	if v.metrics != nil {
		v.metrics.RecordIntrospection(ctx, active)
	}
	if !active {
		return nil, false
	}
	return token, true
}

// Revoke handles an RFC 7009 revocation request. Only the presented token
// is deleted: the voluntary-logout path never cascades to the family, the
// reuse path does. Unknown tokens and tokens belonging to another client
// return success without acting, per the RFC.
func (v *Vault) Revoke(ctx context.Context, tokenString, clientID, clientIP string) error {
	token, err := v.tokens.GetToken(ctx, tokenString)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if errors.Is(err, storage.ErrExpired) {
			return v.tokens.DeleteToken(ctx, tokenString)
		}
		return fmt.Errorf("lookup token for revocation: %w", err)
	}
	if token.ClientID != clientID {
		return nil
	}

	if err := v.tokens.DeleteToken(ctx, tokenString); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	v.purgeCached(ctx, tokenString)

	if v.auditor != nil {
		v.auditor.LogTokenRevoked(token.UserID, token.ClientID, clientIP, token.Type)
	}
	if v.metrics != nil {
		v.metrics.RecordTokenRevoked(ctx, token.ClientID, token.Type)
	}
	return nil
}

// RevokeFamily revokes every token descended from one grant.
func (v *Vault) RevokeFamily(ctx context.Context, familyID string) error {
	family, err := v.tokens.GetFamily(ctx, familyID)
	if err != nil {
		return err
	}
	return v.revokeFamily(ctx, familyID, family.UserID, family.ClientID, RevocationReasonExplicit)
}

func (v *Vault) revokeFamily(ctx context.Context, familyID, userID, clientID, reason string) error {
	deleted, err := v.tokens.RevokeFamily(ctx, familyID, time.Now())
	if err != nil {
		return fmt.Errorf("revoke family: %w", err)
	}
	v.purgeCached(ctx, deleted...)

	if v.auditor != nil {
		v.auditor.LogFamilyRevoked(userID, clientID, familyID, reason, len(deleted))
	}
	if v.metrics != nil {
		v.metrics.RecordFamilyRevoked(ctx, reason, len(deleted))
	}
	return nil
}

// CleanupExpired bulk-deletes token rows that have been expired for at
// least olderThan. The cutoff never undercuts the clock skew grace, and
// consumed refresh tokens are additionally retained for the configured
// used-token retention so reuse detection keeps its evidence.
func (v *Vault) CleanupExpired(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < v.config.ClockSkewGrace {
		olderThan = v.config.ClockSkewGrace
	}
	now := time.Now()
	n, err := v.tokens.DeleteExpiredTokens(ctx, now.Add(-olderThan), now.Add(-v.config.UsedTokenRetention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		v.logger.Info("deleted expired tokens", "count", n)
	}
	if v.metrics != nil {
		v.metrics.RecordExpiredRowsDeleted(ctx, "oauth_tokens", n)
	}
	return n, nil
}

func (v *Vault) mintPair(family *storage.TokenFamily, generation int, now time.Time) *TokenPair {
	access := &storage.Token{
		Token:         oauth2.GenerateVerifier(),
		Type:          storage.TokenTypeAccess,
		FamilyID:      family.FamilyID,
		ClientID:      family.ClientID,
		UserID:        family.UserID,
		UserProfileID: family.UserProfileID,
		Scope:         family.Scope,
		Resource:      family.Resource,
		CreatedAt:     now,
		ExpiresAt:     now.Add(v.config.AccessTokenTTL),
	}
	refresh := &storage.Token{
		Token:         oauth2.GenerateVerifier(),
		Type:          storage.TokenTypeRefresh,
		FamilyID:      family.FamilyID,
		Generation:    generation,
		ClientID:      family.ClientID,
		UserID:        family.UserID,
		UserProfileID: family.UserProfileID,
		Scope:         family.Scope,
		Resource:      family.Resource,
		CreatedAt:     now,
		ExpiresAt:     now.Add(v.config.RefreshTokenTTL),
	}
	return &TokenPair{Access: access, Refresh: refresh}
}

// cacheAccessToken stores an access token row in the cache. The entry TTL
// never outlives the token: it is capped at the remaining lifetime minus
// the clock skew grace so the cache cannot serve a token past its expiry.
func (v *Vault) cacheAccessToken(ctx context.Context, token *storage.Token) {
	if v.cache == nil {
		return
	}
	ttl := v.config.AccessTokenCacheTTL
	remaining := time.Until(token.ExpiresAt) - v.config.ClockSkewGrace
	if remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return
	}
	payload, err := json.Marshal(token)
	if err != nil {
		return
	}
	if err := v.cache.Set(ctx, accessTokenCachePrefix+token.Token, payload, ttl); err != nil {
		v.logger.Warn("access token cache write failed", "error", err)
	}
}

func (v *Vault) cachedAccessToken(ctx context.Context, tokenString string) (*storage.Token, bool) {
	if v.cache == nil {
		return nil, false
	}
	payload, err := v.cache.Get(ctx, accessTokenCachePrefix+tokenString)
	hit := err == nil
	if v.metrics != nil {
		v.metrics.RecordCacheLookup(ctx, hit)
	}
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			v.logger.Warn("access token cache read failed", "error", err)
		}
		return nil, false
	}
	var token storage.Token
	if err := json.Unmarshal(payload, &token); err != nil {
		return nil, false
	}
	if token.Expired(time.Now()) {
		return nil, false
	}
	return &token, true
}

func (v *Vault) purgeCached(ctx context.Context, tokenStrings ...string) {
	if v.cache == nil || len(tokenStrings) == 0 {
		return
	}
	keys := make([]string, len(tokenStrings))
	for i, t := range tokenStrings {
		keys[i] = accessTokenCachePrefix + t
	}
	if err := v.cache.Delete(ctx, keys...); err != nil {
		v.logger.Warn("access token cache purge failed", "error", err)
	}
}
