// Package server implements the OAuth 2.1 authorization server core:
// dynamic client registration, the authorization code flow with mandatory
// PKCE, token issuance with refresh token rotation and reuse detection,
// revocation, introspection, and discovery metadata. Identity comes from a
// pluggable upstream provider; the server never authenticates users itself.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/relaygrid/connector-oauth/cache"
	"github.com/relaygrid/connector-oauth/identity"
	"github.com/relaygrid/connector-oauth/instrumentation"
	"github.com/relaygrid/connector-oauth/security"
	"github.com/relaygrid/connector-oauth/storage"
)

// safeTruncate truncates a string for logging without panicking on short
// input.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// Server coordinates the authorization server. It owns the registry, the
// code service, and the token vault, and drives the upstream identity
// provider during the authorization flow.
type Server struct {
	Registry *Registry
	Codes    *Codes
	Vault    *Vault

	provider  identity.Provider
	flowStore storage.FlowStore

	Auditor                  *security.Auditor
	RateLimiter              *security.RateLimiter
	SecurityEventRateLimiter *security.RateLimiter
	Metrics                  *instrumentation.Metrics
	Logger                   *slog.Logger
	Config                   *Config
}

// Options carries the collaborators a Server is built from. Provider and
// the three stores are required; everything else has a working default.
type Options struct {
	Provider    identity.Provider
	ClientStore storage.ClientStore
	FlowStore   storage.FlowStore
	TokenStore  storage.TokenStore
	Cache       cache.Cache
	Hasher      security.SecretHasher
	Auditor     *security.Auditor
	Metrics     *instrumentation.Metrics
	Logger      *slog.Logger
	Config      *Config
}

// New creates an authorization server.
func New(opts Options) (*Server, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("identity provider is required")
	}
	if opts.ClientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if opts.FlowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if opts.TokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	config := applySecureDefaults(opts.Config, logger)

	hasher := opts.Hasher
	if hasher == nil {
		hasher = &security.BcryptHasher{}
	}

	srv := &Server{
		Registry:  NewRegistry(opts.ClientStore, hasher, opts.Auditor, config),
		Codes:     NewCodes(opts.FlowStore, opts.Auditor, logger, config),
		Vault:     NewVault(opts.TokenStore, opts.Cache, opts.Auditor, opts.Metrics, logger, config),
		provider:  opts.Provider,
		flowStore: opts.FlowStore,
		Auditor:   opts.Auditor,
		Metrics:   opts.Metrics,
		Logger:    logger,
		Config:    config,
	}
	return srv, nil
}

// SetRateLimiter sets the per-IP rate limiter consulted by the HTTP layer.
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetSecurityEventRateLimiter bounds how often repeated security events
// are logged, so an attacker replaying tokens cannot flood the audit log.
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
	s.Vault.SetSecurityEventRateLimiter(rl)
}

// AuthorizeRequest is a parsed and unvalidated /oauth/authorize request.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	Resource            string
	CodeChallenge       string
	CodeChallengeMethod string
	ClientState         string
}

// StartAuthorizationFlow validates an authorization request and returns
// the upstream provider URL to redirect the user to. The client's state is
// held server-side and returned on the final redirect; a separate provider
// state keys the callback so a forged callback cannot reach a client flow.
func (s *Server) StartAuthorizationFlow(ctx context.Context, req AuthorizeRequest) (string, error) {
	if req.ClientState == "" {
		s.authFailure("", req.ClientID, "missing_state_parameter")
		return "", fmt.Errorf("state parameter is required")
	}
	if err := ValidateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		s.authFailure("", req.ClientID, "invalid_pkce_parameters")
		if s.Metrics != nil {
			s.Metrics.RecordPKCEValidationFailed(ctx, req.CodeChallengeMethod)
		}
		return "", err
	}

	client, err := s.Registry.Get(ctx, req.ClientID)
	if err != nil {
		s.authFailure("", req.ClientID, "unknown_client")
		return "", fmt.Errorf("unknown client: %w", err)
	}
	if !s.Registry.ValidateRedirectURI(client, req.RedirectURI) {
		s.authFailure("", req.ClientID, "redirect_uri_mismatch")
		return "", fmt.Errorf("redirect URI is not registered for this client")
	}
	if err := ValidateScope(req.Scope, s.Config.SupportedScopes); err != nil {
		s.authFailure("", req.ClientID, "invalid_scope")
		return "", err
	}

	providerState := oauth2.GenerateVerifier()
	now := time.Now()
	state := &storage.AuthorizationState{
		ClientState:         req.ClientState,
		ProviderState:       providerState,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		Resource:            req.Resource,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.AuthorizationCodeTTL),
	}
	if err := s.flowStore.SaveAuthorizationState(ctx, state); err != nil {
		return "", fmt.Errorf("save authorization state: %w", err)
	}

	s.Logger.Info("authorization flow started",
		"client_id", req.ClientID,
		"scope", req.Scope,
		"provider", s.provider.Name(),
	)
	return s.provider.AuthorizationURL(providerState), nil
}

// HandleProviderCallback completes the upstream login and issues the
// authorization code. The pending state is consumed atomically: replays of
// the same callback find nothing. Returns the issued code and the client's
// original state for the final redirect.
func (s *Server) HandleProviderCallback(ctx context.Context, providerState, providerCode string) (*storage.AuthorizationCode, string, error) {
	state, err := s.flowStore.ConsumeAuthorizationState(ctx, providerState, time.Now())
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:    security.EventAuthFailure,
				Details: map[string]any{"reason": "callback_state_invalid"},
			})
		}
		return nil, "", fmt.Errorf("invalid state parameter: %w", err)
	}
	profile, err := s.provider.CompleteLogin(ctx, providerCode)
	if err != nil {
		s.authFailure("", state.ClientID, "provider_login_failed")
		return nil, "", fmt.Errorf("complete upstream login: %w", err)
	}

	code, err := s.Codes.Issue(ctx, CodeIssueParams{
		ClientID:            state.ClientID,
		RedirectURI:         state.RedirectURI,
		CodeChallenge:       state.CodeChallenge,
		CodeChallengeMethod: state.CodeChallengeMethod,
		Scope:               state.Scope,
		Resource:            state.Resource,
		UserID:              profile.UserID,
		UserProfileID:       profile.ProfileID,
	})
	if err != nil {
		return nil, "", fmt.Errorf("issue authorization code: %w", err)
	}
	if s.Metrics != nil {
		s.Metrics.RecordCodeIssued(ctx, state.ClientID)
	}

	return code, state.ClientState, nil
}

// ExchangeAuthorizationCode redeems a code for the first token pair of a
// new family.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, params CodeRedeemParams) (*TokenPair, string, error) {
	code, err := s.Codes.Redeem(ctx, params)
	if err != nil {
		return nil, "", err
	}
	if s.Metrics != nil {
		s.Metrics.RecordCodeRedeemed(ctx, code.ClientID, code.CodeChallengeMethod)
	}

	pair, err := s.Vault.IssueTokenPair(ctx, IssueParams{
		ClientID:      code.ClientID,
		UserID:        code.UserID,
		UserProfileID: code.UserProfileID,
		Scope:         code.Scope,
		Resource:      code.Resource,
		ClientIP:      params.ClientIP,
	})
	if err != nil {
		return nil, "", fmt.Errorf("issue token pair: %w", err)
	}
	return pair, code.Scope, nil
}

// RefreshAccessToken rotates a refresh token. Reuse of a consumed token
// revokes its whole family inside the vault.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID, clientIP string) (*TokenPair, error) {
	return s.Vault.Rotate(ctx, refreshToken, clientID, clientIP)
}

// CleanupExpired removes expired flow and token rows. Suitable for a
// periodic sweep.
func (s *Server) CleanupExpired(ctx context.Context) error {
	flows, err := s.flowStore.DeleteExpiredFlows(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("delete expired flows: %w", err)
	}
	if flows > 0 {
		s.Logger.Info("deleted expired flow rows", "count", flows)
	}
	if s.Metrics != nil {
		s.Metrics.RecordExpiredRowsDeleted(ctx, "oauth_flows", flows)
	}

	if _, err := s.Vault.CleanupExpired(ctx, s.Config.ClockSkewGrace); err != nil {
		return fmt.Errorf("delete expired tokens: %w", err)
	}
	return nil
}

func (s *Server) authFailure(userID, clientID, reason string) {
	if s.Auditor == nil {
		return
	}
	if s.SecurityEventRateLimiter != nil && !s.SecurityEventRateLimiter.Allow(clientID+":"+reason) {
		return
	}
	s.Auditor.LogAuthFailure(userID, clientID, "", reason)
}
