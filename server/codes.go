package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/relaygrid/connector-oauth/security"
	"github.com/relaygrid/connector-oauth/storage"
)

// ErrInvalidGrant is the single error surfaced for every authorization code
// redemption failure. Unknown code, expired code, client mismatch, redirect
// mismatch, and PKCE failure all collapse to it so the token endpoint leaks
// nothing about which check failed. The audit log keeps the distinction.
var ErrInvalidGrant = errors.New("invalid grant")

// CodeIssueParams carries the values bound into an authorization code at
// issuance time.
type CodeIssueParams struct {
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	Resource            string
	UserID              string
	UserProfileID       string
}

// CodeRedeemParams carries the values the client presents at the token
// endpoint. Every field must match what the code was bound to.
type CodeRedeemParams struct {
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
	ClientIP     string
}

// Codes issues and redeems single-use authorization codes.
type Codes struct {
	store   storage.FlowStore
	auditor *security.Auditor
	logger  *slog.Logger
	config  *Config
}

// NewCodes creates the authorization code service.
func NewCodes(store storage.FlowStore, auditor *security.Auditor, logger *slog.Logger, config *Config) *Codes {
	if logger == nil {
		logger = slog.Default()
	}
	return &Codes{store: store, auditor: auditor, logger: logger, config: config}
}

// Issue mints and persists a new authorization code bound to the given
// client, redirect URI, PKCE challenge, and user.
func (c *Codes) Issue(ctx context.Context, params CodeIssueParams) (*storage.AuthorizationCode, error) {
	if err := ValidateCodeChallenge(params.CodeChallenge, params.CodeChallengeMethod); err != nil {
		return nil, err
	}

	now := time.Now()
	code := &storage.AuthorizationCode{
		Code:                oauth2.GenerateVerifier(),
		ClientID:            params.ClientID,
		RedirectURI:         params.RedirectURI,
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: params.CodeChallengeMethod,
		Scope:               params.Scope,
		Resource:            params.Resource,
		UserID:              params.UserID,
		UserProfileID:       params.UserProfileID,
		CreatedAt:           now,
		ExpiresAt:           now.Add(c.config.AuthorizationCodeTTL),
	}

	if err := c.store.SaveAuthorizationCode(ctx, code); err != nil {
		return nil, fmt.Errorf("save authorization code: %w", err)
	}

	if c.auditor != nil {
		c.auditor.LogCodeIssued(params.UserID, params.ClientID, "")
	}
	return code, nil
}

// Redeem consumes an authorization code. The consume is atomic: under
// concurrent redemption of the same code, exactly one caller succeeds. The
// code burns on first touch regardless of whether the subsequent checks
// pass, so a failed PKCE attempt cannot be retried against the same code.
func (c *Codes) Redeem(ctx context.Context, params CodeRedeemParams) (*storage.AuthorizationCode, error) {
	code, err := c.store.ConsumeAuthorizationCode(ctx, params.Code, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrExpired):
			c.failRedeem(params, "code_expired")
		case errors.Is(err, storage.ErrNotFound):
			c.failRedeem(params, "code_unknown")
		default:
			return nil, fmt.Errorf("consume authorization code: %w", err)
		}
		return nil, ErrInvalidGrant
	}

	if code.ClientID != params.ClientID {
		c.failRedeem(params, "client_mismatch")
		return nil, ErrInvalidGrant
	}
	if code.RedirectURI != params.RedirectURI {
		c.failRedeem(params, "redirect_uri_mismatch")
		return nil, ErrInvalidGrant
	}
	if !VerifyCodeVerifier(params.CodeVerifier, code.CodeChallenge) {
		c.failRedeem(params, "pkce_failed")
		return nil, ErrInvalidGrant
	}

	if c.auditor != nil {
		c.auditor.LogCodeRedeemed(code.UserID, code.ClientID, params.ClientIP)
	}
	return code, nil
}

func (c *Codes) failRedeem(params CodeRedeemParams, reason string) {
	c.logger.Warn("authorization code redemption failed",
		"client_id", params.ClientID,
		"reason", reason,
	)
	if c.auditor != nil {
		c.auditor.LogAuthFailure("", params.ClientID, params.ClientIP, reason)
	}
}
