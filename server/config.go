package server

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"
)

// Default lifetimes applied by applySecureDefaults.
const (
	DefaultAuthorizationCodeTTL   = 10 * time.Minute
	DefaultAccessTokenTTL         = time.Hour
	DefaultRefreshTokenTTL        = 30 * 24 * time.Hour
	DefaultAccessTokenCacheTTL    = 5 * time.Minute
	DefaultRevokedFamilyRetention = 90 * 24 * time.Hour
	DefaultClockSkewGrace         = 5 * time.Second
	DefaultTrustedProxyCount      = 1
	DefaultMaxClientsPerIP        = 10
)

// Default capability lists advertised by the discovery documents.
var (
	DefaultMCPVersionsSupported     = []string{"2025-06-18", "2025-03-26"}
	DefaultDPoPSigningAlgsSupported = []string{"ES256", "RS256"}
)

// Config holds authorization server configuration.
type Config struct {
	// Issuer is the server's issuer identifier (base URL, no trailing
	// slash). Required.
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid.
	AuthorizationCodeTTL time.Duration

	// AccessTokenTTL is how long access tokens are valid.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is how long refresh tokens are valid.
	RefreshTokenTTL time.Duration

	// AccessTokenCacheTTL bounds how long validated access tokens may be
	// served from cache. The effective TTL never exceeds the token's
	// remaining lifetime.
	AccessTokenCacheTTL time.Duration

	// UsedTokenRetention is how long consumed refresh tokens are kept as
	// the reuse-detection tripwire. Zero means the refresh TTL, which
	// keeps detection available for the whole family lifetime.
	UsedTokenRetention time.Duration

	// RevokedFamilyRetention is how long revoked family metadata is kept
	// for forensics.
	RevokedFamilyRetention time.Duration

	// ClockSkewGrace is subtracted from expiry checks to tolerate time
	// drift between instances.
	ClockSkewGrace time.Duration

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of this server,
	// used with TrustProxy to pick the client entry in X-Forwarded-For.
	TrustedProxyCount int

	// MaxClientsPerIP limits dynamic registrations per IP address.
	MaxClientsPerIP int

	// SupportedScopes lists the scopes clients may request. Empty allows
	// any scope.
	SupportedScopes []string

	// ResourceName names the protected resource in discovery metadata.
	ResourceName string

	// ResourceDocumentation points to the resource's developer docs.
	ResourceDocumentation string

	// ResourcePolicyURI points to the resource's usage policy.
	ResourcePolicyURI string

	// ResourceTOSURI points to the resource's terms of service.
	ResourceTOSURI string

	// MCPVersionsSupported lists the MCP protocol versions the resource
	// speaks, advertised as a discovery extension.
	MCPVersionsSupported []string

	// DPoPSigningAlgsSupported lists the JWS algorithms accepted for DPoP
	// proofs in the RFC 8414 document.
	DPoPSigningAlgsSupported []string

	// TLSClientCertificateBoundTokens advertises mutual-TLS token binding
	// (RFC 8705) in the protected resource metadata.
	TLSClientCertificateBoundTokens bool

	// DPoPBoundTokensRequired advertises that the resource requires
	// DPoP-bound access tokens.
	DPoPBoundTokensRequired bool
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	parsed, err := url.Parse(c.Issuer)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL")
	}
	if parsed.Scheme != "https" && !isLoopbackHost(parsed.Hostname()) {
		return fmt.Errorf("issuer must use https (got %s)", parsed.Scheme)
	}
	return nil
}

// applySecureDefaults fills zero values with secure defaults and warns
// about settings that weaken the deployment.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.AccessTokenCacheTTL == 0 {
		config.AccessTokenCacheTTL = DefaultAccessTokenCacheTTL
	}
	if config.UsedTokenRetention == 0 {
		config.UsedTokenRetention = config.RefreshTokenTTL
	}
	if config.RevokedFamilyRetention == 0 {
		config.RevokedFamilyRetention = DefaultRevokedFamilyRetention
	}
	if config.ClockSkewGrace == 0 {
		config.ClockSkewGrace = DefaultClockSkewGrace
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = DefaultTrustedProxyCount
	}
	if config.MaxClientsPerIP == 0 {
		config.MaxClientsPerIP = DefaultMaxClientsPerIP
	}
	if len(config.MCPVersionsSupported) == 0 {
		config.MCPVersionsSupported = DefaultMCPVersionsSupported
	}
	if len(config.DPoPSigningAlgsSupported) == 0 {
		config.DPoPSigningAlgsSupported = DefaultDPoPSigningAlgsSupported
	}

	if config.TrustProxy {
		logger.Warn("Trusting proxy headers for client IPs",
			"risk", "IP spoofing if the proxy chain is misconfigured",
			"trusted_proxy_count", config.TrustedProxyCount)
	}
	if config.UsedTokenRetention < config.RefreshTokenTTL {
		logger.Warn("Consumed refresh tokens retained shorter than the refresh TTL",
			"risk", "replay of an old refresh token after retention may go undetected",
			"used_token_retention", config.UsedTokenRetention,
			"refresh_token_ttl", config.RefreshTokenTTL)
	}

	return config
}
