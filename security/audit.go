package security

import (
	"log/slog"
	"time"
)

// Audit event types emitted by the authorization server.
const (
	EventClientRegistered  = "client_registered"
	EventClientDisabled    = "client_disabled"
	EventCodeIssued        = "code_issued"
	EventCodeRedeemed      = "code_redeemed"
	EventTokenIssued       = "token_issued"
	EventTokenRotated      = "token_rotated"
	EventTokenRevoked      = "token_revoked"
	EventReuseDetected     = "refresh_reuse_detected"
	EventFamilyRevoked     = "token_family_revoked"
	EventAuthFailure       = "auth_failure"
	EventRateLimitExceeded = "rate_limit_exceeded"
)

// Auditor handles security event logging with PII protection. User
// identifiers are logged as hash prefixes, never verbatim.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event represents a security audit event.
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", HashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", time.Now(),
	)
}

// LogClientRegistered logs a dynamic client registration.
func (a *Auditor) LogClientRegistered(clientID, clientType, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"client_type": clientType},
	})
}

// LogCodeIssued logs the issuance of an authorization code.
func (a *Auditor) LogCodeIssued(userID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventCodeIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogCodeRedeemed logs a successful authorization code redemption.
func (a *Auditor) LogCodeRedeemed(userID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventCodeRedeemed,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogTokenIssued logs the issuance of a new token pair.
func (a *Auditor) LogTokenIssued(userID, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"scope": scope},
	})
}

// LogTokenRotated logs a successful refresh token rotation.
func (a *Auditor) LogTokenRotated(userID, clientID, ipAddress, familyID string, generation int) {
	a.LogEvent(Event{
		Type:      EventTokenRotated,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"family_id":  familyID,
			"generation": generation,
		},
	})
}

// LogTokenRevoked logs an explicit token revocation.
func (a *Auditor) LogTokenRevoked(userID, clientID, ipAddress, tokenType string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"token_type": tokenType},
	})
}

// LogReuseDetected logs a refresh token replay. This is the highest
// severity event the server emits.
func (a *Auditor) LogReuseDetected(userID, clientID, ipAddress, familyID string) {
	a.LogEvent(Event{
		Type:      EventReuseDetected,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"family_id": familyID},
	})
}

// LogFamilyRevoked logs the revocation of an entire token family.
func (a *Auditor) LogFamilyRevoked(userID, clientID, familyID, reason string, tokensDeleted int) {
	a.LogEvent(Event{
		Type:     EventFamilyRevoked,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"family_id":      familyID,
			"reason":         reason,
			"tokens_deleted": tokensDeleted,
		},
	})
}

// LogAuthFailure logs an authentication failure.
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogRateLimitExceeded logs a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(ipAddress, clientID string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}
