// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaygrid/connector-oauth/storage"
)

const (
	// maxFamilyEntries is the hard limit for token family rows. Exceeding it
	// fails SaveFamily; this prevents memory exhaustion via mass grants.
	maxFamilyEntries = 50000

	// defaultRevokedFamilyRetention is how long revoked family metadata is
	// kept for forensics before the janitor drops it.
	defaultRevokedFamilyRetention = 90 * 24 * time.Hour

	// defaultUsedTokenRetention is how long consumed refresh tokens are kept
	// past expiry so reuse detection keeps its evidence.
	defaultUsedTokenRetention = 30 * 24 * time.Hour
)

// Store is an in-memory implementation of all storage interfaces.
// A single mutex covers every table, which makes the rotation transaction
// trivially atomic: RotateRefreshToken holds the write lock for the whole
// check-mark-insert sequence.
type Store struct {
	mu sync.RWMutex

	clients    map[string]*storage.Client
	authStates map[string]*storage.AuthorizationState // keyed by provider state
	authCodes  map[string]*storage.AuthorizationCode
	tokens     map[string]*storage.Token
	families   map[string]*storage.TokenFamily

	cleanupInterval        time.Duration
	revokedFamilyRetention time.Duration
	usedTokenRetention     time.Duration
	stopCleanup            chan struct{}
	stopOnce               sync.Once
	logger                 *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.FlowStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval
// (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. If cleanupInterval is 0 or negative, the default of 1 minute
// is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:                make(map[string]*storage.Client),
		authStates:             make(map[string]*storage.AuthorizationState),
		authCodes:              make(map[string]*storage.AuthorizationCode),
		tokens:                 make(map[string]*storage.Token),
		families:               make(map[string]*storage.TokenFamily),
		cleanupInterval:        cleanupInterval,
		revokedFamilyRetention: defaultRevokedFamilyRetention,
		usedTokenRetention:     defaultUsedTokenRetention,
		stopCleanup:            make(chan struct{}),
		logger:                 slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetRevokedFamilyRetention sets how long revoked family metadata is kept
// before the janitor removes it.
func (s *Store) SetRevokedFamilyRetention(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.revokedFamilyRetention = d
	}
}

// SetUsedTokenRetention sets how long consumed refresh tokens are kept past
// expiry for reuse detection.
func (s *Store) SetUsedTokenRetention(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.usedTokenRetention = d
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient inserts a registered client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client with non-empty client_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		return fmt.Errorf("client %s: %w", client.ClientID, storage.ErrAlreadyExists)
	}

	cp := *client
	s.clients[client.ClientID] = &cp
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("client %s: %w", clientID, storage.ErrNotFound)
	}

	cp := *client
	return &cp, nil
}

// DisableClient soft-disables a client.
func (s *Store) DisableClient(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return fmt.Errorf("client %s: %w", clientID, storage.ErrNotFound)
	}

	client.Disabled = true
	client.UpdatedAt = time.Now()
	return nil
}

// ListClients lists all registered clients.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		cp := *client
		clients = append(clients, &cp)
	}
	return clients, nil
}

// ============================================================
// FlowStore
// ============================================================

// SaveAuthorizationState stores a pending authorization request.
func (s *Store) SaveAuthorizationState(ctx context.Context, state *storage.AuthorizationState) error {
	if state == nil || state.ProviderState == "" {
		return fmt.Errorf("authorization state with non-empty provider state is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *state
	s.authStates[state.ProviderState] = &cp
	return nil
}

// ConsumeAuthorizationState atomically retrieves and deletes a pending
// authorization state by provider state.
func (s *Store) ConsumeAuthorizationState(ctx context.Context, providerState string, now time.Time) (*storage.AuthorizationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.authStates[providerState]
	if !ok {
		return nil, fmt.Errorf("authorization state: %w", storage.ErrNotFound)
	}

	delete(s.authStates, providerState)

	if now.After(state.ExpiresAt) {
		return nil, fmt.Errorf("authorization state: %w", storage.ErrExpired)
	}

	cp := *state
	return &cp, nil
}

// SaveAuthorizationCode stores an issued authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code with non-empty code is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *code
	s.authCodes[code.Code] = &cp
	return nil
}

// ConsumeAuthorizationCode atomically retrieves and deletes a code. The map
// delete happens under the write lock, so only one of two concurrent
// redemptions can observe the row.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.authCodes[code]
	if !ok {
		return nil, fmt.Errorf("authorization code: %w", storage.ErrNotFound)
	}

	delete(s.authCodes, code)

	if now.After(row.ExpiresAt) {
		return nil, fmt.Errorf("authorization code: %w", storage.ErrExpired)
	}

	cp := *row
	return &cp, nil
}

// DeleteExpiredFlows removes expired states and codes.
func (s *Store) DeleteExpiredFlows(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for key, state := range s.authStates {
		if now.After(state.ExpiresAt) {
			delete(s.authStates, key)
			deleted++
		}
	}
	for key, code := range s.authCodes {
		if now.After(code.ExpiresAt) {
			delete(s.authCodes, key)
			deleted++
		}
	}
	return deleted, nil
}

// ============================================================
// TokenStore
// ============================================================

// SaveFamily inserts a new token family.
func (s *Store) SaveFamily(ctx context.Context, family *storage.TokenFamily) error {
	if family == nil || family.FamilyID == "" {
		return fmt.Errorf("token family with non-empty family_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.families) >= maxFamilyEntries {
		s.logger.Error("Token family limit reached, rejecting new family",
			"limit", maxFamilyEntries)
		return fmt.Errorf("token family limit reached (%d)", maxFamilyEntries)
	}

	if _, exists := s.families[family.FamilyID]; exists {
		return fmt.Errorf("token family %s: %w", family.FamilyID, storage.ErrAlreadyExists)
	}

	cp := *family
	s.families[family.FamilyID] = &cp
	return nil
}

// GetFamily retrieves family metadata.
func (s *Store) GetFamily(ctx context.Context, familyID string) (*storage.TokenFamily, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	family, ok := s.families[familyID]
	if !ok {
		return nil, fmt.Errorf("token family %s: %w", familyID, storage.ErrNotFound)
	}

	cp := *family
	return &cp, nil
}

// SaveToken inserts a token row.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("token with non-empty token string is required")
	}
	if token.FamilyID == "" {
		return fmt.Errorf("token requires a family_id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *token
	s.tokens[token.Token] = &cp
	return nil
}

// GetToken retrieves a token row by its opaque string.
func (s *Store) GetToken(ctx context.Context, tokenString string) (*storage.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[tokenString]
	if !ok {
		return nil, fmt.Errorf("token: %w", storage.ErrNotFound)
	}
	if token.Expired(time.Now()) {
		return nil, fmt.Errorf("token: %w", storage.ErrExpired)
	}

	cp := *token
	return &cp, nil
}

// DeleteToken removes a single token row. Unknown tokens are a no-op.
func (s *Store) DeleteToken(ctx context.Context, tokenString string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tokens, tokenString)
	return nil
}

// RotateRefreshToken atomically consumes a refresh token and persists its
// replacement pair. The whole sequence runs under the write lock, which is
// the in-memory equivalent of the row-locked database transaction: two
// concurrent rotations of the same token serialize here, and the loser
// observes UsedAt already set.
func (s *Store) RotateRefreshToken(ctx context.Context, tokenString string, now time.Time, mint func(old *storage.Token) (*storage.RotationNext, error)) (*storage.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.tokens[tokenString]
	if !ok {
		return nil, fmt.Errorf("refresh token: %w", storage.ErrNotFound)
	}
	if old.Type != storage.TokenTypeRefresh {
		return nil, fmt.Errorf("refresh token: %w", storage.ErrNotFound)
	}
	if old.Expired(now) {
		return nil, fmt.Errorf("refresh token: %w", storage.ErrExpired)
	}
	if old.UsedAt != nil {
		cp := *old
		return nil, &storage.ReplayError{Token: &cp}
	}

	next, err := mint(copyToken(old))
	if err != nil {
		return nil, err
	}
	if next == nil || next.Access == nil || next.Refresh == nil {
		return nil, fmt.Errorf("rotation requires both replacement tokens")
	}

	// Point of no return: mark used and insert the pair together.
	usedAt := now
	old.UsedAt = &usedAt

	access := *next.Access
	refresh := *next.Refresh
	s.tokens[access.Token] = &access
	s.tokens[refresh.Token] = &refresh

	if family, ok := s.families[refresh.FamilyID]; ok {
		family.Generation = refresh.Generation
	}

	cp := *old
	return &cp, nil
}

// RevokeFamily deletes every token in the family and marks the family
// revoked. Family metadata is retained for forensics until the janitor
// drops it after the configured retention.
func (s *Store) RevokeFamily(ctx context.Context, familyID string, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted []string
	for key, token := range s.tokens {
		if token.FamilyID == familyID {
			delete(s.tokens, key)
			deleted = append(deleted, key)
		}
	}

	if family, ok := s.families[familyID]; ok {
		family.Revoked = true
		family.RevokedAt = now
	}

	return deleted, nil
}

// DeleteExpiredTokens bulk-deletes tokens whose expiry is before the cutoff.
// Consumed refresh tokens survive until their used_at is before usedCutoff.
func (s *Store) DeleteExpiredTokens(ctx context.Context, cutoff, usedCutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for key, token := range s.tokens {
		if token.ExpiresAt.IsZero() || !token.ExpiresAt.Before(cutoff) {
			continue
		}
		if token.UsedAt != nil && !token.UsedAt.Before(usedCutoff) {
			continue
		}
		delete(s.tokens, key)
		deleted++
	}
	return deleted, nil
}

func copyToken(t *storage.Token) *storage.Token {
	cp := *t
	if t.UsedAt != nil {
		usedAt := *t.UsedAt
		cp.UsedAt = &usedAt
	}
	return &cp
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes expired flow rows, expired tokens, and revoked family
// metadata past its retention window. Consumed refresh tokens are kept for
// the used-token retention even past expiry: they are the reuse-detection
// tripwire.
func (s *Store) cleanup() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	expiredStates := 0
	for key, state := range s.authStates {
		if now.After(state.ExpiresAt) {
			delete(s.authStates, key)
			expiredStates++
		}
	}

	expiredCodes := 0
	for key, code := range s.authCodes {
		if now.After(code.ExpiresAt) {
			delete(s.authCodes, key)
			expiredCodes++
		}
	}

	expiredTokens := 0
	for key, token := range s.tokens {
		if token.ExpiresAt.IsZero() || !now.After(token.ExpiresAt) {
			continue
		}
		if token.UsedAt != nil && now.Sub(*token.UsedAt) < s.usedTokenRetention {
			continue
		}
		delete(s.tokens, key)
		expiredTokens++
	}

	expiredFamilies := 0
	for key, family := range s.families {
		if family.Revoked && now.Sub(family.RevokedAt) > s.revokedFamilyRetention {
			delete(s.families, key)
			expiredFamilies++
		}
	}

	if expiredStates > 0 || expiredCodes > 0 || expiredTokens > 0 || expiredFamilies > 0 {
		s.logger.Debug("Cleaned up expired entries",
			"auth_states", expiredStates,
			"auth_codes", expiredCodes,
			"tokens", expiredTokens,
			"revoked_families", expiredFamilies)
	}
}
