package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaygrid/connector-oauth/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewWithInterval(time.Hour) // keep the janitor out of the way
	t.Cleanup(s.Stop)
	return s
}

func TestClientLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	client := &storage.Client{
		ClientID:     "client-1",
		ClientName:   "Test App",
		RedirectURIs: []string{"https://app.example.com/callback"},
		CreatedAt:    time.Now(),
	}

	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient failed: %v", err)
	}

	if err := s.SaveClient(ctx, client); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists on duplicate save, got %v", err)
	}

	got, err := s.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if got.ClientName != "Test App" {
		t.Errorf("expected client name 'Test App', got %q", got.ClientName)
	}

	// The store must hand out copies, not its internal rows.
	got.ClientName = "mutated"
	again, _ := s.GetClient(ctx, "client-1")
	if again.ClientName != "Test App" {
		t.Error("GetClient returned a reference to internal state")
	}

	if err := s.DisableClient(ctx, "client-1"); err != nil {
		t.Fatalf("DisableClient failed: %v", err)
	}
	disabled, _ := s.GetClient(ctx, "client-1")
	if !disabled.Disabled {
		t.Error("expected client to be disabled")
	}

	if _, err := s.GetClient(ctx, "unknown"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown client, got %v", err)
	}

	clients, err := s.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients failed: %v", err)
	}
	if len(clients) != 1 {
		t.Errorf("expected 1 client, got %d", len(clients))
	}
}

func TestConsumeAuthorizationState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	state := &storage.AuthorizationState{
		ClientState:   "client-csrf",
		ProviderState: "provider-state-1",
		ClientID:      "client-1",
		ExpiresAt:     now.Add(5 * time.Minute),
	}
	if err := s.SaveAuthorizationState(ctx, state); err != nil {
		t.Fatalf("SaveAuthorizationState failed: %v", err)
	}

	got, err := s.ConsumeAuthorizationState(ctx, "provider-state-1", now)
	if err != nil {
		t.Fatalf("ConsumeAuthorizationState failed: %v", err)
	}
	if got.ClientState != "client-csrf" {
		t.Errorf("expected client state 'client-csrf', got %q", got.ClientState)
	}

	// Second consume must miss.
	if _, err := s.ConsumeAuthorizationState(ctx, "provider-state-1", now); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second consume, got %v", err)
	}
}

func TestConsumeAuthorizationStateExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	state := &storage.AuthorizationState{
		ProviderState: "stale",
		ExpiresAt:     now.Add(-time.Minute),
	}
	if err := s.SaveAuthorizationState(ctx, state); err != nil {
		t.Fatalf("SaveAuthorizationState failed: %v", err)
	}

	if _, err := s.ConsumeAuthorizationState(ctx, "stale", now); !errors.Is(err, storage.ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}

	// Expired consume still burns the row.
	if _, err := s.ConsumeAuthorizationState(ctx, "stale", now); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after expired consume, got %v", err)
	}
}

func TestConsumeAuthorizationCodeSingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	code := &storage.AuthorizationCode{
		Code:      "code-1",
		ClientID:  "client-1",
		UserID:    "user-1",
		ExpiresAt: now.Add(10 * time.Minute),
	}
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode failed: %v", err)
	}

	got, err := s.ConsumeAuthorizationCode(ctx, "code-1", now)
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode failed: %v", err)
	}
	if got.UserID != "user-1" {
		t.Errorf("expected user-1, got %q", got.UserID)
	}

	if _, err := s.ConsumeAuthorizationCode(ctx, "code-1", now); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound on replay, got %v", err)
	}
}

func TestConsumeAuthorizationCodeConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "contested",
		ExpiresAt: now.Add(10 * time.Minute),
	}); err != nil {
		t.Fatalf("SaveAuthorizationCode failed: %v", err)
	}

	const racers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeAuthorizationCode(ctx, "contested", now); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly 1 successful redemption, got %d", winners)
	}
}

func TestRotateRefreshToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	family := &storage.TokenFamily{
		FamilyID:   "fam-1",
		ClientID:   "client-1",
		UserID:     "user-1",
		Generation: 1,
		CreatedAt:  now,
	}
	if err := s.SaveFamily(ctx, family); err != nil {
		t.Fatalf("SaveFamily failed: %v", err)
	}

	if err := s.SaveToken(ctx, &storage.Token{
		Token:      "refresh-gen1",
		Type:       storage.TokenTypeRefresh,
		FamilyID:   "fam-1",
		Generation: 1,
		ClientID:   "client-1",
		UserID:     "user-1",
		ExpiresAt:  now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	mint := func(old *storage.Token) (*storage.RotationNext, error) {
		return &storage.RotationNext{
			Access: &storage.Token{
				Token:     "access-gen2",
				Type:      storage.TokenTypeAccess,
				FamilyID:  old.FamilyID,
				ClientID:  old.ClientID,
				UserID:    old.UserID,
				ExpiresAt: now.Add(time.Hour),
			},
			Refresh: &storage.Token{
				Token:      "refresh-gen2",
				Type:       storage.TokenTypeRefresh,
				FamilyID:   old.FamilyID,
				Generation: old.Generation + 1,
				ClientID:   old.ClientID,
				UserID:     old.UserID,
				ExpiresAt:  now.Add(time.Hour),
			},
		}, nil
	}

	old, err := s.RotateRefreshToken(ctx, "refresh-gen1", now, mint)
	if err != nil {
		t.Fatalf("RotateRefreshToken failed: %v", err)
	}
	if old.UsedAt == nil {
		t.Error("expected returned old token to carry UsedAt")
	}

	// New pair must be live.
	if _, err := s.GetToken(ctx, "access-gen2"); err != nil {
		t.Errorf("expected new access token to exist: %v", err)
	}
	if _, err := s.GetToken(ctx, "refresh-gen2"); err != nil {
		t.Errorf("expected new refresh token to exist: %v", err)
	}

	// Family generation advanced.
	fam, err := s.GetFamily(ctx, "fam-1")
	if err != nil {
		t.Fatalf("GetFamily failed: %v", err)
	}
	if fam.Generation != 2 {
		t.Errorf("expected family generation 2, got %d", fam.Generation)
	}

	// Rotating the consumed token again trips the replay detector.
	_, err = s.RotateRefreshToken(ctx, "refresh-gen1", now, mint)
	var replay *storage.ReplayError
	if !errors.As(err, &replay) {
		t.Fatalf("expected ReplayError, got %v", err)
	}
	if replay.Token.FamilyID != "fam-1" {
		t.Errorf("expected replay token family fam-1, got %q", replay.Token.FamilyID)
	}
}

func TestRotateRefreshTokenMintFailureLeavesTokenUnused(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.SaveToken(ctx, &storage.Token{
		Token:      "refresh-1",
		Type:       storage.TokenTypeRefresh,
		FamilyID:   "fam-1",
		Generation: 1,
		ExpiresAt:  now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	mintErr := errors.New("mint failed")
	_, err := s.RotateRefreshToken(ctx, "refresh-1", now, func(old *storage.Token) (*storage.RotationNext, error) {
		return nil, mintErr
	})
	if !errors.Is(err, mintErr) {
		t.Fatalf("expected mint error, got %v", err)
	}

	// A failed mint must not consume the token.
	_, err = s.RotateRefreshToken(ctx, "refresh-1", now, func(old *storage.Token) (*storage.RotationNext, error) {
		return &storage.RotationNext{
			Access:  &storage.Token{Token: "a2", Type: storage.TokenTypeAccess, FamilyID: "fam-1", ExpiresAt: now.Add(time.Hour)},
			Refresh: &storage.Token{Token: "r2", Type: storage.TokenTypeRefresh, FamilyID: "fam-1", Generation: 2, ExpiresAt: now.Add(time.Hour)},
		}, nil
	})
	if err != nil {
		t.Fatalf("expected rotation to succeed after failed mint, got %v", err)
	}
}

func TestRotateRefreshTokenConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.SaveFamily(ctx, &storage.TokenFamily{FamilyID: "fam-race", Generation: 1, CreatedAt: now}); err != nil {
		t.Fatalf("SaveFamily failed: %v", err)
	}
	if err := s.SaveToken(ctx, &storage.Token{
		Token:      "refresh-race",
		Type:       storage.TokenTypeRefresh,
		FamilyID:   "fam-race",
		Generation: 1,
		ExpiresAt:  now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	const racers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners, replays := 0, 0

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.RotateRefreshToken(ctx, "refresh-race", now, func(old *storage.Token) (*storage.RotationNext, error) {
				return &storage.RotationNext{
					Access:  &storage.Token{Token: "a", Type: storage.TokenTypeAccess, FamilyID: "fam-race", ExpiresAt: now.Add(time.Hour)},
					Refresh: &storage.Token{Token: "r", Type: storage.TokenTypeRefresh, FamilyID: "fam-race", Generation: 2, ExpiresAt: now.Add(time.Hour)},
				}, nil
			})
			mu.Lock()
			defer mu.Unlock()
			var replay *storage.ReplayError
			switch {
			case err == nil:
				winners++
			case errors.As(err, &replay):
				replays++
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly 1 winning rotation, got %d", winners)
	}
	if replays != racers-1 {
		t.Errorf("expected %d replay errors, got %d", racers-1, replays)
	}
}

func TestRevokeFamily(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.SaveFamily(ctx, &storage.TokenFamily{FamilyID: "fam-1", Generation: 2, CreatedAt: now}); err != nil {
		t.Fatalf("SaveFamily failed: %v", err)
	}
	for _, tok := range []*storage.Token{
		{Token: "r1", Type: storage.TokenTypeRefresh, FamilyID: "fam-1", Generation: 1, ExpiresAt: now.Add(time.Hour)},
		{Token: "r2", Type: storage.TokenTypeRefresh, FamilyID: "fam-1", Generation: 2, ExpiresAt: now.Add(time.Hour)},
		{Token: "a2", Type: storage.TokenTypeAccess, FamilyID: "fam-1", ExpiresAt: now.Add(time.Hour)},
	} {
		if err := s.SaveToken(ctx, tok); err != nil {
			t.Fatalf("SaveToken failed: %v", err)
		}
	}
	// A token from another family must survive.
	if err := s.SaveToken(ctx, &storage.Token{Token: "other", Type: storage.TokenTypeRefresh, FamilyID: "fam-2", Generation: 1, ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("SaveToken failed: %v", err)
	}

	deleted, err := s.RevokeFamily(ctx, "fam-1", now)
	if err != nil {
		t.Fatalf("RevokeFamily failed: %v", err)
	}
	if len(deleted) != 3 {
		t.Errorf("expected 3 deleted tokens, got %d", len(deleted))
	}

	// Access and refresh tokens die together.
	for _, tok := range []string{"r1", "r2", "a2"} {
		if _, err := s.GetToken(ctx, tok); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected token %s gone, got %v", tok, err)
		}
	}
	if _, err := s.GetToken(ctx, "other"); err != nil {
		t.Errorf("expected unrelated token to survive: %v", err)
	}

	fam, err := s.GetFamily(ctx, "fam-1")
	if err != nil {
		t.Fatalf("expected revoked family metadata to be retained: %v", err)
	}
	if !fam.Revoked || fam.RevokedAt.IsZero() {
		t.Error("expected family to be marked revoked with a timestamp")
	}
}

func TestSaveTokenValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveToken(ctx, &storage.Token{Token: "r", Type: storage.TokenTypeRefresh}); err == nil {
		t.Error("expected error for refresh token without family")
	}
	if err := s.SaveToken(ctx, &storage.Token{Token: "a", Type: storage.TokenTypeAccess}); err == nil {
		t.Error("expected error for access token without family")
	}
	if err := s.SaveToken(ctx, &storage.Token{Token: "a2", Type: storage.TokenTypeAccess, FamilyID: "fam"}); err != nil {
		t.Errorf("expected family-linked access token to save: %v", err)
	}
}

func TestDeleteExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_ = s.SaveAuthorizationState(ctx, &storage.AuthorizationState{ProviderState: "live", ExpiresAt: now.Add(time.Hour)})
	_ = s.SaveAuthorizationState(ctx, &storage.AuthorizationState{ProviderState: "dead", ExpiresAt: now.Add(-time.Hour)})
	_ = s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{Code: "dead-code", ExpiresAt: now.Add(-time.Hour)})

	deleted, err := s.DeleteExpiredFlows(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpiredFlows failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted flow rows, got %d", deleted)
	}

	_ = s.SaveToken(ctx, &storage.Token{Token: "live-token", Type: storage.TokenTypeAccess, FamilyID: "fam-1", ExpiresAt: now.Add(time.Hour)})
	_ = s.SaveToken(ctx, &storage.Token{Token: "dead-token", Type: storage.TokenTypeAccess, FamilyID: "fam-1", ExpiresAt: now.Add(-time.Hour)})

	deleted, err = s.DeleteExpiredTokens(ctx, now, now)
	if err != nil {
		t.Fatalf("DeleteExpiredTokens failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted token, got %d", deleted)
	}
	if _, err := s.GetToken(ctx, "live-token"); err != nil {
		t.Errorf("expected live token to survive: %v", err)
	}
}

func TestDeleteExpiredRetainsConsumedTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	usedAt := now.Add(-time.Minute)
	_ = s.SaveToken(ctx, &storage.Token{
		Token:      "consumed-expired",
		Type:       storage.TokenTypeRefresh,
		FamilyID:   "fam-1",
		Generation: 1,
		UsedAt:     &usedAt,
		ExpiresAt:  now.Add(-time.Hour),
	})

	// Consumed within the retention window: the expired row survives.
	deleted, err := s.DeleteExpiredTokens(ctx, now, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("DeleteExpiredTokens failed: %v", err)
	}
	if deleted != 0 {
		t.Errorf("expected 0 deleted tokens, got %d", deleted)
	}

	// Once used_at falls behind the retention cutoff the row goes too.
	deleted, err = s.DeleteExpiredTokens(ctx, now, now)
	if err != nil {
		t.Fatalf("DeleteExpiredTokens failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted token, got %d", deleted)
	}
}

func TestCleanupRetainsUsedRefreshTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	usedAt := now.Add(-time.Minute)
	_ = s.SaveToken(ctx, &storage.Token{
		Token:      "used-but-live",
		Type:       storage.TokenTypeRefresh,
		FamilyID:   "fam-1",
		Generation: 1,
		UsedAt:     &usedAt,
		ExpiresAt:  now.Add(time.Hour),
	})

	s.cleanup()

	s.mu.RLock()
	_, ok := s.tokens["used-but-live"]
	s.mu.RUnlock()
	if !ok {
		t.Error("cleanup must not remove consumed refresh tokens before expiry")
	}
}
