package server

import (
	"io"
	"log/slog"
	"testing"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	cachemem "github.com/relaygrid/connector-oauth/cache/memory"
	"github.com/relaygrid/connector-oauth/identity/mock"
	"github.com/relaygrid/connector-oauth/security"
	storagemem "github.com/relaygrid/connector-oauth/storage/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pkcePair returns a fresh verifier and its S256 challenge.
func pkcePair() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	return verifier, oauth2.S256ChallengeFromVerifier(verifier)
}

// newTestServer wires a complete server on in-memory backends with the
// default mock identity provider.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	store := storagemem.New()
	t.Cleanup(store.Stop)
	tokenCache := cachemem.New()
	t.Cleanup(tokenCache.Close)

	srv, err := New(Options{
		Provider:    mock.New(),
		ClientStore: store,
		FlowStore:   store,
		TokenStore:  store,
		Cache:       tokenCache,
		Hasher:      &security.BcryptHasher{Cost: bcrypt.MinCost},
		Logger:      discardLogger(),
		Config:      &Config{Issuer: "https://auth.example.com"},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return srv
}
