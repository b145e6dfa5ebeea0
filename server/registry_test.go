package server

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/relaygrid/connector-oauth/security"
	"github.com/relaygrid/connector-oauth/storage"
	storagemem "github.com/relaygrid/connector-oauth/storage/memory"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store := storagemem.New()
	t.Cleanup(store.Stop)

	config := applySecureDefaults(&Config{Issuer: "https://auth.example.com"}, discardLogger())
	return NewRegistry(store, &security.BcryptHasher{Cost: bcrypt.MinCost}, nil, config)
}

func TestRegisterConfidentialClient(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	result, err := reg.Register(ctx, RegistrationInput{
		ClientName:   "Test App",
		RedirectURIs: []string{"https://app.example.com/callback"},
	}, "203.0.113.1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	client := result.Client
	if client.ClientID == "" {
		t.Error("expected generated client_id")
	}
	if client.ClientType != ClientTypeConfidential {
		t.Errorf("client type = %q, want confidential", client.ClientType)
	}
	if client.TokenEndpointAuthMethod != TokenEndpointAuthMethodBasic {
		t.Errorf("auth method = %q, want client_secret_basic", client.TokenEndpointAuthMethod)
	}
	if result.ClientSecret == "" {
		t.Error("expected plaintext secret for confidential client")
	}
	if client.ClientSecretHash == result.ClientSecret {
		t.Error("secret stored in plaintext")
	}

	// Secret verifies against the stored hash exactly once at registration;
	// afterwards only the hash exists.
	if _, err := reg.ValidateCredentials(ctx, client.ClientID, result.ClientSecret); err != nil {
		t.Errorf("freshly issued secret rejected: %v", err)
	}
}

func TestRegisterPublicClient(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	result, err := reg.Register(ctx, RegistrationInput{
		ClientName:              "Native App",
		RedirectURIs:            []string{"http://127.0.0.1:8080/callback"},
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
	}, "")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if result.Client.ClientType != ClientTypePublic {
		t.Errorf("client type = %q, want public", result.Client.ClientType)
	}
	if result.ClientSecret != "" {
		t.Error("public client got a secret")
	}
	if result.Client.ClientSecretHash != "" {
		t.Error("public client got a secret hash")
	}
}

func TestRegisterRejectsBadRedirectURIs(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	for _, uri := range []string{"", "/relative", "https://x#frag", "javascript:alert(1)"} {
		input := RegistrationInput{ClientName: "x"}
		if uri != "" {
			input.RedirectURIs = []string{uri}
		}
		if _, err := reg.Register(ctx, input, ""); err == nil {
			t.Errorf("redirect URI %q accepted", uri)
		}
	}
}

func TestRegisterDuplicateNamesAllowed(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	input := RegistrationInput{
		ClientName:   "Same Name",
		RedirectURIs: []string{"https://app.example.com/cb"},
	}
	a, err := reg.Register(ctx, input, "")
	if err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	b, err := reg.Register(ctx, input, "")
	if err != nil {
		t.Fatalf("second registration failed: %v", err)
	}
	if a.Client.ClientID == b.Client.ClientID {
		t.Error("duplicate name registrations share a client_id")
	}
}

func TestRegisterPerIPQuota(t *testing.T) {
	reg := newTestRegistry(t)
	reg.config.MaxClientsPerIP = 2
	ctx := context.Background()

	input := RegistrationInput{
		ClientName:   "Quota",
		RedirectURIs: []string{"https://app.example.com/cb"},
	}
	for i := 0; i < 2; i++ {
		if _, err := reg.Register(ctx, input, "198.51.100.7"); err != nil {
			t.Fatalf("registration %d failed: %v", i, err)
		}
	}
	if _, err := reg.Register(ctx, input, "198.51.100.7"); !errors.Is(err, ErrTooManyClients) {
		t.Errorf("over-quota registration error = %v, want ErrTooManyClients", err)
	}
	// Other addresses are unaffected.
	if _, err := reg.Register(ctx, input, "198.51.100.8"); err != nil {
		t.Errorf("registration from different IP failed: %v", err)
	}
}

func TestValidateCredentials(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	conf, err := reg.Register(ctx, RegistrationInput{
		ClientName:   "Confidential",
		RedirectURIs: []string{"https://app.example.com/cb"},
	}, "")
	if err != nil {
		t.Fatalf("register confidential: %v", err)
	}
	pub, err := reg.Register(ctx, RegistrationInput{
		ClientName:              "Public",
		RedirectURIs:            []string{"https://app.example.com/cb"},
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
	}, "")
	if err != nil {
		t.Fatalf("register public: %v", err)
	}

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantOK   bool
	}{
		{"confidential correct secret", conf.Client.ClientID, conf.ClientSecret, true},
		{"confidential wrong secret", conf.Client.ClientID, "wrong", false},
		{"confidential empty secret", conf.Client.ClientID, "", false},
		{"public no secret", pub.Client.ClientID, "", true},
		{"public with secret", pub.Client.ClientID, "unexpected", false},
		{"unknown client", "no-such-client", "whatever", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.ValidateCredentials(ctx, tt.clientID, tt.secret)
			if (err == nil) != tt.wantOK {
				t.Errorf("ValidateCredentials(%q) error = %v, wantOK %v", tt.name, err, tt.wantOK)
			}
		})
	}
}

func TestDisabledClientNotFound(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	result, err := reg.Register(ctx, RegistrationInput{
		ClientName:   "Doomed",
		RedirectURIs: []string{"https://app.example.com/cb"},
	}, "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	clientID := result.Client.ClientID

	if _, err := reg.Get(ctx, clientID); err != nil {
		t.Fatalf("get before disable: %v", err)
	}
	if err := reg.Disable(ctx, clientID); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := reg.Get(ctx, clientID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("get after disable error = %v, want ErrNotFound", err)
	}
	if _, err := reg.ValidateCredentials(ctx, clientID, result.ClientSecret); err == nil {
		t.Error("disabled client still authenticates")
	}
}

func TestValidateRedirectURIAgainstClient(t *testing.T) {
	reg := newTestRegistry(t)
	client := &storage.Client{
		RedirectURIs: []string{
			"https://app.example.com/cb",
			"http://127.0.0.1:8080/cb",
		},
	}

	if !reg.ValidateRedirectURI(client, "https://app.example.com/cb") {
		t.Error("registered URI rejected")
	}
	if !reg.ValidateRedirectURI(client, "http://127.0.0.1:51515/cb") {
		t.Error("loopback port variance rejected")
	}
	if reg.ValidateRedirectURI(client, "https://app.example.com/cb/../admin") {
		t.Error("path-traversal variant accepted")
	}
	if reg.ValidateRedirectURI(client, "https://evil.example.com/cb") {
		t.Error("unregistered host accepted")
	}
}
