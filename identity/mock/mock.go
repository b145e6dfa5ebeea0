// Package mock provides a mock identity provider for tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaygrid/connector-oauth/identity"
)

// Provider is a mock implementation of identity.Provider. Override the
// function fields to customize behavior; defaults return a fixed user.
type Provider struct {
	NameFunc             func() string
	AuthorizationURLFunc func(state string) string
	CompleteLoginFunc    func(ctx context.Context, code string) (*identity.Profile, error)

	mu         sync.Mutex
	callCounts map[string]int
}

var _ identity.Provider = (*Provider)(nil)

// New creates a mock provider with working defaults.
func New() *Provider {
	return &Provider{
		callCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		AuthorizationURLFunc: func(state string) string {
			return fmt.Sprintf("https://idp.example.com/authorize?state=%s", state)
		},
		CompleteLoginFunc: func(ctx context.Context, code string) (*identity.Profile, error) {
			return &identity.Profile{
				UserID:        "mock-user-123",
				ProfileID:     "mock-profile-1",
				Email:         "mock@example.com",
				EmailVerified: true,
				Name:          "Mock User",
			}, nil
		},
	}
}

func (p *Provider) Name() string {
	p.mu.Lock()
	p.callCounts["Name"]++
	fn := p.NameFunc
	p.mu.Unlock()

	if fn == nil {
		return "mock"
	}
	return fn()
}

func (p *Provider) AuthorizationURL(state string) string {
	p.mu.Lock()
	p.callCounts["AuthorizationURL"]++
	fn := p.AuthorizationURLFunc
	p.mu.Unlock()

	if fn == nil {
		return ""
	}
	return fn(state)
}

func (p *Provider) CompleteLogin(ctx context.Context, code string) (*identity.Profile, error) {
	p.mu.Lock()
	p.callCounts["CompleteLogin"]++
	fn := p.CompleteLoginFunc
	p.mu.Unlock()

	if fn == nil {
		return nil, fmt.Errorf("CompleteLoginFunc not set")
	}
	return fn(ctx, code)
}

// CallCount returns how many times the named method was invoked.
func (p *Provider) CallCount(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callCounts[method]
}
