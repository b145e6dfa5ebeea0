package server

// Endpoint paths relative to the issuer. These are fixed: discovery
// documents and the router must agree on them.
const (
	PathAuthorize  = "/oauth/authorize"
	PathToken      = "/oauth/token"
	PathRegister   = "/oauth/register"
	PathRevoke     = "/oauth/revoke"
	PathIntrospect = "/oauth/introspect"
	PathCallback   = "/oauth/callback"
	PathUserInfo   = "/oauth/userinfo"
	PathJWKS       = "/.well-known/jwks.json"

	PathOIDCDiscovery        = "/.well-known/openid-configuration"
	PathAuthServerMetadata   = "/.well-known/oauth-authorization-server"
	PathProtectedResourceDoc = "/.well-known/oauth-protected-resource"
)

// OIDCConfiguration is the OpenID Connect discovery document.
type OIDCConfiguration struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
}

// AuthorizationServerMetadata is the RFC 8414 authorization server
// metadata document. It mirrors the OIDC document minus the OIDC-only
// fields, plus the DPoP algorithm list.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	DPoPSigningAlgValuesSupported     []string `json:"dpop_signing_alg_values_supported,omitempty"`
}

// ProtectedResourceMetadata is the RFC 9728 protected resource metadata
// document, with the MCP version extension. Optional fields use omitempty
// so absent values never serialize as null.
type ProtectedResourceMetadata struct {
	Resource                          string   `json:"resource"`
	AuthorizationServers              []string `json:"authorization_servers"`
	BearerMethodsSupported            []string `json:"bearer_methods_supported,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResourceName                      string   `json:"resource_name,omitempty"`
	ResourceDocumentation             string   `json:"resource_documentation,omitempty"`
	ResourcePolicyURI                 string   `json:"resource_policy_uri,omitempty"`
	ResourceTOSURI                    string   `json:"resource_tos_uri,omitempty"`
	MCPVersionsSupported              []string `json:"mcp_versions_supported,omitempty"`
	TLSClientCertificateBoundTokens   bool     `json:"tls_client_certificate_bound_access_tokens,omitempty"`
	DPoPBoundAccessTokensRequired     bool     `json:"dpop_bound_access_tokens_required,omitempty"`
	ResourceSigningAlgValuesSupported []string `json:"resource_signing_alg_values_supported,omitempty"`
}

// NewOIDCConfiguration builds the OIDC discovery document.
func NewOIDCConfiguration(config *Config) *OIDCConfiguration {
	issuer := config.Issuer
	return &OIDCConfiguration{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + PathAuthorize,
		TokenEndpoint:                     issuer + PathToken,
		RegistrationEndpoint:              issuer + PathRegister,
		RevocationEndpoint:                issuer + PathRevoke,
		IntrospectionEndpoint:             issuer + PathIntrospect,
		UserInfoEndpoint:                  issuer + PathUserInfo,
		JWKSURI:                           issuer + PathJWKS,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{CodeChallengeMethodS256},
		TokenEndpointAuthMethodsSupported: []string{TokenEndpointAuthMethodNone, TokenEndpointAuthMethodBasic, TokenEndpointAuthMethodPost},
		ScopesSupported:                   config.SupportedScopes,
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"HS256", "RS256"},
	}
}

// NewAuthorizationServerMetadata builds the RFC 8414 document.
func NewAuthorizationServerMetadata(config *Config) *AuthorizationServerMetadata {
	issuer := config.Issuer
	return &AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + PathAuthorize,
		TokenEndpoint:                     issuer + PathToken,
		RegistrationEndpoint:              issuer + PathRegister,
		RevocationEndpoint:                issuer + PathRevoke,
		IntrospectionEndpoint:             issuer + PathIntrospect,
		JWKSURI:                           issuer + PathJWKS,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{CodeChallengeMethodS256},
		TokenEndpointAuthMethodsSupported: []string{TokenEndpointAuthMethodNone, TokenEndpointAuthMethodBasic, TokenEndpointAuthMethodPost},
		ScopesSupported:                   config.SupportedScopes,
		DPoPSigningAlgValuesSupported:     config.DPoPSigningAlgsSupported,
	}
}

// NewProtectedResourceMetadata builds the RFC 9728 document advertising
// this server as the authorization server for the resource.
func NewProtectedResourceMetadata(config *Config) *ProtectedResourceMetadata {
	issuer := config.Issuer
	return &ProtectedResourceMetadata{
		Resource:                        issuer,
		AuthorizationServers:            []string{issuer},
		BearerMethodsSupported:          []string{"header"},
		ScopesSupported:                 config.SupportedScopes,
		ResourceName:                    config.ResourceName,
		ResourceDocumentation:           config.ResourceDocumentation,
		ResourcePolicyURI:               config.ResourcePolicyURI,
		ResourceTOSURI:                  config.ResourceTOSURI,
		MCPVersionsSupported:            config.MCPVersionsSupported,
		TLSClientCertificateBoundTokens: config.TLSClientCertificateBoundTokens,
		DPoPBoundAccessTokensRequired:   config.DPoPBoundTokensRequired,
	}
}
