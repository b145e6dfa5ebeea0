// Package oauth exposes the authorization server over HTTP. Handler is a
// thin adapter: it parses requests, authenticates clients, and delegates to
// the server package, which owns all flow and token semantics.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaygrid/connector-oauth/instrumentation"
	"github.com/relaygrid/connector-oauth/security"
	"github.com/relaygrid/connector-oauth/server"
	"github.com/relaygrid/connector-oauth/storage"
)

// Handler serves the OAuth endpoints.
type Handler struct {
	server *server.Server
	logger *slog.Logger
	tracer trace.Tracer // nil disables tracing
}

// NewHandler creates an HTTP handler for the given server. A nil logger
// falls back to slog.Default; a nil tracer disables span creation.
func NewHandler(srv *server.Server, logger *slog.Logger, tracer trace.Tracer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{server: srv, logger: logger, tracer: tracer}
}

// RegisterRoutes mounts every endpoint on the given router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get(server.PathAuthorize, h.ServeAuthorization)
	r.Get(server.PathCallback, h.ServeCallback)
	r.Post(server.PathToken, h.ServeToken)
	r.Post(server.PathRegister, h.ServeClientRegistration)
	r.Post(server.PathRevoke, h.ServeTokenRevocation)
	r.Post(server.PathIntrospect, h.ServeTokenIntrospection)
	r.Get(server.PathUserInfo, h.ServeUserInfo)

	r.Get(server.PathOIDCDiscovery, h.ServeOIDCConfiguration)
	r.Get(server.PathAuthServerMetadata, h.ServeAuthorizationServerMetadata)
	r.Get(server.PathProtectedResourceDoc, h.ServeProtectedResourceMetadata)
	r.Get(server.PathJWKS, h.ServeJWKS)
}

// Routes builds a router with the endpoints plus CORS and security header
// middleware. CORS is permissive so browser-based public clients can reach
// the token and discovery endpoints; credentials are never reflected.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(security.HeadersMiddleware(h.server.Config.Issuer))
	h.RegisterRoutes(r)
	return r
}

// ServeAuthorization handles GET /oauth/authorize. Validation failures are
// rendered directly instead of redirected: the redirect URI is not trusted
// until the server has checked it against the client's registration.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, "authorize", clientIP, startTime) {
		return
	}

	q := r.URL.Query()
	req := server.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		Resource:            q.Get("resource"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		ClientState:         q.Get("state"),
	}
	if req.ClientID == "" || req.RedirectURI == "" {
		h.recordHTTPMetrics(ctx, "authorize", http.MethodGet, http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidRequest("client_id and redirect_uri are required"))
		return
	}
	if rt := q.Get("response_type"); rt != "code" {
		h.recordHTTPMetrics(ctx, "authorize", http.MethodGet, http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidRequest(fmt.Sprintf("response_type %q is not supported", rt)))
		return
	}

	providerURL, err := h.server.StartAuthorizationFlow(ctx, req)
	if err != nil {
		h.logger.Warn("Authorization request rejected",
			"client_id", req.ClientID, "ip", clientIP, "error", err)
		h.recordHTTPMetrics(ctx, "authorize", http.MethodGet, http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidRequest(err.Error()))
		return
	}

	h.recordHTTPMetrics(ctx, "authorize", http.MethodGet, http.StatusFound, startTime)
	http.Redirect(w, r, providerURL, http.StatusFound)
}

// ServeCallback handles GET /oauth/callback from the upstream identity
// provider. On success it redirects to the client's registered redirect URI
// with the freshly issued authorization code and the client's own state.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.callback")
		defer span.End()
	}

	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		h.logger.Warn("Upstream provider returned an error",
			"error", errCode, "description", q.Get("error_description"))
		h.recordHTTPMetrics(ctx, "callback", http.MethodGet, http.StatusForbidden, startTime)
		instrumentation.RecordError(span, fmt.Errorf("provider error: %s", errCode))
		h.writeError(w, ErrAccessDenied("The identity provider denied the request"))
		return
	}

	providerState := q.Get("state")
	providerCode := q.Get("code")
	if providerState == "" || providerCode == "" {
		h.recordHTTPMetrics(ctx, "callback", http.MethodGet, http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidRequest("state and code are required"))
		return
	}

	authCode, clientState, err := h.server.HandleProviderCallback(ctx, providerState, providerCode)
	if err != nil {
		h.logger.Warn("Callback rejected", "ip", h.clientIP(r), "error", err)
		h.recordHTTPMetrics(ctx, "callback", http.MethodGet, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrInvalidRequest("Callback state is invalid or expired"))
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, authCode.ClientID))
	instrumentation.SetSpanSuccess(span)

	params := url.Values{}
	params.Set("code", authCode.Code)
	params.Set("state", clientState)
	redirectURL := authCode.RedirectURI + "?" + params.Encode()

	h.recordHTTPMetrics(ctx, "callback", http.MethodGet, http.StatusFound, startTime)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// ServeToken handles POST /oauth/token.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if h.checkIPRateLimit(w, r, "token", h.clientIP(r), time.Now()) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	switch grantType := r.FormValue("grant_type"); grantType {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(w, r)
	case "refresh_token":
		h.handleRefreshTokenGrant(w, r)
	default:
		h.writeError(w, ErrUnsupportedGrantType(fmt.Sprintf("Grant type %q is not supported", grantType)))
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_exchange")
		defer span.End()
	}

	clientIP := h.clientIP(r)
	code := r.FormValue("code")
	if code == "" {
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidRequest("Required parameter 'code' missing"))
		return
	}

	client, oauthErr := h.authenticateClient(ctx, r, clientIP)
	if oauthErr == nil {
		oauthErr = h.checkGrantAuthorized(client, "authorization_code", clientIP)
	}
	if oauthErr != nil {
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, oauthErr.Status, startTime)
		instrumentation.RecordError(span, oauthErr)
		h.writeError(w, oauthErr)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
		attribute.String(instrumentation.AttrGrantType, "authorization_code"),
	)

	pair, scope, err := h.server.ExchangeAuthorizationCode(ctx, server.CodeRedeemParams{
		Code:         code,
		ClientID:     client.ClientID,
		RedirectURI:  r.FormValue("redirect_uri"),
		CodeVerifier: r.FormValue("code_verifier"),
		ClientIP:     clientIP,
	})
	if err != nil {
		h.logger.Warn("Code exchange failed", "client_id", client.ClientID, "ip", clientIP, "error", err)
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		// Audit detail is recorded server-side; the wire answer stays generic.
		h.writeError(w, ErrInvalidGrant("Authorization code is invalid or expired"))
		return
	}

	h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, pair, scope)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_refresh")
		defer span.End()
	}

	clientIP := h.clientIP(r)
	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidRequest("refresh_token is required"))
		return
	}

	client, oauthErr := h.authenticateClient(ctx, r, clientIP)
	if oauthErr == nil {
		oauthErr = h.checkGrantAuthorized(client, "refresh_token", clientIP)
	}
	if oauthErr != nil {
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, oauthErr.Status, startTime)
		instrumentation.RecordError(span, oauthErr)
		h.writeError(w, oauthErr)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrGrantType, "refresh_token"),
	)

	pair, err := h.server.RefreshAccessToken(ctx, refreshToken, client.ClientID, clientIP)
	if err != nil {
		h.logger.Warn("Token refresh failed", "client_id", client.ClientID, "ip", clientIP, "error", err)
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrInvalidGrant("Refresh token is invalid or expired"))
		return
	}

	h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, pair, pair.Access.Scope)
}

// ServeTokenRevocation handles POST /oauth/revoke (RFC 7009). The endpoint
// answers 200 whether or not the token existed; only failed client
// authentication is an error.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	if h.checkIPRateLimit(w, r, "revoke", h.clientIP(r), startTime) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	clientIP := h.clientIP(r)
	token := r.FormValue("token")
	if token == "" {
		h.recordHTTPMetrics(ctx, "revoke", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidRequest("token is required"))
		return
	}

	client, oauthErr := h.authenticateClient(ctx, r, clientIP)
	if oauthErr != nil {
		h.recordHTTPMetrics(ctx, "revoke", http.MethodPost, oauthErr.Status, startTime)
		h.writeError(w, oauthErr)
		return
	}

	if err := h.server.Vault.Revoke(ctx, token, client.ClientID, clientIP); err != nil {
		// RFC 7009: the response is 200 even when revocation fails.
		h.logger.Error("Failed to revoke token", "client_id", client.ClientID, "ip", clientIP, "error", err)
	}

	h.recordHTTPMetrics(ctx, "revoke", http.MethodPost, http.StatusOK, startTime)
	w.WriteHeader(http.StatusOK)
}

// ServeTokenIntrospection handles POST /oauth/introspect (RFC 7662).
// Client authentication is required so the endpoint cannot be used to scan
// for valid tokens.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	if h.checkIPRateLimit(w, r, "introspect", h.clientIP(r), startTime) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	clientIP := h.clientIP(r)
	token := r.FormValue("token")
	if token == "" {
		h.recordHTTPMetrics(ctx, "introspect", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidRequest("token is required"))
		return
	}

	if _, oauthErr := h.authenticateClient(ctx, r, clientIP); oauthErr != nil {
		h.recordHTTPMetrics(ctx, "introspect", http.MethodPost, oauthErr.Status, startTime)
		h.writeError(w, oauthErr)
		return
	}

	resp := introspectionResponse{}
	if t, active := h.server.Vault.Introspect(ctx, token); active {
		resp = introspectionResponse{
			Active:    true,
			Scope:     t.Scope,
			ClientID:  t.ClientID,
			Subject:   t.UserID,
			TokenType: t.Type,
			ExpiresAt: t.ExpiresAt.Unix(),
			IssuedAt:  t.CreatedAt.Unix(),
		}
	}

	h.recordHTTPMetrics(ctx, "introspect", http.MethodPost, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeUserInfo handles GET /oauth/userinfo. Tokens are opaque, so the
// claims come from the stored token row rather than a JWT.
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	if h.checkIPRateLimit(w, r, "userinfo", h.clientIP(r), startTime) {
		return
	}

	auth := r.Header.Get("Authorization")
	tokenString, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || tokenString == "" {
		w.Header().Set("WWW-Authenticate", "Bearer")
		h.recordHTTPMetrics(ctx, "userinfo", http.MethodGet, http.StatusUnauthorized, startTime)
		h.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: ErrorCodeInvalidToken})
		return
	}

	token, err := h.server.Vault.GetAccessToken(ctx, tokenString)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		h.recordHTTPMetrics(ctx, "userinfo", http.MethodGet, http.StatusUnauthorized, startTime)
		h.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: ErrorCodeInvalidToken})
		return
	}

	h.recordHTTPMetrics(ctx, "userinfo", http.MethodGet, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, userInfoResponse{
		Subject: token.UserID,
		Scope:   token.Scope,
	})
}

// ServeClientRegistration handles POST /oauth/register (RFC 7591).
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.client_registration")
		defer span.End()
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, "register", clientIP, startTime) {
		return
	}

	var req clientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.recordHTTPMetrics(ctx, "register", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidRequest("Invalid JSON"))
		return
	}

	reg, err := h.server.Registry.Register(ctx, server.RegistrationInput{
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		Scopes:                  strings.Fields(req.Scope),
	}, clientIP)
	if err != nil {
		h.handleRegistrationError(ctx, w, err, clientIP, startTime, span)
		return
	}

	client := reg.Client
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
	)
	instrumentation.SetSpanSuccess(span)
	if h.server.Metrics != nil {
		h.server.Metrics.RecordClientRegistration(ctx, client.ClientType)
	}
	h.recordHTTPMetrics(ctx, "register", http.MethodPost, http.StatusCreated, startTime)

	h.writeJSON(w, http.StatusCreated, clientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            reg.ClientSecret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientName:              client.ClientName,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		Scope:                   strings.Join(client.Scopes, " "),
	})
}

func (h *Handler) handleRegistrationError(ctx context.Context, w http.ResponseWriter, err error, clientIP string, startTime time.Time, span trace.Span) {
	instrumentation.RecordError(span, err)

	var oauthErr *Error
	switch {
	case errors.Is(err, server.ErrTooManyClients):
		h.logger.Warn("Client registration limit exceeded", "ip", clientIP)
		oauthErr = ErrRateLimitExceeded("Client registration limit exceeded")
	case errors.Is(err, server.ErrInvalidRegistration):
		h.logger.Warn("Client registration rejected", "ip", clientIP, "error", err)
		oauthErr = ErrInvalidRedirectURI(err.Error())
	default:
		h.logger.Error("Failed to register client", "ip", clientIP, "error", err)
		oauthErr = ErrServerError("Failed to register client")
	}

	h.recordHTTPMetrics(ctx, "register", http.MethodPost, oauthErr.Status, startTime)
	h.writeError(w, oauthErr)
}

// Discovery documents are static per issuer; an hour of caching is safe.
const discoveryCacheControl = "public, max-age=3600"

// ServeOIDCConfiguration serves /.well-known/openid-configuration.
func (h *Handler) ServeOIDCConfiguration(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", discoveryCacheControl)
	h.writeJSON(w, http.StatusOK, server.NewOIDCConfiguration(h.server.Config))
}

// ServeAuthorizationServerMetadata serves the RFC 8414 document.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", discoveryCacheControl)
	h.writeJSON(w, http.StatusOK, server.NewAuthorizationServerMetadata(h.server.Config))
}

// ServeProtectedResourceMetadata serves the RFC 9728 document.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", discoveryCacheControl)
	h.writeJSON(w, http.StatusOK, server.NewProtectedResourceMetadata(h.server.Config))
}

// ServeJWKS serves an empty key set. Tokens are opaque, so there are no
// signing keys to publish, but clients following the discovery document
// expect the endpoint to exist.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", discoveryCacheControl)
	h.writeJSON(w, http.StatusOK, map[string]any{"keys": []any{}})
}

// authenticateClient resolves client credentials from HTTP Basic auth or
// form parameters and validates them. Basic auth takes precedence.
func (h *Handler) authenticateClient(ctx context.Context, r *http.Request, clientIP string) (*storage.Client, *Error) {
	clientID := r.FormValue("client_id")
	clientSecret := r.FormValue("client_secret")
	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		// Per RFC 6749 2.3.1 the Basic credentials are URL-encoded.
		if decodedID, err := url.QueryUnescape(basicID); err == nil {
			clientID = decodedID
		}
		if decodedSecret, err := url.QueryUnescape(basicSecret); err == nil {
			clientSecret = decodedSecret
		}
	}

	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := h.server.Registry.ValidateCredentials(ctx, clientID, clientSecret)
	if err != nil {
		h.logger.Warn("Client authentication failed", "client_id", clientID, "ip", clientIP)
		if h.server.Auditor != nil {
			h.server.Auditor.LogAuthFailure("", clientID, clientIP, "client_authentication_failed")
		}
		return nil, ErrInvalidClient("Client authentication failed")
	}
	return client, nil
}

// checkGrantAuthorized rejects grant types absent from the client's
// registered grant_types per RFC 6749 5.2.
func (h *Handler) checkGrantAuthorized(client *storage.Client, grantType, clientIP string) *Error {
	for _, gt := range client.GrantTypes {
		if gt == grantType {
			return nil
		}
	}
	h.logger.Warn("Grant type not registered for client",
		"client_id", client.ClientID, "grant_type", grantType, "ip", clientIP)
	if h.server.Auditor != nil {
		h.server.Auditor.LogAuthFailure("", client.ClientID, clientIP, "grant_type_not_allowed")
	}
	return ErrUnauthorizedClient(fmt.Sprintf("Client is not authorized for the %s grant", grantType))
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.ClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// checkIPRateLimit enforces the per-IP limiter if one is configured.
// Returns true if the request was rejected.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, endpoint, clientIP string, startTime time.Time) bool {
	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "endpoint", endpoint, "ip", clientIP)
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, "")
	}
	if h.server.Metrics != nil {
		h.server.Metrics.RecordRateLimitExceeded(r.Context(), "ip")
	}
	h.recordHTTPMetrics(r.Context(), endpoint, r.Method, http.StatusTooManyRequests, startTime)

	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrRateLimitExceeded("Too many requests"))
	return true
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, pair *server.TokenPair, scope string) {
	expiresIn := int64(time.Until(pair.Access.ExpiresAt).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}

	// RFC 6749 5.1: token responses must not be cached.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	h.writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.Access.Token,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    expiresIn,
		RefreshToken: pair.Refresh.Token,
		Scope:        scope,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, oauthErr *Error) {
	if oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`Basic realm="%s"`, h.server.Config.Issuer))
	}
	w.Header().Set("Cache-Control", "no-store")
	h.writeJSON(w, oauthErr.Status, errorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, statusCode int, startTime time.Time) {
	if h.server.Metrics == nil {
		return
	}
	durationMs := float64(time.Since(startTime).Microseconds()) / 1000.0
	h.server.Metrics.RecordHTTPRequest(ctx, method, endpoint, statusCode, durationMs)
}
