package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// CodeChallengeMethodS256 is the only PKCE method this server accepts.
// The plain method is deprecated and offers no interception protection.
const CodeChallengeMethodS256 = "S256"

const (
	pkceMinLength = 43
	pkceMaxLength = 128
)

// dangerousSchemes lists URI schemes never acceptable as redirect targets.
var dangerousSchemes = map[string]bool{
	"javascript": true,
	"data":       true,
	"vbscript":   true,
	"file":       true,
	"blob":       true,
}

// ValidateRedirectURIFormat checks that a registered redirect URI is an
// absolute URL without a fragment and does not use a dangerous scheme.
func ValidateRedirectURIFormat(raw string) error {
	if raw == "" {
		return fmt.Errorf("redirect URI is empty")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("redirect URI is not a valid URL: %w", err)
	}
	if !parsed.IsAbs() {
		return fmt.Errorf("redirect URI must be absolute")
	}
	if parsed.Fragment != "" || strings.Contains(raw, "#") {
		return fmt.Errorf("redirect URI must not contain a fragment")
	}
	if dangerousSchemes[strings.ToLower(parsed.Scheme)] {
		return fmt.Errorf("redirect URI scheme %q is not allowed", parsed.Scheme)
	}
	return nil
}

// RedirectURIMatches reports whether a presented redirect URI matches a
// registered one. Matching is exact string comparison, with one exception
// per RFC 8252 §7.3: loopback redirects may vary the port, since native
// apps bind an ephemeral port per run. Everything else — scheme, host
// class, path, query — must be identical.
func RedirectURIMatches(registered, presented string) bool {
	if registered == presented {
		return true
	}

	reg, err := url.Parse(registered)
	if err != nil {
		return false
	}
	pres, err := url.Parse(presented)
	if err != nil {
		return false
	}

	if !isLoopbackHost(reg.Hostname()) || !isLoopbackHost(pres.Hostname()) {
		return false
	}
	return reg.Scheme == pres.Scheme &&
		reg.Path == pres.Path &&
		reg.RawQuery == pres.RawQuery
}

func isLoopbackHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// ValidateCodeChallenge checks a PKCE code challenge for method and
// format. Only S256 is accepted.
func ValidateCodeChallenge(challenge, method string) error {
	if method != CodeChallengeMethodS256 {
		return fmt.Errorf("code_challenge_method must be S256")
	}
	if len(challenge) < pkceMinLength || len(challenge) > pkceMaxLength {
		return fmt.Errorf("code_challenge length must be between %d and %d", pkceMinLength, pkceMaxLength)
	}
	for _, r := range challenge {
		if !isPKCEChar(r) {
			return fmt.Errorf("code_challenge contains invalid character")
		}
	}
	return nil
}

// VerifyCodeVerifier checks a presented code verifier against the stored
// challenge: base64url(sha256(verifier)) must equal the challenge. The
// comparison is constant time.
func VerifyCodeVerifier(verifier, challenge string) bool {
	if len(verifier) < pkceMinLength || len(verifier) > pkceMaxLength {
		return false
	}
	for _, r := range verifier {
		if !isPKCEChar(r) {
			return false
		}
	}

	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// isPKCEChar reports whether r is in the unreserved alphabet RFC 7636
// allows for verifiers and challenges.
func isPKCEChar(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z':
		return true
	case r >= 'a' && r <= 'z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '-' || r == '.' || r == '_' || r == '~':
		return true
	}
	return false
}

// ValidateScope checks a requested scope string against the supported
// set. An empty supported set allows any scope.
func ValidateScope(requested string, supported []string) error {
	if requested == "" || len(supported) == 0 {
		return nil
	}

	allowed := make(map[string]bool, len(supported))
	for _, s := range supported {
		allowed[s] = true
	}
	for _, s := range strings.Fields(requested) {
		if !allowed[s] {
			return fmt.Errorf("scope %q is not supported", s)
		}
	}
	return nil
}
