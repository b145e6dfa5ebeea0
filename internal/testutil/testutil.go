// Package testutil provides shared helpers for tests across the module.
package testutil

import (
	"io"
	"log/slog"

	"golang.org/x/oauth2"
)

// Logger returns a logger that discards all output.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// PKCEPair returns a fresh verifier and its S256 challenge.
func PKCEPair() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	return verifier, oauth2.S256ChallengeFromVerifier(verifier)
}
