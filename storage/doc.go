// Package storage provides interfaces and row types for OAuth client, code,
// and token persistence.
//
// The storage package defines the core storage interfaces used throughout
// the authorization server:
//   - ClientStore: registered OAuth clients
//   - FlowStore: authorization states and single-use codes
//   - TokenStore: token families and access/refresh tokens
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development and testing
//   - storage/postgres: PostgreSQL storage for production
package storage
