// Package postgres provides a PostgreSQL-backed implementation of all
// storage interfaces on top of a pgx connection pool. Single-use semantics
// for codes and refresh tokens are enforced inside the database: codes are
// consumed with DELETE ... RETURNING, and rotation runs in a transaction
// that locks the token row with SELECT ... FOR UPDATE.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaygrid/connector-oauth/storage"
)

// Store implements the storage interfaces against PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.FlowStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
)

// New connects to PostgreSQL, runs pending migrations, and returns a ready
// store.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := runMigrations(databaseURL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{pool: pool, logger: slog.Default()}, nil
}

// NewWithPool wraps an existing pool without running migrations. Intended
// for tests that manage the schema themselves.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, logger: slog.Default()}
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ============================================================
// ClientStore
// ============================================================

const insertClientSQL = `INSERT INTO oauth_clients
	(client_id, client_secret_hash, client_type, client_name, redirect_uris,
	 grant_types, response_types, token_endpoint_auth_method, scopes,
	 disabled, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (client_id) DO NOTHING`

const selectClientSQL = `SELECT client_id, client_secret_hash, client_type,
	client_name, redirect_uris, grant_types, response_types,
	token_endpoint_auth_method, scopes, disabled, created_at, updated_at
FROM oauth_clients`

func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client with non-empty client_id is required")
	}

	tag, err := s.pool.Exec(ctx, insertClientSQL,
		client.ClientID,
		client.ClientSecretHash,
		client.ClientType,
		client.ClientName,
		client.RedirectURIs,
		client.GrantTypes,
		client.ResponseTypes,
		client.TokenEndpointAuthMethod,
		client.Scopes,
		client.Disabled,
		client.CreatedAt,
		client.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("client %s: %w", client.ClientID, storage.ErrAlreadyExists)
	}
	return nil
}

func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	row := s.pool.QueryRow(ctx, selectClientSQL+` WHERE client_id = $1`, clientID)
	client, err := scanClient(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("client %s: %w", clientID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	return client, nil
}

func (s *Store) DisableClient(ctx context.Context, clientID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE oauth_clients SET disabled = true, updated_at = now() WHERE client_id = $1`,
		clientID)
	if err != nil {
		return fmt.Errorf("disable client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("client %s: %w", clientID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	rows, err := s.pool.Query(ctx, selectClientSQL+` ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var clients []*storage.Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		clients = append(clients, client)
	}
	return clients, rows.Err()
}

func scanClient(row pgx.Row) (*storage.Client, error) {
	var c storage.Client
	err := row.Scan(
		&c.ClientID,
		&c.ClientSecretHash,
		&c.ClientType,
		&c.ClientName,
		&c.RedirectURIs,
		&c.GrantTypes,
		&c.ResponseTypes,
		&c.TokenEndpointAuthMethod,
		&c.Scopes,
		&c.Disabled,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ============================================================
// FlowStore
// ============================================================

func (s *Store) SaveAuthorizationState(ctx context.Context, state *storage.AuthorizationState) error {
	if state == nil || state.ProviderState == "" {
		return fmt.Errorf("authorization state with non-empty provider state is required")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO oauth_auth_states
			(provider_state, client_state, client_id, redirect_uri, scope,
			 resource, code_challenge, code_challenge_method, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		state.ProviderState,
		state.ClientState,
		state.ClientID,
		state.RedirectURI,
		state.Scope,
		state.Resource,
		state.CodeChallenge,
		state.CodeChallengeMethod,
		state.CreatedAt,
		state.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert authorization state: %w", err)
	}
	return nil
}

func (s *Store) ConsumeAuthorizationState(ctx context.Context, providerState string, now time.Time) (*storage.AuthorizationState, error) {
	row := s.pool.QueryRow(ctx,
		`DELETE FROM oauth_auth_states WHERE provider_state = $1
		RETURNING provider_state, client_state, client_id, redirect_uri, scope,
			resource, code_challenge, code_challenge_method, created_at, expires_at`,
		providerState)

	var st storage.AuthorizationState
	err := row.Scan(
		&st.ProviderState,
		&st.ClientState,
		&st.ClientID,
		&st.RedirectURI,
		&st.Scope,
		&st.Resource,
		&st.CodeChallenge,
		&st.CodeChallengeMethod,
		&st.CreatedAt,
		&st.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("authorization state: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("consume authorization state: %w", err)
	}
	if now.After(st.ExpiresAt) {
		return nil, fmt.Errorf("authorization state: %w", storage.ErrExpired)
	}
	return &st, nil
}

func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code with non-empty code is required")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO oauth_auth_codes
			(code, client_id, redirect_uri, code_challenge, code_challenge_method,
			 scope, resource, user_id, user_profile_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		code.Code,
		code.ClientID,
		code.RedirectURI,
		code.CodeChallenge,
		code.CodeChallengeMethod,
		code.Scope,
		code.Resource,
		code.UserID,
		code.UserProfileID,
		code.CreatedAt,
		code.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert authorization code: %w", err)
	}
	return nil
}

// ConsumeAuthorizationCode deletes and returns the code in one statement.
// Concurrent redemptions race on the DELETE; exactly one sees the row.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (*storage.AuthorizationCode, error) {
	row := s.pool.QueryRow(ctx,
		`DELETE FROM oauth_auth_codes WHERE code = $1
		RETURNING code, client_id, redirect_uri, code_challenge,
			code_challenge_method, scope, resource, user_id, user_profile_id,
			created_at, expires_at`,
		code)

	var c storage.AuthorizationCode
	err := row.Scan(
		&c.Code,
		&c.ClientID,
		&c.RedirectURI,
		&c.CodeChallenge,
		&c.CodeChallengeMethod,
		&c.Scope,
		&c.Resource,
		&c.UserID,
		&c.UserProfileID,
		&c.CreatedAt,
		&c.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("authorization code: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}
	if now.After(c.ExpiresAt) {
		return nil, fmt.Errorf("authorization code: %w", storage.ErrExpired)
	}
	return &c, nil
}

func (s *Store) DeleteExpiredFlows(ctx context.Context, now time.Time) (int, error) {
	deleted := 0

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM oauth_auth_states WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired states: %w", err)
	}
	deleted += int(tag.RowsAffected())

	tag, err = s.pool.Exec(ctx,
		`DELETE FROM oauth_auth_codes WHERE expires_at < $1`, now)
	if err != nil {
		return deleted, fmt.Errorf("delete expired codes: %w", err)
	}
	deleted += int(tag.RowsAffected())

	return deleted, nil
}

// ============================================================
// TokenStore
// ============================================================

const insertTokenSQL = `INSERT INTO oauth_tokens
	(token, token_type, family_id, generation, used_at, client_id, user_id,
	 user_profile_id, scope, resource, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

const selectTokenSQL = `SELECT token, token_type, family_id, generation,
	used_at, client_id, user_id, user_profile_id, scope, resource,
	created_at, expires_at
FROM oauth_tokens`

func (s *Store) SaveFamily(ctx context.Context, family *storage.TokenFamily) error {
	if family == nil || family.FamilyID == "" {
		return fmt.Errorf("token family with non-empty family_id is required")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO oauth_token_families
			(family_id, client_id, user_id, user_profile_id, scope, resource,
			 generation, created_at, revoked, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL)
		ON CONFLICT (family_id) DO NOTHING`,
		family.FamilyID,
		family.ClientID,
		family.UserID,
		family.UserProfileID,
		family.Scope,
		family.Resource,
		family.Generation,
		family.CreatedAt,
		family.Revoked,
	)
	if err != nil {
		return fmt.Errorf("insert token family: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("token family %s: %w", family.FamilyID, storage.ErrAlreadyExists)
	}
	return nil
}

func (s *Store) GetFamily(ctx context.Context, familyID string) (*storage.TokenFamily, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT family_id, client_id, user_id, user_profile_id, scope, resource,
			generation, created_at, revoked, revoked_at
		FROM oauth_token_families WHERE family_id = $1`,
		familyID)

	var f storage.TokenFamily
	var revokedAt *time.Time
	err := row.Scan(
		&f.FamilyID,
		&f.ClientID,
		&f.UserID,
		&f.UserProfileID,
		&f.Scope,
		&f.Resource,
		&f.Generation,
		&f.CreatedAt,
		&f.Revoked,
		&revokedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("token family %s: %w", familyID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get token family: %w", err)
	}
	if revokedAt != nil {
		f.RevokedAt = *revokedAt
	}
	return &f, nil
}

func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("token with non-empty token string is required")
	}
	if token.FamilyID == "" {
		return fmt.Errorf("token requires a family_id")
	}

	_, err := s.pool.Exec(ctx, insertTokenSQL,
		token.Token,
		token.Type,
		token.FamilyID,
		token.Generation,
		token.UsedAt,
		token.ClientID,
		token.UserID,
		token.UserProfileID,
		token.Scope,
		token.Resource,
		token.CreatedAt,
		token.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, tokenString string) (*storage.Token, error) {
	row := s.pool.QueryRow(ctx, selectTokenSQL+` WHERE token = $1`, tokenString)
	token, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("token: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	if token.Expired(time.Now()) {
		return nil, fmt.Errorf("token: %w", storage.ErrExpired)
	}
	return token, nil
}

func (s *Store) DeleteToken(ctx context.Context, tokenString string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM oauth_tokens WHERE token = $1`, tokenString); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// RotateRefreshToken runs the rotation transaction. The old token row is
// locked with FOR UPDATE so concurrent rotations of the same token
// serialize; the loser observes used_at already set and gets a ReplayError.
func (s *Store) RotateRefreshToken(ctx context.Context, tokenString string, now time.Time, mint func(old *storage.Token) (*storage.RotationNext, error)) (*storage.Token, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin rotation: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx, selectTokenSQL+` WHERE token = $1 FOR UPDATE`, tokenString)
	old, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("refresh token: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock refresh token: %w", err)
	}
	if old.Type != storage.TokenTypeRefresh {
		return nil, fmt.Errorf("refresh token: %w", storage.ErrNotFound)
	}
	if old.Expired(now) {
		return nil, fmt.Errorf("refresh token: %w", storage.ErrExpired)
	}
	if old.UsedAt != nil {
		return nil, &storage.ReplayError{Token: old}
	}

	next, err := mint(old)
	if err != nil {
		return nil, err
	}
	if next == nil || next.Access == nil || next.Refresh == nil {
		return nil, fmt.Errorf("rotation requires both replacement tokens")
	}

	if _, err := tx.Exec(ctx,
		`UPDATE oauth_tokens SET used_at = $2 WHERE token = $1`,
		tokenString, now); err != nil {
		return nil, fmt.Errorf("mark refresh token used: %w", err)
	}

	for _, token := range []*storage.Token{next.Access, next.Refresh} {
		if err := insertTokenTx(ctx, tx, token); err != nil {
			return nil, fmt.Errorf("insert replacement token: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE oauth_token_families SET generation = $2 WHERE family_id = $1`,
		next.Refresh.FamilyID, next.Refresh.Generation); err != nil {
		return nil, fmt.Errorf("advance family generation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit rotation: %w", err)
	}

	usedAt := now
	old.UsedAt = &usedAt
	return old, nil
}

func insertTokenTx(ctx context.Context, tx pgx.Tx, token *storage.Token) error {
	_, err := tx.Exec(ctx, insertTokenSQL,
		token.Token,
		token.Type,
		token.FamilyID,
		token.Generation,
		token.UsedAt,
		token.ClientID,
		token.UserID,
		token.UserProfileID,
		token.Scope,
		token.Resource,
		token.CreatedAt,
		token.ExpiresAt,
	)
	return err
}

// RevokeFamily deletes every token in the family and marks the family
// metadata revoked. Returns the deleted token strings so callers can purge
// caches synchronously.
func (s *Store) RevokeFamily(ctx context.Context, familyID string, now time.Time) ([]string, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin family revocation: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx,
		`DELETE FROM oauth_tokens WHERE family_id = $1 RETURNING token`,
		familyID)
	if err != nil {
		return nil, fmt.Errorf("delete family tokens: %w", err)
	}
	var deleted []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan deleted token: %w", err)
		}
		deleted = append(deleted, token)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delete family tokens: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE oauth_token_families SET revoked = true, revoked_at = $2 WHERE family_id = $1`,
		familyID, now); err != nil {
		return nil, fmt.Errorf("mark family revoked: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit family revocation: %w", err)
	}
	return deleted, nil
}

// DeleteExpiredTokens bulk-deletes expired rows. Consumed refresh tokens
// are retained until used_at falls before usedCutoff.
func (s *Store) DeleteExpiredTokens(ctx context.Context, cutoff, usedCutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM oauth_tokens
		WHERE expires_at < $1 AND (used_at IS NULL OR used_at < $2)`,
		cutoff, usedCutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteExpiredRevokedFamilies drops revoked family metadata past the
// retention window.
func (s *Store) DeleteExpiredRevokedFamilies(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM oauth_token_families WHERE revoked AND revoked_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete revoked families: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanToken(row pgx.Row) (*storage.Token, error) {
	var t storage.Token
	err := row.Scan(
		&t.Token,
		&t.Type,
		&t.FamilyID,
		&t.Generation,
		&t.UsedAt,
		&t.ClientID,
		&t.UserID,
		&t.UserProfileID,
		&t.Scope,
		&t.Resource,
		&t.CreatedAt,
		&t.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
