package principal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const createPrincipalsSQL = `
CREATE TABLE IF NOT EXISTS principals (
	id VARCHAR(64) PRIMARY KEY,
	username VARCHAR(255) NOT NULL UNIQUE,
	email VARCHAR(255),
	password_hash TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	verified BOOLEAN NOT NULL DEFAULT FALSE,
	verification_code VARCHAR(64),
	notify_destination VARCHAR(255),
	token_version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL,
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_principals_email ON principals(LOWER(email)) WHERE email IS NOT NULL AND email <> '';
`

const principalColumns = `id, username, email, password_hash, active, verified, verification_code, notify_destination, token_version, created_at, updated_at`

// SQL is a PostgreSQL Repository.
type SQL struct {
	db *sql.DB
}

// NewSQL creates the principals table if needed.
func NewSQL(ctx context.Context, db *sql.DB) (*SQL, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if _, err := db.ExecContext(ctx, createPrincipalsSQL); err != nil {
		return nil, fmt.Errorf("failed to ensure principals table: %w", err)
	}
	return &SQL{db: db}, nil
}

func (r *SQL) FindByUsername(ctx context.Context, username string) (*Principal, error) {
	return r.findOne(ctx, `SELECT `+principalColumns+` FROM principals WHERE username = $1`, username)
}

func (r *SQL) FindByEmail(ctx context.Context, email string) (*Principal, error) {
	return r.findOne(ctx, `SELECT `+principalColumns+` FROM principals WHERE LOWER(email) = $1`, strings.ToLower(email))
}

func (r *SQL) FindByID(ctx context.Context, id string) (*Principal, error) {
	return r.findOne(ctx, `SELECT `+principalColumns+` FROM principals WHERE id = $1`, id)
}

func (r *SQL) findOne(ctx context.Context, query string, arg any) (*Principal, error) {
	var (
		p                 Principal
		email, code, dest sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&p.ID, &p.Username, &email, &p.PasswordHash, &p.Active, &p.Verified,
		&code, &dest, &p.TokenVersion, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load principal: %w", err)
	}
	p.Email = email.String
	p.VerificationCode = code.String
	p.NotifyDestination = dest.String
	return &p, nil
}

func (r *SQL) Save(ctx context.Context, p *Principal) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO principals (`+principalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			email = EXCLUDED.email,
			password_hash = EXCLUDED.password_hash,
			active = EXCLUDED.active,
			verified = EXCLUDED.verified,
			verification_code = EXCLUDED.verification_code,
			notify_destination = EXCLUDED.notify_destination,
			token_version = EXCLUDED.token_version,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.Username, nullable(p.Email), p.PasswordHash, p.Active, p.Verified,
		nullable(p.VerificationCode), nullable(p.NotifyDestination), p.TokenVersion, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return fmt.Errorf("failed to save principal: %w", err)
	}
	return nil
}

// isUniqueViolation recognises SQLSTATE 23505 from either postgres driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
