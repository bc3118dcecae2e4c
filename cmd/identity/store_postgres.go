package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over PostgreSQL.
//
// The pgx pool is owned by the caller; this store must NOT close it.
// Schema/table identifiers are quoted via pgx.Identifier.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the store (default "bazaar").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentIsValid(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "bazaar",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

// UserByRef implements Store.
func (s *PostgresStore) UserByRef(ctx context.Context, ref Ref) (User, error) {
	const op = "identity.UserByRef"

	col, err := refColumn(op, ref)
	if err != nil {
		return User{}, err
	}

	var (
		u                                         User
		role                                      string
		username, email, displayName, avatar, pwd *string
		lastActivity                              *time.Time
	)
	err = s.pool.QueryRow(ctx,
		`SELECT id, role, username, email, display_name, avatar_url, password_hash, last_activity_at
		   FROM `+pgIdent(s.schema, "users")+`
		  WHERE `+col+` = $1`,
		ref.Value,
	).Scan(&u.ID, &role, &username, &email, &displayName, &avatar, &pwd, &lastActivity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, notFound(op)
		}
		return User{}, err
	}

	u.Role = ParseRole(role)
	u.Username = deref(username)
	u.Email = deref(email)
	u.DisplayName = deref(displayName)
	u.AvatarURL = deref(avatar)
	u.PasswordHash = deref(pwd)
	if lastActivity != nil {
		u.LastActivityAt = lastActivity.UTC()
	}
	return u, nil
}

// LastActivity implements Store.
func (s *PostgresStore) LastActivity(ctx context.Context, ref Ref) (time.Time, bool, error) {
	const op = "identity.LastActivity"

	col, err := refColumn(op, ref)
	if err != nil {
		return time.Time{}, false, err
	}

	var at *time.Time
	err = s.pool.QueryRow(ctx,
		`SELECT last_activity_at FROM `+pgIdent(s.schema, "users")+` WHERE `+col+` = $1`,
		ref.Value,
	).Scan(&at)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	if at == nil {
		return time.Time{}, false, nil
	}
	return at.UTC(), true, nil
}

// TouchActivity implements Store. GREATEST keeps the column monotonic under
// concurrent writers; unknown users update nothing.
func (s *PostgresStore) TouchActivity(ctx context.Context, ref Ref, at time.Time) error {
	const op = "identity.TouchActivity"

	col, err := refColumn(op, ref)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "users")+`
		    SET last_activity_at = GREATEST(COALESCE(last_activity_at, $2), $2)
		  WHERE `+col+` = $1`,
		ref.Value, at.UTC(),
	)
	return err
}

// refColumn maps a ref kind to a fixed column name; never derived from input.
func refColumn(op string, ref Ref) (string, error) {
	if ref.IsZero() {
		return "", invalid(op, "missing user reference")
	}
	switch ref.Kind {
	case RefID:
		return "id", nil
	case RefUsername:
		return "username_norm", nil
	case RefEmail:
		return "email_norm", nil
	default:
		return "", invalid(op, "unsupported user reference")
	}
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

// pgIdentIsValid checks if a string is a safe Postgres identifier.
func pgIdentIsValid(s string) bool {
	return pgIdentRe.MatchString(s)
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

// pgClassifyUniqueViolation maps a unique violation onto a logical field name.
func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return "", false
	}

	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))
	switch {
	case strings.Contains(c, "username"):
		return "username", true
	case strings.Contains(c, "email"):
		return "email", true
	default:
		return "unique", true
	}
}

// CreateUser inserts u. Username/email uniqueness is case-insensitive via the *_norm columns.
func (s *PostgresStore) CreateUser(ctx context.Context, u User) (User, error) {
	const op = "identity.CreateUser"

	u, err := prepareUser(op, u)
	if err != nil {
		return User{}, err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "users")+` (
		     id, role, username, username_norm, email, email_norm,
		     display_name, avatar_url, password_hash
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		u.ID,
		string(u.Role),
		nullIfEmpty(u.Username),
		nullIfEmpty(NormalizeUsername(u.Username)),
		nullIfEmpty(u.Email),
		nullIfEmpty(NormalizeEmail(u.Email)),
		nullIfEmpty(u.DisplayName),
		nullIfEmpty(u.AvatarURL),
		nullIfEmpty(u.PasswordHash),
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			if field == "unique" {
				field = "id"
			}
			return User{}, conflict(op, field)
		}
		return User{}, err
	}
	return u, nil
}

func nullIfEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
