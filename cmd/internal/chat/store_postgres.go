package chat

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bazaar/cmd/identity"
)

// PostgresStore reads conversations from <schema>.conversations and
// <schema>.conversation_participants.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// Option configures PostgresStore behavior.
type Option func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the DB schema used by the store (default: "bazaar").
func WithSchema(schema string) Option {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a conversation store backed by PostgreSQL.
func NewPostgresStore(pool *pgxpool.Pool, opts ...Option) (*PostgresStore, error) {
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
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Conversation implements Store.
func (s *PostgresStore) Conversation(ctx context.Context, id string) (Conversation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Conversation{}, ErrNotFound
	}

	var typ *string
	err := s.pool.QueryRow(ctx,
		`SELECT type FROM `+pgIdent(s.schema, "conversations")+` WHERE id = $1`,
		id,
	).Scan(&typ)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT user_id, role FROM `+pgIdent(s.schema, "conversation_participants")+`
		  WHERE conversation_id = $1
		  ORDER BY user_id`,
		id,
	)
	if err != nil {
		return Conversation{}, err
	}
	participants, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Participant, error) {
		var (
			p    Participant
			role *string
		)
		if err := row.Scan(&p.UserID, &role); err != nil {
			return Participant{}, err
		}
		if role != nil {
			p.Role = identity.ParseRole(*role)
		} else {
			p.Role = identity.RoleUser
		}
		return p, nil
	})
	if err != nil {
		return Conversation{}, err
	}

	out := Conversation{ID: id, Participants: participants}
	if typ != nil {
		out.Type = strings.TrimSpace(*typ)
	}
	return out, nil
}

// Stats implements Store with a single aggregate query.
func (s *PostgresStore) Stats(ctx context.Context, userID string) (Stats, error) {
	var (
		st                 Stats
		updated, lastMsgAt *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT count(*),
		        max(c.updated_at),
		        max(c.last_message_at),
		        coalesce(max(c.last_message_id), 0),
		        coalesce(sum(p.unread_count), 0)
		   FROM `+pgIdent(s.schema, "conversation_participants")+` p
		   JOIN `+pgIdent(s.schema, "conversations")+` c ON c.id = p.conversation_id
		  WHERE p.user_id = $1`,
		identity.NormalizeUserID(userID),
	).Scan(&st.Conversations, &updated, &lastMsgAt, &st.LastMessageID, &st.Unread)
	if err != nil {
		return Stats{}, err
	}
	if updated != nil {
		st.UpdatedAt = updated.UTC()
	}
	if lastMsgAt != nil {
		st.LastMessageAt = lastMsgAt.UTC()
	}
	return st, nil
}

func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}
