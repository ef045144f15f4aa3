package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"

	"github.com/Tyrowin/chatd/internal/model"
)

const foreignKeyViolation = "23503"

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Pool exposes the underlying pool for migrations.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateUser creates a new user record.
func (s *PostgresStore) CreateUser(ctx context.Context, username, email string) (*model.User, error) {
	u := &model.User{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, username, email)
		VALUES ($1, $2, $3)
		RETURNING id, username, email
	`, uuid.NewString(), username, email).Scan(&u.ID, &u.Username, &u.Email)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GetUser retrieves a user by ID.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	u := &model.User{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, email FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Username, &u.Email)
	if err != nil {
		return nil, notFound(err)
	}
	return u, nil
}

// CreatePrivateChat finds or creates the private chat between two users.
// An advisory lock on the user pair keeps concurrent calls from creating two chats.
func (s *PostgresStore) CreatePrivateChat(ctx context.Context, userID, otherUserID string) (*model.Chat, bool, error) {
	if userID == otherUserID {
		return nil, false, model.ErrSelfChat
	}
	if _, err := s.GetUser(ctx, otherUserID); err != nil {
		return nil, false, err
	}

	var (
		chat    *model.Chat
		created bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		low, high := userID, otherUserID
		if high < low {
			low, high = high, low
		}
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, low+"|"+high); err != nil {
			return err
		}

		existing, err := scanChat(tx.QueryRow(ctx, `
			SELECT c.id, c.is_group, c.name, c.created_at
			FROM chats c
			JOIN chat_memberships a ON a.chat_id = c.id AND a.user_id = $1
			JOIN chat_memberships b ON b.chat_id = c.id AND b.user_id = $2
			WHERE c.is_group = FALSE
			LIMIT 1
		`, userID, otherUserID))
		if err == nil {
			chat = existing
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		chat, err = scanChat(tx.QueryRow(ctx, `
			INSERT INTO chats (id, is_group) VALUES ($1, FALSE)
			RETURNING id, is_group, name, created_at
		`, uuid.New()))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO chat_memberships (chat_id, user_id) VALUES ($1, $2), ($1, $3)
		`, chat.ID, userID, otherUserID); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, notFound(err)
	}
	return chat, created, nil
}

// CreateGroupChat creates a group with the owner and the given members.
func (s *PostgresStore) CreateGroupChat(ctx context.Context, name, ownerID string, memberIDs []string) (*model.Chat, error) {
	ids := lo.Uniq(append([]string{ownerID}, memberIDs...))

	var chat *model.Chat
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		chat, err = scanChat(tx.QueryRow(ctx, `
			INSERT INTO chats (id, is_group, name) VALUES ($1, TRUE, $2)
			RETURNING id, is_group, name, created_at
		`, uuid.New(), name))
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := tx.Exec(ctx, `
				INSERT INTO chat_memberships (chat_id, user_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING
			`, chat.ID, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, notFound(err)
	}
	return chat, nil
}

// GetChat retrieves a chat by ID.
func (s *PostgresStore) GetChat(ctx context.Context, chatID uuid.UUID) (*model.Chat, error) {
	chat, err := scanChat(s.pool.QueryRow(ctx, `
		SELECT id, is_group, name, created_at FROM chats WHERE id = $1
	`, chatID))
	if err != nil {
		return nil, notFound(err)
	}
	return chat, nil
}

// ListChatsForUser returns the chats the user belongs to, newest first.
func (s *PostgresStore) ListChatsForUser(ctx context.Context, userID string) ([]model.Chat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.is_group, c.name, c.created_at
		FROM chats c
		JOIN chat_memberships m ON m.chat_id = c.id
		WHERE m.user_id = $1
		ORDER BY c.created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []model.Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *chat)
	}
	return chats, rows.Err()
}

// ListMembers returns the users of a chat ordered by join time.
func (s *PostgresStore) ListMembers(ctx context.Context, chatID uuid.UUID) ([]model.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT u.id, u.username, u.email
		FROM chat_memberships m
		JOIN users u ON u.id = m.user_id
		WHERE m.chat_id = $1
		ORDER BY m.joined_at, u.id
	`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// MembershipExists reports whether the user currently belongs to the chat.
func (s *PostgresStore) MembershipExists(ctx context.Context, userID string, chatID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM chat_memberships WHERE chat_id = $1 AND user_id = $2)
	`, chatID, userID).Scan(&exists)
	return exists, err
}

// AddMember adds a user to a group chat. Adding an existing member is a no-op.
func (s *PostgresStore) AddMember(ctx context.Context, chatID uuid.UUID, userID string) error {
	chat, err := s.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.IsGroup {
		return model.ErrNotGroupChat
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO chat_memberships (chat_id, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, chatID, userID)
	return notFound(err)
}

// RemoveMember removes a user from a group chat.
func (s *PostgresStore) RemoveMember(ctx context.Context, chatID uuid.UUID, userID string) error {
	chat, err := s.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.IsGroup {
		return model.ErrNotGroupChat
	}
	_, err = s.pool.Exec(ctx, `
		DELETE FROM chat_memberships WHERE chat_id = $1 AND user_id = $2
	`, chatID, userID)
	return err
}

// messageLockClass namespaces the per-chat advisory locks taken by
// CreateMessage; the two-key form never collides with single-key locks.
const messageLockClass = 1

// CreateMessage inserts a message. The insert only happens when the sender is
// a member at write time, otherwise ErrNotMember is returned. Writers to one
// chat hold a session advisory lock across the commit and onCommit, so hooks
// run in commit order even across processes sharing the database.
func (s *PostgresStore) CreateMessage(ctx context.Context, chatID uuid.UUID, userID, text string, onCommit CommitFunc) (*model.Message, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1, hashtext($2))`, messageLockClass, chatID.String()); err != nil {
		return nil, fmt.Errorf("lock chat %s: %w", chatID, err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1, hashtext($2))`, messageLockClass, chatID.String()); err != nil {
			// Closing the session releases the lock; the pool drops the dead conn.
			_ = conn.Conn().Close(unlockCtx)
		}
	}()

	msg := &model.Message{
		ID:       ulid.Make().String(),
		ChatID:   chatID,
		SenderID: userID,
		Content:  text,
	}
	err = conn.QueryRow(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, content)
		SELECT $1, $2, $3, $4
		WHERE EXISTS (SELECT 1 FROM chat_memberships WHERE chat_id = $2 AND user_id = $3)
		RETURNING created_at
	`, msg.ID, chatID, userID, text).Scan(&msg.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotMember
		}
		return nil, err
	}
	msg.CreatedAt = msg.CreatedAt.UTC()

	if onCommit != nil {
		onCommit(*msg)
	}
	return msg, nil
}

// ListMessages returns chat history in ascending order.
func (s *PostgresStore) ListMessages(ctx context.Context, chatID uuid.UUID, opts ListOptions) ([]model.Message, error) {
	query := `
		SELECT id, chat_id, sender_id, content, created_at FROM (
			SELECT id, chat_id, sender_id, content, created_at
			FROM messages
			WHERE chat_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
			ORDER BY created_at DESC, id DESC
			%s
		) page
		ORDER BY created_at, id
	`
	args := []any{chatID, nullTime(opts)}
	limit := ""
	if opts.Limit > 0 {
		limit = "LIMIT $3"
		args = append(args, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(query, limit), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// LastMessage returns the newest message or nil.
func (s *PostgresStore) LastMessage(ctx context.Context, chatID uuid.UUID) (*model.Message, error) {
	m := &model.Message{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, chat_id, sender_id, content, created_at
		FROM messages WHERE chat_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, chatID).Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func scanChat(row pgx.Row) (*model.Chat, error) {
	chat := &model.Chat{}
	if err := row.Scan(&chat.ID, &chat.IsGroup, &chat.Name, &chat.CreatedAt); err != nil {
		return nil, err
	}
	chat.CreatedAt = chat.CreatedAt.UTC()
	return chat, nil
}

func nullTime(opts ListOptions) any {
	if opts.Before.IsZero() {
		return nil
	}
	return opts.Before
}

// notFound maps missing rows and dangling foreign keys to model.ErrNotFound.
func notFound(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return fmt.Errorf("%w: %s", model.ErrNotFound, pgErr.ConstraintName)
	}
	return err
}
