package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgreSQL error codes mapped onto the store's typed outcomes.
const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// Postgres is a Store backed by PostgreSQL through lib/pq.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres opens a connection pool for dsn and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}
	return db, nil
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate applies every pending up-migration embedded in the binary.
func Migrate(db *sql.DB) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// MigrateDown rolls back every applied migration.
func MigrateDown(db *sql.DB) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate down: %w", err)
	}
	return nil
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("store: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("store: migrator: %w", err)
	}
	return m, nil
}

// mapError translates driver errors into ErrNotFound / ErrConflict.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: %s: %w", op, ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqUniqueViolation:
			return fmt.Errorf("store: %s: %w", op, ErrConflict)
		case pqForeignKeyViolation:
			return fmt.Errorf("store: %s: %w", op, ErrNotFound)
		}
	}
	return fmt.Errorf("store: %s: %w", op, err)
}

// affectedOrNotFound turns a zero-row result into ErrNotFound.
func affectedOrNotFound(op string, res sql.Result, err error) error {
	if err != nil {
		return mapError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapError(op, err)
	}
	if n == 0 {
		return fmt.Errorf("store: %s: %w", op, ErrNotFound)
	}
	return nil
}

func (s *Postgres) CreateUser(ctx context.Context, u *User) error {
	u.Login = strings.ToLower(u.Login)
	u.Email = strings.ToLower(u.Email)

	const query = `
		INSERT INTO users (login, email, display_name, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query, u.Login, u.Email, u.DisplayName, u.PasswordHash).
		Scan(&u.ID, &u.CreatedAt)
	return mapError("create user", err)
}

func (s *Postgres) GetUser(ctx context.Context, id int64) (*User, error) {
	const query = `
		SELECT id, login, email, display_name, password_hash, created_at
		FROM users WHERE id = $1`

	var u User
	err := s.db.QueryRowContext(ctx, query, id).
		Scan(&u.ID, &u.Login, &u.Email, &u.DisplayName, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return nil, mapError("get user", err)
	}
	return &u, nil
}

func (s *Postgres) FindUserByLoginOrEmail(ctx context.Context, loginOrEmail string) (*User, error) {
	const query = `
		SELECT id, login, email, display_name, password_hash, created_at
		FROM users WHERE login = $1 OR email = $1
		LIMIT 1`

	var u User
	err := s.db.QueryRowContext(ctx, query, strings.ToLower(loginOrEmail)).
		Scan(&u.ID, &u.Login, &u.Email, &u.DisplayName, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return nil, mapError("find user", err)
	}
	return &u, nil
}

func (s *Postgres) CreateChat(ctx context.Context, c *Chat) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	const query = `
		INSERT INTO chats (id, name, creator_id)
		VALUES ($1, $2, $3)
		RETURNING created_at`

	err := s.db.QueryRowContext(ctx, query, c.ID, c.Name, c.CreatorID).Scan(&c.CreatedAt)
	return mapError("create chat", err)
}

func (s *Postgres) GetChat(ctx context.Context, id string) (*Chat, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("store: get chat: %w", ErrNotFound)
	}
	const query = `SELECT id, name, creator_id, created_at FROM chats WHERE id = $1`

	var c Chat
	err := s.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.Name, &c.CreatorID, &c.CreatedAt)
	if err != nil {
		return nil, mapError("get chat", err)
	}
	return &c, nil
}

func (s *Postgres) DeleteChat(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("store: delete chat: %w", ErrNotFound)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = $1`, id)
	return affectedOrNotFound("delete chat", res, err)
}

func (s *Postgres) FindChatsOf(ctx context.Context, userID int64) ([]ChatSummary, error) {
	const query = `
		SELECT c.id, c.name, c.creator_id, c.created_at,
		       m.id, m.sender_id, m.content, m.edited, m.created_at
		FROM chats c
		JOIN chat_tickets t ON t.chat_id = c.id AND t.member_id = $1
		LEFT JOIN LATERAL (
			SELECT id, sender_id, content, edited, created_at
			FROM messages
			WHERE chat_id = c.id
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) m ON TRUE
		ORDER BY c.created_at, c.id`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, mapError("find chats", err)
	}
	defer rows.Close()

	var out []ChatSummary
	for rows.Next() {
		var (
			sum       ChatSummary
			msgID     sql.NullInt64
			senderID  sql.NullInt64
			content   sql.NullString
			edited    sql.NullBool
			createdAt sql.NullTime
		)
		if err := rows.Scan(&sum.ID, &sum.Name, &sum.CreatorID, &sum.CreatedAt,
			&msgID, &senderID, &content, &edited, &createdAt); err != nil {
			return nil, mapError("scan chat", err)
		}
		if msgID.Valid {
			sum.LastMessage = &Message{
				ID:        msgID.Int64,
				ChatID:    sum.ID,
				SenderID:  senderID.Int64,
				Content:   content.String,
				Edited:    edited.Bool,
				CreatedAt: createdAt.Time,
			}
		}
		out = append(out, sum)
	}
	return out, mapError("find chats", rows.Err())
}

func (s *Postgres) CreateTicket(ctx context.Context, chatID string, memberID int64) (*Ticket, error) {
	const query = `
		INSERT INTO chat_tickets (chat_id, member_id)
		VALUES ($1, $2)
		RETURNING id, created_at`

	t := Ticket{ChatID: chatID, MemberID: memberID}
	if err := s.db.QueryRowContext(ctx, query, chatID, memberID).Scan(&t.ID, &t.CreatedAt); err != nil {
		return nil, mapError("create ticket", err)
	}
	return &t, nil
}

func (s *Postgres) GetTicket(ctx context.Context, id int64) (*Ticket, error) {
	const query = `SELECT id, chat_id, member_id, created_at FROM chat_tickets WHERE id = $1`

	var t Ticket
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&t.ID, &t.ChatID, &t.MemberID, &t.CreatedAt); err != nil {
		return nil, mapError("get ticket", err)
	}
	return &t, nil
}

func (s *Postgres) FindTicket(ctx context.Context, chatID string, memberID int64) (*Ticket, error) {
	if _, err := uuid.Parse(chatID); err != nil {
		return nil, fmt.Errorf("store: find ticket: %w", ErrNotFound)
	}
	const query = `
		SELECT id, chat_id, member_id, created_at
		FROM chat_tickets WHERE chat_id = $1 AND member_id = $2`

	var t Ticket
	if err := s.db.QueryRowContext(ctx, query, chatID, memberID).Scan(&t.ID, &t.ChatID, &t.MemberID, &t.CreatedAt); err != nil {
		return nil, mapError("find ticket", err)
	}
	return &t, nil
}

func (s *Postgres) DeleteTicket(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_tickets WHERE id = $1`, id)
	return affectedOrNotFound("delete ticket", res, err)
}

func (s *Postgres) DeleteTicketsByChat(ctx context.Context, chatID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_tickets WHERE chat_id = $1`, chatID)
	return mapError("delete tickets", err)
}

func (s *Postgres) FindMembershipsOf(ctx context.Context, userID int64) ([]Ticket, error) {
	const query = `
		SELECT id, chat_id, member_id, created_at
		FROM chat_tickets WHERE member_id = $1
		ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, mapError("find memberships", err)
	}
	defer rows.Close()

	var out []Ticket
	for rows.Next() {
		var t Ticket
		if err := rows.Scan(&t.ID, &t.ChatID, &t.MemberID, &t.CreatedAt); err != nil {
			return nil, mapError("scan ticket", err)
		}
		out = append(out, t)
	}
	return out, mapError("find memberships", rows.Err())
}

func (s *Postgres) FindMembersOf(ctx context.Context, chatID string) ([]int64, error) {
	if _, err := uuid.Parse(chatID); err != nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT member_id FROM chat_tickets WHERE chat_id = $1 ORDER BY member_id`, chatID)
	if err != nil {
		return nil, mapError("find members", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, mapError("scan member", err)
		}
		out = append(out, id)
	}
	return out, mapError("find members", rows.Err())
}

func (s *Postgres) CreateMessage(ctx context.Context, m *Message) error {
	if m.CreatedAt.IsZero() {
		const query = `
			INSERT INTO messages (chat_id, sender_id, content)
			VALUES ($1, $2, $3)
			RETURNING id, created_at`
		err := s.db.QueryRowContext(ctx, query, m.ChatID, m.SenderID, m.Content).Scan(&m.ID, &m.CreatedAt)
		return mapError("create message", err)
	}

	const query = `
		INSERT INTO messages (chat_id, sender_id, content, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`
	err := s.db.QueryRowContext(ctx, query, m.ChatID, m.SenderID, m.Content, m.CreatedAt).Scan(&m.ID)
	return mapError("create message", err)
}

func (s *Postgres) GetMessage(ctx context.Context, id int64) (*Message, error) {
	const query = `
		SELECT id, chat_id, sender_id, content, edited, created_at
		FROM messages WHERE id = $1`

	var m Message
	err := s.db.QueryRowContext(ctx, query, id).
		Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.Edited, &m.CreatedAt)
	if err != nil {
		return nil, mapError("get message", err)
	}
	return &m, nil
}

func (s *Postgres) UpdateMessageContent(ctx context.Context, id int64, content string) (*Message, error) {
	const query = `
		UPDATE messages SET content = $2, edited = TRUE
		WHERE id = $1
		RETURNING id, chat_id, sender_id, content, edited, created_at`

	var m Message
	err := s.db.QueryRowContext(ctx, query, id, content).
		Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.Edited, &m.CreatedAt)
	if err != nil {
		return nil, mapError("update message", err)
	}
	return &m, nil
}

func (s *Postgres) DeleteMessage(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	return affectedOrNotFound("delete message", res, err)
}

func (s *Postgres) DeleteMessagesByChat(ctx context.Context, chatID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = $1`, chatID)
	return mapError("delete messages", err)
}

func (s *Postgres) FindMessagesByChat(ctx context.Context, chatID string) ([]Message, error) {
	if _, err := uuid.Parse(chatID); err != nil {
		return nil, nil
	}
	const query = `
		SELECT id, chat_id, sender_id, content, edited, created_at
		FROM messages WHERE chat_id = $1
		ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, mapError("find messages", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.Edited, &m.CreatedAt); err != nil {
			return nil, mapError("scan message", err)
		}
		out = append(out, m)
	}
	return out, mapError("find messages", rows.Err())
}

func (s *Postgres) FindLastMessage(ctx context.Context, chatID string) (*Message, error) {
	if _, err := uuid.Parse(chatID); err != nil {
		return nil, fmt.Errorf("store: find last message: %w", ErrNotFound)
	}
	const query = `
		SELECT id, chat_id, sender_id, content, edited, created_at
		FROM messages WHERE chat_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	var m Message
	err := s.db.QueryRowContext(ctx, query, chatID).
		Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.Edited, &m.CreatedAt)
	if err != nil {
		return nil, mapError("find last message", err)
	}
	return &m, nil
}
