package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgreSQL error codes the gateway maps to its own errors.
const (
	pqUniqueViolation   = "23505"
	pqInvalidTextRepr   = "22P02"
	roomsPrimaryKeyName = "rooms_pkey"
)

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxIdle  time.Duration
}

// Postgres is the production Store.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects and pings the database.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdle > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdle)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate applies all pending schema migrations.
func (p *Postgres) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migrate source: %w", err)
	}
	driver, err := migratepg.WithInstance(p.db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("store: migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

const roomColumns = `id, participants::text[], last_seq, created_at, updated_at`

func scanRoom(row interface{ Scan(...any) error }, extra ...any) (Room, error) {
	var (
		r     Room
		parts pq.StringArray
	)
	dest := append([]any{&r.ID, &parts, &r.LastSeq, &r.CreatedAt, &r.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Room{}, err
	}
	r.Participants = CanonicalParticipants(parts)
	return r, nil
}

func (p *Postgres) CreateOrGetRoom(ctx context.Context, roomID string, participants []string) (Room, bool, error) {
	canon := CanonicalParticipants(participants)
	if roomID == "" {
		roomID = uuid.NewString()
	}

	// The no-op update makes RETURNING yield the existing row on conflict,
	// and xmax = 0 only for a freshly inserted tuple.
	const query = `
		INSERT INTO rooms (id, participant_key, participants)
		VALUES ($1, $2, $3::uuid[])
		ON CONFLICT (participant_key) DO UPDATE SET participant_key = EXCLUDED.participant_key
		RETURNING ` + roomColumns + `, (xmax = 0) AS created`

	var created bool
	r, err := scanRoom(p.db.QueryRowContext(ctx, query, roomID, ParticipantKey(canon), pq.Array(canon)), &created)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation && pqErr.Constraint == roomsPrimaryKeyName {
			return Room{}, false, ErrRoomConflict
		}
		return Room{}, false, fmt.Errorf("store: create room: %w", err)
	}
	return r, created, nil
}

func (p *Postgres) FindRoom(ctx context.Context, roomID string) (Room, error) {
	const query = `SELECT ` + roomColumns + ` FROM rooms WHERE id = $1`
	r, err := scanRoom(p.db.QueryRowContext(ctx, query, roomID))
	if err != nil {
		return Room{}, mapLookupErr("find room", err)
	}
	return r, nil
}

func (p *Postgres) FindRoomByParticipants(ctx context.Context, participants []string) (Room, error) {
	const query = `SELECT ` + roomColumns + ` FROM rooms WHERE participant_key = $1`
	r, err := scanRoom(p.db.QueryRowContext(ctx, query, ParticipantKey(participants)))
	if err != nil {
		return Room{}, mapLookupErr("find room by participants", err)
	}
	return r, nil
}

func (p *Postgres) ListRoomsFor(ctx context.Context, userID string) ([]Room, error) {
	const query = `
		SELECT ` + roomColumns + `
		FROM rooms
		WHERE $1::uuid = ANY (participants)
		ORDER BY updated_at DESC, id`

	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		if isInvalidText(err) {
			return []Room{}, nil
		}
		return nil, fmt.Errorf("store: list rooms: %w", err)
	}
	defer rows.Close()

	out := make([]Room, 0)
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list rooms scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list rooms: %w", err)
	}
	return out, nil
}

func (p *Postgres) DeleteRoom(ctx context.Context, roomID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = $1`, roomID)
	if err != nil {
		return mapLookupErr("delete room", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete room: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AppendMessage(ctx context.Context, nm NewMessage) (Message, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("store: append begin: %w", err)
	}
	defer tx.Rollback()

	// The row lock taken here serialises appenders to the same room.
	const bump = `
		UPDATE rooms r
		SET last_seq        = r.last_seq + 1,
		    last_message_at = GREATEST(t.ts, r.last_message_at),
		    updated_at      = GREATEST(t.ts, r.last_message_at)
		FROM (SELECT clock_timestamp() AS ts) t
		WHERE r.id = $1
		RETURNING r.last_seq, r.last_message_at`

	msg := Message{ID: uuid.NewString(), RoomID: nm.RoomID, SenderID: nm.SenderID, Content: nm.Content}
	if err := tx.QueryRowContext(ctx, bump, nm.RoomID).Scan(&msg.Seq, &msg.CreatedAt); err != nil {
		return Message{}, mapLookupErr("append bump seq", err)
	}

	const insert = `
		INSERT INTO messages (id, room_id, seq, sender_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := tx.ExecContext(ctx, insert, msg.ID, msg.RoomID, msg.Seq, msg.SenderID, msg.Content, msg.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("store: append insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("store: append commit: %w", err)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

func (p *Postgres) ListMessages(ctx context.Context, roomID string, q HistoryQuery) ([]Message, error) {
	if _, err := p.FindRoom(ctx, roomID); err != nil {
		return nil, err
	}

	var limit sql.NullInt64
	if q.Limit > 0 {
		limit = sql.NullInt64{Int64: int64(q.Limit), Valid: true}
	}

	var query string
	var args []any
	if q.AfterSeq > 0 {
		query = `
			SELECT id, room_id, seq, sender_id, content, created_at
			FROM messages
			WHERE room_id = $1 AND seq > $2
			ORDER BY seq ASC
			LIMIT $3`
		args = []any{roomID, q.AfterSeq, limit}
	} else {
		query = `
			SELECT id, room_id, seq, sender_id, content, created_at
			FROM (
				SELECT id, room_id, seq, sender_id, content, created_at
				FROM messages
				WHERE room_id = $1
				ORDER BY seq DESC
				LIMIT $2
			) latest
			ORDER BY seq ASC`
		args = []any{roomID, limit}
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Seq, &m.SenderID, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: list messages scan: %w", err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	return out, nil
}

func (p *Postgres) LookupUsers(ctx context.Context, ids []string) (map[string]User, error) {
	out := make(map[string]User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	const query = `SELECT id, username, email FROM users WHERE id = ANY ($1::uuid[])`
	rows, err := p.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		if isInvalidText(err) {
			return out, nil
		}
		return nil, fmt.Errorf("store: lookup users: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email); err != nil {
			return nil, fmt.Errorf("store: lookup users scan: %w", err)
		}
		out[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: lookup users: %w", err)
	}
	return out, nil
}

// Ping checks database connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// mapLookupErr turns "no row" and malformed-id errors into ErrNotFound.
func mapLookupErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) || isInvalidText(err) {
		return ErrNotFound
	}
	return fmt.Errorf("store: %s: %w", op, err)
}

func isInvalidText(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pqInvalidTextRepr
}
