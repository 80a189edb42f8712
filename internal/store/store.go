// Package store persists users, private messages, and upload metadata in a
// SQLite database.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	email     TEXT NOT NULL UNIQUE,
	name      TEXT NOT NULL DEFAULT '',
	avatar    TEXT NOT NULL DEFAULT '',
	last_seen INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_users_name ON users(name);

CREATE TABLE IF NOT EXISTS private_messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	sender_id   INTEGER NOT NULL REFERENCES users(id),
	receiver_id INTEGER NOT NULL REFERENCES users(id),
	message     TEXT NOT NULL,
	timestamp   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_private_messages_pair ON private_messages(sender_id, receiver_id);
CREATE INDEX IF NOT EXISTS idx_private_messages_timestamp ON private_messages(timestamp);

CREATE TABLE IF NOT EXISTS uploads (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	filename  TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_uploads_timestamp ON uploads(timestamp);
`

// Store is the durable store backed by database/sql.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	// A single connection keeps in-memory databases alive and serialises
	// writers, leaving every statement atomic with respect to the others.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "database ping failed")
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return errors.Wrap(err, "enable foreign keys")
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertUser inserts the user identified by email, or refreshes name, avatar,
// and last_seen when it already exists. The id of an existing user is kept.
func (s *Store) UpsertUser(ctx context.Context, email, name, avatar string, seen time.Time) (User, error) {
	const q = `
		INSERT INTO users (email, name, avatar, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			name = excluded.name,
			avatar = excluded.avatar,
			last_seen = excluded.last_seen
		RETURNING id, email, name, avatar, last_seen`

	var u User
	err := s.db.QueryRowContext(ctx, q, email, name, avatar, Millis(seen)).
		Scan(&u.ID, &u.Email, &u.Name, &u.Avatar, &u.LastSeen)
	if err != nil {
		return User{}, errors.Wrapf(err, "upsert user %q", email)
	}
	return u, nil
}

// UserByEmail returns the user with the given email or ErrNotFound.
func (s *Store) UserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, name, avatar, last_seen FROM users WHERE email = ?`, email))
}

// UserByName returns a user whose display name matches exactly. Names are not
// unique; the most recently seen user wins.
func (s *Store) UserByName(ctx context.Context, name string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, name, avatar, last_seen FROM users
		 WHERE name = ? ORDER BY last_seen DESC, id DESC LIMIT 1`, name))
}

func (s *Store) scanUser(row *sql.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Avatar, &u.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, errors.Wrap(err, "scan user")
	}
	return u, nil
}

// InsertPrivateMessage persists a message from sender to receiver at the given time.
func (s *Store) InsertPrivateMessage(ctx context.Context, senderID, receiverID int64, text string, at time.Time) (PrivateMessage, error) {
	msg := PrivateMessage{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Message:    text,
		Timestamp:  Millis(at),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO private_messages (sender_id, receiver_id, message, timestamp) VALUES (?, ?, ?, ?)`,
		msg.SenderID, msg.ReceiverID, msg.Message, msg.Timestamp)
	if err != nil {
		return PrivateMessage{}, errors.Wrap(err, "insert private message")
	}
	if msg.ID, err = res.LastInsertId(); err != nil {
		return PrivateMessage{}, errors.Wrap(err, "private message id")
	}
	return msg, nil
}

// History returns every message exchanged between the users identified by
// emailA and emailB, in either direction, oldest first. Unknown emails yield
// an empty result.
func (s *Store) History(ctx context.Context, emailA, emailB string) ([]HistoryEntry, error) {
	a, err := s.UserByEmail(ctx, emailA)
	if errors.Is(err, ErrNotFound) {
		return []HistoryEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	b, err := s.UserByEmail(ctx, emailB)
	if errors.Is(err, ErrNotFound) {
		return []HistoryEntry{}, nil
	}
	if err != nil {
		return nil, err
	}

	const q = `
		SELECT pm.id, pm.sender_id, pm.receiver_id, pm.message, pm.timestamp,
		       u1.name, u1.avatar, u2.name, u2.avatar
		FROM private_messages pm
		JOIN users u1 ON pm.sender_id = u1.id
		JOIN users u2 ON pm.receiver_id = u2.id
		WHERE (pm.sender_id = ? AND pm.receiver_id = ?)
		   OR (pm.sender_id = ? AND pm.receiver_id = ?)
		ORDER BY pm.timestamp ASC, pm.id ASC`

	rows, err := s.db.QueryContext(ctx, q, a.ID, b.ID, b.ID, a.ID)
	if err != nil {
		return nil, errors.Wrap(err, "query history")
	}
	defer rows.Close()

	history := []HistoryEntry{}
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.SenderID, &e.ReceiverID, &e.Message, &e.Timestamp,
			&e.SenderName, &e.SenderAvatar, &e.ReceiverName, &e.ReceiverAvatar); err != nil {
			return nil, errors.Wrap(err, "scan history")
		}
		history = append(history, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "history iteration")
	}
	return history, nil
}

// InsertUpload records an accepted upload.
func (s *Store) InsertUpload(ctx context.Context, filename string, at time.Time) (Upload, error) {
	up := Upload{Filename: filename, Timestamp: Millis(at)}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads (filename, timestamp) VALUES (?, ?)`, up.Filename, up.Timestamp)
	if err != nil {
		return Upload{}, errors.Wrapf(err, "insert upload %q", filename)
	}
	if up.ID, err = res.LastInsertId(); err != nil {
		return Upload{}, errors.Wrap(err, "upload id")
	}
	return up, nil
}

// DeleteMessagesBefore removes every private message older than cutoff and
// reports how many rows were deleted.
func (s *Store) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM private_messages WHERE timestamp < ?`, Millis(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "delete expired messages")
	}
	return res.RowsAffected()
}

// UploadsBefore lists uploads older than cutoff.
func (s *Store) UploadsBefore(ctx context.Context, cutoff time.Time) ([]Upload, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, filename, timestamp FROM uploads WHERE timestamp < ? ORDER BY id`, Millis(cutoff))
	if err != nil {
		return nil, errors.Wrap(err, "query expired uploads")
	}
	defer rows.Close()

	var uploads []Upload
	for rows.Next() {
		var up Upload
		if err := rows.Scan(&up.ID, &up.Filename, &up.Timestamp); err != nil {
			return nil, errors.Wrap(err, "scan upload")
		}
		uploads = append(uploads, up)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "upload iteration")
	}
	return uploads, nil
}

// DeleteUploadsBefore removes upload rows older than cutoff.
func (s *Store) DeleteUploadsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE timestamp < ?`, Millis(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "delete expired uploads")
	}
	return res.RowsAffected()
}
