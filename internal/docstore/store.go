// Package docstore is the local document cache of chats and messages.
//
// Documents are JSON bodies in SQLite with a few columns pulled out for
// indexing. Every write bumps the document revision and appends to the
// changes feed; writes with a stale revision fail with ErrConflict.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrConflict = errors.New("document update conflict")
)

const maxUpdateAttempts = 5

const schema = `
CREATE TABLE IF NOT EXISTS docs (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	chat_id TEXT NOT NULL DEFAULT '',
	ts INTEGER NOT NULL DEFAULT 0,
	sender_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	deleted INTEGER NOT NULL DEFAULT 0,
	rev INTEGER NOT NULL,
	body TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS docs_type_idx ON docs(type);
CREATE INDEX IF NOT EXISTS docs_type_chat_ts_idx ON docs(type, chat_id, ts);
CREATE INDEX IF NOT EXISTS docs_type_sender_idx ON docs(type, sender_id);

CREATE TABLE IF NOT EXISTS aliases (
	alias TEXT PRIMARY KEY,
	doc_id TEXT NOT NULL,
	kind TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS aliases_doc_idx ON aliases(doc_id);

CREATE TABLE IF NOT EXISTS changes (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	doc_id TEXT NOT NULL,
	type TEXT NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

type Store struct {
	db *sql.DB

	notifyMu sync.Mutex
	notify   chan struct{}
}

// Open opens or creates the cache at path. ":memory:" gives a private
// in-memory cache.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	// One connection keeps :memory: databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping cache: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}
	return &Store{db: db, notify: make(chan struct{})}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Reset drops every document, alias, change and cursor.
func (s *Store) Reset(ctx context.Context) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"docs", "aliases", "changes", "meta"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("reset %s: %w", table, err)
			}
		}
		return nil
	})
	if err == nil {
		s.broadcast()
	}
	return err
}

func (s *Store) GetChat(ctx context.Context, id string) (ChatDoc, error) {
	var chat ChatDoc
	rev, err := s.get(ctx, s.db, TypeChat, id, &chat)
	if err != nil {
		return ChatDoc{}, err
	}
	chat.Rev = rev
	return chat, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (MessageDoc, error) {
	var msg MessageDoc
	rev, err := s.get(ctx, s.db, TypeMessage, id, &msg)
	if err != nil {
		return MessageDoc{}, err
	}
	msg.Rev = rev
	return msg, nil
}

// ResolveMessage looks id up directly, then through the alias table, so temp
// ids, edit event ids and reaction event ids all reach the display document.
func (s *Store) ResolveMessage(ctx context.Context, id string) (MessageDoc, error) {
	msg, err := s.GetMessage(ctx, id)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return msg, err
	}
	var docID string
	err = s.db.QueryRowContext(ctx, `SELECT doc_id FROM aliases WHERE alias=?`, id).Scan(&docID)
	if errors.Is(err, sql.ErrNoRows) {
		return MessageDoc{}, ErrNotFound
	}
	if err != nil {
		return MessageDoc{}, fmt.Errorf("resolve alias %s: %w", id, err)
	}
	return s.GetMessage(ctx, docID)
}

// LookupAlias reports which document alias points at and why.
func (s *Store) LookupAlias(ctx context.Context, alias string) (string, AliasKind, error) {
	var docID, kind string
	err := s.db.QueryRowContext(ctx, `SELECT doc_id, kind FROM aliases WHERE alias=?`, alias).Scan(&docID, &kind)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("lookup alias %s: %w", alias, err)
	}
	return docID, AliasKind(kind), nil
}

func (s *Store) AddAlias(ctx context.Context, alias, docID string, kind AliasKind) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO aliases (alias, doc_id, kind) VALUES (?, ?, ?)
		ON CONFLICT(alias) DO UPDATE SET doc_id=excluded.doc_id, kind=excluded.kind
	`, alias, docID, string(kind))
	if err != nil {
		return fmt.Errorf("add alias %s: %w", alias, err)
	}
	return nil
}

func (s *Store) RemoveAlias(ctx context.Context, alias string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM aliases WHERE alias=?`, alias); err != nil {
		return fmt.Errorf("remove alias %s: %w", alias, err)
	}
	return nil
}

// PutChat writes chat. A zero Rev means create; otherwise Rev must match the
// stored revision. On success chat.Rev holds the new revision.
func (s *Store) PutChat(ctx context.Context, chat *ChatDoc) error {
	rev, err := s.put(ctx, TypeChat, chat.ID, chat.Rev, docColumns{}, chat)
	if err != nil {
		return err
	}
	chat.Rev = rev
	return nil
}

func (s *Store) PutMessage(ctx context.Context, msg *MessageDoc) error {
	rev, err := s.put(ctx, TypeMessage, msg.ID, msg.Rev, messageColumns(msg), msg)
	if err != nil {
		return err
	}
	msg.Rev = rev
	return nil
}

// UpdateMessage applies fn to the current document and writes it back,
// retrying on conflicts. fn returning false skips the write.
func (s *Store) UpdateMessage(ctx context.Context, id string, fn func(*MessageDoc) (bool, error)) (MessageDoc, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		msg, err := s.GetMessage(ctx, id)
		if err != nil {
			return MessageDoc{}, err
		}
		changed, err := fn(&msg)
		if err != nil || !changed {
			return msg, err
		}
		err = s.PutMessage(ctx, &msg)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return msg, err
	}
	return MessageDoc{}, fmt.Errorf("update message %s: %w", id, ErrConflict)
}

// UpsertChat is UpdateMessage for chats; a missing chat starts from
// ChatDoc{ID: id}.
func (s *Store) UpsertChat(ctx context.Context, id string, fn func(*ChatDoc) (bool, error)) (ChatDoc, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		chat, err := s.GetChat(ctx, id)
		if errors.Is(err, ErrNotFound) {
			chat = ChatDoc{ID: id}
		} else if err != nil {
			return ChatDoc{}, err
		}
		changed, err := fn(&chat)
		if err != nil || !changed {
			return chat, err
		}
		err = s.PutChat(ctx, &chat)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return chat, err
	}
	return ChatDoc{}, fmt.Errorf("upsert chat %s: %w", id, ErrConflict)
}

// ReplaceMessageID moves the document stored under oldID to msg.ID, keeping
// oldID as a temp alias. Used when the server assigns the real id.
func (s *Store) ReplaceMessageID(ctx context.Context, oldID string, msg *MessageDoc) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	cols := messageColumns(msg)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM docs WHERE id=? AND type=?`, oldID, string(TypeMessage))
		if err != nil {
			return fmt.Errorf("remove %s: %w", oldID, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO docs (id, type, chat_id, ts, sender_id, status, deleted, rev, body)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
		`, msg.ID, string(TypeMessage), cols.chatID, cols.ts, cols.senderID, cols.status, cols.deleted, string(body)); err != nil {
			if isConstraint(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert %s: %w", msg.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE aliases SET doc_id=? WHERE doc_id=?`, msg.ID, oldID); err != nil {
			return fmt.Errorf("move aliases: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO aliases (alias, doc_id, kind) VALUES (?, ?, ?)
			ON CONFLICT(alias) DO UPDATE SET doc_id=excluded.doc_id
		`, oldID, msg.ID, string(AliasTemp)); err != nil {
			return fmt.Errorf("alias %s: %w", oldID, err)
		}
		if err := recordChange(ctx, tx, oldID, TypeMessage, true); err != nil {
			return err
		}
		return recordChange(ctx, tx, msg.ID, TypeMessage, false)
	})
	if err != nil {
		return err
	}
	msg.Rev = 1
	s.broadcast()
	return nil
}

// RemoveMessage hard-deletes a message and its aliases. Reserved for
// optimistic entries the server never saw; delivered messages are
// tombstoned instead.
func (s *Store) RemoveMessage(ctx context.Context, id string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM docs WHERE id=? AND type=?`, id, string(TypeMessage))
		if err != nil {
			return fmt.Errorf("remove message %s: %w", id, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM aliases WHERE doc_id=?`, id); err != nil {
			return fmt.Errorf("remove aliases of %s: %w", id, err)
		}
		return recordChange(ctx, tx, id, TypeMessage, true)
	})
	if err == nil {
		s.broadcast()
	}
	return err
}

// Messages returns the newest limit messages of a chat in timestamp order.
// limit <= 0 returns all of them.
func (s *Store) Messages(ctx context.Context, chatID string, limit int) ([]MessageDoc, error) {
	query := `SELECT rev, body FROM docs WHERE type=? AND chat_id=? ORDER BY ts DESC, id DESC`
	args := []any{string(TypeMessage), chatID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	msgs, err := queryMessages(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// LatestMessage returns the newest message of a chat that is not a
// tombstone.
func (s *Store) LatestMessage(ctx context.Context, chatID string) (MessageDoc, error) {
	msgs, err := queryMessages(ctx, s.db, `
		SELECT rev, body FROM docs
		WHERE type=? AND chat_id=? AND deleted=0
		ORDER BY ts DESC, id DESC
		LIMIT 1
	`, string(TypeMessage), chatID)
	if err != nil {
		return MessageDoc{}, err
	}
	if len(msgs) == 0 {
		return MessageDoc{}, ErrNotFound
	}
	return msgs[0], nil
}

func (s *Store) MessagesByStatus(ctx context.Context, status MessageStatus) ([]MessageDoc, error) {
	return queryMessages(ctx, s.db, `
		SELECT rev, body FROM docs WHERE type=? AND status=? ORDER BY ts, id
	`, string(TypeMessage), string(status))
}

func (s *Store) MessagesBySender(ctx context.Context, senderID string) ([]MessageDoc, error) {
	return queryMessages(ctx, s.db, `
		SELECT rev, body FROM docs WHERE type=? AND sender_id=? ORDER BY ts, id
	`, string(TypeMessage), senderID)
}

// Chats returns every chat, most recently active first.
func (s *Store) Chats(ctx context.Context) ([]ChatDoc, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rev, body FROM docs WHERE type=? ORDER BY ts DESC, id`, string(TypeChat))
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []ChatDoc
	for rows.Next() {
		var rev int64
		var body string
		if err := rows.Scan(&rev, &body); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		var chat ChatDoc
		if err := json.Unmarshal([]byte(body), &chat); err != nil {
			return nil, fmt.Errorf("decode chat: %w", err)
		}
		chat.Rev = rev
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read meta %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}

type docColumns struct {
	chatID   string
	ts       int64
	senderID string
	status   string
	deleted  bool
}

func messageColumns(msg *MessageDoc) docColumns {
	return docColumns{
		chatID:   msg.ChatID,
		ts:       msg.Timestamp.UnixMilli(),
		senderID: msg.SenderID,
		status:   string(msg.Status),
		deleted:  msg.IsDeleted,
	}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) get(ctx context.Context, q queryer, typ DocType, id string, out any) (int64, error) {
	var rev int64
	var body string
	err := q.QueryRowContext(ctx, `SELECT rev, body FROM docs WHERE id=? AND type=?`, id, string(typ)).Scan(&rev, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get %s %s: %w", typ, id, err)
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return 0, fmt.Errorf("decode %s %s: %w", typ, id, err)
	}
	return rev, nil
}

func (s *Store) put(ctx context.Context, typ DocType, id string, rev int64, cols docColumns, doc any) (int64, error) {
	if id == "" {
		return 0, fmt.Errorf("put %s: empty id", typ)
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("marshal %s: %w", typ, err)
	}
	if typ == TypeChat {
		if chat, ok := doc.(*ChatDoc); ok {
			cols.ts = chatActivity(chat)
		}
	}

	next := rev + 1
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if rev == 0 {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO docs (id, type, chat_id, ts, sender_id, status, deleted, rev, body)
				VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
			`, id, string(typ), cols.chatID, cols.ts, cols.senderID, cols.status, cols.deleted, string(body))
			if err != nil {
				if isConstraint(err) {
					return ErrConflict
				}
				return fmt.Errorf("insert %s %s: %w", typ, id, err)
			}
		} else {
			result, err := tx.ExecContext(ctx, `
				UPDATE docs SET chat_id=?, ts=?, sender_id=?, status=?, deleted=?, rev=?, body=?
				WHERE id=? AND type=? AND rev=?
			`, cols.chatID, cols.ts, cols.senderID, cols.status, cols.deleted, next, string(body), id, string(typ), rev)
			if err != nil {
				return fmt.Errorf("update %s %s: %w", typ, id, err)
			}
			if n, _ := result.RowsAffected(); n == 0 {
				return ErrConflict
			}
		}
		return recordChange(ctx, tx, id, typ, false)
	})
	if err != nil {
		return 0, err
	}
	s.broadcast()
	return next, nil
}

func chatActivity(chat *ChatDoc) int64 {
	if !chat.LastMessageAt.IsZero() {
		return chat.LastMessageAt.UnixMilli()
	}
	if !chat.UpdatedAt.IsZero() {
		return chat.UpdatedAt.UnixMilli()
	}
	return 0
}

func queryMessages(ctx context.Context, db *sql.DB, query string, args ...any) ([]MessageDoc, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []MessageDoc
	for rows.Next() {
		var rev int64
		var body string
		if err := rows.Scan(&rev, &body); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var msg MessageDoc
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		msg.Rev = rev
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isConstraint(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}
