package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/curiochat/curio/pkg/streaming"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite chat store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			child_id TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			citations TEXT NOT NULL DEFAULT '[]',
			stopped_by_user INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_by_chat ON messages(chat_id, id);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite chat store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) EnsureChat(ctx context.Context, chatID, userID, childID string) error {
	if strings.TrimSpace(chatID) == "" {
		return errors.New("sqlite chat store: chatID is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats(id, user_id, child_id, created_at_ms)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, chatID, userID, childID, time.Now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: ensure chat")
	}
	return nil
}

func (s *SQLiteStore) AppendQuestion(ctx context.Context, chatID, text string) error {
	return s.insertMessage(ctx, chatID, RoleUser, text, nil, false)
}

func (s *SQLiteStore) AppendResponse(ctx context.Context, chatID, text string, citations []streaming.Citation, stoppedByUser bool) error {
	return s.insertMessage(ctx, chatID, RoleAssistant, text, citations, stoppedByUser)
}

func (s *SQLiteStore) RecordFirstResponse(ctx context.Context, chatID, text string, citations []streaming.Citation, conversationID string, stoppedByUser bool) error {
	if strings.TrimSpace(conversationID) == "" {
		return errors.New("sqlite chat store: conversationID is empty")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: begin first response")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		UPDATE chats SET conversation_id = ? WHERE id = ? AND conversation_id = ''
	`, conversationID, chatID)
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: set conversation id")
	}
	if err := insertMessageTx(ctx, tx, chatID, RoleAssistant, text, citations, stoppedByUser); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "sqlite chat store: commit first response")
}

func (s *SQLiteStore) ConversationID(ctx context.Context, chatID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT conversation_id FROM chats WHERE id = ?`, chatID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "sqlite chat store: conversation id")
	}
	return id, nil
}

func (s *SQLiteStore) Messages(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, content, citations, stopped_by_user, created_at_ms
		FROM messages
		WHERE chat_id = ?
		ORDER BY id ASC
	`, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: query messages")
	}
	defer func() { _ = rows.Close() }()

	items := []Message{}
	for rows.Next() {
		var item Message
		var citationsJSON string
		var stopped int
		if err := rows.Scan(&item.ID, &item.ChatID, &item.Role, &item.Content, &citationsJSON, &stopped, &item.CreatedAtMs); err != nil {
			return nil, err
		}
		item.StoppedByUser = stopped != 0
		if citationsJSON != "" && citationsJSON != "[]" {
			if err := json.Unmarshal([]byte(citationsJSON), &item.Citations); err != nil {
				return nil, errors.Wrap(err, "sqlite chat store: decode citations")
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *SQLiteStore) insertMessage(ctx context.Context, chatID, role, text string, citations []streaming.Citation, stoppedByUser bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: begin insert")
	}
	defer func() { _ = tx.Rollback() }()
	if err := insertMessageTx(ctx, tx, chatID, role, text, citations, stoppedByUser); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "sqlite chat store: commit insert")
}

func insertMessageTx(ctx context.Context, tx *sql.Tx, chatID, role, text string, citations []streaming.Citation, stoppedByUser bool) error {
	if strings.TrimSpace(chatID) == "" {
		return errors.New("sqlite chat store: chatID is empty")
	}
	citationsJSON := "[]"
	if len(citations) > 0 {
		b, err := json.Marshal(citations)
		if err != nil {
			return errors.Wrap(err, "sqlite chat store: encode citations")
		}
		citationsJSON = string(b)
	}
	stopped := 0
	if stoppedByUser {
		stopped = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages(chat_id, role, content, citations, stopped_by_user, created_at_ms)
		VALUES(?, ?, ?, ?, ?, ?)
	`, chatID, role, text, citationsJSON, stopped, time.Now().UnixMilli())
	return errors.Wrap(err, "sqlite chat store: insert message")
}

// SQLiteDSNForFile returns a DSN with WAL and a busy timeout suitable for a
// server process.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite chat store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}
