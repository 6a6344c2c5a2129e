package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/pkg/message"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Summary describes an archived conversation
type Summary struct {
	ID             string
	Agent          string
	TurnCount      int
	Messages       int
	Terminal       bool
	TerminalReason string
	InputTokens    int
	OutputTokens   int
	CostUSD        float64
	CreatedAt      time.Time
	ArchivedAt     time.Time
}

// SQLiteArchive stores ended conversations in a SQLite database
type SQLiteArchive struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenSQLiteArchive opens or creates the archive at path. ":memory:" is
// accepted for tests.
func OpenSQLiteArchive(path string, logger zerolog.Logger) (*SQLiteArchive, error) {
	if path == "" {
		return nil, errors.New("archive path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases alive and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	a := &SQLiteArchive{db: db, logger: logger}
	if err := a.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	a.logger.Info().Str("path", path).Msg("Conversation archive opened")
	return a, nil
}

func (a *SQLiteArchive) initSchema() error {
	_, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			turn_count INTEGER NOT NULL,
			terminal INTEGER NOT NULL,
			terminal_reason TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			archived_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			conversation_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT NOT NULL DEFAULT '',
			agent TEXT NOT NULL DEFAULT '',
			synthetic INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (conversation_id, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_archived ON conversations(archived_at);
	`)
	return err
}

// Archive writes state, replacing any earlier archive of the same id
func (a *SQLiteArchive) Archive(ctx context.Context, state *State) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO conversations
			(id, agent, turn_count, terminal, terminal_reason, input_tokens, output_tokens, cost_usd, created_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.ID, state.AgentName(), state.TurnCount, state.Terminal, state.TerminalReason,
		state.Usage.InputTokens, state.Usage.OutputTokens, state.Usage.CostUSD,
		state.CreatedAt.UnixMilli(), time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to write conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, state.ID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages
			(conversation_id, seq, id, role, content, tool_calls, tool_call_id, agent, synthetic, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, msg := range state.Messages {
		toolCalls, err := marshalOptional(msg.ToolCalls, len(msg.ToolCalls) > 0)
		if err != nil {
			return fmt.Errorf("failed to encode tool calls: %w", err)
		}
		metadata, err := marshalOptional(msg.Metadata, len(msg.Metadata) > 0)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			state.ID, i, msg.ID, string(msg.Role), msg.Content, toolCalls, msg.ToolCallID,
			msg.Agent, msg.Synthetic, metadata, msg.Timestamp.UnixMilli(),
		); err != nil {
			return fmt.Errorf("failed to write message %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive: %w", err)
	}

	observability.RecordArchived()
	a.logger.Debug().
		Str("conversation_id", state.ID).
		Int("messages", len(state.Messages)).
		Msg("Conversation archived")
	return nil
}

// History returns the archived messages of a conversation in order
func (a *SQLiteArchive) History(ctx context.Context, id string) ([]message.Message, error) {
	if _, err := a.Stat(ctx, id); err != nil {
		return nil, err
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT id, role, content, tool_calls, tool_call_id, agent, synthetic, metadata, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []message.Message
	for rows.Next() {
		var (
			msg       message.Message
			role      string
			toolCalls sql.NullString
			metadata  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &toolCalls, &msg.ToolCallID,
			&msg.Agent, &msg.Synthetic, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = message.Role(role)
		msg.Timestamp = time.UnixMilli(createdAt).UTC()
		if toolCalls.Valid {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to decode tool calls: %w", err)
			}
		}
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Stat returns the summary of an archived conversation
func (a *SQLiteArchive) Stat(ctx context.Context, id string) (Summary, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT c.id, c.agent, c.turn_count, c.terminal, c.terminal_reason,
			c.input_tokens, c.output_tokens, c.cost_usd, c.created_at, c.archived_at,
			(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c WHERE c.id = ?`, id)

	var (
		s                     Summary
		createdAt, archivedAt int64
	)
	err := row.Scan(&s.ID, &s.Agent, &s.TurnCount, &s.Terminal, &s.TerminalReason,
		&s.InputTokens, &s.OutputTokens, &s.CostUSD, &createdAt, &archivedAt, &s.Messages)
	if errors.Is(err, sql.ErrNoRows) {
		return Summary{}, ErrNotFound
	}
	if err != nil {
		return Summary{}, fmt.Errorf("failed to query conversation: %w", err)
	}
	s.CreatedAt = time.UnixMilli(createdAt).UTC()
	s.ArchivedAt = time.UnixMilli(archivedAt).UTC()
	return s, nil
}

// Recent returns up to limit archived conversations, newest first
func (a *SQLiteArchive) Recent(ctx context.Context, limit int) ([]Summary, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id FROM conversations ORDER BY archived_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		s, err := a.Stat(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Close closes the database
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

func marshalOptional(v interface{}, present bool) (interface{}, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
