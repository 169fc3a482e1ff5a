package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/samber/lo"

	dbconfig "chatline/pkg/database"
	"chatline/pkg/interfaces"
	"chatline/pkg/types"
)

// Manager implements interfaces.DatabaseManager on SQLite.
// Reads go straight to the pool; writes are funnelled through one goroutine
// because SQLite allows a single writer at a time.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *slog.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

var _ interfaces.DatabaseManager = (*Manager)(nil)

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer goroutine.
// Schema migrations are applied separately by Migrate.
func NewManager(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger.With("component", "database"),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine.
// A write that hits a busy or locked database is retried once.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if isBusy(err) {
				m.logger.Warn("database busy, retrying write", "delay", m.config.WriteRetryDelay, "error", err)
				time.Sleep(m.config.WriteRetryDelay)
				err = op.operation(m.db)
			}
			if err != nil {
				m.logger.Error("database write failed", "error", err)
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug("database write loop shutting down")
			return
		}
	}
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// User operations

func (m *Manager) CreateUser(ctx context.Context, user *types.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = types.NormalizeTimestamp(time.Now())
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`INSERT INTO users (username, display_name, is_active, created_at) VALUES (?, ?, ?, ?)`,
			user.Username, user.DisplayName, user.IsActive, user.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert user: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read user id: %w", err)
		}
		user.ID = id
		return nil
	})
}

func (m *Manager) GetUser(ctx context.Context, userID int64) (*types.User, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, is_active, created_at FROM users WHERE id = ?`, userID)
	return scanUser(row)
}

func (m *Manager) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, is_active, created_at FROM users WHERE username = ?`, username)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*types.User, error) {
	var user types.User
	if err := row.Scan(&user.ID, &user.Username, &user.DisplayName, &user.IsActive, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

// Conversation operations

func (m *Manager) CreateConversation(ctx context.Context, conversation *types.Conversation) error {
	ids := lo.Uniq(conversation.ParticipantIDs)
	if len(ids) == 0 {
		return errors.New("conversation needs at least one participant")
	}

	now := types.NormalizeTimestamp(time.Now())
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (created_at, updated_at) VALUES (?, ?)`, now, now)
		if err != nil {
			return fmt.Errorf("failed to insert conversation: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read conversation id: %w", err)
		}

		for _, userID := range ids {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO conversation_participants (conversation_id, user_id) VALUES (?, ?)`,
				id, userID,
			); err != nil {
				return fmt.Errorf("failed to insert participant %d: %w", userID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit conversation creation: %w", err)
		}

		conversation.ID = types.ConversationRef(id)
		conversation.ParticipantIDs = ids
		conversation.CreatedAt = now
		conversation.UpdatedAt = now
		return nil
	})
}

func (m *Manager) GetConversation(ctx context.Context, ref types.ConversationRef) (*types.Conversation, error) {
	var conversation types.Conversation
	err := m.db.QueryRowContext(ctx,
		`SELECT id, created_at, updated_at FROM conversations WHERE id = ?`, int64(ref),
	).Scan(&conversation.ID, &conversation.CreatedAt, &conversation.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	conversation.CreatedAt = conversation.CreatedAt.UTC()
	conversation.UpdatedAt = conversation.UpdatedAt.UTC()

	if err := m.loadParticipants(ctx, &conversation); err != nil {
		return nil, err
	}
	return &conversation, nil
}

// FindDirectConversation looks for a conversation whose participants are
// exactly userA and userB.
func (m *Manager) FindDirectConversation(ctx context.Context, userA, userB int64) (*types.Conversation, error) {
	var id int64
	err := m.db.QueryRowContext(ctx, `
		SELECT conversation_id
		FROM conversation_participants
		GROUP BY conversation_id
		HAVING COUNT(*) = 2
		   AND SUM(user_id = ?) = 1
		   AND SUM(user_id = ?) = 1
		ORDER BY conversation_id
		LIMIT 1
	`, userA, userB).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to query direct conversation: %w", err)
	}
	return m.GetConversation(ctx, types.ConversationRef(id))
}

func (m *Manager) ListConversations(ctx context.Context, userID int64) ([]*types.Conversation, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT c.id, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.updated_at DESC, c.id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}

	var conversations []*types.Conversation
	for rows.Next() {
		var c types.Conversation
		if err := rows.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		c.CreatedAt = c.CreatedAt.UTC()
		c.UpdatedAt = c.UpdatedAt.UTC()
		conversations = append(conversations, &c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating conversation rows: %w", err)
	}
	_ = rows.Close()

	for _, c := range conversations {
		if err := m.loadParticipants(ctx, c); err != nil {
			return nil, err
		}
	}
	return conversations, nil
}

func (m *Manager) loadParticipants(ctx context.Context, conversation *types.Conversation) error {
	rows, err := m.db.QueryContext(ctx, `
		SELECT u.id, u.username
		FROM conversation_participants p
		JOIN users u ON u.id = p.user_id
		WHERE p.conversation_id = ?
		ORDER BY u.id
	`, int64(conversation.ID))
	if err != nil {
		return fmt.Errorf("failed to query participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	conversation.ParticipantIDs = nil
	conversation.Participants = nil
	for rows.Next() {
		var id int64
		var username string
		if err := rows.Scan(&id, &username); err != nil {
			return fmt.Errorf("failed to scan participant row: %w", err)
		}
		conversation.ParticipantIDs = append(conversation.ParticipantIDs, id)
		conversation.Participants = append(conversation.Participants, username)
	}
	return rows.Err()
}

// Message operations

// CreateMessage stores message and moves the conversation's updated_at to
// the message timestamp in one transaction. On success message is replaced
// by the stored row as the listings read it, author display name included.
func (m *Manager) CreateMessage(ctx context.Context, message *types.ChatMessage) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = ? WHERE id = ?`,
			message.Timestamp, int64(message.ConversationID),
		)
		if err != nil {
			return fmt.Errorf("failed to touch conversation: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return interfaces.ErrConversationNotFound
		}

		res, err = tx.ExecContext(ctx,
			`INSERT INTO messages (conversation_id, author_id, content, timestamp) VALUES (?, ?, ?, ?)`,
			int64(message.ConversationID), message.AuthorID, message.Content, message.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read message id: %w", err)
		}

		rows, err := tx.QueryContext(ctx, messageColumns+`WHERE m.id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to read back message: %w", err)
		}
		var stored *types.ChatMessage
		if rows.Next() {
			stored, err = scanMessage(rows)
		}
		if err == nil {
			err = rows.Err()
		}
		_ = rows.Close()
		if err != nil {
			return err
		}
		if stored == nil {
			return fmt.Errorf("message %d missing after insert", id)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit message: %w", err)
		}
		*message = *stored
		return nil
	})
}

const messageColumns = `
	SELECT m.id, m.conversation_id, m.author_id, u.display_name, m.content, m.timestamp
	FROM messages m
	JOIN users u ON u.id = m.author_id
`

func (m *Manager) ListMessages(ctx context.Context, ref types.ConversationRef) ([]*types.ChatMessage, error) {
	rows, err := m.db.QueryContext(ctx,
		messageColumns+`WHERE m.conversation_id = ? ORDER BY m.timestamp ASC, m.id ASC`, int64(ref))
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []*types.ChatMessage{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}

func (m *Manager) LastMessage(ctx context.Context, ref types.ConversationRef) (*types.ChatMessage, error) {
	rows, err := m.db.QueryContext(ctx,
		messageColumns+`WHERE m.conversation_id = ? ORDER BY m.timestamp DESC, m.id DESC LIMIT 1`, int64(ref))
	if err != nil {
		return nil, fmt.Errorf("failed to query last message: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanMessage(rows)
}

func scanMessage(rows *sql.Rows) (*types.ChatMessage, error) {
	var msg types.ChatMessage
	if err := rows.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.AuthorID,
		&msg.AuthorDisplayName,
		&msg.Content,
		&msg.Timestamp,
	); err != nil {
		return nil, fmt.Errorf("failed to scan message row: %w", err)
	}
	msg.Timestamp = msg.Timestamp.UTC()
	return &msg, nil
}

// Health and lifecycle

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Migrate applies pending schema migrations from the configured source and
// validates the result.
func (m *Manager) Migrate() error {
	migrations := dbconfig.NewMigrationManager(m.db, m.config.MigrationsPath)
	if err := migrations.ApplyMigrations(); err != nil {
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	m.logger.Info("database migrations applied", "path", m.config.DatabasePath)
	return nil
}

// Close stops the writer and closes the pool. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// applySQLiteOptimizations sets the pragmas that are not carried on the DSN.
func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -16000",
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}
