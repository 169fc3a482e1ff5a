package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks a live database against the schema the chat store
// expects. It is used at startup and by tests; it never modifies data that
// outlives a call.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every check in order and returns the first failure.
func (v *SchemaValidator) Validate() error {
	checks := []func() error{
		v.ValidateTablesExist,
		v.ValidateTableStructure,
		v.ValidateIndexes,
		v.ValidateConstraints,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"users":                     "User accounts",
		"conversations":             "Conversation headers",
		"conversation_participants": "Conversation membership",
		"messages":                  "Message history",
		"schema_migrations":         "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.tableExists(table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies column names and declared types.
func (v *SchemaValidator) ValidateTableStructure() error {
	tables := []struct {
		name    string
		columns map[string]string
	}{
		{"users", map[string]string{
			"id":           "INTEGER",
			"username":     "TEXT",
			"display_name": "TEXT",
			"is_active":    "INTEGER",
			"created_at":   "DATETIME",
		}},
		{"conversations", map[string]string{
			"id":         "INTEGER",
			"created_at": "DATETIME",
			"updated_at": "DATETIME",
		}},
		{"conversation_participants", map[string]string{
			"conversation_id": "INTEGER",
			"user_id":         "INTEGER",
		}},
		{"messages", map[string]string{
			"id":              "INTEGER",
			"conversation_id": "INTEGER",
			"author_id":       "INTEGER",
			"content":         "TEXT",
			"timestamp":       "DATETIME",
		}},
	}

	for _, table := range tables {
		if err := v.validateColumns(table.name, table.columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table.name, err)
		}
	}

	return nil
}

// ValidateIndexes verifies that all performance indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_participants_user":          "Conversation listing per user",
		"idx_messages_conversation_time": "Message history retrieval",
		"idx_conversations_updated":      "Recent conversation ordering",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.indexExists(index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

// ValidateConstraints verifies that foreign keys are enforced on this
// connection. The probe rows are written inside a transaction that is
// always rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin constraint probe: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO messages (conversation_id, author_id, content, timestamp)
		VALUES (-1, -1, 'probe', CURRENT_TIMESTAMP)
	`)
	if err == nil {
		return fmt.Errorf("foreign key constraint not enforced: messages.conversation_id")
	}

	_, err = tx.Exec(`
		INSERT INTO conversation_participants (conversation_id, user_id) VALUES (-1, -1)
	`)
	if err == nil {
		return fmt.Errorf("foreign key constraint not enforced: conversation_participants.conversation_id")
	}

	return nil
}

// tableExists checks if a table exists in the database
func (v *SchemaValidator) tableExists(tableName string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
		tableName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// indexExists checks if an index exists in the database
func (v *SchemaValidator) indexExists(indexName string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?",
		indexName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, dataType string
		var notNull int
		var defaultValue interface{}
		var pk int

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}

		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
