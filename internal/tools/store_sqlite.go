package tools

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"mcpfed/internal/fault"
	"mcpfed/pkg/logging"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteToolStore is the persistent ToolStore implementation.
type SQLiteToolStore struct {
	db *sql.DB
	// ownsDB marks stores that opened their own handle and must close it.
	ownsDB bool
}

// NewSQLiteToolStore opens (or creates) the database at path and applies
// the tools schema. Use ":memory:" for an ephemeral store in tests.
func NewSQLiteToolStore(path string) (*SQLiteToolStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fault.Wrap(fault.KindStoreError, err, "open sqlite database %s", path)
	}

	// database/sql pools connections; a second connection to a ":memory:"
	// DSN would see a different empty database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fault.Wrap(fault.KindStoreError, err, "apply tools schema")
	}
	return &SQLiteToolStore{db: db, ownsDB: true}, nil
}

// NewSQLiteToolStoreFromDB wraps an already opened database, applying the
// schema. Used when the server and tool tables share one file.
func NewSQLiteToolStoreFromDB(db *sql.DB) (*SQLiteToolStore, error) {
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fault.Wrap(fault.KindStoreError, err, "apply tools schema")
	}
	return &SQLiteToolStore{db: db}, nil
}

// UpsertExternalTool implements ToolStore. The namespaced name is the
// conflict key: re-discovering a tool overwrites its description, schema,
// source, and tenant scope in place while keeping the row id stable.
func (s *SQLiteToolStore) UpsertExternalTool(ctx context.Context, record ToolRecord) (int64, error) {
	if record.Name == "" || record.ServerID == "" {
		return 0, fault.New(fault.KindValidation, "tool name and server id are required")
	}

	schemaJSON := string(record.InputSchema)
	if schemaJSON == "" {
		schemaJSON = "{}"
	}
	skillsJSON, err := json.Marshal(record.SkillIDs)
	if err != nil {
		return 0, fault.Wrap(fault.KindStoreError, err, "serialise skill ids")
	}

	now := time.Now()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tools (name, original_name, description, input_schema, server_id,
			is_external, is_classified, skill_ids, primary_skill_id, org_id, is_global,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			original_name = excluded.original_name,
			description = excluded.description,
			input_schema = excluded.input_schema,
			server_id = excluded.server_id,
			org_id = excluded.org_id,
			is_global = excluded.is_global,
			updated_at = excluded.updated_at
		RETURNING id`,
		record.Name, record.OriginalName, record.Description, schemaJSON, record.ServerID,
		boolToInt(record.External), boolToInt(record.Classified), string(skillsJSON),
		record.PrimarySkillID, record.OrgID, boolToInt(record.Global), now, now)

	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fault.Wrap(fault.KindStoreError, err, "upsert tool %s", record.Name)
	}
	return id, nil
}

const toolColumns = `id, name, original_name, description, input_schema, server_id,
	is_external, is_classified, skill_ids, primary_skill_id, org_id, is_global,
	created_at, updated_at`

// GetToolByName implements ToolStore.
func (s *SQLiteToolStore) GetToolByName(ctx context.Context, name string) (*ToolRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+toolColumns+` FROM tools WHERE name = ?`, name)
	record, err := scanTool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.KindNotFound, "tool %q not found", name)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindStoreError, err, "load tool %q", name)
	}
	return record, nil
}

// GetToolIDsByServer implements ToolStore.
func (s *SQLiteToolStore) GetToolIDsByServer(ctx context.Context, serverID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tools WHERE server_id = ? ORDER BY id`, serverID)
	if err != nil {
		return nil, fault.Wrap(fault.KindStoreError, err, "list tool ids for server %s", serverID)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fault.Wrap(fault.KindStoreError, err, "scan tool id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.KindStoreError, err, "iterate tool ids")
	}
	return ids, nil
}

// DeleteToolsByServer implements ToolStore. A single DELETE statement keeps
// the removal atomic; the driver reports the count.
func (s *SQLiteToolStore) DeleteToolsByServer(ctx context.Context, serverID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tools WHERE server_id = ?`, serverID)
	if err != nil {
		return 0, fault.Wrap(fault.KindStoreError, err, "delete tools for server %s", serverID)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fault.Wrap(fault.KindStoreError, err, "count deleted tools for server %s", serverID)
	}
	if n > 0 {
		logging.Debug("ToolStore", "Deleted %d tools for server %s", n, serverID)
	}
	return n, nil
}

// UpdateToolClassification implements ToolStore.
func (s *SQLiteToolStore) UpdateToolClassification(ctx context.Context, toolID int64, skillIDs []string, primarySkillID string) error {
	skillsJSON, err := json.Marshal(skillIDs)
	if err != nil {
		return fault.Wrap(fault.KindStoreError, err, "serialise skill ids")
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE tools SET is_classified = 1, skill_ids = ?, primary_skill_id = ?, updated_at = ?
		WHERE id = ?`,
		string(skillsJSON), primarySkillID, time.Now(), toolID)
	if err != nil {
		return fault.Wrap(fault.KindStoreError, err, "classify tool %d", toolID)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fault.New(fault.KindNotFound, "tool %d not found", toolID)
	}
	return nil
}

// Close implements ToolStore. Shared handles are left open for the owner.
func (s *SQLiteToolStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTool(row rowScanner) (*ToolRecord, error) {
	var (
		record       ToolRecord
		schemaJSON   string
		skillsJSON   string
		isExternal   int
		isClassified int
		isGlobal     int
	)
	err := row.Scan(&record.ID, &record.Name, &record.OriginalName, &record.Description,
		&schemaJSON, &record.ServerID, &isExternal, &isClassified, &skillsJSON,
		&record.PrimarySkillID, &record.OrgID, &isGlobal, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return nil, err
	}

	record.External = isExternal != 0
	record.Classified = isClassified != 0
	record.Global = isGlobal != 0
	record.InputSchema = json.RawMessage(schemaJSON)
	if err := json.Unmarshal([]byte(skillsJSON), &record.SkillIDs); err != nil {
		return nil, err
	}
	return &record, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
