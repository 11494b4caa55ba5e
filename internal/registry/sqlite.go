package registry

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"mcpfed/internal/events"
	"mcpfed/internal/fault"
	"mcpfed/pkg/logging"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is the persistent Store implementation. Server records
// survive restarts; reconnection is the facade's job at boot.
type SQLiteStore struct {
	db  *sql.DB
	bus *events.Bus
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. Use ":memory:" for an ephemeral store in tests. The bus may be
// nil.
func NewSQLiteStore(path string, bus *events.Bus) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fault.Wrap(fault.KindStoreError, err, "open sqlite database %s", path)
	}

	// database/sql pools connections; a second connection to a ":memory:"
	// DSN would see a different empty database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fault.Wrap(fault.KindStoreError, err, "apply servers schema")
	}

	store := &SQLiteStore{db: db, bus: bus}
	if err := store.migrateTenantColumns(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStoreFromDB wraps an already opened database, applying the
// schema. Used when the server and tool tables share one file.
func NewSQLiteStoreFromDB(db *sql.DB, bus *events.Bus) (*SQLiteStore, error) {
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fault.Wrap(fault.KindStoreError, err, "apply servers schema")
	}
	store := &SQLiteStore{db: db, bus: bus}
	if err := store.migrateTenantColumns(); err != nil {
		return nil, err
	}
	return store, nil
}

// migrateTenantColumns upgrades pre-tenant databases in place. Records
// inserted before the upgrade become global, which matches their previous
// visibility.
func (s *SQLiteStore) migrateTenantColumns() error {
	rows, err := s.db.Query(`PRAGMA table_info(servers)`)
	if err != nil {
		return fault.Wrap(fault.KindStoreError, err, "inspect servers table")
	}
	defer rows.Close()

	columns := map[string]bool{}
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return fault.Wrap(fault.KindStoreError, err, "scan servers table info")
		}
		columns[name] = true
	}
	if err := rows.Err(); err != nil {
		return fault.Wrap(fault.KindStoreError, err, "iterate servers table info")
	}

	for column, ddl := range map[string]string{
		"org_id":    `ALTER TABLE servers ADD COLUMN org_id TEXT NOT NULL DEFAULT ''`,
		"is_global": `ALTER TABLE servers ADD COLUMN is_global INTEGER NOT NULL DEFAULT 1`,
	} {
		if columns[column] {
			continue
		}
		logging.Info("Registry", "Adding missing tenant column %s to servers table", column)
		if _, err := s.db.Exec(ddl); err != nil {
			return fault.Wrap(fault.KindStoreError, err, "add column %s", column)
		}
	}
	return nil
}

// Add implements Store.
func (s *SQLiteStore) Add(ctx context.Context, config ServerConfig) (*ServerRecord, error) {
	transport, err := validateConfig(config)
	if err != nil {
		return nil, err
	}

	configJSON, err := json.Marshal(config.ConnectionConfig)
	if err != nil {
		return nil, fault.Wrap(fault.KindStoreError, err, "serialise connection config")
	}

	record := &ServerRecord{
		ID:               uuid.NewString(),
		Name:             config.Name,
		Description:      config.Description,
		Transport:        transport,
		ConnectionConfig: config.ConnectionConfig,
		HealthCheckURL:   config.HealthCheckURL,
		Status:           StatusDisconnected,
		Tenant:           TenantScope{OrgID: config.OrgID, Global: config.Global},
		RegisteredAt:     time.Now(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO servers (id, name, description, transport, connection_config,
			health_check_url, status, tool_count, error_message, org_id, is_global, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?, ?)`,
		record.ID, record.Name, record.Description, string(transport), string(configJSON),
		record.HealthCheckURL, string(StatusDisconnected),
		record.Tenant.OrgID, boolToInt(record.Tenant.Global), record.RegisteredAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fault.New(fault.KindValidation, "server %q already registered", config.Name)
		}
		return nil, fault.Wrap(fault.KindStoreError, err, "insert server %s", config.Name)
	}

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Reason:   events.ReasonServerRegistered,
			ServerID: record.ID,
			Payload:  map[string]interface{}{"name": record.Name},
		})
	}

	logging.Debug("Registry", "Registered server %s (%s, transport %s)", record.Name, record.ID, transport)
	return record, nil
}

const selectColumns = `id, name, description, transport, connection_config, health_check_url,
	status, tool_count, error_message, org_id, is_global, registered_at, connected_at, last_health_check`

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*ServerRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM servers WHERE id = ?`, id)
	record, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.KindNotFound, "server %s not found", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindStoreError, err, "load server %s", id)
	}
	return record, nil
}

// GetByName implements Store.
func (s *SQLiteStore) GetByName(ctx context.Context, name string) (*ServerRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM servers WHERE name = ?`, name)
	record, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.KindNotFound, "server %q not found", name)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindStoreError, err, "load server %q", name)
	}
	return record, nil
}

// List implements Store. Without a tenant id only global records are
// returned, matching MemoryStore.
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*ServerRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM servers WHERE `
	var (
		clauses []string
		args    []interface{}
	)

	switch {
	case filter.AllTenants:
		clauses = append(clauses, `1 = 1`)
	case filter.TenantID == "":
		clauses = append(clauses, `is_global = 1`)
	default:
		clauses = append(clauses, `(is_global = 1 OR org_id = ?)`)
		args = append(args, filter.TenantID)
	}
	if filter.Status != nil {
		clauses = append(clauses, `status = ?`)
		args = append(args, string(*filter.Status))
	}
	query += strings.Join(clauses, " AND ") + ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.KindStoreError, err, "list servers")
	}
	defer rows.Close()

	var out []*ServerRecord
	for rows.Next() {
		record, err := scanServer(rows)
		if err != nil {
			return nil, fault.Wrap(fault.KindStoreError, err, "scan server row")
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.KindStoreError, err, "iterate server rows")
	}
	return out, nil
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, id string, patch Patch) (*ServerRecord, error) {
	if patch.Name != nil {
		if !serverNamePattern.MatchString(*patch.Name) {
			return nil, fault.New(fault.KindValidation, "server name %q must match %s", *patch.Name, serverNamePattern.String())
		}
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		// Indexed tool names embed the server name as their namespace, so
		// a rename would orphan them.
		if *patch.Name != current.Name && current.ToolCount > 0 {
			return nil, fault.New(fault.KindValidation, "cannot rename server %q while %d tools are indexed under its name", current.Name, current.ToolCount)
		}
	}

	var (
		sets []string
		args []interface{}
	)
	if patch.Name != nil {
		sets = append(sets, `name = ?`)
		args = append(args, *patch.Name)
	}
	if patch.Description != nil {
		sets = append(sets, `description = ?`)
		args = append(args, *patch.Description)
	}
	if patch.ConnectionConfig != nil {
		configJSON, err := json.Marshal(patch.ConnectionConfig)
		if err != nil {
			return nil, fault.Wrap(fault.KindStoreError, err, "serialise connection config")
		}
		sets = append(sets, `connection_config = ?`)
		args = append(args, string(configJSON))
	}
	if patch.HealthCheckURL != nil {
		sets = append(sets, `health_check_url = ?`)
		args = append(args, *patch.HealthCheckURL)
	}

	if len(sets) > 0 {
		args = append(args, id)
		result, err := s.db.ExecContext(ctx, `UPDATE servers SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			if patch.Name != nil && isUniqueViolation(err) {
				return nil, fault.New(fault.KindValidation, "server %q already registered", *patch.Name)
			}
			return nil, fault.Wrap(fault.KindStoreError, err, "update server %s", id)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return nil, fault.New(fault.KindNotFound, "server %s not found", id)
		}
	}
	return s.Get(ctx, id)
}

// UpdateStatus implements Store.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status ServerStatus, errorMessage string) (bool, error) {
	if _, err := ParseServerStatus(string(status)); err != nil {
		return false, err
	}

	var (
		result sql.Result
		err    error
	)
	if status == StatusConnected {
		result, err = s.db.ExecContext(ctx,
			`UPDATE servers SET status = ?, error_message = ?, connected_at = ? WHERE id = ?`,
			string(status), errorMessage, time.Now(), id)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE servers SET status = ?, error_message = ? WHERE id = ?`,
			string(status), errorMessage, id)
	}
	if err != nil {
		return false, fault.Wrap(fault.KindStoreError, err, "update status for %s", id)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return false, nil
	}

	publishStatus(s.bus, id, status)
	return true, nil
}

// UpdateToolCount implements Store.
func (s *SQLiteStore) UpdateToolCount(ctx context.Context, id string, count int) (bool, error) {
	if count < 0 {
		return false, fault.New(fault.KindValidation, "tool count must not be negative")
	}
	result, err := s.db.ExecContext(ctx, `UPDATE servers SET tool_count = ? WHERE id = ?`, count, id)
	if err != nil {
		return false, fault.Wrap(fault.KindStoreError, err, "update tool count for %s", id)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// UpdateLastHealthCheck implements Store.
func (s *SQLiteStore) UpdateLastHealthCheck(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE servers SET last_health_check = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return false, fault.Wrap(fault.KindStoreError, err, "update health check for %s", id)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// Remove implements Store.
func (s *SQLiteStore) Remove(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return false, fault.Wrap(fault.KindStoreError, err, "remove server %s", id)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return false, nil
	}

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Reason:   events.ReasonServerRemoved,
			ServerID: id,
		})
	}
	return true, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanServer(row rowScanner) (*ServerRecord, error) {
	var (
		record          ServerRecord
		transport       string
		status          string
		configJSON      string
		isGlobal        int
		connectedAt     sql.NullTime
		lastHealthCheck sql.NullTime
	)
	err := row.Scan(&record.ID, &record.Name, &record.Description, &transport, &configJSON,
		&record.HealthCheckURL, &status, &record.ToolCount, &record.ErrorMessage,
		&record.Tenant.OrgID, &isGlobal, &record.RegisteredAt, &connectedAt, &lastHealthCheck)
	if err != nil {
		return nil, err
	}

	record.Transport = TransportKind(transport)
	record.Status = ServerStatus(status)
	record.Tenant.Global = isGlobal != 0
	if connectedAt.Valid {
		record.ConnectedAt = &connectedAt.Time
	}
	if lastHealthCheck.Valid {
		record.LastHealthCheck = &lastHealthCheck.Time
	}

	if configJSON != "" {
		if err := json.Unmarshal([]byte(configJSON), &record.ConnectionConfig); err != nil {
			return nil, fmt.Errorf("decode connection config: %w", err)
		}
	}
	return &record, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
