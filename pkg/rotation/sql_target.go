package rotation

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	// Import common SQL drivers
	_ "github.com/go-sql-driver/mysql" // MySQL
	_ "github.com/lib/pq"              // PostgreSQL

	kferrors "github.com/systmms/keyops/internal/errors"
)

// sqlDriverAliases maps accepted driver names to database/sql driver names.
var sqlDriverAliases = map[string]string{
	"postgresql": "postgres",
	"postgres":   "postgres",
	"mysql":      "mysql",
	"mariadb":    "mysql",
}

// SQLTargetConfig describes one table with encrypted columns.
type SQLTargetConfig struct {
	// Name identifies the target in checkpoints and reports. Defaults to
	// the table name.
	Name string `yaml:"name,omitempty"`

	// Driver is the database type: postgresql, postgres, mysql, or mariadb.
	Driver string `yaml:"driver"`

	// DSN is the driver-specific connection string.
	DSN string `yaml:"dsn"`

	// Table is the table holding encrypted columns.
	Table string `yaml:"table"`

	// KeyColumn is the stable ordering column (primary key). Its values are
	// handled as strings; ordering is the column's natural sort.
	KeyColumn string `yaml:"key_column"`

	// Columns are the encrypted columns to migrate.
	Columns []string `yaml:"columns"`
}

// SQLTarget walks a SQL table's encrypted columns in primary-key order.
// Updates are applied in one transaction per batch.
type SQLTarget struct {
	name      string
	db        *sql.DB
	table     string
	keyColumn string
	columns   []string
	postgres  bool
}

// OpenSQLTarget opens a database connection for the configured table.
func OpenSQLTarget(cfg SQLTargetConfig) (*SQLTarget, error) {
	driver, ok := sqlDriverAliases[strings.ToLower(cfg.Driver)]
	if !ok {
		return nil, kferrors.ConfigError{
			Field:      "targets.driver",
			Value:      cfg.Driver,
			Message:    "unsupported database driver",
			Suggestion: "Use one of: postgresql, postgres, mysql, mariadb",
		}
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	return NewSQLTarget(cfg, db)
}

// NewSQLTarget builds a target over an existing database handle. The handle
// stays owned by the caller.
func NewSQLTarget(cfg SQLTargetConfig, db *sql.DB) (*SQLTarget, error) {
	if cfg.Table == "" || cfg.KeyColumn == "" {
		return nil, kferrors.ConfigError{
			Field:      "targets",
			Message:    "a SQL target needs a table and a key_column",
			Suggestion: "Set targets[].table and targets[].key_column in keyops.yaml",
		}
	}
	if len(cfg.Columns) == 0 {
		return nil, kferrors.ConfigError{
			Field:      "targets.columns",
			Message:    "a SQL target needs at least one encrypted column",
			Suggestion: "List the encrypted columns under targets[].columns",
		}
	}

	name := cfg.Name
	if name == "" {
		name = cfg.Table
	}

	return &SQLTarget{
		name:      name,
		db:        db,
		table:     cfg.Table,
		keyColumn: cfg.KeyColumn,
		columns:   append([]string(nil), cfg.Columns...),
		postgres:  sqlDriverAliases[strings.ToLower(cfg.Driver)] == "postgres",
	}, nil
}

// Name identifies the target.
func (t *SQLTarget) Name() string {
	return t.name
}

// Close closes the underlying database handle.
func (t *SQLTarget) Close() error {
	return t.db.Close()
}

// FetchBatch selects the next batch of rows in key order.
func (t *SQLTarget) FetchBatch(ctx context.Context, afterKey string, limit int) ([]Record, error) {
	cols := strings.Join(t.columns, ", ")

	var query string
	var args []interface{}
	if afterKey == "" {
		query = fmt.Sprintf("SELECT %s, %s FROM %s ORDER BY %s LIMIT %s",
			t.keyColumn, cols, t.table, t.keyColumn, t.placeholder(1))
		args = []interface{}{limit}
	} else {
		query = fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s > %s ORDER BY %s LIMIT %s",
			t.keyColumn, cols, t.table, t.keyColumn, t.placeholder(1), t.keyColumn, t.placeholder(2))
		args = []interface{}{afterKey, limit}
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch batch from %s: %w", t.table, err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		key := ""
		values := make([]sql.NullString, len(t.columns))
		dest := make([]interface{}, 0, len(t.columns)+1)
		dest = append(dest, &key)
		for i := range values {
			dest = append(dest, &values[i])
		}

		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		rec := Record{Key: key, Columns: make(map[string]string, len(t.columns))}
		for i, col := range t.columns {
			if values[i].Valid {
				rec.Columns[col] = values[i].String
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read batch from %s: %w", t.table, err)
	}

	return records, nil
}

// UpdateBatch writes re-encrypted columns back in one transaction.
func (t *SQLTarget) UpdateBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range records {
		cols := make([]string, 0, len(rec.Columns))
		for col := range rec.Columns {
			cols = append(cols, col)
		}
		sort.Strings(cols)

		for _, col := range cols {
			if !t.knownColumn(col) {
				return fmt.Errorf("column %q is not configured for target %s", col, t.name)
			}
			query := fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s = %s",
				t.table, col, t.placeholder(1), t.keyColumn, t.placeholder(2))
			if _, err := tx.ExecContext(ctx, query, rec.Columns[col], rec.Key); err != nil {
				return fmt.Errorf("failed to update %s.%s for key %s: %w", t.table, col, rec.Key, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (t *SQLTarget) knownColumn(col string) bool {
	for _, c := range t.columns {
		if c == col {
			return true
		}
	}
	return false
}

func (t *SQLTarget) placeholder(n int) string {
	if t.postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}
