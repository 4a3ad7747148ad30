package sqlite3

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/sievedata/sieve/database"
	"github.com/sievedata/sieve/detect"
)

type Sqlite3Database struct {
	config  database.Config
	db      *sql.DB
	logger  database.Logger
	mu      sync.Mutex
	columns map[string]bool
}

func NewDatabase(config database.Config, logger database.Logger) (*Sqlite3Database, error) {
	if logger == nil {
		logger = database.NullLogger{}
	}
	db, err := sql.Open("sqlite", config.DbName)
	if err != nil {
		return nil, err
	}

	d := &Sqlite3Database{
		db:      db,
		config:  config,
		logger:  logger,
		columns: map[string]bool{},
	}
	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *Sqlite3Database) initSchema() error {
	_, err := d.db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL,
		sys_ingested_at TIMESTAMP NOT NULL,
		t_stamp TEXT,
		UNIQUE(sys_ingested_at)
	)`, database.Table))
	if err != nil {
		return fmt.Errorf("sqlite3: init schema: %w", err)
	}
	return d.loadColumns()
}

func (d *Sqlite3Database) loadColumns() error {
	rows, err := d.db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, database.Table))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return err
		}
		d.columns[name] = true
	}
	return rows.Err()
}

// EnsureColumn adds a column on first appearance of a SQL-placed field.
// The unique index is best-effort: existing duplicate values make it fail,
// which is logged and ignored.
func (d *Sqlite3Database) EnsureColumn(name string, tag detect.Tag, unique bool) error {
	if !database.ValidIdent(name) {
		return fmt.Errorf("sqlite3: %w: %q", database.ErrInvalidIdent, name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.columns[name] || database.MandatoryColumns[name] {
		return nil
	}

	colType := detect.SQLType(tag)
	if _, err := d.db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, database.Table, name, colType)); err != nil {
		return fmt.Errorf("sqlite3: add column %s: %w", name, err)
	}
	d.columns[name] = true
	d.logger.Printf("added column %s (%s)", name, colType)

	if unique && name != "username" && name != "t_stamp" {
		query := fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s ON %s(%s)`, name, database.Table, name)
		if _, err := d.db.Exec(query); err != nil {
			d.logger.Printf("unique index on %s not created: %s", name, err)
		} else {
			d.logger.Printf("added unique index on %s", name)
		}
	}
	return nil
}

func (d *Sqlite3Database) Insert(record map[string]any) error {
	columns, values := database.InsertColumns(record)
	query := database.BuildInsert(database.Table, columns, func(int) string { return "?" })

	if _, err := d.db.Exec(query, values...); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("sqlite3: %w: %v", database.ErrDuplicate, err)
		}
		return fmt.Errorf("sqlite3: insert: %w", err)
	}
	return nil
}

func (d *Sqlite3Database) DB() *sql.DB {
	return d.db
}

func (d *Sqlite3Database) Close() error {
	return d.db.Close()
}
