package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/lib/pq"

	"github.com/sievedata/sieve/database"
	"github.com/sievedata/sieve/detect"
)

type PostgresDatabase struct {
	config  database.Config
	db      *sql.DB
	logger  database.Logger
	mu      sync.Mutex
	columns map[string]bool
}

func NewDatabase(config database.Config, logger database.Logger) (*PostgresDatabase, error) {
	if logger == nil {
		logger = database.NullLogger{}
	}
	db, err := sql.Open("postgres", postgresBuildDSN(config))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	d := &PostgresDatabase{
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

func (d *PostgresDatabase) initSchema() error {
	_, err := d.db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL,
		sys_ingested_at TEXT NOT NULL UNIQUE,
		t_stamp TEXT
	)`, database.Table))
	if err != nil {
		return fmt.Errorf("postgres: init schema: %w", err)
	}
	return d.loadColumns()
}

func (d *PostgresDatabase) loadColumns() error {
	rows, err := d.db.Query(
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = 'public' AND table_name = $1`, database.Table)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		d.columns[name] = true
	}
	return rows.Err()
}

func columnType(tag detect.Tag) string {
	if tag == detect.TagFloat {
		return "DOUBLE PRECISION"
	}
	return detect.SQLType(tag)
}

func (d *PostgresDatabase) EnsureColumn(name string, tag detect.Tag, unique bool) error {
	if !database.ValidIdent(name) {
		return fmt.Errorf("postgres: %w: %q", database.ErrInvalidIdent, name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.columns[name] || database.MandatoryColumns[name] {
		return nil
	}

	colType := columnType(tag)
	query := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s`, database.Table, name, colType)
	if _, err := d.db.Exec(query); err != nil {
		return fmt.Errorf("postgres: add column %s: %w", name, err)
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

func (d *PostgresDatabase) Insert(record map[string]any) error {
	columns, values := database.InsertColumns(record)
	query := database.BuildInsert(database.Table, columns, func(i int) string {
		return fmt.Sprintf("$%d", i)
	})

	if _, err := d.db.Exec(query, values...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("postgres: %w: %v", database.ErrDuplicate, err)
		}
		return fmt.Errorf("postgres: insert: %w", err)
	}
	return nil
}

func (d *PostgresDatabase) DB() *sql.DB {
	return d.db
}

func (d *PostgresDatabase) Close() error {
	return d.db.Close()
}

func postgresBuildDSN(config database.Config) string {
	host := config.Host
	if config.Socket != "" {
		host = config.Socket
	}
	sslMode := config.SslMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, config.Port, config.User, config.Password, config.DbName, sslMode,
	)
}
