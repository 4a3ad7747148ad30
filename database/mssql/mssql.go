package mssql

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sync"

	driver "github.com/denisenkom/go-mssqldb"

	"github.com/sievedata/sieve/database"
	"github.com/sievedata/sieve/detect"
)

type MssqlDatabase struct {
	config  database.Config
	db      *sql.DB
	logger  database.Logger
	mu      sync.Mutex
	columns map[string]bool
}

func NewDatabase(config database.Config, logger database.Logger) (*MssqlDatabase, error) {
	if logger == nil {
		logger = database.NullLogger{}
	}
	db, err := sql.Open("sqlserver", mssqlBuildDSN(config))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
	}

	d := &MssqlDatabase{
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

func (d *MssqlDatabase) initSchema() error {
	query := fmt.Sprintf(`IF OBJECT_ID(N'dbo.%s', N'U') IS NULL
	CREATE TABLE dbo.%s (
		id BIGINT IDENTITY(1,1) PRIMARY KEY,
		username NVARCHAR(255) NOT NULL,
		sys_ingested_at NVARCHAR(64) NOT NULL UNIQUE,
		t_stamp NVARCHAR(64)
	)`, database.Table, database.Table)
	if _, err := d.db.Exec(query); err != nil {
		return fmt.Errorf("mssql: init schema: %w", err)
	}
	return d.loadColumns()
}

func (d *MssqlDatabase) loadColumns() error {
	rows, err := d.db.Query(
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = 'dbo' AND table_name = @p1`, database.Table)
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

// TIMESTAMP is rowversion on SQL Server, so timestamps become DATETIME2-ish
// strings; TEXT columns become NVARCHAR.
func columnType(tag detect.Tag) string {
	switch tag {
	case detect.TagBoolean:
		return "BIT"
	case detect.TagFloat:
		return "FLOAT"
	case detect.TagTimestamp:
		return "NVARCHAR(64)"
	case detect.TagURL, detect.TagString, detect.TagNull:
		return "NVARCHAR(1024)"
	default:
		return detect.SQLType(tag)
	}
}

func (d *MssqlDatabase) EnsureColumn(name string, tag detect.Tag, unique bool) error {
	if !database.ValidIdent(name) {
		return fmt.Errorf("mssql: %w: %q", database.ErrInvalidIdent, name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.columns[name] || database.MandatoryColumns[name] {
		return nil
	}

	colType := columnType(tag)
	if _, err := d.db.Exec(fmt.Sprintf("ALTER TABLE dbo.%s ADD %s %s", database.Table, name, colType)); err != nil {
		return fmt.Errorf("mssql: add column %s: %w", name, err)
	}
	d.columns[name] = true
	d.logger.Printf("added column %s (%s)", name, colType)

	if unique && name != "username" && name != "t_stamp" {
		query := fmt.Sprintf("CREATE UNIQUE INDEX idx_%s ON dbo.%s(%s)", name, database.Table, name)
		if _, err := d.db.Exec(query); err != nil {
			d.logger.Printf("unique index on %s not created: %s", name, err)
		} else {
			d.logger.Printf("added unique index on %s", name)
		}
	}
	return nil
}

func (d *MssqlDatabase) Insert(record map[string]any) error {
	columns, values := database.InsertColumns(record)
	query := database.BuildInsert("dbo."+database.Table, columns, func(i int) string {
		return fmt.Sprintf("@p%d", i)
	})

	if _, err := d.db.Exec(query, values...); err != nil {
		var msErr driver.Error
		if errors.As(err, &msErr) && (msErr.Number == 2627 || msErr.Number == 2601) {
			return fmt.Errorf("mssql: %w: %v", database.ErrDuplicate, err)
		}
		return fmt.Errorf("mssql: insert: %w", err)
	}
	return nil
}

func (d *MssqlDatabase) DB() *sql.DB {
	return d.db
}

func (d *MssqlDatabase) Close() error {
	return d.db.Close()
}

func mssqlBuildDSN(config database.Config) string {
	query := url.Values{}
	query.Add("database", config.DbName)

	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(config.User, config.Password),
		Host:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		RawQuery: query.Encode(),
	}
	return u.String()
}
