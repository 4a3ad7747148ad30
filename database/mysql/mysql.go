package mysql

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	driver "github.com/go-sql-driver/mysql"

	"github.com/sievedata/sieve/database"
	"github.com/sievedata/sieve/detect"
)

type MysqlDatabase struct {
	config  database.Config
	db      *sql.DB
	logger  database.Logger
	mu      sync.Mutex
	columns map[string]bool
}

func NewDatabase(config database.Config, logger database.Logger) (*MysqlDatabase, error) {
	if logger == nil {
		logger = database.NullLogger{}
	}
	db, err := sql.Open("mysql", mysqlBuildDSN(config))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}

	d := &MysqlDatabase{
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

func (d *MysqlDatabase) initSchema() error {
	_, err := d.db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGINT PRIMARY KEY AUTO_INCREMENT,
		username VARCHAR(255) NOT NULL,
		sys_ingested_at VARCHAR(64) NOT NULL,
		t_stamp VARCHAR(64),
		UNIQUE KEY uniq_sys_ingested_at (sys_ingested_at)
	)`, database.Table))
	if err != nil {
		return fmt.Errorf("mysql: init schema: %w", err)
	}
	return d.loadColumns()
}

func (d *MysqlDatabase) loadColumns() error {
	rows, err := d.db.Query(
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = DATABASE() AND table_name = ?`, database.Table)
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

// MySQL cannot unique-index a bare TEXT column, so string-ish tags get a
// bounded VARCHAR instead.
func columnType(tag detect.Tag) string {
	switch tag {
	case detect.TagBoolean:
		return "TINYINT(1)"
	case detect.TagFloat:
		return "DOUBLE"
	case detect.TagURL, detect.TagString, detect.TagNull:
		return "VARCHAR(1024)"
	case detect.TagTimestamp:
		return "VARCHAR(64)"
	default:
		return detect.SQLType(tag)
	}
}

func (d *MysqlDatabase) EnsureColumn(name string, tag detect.Tag, unique bool) error {
	if !database.ValidIdent(name) {
		return fmt.Errorf("mysql: %w: %q", database.ErrInvalidIdent, name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.columns[name] || database.MandatoryColumns[name] {
		return nil
	}

	colType := columnType(tag)
	if _, err := d.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", database.Table, name, colType)); err != nil {
		var myErr *driver.MySQLError
		// 1060: duplicate column name (another feeder won the race)
		if !errors.As(err, &myErr) || myErr.Number != 1060 {
			return fmt.Errorf("mysql: add column %s: %w", name, err)
		}
	}
	d.columns[name] = true
	d.logger.Printf("added column %s (%s)", name, colType)

	if unique && name != "username" && name != "t_stamp" {
		query := fmt.Sprintf("CREATE UNIQUE INDEX idx_%s ON %s(%s)", name, database.Table, name)
		if _, err := d.db.Exec(query); err != nil {
			d.logger.Printf("unique index on %s not created: %s", name, err)
		} else {
			d.logger.Printf("added unique index on %s", name)
		}
	}
	return nil
}

func (d *MysqlDatabase) Insert(record map[string]any) error {
	columns, values := database.InsertColumns(record)
	query := database.BuildInsert(database.Table, columns, func(int) string { return "?" })

	if _, err := d.db.Exec(query, values...); err != nil {
		var myErr *driver.MySQLError
		if errors.As(err, &myErr) && myErr.Number == 1062 {
			return fmt.Errorf("mysql: %w: %v", database.ErrDuplicate, err)
		}
		return fmt.Errorf("mysql: insert: %w", err)
	}
	return nil
}

func (d *MysqlDatabase) DB() *sql.DB {
	return d.db
}

func (d *MysqlDatabase) Close() error {
	return d.db.Close()
}

func mysqlBuildDSN(config database.Config) string {
	c := driver.NewConfig()
	c.User = config.User
	c.Passwd = config.Password
	c.DBName = config.DbName
	if config.Socket == "" {
		c.Net = "tcp"
		c.Addr = fmt.Sprintf("%s:%d", config.Host, config.Port)
	} else {
		c.Net = "unix"
		c.Addr = config.Socket
	}
	return c.FormatDSN()
}
