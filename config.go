package sieve

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/sievedata/sieve/database"
	"github.com/sievedata/sieve/placement"
)

// Config is the YAML-driven process configuration. Unknown keys are rejected
// so typos surface at startup instead of silently using defaults.
type Config struct {
	SourceURL    string `yaml:"source_url"`
	MetadataFile string `yaml:"metadata_file"`

	// SQLType selects the relational adapter: sqlite3, postgres, mysql,
	// mssql, or none.
	SQLType  string `yaml:"sql_type"`
	SQLDb    string `yaml:"sql_db"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Socket   string `yaml:"socket"`
	SslMode  string `yaml:"ssl_mode"`

	DocURI string `yaml:"doc_uri"`
	DocDb  string `yaml:"doc_db"`

	BatchSize    int     `yaml:"batch_size"`
	TotalBatches int     `yaml:"total_batches"`
	DelaySeconds float64 `yaml:"delay_seconds"`
	Feeders      int     `yaml:"feeders"`

	Placement placement.Thresholds `yaml:"placement"`
}

func DefaultConfig() Config {
	return Config{
		SourceURL:    "http://localhost:8000",
		MetadataFile: "metadata.json",
		SQLType:      "sqlite3",
		SQLDb:        "sieve.db",
		Host:         "127.0.0.1",
		DocURI:       "mongodb://localhost:27017",
		DocDb:        "sieve",
		BatchSize:    10,
		TotalBatches: 10,
		DelaySeconds: 1,
		Feeders:      1,
		Placement:    placement.DefaultThresholds(),
	}
}

// ParseConfig loads path over the defaults; keys absent from the file keep
// their default values.
func ParseConfig(path string) (Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return parseConfigData(buf)
}

func parseConfigData(buf []byte) (Config, error) {
	config := DefaultConfig()
	if err := yaml.UnmarshalStrict(buf, &config); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if config.Feeders < 1 {
		config.Feeders = 1
	}
	if config.BatchSize < 1 {
		return Config{}, fmt.Errorf("parse config: batch_size must be positive, got %d", config.BatchSize)
	}
	return config, nil
}

func (c Config) Delay() time.Duration {
	return time.Duration(c.DelaySeconds * float64(time.Second))
}

func (c Config) databaseConfig() database.Config {
	return database.Config{
		DbName:   c.SQLDb,
		User:     c.User,
		Password: c.Password,
		Host:     c.Host,
		Port:     c.Port,
		Socket:   c.Socket,
		SslMode:  c.SslMode,
	}
}
