package sieve

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
source_url: http://feed.example.com:9000
sql_type: postgres
sql_db: telemetry
user: ingest
port: 5433
feeders: 4
delay_seconds: 0.5
placement:
  freq_high: 0.9
`), 0644))

	config, err := ParseConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "http://feed.example.com:9000", config.SourceURL)
	assert.Equal(t, "postgres", config.SQLType)
	assert.Equal(t, "telemetry", config.SQLDb)
	assert.Equal(t, 4, config.Feeders)
	assert.Equal(t, 500*time.Millisecond, config.Delay())
	assert.Equal(t, 0.9, config.Placement.FreqHigh)

	// Keys absent from the file keep their defaults.
	assert.Equal(t, "metadata.json", config.MetadataFile)
	assert.Equal(t, 10, config.BatchSize)
	assert.Equal(t, 0.85, config.Placement.StabStable)
}

func TestParseConfigRejectsUnknownKeys(t *testing.T) {
	_, err := parseConfigData([]byte("sql_tpye: mysql\n"))
	assert.Error(t, err)
}

func TestParseConfigRejectsBadBatchSize(t *testing.T) {
	_, err := parseConfigData([]byte("batch_size: 0\n"))
	assert.Error(t, err)
}

func TestParseConfigMissingFile(t *testing.T) {
	_, err := ParseConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestDatabaseConfig(t *testing.T) {
	config := DefaultConfig()
	config.SQLDb = "telemetry"
	config.User = "ingest"

	dbConfig := config.databaseConfig()
	assert.Equal(t, "telemetry", dbConfig.DbName)
	assert.Equal(t, "ingest", dbConfig.User)
	assert.Equal(t, "127.0.0.1", dbConfig.Host)
}
