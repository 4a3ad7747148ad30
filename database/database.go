// Package database holds the backend abstraction layer. Adapters never make
// placement decisions; they evolve schema and insert what they are given.
package database

import (
	"errors"
	"regexp"

	"github.com/sievedata/sieve/detect"
)

// Table is the single relational table / document collection name.
const Table = "ingested_records"

type Config struct {
	DbName   string
	User     string
	Password string
	Host     string
	Port     int
	Socket   string
	SslMode  string
}

// Relational is the contract the pipeline needs from a SQL backend: evolve
// the schema one column at a time and insert dynamic-column records.
type Relational interface {
	EnsureColumn(name string, tag detect.Tag, unique bool) error
	Insert(record map[string]any) error
	Close() error
}

// Document is the contract for a schemaless backend.
type Document interface {
	Insert(record map[string]any) error
	Close() error
}

// ErrDuplicate marks a unique-constraint violation on sys_ingested_at.
// The pipeline counts these as duplicates instead of failing the record.
var ErrDuplicate = errors.New("duplicate record")

func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// Columns created at startup. EnsureColumn refuses to touch them.
var MandatoryColumns = map[string]bool{
	"id": true, "username": true, "sys_ingested_at": true, "t_stamp": true,
}

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidIdent reports whether a canonical key is safe to splice into DDL.
// Canonical keys are lowercase snake_case by construction; anything else is
// rejected rather than quoted.
func ValidIdent(name string) bool {
	return name != "" && len(name) <= 64 && identPattern.MatchString(name)
}

var ErrInvalidIdent = errors.New("invalid column identifier")
