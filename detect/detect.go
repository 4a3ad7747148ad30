// Package detect classifies scalar values into semantic tags, going beyond
// what a plain type switch would yield. It tells an IPv4-looking string apart
// from a float with a dot.
package detect

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

type Tag string

const (
	TagNull      Tag = "null"
	TagBoolean   Tag = "boolean"
	TagInteger   Tag = "integer"
	TagFloat     Tag = "float"
	TagString    Tag = "string"
	TagIPAddress Tag = "ip_address"
	TagUUID      Tag = "uuid"
	TagEmail     Tag = "email"
	TagURL       Tag = "url"
	TagTimestamp Tag = "timestamp"
	TagList      Tag = "list"
	TagDict      Tag = "dict"
	TagUnknown   Tag = "unknown"

	// Never produced by Detect, but a member of the semantic set because the
	// normalizer canonicalizes phone-ish keys to it.
	TagPhone Tag = "phone"
)

var (
	ipPattern           = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)
	uuidPattern         = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	emailPattern        = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	urlPattern          = regexp.MustCompile(`^https?://[^\s]+$`)
	isoTimestampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}`)
)

// Detect returns the semantic tag for a value. The order of checks matters:
// booleans before integers, and semantic string patterns before the generic
// string fallback, so that "1.2" stays a string and "1.2.3.4" becomes an IP.
func Detect(value any) Tag {
	switch v := value.(type) {
	case nil:
		return TagNull
	case bool:
		return TagBoolean
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TagInteger
	case float32:
		return TagFloat
	case float64:
		return TagFloat
	case json.Number:
		if _, err := strconv.ParseInt(v.String(), 10, 64); err == nil {
			return TagInteger
		}
		return TagFloat
	case []any:
		return TagList
	case map[string]any:
		return TagDict
	case string:
		return detectString(v)
	default:
		return TagUnknown
	}
}

func detectString(s string) Tag {
	if s == "" {
		return TagString
	}
	if uuidPattern.MatchString(s) {
		return TagUUID
	}
	if ipPattern.MatchString(s) && validOctets(s) {
		return TagIPAddress
	}
	if emailPattern.MatchString(s) {
		return TagEmail
	}
	if urlPattern.MatchString(s) {
		return TagURL
	}
	if isoTimestampPattern.MatchString(s) {
		return TagTimestamp
	}
	return TagString
}

// validOctets guards against strings like "999.1.1.1" that match the shape
// of an IP but have out-of-range parts.
func validOctets(s string) bool {
	for _, part := range strings.Split(s, ".") {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}

// Semantic reports whether a tag carries meaning beyond its primitive shape.
// Semantic dominant types act as booster signals for SQL placement.
func Semantic(tag Tag) bool {
	switch tag {
	case TagUUID, TagEmail, TagIPAddress, TagTimestamp, TagURL, TagPhone:
		return true
	}
	return false
}

// SQLCompatible reports whether a tag is atomic enough for a relational column.
func SQLCompatible(tag Tag) bool {
	switch tag {
	case TagNull, TagBoolean, TagInteger, TagFloat, TagIPAddress,
		TagUUID, TagEmail, TagURL, TagTimestamp, TagString:
		return true
	}
	return false
}

// SQLType maps a tag to its generic relational column type. A null tag maps
// to TEXT as a placeholder; tags do not migrate once a column exists.
func SQLType(tag Tag) string {
	switch tag {
	case TagBoolean:
		return "BOOLEAN"
	case TagInteger:
		return "INTEGER"
	case TagFloat:
		return "REAL"
	case TagIPAddress:
		return "VARCHAR(15)"
	case TagUUID:
		return "VARCHAR(36)"
	case TagEmail:
		return "VARCHAR(255)"
	case TagTimestamp:
		return "TIMESTAMP"
	case TagURL, TagString, TagNull:
		return "TEXT"
	default:
		return "TEXT"
	}
}
