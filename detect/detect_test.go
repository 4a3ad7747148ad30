package detect

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		expected Tag
	}{
		{
			name:     "nil is null",
			value:    nil,
			expected: TagNull,
		},
		{
			name:     "bool before integer",
			value:    true,
			expected: TagBoolean,
		},
		{
			name:     "integer",
			value:    42,
			expected: TagInteger,
		},
		{
			name:     "float",
			value:    1.2,
			expected: TagFloat,
		},
		{
			name:     "json integer number",
			value:    json.Number("50"),
			expected: TagInteger,
		},
		{
			name:     "json float number",
			value:    json.Number("50.5"),
			expected: TagFloat,
		},
		{
			name:     "list",
			value:    []any{1, 2, 3},
			expected: TagList,
		},
		{
			name:     "dict",
			value:    map[string]any{"key": "value"},
			expected: TagDict,
		},
		{
			name:     "ip address",
			value:    "192.168.1.1",
			expected: TagIPAddress,
		},
		{
			name:     "short dotted ip",
			value:    "1.2.3.4",
			expected: TagIPAddress,
		},
		{
			name:     "two-part dotted string is not an ip",
			value:    "1.2",
			expected: TagString,
		},
		{
			name:     "out-of-range octet is not an ip",
			value:    "999.1.1.1",
			expected: TagString,
		},
		{
			name:     "uuid",
			value:    "550e8400-e29b-41d4-a716-446655440000",
			expected: TagUUID,
		},
		{
			name:     "uppercase uuid",
			value:    "550E8400-E29B-41D4-A716-446655440000",
			expected: TagUUID,
		},
		{
			name:     "email",
			value:    "user@example.com",
			expected: TagEmail,
		},
		{
			name:     "url",
			value:    "https://example.com/path",
			expected: TagURL,
		},
		{
			name:     "iso timestamp",
			value:    "2024-01-15T10:30:00",
			expected: TagTimestamp,
		},
		{
			name:     "plain string",
			value:    "charging",
			expected: TagString,
		},
		{
			name:     "empty string",
			value:    "",
			expected: TagString,
		},
		{
			name:     "unsupported type",
			value:    struct{}{},
			expected: TagUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Detect(tt.value))
		})
	}
}

func TestSQLType(t *testing.T) {
	assert.Equal(t, "VARCHAR(15)", SQLType(Detect("10.0.0.1")))
	assert.Equal(t, "VARCHAR(36)", SQLType(Detect("550e8400-e29b-41d4-a716-446655440000")))
	assert.Equal(t, "INTEGER", SQLType(TagInteger))
	assert.Equal(t, "REAL", SQLType(TagFloat))
	assert.Equal(t, "BOOLEAN", SQLType(TagBoolean))
	assert.Equal(t, "VARCHAR(255)", SQLType(TagEmail))
	assert.Equal(t, "TIMESTAMP", SQLType(TagTimestamp))
	assert.Equal(t, "TEXT", SQLType(TagNull))
	assert.Equal(t, "TEXT", SQLType(TagList))
}

func TestSemantic(t *testing.T) {
	assert.True(t, Semantic(TagUUID))
	assert.True(t, Semantic(TagIPAddress))
	assert.True(t, Semantic(TagEmail))
	assert.True(t, Semantic(TagURL))
	assert.True(t, Semantic(TagTimestamp))
	assert.True(t, Semantic(TagPhone))
	assert.False(t, Semantic(TagInteger))
	assert.False(t, Semantic(TagString))
}

func TestSQLCompatible(t *testing.T) {
	assert.True(t, SQLCompatible(TagInteger))
	assert.True(t, SQLCompatible(TagEmail))
	assert.False(t, SQLCompatible(TagList))
	assert.False(t, SQLCompatible(TagDict))
	assert.False(t, SQLCompatible(TagUnknown))
}
