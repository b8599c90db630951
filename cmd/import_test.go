//go:build !integration

package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadEmails(t *testing.T) {
	input := `{"id":"e1","collection_id":"inbox","subject":"Receipt","body":"Paid $10","received_at":"2024-03-01T10:00:00Z"}

{"id":"e2","collection_id":"inbox","subject":"Hello","body":"hi"}
`
	emails, err := readEmails(strings.NewReader(input), "")
	require.NoError(t, err)
	require.Len(t, emails, 2)
	assert.Equal(t, "e1", emails[0].ID)
	assert.Equal(t, "Receipt", emails[0].Subject)
	assert.Equal(t, 2024, emails[0].ReceivedAt.Year())
	assert.False(t, emails[1].ReceivedAt.IsZero())
}

func TestReadEmails_CollectionOverride(t *testing.T) {
	emails, err := readEmails(strings.NewReader(`{"id":"e1","body":"x"}`), "archive")
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.Equal(t, "archive", emails[0].CollectionID)
}

func TestReadEmails_Errors(t *testing.T) {
	_, err := readEmails(strings.NewReader("{\"id\":\"e1\",\"collection_id\":\"c\"}\nnot json\n"), "")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")

	_, err = readEmails(strings.NewReader(`{"collection_id":"c"}`), "")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "id and collection_id are required")
}

func TestParsePrompt_InlineSchema(t *testing.T) {
	data := []byte(`
id: receipts-v1
name: Receipts
content: |
  Extract every transaction.
schema:
  type: object
  required: [isTransactional]
  properties:
    isTransactional:
      type: boolean
`)
	p, err := parsePrompt(data)
	require.NoError(t, err)
	assert.Equal(t, "receipts-v1", p.ID)
	assert.Equal(t, "Receipts", p.Name)
	assert.Contains(t, p.Content, "Extract every transaction.")
	assert.JSONEq(t, `{"type":"object","required":["isTransactional"],"properties":{"isTransactional":{"type":"boolean"}}}`, p.JSONSchema)
}

func TestParsePrompt_JSONSchemaString(t *testing.T) {
	p, err := parsePrompt([]byte("id: p1\ncontent: Extract.\njson_schema: '{\"type\":\"object\"}'\n"))
	require.NoError(t, err)
	assert.Equal(t, "p1", p.Name)
	assert.JSONEq(t, `{"type":"object"}`, p.JSONSchema)
}

func TestParsePrompt_Errors(t *testing.T) {
	_, err := parsePrompt([]byte("name: missing id\ncontent: x\n"))
	assert.Error(t, err)

	_, err = parsePrompt([]byte("id: p1\ncontent: x\njson_schema: '{not json'\n"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")

	_, err = parsePrompt([]byte("id: p1\ncontent: x\njson_schema: '{}'\nschema:\n  type: object\n"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not both")

	_, err = parsePrompt([]byte("id: [unclosed"))
	assert.Error(t, err)
}
