package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// resultSchema is the minimal shape every extraction response must have,
// whatever the prompt's own schema adds.
const resultSchema = `{
  "type": "object",
  "required": ["isTransactional", "transactions"],
  "properties": {
    "isTransactional": {"type": "boolean"},
    "emailType": {"type": "string"},
    "transactions": {"type": "array", "items": {"type": "object"}},
    "discussionSummary": {"type": "string"},
    "relatedReferenceNumbers": {"type": "array", "items": {"type": "string"}},
    "confidence": {"type": "number"}
  }
}`

// Validator checks model output against JSON schemas, compiling each
// distinct schema once.
type Validator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewValidator creates an empty Validator.
func NewValidator() *Validator {
	return &Validator{compiled: make(map[string]*jsonschema.Schema)}
}

// Validate checks data against the base result schema and, when non-empty,
// the prompt's schema.
func (v *Validator) Validate(schema string, data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return eris.Wrap(err, "extract: response is not valid JSON")
	}

	base, err := v.compile(resultSchema)
	if err != nil {
		return err
	}
	if err := base.Validate(doc); err != nil {
		return eris.Wrap(err, "extract: response does not match result shape")
	}

	if strings.TrimSpace(schema) == "" {
		return nil
	}
	s, err := v.compile(schema)
	if err != nil {
		return err
	}
	if err := s.Validate(doc); err != nil {
		return eris.Wrap(err, "extract: response does not match prompt schema")
	}
	return nil
}

func (v *Validator) compile(schema string) (*jsonschema.Schema, error) {
	sum := sha256.Sum256([]byte(schema))
	key := hex.EncodeToString(sum[:])

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.compiled[key]; ok {
		return s, nil
	}

	compiler := jsonschema.NewCompiler()
	url := key + ".json"
	if err := compiler.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, eris.Wrap(err, "extract: add schema")
	}
	s, err := compiler.Compile(url)
	if err != nil {
		return nil, eris.Wrap(err, "extract: compile schema")
	}
	v.compiled[key] = s
	return s, nil
}
