package model

import "time"

// Email is a single message belonging to a collection.
type Email struct {
	ID           string    `json:"id"`
	CollectionID string    `json:"collection_id"`
	Subject      string    `json:"subject"`
	Sender       string    `json:"sender"`
	Recipients   string    `json:"recipients,omitempty"`
	Body         string    `json:"body"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Prompt pairs the instruction text sent to the model with the JSON schema
// the response must satisfy.
type Prompt struct {
	ID         string    `json:"id" yaml:"id"`
	Name       string    `json:"name" yaml:"name"`
	Content    string    `json:"content" yaml:"content"`
	JSONSchema string    `json:"json_schema" yaml:"json_schema"`
	CreatedAt  time.Time `json:"created_at" yaml:"-"`
}
