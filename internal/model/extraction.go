package model

// EmailTypeEvidence marks an email that only supports other transactions.
const EmailTypeEvidence = "evidence"

// ExtractionResult is the decoded response of the model capability.
type ExtractionResult struct {
	IsTransactional         bool             `json:"isTransactional"`
	EmailType               string           `json:"emailType"`
	Transactions            []map[string]any `json:"transactions"`
	DiscussionSummary       string           `json:"discussionSummary,omitempty"`
	RelatedReferenceNumbers []string         `json:"relatedReferenceNumbers,omitempty"`
	Confidence              float64          `json:"confidence,omitempty"`
}
