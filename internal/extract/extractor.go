package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/email-extract/internal/cost"
	"github.com/sells-group/email-extract/internal/model"
	"github.com/sells-group/email-extract/internal/resilience"
	"github.com/sells-group/email-extract/pkg/anthropic"
)

// Request is one call to the model capability.
type Request struct {
	Email         model.Email
	ModelID       string
	PromptContent string
	JSONSchema    string
}

// Response is the decoded model output. RawOutput and Usage are set even
// when Extract also returns a validation error.
type Response struct {
	Result    *model.ExtractionResult
	RawOutput string
	Usage     cost.Usage
}

// Extractor is the model capability boundary. Implementations do not retry.
type Extractor interface {
	Extract(ctx context.Context, req Request) (*Response, error)
}

const defaultMaxTokens = 4096

// AnthropicExtractor implements Extractor with the Anthropic Messages API.
type AnthropicExtractor struct {
	client    anthropic.Client
	validator *Validator
	maxTokens int64
}

// NewAnthropicExtractor creates an extractor. maxTokens <= 0 uses the default.
func NewAnthropicExtractor(client anthropic.Client, validator *Validator, maxTokens int64) *AnthropicExtractor {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if validator == nil {
		validator = NewValidator()
	}
	return &AnthropicExtractor{client: client, validator: validator, maxTokens: maxTokens}
}

func (e *AnthropicExtractor) Extract(ctx context.Context, req Request) (*Response, error) {
	system := req.PromptContent
	if strings.TrimSpace(req.JSONSchema) != "" {
		system += "\n\nRespond with a single JSON object that matches this JSON schema. Do not add commentary.\n\n" + req.JSONSchema
	} else {
		system += "\n\nRespond with a single JSON object. Do not add commentary."
	}

	resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     req.ModelID,
		MaxTokens: e.maxTokens,
		System:    anthropic.CachedSystemBlocks(system),
		Messages: []anthropic.Message{
			{Role: "user", Content: formatEmail(req.Email)},
		},
	})
	if err != nil {
		var apiErr *anthropic.APIError
		if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			return nil, resilience.NewTransientError(err, apiErr.StatusCode)
		}
		return nil, err
	}

	out := &Response{
		RawOutput: resp.Text(),
		Usage: cost.Usage{
			InputTokens:      resp.Usage.InputTokens,
			OutputTokens:     resp.Usage.OutputTokens,
			CacheWriteTokens: resp.Usage.CacheCreationInputTokens,
			CacheReadTokens:  resp.Usage.CacheReadInputTokens,
		},
	}

	cleaned := cleanJSON(out.RawOutput)
	if err := e.validator.Validate(req.JSONSchema, []byte(cleaned)); err != nil {
		return out, schemaError(err)
	}

	var result model.ExtractionResult
	if err := json.Unmarshal([]byte(cleaned), &result); err != nil {
		return out, schemaError(eris.Wrap(err, "extract: decode result"))
	}
	out.Result = &result
	return out, nil
}

func formatEmail(e model.Email) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n", e.Subject)
	fmt.Fprintf(&b, "From: %s\n", e.Sender)
	if e.Recipients != "" {
		fmt.Fprintf(&b, "To: %s\n", e.Recipients)
	}
	if !e.ReceivedAt.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n", e.ReceivedAt.UTC().Format(time.RFC1123Z))
	}
	b.WriteString("\n")
	b.WriteString(e.Body)
	return b.String()
}

// cleanJSON strips markdown fences and any prose around the outermost
// JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
