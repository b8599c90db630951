package extract

import (
	"context"
	"errors"

	"github.com/sells-group/email-extract/internal/model"
	"github.com/sells-group/email-extract/internal/resilience"
	"github.com/sells-group/email-extract/pkg/anthropic"
)

// ExtractionError is a model-call failure with its classification.
type ExtractionError struct {
	Kind model.ErrorKind
	Err  error
}

func (e *ExtractionError) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

func schemaError(err error) error {
	return &ExtractionError{Kind: model.ErrorKindSchemaValidation, Err: err}
}

// Classify maps an extraction failure to its error kind.
func Classify(err error) model.ErrorKind {
	if err == nil {
		return ""
	}

	var ee *ExtractionError
	if errors.As(err, &ee) {
		return ee.Kind
	}

	var apiErr *anthropic.APIError
	switch {
	case errors.As(err, &apiErr),
		errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, context.DeadlineExceeded),
		resilience.IsTransient(err):
		return model.ErrorKindAPI
	}
	return model.ErrorKindUnknown
}
