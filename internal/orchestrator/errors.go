package orchestrator

import "github.com/rotisserie/eris"

var (
	// ErrNotFound is returned when the run (or its prompt) does not exist.
	ErrNotFound = eris.New("orchestrator: not found")
	// ErrInvalidState is returned when a run cannot make the requested
	// transition, such as resuming a completed run.
	ErrInvalidState = eris.New("orchestrator: invalid run state")
	// ErrInvalidRequest is returned for malformed start requests.
	ErrInvalidRequest = eris.New("orchestrator: invalid request")
)
