package dispatch

import "sync"

// Token is a one-shot cancellation signal for one run.
type Token struct {
	once sync.Once
	ch   chan struct{}
}

// NewToken returns an untriggered token.
func NewToken() *Token {
	return &Token{ch: make(chan struct{})}
}

// Cancel triggers the token. Calling it more than once is safe.
func (t *Token) Cancel() {
	t.once.Do(func() { close(t.ch) })
}

// Cancelled reports whether Cancel has been called.
func (t *Token) Cancelled() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Done is closed when the token is cancelled.
func (t *Token) Done() <-chan struct{} {
	return t.ch
}

// Registry tracks the tokens of runs executing in this process, keyed by
// run id.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tokens: make(map[string]*Token)}
}

// Register claims runID for an executor. It returns false if the run is
// already executing in this process.
func (r *Registry) Register(runID string) (*Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tokens[runID]; ok {
		return nil, false
	}
	t := NewToken()
	r.tokens[runID] = t
	return t, true
}

// Release drops the claim on runID.
func (r *Registry) Release(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, runID)
}

// Active reports whether runID is executing in this process.
func (r *Registry) Active(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tokens[runID]
	return ok
}

// Cancel triggers the token for runID. It returns false if the run is not
// executing in this process.
func (r *Registry) Cancel(runID string) bool {
	r.mu.Lock()
	t, ok := r.tokens[runID]
	r.mu.Unlock()
	if ok {
		t.Cancel()
	}
	return ok
}
