// Package account resolves raw account identifiers extracted from emails to
// canonical account records, creating new accounts when nothing matches.
package account

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/sells-group/email-extract/internal/model"
)

// suffixLen is the number of trailing digits compared in a suffix match.
const suffixLen = 4

// Store is the persistence surface the resolver needs.
type Store interface {
	ListAccounts(ctx context.Context) ([]model.Account, error)
	InsertAccounts(ctx context.Context, accounts []model.Account) error
}

// Resolver is a per-run account index. It is seeded once from every stored
// account and must not be shared across runs.
type Resolver struct {
	store Store
	log   *zap.Logger

	mu       sync.Mutex
	byNumber map[string]string
	numbers  []numberEntry
	byName   map[string]string
	memo     map[string]string
	pending  []model.Account
	fold     cases.Caser

	flushMu sync.Mutex

	newID func() string
	now   func() time.Time
}

type numberEntry struct {
	digits    string
	accountID string
}

// NewResolver seeds a resolver from all existing accounts.
func NewResolver(ctx context.Context, st Store, log *zap.Logger) (*Resolver, error) {
	accounts, err := st.ListAccounts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "account: seed resolver")
	}
	if log == nil {
		log = zap.L()
	}

	r := &Resolver{
		store:    st,
		log:      log,
		byNumber: make(map[string]string, len(accounts)),
		byName:   make(map[string]string, len(accounts)),
		memo:     make(map[string]string),
		fold:     cases.Fold(),
		newID:    func() string { return uuid.New().String() },
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, a := range accounts {
		r.index(a)
	}
	log.Debug("account: resolver seeded", zap.Int("accounts", len(accounts)))
	return r, nil
}

// Resolve returns the account id for the identifiers, creating and queueing a
// new account when no existing one matches. It returns false when the
// identifiers carry nothing to match on.
func (r *Resolver) Resolve(ids model.AccountIdentifiers, isExternal bool) (string, bool) {
	ids = trimIdentifiers(ids)
	if ids.Empty() {
		return "", false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := ids.Name + "|" + ids.Institution + "|" + ids.MaskedNumber
	if id, ok := r.memo[key]; ok {
		return id, true
	}

	id := r.match(ids)
	if id == "" {
		acct := model.Account{
			ID:           r.newID(),
			DisplayName:  displayName(ids),
			Institution:  ids.Institution,
			MaskedNumber: ids.MaskedNumber,
			IsExternal:   isExternal,
			CreatedAt:    r.now(),
		}
		r.index(acct)
		r.pending = append(r.pending, acct)
		id = acct.ID
	}

	r.memo[key] = id
	return id, true
}

func (r *Resolver) match(ids model.AccountIdentifiers) string {
	digits := NormalizeNumber(ids.MaskedNumber)
	if digits != "" {
		if id, ok := r.byNumber[digits]; ok {
			return id
		}
		if len(digits) >= suffixLen {
			suffix := digits[len(digits)-suffixLen:]
			var found string
			matches := 0
			for _, e := range r.numbers {
				if strings.HasSuffix(e.digits, suffix) {
					if found == "" {
						found = e.accountID
					}
					matches++
				}
			}
			if matches > 1 {
				r.log.Warn("account: ambiguous suffix match, using first",
					zap.String("suffix", suffix),
					zap.Int("candidates", matches),
					zap.String("account_id", found),
				)
			}
			if found != "" {
				return found
			}
		}
	}

	if ids.Name != "" {
		if id, ok := r.byName[r.fold.String(ids.Name)]; ok {
			return id
		}
	}
	return ""
}

func (r *Resolver) index(a model.Account) {
	if digits := NormalizeNumber(a.MaskedNumber); digits != "" {
		if _, ok := r.byNumber[digits]; !ok {
			r.byNumber[digits] = a.ID
			r.numbers = append(r.numbers, numberEntry{digits: digits, accountID: a.ID})
		}
	}
	if a.DisplayName != "" {
		name := r.fold.String(strings.TrimSpace(a.DisplayName))
		if _, ok := r.byName[name]; !ok {
			r.byName[name] = a.ID
		}
	}
}

// Pending returns the number of created accounts not yet written.
func (r *Resolver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Flush writes queued accounts in one batch. The flush lock is held for the
// whole write so that a caller returning from Flush knows every account it
// resolved is durable, even when another item queued it.
func (r *Resolver) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := r.store.InsertAccounts(ctx, batch); err != nil {
		r.mu.Lock()
		r.pending = append(batch, r.pending...)
		r.mu.Unlock()
		return eris.Wrapf(err, "account: flush %d accounts", len(batch))
	}
	r.log.Debug("account: flushed new accounts", zap.Int("count", len(batch)))
	return nil
}

// NormalizeNumber reduces a masked or raw account number to its digits, so
// "****1234" and "XXXX-1234" compare equal.
func NormalizeNumber(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

func trimIdentifiers(ids model.AccountIdentifiers) model.AccountIdentifiers {
	return model.AccountIdentifiers{
		Name:         strings.TrimSpace(ids.Name),
		Institution:  strings.TrimSpace(ids.Institution),
		MaskedNumber: strings.TrimSpace(ids.MaskedNumber),
	}
}

func displayName(ids model.AccountIdentifiers) string {
	if ids.Name != "" {
		return ids.Name
	}
	parts := make([]string, 0, 2)
	if ids.Institution != "" {
		parts = append(parts, ids.Institution)
	}
	if digits := NormalizeNumber(ids.MaskedNumber); len(digits) >= suffixLen {
		parts = append(parts, "****"+digits[len(digits)-suffixLen:])
	} else {
		parts = append(parts, ids.MaskedNumber)
	}
	return strings.Join(parts, " ")
}
