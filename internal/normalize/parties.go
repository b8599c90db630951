package normalize

import (
	"strings"
	"unicode"

	"github.com/sells-group/email-extract/internal/model"
)

// Parties are the account identifiers found on one raw transaction.
type Parties struct {
	From         model.AccountIdentifiers
	To           model.AccountIdentifiers
	FromExternal bool
	ToExternal   bool

	// read holds the payload keys that contributed an identifier.
	read map[string]bool
}

type partyKeys struct {
	object      string
	name        string
	institution string
	numbers     []string
}

var (
	fromKeys = partyKeys{
		object:      "fromAccount",
		name:        "accountName",
		institution: "institution",
		numbers:     []string{"maskedAccountNumber", "accountNumber"},
	}
	toKeys = partyKeys{
		object:      "toAccount",
		name:        "toAccountName",
		institution: "toInstitution",
		numbers:     []string{"toAccountNumber"},
	}
)

// ExtractParties reads the source and destination account identifiers from a
// raw payload. A fromAccount/toAccount object or string is read first; flat
// accountName/accountNumber style keys fill whatever it left empty. The
// source defaults to an owned account and the destination to an external one
// unless the payload says otherwise.
func ExtractParties(raw map[string]any) Parties {
	p := Parties{ToExternal: true, read: map[string]bool{}}

	var ext *bool
	p.From, ext = p.side(raw, fromKeys)
	if ext != nil {
		p.FromExternal = *ext
	}
	p.To, ext = p.side(raw, toKeys)
	if ext != nil {
		p.ToExternal = *ext
	}
	return p
}

// Read reports whether key was used to build the identifiers.
func (p Parties) Read(key string) bool {
	return p.read[key]
}

func (p Parties) side(raw map[string]any, keys partyKeys) (model.AccountIdentifiers, *bool) {
	var ids model.AccountIdentifiers
	var ext *bool

	switch v := raw[keys.object].(type) {
	case map[string]any:
		var whole bool
		ids, whole = identifiersFromObject(v)
		if b, ok := v["isExternal"].(bool); ok {
			ext = &b
		}
		if whole {
			p.read[keys.object] = true
		}
	case string:
		ids = identifiersFromString(v)
		if !ids.Empty() {
			p.read[keys.object] = true
		}
	}

	if ids.Name == "" {
		ids.Name = p.flat(raw, keys.name)
	}
	if ids.Institution == "" {
		ids.Institution = p.flat(raw, keys.institution)
	}
	if ids.MaskedNumber == "" {
		for _, k := range keys.numbers {
			if ids.MaskedNumber = p.flat(raw, k); ids.MaskedNumber != "" {
				break
			}
		}
	}
	return ids, ext
}

func (p Parties) flat(raw map[string]any, key string) string {
	s := str(raw, key)
	if s != "" {
		p.read[key] = true
	}
	return s
}

// identifiersFromObject reads an account object. The bool reports whether
// every key of the object was used; objects carrying anything else stay in
// Data whole.
func identifiersFromObject(obj map[string]any) (model.AccountIdentifiers, bool) {
	used := 0
	first := func(keys ...string) string {
		for _, k := range keys {
			if v := str(obj, k); v != "" {
				used++
				return v
			}
		}
		return ""
	}
	ids := model.AccountIdentifiers{
		Name:         first("name", "displayName"),
		Institution:  first("institution", "bank"),
		MaskedNumber: first("maskedNumber", "number", "last4"),
	}
	if _, ok := obj["isExternal"].(bool); ok {
		used++
	}
	return ids, used > 0 && used == len(obj)
}

// identifiersFromString splits a free-text account such as
// "Chase Checking ****1234" into a display name and a masked number.
func identifiersFromString(s string) model.AccountIdentifiers {
	var ids model.AccountIdentifiers
	var name []string
	for _, tok := range strings.Fields(s) {
		if ids.MaskedNumber == "" && isAccountNumber(tok) {
			ids.MaskedNumber = tok
			continue
		}
		name = append(name, tok)
	}
	ids.Name = strings.Join(name, " ")
	return ids
}

// isAccountNumber accepts tokens made of digits and mask characters with at
// least four digits, e.g. "****1234", "XXXX-1234", "#1234".
func isAccountNumber(tok string) bool {
	digits := 0
	for _, r := range tok {
		switch {
		case unicode.IsDigit(r):
			digits++
		case strings.ContainsRune("*xX#-•.", r):
		default:
			return false
		}
	}
	return digits >= 4
}

func str(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(toString(v))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
