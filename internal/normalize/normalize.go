// Package normalize maps raw model transaction payloads into the canonical
// transaction row. Fields without a named column are preserved in Data.
package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/email-extract/internal/model"
)

// aliases maps accepted payload keys to the canonical field they fill. The
// first alias present wins.
var aliases = map[string][]string{
	"type":            {"type", "transactionType"},
	"amount":          {"amount", "value"},
	"currency":        {"currency", "currencyCode"},
	"date":            {"date", "transactionDate", "postedDate"},
	"description":     {"description", "memo"},
	"counterparty":    {"counterparty", "merchant", "payee"},
	"referenceNumber": {"referenceNumber", "reference", "confirmationNumber"},
	"category":        {"category"},
}

const additionalDataKey = "additionalData"

// Normalize converts one raw transaction payload into a transaction row.
// It sets no ids beyond the account references; callers stamp run, email,
// and provenance fields.
func Normalize(raw map[string]any, fromAccountID, toAccountID string) model.Transaction {
	tx := model.Transaction{
		AccountID:   fromAccountID,
		ToAccountID: toAccountID,
		Data:        map[string]any{},
	}

	parties := ExtractParties(raw)
	consumed := map[string]bool{}
	pick := func(field string) (any, bool) {
		for _, key := range aliases[field] {
			if v, ok := raw[key]; ok && v != nil {
				consumed[key] = true
				return v, true
			}
		}
		return nil, false
	}

	if v, ok := pick("type"); ok {
		tx.Type = strings.ToLower(strings.TrimSpace(toString(v)))
	}
	if v, ok := pick("currency"); ok {
		tx.Currency = strings.ToUpper(strings.TrimSpace(toString(v)))
	}
	if v, ok := pick("amount"); ok {
		amount, symbolCurrency, ok := Amount(v)
		if ok {
			tx.Amount = amount
			if tx.Currency == "" {
				tx.Currency = symbolCurrency
			}
		} else {
			tx.Data["amount"] = v
		}
	}
	if v, ok := pick("date"); ok {
		if d, ok := Date(toString(v)); ok {
			tx.Date = d
		} else {
			tx.Data["date"] = v
		}
	}
	if v, ok := pick("description"); ok {
		tx.Description = strings.TrimSpace(toString(v))
	}
	if v, ok := pick("counterparty"); ok {
		tx.Counterparty = strings.TrimSpace(toString(v))
	}
	if v, ok := pick("referenceNumber"); ok {
		tx.ReferenceNumber = strings.TrimSpace(toString(v))
	}
	if v, ok := pick("category"); ok {
		tx.Category = strings.TrimSpace(toString(v))
	}
	if c, ok := toFloat(raw["confidence"]); ok {
		tx.Confidence = c
		consumed["confidence"] = true
	}

	nested, nestedOK := raw[additionalDataKey].(map[string]any)
	if nestedOK {
		consumed[additionalDataKey] = true
	}
	for k, v := range raw {
		if !consumed[k] && !parties.Read(k) {
			tx.Data[k] = v
		}
	}
	for k, v := range nested {
		if _, taken := tx.Data[k]; taken {
			k = additionalDataKey + "." + k
		}
		tx.Data[k] = v
	}
	if len(tx.Data) == 0 {
		tx.Data = nil
	}
	return tx
}

var currencySymbols = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
	"¥": "JPY",
}

// Amount renders a raw amount as a plain decimal string. Strings may carry a
// currency symbol, thousands separators, and accounting parentheses for
// negatives. The second return is the currency implied by a symbol, if any.
func Amount(v any) (string, string, bool) {
	switch t := v.(type) {
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), "", true
	case int:
		return strconv.Itoa(t), "", true
	case int64:
		return strconv.FormatInt(t, 10), "", true
	case json.Number:
		return canonicalDecimal(t.String())
	case string:
		return canonicalDecimal(t)
	}
	return "", "", false
}

func canonicalDecimal(s string) (string, string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", false
	}

	var currency string
	if fields := strings.Fields(s); len(fields) == 2 {
		switch {
		case isCurrencyCode(fields[0]):
			currency, s = fields[0], fields[1]
		case isCurrencyCode(fields[1]):
			currency, s = fields[1], fields[0]
		}
	}
	for sym, code := range currencySymbols {
		if strings.Contains(s, sym) {
			currency = code
			s = strings.ReplaceAll(s, sym, "")
		}
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		negative = !negative
		s = strings.TrimSpace(s[1:])
	}
	s = strings.TrimPrefix(s, "+")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " ", "")

	if !isDecimal(s) {
		return "", "", false
	}
	if strings.HasPrefix(s, ".") {
		s = "0" + s
	}
	if negative {
		s = "-" + s
	}
	return s, currency, true
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, c := range s {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	dot := false
	digits := 0
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			digits++
		case c == '.' && !dot:
			dot = true
		default:
			return false
		}
	}
	return digits > 0
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"02 Jan 2006",
	"2 January 2006",
	"Mon, 02 Jan 2006",
	time.RFC1123Z,
	time.RFC1123,
}

// Date renders a raw date as YYYY-MM-DD.
func Date(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}
