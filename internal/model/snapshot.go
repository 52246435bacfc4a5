package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/currency"
)

// ValidationError reports input or output that does not satisfy the
// contract it was checked against.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Amount is a monetary figure as supplied by intake: either a JSON number
// or free text such as "£1.2m" or "(45,000)".
type Amount string

// UnmarshalJSON accepts both JSON numbers and strings.
func (a *Amount) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = Amount(s)
		return nil
	}
	*a = Amount(b)
	return nil
}

// Value parses the amount. ok is false when the amount is blank.
func (a Amount) Value() (v float64, ok bool, err error) {
	return ParseAmount(string(a))
}

// Financials holds the optional figures from the client's accounts.
type Financials struct {
	Turnover        Amount `json:"turnover,omitempty"`
	PriorTurnover   Amount `json:"prior_turnover,omitempty"`
	GrossProfit     Amount `json:"gross_profit,omitempty"`
	OperatingProfit Amount `json:"operating_profit,omitempty"`
	EBITDA          Amount `json:"ebitda,omitempty"`
	Payroll         Amount `json:"payroll,omitempty"`
	Headcount       int    `json:"headcount,omitempty"`
}

// Snapshot is the client's raw intake data for one engagement. Responses
// are treated as opaque structured data keyed by question id.
type Snapshot struct {
	ClientName      string         `json:"client_name"`
	Industry        string         `json:"industry,omitempty"`
	Currency        string         `json:"currency,omitempty"`
	ExitTimeline    string         `json:"exit_timeline,omitempty"`
	Responses       map[string]any `json:"responses"`
	Financials      *Financials    `json:"financials,omitempty"`
	BlockedServices []string       `json:"blocked_services,omitempty"`
}

// ParseSnapshot decodes and validates a raw snapshot.
func ParseSnapshot(raw json.RawMessage) (*Snapshot, error) {
	if len(raw) == 0 {
		return nil, &ValidationError{Field: "input_snapshot", Reason: "is required"}
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, &ValidationError{Field: "input_snapshot", Reason: "malformed JSON: " + err.Error()}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects snapshots the pipeline cannot work with.
func (s *Snapshot) Validate() error {
	if strings.TrimSpace(s.ClientName) == "" {
		return &ValidationError{Field: "client_name", Reason: "is required"}
	}
	if len(s.Responses) == 0 && s.Financials == nil {
		return &ValidationError{Field: "responses", Reason: "snapshot has neither responses nor financials"}
	}
	if s.Currency != "" {
		if _, err := currency.ParseISO(strings.ToUpper(s.Currency)); err != nil {
			return &ValidationError{Field: "currency", Reason: fmt.Sprintf("unknown currency %q", s.Currency)}
		}
	}
	if f := s.Financials; f != nil {
		if f.Headcount < 0 {
			return &ValidationError{Field: "financials.headcount", Reason: "must not be negative"}
		}
		fields := map[string]Amount{
			"turnover":         f.Turnover,
			"prior_turnover":   f.PriorTurnover,
			"gross_profit":     f.GrossProfit,
			"operating_profit": f.OperatingProfit,
			"ebitda":           f.EBITDA,
			"payroll":          f.Payroll,
		}
		for name, a := range fields {
			if _, _, err := a.Value(); err != nil {
				return &ValidationError{Field: "financials." + name, Reason: err.Error()}
			}
		}
	}
	return nil
}

// CurrencyCode returns the snapshot currency, defaulting to GBP.
func (s *Snapshot) CurrencyCode() string {
	if s.Currency == "" {
		return "GBP"
	}
	return strings.ToUpper(s.Currency)
}

// ParseAmount parses free-text money: currency symbols and thousands
// separators are ignored, k/m/bn suffixes scale, and parentheses or a
// leading minus mark negatives. Blank input returns ok=false.
func ParseAmount(s string) (v float64, ok bool, err error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, false, nil
	}

	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	}

	s = strings.NewReplacer("£", "", "$", "", "€", "", ",", "", " ", "", "gbp", "", "usd", "", "eur", "").Replace(s)
	if strings.HasPrefix(s, "-") {
		neg = !neg
		s = s[1:]
	}

	mul := 1.0
	switch {
	case strings.HasSuffix(s, "bn"):
		mul, s = 1e9, strings.TrimSuffix(s, "bn")
	case strings.HasSuffix(s, "m"):
		mul, s = 1e6, strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "k"):
		mul, s = 1e3, strings.TrimSuffix(s, "k")
	}

	f, perr := strconv.ParseFloat(s, 64)
	if perr != nil {
		return 0, false, eris.Errorf("cannot parse amount %q", s)
	}
	f *= mul
	if neg {
		f = -f
	}
	return f, true, nil
}
