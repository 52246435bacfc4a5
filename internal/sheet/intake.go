// Package sheet moves discovery data in and out of xlsx workbooks: intake
// answers in, run ledgers out.
package sheet

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/discovery-cli/internal/model"
)

// IntakeOptions selects the answers sheet.
type IntakeOptions struct {
	SheetIndex int    // default 0
	SheetName  string // if set, overrides SheetIndex
}

// headerKeys are first-column values that mark a header row.
var headerKeys = map[string]bool{
	"field":    true,
	"key":      true,
	"question": true,
}

var financialKeys = map[string]func(*model.Financials, string) error{
	"turnover":         func(f *model.Financials, v string) error { f.Turnover = model.Amount(v); return nil },
	"prior_turnover":   func(f *model.Financials, v string) error { f.PriorTurnover = model.Amount(v); return nil },
	"gross_profit":     func(f *model.Financials, v string) error { f.GrossProfit = model.Amount(v); return nil },
	"operating_profit": func(f *model.Financials, v string) error { f.OperatingProfit = model.Amount(v); return nil },
	"ebitda":           func(f *model.Financials, v string) error { f.EBITDA = model.Amount(v); return nil },
	"payroll":          func(f *model.Financials, v string) error { f.Payroll = model.Amount(v); return nil },
	"headcount": func(f *model.Financials, v string) error {
		n, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", ""), 64)
		if err != nil {
			return eris.Errorf("headcount %q is not a number", v)
		}
		f.Headcount = int(n)
		return nil
	},
}

// ReadIntake reads a two-column answers sheet into an input snapshot.
// Column A holds the field or question id and column B the answer. The
// client fields (client_name, industry, currency, exit_timeline), the
// financial figures (bare or prefixed with "financials.") and
// blocked_services (comma separated) are lifted into their snapshot
// fields; every other row becomes a response. Blank rows are skipped.
func ReadIntake(path string, opts IntakeOptions) (json.RawMessage, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "sheet: open intake")
	}

	sh, err := getSheet(f, opts.SheetName, opts.SheetIndex)
	if err != nil {
		return nil, err
	}

	snap := model.Snapshot{Responses: make(map[string]any)}
	var fin model.Financials
	hasFin := false

	for i, row := range sh.Rows {
		cells := rowToStrings(row)
		if len(cells) == 0 {
			continue
		}
		key := normalizeKey(cells[0])
		if key == "" {
			continue
		}
		if i == 0 && headerKeys[key] {
			continue
		}
		val := ""
		if len(cells) > 1 {
			val = strings.TrimSpace(cells[1])
		}
		if val == "" {
			continue
		}

		name := strings.TrimPrefix(key, "financials.")
		if set, ok := financialKeys[name]; ok {
			if err := set(&fin, val); err != nil {
				return nil, eris.Wrapf(err, "sheet: row %d", i+1)
			}
			hasFin = true
			continue
		}

		switch key {
		case "client_name":
			snap.ClientName = val
		case "industry":
			snap.Industry = val
		case "currency":
			snap.Currency = strings.ToUpper(val)
		case "exit_timeline":
			snap.ExitTimeline = val
		case "blocked_services":
			for _, s := range strings.Split(val, ",") {
				if s = strings.TrimSpace(s); s != "" {
					snap.BlockedServices = append(snap.BlockedServices, s)
				}
			}
		default:
			snap.Responses[key] = answerValue(val)
		}
	}
	if hasFin {
		snap.Financials = &fin
	}

	if err := snap.Validate(); err != nil {
		return nil, eris.Wrap(err, "sheet: invalid intake")
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, eris.Wrap(err, "sheet: encode snapshot")
	}
	return raw, nil
}

// answerValue keeps yes/no answers and plain numbers typed so the
// extraction stage sees the same shapes as a JSON intake.
func answerValue(v string) any {
	switch strings.ToLower(v) {
	case "yes", "true":
		return true
	case "no", "false":
		return false
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return n
	}
	return v
}

func normalizeKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), "_")
}

func getSheet(f *xlsx.File, name string, index int) (*xlsx.Sheet, error) {
	if name != "" {
		sh, ok := f.Sheet[name]
		if !ok {
			return nil, eris.Errorf("sheet: sheet %q not found", name)
		}
		return sh, nil
	}
	if index < 0 || index >= len(f.Sheets) {
		return nil, eris.Errorf("sheet: sheet index %d out of range (file has %d sheets)", index, len(f.Sheets))
	}
	return f.Sheets[index], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
