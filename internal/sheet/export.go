package sheet

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/discovery-cli/internal/model"
)

// Sheet names written by Export.
const (
	RunsSheet   = "Runs"
	LedgerSheet = "Ledger"
)

var (
	runsHeader   = []string{"run_id", "client_id", "engagement_id", "status", "stage", "budget_ceiling", "accumulated_cost", "ledger_total", "failure_kind", "failure_message", "created_at", "updated_at"}
	ledgerHeader = []string{"run_id", "entry_id", "stage", "units", "cost", "created_at"}
)

// RunLedger pairs a run with its ledger entries.
type RunLedger struct {
	Run     *model.Run
	Entries []model.LedgerEntry
}

// Export writes a workbook with one summary row per run and every ledger
// entry, followed by a total row per run.
func Export(path string, items []RunLedger) error {
	f := xlsx.NewFile()

	runs, err := f.AddSheet(RunsSheet)
	if err != nil {
		return eris.Wrap(err, "sheet: add runs sheet")
	}
	ledger, err := f.AddSheet(LedgerSheet)
	if err != nil {
		return eris.Wrap(err, "sheet: add ledger sheet")
	}
	addHeader(runs, runsHeader)
	addHeader(ledger, ledgerHeader)

	for _, it := range items {
		if it.Run == nil {
			continue
		}
		total := model.SumCost(it.Entries)
		writeRun(runs.AddRow(), it.Run, total)

		for _, e := range it.Entries {
			row := ledger.AddRow()
			row.AddCell().SetString(it.Run.ID)
			row.AddCell().SetString(e.ID)
			row.AddCell().SetString(string(e.Stage))
			row.AddCell().SetInt64(e.Units)
			row.AddCell().SetFloat(e.Cost)
			row.AddCell().SetString(e.CreatedAt.UTC().Format(time.RFC3339))
		}
		if len(it.Entries) > 0 {
			row := ledger.AddRow()
			row.AddCell().SetString(it.Run.ID)
			row.AddCell().SetString("total")
			row.AddCell()
			row.AddCell()
			row.AddCell().SetFloat(total)
		}
	}

	if err := f.Save(path); err != nil {
		return eris.Wrap(err, "sheet: save workbook")
	}
	return nil
}

func writeRun(row *xlsx.Row, r *model.Run, ledgerTotal float64) {
	row.AddCell().SetString(r.ID)
	row.AddCell().SetString(r.ClientID)
	row.AddCell().SetString(r.EngagementID)
	row.AddCell().SetString(string(r.Status))
	row.AddCell().SetString(string(r.Stage))
	row.AddCell().SetFloat(r.BudgetCeiling)
	row.AddCell().SetFloat(r.AccumulatedCost)
	row.AddCell().SetFloat(ledgerTotal)
	kind, msg := "", ""
	if r.Failure != nil {
		kind, msg = string(r.Failure.Kind), r.Failure.Message
	}
	row.AddCell().SetString(kind)
	row.AddCell().SetString(msg)
	row.AddCell().SetString(r.CreatedAt.UTC().Format(time.RFC3339))
	row.AddCell().SetString(r.UpdatedAt.UTC().Format(time.RFC3339))
}

func addHeader(sh *xlsx.Sheet, cols []string) {
	row := sh.AddRow()
	for _, c := range cols {
		row.AddCell().SetString(c)
	}
}
