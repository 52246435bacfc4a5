package pipeline

import (
	"encoding/json"
	"slices"

	"github.com/rotisserie/eris"

	"github.com/sells-group/discovery-cli/internal/model"
	"github.com/sells-group/discovery-cli/internal/stage"
)

// Report section names.
const (
	SectionSummary       = "summary"
	SectionMetrics       = "metrics"
	SectionOpportunities = "opportunities"
	narrativePrefix      = "narrative."
)

// summary is the extraction digest placed first in the report.
type summary struct {
	ClientName       string             `json:"client_name"`
	Industry         string             `json:"industry"`
	IndustryMatched  bool               `json:"industry_matched"`
	Currency         string             `json:"currency"`
	ExitHorizonYears int                `json:"exit_horizon_years"`
	Signals          stage.Signals      `json:"signals"`
	Completeness     stage.Completeness `json:"completeness"`
}

// assemble builds the report from the latest result of each stage. A full
// report needs every required stage; a partial one takes what exists and
// is flagged budget_limited.
func (o *Orchestrator) assemble(run *model.Run, results map[model.Stage]*model.StageResult, partial bool) (*model.Report, error) {
	if !partial {
		for _, st := range model.RequiredStages() {
			if res, ok := results[st]; !ok || res == nil || len(res.Payload) == 0 {
				return nil, &model.ValidationError{Field: "stage_results", Reason: "missing result for " + string(st)}
			}
		}
	}

	rep := &model.Report{
		RunID:        run.ID,
		ClientID:     run.ClientID,
		EngagementID: run.EngagementID,
		Sections:     []model.ReportSection{},
		Metadata: model.ReportMetadata{
			GeneratedAt:   o.nowFunc(),
			Models:        []string{},
			TotalCost:     run.AccumulatedCost,
			BudgetLimited: partial,
		},
	}

	if res, ok := results[model.StageExtracting]; ok {
		var ext stage.Extraction
		if err := json.Unmarshal(res.Payload, &ext); err != nil {
			return nil, eris.Wrap(err, "pipeline: decode extraction")
		}
		content, err := json.Marshal(summary{
			ClientName:       ext.ClientName,
			Industry:         ext.Industry,
			IndustryMatched:  ext.IndustryMatched,
			Currency:         ext.Currency,
			ExitHorizonYears: ext.ExitHorizonYears,
			Signals:          ext.Signals,
			Completeness:     ext.Completeness,
		})
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: marshal summary")
		}
		rep.Sections = append(rep.Sections, model.ReportSection{Name: SectionSummary, Stage: model.StageExtracting, Content: content})
		rep.Metadata.DataCompleteness = ext.Completeness.Status
	}

	if res, ok := results[model.StageCalculating]; ok {
		rep.Sections = append(rep.Sections, model.ReportSection{Name: SectionMetrics, Stage: model.StageCalculating, Content: res.Payload})
	}

	if res, ok := results[model.StageSynthesizing]; ok {
		var syn stage.Synthesis
		if err := json.Unmarshal(res.Payload, &syn); err != nil {
			return nil, eris.Wrap(err, "pipeline: decode synthesis")
		}
		for _, sec := range syn.Sections {
			rep.Sections = append(rep.Sections, model.ReportSection{Name: narrativePrefix + sec.Name, Stage: model.StageSynthesizing, Content: sec.Content})
			rep.Metadata.Models = addModel(rep.Metadata.Models, sec.Model)
		}
	}

	if res, ok := results[model.StageMapping]; ok {
		var mapping struct {
			Model string `json:"model"`
		}
		if err := json.Unmarshal(res.Payload, &mapping); err != nil {
			return nil, eris.Wrap(err, "pipeline: decode mapping")
		}
		rep.Sections = append(rep.Sections, model.ReportSection{Name: SectionOpportunities, Stage: model.StageMapping, Content: res.Payload})
		rep.Metadata.Models = addModel(rep.Metadata.Models, mapping.Model)
	}
	return rep, nil
}

// addModel appends name unless it is empty or already listed.
func addModel(models []string, name string) []string {
	if name == "" || slices.Contains(models, name) {
		return models
	}
	return append(models, name)
}
