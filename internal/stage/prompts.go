package stage

const synthesisSystemPrompt = `You are a senior business advisor writing one section of a discovery report for the owner of a small business. Write in second person ("you", "your") except where told to quote the client. Use the client's own words where they are supplied. Never invent figures: use only the pre-calculated metrics provided, quoted exactly as formatted. Respond with a single valid JSON object and nothing else.`

const synthesisUserPrompt = `Client: %s
Industry: %s (benchmarked against %s)
Data completeness: %d/100 (%s)

Detected patterns:
%s

Pre-calculated metrics (use verbatim):
%s

Client answers:
%s

Write the "%s" section.
%s

Return a JSON object with at least these keys: %s`

// sectionBrief describes one narrative section.
type sectionBrief struct {
	brief    string
	required []string
}

var sectionBriefs = map[string]sectionBrief{
	"destination": {
		brief:    `Describe the future they are building towards. If they answered the vision question, quote it in first person in "visionVerbatim" and set "visionProvided" to true. List what they will no longer be doing in "whatTheyWontBeDoing" and rate clarity 1-10 in "destinationClarityScore".`,
		required: []string{"headerLine", "visionProvided", "visionVerbatim", "destinationClarityScore"},
	},
	"gaps": {
		brief:    `Identify the gaps between where they are and where they want to be. "gaps" is an array of objects with "category" (operational|financial|strategic|people), "priority" (critical|high|medium), "title", "pattern" (their words), "financialImpact" and "shiftRequired". Do not repeat the same issue in different words.`,
		required: []string{"headerLine", "gaps"},
	},
	"journey": {
		brief:    `Lay out the journey in "phases": each has "timeframe", an outcome-focused "headline", "whatChanges" (array), "feelsLike" and "outcome". Headlines describe outcomes, never service names.`,
		required: []string{"headerLine", "phases"},
	},
	"numbers": {
		brief:    `Explain the numbers. "costOfStaying" summarises the cost of inaction components; include "indicativeValuation" only when a valuation metric is provided. Quote metric values exactly as formatted.`,
		required: []string{"headerLine", "costOfStaying"},
	},
	"next_steps": {
		brief:    `Close with next steps. "thisWeek" is one concrete action, "firstStep" names the first outcome to pursue and why, and "closingLine" is a short invitation to talk.`,
		required: []string{"headerLine", "thisWeek", "firstStep", "closingLine"},
	},
}

// genericSection applies to configured sections without a dedicated brief.
var genericSection = sectionBrief{
	brief:    `Write this section as "body" (markdown allowed) with a short "headerLine".`,
	required: []string{"headerLine", "body"},
}

func briefFor(section string) sectionBrief {
	if s, ok := sectionBriefs[section]; ok {
		return s
	}
	return genericSection
}

const mappingSystemPrompt = `You map a business's problems to the advisory services it could buy. You may only recommend services from the catalogue provided, using their exact codes. Every opportunity must cite evidence from the client's answers or the pre-calculated metrics. Respond with a single valid JSON object and nothing else.`

const mappingUserPrompt = `Client: %s
Industry: %s

Pre-calculated metrics:
%s

Cost of inaction over %d years: %s

Service scores from the intake (higher means stronger fit):
%s

Narrative gaps already identified:
%s

Service catalogue (code: name, price):
%s

Services the advisor has blocked for this client (never recommend):
%s

Return JSON:
{
  "opportunities": [
    {
      "code": "snake_case_id",
      "title": "Outcome-focused headline",
      "category": "financial|operational|strategic|personal|wealth",
      "severity": "critical|high|medium|opportunity",
      "priority": "must_address_now|next_3_months|next_12_months|when_ready",
      "data_evidence": "Their words or a metric",
      "financial_impact": {"type": "risk|upside|cost_saving|value_creation|unknown", "amount": 0, "confidence": "high|medium|low", "calculation": "Show the working"},
      "life_impact": "What this means for them personally",
      "service": {"code": "CATALOGUE_CODE", "fit_score": 0, "rationale": "Why this service helps"}
    }
  ],
  "overall_assessment": {"headline": "One sentence", "top_priority": "The single most important thing"}
}`
