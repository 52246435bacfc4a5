package stage

import (
	"strings"

	"golang.org/x/text/cases"
)

// Benchmark holds industry reference figures. Ratios are percentages and
// revenue per head is in the report currency.
type Benchmark struct {
	Name            string  `json:"name"`
	RevenuePerHead  float64 `json:"revenue_per_head"`
	GrossMargin     float64 `json:"gross_margin"`
	OperatingMargin float64 `json:"operating_margin"`
	PayrollRatio    float64 `json:"payroll_ratio"`
	RevenueGrowth   float64 `json:"revenue_growth"`
	MultipleLow     float64 `json:"multiple_low"`
	MultipleHigh    float64 `json:"multiple_high"`
}

const generalIndustry = "general"

var benchmarks = map[string]Benchmark{
	generalIndustry:         {Name: "UK SMEs", RevenuePerHead: 120000, GrossMargin: 40, OperatingMargin: 10, PayrollRatio: 30, RevenueGrowth: 5, MultipleLow: 3, MultipleHigh: 5},
	"professional_services": {Name: "professional services firms", RevenuePerHead: 110000, GrossMargin: 55, OperatingMargin: 15, PayrollRatio: 45, RevenueGrowth: 6, MultipleLow: 4, MultipleHigh: 6},
	"technology":            {Name: "technology businesses", RevenuePerHead: 150000, GrossMargin: 65, OperatingMargin: 15, PayrollRatio: 40, RevenueGrowth: 12, MultipleLow: 5, MultipleHigh: 8},
	"creative_agency":       {Name: "creative and marketing agencies", RevenuePerHead: 95000, GrossMargin: 50, OperatingMargin: 12, PayrollRatio: 50, RevenueGrowth: 6, MultipleLow: 3, MultipleHigh: 5},
	"manufacturing":         {Name: "manufacturers", RevenuePerHead: 160000, GrossMargin: 30, OperatingMargin: 8, PayrollRatio: 25, RevenueGrowth: 4, MultipleLow: 4, MultipleHigh: 6},
	"construction":          {Name: "construction firms", RevenuePerHead: 180000, GrossMargin: 20, OperatingMargin: 6, PayrollRatio: 22, RevenueGrowth: 4, MultipleLow: 3, MultipleHigh: 5},
	"wholesale":             {Name: "wholesalers and distributors", RevenuePerHead: 350000, GrossMargin: 25, OperatingMargin: 5, PayrollRatio: 12, RevenueGrowth: 4, MultipleLow: 3.5, MultipleHigh: 5.5},
	"retail":                {Name: "retailers", RevenuePerHead: 140000, GrossMargin: 35, OperatingMargin: 5, PayrollRatio: 15, RevenueGrowth: 3, MultipleLow: 3, MultipleHigh: 5},
	"hospitality":           {Name: "hospitality businesses", RevenuePerHead: 55000, GrossMargin: 65, OperatingMargin: 8, PayrollRatio: 32, RevenueGrowth: 4, MultipleLow: 2.5, MultipleHigh: 4},
	"healthcare":            {Name: "healthcare providers", RevenuePerHead: 75000, GrossMargin: 45, OperatingMargin: 12, PayrollRatio: 55, RevenueGrowth: 5, MultipleLow: 5, MultipleHigh: 8},
	"financial_services":    {Name: "financial services firms", RevenuePerHead: 170000, GrossMargin: 60, OperatingMargin: 20, PayrollRatio: 40, RevenueGrowth: 6, MultipleLow: 6, MultipleHigh: 10},
}

var industryAliases = map[string]string{
	"accountancy":       "professional_services",
	"accounting":        "professional_services",
	"consulting":        "professional_services",
	"legal":             "professional_services",
	"law":               "professional_services",
	"software":          "technology",
	"saas":              "technology",
	"it":                "technology",
	"tech":              "technology",
	"agency":            "creative_agency",
	"marketing":         "creative_agency",
	"design":            "creative_agency",
	"engineering":       "manufacturing",
	"distribution":      "wholesale",
	"ecommerce":         "retail",
	"e_commerce":        "retail",
	"restaurant":        "hospitality",
	"hotel":             "hospitality",
	"care":              "healthcare",
	"dental":            "healthcare",
	"finance":           "financial_services",
	"insurance":         "financial_services",
	"property":          "construction",
	"trades":            "construction",
	"wholesale_trade":   "wholesale",
	"manufacturer":      "manufacturing",
	"professional":      "professional_services",
	"creative":          "creative_agency",
	"financial_advice":  "financial_services",
	"wealth_management": "financial_services",
}

var folder = cases.Fold()

// IndustryKey folds a free-text industry into a benchmark key. matched is
// false when the industry fell back to the general benchmark.
func IndustryKey(industry string) (key string, matched bool) {
	k := folder.String(normalizeText(industry))
	k = strings.NewReplacer(" ", "_", "-", "_", "/", "_", "&", "and").Replace(k)
	if k == "" {
		return generalIndustry, false
	}
	if _, ok := benchmarks[k]; ok {
		return k, k != generalIndustry
	}
	if alias, ok := industryAliases[k]; ok {
		return alias, true
	}
	return generalIndustry, false
}

// BenchmarkFor returns the benchmark for a key produced by IndustryKey.
func BenchmarkFor(key string) Benchmark {
	if b, ok := benchmarks[key]; ok {
		return b
	}
	return benchmarks[generalIndustry]
}
