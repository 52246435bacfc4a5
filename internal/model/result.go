package model

import (
	"encoding/json"
	"time"
)

// StageResult is the immutable output of one stage for one run. A retry
// writes a new row with a higher Attempt rather than mutating an old one.
type StageResult struct {
	RunID       string          `json:"run_id"`
	Stage       Stage           `json:"stage_name"`
	Attempt     int             `json:"attempt"`
	Fingerprint string          `json:"fingerprint"`
	Payload     json.RawMessage `json:"payload"`
	Cost        float64         `json:"cost"`
	CacheHit    bool            `json:"cache_hit"`
	CreatedAt   time.Time       `json:"created_at"`
}

// LedgerEntry is one append-only cost event.
type LedgerEntry struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Stage     Stage     `json:"stage_name"`
	Units     int64     `json:"units"`
	Cost      float64   `json:"cost"`
	CreatedAt time.Time `json:"created_at"`
}

// SumCost totals the cost of a set of ledger entries.
func SumCost(entries []LedgerEntry) float64 {
	var total float64
	for _, e := range entries {
		total += e.Cost
	}
	return total
}

// CacheStatus marks whether a cache entry holds a value or a claim.
type CacheStatus string

const (
	CacheStatusPending CacheStatus = "pending"
	CacheStatusReady   CacheStatus = "ready"
)

// CacheEntry is a persisted fingerprint cache row. A pending entry is the
// in-progress marker held by whichever process is computing the value.
type CacheEntry struct {
	Fingerprint string          `json:"fingerprint"`
	Stage       Stage           `json:"stage"`
	Status      CacheStatus     `json:"status"`
	Value       json.RawMessage `json:"value,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	ClaimUntil  *time.Time      `json:"claim_until,omitempty"`
}

// Expired reports whether the entry's TTL has elapsed.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// ReportSection is one ordered block of the final report.
type ReportSection struct {
	Name    string          `json:"name"`
	Stage   Stage           `json:"stage"`
	Content json.RawMessage `json:"content"`
}

// ReportMetadata describes how a report was produced.
type ReportMetadata struct {
	GeneratedAt      time.Time `json:"generated_at"`
	Models           []string  `json:"models"`
	TotalCost        float64   `json:"total_cost"`
	BudgetLimited    bool      `json:"budget_limited"`
	DataCompleteness string    `json:"data_completeness,omitempty"`
}

// Report is the assembled, immutable output of a run.
type Report struct {
	RunID        string          `json:"run_id"`
	ClientID     string          `json:"client_id"`
	EngagementID string          `json:"engagement_id"`
	Sections     []ReportSection `json:"sections"`
	Metadata     ReportMetadata  `json:"metadata"`
}

// Section returns the named section, or nil.
func (r *Report) Section(name string) *ReportSection {
	for i := range r.Sections {
		if r.Sections[i].Name == name {
			return &r.Sections[i]
		}
	}
	return nil
}
