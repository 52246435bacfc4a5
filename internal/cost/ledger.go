package cost

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/discovery-cli/internal/model"
)

// ErrBudgetExceeded is matched (errors.Is) by every *BudgetError.
var ErrBudgetExceeded = eris.New("budget exceeded")

// BudgetError reports a reservation the ledger refused.
type BudgetError struct {
	RunID     string
	ClientID  string
	Estimate  float64
	Remaining float64
	// Window is true when the per-client rolling window refused the call.
	Window bool
}

func (e *BudgetError) Error() string {
	scope := "run " + e.RunID
	if e.Window {
		scope = "client " + e.ClientID + " window"
	}
	return fmt.Sprintf("budget exceeded: %s needs %.6f, %.6f remaining", scope, e.Estimate, e.Remaining)
}

// Is lets errors.Is(err, ErrBudgetExceeded) match.
func (e *BudgetError) Is(target error) bool { return target == ErrBudgetExceeded }

// WindowConfig limits total spend per client over a rolling period. A zero
// Ceiling disables the window.
type WindowConfig struct {
	Ceiling float64
	Period  time.Duration
}

// Reservation holds part of a run's budget for one in-flight call.
type Reservation struct {
	RunID    string
	Estimate float64

	done bool
}

type account struct {
	mu        sync.Mutex
	clientID  string
	ceiling   float64
	committed float64
	reserved  float64
	pending   []model.LedgerEntry
}

func (a *account) pendingCost() float64 {
	return model.SumCost(a.pending)
}

type spend struct {
	at   time.Time
	cost float64
}

// Ledger tracks reservations and recorded costs per run. Each run account
// has its own lock; the registry lock is only held for lookups.
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*account

	window   WindowConfig
	clientMu sync.Mutex
	spends   map[string][]spend
	held     map[string]float64

	nowFunc func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger(window WindowConfig) *Ledger {
	return &Ledger{
		accounts: make(map[string]*account),
		window:   window,
		spends:   make(map[string][]spend),
		held:     make(map[string]float64),
		nowFunc:  time.Now,
	}
}

// Open loads a run's budget state. accumulated is the committed cost read
// from the store, which is always authoritative; entries left pending by a
// checkpoint that never landed are discarded.
func (l *Ledger) Open(runID, clientID string, ceiling, accumulated float64) {
	l.mu.Lock()
	a, ok := l.accounts[runID]
	if !ok {
		a = &account{}
		l.accounts[runID] = a
	}
	l.mu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.clientID = clientID
	a.ceiling = ceiling
	a.committed = Round(accumulated)
	a.pending = nil
}

// Close forgets a run. Uncommitted entries are dropped.
func (l *Ledger) Close(runID string) {
	l.mu.Lock()
	delete(l.accounts, runID)
	l.mu.Unlock()
}

func (l *Ledger) account(runID string) (*account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[runID]
	if !ok {
		return nil, eris.Errorf("cost: run %s has no open account", runID)
	}
	return a, nil
}

// Reserve holds estimate against the run's ceiling. It fails with a
// *BudgetError when committed + pending + reserved + estimate would exceed
// the ceiling, or when the client's rolling window would be exceeded.
func (l *Ledger) Reserve(runID string, estimate float64) (*Reservation, error) {
	if estimate < 0 {
		estimate = 0
	}
	estimate = Round(estimate)

	a, err := l.account(runID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	used := Round(a.committed + a.pendingCost() + a.reserved)
	if Round(used+estimate) > a.ceiling {
		return nil, &BudgetError{RunID: runID, ClientID: a.clientID, Estimate: estimate, Remaining: Round(a.ceiling - used)}
	}
	if err := l.holdWindow(runID, a.clientID, estimate); err != nil {
		return nil, err
	}

	a.reserved = Round(a.reserved + estimate)
	return &Reservation{RunID: runID, Estimate: estimate}, nil
}

// Record settles a reservation with the actual cost, returning the unused
// part of the estimate to the run, and appends a pending ledger entry.
func (l *Ledger) Record(res *Reservation, stage model.Stage, units int64, actual float64) (model.LedgerEntry, error) {
	a, err := l.account(res.RunID)
	if err != nil {
		return model.LedgerEntry{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if res.done {
		return model.LedgerEntry{}, eris.Errorf("cost: reservation for run %s already settled", res.RunID)
	}
	res.done = true

	a.reserved = Round(a.reserved - res.Estimate)
	if a.reserved < 0 {
		a.reserved = 0
	}

	entry := model.LedgerEntry{
		ID:        uuid.New().String(),
		RunID:     res.RunID,
		Stage:     stage,
		Units:     units,
		Cost:      Round(actual),
		CreatedAt: l.nowFunc().UTC(),
	}
	a.pending = append(a.pending, entry)
	l.settleWindow(a.clientID, res.Estimate, entry.Cost)
	return entry, nil
}

// Release returns a reservation whose call failed. Releasing twice, or
// after Record, is a no-op.
func (l *Ledger) Release(res *Reservation) {
	if res == nil {
		return
	}
	a, err := l.account(res.RunID)
	if err != nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if res.done {
		return
	}
	res.done = true
	a.reserved = Round(a.reserved - res.Estimate)
	if a.reserved < 0 {
		a.reserved = 0
	}
	l.settleWindow(a.clientID, res.Estimate, 0)
}

// Drain returns the run's uncommitted entries for the next checkpoint. The
// entries stay pending until Commit.
func (l *Ledger) Drain(runID string) []model.LedgerEntry {
	a, err := l.account(runID)
	if err != nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.LedgerEntry, len(a.pending))
	copy(out, a.pending)
	return out
}

// Commit marks entries as durably written and folds them into the
// committed total.
func (l *Ledger) Commit(runID string, entries []model.LedgerEntry) {
	a, err := l.account(runID)
	if err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		ids[e.ID] = struct{}{}
	}
	kept := a.pending[:0]
	for _, e := range a.pending {
		if _, ok := ids[e.ID]; ok {
			a.committed = Round(a.committed + e.Cost)
			continue
		}
		kept = append(kept, e)
	}
	a.pending = kept
}

// Balance is a point-in-time view of a run account.
type Balance struct {
	Ceiling   float64
	Committed float64
	Pending   float64
	Reserved  float64
}

// Remaining is the budget still available for new reservations.
func (b Balance) Remaining() float64 {
	return Round(b.Ceiling - b.Committed - b.Pending - b.Reserved)
}

// Balance returns the run's current totals.
func (l *Ledger) Balance(runID string) (Balance, error) {
	a, err := l.account(runID)
	if err != nil {
		return Balance{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return Balance{
		Ceiling:   a.ceiling,
		Committed: a.committed,
		Pending:   Round(a.pendingCost()),
		Reserved:  a.reserved,
	}, nil
}

func (l *Ledger) holdWindow(runID, clientID string, estimate float64) error {
	if l.window.Ceiling <= 0 || clientID == "" {
		return nil
	}
	l.clientMu.Lock()
	defer l.clientMu.Unlock()

	used := l.windowSpendLocked(clientID) + l.held[clientID]
	if Round(used+estimate) > l.window.Ceiling {
		return &BudgetError{RunID: runID, ClientID: clientID, Estimate: estimate, Remaining: Round(l.window.Ceiling - used), Window: true}
	}
	l.held[clientID] = Round(l.held[clientID] + estimate)
	return nil
}

func (l *Ledger) settleWindow(clientID string, estimate, actual float64) {
	if l.window.Ceiling <= 0 || clientID == "" {
		return
	}
	l.clientMu.Lock()
	defer l.clientMu.Unlock()

	l.held[clientID] = Round(l.held[clientID] - estimate)
	if l.held[clientID] <= 0 {
		delete(l.held, clientID)
	}
	if actual > 0 {
		l.spends[clientID] = append(l.spends[clientID], spend{at: l.nowFunc(), cost: actual})
	}
}

// windowSpendLocked sums the client's spend inside the window and prunes
// older events. Caller holds clientMu.
func (l *Ledger) windowSpendLocked(clientID string) float64 {
	cutoff := l.nowFunc().Add(-l.window.Period)
	events := l.spends[clientID]
	kept := events[:0]
	var total float64
	for _, s := range events {
		if s.at.After(cutoff) {
			kept = append(kept, s)
			total += s.cost
		}
	}
	if len(kept) == 0 {
		delete(l.spends, clientID)
	} else {
		l.spends[clientID] = kept
	}
	return Round(total)
}
