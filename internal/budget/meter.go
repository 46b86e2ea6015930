package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentx-labs/agentdispatch/internal/ledger"
)

// ErrBudgetExceeded is returned by Reserve when a call would break a cap.
var ErrBudgetExceeded = errors.New("budget exceeded")

// ScopeGlobal is the ledger spend scope used for the daily cap.
const ScopeGlobal = "global"

// SpendStore persists daily spend. ledger.Store satisfies it.
type SpendStore interface {
	AddSpend(ctx context.Context, day, scope string, usd float64, tokens int64) error
	Spend(ctx context.Context, day, scope string) (ledger.Spend, error)
}

// ReadOnly wraps store so earlier spend is still read but new spend is
// dropped. Dry runs meter against it.
func ReadOnly(store SpendStore) SpendStore { return readOnlySpend{store} }

type readOnlySpend struct{ SpendStore }

func (readOnlySpend) AddSpend(context.Context, string, string, float64, int64) error { return nil }

// Limits configures a Meter. Zero means no cap.
type Limits struct {
	DailyUSD float64
}

// Usage is the token count reported by the provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Reservation is a pending worst-case charge.
type Reservation struct {
	id     uint64
	scope  string
	model  string
	amount float64
}

// Amount returns the reserved USD.
func (r *Reservation) Amount() float64 { return r.amount }

// Meter tracks spend for one dispatch run and enforces per-scope and daily
// caps. Scopes are job keys; each has its own cap set with SetScopeLimit.
type Meter struct {
	table *Table
	store SpendStore
	now   func() time.Time

	mu          sync.Mutex
	limits      Limits
	scopeLimits map[string]float64
	spent       map[string]float64
	reserved    map[string]float64
	dailyBase   float64
	dailyLoaded string
	daySpent    float64
	totalSpent  float64
	totalTokens int64
	pending     float64
	nextID      uint64
}

// NewMeter returns a Meter. store may be nil, in which case the daily cap
// only covers this process.
func NewMeter(table *Table, store SpendStore, limits Limits, now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{
		table:       table,
		store:       store,
		now:         now,
		limits:      limits,
		scopeLimits: make(map[string]float64),
		spent:       make(map[string]float64),
		reserved:    make(map[string]float64),
	}
}

// SetScopeLimit caps the spend of one scope. Zero removes the cap.
func (m *Meter) SetScopeLimit(scope string, usd float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if usd <= 0 {
		delete(m.scopeLimits, scope)
		return
	}
	m.scopeLimits[scope] = usd
}

func (m *Meter) day() string {
	return DayKey(m.now())
}

// DayKey is the ledger day under which spend at t is recorded.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// loadDaily refreshes the persisted spend for today. Caller holds mu.
func (m *Meter) loadDaily(ctx context.Context) error {
	day := m.day()
	if m.dailyLoaded == day || m.store == nil {
		return nil
	}
	sp, err := m.store.Spend(ctx, day, ScopeGlobal)
	if err != nil {
		return fmt.Errorf("loading daily spend: %w", err)
	}
	m.dailyBase = sp.USD
	m.dailyLoaded = day
	m.daySpent = 0
	return nil
}

// Reserve books the worst-case cost of a call to model with inTokens of
// prompt and up to outTokens of completion.
func (m *Meter) Reserve(ctx context.Context, scope, model string, inTokens, outTokens int) (*Reservation, error) {
	price, err := m.table.Lookup(model)
	if err != nil {
		return nil, err
	}
	amount := price.Cost(inTokens, outTokens)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadDaily(ctx); err != nil {
		return nil, err
	}

	if limit, ok := m.scopeLimits[scope]; ok {
		if m.spent[scope]+m.reserved[scope]+amount > limit {
			return nil, fmt.Errorf("%w: %s would reach $%.4f of $%.4f run budget", ErrBudgetExceeded, scope, m.spent[scope]+m.reserved[scope]+amount, limit)
		}
	}
	if m.limits.DailyUSD > 0 {
		projected := m.dailyBase + m.daySpent + m.pending + amount
		if projected > m.limits.DailyUSD {
			return nil, fmt.Errorf("%w: daily spend would reach $%.4f of $%.4f", ErrBudgetExceeded, projected, m.limits.DailyUSD)
		}
	}

	m.nextID++
	m.reserved[scope] += amount
	m.pending += amount
	return &Reservation{id: m.nextID, scope: scope, model: model, amount: amount}, nil
}

// Commit settles a reservation with the real usage and returns its cost.
func (m *Meter) Commit(ctx context.Context, r *Reservation, u Usage) (float64, error) {
	price, err := m.table.Lookup(r.model)
	if err != nil {
		return 0, err
	}
	cost := price.Cost(u.PromptTokens, u.CompletionTokens)
	tokens := int64(u.PromptTokens + u.CompletionTokens)

	m.mu.Lock()
	m.release(r)
	m.spent[r.scope] += cost
	m.daySpent += cost
	m.totalSpent += cost
	m.totalTokens += tokens
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.AddSpend(ctx, m.day(), ScopeGlobal, cost, tokens); err != nil {
			return cost, fmt.Errorf("persisting spend: %w", err)
		}
	}
	return cost, nil
}

// Release cancels a reservation without charging it.
func (m *Meter) Release(r *Reservation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.release(r)
}

func (m *Meter) release(r *Reservation) {
	if r == nil || r.id == 0 {
		return
	}
	m.reserved[r.scope] -= r.amount
	m.pending -= r.amount
	r.amount = 0
	r.id = 0
}

// Spent returns the settled spend of a scope.
func (m *Meter) Spent(scope string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spent[scope]
}

// Total returns settled spend and tokens across all scopes.
func (m *Meter) Total() (float64, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalSpent, m.totalTokens
}
