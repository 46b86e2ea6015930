package cli

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentx-labs/agentdispatch/internal/budget"
	"github.com/agentx-labs/agentdispatch/internal/config"
	"github.com/agentx-labs/agentdispatch/internal/ledger"
)

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	s, err := cfg.Settings()
	if err != nil {
		t.Fatal(err)
	}
	s.LLM.APIKey = "sk-test"
	s.Ledger.Backend = ledger.BackendSQLite
	s.Ledger.Path = filepath.Join(t.TempDir(), "ledger.db")
	s.Budget.DailyUSD = 5
	s.Budget.Prices = []config.ModelPrice{{Model: "m", Input: 100_000}}
	return s
}

func TestDryRunMetersAgainstRecordedSpend(t *testing.T) {
	ctx := context.Background()
	s := testSettings(t)
	today := budget.DayKey(time.Now())

	seed, err := openStore(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if err := seed.AddSpend(ctx, today, budget.ScopeGlobal, 4.5, 100); err != nil {
		t.Fatal(err)
	}
	seed.Close()

	st, err := buildStack(ctx, s, stackOptions{dryRun: true})
	if err != nil {
		t.Fatalf("buildStack: %v", err)
	}
	if _, err := st.meter.Reserve(ctx, "job", "m", 10, 0); !errors.Is(err, budget.ErrBudgetExceeded) {
		t.Errorf("reserve over today's spend = %v, want ErrBudgetExceeded", err)
	}
	r, err := st.meter.Reserve(ctx, "job", "m", 1, 0)
	if err != nil {
		t.Fatalf("reserve within cap: %v", err)
	}
	if _, err := st.meter.Commit(ctx, r, budget.Usage{PromptTokens: 1}); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	check, err := openStore(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	defer check.Close()
	sp, err := check.Spend(ctx, today, budget.ScopeGlobal)
	if err != nil {
		t.Fatal(err)
	}
	if sp.USD != 4.5 || sp.Tokens != 100 {
		t.Errorf("dry run changed recorded spend to %+v", sp)
	}
}

func TestDryRunWithoutLedgerFileCreatesNone(t *testing.T) {
	s := testSettings(t)
	st, err := buildStack(context.Background(), s, stackOptions{dryRun: true})
	if err != nil {
		t.Fatalf("buildStack: %v", err)
	}
	defer st.Close()
	if st.spendSrc != nil {
		t.Error("dry run opened a ledger that does not exist")
	}
	if matches, _ := filepath.Glob(s.Ledger.Path); len(matches) != 0 {
		t.Errorf("ledger file created at %s", s.Ledger.Path)
	}
}
