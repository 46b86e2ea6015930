package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// backends opens every Store implementation against the same clock.
func backends(t *testing.T, clock *testClock) map[string]Store {
	t.Helper()
	opts := Options{Clock: clock.Now}

	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "state", "ledger.db"), DefaultSQLiteConfig(), opts)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}

	mr := miniredis.RunT(t)
	rd, err := OpenRedis(context.Background(), RedisConfig{Addr: mr.Addr()}, opts)
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}

	stores := map[string]Store{
		BackendMemory: NewMemory(opts),
		BackendSQLite: sq,
		BackendRedis:  rd,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func eachBackend(t *testing.T, fn func(t *testing.T, s Store, clock *testClock)) {
	for name := range map[string]bool{BackendMemory: true, BackendSQLite: true, BackendRedis: true} {
		t.Run(name, func(t *testing.T) {
			clock := &testClock{t: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)}
			stores := backends(t, clock)
			fn(t, stores[name], clock)
		})
	}
}

func TestClaimCompleteIsIdempotent(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		r, err := s.Claim(ctx, "k1", "triage", "run-a", time.Minute)
		if err != nil {
			t.Fatalf("first claim: %v", err)
		}
		if r.Status != StatusRunning || r.Attempts != 1 {
			t.Errorf("claim record = %+v", r)
		}
		if err := s.Complete(ctx, "k1", "run-a", Outcome{CostUSD: 0.25, Findings: 3, IssuesFiled: 1}); err != nil {
			t.Fatalf("complete: %v", err)
		}

		_, err = s.Claim(ctx, "k1", "triage", "run-b", time.Minute)
		if !errors.Is(err, ErrAlreadyDone) {
			t.Fatalf("second claim = %v, want ErrAlreadyDone", err)
		}

		got, err := s.Get(ctx, "k1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != StatusCompleted || got.CostUSD != 0.25 || got.Findings != 3 || got.IssuesFiled != 1 {
			t.Errorf("stored record = %+v", got)
		}
		if got.RunID != "run-a" {
			t.Errorf("RunID = %q, want run-a", got.RunID)
		}
	})
}

func TestClaimInFlightAndLeaseExpiry(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		if _, err := s.Claim(ctx, "k", "a", "run-a", time.Minute); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Claim(ctx, "k", "a", "run-b", time.Minute); !errors.Is(err, ErrInFlight) {
			t.Fatalf("claim during lease = %v, want ErrInFlight", err)
		}

		clock.Advance(2 * time.Minute)
		r, err := s.Claim(ctx, "k", "a", "run-b", time.Minute)
		if err != nil {
			t.Fatalf("claim after expiry: %v", err)
		}
		if r.Attempts != 2 || r.RunID != "run-b" {
			t.Errorf("re-claim = %+v", r)
		}

		// The original run lost its claim.
		if err := s.Complete(ctx, "k", "run-a", Outcome{}); !errors.Is(err, ErrNotOwner) {
			t.Errorf("stale complete = %v, want ErrNotOwner", err)
		}
	})
}

func TestFailedJobsCanBeRetried(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		if _, err := s.Claim(ctx, "k", "a", "run-a", time.Minute); err != nil {
			t.Fatal(err)
		}
		if err := s.Fail(ctx, "k", "run-a", errors.New("boom")); err != nil {
			t.Fatal(err)
		}
		got, _ := s.Get(ctx, "k")
		if got.Status != StatusFailed || got.Error != "boom" {
			t.Errorf("failed record = %+v", got)
		}

		r, err := s.Claim(ctx, "k", "a", "run-b", time.Minute)
		if err != nil {
			t.Fatalf("retry claim: %v", err)
		}
		if r.Attempts != 2 {
			t.Errorf("Attempts = %d, want 2", r.Attempts)
		}
	})
}

func TestResetAllowsForcedRerun(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		s.Claim(ctx, "k", "a", "run-a", time.Minute)
		s.Complete(ctx, "k", "run-a", Outcome{})
		if err := s.Reset(ctx, "k"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get after reset = %v, want ErrNotFound", err)
		}
		if _, err := s.Claim(ctx, "k", "a", "run-b", time.Minute); err != nil {
			t.Errorf("claim after reset: %v", err)
		}
	})
}

func TestReopenOnlyForgetsCompleted(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		if _, err := s.Claim(ctx, "live", "a", "other-run", time.Hour); err != nil {
			t.Fatal(err)
		}
		reopened, err := s.Reopen(ctx, "live")
		if err != nil || reopened {
			t.Fatalf("Reopen(running) = %v, %v; want false, nil", reopened, err)
		}
		if _, err := s.Claim(ctx, "live", "a", "forced-run", time.Hour); !errors.Is(err, ErrInFlight) {
			t.Errorf("claim of live lease after Reopen = %v, want ErrInFlight", err)
		}

		s.Claim(ctx, "broken", "a", "run-a", time.Minute)
		s.Fail(ctx, "broken", "run-a", errors.New("boom"))
		if reopened, _ := s.Reopen(ctx, "broken"); reopened {
			t.Error("Reopen(failed) = true, want false")
		}
		if r, err := s.Get(ctx, "broken"); err != nil || r.Status != StatusFailed {
			t.Errorf("failed record after Reopen = %+v, %v", r, err)
		}

		s.Claim(ctx, "done", "a", "run-a", time.Minute)
		s.Complete(ctx, "done", "run-a", Outcome{})
		if reopened, err := s.Reopen(ctx, "done"); err != nil || !reopened {
			t.Fatalf("Reopen(completed) = %v, %v; want true, nil", reopened, err)
		}
		if _, err := s.Claim(ctx, "done", "a", "run-b", time.Minute); err != nil {
			t.Errorf("claim after Reopen: %v", err)
		}
		if reopened, _ := s.Reopen(ctx, "missing"); reopened {
			t.Error("Reopen(missing) = true, want false")
		}
	})
}

func TestListAndPrune(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		for _, key := range []string{"old", "mid", "new"} {
			if _, err := s.Claim(ctx, key, "a", "run", time.Minute); err != nil {
				t.Fatal(err)
			}
			if key != "new" {
				if err := s.Complete(ctx, key, "run", Outcome{}); err != nil {
					t.Fatal(err)
				}
			}
			clock.Advance(time.Hour)
		}

		recs, err := s.List(ctx, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != 2 || recs[0].Key != "new" || recs[1].Key != "mid" {
			t.Fatalf("List(2) = %+v", recs)
		}

		// Cutoff after all three; the running one must survive.
		n, err := s.Prune(ctx, clock.Now())
		if err != nil {
			t.Fatal(err)
		}
		if n != 2 {
			t.Errorf("pruned %d, want 2", n)
		}
		recs, _ = s.List(ctx, 0)
		if len(recs) != 1 || recs[0].Key != "new" {
			t.Errorf("after prune = %+v", recs)
		}
	})
}

func TestSpendAccumulates(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		if err := s.AddSpend(ctx, "2026-10-14", "global", 0.5, 1000); err != nil {
			t.Fatal(err)
		}
		if err := s.AddSpend(ctx, "2026-10-14", "global", 0.25, 500); err != nil {
			t.Fatal(err)
		}
		sp, err := s.Spend(ctx, "2026-10-14", "global")
		if err != nil {
			t.Fatal(err)
		}
		if sp.USD != 0.75 || sp.Tokens != 1500 {
			t.Errorf("Spend = %+v", sp)
		}
		empty, err := s.Spend(ctx, "2026-10-15", "global")
		if err != nil {
			t.Fatal(err)
		}
		if empty.USD != 0 || empty.Tokens != 0 {
			t.Errorf("unknown day spend = %+v", empty)
		}
	})
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	s, err := OpenSQLite(path, DefaultSQLiteConfig(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	s.Claim(ctx, "k", "a", "run-a", time.Minute)
	s.Complete(ctx, "k", "run-a", Outcome{Findings: 2})
	if problems, err := s.VerifyIntegrity(ctx); err != nil || problems != nil {
		t.Fatalf("integrity: %v %v", problems, err)
	}
	s.Close()

	s, err = OpenSQLite(path, DefaultSQLiteConfig(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Claim(ctx, "k", "a", "run-b", time.Minute); !errors.Is(err, ErrAlreadyDone) {
		t.Fatalf("claim after reopen = %v, want ErrAlreadyDone", err)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), Config{Backend: "etcd"}, Options{}); err == nil {
		t.Fatal("expected error")
	}
	s, err := Open(context.Background(), Config{Backend: BackendMemory}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
}
