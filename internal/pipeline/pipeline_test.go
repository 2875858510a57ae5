package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	cachemem "github.com/alanyoungcy/binaryoptions/internal/cache/memory"
	"github.com/alanyoungcy/binaryoptions/internal/domain"
	"github.com/alanyoungcy/binaryoptions/internal/service"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeResolver struct {
	mu       sync.Mutex
	due      []domain.Market
	failures map[domain.Identity]error
	resolved []domain.Identity
	callers  []domain.Identity
}

func (f *fakeResolver) DueForResolution(context.Context) ([]domain.Market, error) {
	return f.due, nil
}

func (f *fakeResolver) ResolveMarket(_ context.Context, id, caller domain.Identity) (service.ResolveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures[id]; err != nil {
		return service.ResolveResult{}, err
	}
	f.resolved = append(f.resolved, id)
	f.callers = append(f.callers, caller)
	return service.ResolveResult{Market: domain.Market{ID: id, Resolved: true, Outcome: domain.OutcomeYes}}, nil
}

func TestKeeperTick(t *testing.T) {
	a, b, c := domain.Identity{1}, domain.Identity{2}, domain.Identity{3}
	operator := domain.Identity{9}
	r := &fakeResolver{
		due: []domain.Market{{ID: a}, {ID: b}, {ID: c}},
		failures: map[domain.Identity]error{
			b: domain.ErrPriceUnavailable,
			c: domain.ErrMarketAlreadyResolved,
		},
	}
	k := NewKeeper(r, nil, operator, time.Second, discardLogger())

	res, err := k.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Due != 3 || res.Resolved != 1 || res.Failed != 1 {
		t.Fatalf("res=%+v, want due=3 resolved=1 failed=1", res)
	}
	if len(r.callers) != 1 || r.callers[0] != operator {
		t.Fatalf("callers=%v, want operator", r.callers)
	}
}

func TestKeeperSkipsWhenLeaderLockHeld(t *testing.T) {
	locks := cachemem.NewLockManager()
	release, err := locks.Acquire(context.Background(), keeperLockKey, time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	r := &fakeResolver{due: []domain.Market{{ID: domain.Identity{1}}}}
	k := NewKeeper(r, locks, domain.Identity{9}, time.Second, discardLogger())
	res, err := k.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !res.Skipped || len(r.resolved) != 0 {
		t.Fatalf("res=%+v resolved=%v, want skipped", res, r.resolved)
	}
}

type fakeArchiver struct {
	at  time.Time
	err error
}

func (f *fakeArchiver) ArchiveSettlements(_ context.Context, at time.Time) (int64, error) {
	f.at = at
	return 2, f.err
}

func TestArchiverRun(t *testing.T) {
	blob := &fakeArchiver{}
	a := NewArchiver(blob, discardLogger())
	a.now = func() time.Time { return time.Date(2025, 3, 1, 3, 0, 42, 0, time.UTC) }

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := time.Date(2025, 3, 1, 3, 0, 0, 0, time.UTC); !blob.at.Equal(want) {
		t.Fatalf("at=%v, want %v", blob.at, want)
	}

	blob.err = errors.New("s3 down")
	if err := a.Run(context.Background()); err == nil {
		t.Fatal("want error from failing archiver")
	}
}

func TestValidateCron(t *testing.T) {
	if err := ValidateCron("0 3 * * *"); err != nil {
		t.Fatalf("ValidateCron: %v", err)
	}
	if err := ValidateCron("every day"); err == nil {
		t.Fatal("want error for bad expression")
	}
}

func TestOrchestratorStopsCleanly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	k := NewKeeper(&fakeResolver{}, nil, domain.Identity{9}, time.Hour, discardLogger())
	a := NewArchiver(&fakeArchiver{}, discardLogger())
	o := NewOrchestrator(k, a, "0 3 * * *", discardLogger())

	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not stop")
	}
}
