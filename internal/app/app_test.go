package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/app"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/config"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/events"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	for _, k := range []string{"DATABASE_URL", "REDIS_URL", "SQLITE_PATH", "DRIFT_SEED"} {
		t.Setenv(k, "")
	}
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Events.Log = false
	cfg.Drift.ChunkDelay = 0
	return cfg
}

func TestNew_InMemory(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Drift.Seed = 7

	a, err := app.New(ctx, cfg, nil, app.WithHub())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()

	if _, ok := a.Store.(*store.MemoryStore); !ok {
		t.Errorf("store = %T, want *store.MemoryStore", a.Store)
	}
	if a.Hub == nil {
		t.Error("hub not built")
	}

	w := httptest.NewRecorder()
	a.API().Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", w.Code)
	}
}

func TestNew_AuditLogReceivesEvents(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "events.db")
	cfg.Events.SQLitePath = path

	a, err := app.New(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if a.Hub != nil {
		t.Error("hub built without WithHub")
	}

	if _, err := a.Ledger.CreateStock(ctx, "Luffy", "One Piece", decimal.NewFromInt(10), 100); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := a.Scheduler.RunDrift(ctx); err != nil {
		t.Fatalf("drift: %v", err)
	}
	a.Close()

	audit, err := events.NewSQLiteSink(path, nil)
	if err != nil {
		t.Fatalf("reopen audit log: %v", err)
	}
	defer audit.Close()
	got, err := audit.Recent(ctx, model.EventDriftCompleted, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 || got[0].Succeeded != 1 {
		t.Errorf("drift events = %+v, want one with 1 success", got)
	}
}
