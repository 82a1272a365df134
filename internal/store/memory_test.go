package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/store"
)

func seedStock(t *testing.T, ms *store.MemoryStore, id string) {
	t.Helper()
	err := ms.Update(context.Background(), func(tx store.Tx) error {
		return tx.PutStock(context.Background(), &model.Stock{
			ID:              id,
			CharacterName:   "Spike Spiegel",
			Anime:           "Cowboy Bebop",
			CurrentPrice:    decimal.NewFromInt(10),
			TotalShares:     100,
			AvailableShares: 100,
			CreatedAt:       time.Now().UTC(),
		})
	})
	if err != nil {
		t.Fatalf("seed stock: %v", err)
	}
}

func TestMemoryStore_UpdateCommits(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedStock(t, ms, "s1")

	err := ms.Update(ctx, func(tx store.Tx) error {
		st, err := tx.GetStock(ctx, "s1")
		if err != nil {
			return err
		}
		st.AvailableShares -= 10
		return tx.PutStock(ctx, st)
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	st, err := ms.GetStock(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.AvailableShares != 90 {
		t.Errorf("available = %d, want 90", st.AvailableShares)
	}
}

func TestMemoryStore_ReadYourWrites(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()

	err := ms.Update(ctx, func(tx store.Tx) error {
		if err := tx.PutBalance(ctx, "alice", decimal.NewFromInt(50)); err != nil {
			return err
		}
		b, err := tx.GetBalance(ctx, "alice")
		if err != nil {
			return err
		}
		if !b.Equal(decimal.NewFromInt(50)) {
			t.Errorf("staged balance = %s, want 50", b)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestMemoryStore_ErrorDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedStock(t, ms, "s1")
	before, _ := ms.Snapshot()

	boom := errors.New("boom")
	err := ms.Update(ctx, func(tx store.Tx) error {
		_ = tx.PutBalance(ctx, "alice", decimal.NewFromInt(50))
		_ = tx.AppendPriceHistory(ctx, &model.PriceHistoryEntry{ID: "h1", StockID: "s1", Price: decimal.NewFromInt(11)})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	after, _ := ms.Snapshot()
	if string(before) != string(after) {
		t.Errorf("state changed after failed update:\nbefore %s\nafter  %s", before, after)
	}
}

func TestMemoryStore_DetectsConflict(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedStock(t, ms, "s1")

	err := ms.Update(ctx, func(tx store.Tx) error {
		st, err := tx.GetStock(ctx, "s1")
		if err != nil {
			return err
		}

		// A concurrent writer commits between our read and our commit.
		if err := ms.Update(ctx, func(inner store.Tx) error {
			other, err := inner.GetStock(ctx, "s1")
			if err != nil {
				return err
			}
			other.AvailableShares -= 5
			return inner.PutStock(ctx, other)
		}); err != nil {
			t.Fatalf("inner update: %v", err)
		}

		st.AvailableShares -= 10
		return tx.PutStock(ctx, st)
	})
	if !errors.Is(err, model.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	st, _ := ms.GetStock(ctx, "s1")
	if st.AvailableShares != 95 {
		t.Errorf("available = %d, want 95 (only the inner write applied)", st.AvailableShares)
	}
}

func TestMemoryStore_ListConflictOnNewMember(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()

	err := ms.Update(ctx, func(tx store.Tx) error {
		if _, err := tx.ListOpenBetsByUser(ctx, "alice"); err != nil {
			return err
		}
		if err := ms.Update(ctx, func(inner store.Tx) error {
			return inner.PutBet(ctx, &model.DirectionalBet{ID: "b1", UserID: "alice", StockID: "s1", Type: model.BetCall})
		}); err != nil {
			t.Fatalf("inner update: %v", err)
		}
		return tx.PutBet(ctx, &model.DirectionalBet{ID: "b2", UserID: "alice", StockID: "s1", Type: model.BetPut})
	})
	if !errors.Is(err, model.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()

	if _, err := ms.GetStock(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("GetStock err = %v, want ErrNotFound", err)
	}
	if _, err := ms.GetBalance(ctx, "nobody"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("GetBalance err = %v, want ErrNotFound", err)
	}

	err := ms.Update(ctx, func(tx store.Tx) error {
		_ = tx.PutHolding(ctx, &model.Holding{UserID: "u", StockID: "s", Shares: 1})
		_ = tx.DeleteHolding(ctx, "u", "s")
		_, err := tx.GetHolding(ctx, "u", "s")
		return err
	})
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("staged delete err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_PriceHistoryWindow(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedStock(t, ms, "s1")

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// Insert out of order; reads must come back ascending.
	for _, i := range []int{3, 1, 4, 0, 2} {
		err := ms.Update(ctx, func(tx store.Tx) error {
			return tx.AppendPriceHistory(ctx, &model.PriceHistoryEntry{
				ID:        "h" + string(rune('0'+i)),
				StockID:   "s1",
				Price:     decimal.NewFromInt(int64(10 + i)),
				Timestamp: base.Add(time.Duration(i) * time.Hour),
			})
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, _ := ms.GetPriceHistory(ctx, "s1", 0)
	if len(all) != 5 {
		t.Fatalf("len = %d, want 5", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.Before(all[i-1].Timestamp) {
			t.Errorf("history not ascending at %d", i)
		}
	}

	last2, _ := ms.GetPriceHistory(ctx, "s1", 2)
	if len(last2) != 2 || !last2[1].Price.Equal(decimal.NewFromInt(14)) || !last2[0].Price.Equal(decimal.NewFromInt(13)) {
		t.Errorf("last 2 = %+v, want prices 13, 14", last2)
	}
}

func TestMemoryStore_ListDueBets(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

	err := ms.Update(ctx, func(tx store.Tx) error {
		_ = tx.PutBet(ctx, &model.DirectionalBet{ID: "due", UserID: "u", ExpiresAt: now})
		_ = tx.PutBet(ctx, &model.DirectionalBet{ID: "later", UserID: "u", ExpiresAt: now.Add(time.Hour)})
		return tx.PutBet(ctx, &model.DirectionalBet{ID: "done", UserID: "u", ExpiresAt: now.Add(-time.Hour), Settled: true})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	due, _ := ms.ListDueBets(ctx, now)
	if len(due) != 1 || due[0].ID != "due" {
		t.Errorf("due = %+v, want only bet \"due\"", due)
	}
}

func TestMemoryStore_LatestPriceSample(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedStock(t, ms, "s1")

	if _, err := ms.LatestPriceSample(ctx, "s1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("empty history err = %v, want ErrNotFound", err)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	err := ms.Update(ctx, func(tx store.Tx) error {
		if err := tx.AppendPriceHistory(ctx, &model.PriceHistoryEntry{ID: "h1", StockID: "s1", Price: decimal.NewFromInt(11), Timestamp: base}); err != nil {
			return err
		}
		e, err := tx.LatestPriceSample(ctx, "s1")
		if err != nil {
			return err
		}
		if e.ID != "h1" {
			t.Errorf("staged latest = %s, want h1", e.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	e, err := ms.LatestPriceSample(ctx, "s1")
	if err != nil || e.ID != "h1" {
		t.Errorf("latest = %+v, %v; want h1", e, err)
	}
}
