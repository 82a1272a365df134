package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/ledger"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestLedger(t *testing.T) (*ledger.Ledger, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := ledger.New(ms, nil, ledger.WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	return l, ms
}

func TestCreateStock_RecordsInitialHistory(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	st, err := l.CreateStock(ctx, "Levi Ackerman", "Attack on Titan", d(10), 1000)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if st.AvailableShares != 1000 || st.TotalShares != 1000 {
		t.Errorf("shares = %d/%d, want 1000/1000", st.AvailableShares, st.TotalShares)
	}

	h, err := l.History(ctx, st.ID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(h) != 1 || !h[0].Price.Equal(d(10)) {
		t.Errorf("history = %+v, want one sample at 10", h)
	}
}

func TestCreateStock_Validation(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	tests := []struct {
		name   string
		char   string
		price  decimal.Decimal
		shares int64
		want   error
	}{
		{"empty name", " ", d(10), 10, model.ErrInvalidInput},
		{"zero price", "Goku", d(0), 10, model.ErrInvalidPrice},
		{"zero shares", "Goku", d(10), 0, model.ErrInvalidQuantity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.CreateStock(ctx, tt.char, "Dragon Ball", tt.price, tt.shares)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAdjustShares_Bounds(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	st, _ := l.CreateStock(ctx, "Killua", "Hunter x Hunter", d(5), 100)

	got, err := l.AdjustShares(ctx, st.ID, -30)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if got.AvailableShares != 70 {
		t.Errorf("available = %d, want 70", got.AvailableShares)
	}

	if _, err := l.AdjustShares(ctx, st.ID, -71); !errors.Is(err, model.ErrInsufficientShares) {
		t.Errorf("below zero: err = %v, want ErrInsufficientShares", err)
	}
	if _, err := l.AdjustShares(ctx, st.ID, 31); !errors.Is(err, model.ErrInsufficientShares) {
		t.Errorf("above total: err = %v, want ErrInsufficientShares", err)
	}
	if _, err := l.AdjustShares(ctx, "missing", 1); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("missing stock: err = %v, want ErrNotFound", err)
	}
}

func TestSetPrice(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	st, _ := l.CreateStock(ctx, "Mikasa", "Attack on Titan", d(5), 100)

	if _, err := l.SetPrice(ctx, st.ID, d(0)); !errors.Is(err, model.ErrInvalidPrice) {
		t.Errorf("zero price: err = %v, want ErrInvalidPrice", err)
	}
	if _, err := l.SetPrice(ctx, st.ID, d(-1)); !errors.Is(err, model.ErrInvalidPrice) {
		t.Errorf("negative price: err = %v, want ErrInvalidPrice", err)
	}

	got, err := l.SetPrice(ctx, st.ID, d(7.25))
	if err != nil {
		t.Fatalf("set price: %v", err)
	}
	if !got.CurrentPrice.Equal(d(7.25)) {
		t.Errorf("price = %s, want 7.25", got.CurrentPrice)
	}

	h, _ := l.History(ctx, st.ID, 1)
	if len(h) != 1 || !h[0].Price.Equal(d(7.25)) {
		t.Errorf("latest sample = %+v, want 7.25", h)
	}
}

func TestAdjustBalance_NeverNegative(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	if _, err := l.OpenAccount(ctx, "alice", d(20)); err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := l.AdjustBalance(ctx, "alice", d(-20.01)); !errors.Is(err, model.ErrInsufficientFunds) {
		t.Errorf("err = %v, want ErrInsufficientFunds", err)
	}
	b, err := l.AdjustBalance(ctx, "alice", d(-20))
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if !b.IsZero() {
		t.Errorf("balance = %s, want 0", b)
	}
}

func TestOpenAccount_Idempotent(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	if _, err := l.OpenAccount(ctx, "bob", d(100)); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := l.Deposit(ctx, "bob", d(50)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	b, err := l.OpenAccount(ctx, "bob", d(100))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !b.Equal(d(150)) {
		t.Errorf("balance = %s, want 150 (reopen must not reset)", b)
	}
}

func TestDeposit_Validation(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	if _, err := l.Deposit(ctx, "ghost", d(10)); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown account: err = %v, want ErrNotFound", err)
	}
	_, _ = l.OpenAccount(ctx, "carol", d(0))
	if _, err := l.Deposit(ctx, "carol", d(0)); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("zero deposit: err = %v, want ErrInvalidInput", err)
	}
}

func TestPortfolio_MarksToMarket(t *testing.T) {
	ctx := context.Background()
	l, ms := newTestLedger(t)
	st, _ := l.CreateStock(ctx, "Naruto", "Naruto", d(12), 100)
	_, _ = l.OpenAccount(ctx, "dave", d(40))

	err := ms.Update(ctx, func(tx store.Tx) error {
		if _, err := ledger.AdjustSharesTx(ctx, tx, st.ID, -5); err != nil {
			return err
		}
		return tx.PutHolding(ctx, &model.Holding{UserID: "dave", StockID: st.ID, Shares: 5, AverageBuyPrice: d(10)})
	})
	if err != nil {
		t.Fatalf("seed holding: %v", err)
	}

	p, err := l.Portfolio(ctx, "dave")
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	if len(p.Positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(p.Positions))
	}
	if !p.HoldingsValue.Equal(d(60)) {
		t.Errorf("holdings value = %s, want 60", p.HoldingsValue)
	}
	if !p.UnrealizedPnL.Equal(d(10)) {
		t.Errorf("unrealized pnl = %s, want 10", p.UnrealizedPnL)
	}
	if !p.NetWorth.Equal(d(100)) {
		t.Errorf("net worth = %s, want 100", p.NetWorth)
	}
}

func TestHistory_UnknownStock(t *testing.T) {
	l, _ := newTestLedger(t)
	if _, err := l.History(context.Background(), "missing", 10); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAppendHistory_StampsAfterNewestSample(t *testing.T) {
	ctx := context.Background()
	l, ms := newTestLedger(t)
	st, err := l.CreateStock(ctx, "Mikasa Ackerman", "Attack on Titan", d(10), 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := ms.LatestPriceSample(ctx, st.ID)
	if err != nil {
		t.Fatalf("latest sample: %v", err)
	}

	sample := func(price float64, ts time.Time) *model.PriceHistoryEntry {
		t.Helper()
		var e *model.PriceHistoryEntry
		err := ms.Update(ctx, func(tx store.Tx) error {
			var err error
			e, err = ledger.AppendHistory(ctx, tx, st.ID, d(price), ts)
			return err
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		return e
	}

	// A writer whose clock lags still lands after the newest sample.
	late := sample(11, first.Timestamp.Add(-time.Hour))
	if want := first.Timestamp.Add(time.Microsecond); !late.Timestamp.Equal(want) {
		t.Errorf("lagging sample at %s, want %s", late.Timestamp, want)
	}

	ahead := first.Timestamp.Add(time.Minute)
	if e := sample(12, ahead); !e.Timestamp.Equal(ahead) {
		t.Errorf("sample at %s, want the given %s", e.Timestamp, ahead)
	}

	h, _ := ms.GetPriceHistory(ctx, st.ID, 0)
	if len(h) != 3 || !h[1].Price.Equal(d(11)) || !h[2].Price.Equal(d(12)) {
		t.Errorf("history = %+v, want 10, 11, 12 in order", h)
	}
}
