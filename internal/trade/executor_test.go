package trade_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/events"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/impact"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/ledger"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/store"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// tb is the subset of testing.TB that *rapid.T also implements.
type tb interface {
	Helper()
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
}

type testEnv struct {
	ms     *store.MemoryStore
	ledger *ledger.Ledger
	exec   *trade.Executor
	events *events.Recorder
}

// newTestEnv creates an executor over an in-memory store. Price impact is
// off unless opts enable it.
func newTestEnv(t tb, opts ...trade.Option) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	rec := events.NewRecorder()
	opts = append([]trade.Option{trade.WithEvents(rec)}, opts...)
	return &testEnv{
		ms:     ms,
		ledger: ledger.New(ms, nil),
		exec:   trade.NewExecutor(ms, nil, opts...),
		events: rec,
	}
}

// seedStock lists a stock with every share in the pool.
func (env *testEnv) seedStock(t tb, price float64, total int64) *model.Stock {
	t.Helper()
	st, err := env.ledger.CreateStock(context.Background(), "Edward Elric", "Fullmetal Alchemist", d(price), total)
	if err != nil {
		t.Fatalf("failed to seed stock: %v", err)
	}
	return st
}

func (env *testEnv) seedUser(t tb, userID string, balance float64) {
	t.Helper()
	if _, err := env.ledger.OpenAccount(context.Background(), userID, d(balance)); err != nil {
		t.Fatalf("failed to open account: %v", err)
	}
}

// conservation asserts availableShares + Σ holdings == totalShares.
func (env *testEnv) conservation(t tb, stockID string) {
	t.Helper()
	ctx := context.Background()
	st, err := env.ms.GetStock(ctx, stockID)
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	holdings, _ := env.ms.ListHoldingsByStock(ctx, stockID)
	var held int64
	for _, h := range holdings {
		if h.Shares <= 0 {
			t.Errorf("holding %s/%s has %d shares", h.UserID, h.StockID, h.Shares)
		}
		held += h.Shares
	}
	if st.AvailableShares+held != st.TotalShares {
		t.Fatalf("conservation violated: available %d + held %d != total %d",
			st.AvailableShares, held, st.TotalShares)
	}
}

// --- Scenario ---

func TestBuy_Scenario(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	st := env.seedStock(t, 10, 1000)
	env.seedUser(t, "U", 500)

	res, err := env.exec.Buy(ctx, "U", st.ID, 40)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !res.Transaction.TotalAmount.Equal(d(400)) {
		t.Errorf("cost = %s, want 400", res.Transaction.TotalAmount)
	}
	if !res.Balance.Equal(d(100)) {
		t.Errorf("balance = %s, want 100.00", res.Balance)
	}
	if res.Stock.AvailableShares != 960 {
		t.Errorf("available = %d, want 960", res.Stock.AvailableShares)
	}
	if res.Holding == nil || res.Holding.Shares != 40 || !res.Holding.AverageBuyPrice.Equal(d(10)) {
		t.Errorf("holding = %+v, want 40 shares at 10.00", res.Holding)
	}

	_, err = env.exec.Buy(ctx, "U", st.ID, 20)
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("second buy err = %v, want ErrInsufficientFunds", err)
	}

	b, _ := env.ms.GetBalance(ctx, "U")
	if !b.Equal(d(100)) {
		t.Errorf("balance after rejected buy = %s, want 100", b)
	}
	env.conservation(t, st.ID)
}

func TestBuy_FailureLeavesStateIdentical(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, trade.WithImpact(mustImpact(t)))
	st := env.seedStock(t, 10, 1000)
	env.seedUser(t, "U", 500)
	if _, err := env.exec.Buy(ctx, "U", st.ID, 10); err != nil {
		t.Fatalf("buy: %v", err)
	}

	before, err := env.ms.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, err := env.exec.Buy(ctx, "U", st.ID, 45); !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	after, _ := env.ms.Snapshot()

	if string(before) != string(after) {
		t.Errorf("failed buy changed state:\nbefore %s\nafter  %s", before, after)
	}
}

func TestBuy_Validation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	st := env.seedStock(t, 10, 5)
	env.seedUser(t, "U", 1000)

	tests := []struct {
		name    string
		stockID string
		shares  int64
		want    error
	}{
		{"zero shares", st.ID, 0, model.ErrInvalidQuantity},
		{"negative shares", st.ID, -3, model.ErrInvalidQuantity},
		{"unknown stock", "missing", 1, model.ErrNotFound},
		{"pool exhausted", st.ID, 6, model.ErrInsufficientShares},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.exec.Buy(ctx, "U", tt.stockID, tt.shares); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := env.exec.Buy(ctx, "nobody", st.ID, 1); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown account err = %v, want ErrNotFound", err)
	}
}

func TestBuy_FundsCheckedBeforePool(t *testing.T) {
	env := newTestEnv(t)
	st := env.seedStock(t, 10, 5)
	env.seedUser(t, "U", 10)

	// Both checks fail; the funds check comes first.
	_, err := env.exec.Buy(context.Background(), "U", st.ID, 6)
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Errorf("err = %v, want ErrInsufficientFunds", err)
	}
}

func TestBuy_WeightedAveragePrice(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	st := env.seedStock(t, 10, 1000)
	env.seedUser(t, "U", 1000)

	if _, err := env.exec.Buy(ctx, "U", st.ID, 10); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := env.ledger.SetPrice(ctx, st.ID, d(16)); err != nil {
		t.Fatalf("set price: %v", err)
	}
	res, err := env.exec.Buy(ctx, "U", st.ID, 30)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	// (10*10 + 30*16) / 40 = 14.5
	if res.Holding.Shares != 40 || !res.Holding.AverageBuyPrice.Equal(d(14.5)) {
		t.Errorf("holding = %+v, want 40 shares at 14.5", res.Holding)
	}
}

// --- Sell ---

func TestSell_RoundTrip(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	st := env.seedStock(t, 12.34, 500)
	env.seedUser(t, "U", 1000)

	if _, err := env.exec.Buy(ctx, "U", st.ID, 25); err != nil {
		t.Fatalf("buy: %v", err)
	}
	res, err := env.exec.Sell(ctx, "U", st.ID, 25)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !res.Balance.Equal(d(1000)) {
		t.Errorf("balance = %s, want 1000", res.Balance)
	}
	if res.Stock.AvailableShares != 500 {
		t.Errorf("available = %d, want 500", res.Stock.AvailableShares)
	}
	if res.Holding != nil {
		t.Errorf("holding = %+v, want removed", res.Holding)
	}
	if _, err := env.ms.GetHolding(ctx, "U", st.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("holding row still present: %v", err)
	}

	txns, _ := env.ledger.Transactions(ctx, "U")
	if len(txns) != 2 || txns[0].Type != model.TransactionBuy || txns[1].Type != model.TransactionSell {
		t.Errorf("transactions = %+v, want buy then sell", txns)
	}
}

func TestSell_Partial(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	st := env.seedStock(t, 10, 100)
	env.seedUser(t, "U", 1000)
	_, _ = env.exec.Buy(ctx, "U", st.ID, 10)

	res, err := env.exec.Sell(ctx, "U", st.ID, 4)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if res.Holding == nil || res.Holding.Shares != 6 || !res.Holding.AverageBuyPrice.Equal(d(10)) {
		t.Errorf("holding = %+v, want 6 shares at 10", res.Holding)
	}
	env.conservation(t, st.ID)
}

func TestSell_InsufficientShares(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	st := env.seedStock(t, 10, 100)
	env.seedUser(t, "U", 1000)

	if _, err := env.exec.Sell(ctx, "U", st.ID, 1); !errors.Is(err, model.ErrInsufficientShares) {
		t.Errorf("no holding: err = %v, want ErrInsufficientShares", err)
	}
	_, _ = env.exec.Buy(ctx, "U", st.ID, 3)
	if _, err := env.exec.Sell(ctx, "U", st.ID, 4); !errors.Is(err, model.ErrInsufficientShares) {
		t.Errorf("oversell: err = %v, want ErrInsufficientShares", err)
	}
}

// --- Price impact ---

func mustImpact(t tb) *impact.Model {
	t.Helper()
	m, err := impact.NewModel(d(0.1), d(0.05))
	if err != nil {
		t.Fatalf("impact model: %v", err)
	}
	return m
}

func TestImpact_MovesPriceAndLogsHistory(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, trade.WithImpact(mustImpact(t)))
	st := env.seedStock(t, 10, 1000)
	env.seedUser(t, "U", 10000)

	buy, err := env.exec.Buy(ctx, "U", st.ID, 100)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	// Fill happens at the pre-trade price.
	if !buy.Transaction.PricePerShare.Equal(d(10)) {
		t.Errorf("fill price = %s, want 10", buy.Transaction.PricePerShare)
	}
	if !buy.Stock.CurrentPrice.GreaterThan(d(10)) || buy.Stock.CurrentPrice.GreaterThan(d(10.5)) {
		t.Errorf("price after buy = %s, want in (10, 10.5]", buy.Stock.CurrentPrice)
	}

	sell, err := env.exec.Sell(ctx, "U", st.ID, 100)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !sell.Stock.CurrentPrice.LessThan(buy.Stock.CurrentPrice) {
		t.Errorf("sell did not lower price: %s -> %s", buy.Stock.CurrentPrice, sell.Stock.CurrentPrice)
	}

	h, _ := env.ledger.History(ctx, st.ID, 0)
	if len(h) != 3 {
		t.Fatalf("history has %d samples, want 3 (listing, buy, sell)", len(h))
	}
	if !h[1].Price.Equal(buy.Stock.CurrentPrice) || !h[2].Price.Equal(sell.Stock.CurrentPrice) {
		t.Errorf("history %+v does not match trade prices", h)
	}
}

// --- Events ---

func TestBuy_EmitsEvent(t *testing.T) {
	env := newTestEnv(t)
	st := env.seedStock(t, 10, 100)
	env.seedUser(t, "U", 100)

	_, _ = env.exec.Buy(context.Background(), "U", st.ID, 2)
	_, _ = env.exec.Buy(context.Background(), "U", st.ID, 200) // rejected, no event

	got := env.events.OfType(model.EventTradeExecuted)
	if len(got) != 1 {
		t.Fatalf("got %d trade events, want 1", len(got))
	}
	e := got[0]
	if e.UserID != "U" || e.StockID != st.ID || e.Kind != "buy" || e.Shares != 2 || !e.Amount.Equal(d(20)) {
		t.Errorf("event = %+v", e)
	}
}

// --- Concurrency ---

func TestConcurrentTrades_Conservation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, trade.WithImpact(mustImpact(t)))
	st := env.seedStock(t, 1, 200)

	const users = 8
	for i := 0; i < users; i++ {
		env.seedUser(t, fmt.Sprintf("u%d", i), 1000)
	}

	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if j%3 == 2 {
					_, _ = env.exec.Sell(ctx, user, st.ID, 2)
				} else {
					_, _ = env.exec.Buy(ctx, user, st.ID, 3)
				}
			}
		}(fmt.Sprintf("u%d", i))
	}
	wg.Wait()

	env.conservation(t, st.ID)
	for i := 0; i < users; i++ {
		b, _ := env.ms.GetBalance(ctx, fmt.Sprintf("u%d", i))
		if b.IsNegative() {
			t.Errorf("u%d balance negative: %s", i, b)
		}
	}
}

// --- Properties ---

func TestProperty_Conservation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		env := newTestEnv(rt, trade.WithImpact(mustImpact(rt)), trade.WithClock(func() time.Time {
			return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		}))
		total := rapid.Int64Range(1, 500).Draw(rt, "total")
		st := env.seedStock(rt, 5, total)
		users := []string{"a", "b", "c"}
		for _, u := range users {
			env.seedUser(rt, u, 2000)
		}

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			user := rapid.SampledFrom(users).Draw(rt, "user")
			shares := rapid.Int64Range(-5, 60).Draw(rt, "shares")
			if rapid.Bool().Draw(rt, "buy") {
				_, _ = env.exec.Buy(ctx, user, st.ID, shares)
			} else {
				_, _ = env.exec.Sell(ctx, user, st.ID, shares)
			}
			env.conservation(rt, st.ID)
		}
	})
}

func TestBuySell_MoneyRoundedToCents(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	st := env.seedStock(t, 10.3417, 1000)
	env.seedUser(t, "U", 100)

	res, err := env.exec.Buy(ctx, "U", st.ID, 3)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !res.Transaction.TotalAmount.Equal(d(31.03)) {
		t.Errorf("cost = %s, want 31.03", res.Transaction.TotalAmount)
	}
	if !res.Transaction.PricePerShare.Equal(d(10.3417)) {
		t.Errorf("price per share = %s, want 10.3417", res.Transaction.PricePerShare)
	}
	if !res.Balance.Equal(d(68.97)) {
		t.Errorf("balance = %s, want 68.97", res.Balance)
	}

	res, err = env.exec.Sell(ctx, "U", st.ID, 2)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !res.Transaction.TotalAmount.Equal(d(20.68)) {
		t.Errorf("proceeds = %s, want 20.68", res.Transaction.TotalAmount)
	}
	b, _ := env.ms.GetBalance(ctx, "U")
	if !b.Equal(d(89.65)) || !b.Equal(b.Round(ledger.MoneyScale)) {
		t.Errorf("balance = %s, want 89.65", b)
	}
}

func TestProperty_RoundTripAtUnchangedPrice(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		env := newTestEnv(rt)
		cents := rapid.Int64Range(1, 100000).Draw(rt, "priceCents")
		total := rapid.Int64Range(1, 1000).Draw(rt, "total")
		st, err := env.ledger.CreateStock(ctx, "Rem", "Re:Zero", decimal.New(cents, -2), total)
		if err != nil {
			rt.Fatalf("create: %v", err)
		}
		env.seedUser(rt, "U", 1_000_000)
		before, _ := env.ms.GetBalance(ctx, "U")

		n := rapid.Int64Range(1, total).Draw(rt, "shares")
		if _, err := env.exec.Buy(ctx, "U", st.ID, n); err != nil {
			if errors.Is(err, model.ErrInsufficientFunds) {
				return
			}
			rt.Fatalf("buy: %v", err)
		}
		res, err := env.exec.Sell(ctx, "U", st.ID, n)
		if err != nil {
			rt.Fatalf("sell: %v", err)
		}
		if !res.Balance.Equal(before) {
			rt.Fatalf("balance %s after round trip, want %s", res.Balance, before)
		}
		if res.Stock.AvailableShares != total {
			rt.Fatalf("available %d after round trip, want %d", res.Stock.AvailableShares, total)
		}
	})
}
