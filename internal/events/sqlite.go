package events

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"

	_ "modernc.org/sqlite"
)

// SQLiteSink appends every event to a local SQLite audit log.
type SQLiteSink struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteSink opens (or creates) the SQLite database and runs migrations.
func NewSQLiteSink(dbPath string, logger *slog.Logger) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL mode so audit readers don't block the engine's writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("sqlite event log opened", "path", dbPath)
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id        TEXT PRIMARY KEY,
			type      TEXT NOT NULL,
			stock_id  TEXT,
			user_id   TEXT,
			offer_id  TEXT,
			bet_id    TEXT,
			kind      TEXT,
			shares    INTEGER,
			amount    TEXT,
			price     TEXT,
			succeeded INTEGER,
			failed    INTEGER,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events(type, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_user ON events(user_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteSink) Emit(ctx context.Context, e model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events
			(id, type, stock_id, user_id, offer_id, bet_id, kind, shares, amount, price, succeeded, failed, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.StockID, e.UserID, e.OfferID, e.BetID, e.Kind, e.Shares,
		e.Amount.String(), e.Price.String(), e.Succeeded, e.Failed, e.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

// Recent returns up to limit events of type t (all types if empty), newest
// first.
func (s *SQLiteSink) Recent(ctx context.Context, t model.EventType, limit int) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, stock_id, user_id, offer_id, bet_id, kind, shares, amount, price, succeeded, failed, timestamp
		 FROM events WHERE ? = '' OR type = ? ORDER BY timestamp DESC LIMIT ?`,
		string(t), string(t), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var e model.Event
		var typ, amount, price string
		var ts int64
		if err := rows.Scan(&e.ID, &typ, &e.StockID, &e.UserID, &e.OfferID, &e.BetID, &e.Kind,
			&e.Shares, &amount, &price, &e.Succeeded, &e.Failed, &ts); err != nil {
			return nil, err
		}
		e.Type = model.EventType(typ)
		e.Amount = dec(amount)
		e.Price = dec(price)
		e.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
