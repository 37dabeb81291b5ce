// Package persistence provides a SQLite journal of trades, time series and
// notable events. It records what happened; it does not save simulation state.
package persistence

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/engine"
	"github.com/talgya/starmacro/internal/entity"
	"github.com/talgya/starmacro/internal/ledger"
	"github.com/talgya/starmacro/internal/market"
)

// Journal buffers observations in memory and writes them in batches, so
// observers called from inside matching never touch the disk.
type Journal struct {
	conn *sqlx.DB
	run  string

	mu      sync.Mutex
	trades  []market.Trade
	samples []engine.Sample
	events  []engine.Notable
}

// Open opens or creates a journal at path and starts a new run.
func Open(path string) (*Journal, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	conn.SetMaxOpenConns(1)

	j := &Journal{conn: conn, run: uuid.NewString()}
	if err := j.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return j, nil
}

// Run identifies this process's rows.
func (j *Journal) Run() string { return j.run }

// Close flushes pending rows and closes the database.
func (j *Journal) Close() error {
	if err := j.Flush(); err != nil {
		slog.Error("journal flush on close failed", "error", err)
	}
	return j.conn.Close()
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run TEXT NOT NULL,
		at REAL NOT NULL,
		location INTEGER NOT NULL DEFAULT 0,
		commodity TEXT NOT NULL,
		buyer INTEGER NOT NULL,
		seller INTEGER NOT NULL,
		buy_order INTEGER NOT NULL,
		sell_order INTEGER NOT NULL,
		price INTEGER NOT NULL,
		quantity INTEGER NOT NULL,
		cogs INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS series (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run TEXT NOT NULL,
		gid INTEGER NOT NULL,
		name TEXT NOT NULL,
		at REAL NOT NULL,
		value REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run TEXT NOT NULL,
		at REAL NOT NULL,
		description TEXT NOT NULL,
		category TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trades_commodity ON trades(run, commodity, at);
	CREATE INDEX IF NOT EXISTS idx_series_name ON series(run, gid, name, at);
	CREATE INDEX IF NOT EXISTS idx_events_at ON events(run, at);
	`
	if _, err := j.conn.Exec(schema); err != nil {
		return err
	}
	// Journals written before venues existed lack the location column.
	var n int
	if err := j.conn.Get(&n, "SELECT COUNT(*) FROM pragma_table_info('trades') WHERE name = 'location'"); err != nil {
		return err
	}
	if n == 0 {
		_, err := j.conn.Exec("ALTER TABLE trades ADD COLUMN location INTEGER NOT NULL DEFAULT 0")
		return err
	}
	return nil
}

// RecordTrade queues a trade. It has the shape of a trade observer.
func (j *Journal) RecordTrade(tr market.Trade) {
	j.mu.Lock()
	j.trades = append(j.trades, tr)
	j.mu.Unlock()
}

// RecordSample queues a time-series observation.
func (j *Journal) RecordSample(s engine.Sample) {
	j.mu.Lock()
	j.samples = append(j.samples, s)
	j.mu.Unlock()
}

// RecordEvent queues a notable event.
func (j *Journal) RecordEvent(n engine.Notable) {
	j.mu.Lock()
	j.events = append(j.events, n)
	j.mu.Unlock()
}

// Pending returns the number of queued rows.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.trades) + len(j.samples) + len(j.events)
}

// Flush writes queued rows in one transaction. On failure the rows stay
// queued for the next flush.
func (j *Journal) Flush() error {
	j.mu.Lock()
	trades, samples, events := j.trades, j.samples, j.events
	j.trades, j.samples, j.events = nil, nil, nil
	j.mu.Unlock()

	if len(trades)+len(samples)+len(events) == 0 {
		return nil
	}
	if err := j.write(trades, samples, events); err != nil {
		j.mu.Lock()
		j.trades = append(trades, j.trades...)
		j.samples = append(samples, j.samples...)
		j.events = append(events, j.events...)
		j.mu.Unlock()
		return err
	}
	slog.Debug("journal flushed", "trades", len(trades), "samples", len(samples), "events", len(events))
	return nil
}

func (j *Journal) write(trades []market.Trade, samples []engine.Sample, events []engine.Notable) error {
	tx, err := j.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, t := range trades {
		_, err := tx.Exec(`INSERT INTO trades
			(run, at, location, commodity, buyer, seller, buy_order, sell_order, price, quantity, cogs)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			j.run, float64(t.At), int64(t.Location), string(t.Commodity), int64(t.Buyer), int64(t.Seller),
			int64(t.BuyOrder), int64(t.SellOrder), int64(t.Price), t.Quantity, int64(t.COGS),
		)
		if err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
	}
	for _, s := range samples {
		_, err := tx.Exec("INSERT INTO series (run, gid, name, at, value) VALUES (?, ?, ?, ?, ?)",
			j.run, int64(s.GID), s.Series, float64(s.At), s.Value)
		if err != nil {
			return fmt.Errorf("insert sample: %w", err)
		}
	}
	for _, e := range events {
		_, err := tx.Exec("INSERT INTO events (run, at, description, category) VALUES (?, ?, ?, ?)",
			j.run, float64(e.At), e.Description, e.Category)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return tx.Commit()
}

// SaveMeta stores a key-value pair.
func (j *Journal) SaveMeta(key, value string) error {
	_, err := j.conn.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", key, value)
	return err
}

// GetMeta retrieves a metadata value.
func (j *Journal) GetMeta(key string) (string, error) {
	var value string
	err := j.conn.Get(&value, "SELECT value FROM meta WHERE key = ?", key)
	return value, err
}

type tradeRow struct {
	At        float64 `db:"at"`
	Location  int64   `db:"location"`
	Commodity string  `db:"commodity"`
	Buyer     int64   `db:"buyer"`
	Seller    int64   `db:"seller"`
	BuyOrder  int64   `db:"buy_order"`
	SellOrder int64   `db:"sell_order"`
	Price     int64   `db:"price"`
	Quantity  int64   `db:"quantity"`
	COGS      int64   `db:"cogs"`
}

// Trades returns the most recent trades of this run, newest first. An empty
// commodity matches all.
func (j *Journal) Trades(commodity ledger.Commodity, limit int) ([]market.Trade, error) {
	var rows []tradeRow
	err := j.conn.Select(&rows, `SELECT at, location, commodity, buyer, seller, buy_order, sell_order, price, quantity, cogs
		FROM trades WHERE run = ? AND (? = '' OR commodity = ?)
		ORDER BY id DESC LIMIT ?`,
		j.run, string(commodity), string(commodity), limit)
	if err != nil {
		return nil, err
	}
	out := make([]market.Trade, len(rows))
	for i, r := range rows {
		out[i] = market.Trade{
			Location:  entity.GID(r.Location),
			Commodity: ledger.Commodity(r.Commodity),
			Buyer:     entity.GID(r.Buyer),
			Seller:    entity.GID(r.Seller),
			BuyOrder:  market.OrderID(r.BuyOrder),
			SellOrder: market.OrderID(r.SellOrder),
			Price:     ledger.Money(r.Price),
			Quantity:  r.Quantity,
			At:        clock.Time(r.At),
			COGS:      ledger.Money(r.COGS),
		}
	}
	return out, nil
}

// Series returns one entity's series in time order.
func (j *Journal) Series(gid entity.GID, name string) ([]engine.Sample, error) {
	var rows []struct {
		At    float64 `db:"at"`
		Value float64 `db:"value"`
	}
	err := j.conn.Select(&rows, "SELECT at, value FROM series WHERE run = ? AND gid = ? AND name = ? ORDER BY at, id",
		j.run, int64(gid), name)
	if err != nil {
		return nil, err
	}
	out := make([]engine.Sample, len(rows))
	for i, r := range rows {
		out[i] = engine.Sample{GID: gid, Series: name, At: clock.Time(r.At), Value: r.Value}
	}
	return out, nil
}

// RecentEvents returns the most recent notable events of this run, newest first.
func (j *Journal) RecentEvents(limit int) ([]engine.Notable, error) {
	var rows []struct {
		At          float64 `db:"at"`
		Description string  `db:"description"`
		Category    string  `db:"category"`
	}
	err := j.conn.Select(&rows, "SELECT at, description, category FROM events WHERE run = ? ORDER BY id DESC LIMIT ?",
		j.run, limit)
	if err != nil {
		return nil, err
	}
	out := make([]engine.Notable, len(rows))
	for i, r := range rows {
		out[i] = engine.Notable{At: clock.Time(r.At), Description: r.Description, Category: r.Category}
	}
	return out, nil
}

// Attach subscribes the journal to a simulation's trades, samples and notable
// events, and stamps the run's metadata.
func (j *Journal) Attach(sim *engine.Simulation) error {
	sim.OnTrade(j.RecordTrade)
	sim.OnSample(j.RecordSample)
	sim.OnNotable(j.RecordEvent)
	if err := j.SaveMeta("run", j.run); err != nil {
		return fmt.Errorf("save meta: %w", err)
	}
	return j.SaveMeta("mode", sim.Clock.Mode().String())
}
