// Package store persists price bars in Postgres. The hosted deployment
// points the pool at a Supabase connection string; locally any Postgres
// works. Uniqueness on (symbol, ts, timeframe) is the conflict key that
// makes re-ingestion overwrite instead of duplicate.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"stockflow/config"
	"stockflow/internal/calendar"
	"stockflow/logger"
	"stockflow/models"
)

type Postgres struct {
	db  *pgxpool.Pool
	log *logger.Log
}

// New opens a connection pool against the configured DSN.
func New(ctx context.Context, cfg config.StoreConfig) (*Postgres, error) {
	log := logger.GetLogger()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse store dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create store pool: %w", err)
	}

	log.WithComponent("store").WithFields(logger.Fields{
		"max_conns": cfg.MaxConns,
		"min_conns": cfg.MinConns,
	}).Info("bar store pool opened")

	return &Postgres{db: pool, log: log}, nil
}

// EnsureSchema creates the bar table and its indexes when absent.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stock_bars (
			id         BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			symbol     TEXT NOT NULL,
			ts         DATE NOT NULL,
			timeframe  TEXT NOT NULL,
			open       NUMERIC(18,6) NOT NULL,
			high       NUMERIC(18,6) NOT NULL,
			low        NUMERIC(18,6) NOT NULL,
			close      NUMERIC(18,6) NOT NULL,
			volume     BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (symbol, ts, timeframe)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stock_bars_symbol_tf_ts
			ON stock_bars (symbol, timeframe, ts)`,
	}

	for _, s := range stmts {
		if _, err := p.db.Exec(ctx, s); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// QueryRange returns bars for one symbol and timeframe within [start, end],
// inclusive, ascending by date.
func (p *Postgres) QueryRange(ctx context.Context, symbol string, tf models.Timeframe, start, end calendar.Date) ([]models.Bar, error) {
	query := `
		SELECT symbol, ts, timeframe,
		       open::text, high::text, low::text, close::text, volume
		FROM stock_bars
		WHERE symbol = @symbol AND timeframe = @timeframe
		  AND ts >= @start AND ts <= @end
		ORDER BY ts ASC`

	args := pgx.NamedArgs{
		"symbol":    symbol,
		"timeframe": string(tf),
		"start":     start.Time(),
		"end":       end.Time(),
	}

	rows, err := p.db.Query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("query bars for %s: %w", symbol, err)
	}
	defer rows.Close()

	var bars []models.Bar
	for rows.Next() {
		bar, err := scanBar(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bar for %s: %w", symbol, err)
		}
		bars = append(bars, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bars for %s: %w", symbol, err)
	}
	return bars, nil
}

// UpsertBatch writes bars in one round trip, overwriting on the
// (symbol, ts, timeframe) conflict key. Callers are expected to chunk large
// inputs; this sends whatever it is given as a single batch.
func (p *Postgres) UpsertBatch(ctx context.Context, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	const upsert = `
		INSERT INTO stock_bars (symbol, ts, timeframe, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, ts, timeframe) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			updated_at = now()`

	batch := &pgx.Batch{}
	for _, b := range bars {
		batch.Queue(upsert,
			b.Symbol, b.Date.Time(), string(b.Timeframe),
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(),
			b.Volume,
		)
	}

	results := p.db.SendBatch(ctx, batch)
	defer results.Close()

	for range bars {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert batch of %d bars: %w", len(bars), err)
		}
	}
	return nil
}

// DeleteOnOrAfter removes bars for one symbol and timeframe dated on or
// after the given day. Used only for forced-refresh invalidation.
func (p *Postgres) DeleteOnOrAfter(ctx context.Context, symbol string, tf models.Timeframe, day calendar.Date) error {
	tag, err := p.db.Exec(ctx, `
		DELETE FROM stock_bars
		WHERE symbol = @symbol AND timeframe = @timeframe AND ts >= @day`,
		pgx.NamedArgs{
			"symbol":    symbol,
			"timeframe": string(tf),
			"day":       day.Time(),
		})
	if err != nil {
		return fmt.Errorf("delete bars for %s on or after %s: %w", symbol, day, err)
	}

	p.log.WithComponent("store").WithFields(logger.Fields{
		"symbol":  symbol,
		"from":    day.String(),
		"deleted": tag.RowsAffected(),
	}).Debug("invalidated cached bars")
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func (p *Postgres) Close() {
	p.log.WithComponent("store").Info("closing bar store pool")
	p.db.Close()
}

// scanBar maps one row onto a Bar, converting numeric columns through their
// text form so precision never passes through a float.
func scanBar(rows pgx.Rows) (models.Bar, error) {
	var bar models.Bar
	var ts time.Time
	var tf string
	var openS, highS, lowS, closeS string
	if err := rows.Scan(&bar.Symbol, &ts, &tf, &openS, &highS, &lowS, &closeS, &bar.Volume); err != nil {
		return models.Bar{}, err
	}

	bar.Date = calendar.FromTime(ts)
	bar.Timeframe = models.Timeframe(tf)

	var err error
	if bar.Open, err = decimal.NewFromString(openS); err != nil {
		return models.Bar{}, fmt.Errorf("parse open %q: %w", openS, err)
	}
	if bar.High, err = decimal.NewFromString(highS); err != nil {
		return models.Bar{}, fmt.Errorf("parse high %q: %w", highS, err)
	}
	if bar.Low, err = decimal.NewFromString(lowS); err != nil {
		return models.Bar{}, fmt.Errorf("parse low %q: %w", lowS, err)
	}
	if bar.Close, err = decimal.NewFromString(closeS); err != nil {
		return models.Bar{}, fmt.Errorf("parse close %q: %w", closeS, err)
	}
	return bar, nil
}
