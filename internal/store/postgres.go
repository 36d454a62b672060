package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tickerflow/logger"
)

const defaultTable = "tickers"

// Postgres stores ticker records in one table keyed by symbol.
type Postgres struct {
	pool  *pgxpool.Pool
	table string
	log   *logger.Entry
}

// NewPostgres connects a pool and verifies it with a ping.
func NewPostgres(ctx context.Context, dsn string, maxConns int32, table string, log *logger.Log) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("database dsn is required")
	}
	if log == nil {
		log = logger.GetLogger()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &Postgres{pool: pool, table: tableName(table), log: log.WithComponent("ticker_store")}
	p.log.WithFields(logger.Fields{"table": p.table, "max_conns": cfg.MaxConns}).Info("database connected")
	return p, nil
}

func tableName(table string) string {
	if table == "" {
		table = defaultTable
	}
	return pgx.Identifier{table}.Sanitize()
}

func upsertSQL(table string) string {
	return fmt.Sprintf(`
		INSERT INTO %s AS t (symbol, name, description, category, is_open, price, change, volume, market_cap,
			high24h, low24h, high1h, low1h, high4h, low4h, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6,
			COALESCE($7::double precision, 0), COALESCE($8::double precision, 0), COALESCE($9::double precision, 0),
			COALESCE($10::double precision, 0), COALESCE($11::double precision, 0), COALESCE($12::double precision, 0),
			COALESCE($13::double precision, 0), COALESCE($14::double precision, 0), COALESCE($15::double precision, 0), $16)
		ON CONFLICT (symbol) DO UPDATE SET
			price = EXCLUDED.price,
			change = COALESCE($7::double precision, t.change),
			volume = COALESCE($8::double precision, t.volume),
			market_cap = COALESCE($9::double precision, t.market_cap),
			high24h = COALESCE($10::double precision, t.high24h),
			low24h = COALESCE($11::double precision, t.low24h),
			high1h = COALESCE($12::double precision, t.high1h),
			low1h = COALESCE($13::double precision, t.low1h),
			high4h = COALESCE($14::double precision, t.high4h),
			low4h = COALESCE($15::double precision, t.low4h),
			updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0) AS inserted`, table)
}

func updateSQL(table string) string {
	return fmt.Sprintf(`
		UPDATE %s SET
			price = $2,
			change = COALESCE($3::double precision, change),
			volume = COALESCE($4::double precision, volume),
			market_cap = COALESCE($5::double precision, market_cap),
			high24h = COALESCE($6::double precision, high24h),
			low24h = COALESCE($7::double precision, low24h),
			high1h = COALESCE($8::double precision, high1h),
			low1h = COALESCE($9::double precision, low1h),
			high4h = COALESCE($10::double precision, high4h),
			low4h = COALESCE($11::double precision, low4h),
			updated_at = $12
		WHERE symbol = $1`, table)
}

func upsertArgs(op Upsert) []any {
	return []any{
		op.Symbol, op.Insert.Name, op.Insert.Description, string(op.Insert.Category), op.Insert.IsOpen, op.Price,
		op.Change, op.Volume, op.MarketCap, op.High24h, op.Low24h, op.High1h, op.Low1h, op.High4h, op.Low4h,
		op.UpdatedAt,
	}
}

func updateArgs(op Upsert) []any {
	return []any{
		op.Symbol, op.Price,
		op.Change, op.Volume, op.MarketCap, op.High24h, op.Low24h, op.High1h, op.Low1h, op.High4h, op.Low4h,
		op.UpdatedAt,
	}
}

// BulkUpsert sends every operation in one pipelined batch, which PostgreSQL
// runs in a single implicit transaction.
func (p *Postgres) BulkUpsert(ctx context.Context, ops []Upsert) (BulkResult, error) {
	var res BulkResult
	if len(ops) == 0 {
		return res, nil
	}
	upsert, update := upsertSQL(p.table), updateSQL(p.table)

	batch := &pgx.Batch{}
	for i, op := range ops {
		if op.RequireExisting {
			batch.Queue(update, updateArgs(op)...).Exec(func(tag pgconn.CommandTag) error {
				if tag.RowsAffected() == 0 {
					res.Skipped++
					res.SkippedOps = append(res.SkippedOps, i)
					return nil
				}
				res.Matched++
				res.Modified++
				return nil
			})
			continue
		}
		batch.Queue(upsert, upsertArgs(op)...).QueryRow(func(row pgx.Row) error {
			var inserted bool
			if err := row.Scan(&inserted); err != nil {
				return err
			}
			if inserted {
				res.Inserted++
			} else {
				res.Matched++
				res.Modified++
			}
			return nil
		})
	}

	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return BulkResult{}, fmt.Errorf("bulk upsert %d ops: %w", len(ops), err)
	}
	return res, nil
}

// Prices returns the stored price for each known symbol.
func (p *Postgres) Prices(ctx context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`SELECT symbol, price FROM %s WHERE symbol = ANY($1)`, p.table), symbols)
	if err != nil {
		return nil, fmt.Errorf("query prices: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sym string
		var price float64
		if err := rows.Scan(&sym, &price); err != nil {
			return nil, err
		}
		out[sym] = price
	}
	return out, rows.Err()
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
