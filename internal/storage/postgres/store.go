// Package postgres provides the Postgres-backed product and price history store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/JakeFAU/pricepulse/internal/tracker"
)

const uniqueViolation = "23505"

const productColumns = `id, name, url, platform, target_price::text, last_price::text,
	currency, is_active, tracking_task_id, created_at, updated_at`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	ConnectTimeout  time.Duration
}

// dbPool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Store implements tracker.Store on Postgres.
type Store struct {
	pool dbPool
	now  func() time.Time
}

// New connects a pool using the provided config and verifies it with a ping.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewWithPool(pool, nil)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
// A nil now function uses the UTC wall clock.
func NewWithPool(pool dbPool, now func() time.Time) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{pool: pool, now: now}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// CreateProduct inserts a product; a duplicate url yields tracker.ErrConflict.
func (s *Store) CreateProduct(ctx context.Context, p tracker.NewProduct) (tracker.Product, error) {
	now := s.now()
	query := `
INSERT INTO products (name, url, platform, target_price, currency, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4::numeric, $5, TRUE, $6, $6)
RETURNING ` + productColumns

	row := s.pool.QueryRow(ctx, query, p.Name, p.URL, p.Platform, priceParam(p.TargetPrice), p.Currency, now)
	product, err := scanProduct(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return tracker.Product{}, fmt.Errorf("%w: url %q already tracked", tracker.ErrConflict, p.URL)
		}
		return tracker.Product{}, storeErr("insert product", err)
	}
	return product, nil
}

// ListProducts returns products newest first. With history, all observations
// are loaded in a single extra query.
func (s *Store) ListProducts(ctx context.Context, withHistory bool) ([]tracker.Product, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, storeErr("list products", err)
	}
	defer rows.Close()

	products := make([]tracker.Product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, storeErr("scan product", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list products", err)
	}
	if !withHistory || len(products) == 0 {
		return products, nil
	}

	ids := make([]int64, len(products))
	for i, p := range products {
		ids[i] = p.ID
	}
	histRows, err := s.pool.Query(ctx, `
SELECT id, product_id, price::text, checked_at
FROM price_history
WHERE product_id = ANY($1)
ORDER BY product_id, checked_at DESC, id DESC`, ids)
	if err != nil {
		return nil, storeErr("list price history", err)
	}
	defer histRows.Close()

	byProduct := make(map[int64][]tracker.PriceHistory, len(products))
	for histRows.Next() {
		h, err := scanHistory(histRows)
		if err != nil {
			return nil, storeErr("scan price history", err)
		}
		byProduct[h.ProductID] = append(byProduct[h.ProductID], h)
	}
	if err := histRows.Err(); err != nil {
		return nil, storeErr("list price history", err)
	}
	for i := range products {
		products[i].PriceHistory = byProduct[products[i].ID]
		if products[i].PriceHistory == nil {
			products[i].PriceHistory = []tracker.PriceHistory{}
		}
	}
	return products, nil
}

// GetProduct loads a single product.
func (s *Store) GetProduct(ctx context.Context, id int64) (tracker.Product, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tracker.Product{}, fmt.Errorf("%w: product %d", tracker.ErrNotFound, id)
		}
		return tracker.Product{}, storeErr("get product", err)
	}
	return p, nil
}

// UpdateProduct applies the non-nil fields of u.
func (s *Store) UpdateProduct(ctx context.Context, id int64, u tracker.ProductUpdate) (tracker.Product, error) {
	query := `
UPDATE products SET
	name = COALESCE($2, name),
	target_price = COALESCE($3::numeric, target_price),
	currency = COALESCE($4, currency),
	is_active = COALESCE($5, is_active),
	updated_at = $6
WHERE id = $1
RETURNING ` + productColumns

	row := s.pool.QueryRow(ctx, query, id, u.Name, priceParam(u.TargetPrice), u.Currency, u.IsActive, s.now())
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tracker.Product{}, fmt.Errorf("%w: product %d", tracker.ErrNotFound, id)
		}
		return tracker.Product{}, storeErr("update product", err)
	}
	return p, nil
}

// ListPriceHistory returns observations newest first.
func (s *Store) ListPriceHistory(ctx context.Context, productID int64) ([]tracker.PriceHistory, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
		return nil, storeErr("check product", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: product %d", tracker.ErrNotFound, productID)
	}

	rows, err := s.pool.Query(ctx, `
SELECT id, product_id, price::text, checked_at
FROM price_history
WHERE product_id = $1
ORDER BY checked_at DESC, id DESC`, productID)
	if err != nil {
		return nil, storeErr("list price history", err)
	}
	defer rows.Close()

	history := make([]tracker.PriceHistory, 0)
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, storeErr("scan price history", err)
		}
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list price history", err)
	}
	return history, nil
}

// RecordPrice locks the product row, appends a history row, and moves
// last_price in one transaction.
func (s *Store) RecordPrice(ctx context.Context, productID int64, price decimal.Decimal) (tracker.PriceHistory, error) {
	normalized, err := tracker.NormalizePrice(price)
	if err != nil {
		return tracker.PriceHistory{}, err
	}
	priceText := normalized.StringFixed(2)

	var history tracker.PriceHistory
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var locked int64
		err := tx.QueryRow(ctx, `SELECT id FROM products WHERE id = $1 FOR UPDATE`, productID).Scan(&locked)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: product %d", tracker.ErrNotFound, productID)
			}
			return storeErr("lock product", err)
		}
		// Stamp after the lock so commit order matches checked_at order.
		checkedAt := s.now()

		row := tx.QueryRow(ctx, `
INSERT INTO price_history (product_id, price, checked_at)
VALUES ($1, $2::numeric, $3)
RETURNING id, product_id, price::text, checked_at`, productID, priceText, checkedAt)
		history, err = scanHistory(row)
		if err != nil {
			return storeErr("insert price history", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE products SET last_price = $2::numeric, updated_at = $3 WHERE id = $1`,
			productID, priceText, checkedAt,
		); err != nil {
			return storeErr("update last price", err)
		}
		return nil
	})
	if err != nil {
		return tracker.PriceHistory{}, err
	}
	return history, nil
}

// SetTrackingTask records the most recently enqueued job on the product.
func (s *Store) SetTrackingTask(ctx context.Context, productID int64, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE products SET tracking_task_id = $2, updated_at = $3 WHERE id = $1`,
		productID, jobID, s.now(),
	)
	if err != nil {
		return storeErr("set tracking task", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: product %d", tracker.ErrNotFound, productID)
	}
	return nil
}

// ListProductIDs returns every product id.
func (s *Store) ListProductIDs(ctx context.Context) ([]int64, error) {
	return s.listIDs(ctx, `SELECT id FROM products ORDER BY id`)
}

// ListActiveProductIDs returns ids of products with is_active set.
func (s *Store) ListActiveProductIDs(ctx context.Context) ([]int64, error) {
	return s.listIDs(ctx, `SELECT id FROM products WHERE is_active ORDER BY id`)
}

func (s *Store) listIDs(ctx context.Context, query string) ([]int64, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, storeErr("list product ids", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan product id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list product ids", err)
	}
	return ids, nil
}

// inTx runs fn in a transaction, rolling back when fn or commit fails.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr("begin", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, storeErr("rollback", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

func scanProduct(row rowScanner) (tracker.Product, error) {
	var (
		p           tracker.Product
		targetPrice *string
		lastPrice   *string
	)
	if err := row.Scan(
		&p.ID,
		&p.Name,
		&p.URL,
		&p.Platform,
		&targetPrice,
		&lastPrice,
		&p.Currency,
		&p.IsActive,
		&p.TrackingTaskID,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return tracker.Product{}, err
	}
	var err error
	if p.TargetPrice, err = parseNullablePrice(targetPrice); err != nil {
		return tracker.Product{}, err
	}
	if p.LastPrice, err = parseNullablePrice(lastPrice); err != nil {
		return tracker.Product{}, err
	}
	return p, nil
}

func scanHistory(row rowScanner) (tracker.PriceHistory, error) {
	var (
		h         tracker.PriceHistory
		priceText string
	)
	if err := row.Scan(&h.ID, &h.ProductID, &priceText, &h.CheckedAt); err != nil {
		return tracker.PriceHistory{}, err
	}
	price, err := decimal.NewFromString(priceText)
	if err != nil {
		return tracker.PriceHistory{}, fmt.Errorf("parse price %q: %w", priceText, err)
	}
	h.Price = price
	return h, nil
}

func parseNullablePrice(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("parse price %q: %w", *s, err)
	}
	return &d, nil
}

func priceParam(p *decimal.Decimal) *string {
	if p == nil {
		return nil
	}
	s := p.StringFixed(2)
	return &s
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", tracker.ErrStore, op, err)
}
