package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/purchase-forecast/internal/clock"
	"github.com/sells-group/purchase-forecast/internal/model"
)

// SQLiteSource is an offline TransactionReader over a local history extract, used to
// train without a database connection.
type SQLiteSource struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteSource, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteSource{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS transactions (
	customer_id      TEXT    NOT NULL,
	product_id       TEXT    NOT NULL,
	transaction_date TEXT    NOT NULL,
	quantity         INTEGER NOT NULL,
	amount           REAL    NOT NULL,
	is_active        TEXT    NOT NULL DEFAULT 'active',
	document_type    TEXT    NOT NULL DEFAULT 'sale'
);

CREATE TABLE IF NOT EXISTS product_master (
	product_id    TEXT NOT NULL,
	warehouse_id  TEXT NOT NULL,
	category      TEXT NOT NULL DEFAULT '',
	subcategory   TEXT NOT NULL DEFAULT '',
	specification TEXT NOT NULL DEFAULT '',
	process_type  TEXT NOT NULL DEFAULT '',
	is_active     TEXT NOT NULL DEFAULT 'active',
	PRIMARY KEY (product_id, warehouse_id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_date ON transactions(transaction_date);
`

// Migrate creates the extract tables if they don't exist.
func (s *SQLiteSource) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteSource) Close() error {
	return s.db.Close()
}

const sqliteTransactionsSQL = `SELECT t.customer_id, t.product_id, t.transaction_date, t.quantity, t.amount
FROM transactions t
WHERE t.document_type = 'sale'
  AND t.is_active = 'active'
  AND t.quantity > 0
  AND t.transaction_date >= ?
  AND (? = '' OR t.transaction_date < ?)
  AND EXISTS (
    SELECT 1 FROM product_master pm
    WHERE pm.product_id = t.product_id AND pm.is_active = 'active'
  )
ORDER BY t.transaction_date, t.customer_id, t.product_id`

// LoadTransactions implements TransactionReader.
func (s *SQLiteSource) LoadTransactions(ctx context.Context, from, to time.Time) ([]model.Transaction, error) {
	upper := ""
	if !to.IsZero() {
		upper = to.Format(time.DateOnly)
	}

	rows, err := s.db.QueryContext(ctx, sqliteTransactionsSQL, from.Format(time.DateOnly), upper, upper)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load transactions")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Transaction
	for rows.Next() {
		var (
			t    model.Transaction
			date string
		)
		if err := rows.Scan(&t.CustomerID, &t.ProductID, &date, &t.Quantity, &t.Amount); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan transaction")
		}
		if len(date) > len(time.DateOnly) {
			date = date[:len(time.DateOnly)]
		}
		if t.Date, err = clock.ParseDate(date); err != nil {
			return nil, eris.Wrap(err, "sqlite: transaction date")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate transactions")
}

// LoadProducts implements TransactionReader.
func (s *SQLiteSource) LoadProducts(ctx context.Context) ([]model.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT product_id, warehouse_id, category, subcategory, specification, process_type, is_active
FROM product_master WHERE is_active = 'active' ORDER BY product_id, warehouse_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load products")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Product
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.ProductID, &p.WarehouseID, &p.Category, &p.Subcategory,
			&p.Specification, &p.ProcessType, &p.IsActive); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan product")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate products")
}

// ReplaceHistory rewrites the extract with the given rows in one transaction. Used by
// `forecast snapshot` to cut an offline training extract from Postgres.
func (s *SQLiteSource) ReplaceHistory(ctx context.Context, txns []model.Transaction, products []model.Product) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range []string{"DELETE FROM transactions", "DELETE FROM product_master"} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return eris.Wrapf(err, "sqlite: %s", stmt)
		}
	}

	insTxn, err := tx.PrepareContext(ctx, `INSERT INTO transactions
(customer_id, product_id, transaction_date, quantity, amount, is_active, document_type) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare transaction insert")
	}
	defer insTxn.Close() //nolint:errcheck

	for _, t := range txns {
		active, doc := t.IsActive, t.DocumentType
		if active == "" {
			active = model.ActiveFlag
		}
		if doc == "" {
			doc = model.DocumentTypeSale
		}
		if _, err := insTxn.ExecContext(ctx, t.CustomerID, t.ProductID, t.Date.Format(time.DateOnly),
			t.Quantity, t.Amount, active, doc); err != nil {
			return eris.Wrap(err, "sqlite: insert transaction")
		}
	}

	insProd, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO product_master
(product_id, warehouse_id, category, subcategory, specification, process_type, is_active) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare product insert")
	}
	defer insProd.Close() //nolint:errcheck

	for _, p := range products {
		if _, err := insProd.ExecContext(ctx, p.ProductID, p.WarehouseID, p.Category, p.Subcategory,
			p.Specification, p.ProcessType, p.IsActive); err != nil {
			return eris.Wrap(err, "sqlite: insert product")
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit")
}
