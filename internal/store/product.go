package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ProductStore is the record-store facade for the cached product catalog.
//
// The catalog carries no synced flag: it is reference data owned by the
// remote system and replaced wholesale on every successful products sync.
type ProductStore struct {
	db  *DB
	bus *Bus
	log zerolog.Logger
}

// NewProductStore creates a ProductStore.
func NewProductStore(db *DB, bus *Bus, log zerolog.Logger) *ProductStore {
	return &ProductStore{db: db, bus: bus, log: log}
}

// ReplaceAll swaps the entire cached catalog for the given set, atomically.
// A failed replace leaves the previous catalog intact.
func (s *ProductStore) ReplaceAll(ctx context.Context, products []*ProductRecord) error {
	now := nowMillis()
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM products`); err != nil {
			return fmt.Errorf("failed to clear product catalog: %w", err)
		}
		for _, p := range products {
			if p.SKU == "" {
				continue
			}
			dataJSON, err := marshalJSONMap(p.Data)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO products (sku, descricao, data, updated_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(sku) DO UPDATE SET
					descricao = excluded.descricao,
					data = excluded.data,
					updated_at = excluded.updated_at`,
				p.SKU, p.Descricao, dataJSON, now,
			); err != nil {
				return fmt.Errorf("failed to insert product %s: %w", p.SKU, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.bus.publish(FamilyProduct, ActionSaved, "", "")
	return nil
}

// BySKU returns the catalog entry for one SKU, or nil if not cached.
func (s *ProductStore) BySKU(ctx context.Context, sku string) (*ProductRecord, error) {
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT sku, descricao, data, updated_at FROM products WHERE sku = ?`, sku)
	rec, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load product %s: %w", sku, err)
	}
	return rec, nil
}

// All returns the full cached catalog, ordered by SKU.
func (s *ProductStore) All(ctx context.Context) ([]*ProductRecord, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT sku, descricao, data, updated_at FROM products ORDER BY sku ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var out []*ProductRecord
	for rows.Next() {
		rec, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating products: %w", err)
	}
	return out, nil
}

// Count returns the number of cached catalog entries.
func (s *ProductStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM products`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count products: %w", err)
	}
	return n, nil
}

func scanProduct(row rowScanner) (*ProductRecord, error) {
	var rec ProductRecord
	var dataJSON string
	err := row.Scan(&rec.SKU, &rec.Descricao, &dataJSON, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Data, err = unmarshalJSONMap(dataJSON)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
