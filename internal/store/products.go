package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"storefront/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateProduct inserts a product row
func (s *Store) CreateProduct(ctx context.Context, p *models.Product) error {
	query := `
		INSERT INTO products (id, brand, sku, title, price, stock, reserved_stock, status,
			weight_kg, length_cm, breadth_cm, height_cm, tax_code)
		VALUES (:id, :brand, :sku, :title, :price, :stock, :reserved_stock, :status,
			:weight_kg, :length_cm, :breadth_cm, :height_cm, :tax_code)`

	_, err := s.db.NamedExecContext(ctx, query, p)
	return err
}

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id string) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT * FROM products WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProductsByIDs retrieves multiple products by IDs
func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM products WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var products []models.Product
	err = s.db.SelectContext(ctx, &products, query, args...)
	return products, err
}

// TryDecrementStock removes quantity units only if at least that many are in stock.
// The check and the write are one statement, so concurrent callers serialise on the
// row lock and stock can never go negative. Reaching zero flips the product to
// out_of_stock in the same update.
func (s *Store) TryDecrementStock(ctx context.Context, productID string, quantity int) (models.StockResult, error) {
	var remaining int
	err := s.db.GetContext(ctx, &remaining, `
		UPDATE products
		SET stock = stock - $2,
			total_sales = total_sales + $2,
			status = CASE WHEN stock - $2 = 0 THEN 'out_of_stock' ELSE status END,
			updated_at = NOW()
		WHERE id = $1 AND stock >= $2
		RETURNING stock`, productID, quantity)
	if err == nil {
		return models.StockResult{OK: true, RemainingStock: remaining}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.StockResult{}, fmt.Errorf("decrement stock for %s: %w", productID, err)
	}

	var current int
	err = s.db.GetContext(ctx, &current, "SELECT stock FROM products WHERE id = $1", productID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.StockResult{}, fmt.Errorf("product %s: %w", productID, ErrNotFound)
	}
	if err != nil {
		return models.StockResult{}, err
	}
	return models.StockResult{OK: false, RemainingStock: current}, nil
}

// SetStock is the admin stock edit. It keeps status consistent with the new count.
func (s *Store) SetStock(ctx context.Context, productID string, stock int) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, `
		UPDATE products
		SET stock = $2,
			status = CASE
				WHEN $2 = 0 THEN 'out_of_stock'
				WHEN status = 'out_of_stock' THEN 'active'
				ELSE status END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING *`, productID, stock)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", productID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}
