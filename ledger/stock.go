package ledger

import (
	"context"
	"fmt"
)

// =============================================================================
// STOCK LEDGER - The only writer of Product.Quantity
// =============================================================================

// StockLedger debits and credits on-hand quantity. Construct one per unit of
// work with the transaction-scoped store so the lock and the write share a
// scope.
type StockLedger struct {
	Products ProductStore
}

func NewStockLedger(products ProductStore) *StockLedger {
	return &StockLedger{Products: products}
}

// Debit removes qty units. Fails with *InsufficientStockError if the product
// holds fewer than qty; the check and the write happen under one row lock.
func (l *StockLedger) Debit(ctx context.Context, id ProductID, qty int) (Product, error) {
	if qty <= 0 {
		return Product{}, invalid("quantity", "must be greater than zero")
	}

	p, err := l.Products.GetProductForUpdate(ctx, id)
	if err != nil {
		return Product{}, err
	}
	if p.Archived {
		return Product{}, invalid("product_id", fmt.Sprintf("product %s is archived", p.Name))
	}
	if p.Quantity < qty {
		return Product{}, &InsufficientStockError{
			ProductID: p.ID,
			Name:      p.Name,
			Available: p.Quantity,
			Requested: qty,
		}
	}

	p.Quantity -= qty
	if err := l.Products.SaveProduct(ctx, p); err != nil {
		return Product{}, fmt.Errorf("debit stock for %s: %w", id, err)
	}
	return p, nil
}

// Credit returns qty units to stock. There is no upper bound.
func (l *StockLedger) Credit(ctx context.Context, id ProductID, qty int) (Product, error) {
	if qty <= 0 {
		return Product{}, invalid("quantity", "must be greater than zero")
	}

	p, err := l.Products.GetProductForUpdate(ctx, id)
	if err != nil {
		return Product{}, err
	}

	p.Quantity += qty
	if err := l.Products.SaveProduct(ctx, p); err != nil {
		return Product{}, fmt.Errorf("credit stock for %s: %w", id, err)
	}
	return p, nil
}
