// Package store provides in-process Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/clinic-pos/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

var (
	_ ledger.TxStore          = (*Memory)(nil)
	_ ledger.AuditStore       = (*Memory)(nil)
	_ ledger.PatientDirectory = (*Memory)(nil)
	_ ledger.Store            = (*txView)(nil)
)

type Memory struct {
	mu           sync.RWMutex
	products     map[ledger.ProductID]ledger.Product
	transactions map[ledger.TransactionID]ledger.Transaction
	items        map[ledger.ItemID]ledger.TransactionItem
	itemOrder    map[ledger.TransactionID][]ledger.ItemID
	refunds      map[ledger.ItemID][]ledger.Refund
	audit        []ledger.AuditEvent
	patients     map[ledger.PatientID]bool
}

func NewMemory() *Memory {
	return &Memory{
		products:     make(map[ledger.ProductID]ledger.Product),
		transactions: make(map[ledger.TransactionID]ledger.Transaction),
		items:        make(map[ledger.ItemID]ledger.TransactionItem),
		itemOrder:    make(map[ledger.TransactionID][]ledger.ItemID),
		refunds:      make(map[ledger.ItemID][]ledger.Refund),
		patients:     make(map[ledger.PatientID]bool),
	}
}

// Reset clears all data except registered patients.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products = make(map[ledger.ProductID]ledger.Product)
	m.transactions = make(map[ledger.TransactionID]ledger.Transaction)
	m.items = make(map[ledger.ItemID]ledger.TransactionItem)
	m.itemOrder = make(map[ledger.TransactionID][]ledger.ItemID)
	m.refunds = make(map[ledger.ItemID][]ledger.Refund)
	m.audit = nil
	return nil
}

// -----------------------------------------------------------------------------
// Products
// -----------------------------------------------------------------------------

func (m *Memory) GetProduct(_ context.Context, id ledger.ProductID) (ledger.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getProductLocked(id)
}

// GetProductForUpdate is a plain read; WithTx already holds the write lock.
func (m *Memory) GetProductForUpdate(ctx context.Context, id ledger.ProductID) (ledger.Product, error) {
	return m.GetProduct(ctx, id)
}

func (m *Memory) SaveProduct(_ context.Context, p ledger.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
	return nil
}

func (m *Memory) ListProducts(_ context.Context) ([]ledger.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listProductsLocked(), nil
}

func (m *Memory) getProductLocked(id ledger.ProductID) (ledger.Product, error) {
	p, ok := m.products[id]
	if !ok {
		return ledger.Product{}, &ledger.NotFoundError{Resource: "product", ID: string(id)}
	}
	return p, nil
}

func (m *Memory) listProductsLocked() []ledger.Product {
	result := make([]ledger.Product, 0, len(m.products))
	for _, p := range m.products {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// -----------------------------------------------------------------------------
// Transactions
// -----------------------------------------------------------------------------

func (m *Memory) GetTransaction(_ context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTransactionLocked(id)
}

func (m *Memory) GetTransactionForUpdate(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	return m.GetTransaction(ctx, id)
}

func (m *Memory) SaveTransaction(_ context.Context, t ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveTransactionLocked(t)
}

func (m *Memory) ExistsByReferenceNumber(_ context.Context, ref string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refExistsLocked(ref), nil
}

func (m *Memory) ListTransactions(_ context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listTransactionsLocked(filter), nil
}

func (m *Memory) getTransactionLocked(id ledger.TransactionID) (ledger.Transaction, error) {
	t, ok := m.transactions[id]
	if !ok {
		return ledger.Transaction{}, &ledger.NotFoundError{Resource: "transaction", ID: string(id)}
	}
	return t, nil
}

// saveTransactionLocked keeps totals and payment fields immutable once the
// transaction exists.
func (m *Memory) saveTransactionLocked(t ledger.Transaction) error {
	existing, ok := m.transactions[t.ID]
	if !ok {
		if t.ReferenceNumber != "" && m.refExistsLocked(t.ReferenceNumber) {
			return &ledger.ValidationError{Field: "reference_number", Message: "reference number already used"}
		}
		m.transactions[t.ID] = t
		return nil
	}
	existing.Status = t.Status
	existing.VoidedBy = t.VoidedBy
	existing.VoidedAt = t.VoidedAt
	existing.VoidReason = t.VoidReason
	m.transactions[t.ID] = existing
	return nil
}

func (m *Memory) refExistsLocked(ref string) bool {
	if ref == "" {
		return false
	}
	for _, t := range m.transactions {
		if t.ReferenceNumber == ref {
			return true
		}
	}
	return false
}

func (m *Memory) listTransactionsLocked(f ledger.TransactionFilter) []ledger.Transaction {
	var result []ledger.Transaction
	for _, t := range m.transactions {
		if f.From != nil && t.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && t.CreatedAt.After(*f.To) {
			continue
		}
		if f.PaymentType != "" && t.PaymentType != f.PaymentType {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if f.Offset >= len(result) {
		return []ledger.Transaction{}
	}
	result = result[f.Offset:]
	if f.Limit > 0 && f.Limit < len(result) {
		result = result[:f.Limit]
	}
	return result
}

// -----------------------------------------------------------------------------
// Items
// -----------------------------------------------------------------------------

func (m *Memory) GetItem(_ context.Context, id ledger.ItemID) (ledger.TransactionItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getItemLocked(id)
}

func (m *Memory) ItemsByTransaction(_ context.Context, id ledger.TransactionID) ([]ledger.TransactionItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.itemsByTransactionLocked(id), nil
}

func (m *Memory) SaveItems(_ context.Context, items []ledger.TransactionItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveItemsLocked(items)
}

func (m *Memory) getItemLocked(id ledger.ItemID) (ledger.TransactionItem, error) {
	it, ok := m.items[id]
	if !ok {
		return ledger.TransactionItem{}, &ledger.NotFoundError{Resource: "transaction item", ID: string(id)}
	}
	return it, nil
}

func (m *Memory) itemsByTransactionLocked(id ledger.TransactionID) []ledger.TransactionItem {
	ids := m.itemOrder[id]
	result := make([]ledger.TransactionItem, 0, len(ids))
	for _, itemID := range ids {
		result = append(result, m.items[itemID])
	}
	return result
}

// saveItemsLocked only moves RefundedQuantity on existing lines.
func (m *Memory) saveItemsLocked(items []ledger.TransactionItem) error {
	for _, it := range items {
		existing, ok := m.items[it.ID]
		if !ok {
			if _, err := m.getTransactionLocked(it.TransactionID); err != nil {
				return fmt.Errorf("item %s: %w", it.ID, err)
			}
			m.items[it.ID] = it
			m.itemOrder[it.TransactionID] = append(m.itemOrder[it.TransactionID], it.ID)
			continue
		}
		existing.RefundedQuantity = it.RefundedQuantity
		m.items[it.ID] = existing
	}
	return nil
}

// -----------------------------------------------------------------------------
// Refunds (append-only)
// -----------------------------------------------------------------------------

func (m *Memory) AppendRefund(_ context.Context, r ledger.Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendRefundLocked(r)
}

func (m *Memory) RefundsByItem(_ context.Context, id ledger.ItemID) ([]ledger.Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refundsByItemLocked(id), nil
}

func (m *Memory) appendRefundLocked(r ledger.Refund) error {
	if _, ok := m.items[r.ItemID]; !ok {
		return &ledger.NotFoundError{Resource: "transaction item", ID: string(r.ItemID)}
	}
	m.refunds[r.ItemID] = append(m.refunds[r.ItemID], r)
	return nil
}

func (m *Memory) refundsByItemLocked(id ledger.ItemID) []ledger.Refund {
	result := make([]ledger.Refund, len(m.refunds[id]))
	copy(result, m.refunds[id])
	return result
}

// -----------------------------------------------------------------------------
// Audit
// -----------------------------------------------------------------------------

func (m *Memory) AppendAudit(_ context.Context, e ledger.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

func (m *Memory) RecentAudit(_ context.Context, limit int) ([]ledger.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.audit)
	if limit <= 0 || limit > n {
		limit = n
	}
	result := make([]ledger.AuditEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		result = append(result, m.audit[i])
	}
	return result, nil
}

// -----------------------------------------------------------------------------
// Patients
// -----------------------------------------------------------------------------

// AddPatient registers a patient id so PatientExists reports it.
func (m *Memory) AddPatient(id ledger.PatientID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[id] = true
}

func (m *Memory) PatientExists(_ context.Context, id ledger.PatientID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.patients[id], nil
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole call, so units of work are serial.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	defer func() {
		if p := recover(); p != nil {
			m.restore(snap)
			panic(p)
		}
	}()

	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	products     map[ledger.ProductID]ledger.Product
	transactions map[ledger.TransactionID]ledger.Transaction
	items        map[ledger.ItemID]ledger.TransactionItem
	itemOrder    map[ledger.TransactionID][]ledger.ItemID
	refunds      map[ledger.ItemID][]ledger.Refund
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		products:     make(map[ledger.ProductID]ledger.Product, len(m.products)),
		transactions: make(map[ledger.TransactionID]ledger.Transaction, len(m.transactions)),
		items:        make(map[ledger.ItemID]ledger.TransactionItem, len(m.items)),
		itemOrder:    make(map[ledger.TransactionID][]ledger.ItemID, len(m.itemOrder)),
		refunds:      make(map[ledger.ItemID][]ledger.Refund, len(m.refunds)),
	}
	for k, v := range m.products {
		s.products[k] = v
	}
	for k, v := range m.transactions {
		s.transactions[k] = v
	}
	for k, v := range m.items {
		s.items[k] = v
	}
	for k, v := range m.itemOrder {
		s.itemOrder[k] = append([]ledger.ItemID{}, v...)
	}
	for k, v := range m.refunds {
		s.refunds[k] = append([]ledger.Refund{}, v...)
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.products = s.products
	m.transactions = s.transactions
	m.items = s.items
	m.itemOrder = s.itemOrder
	m.refunds = s.refunds
}

// txView is the Store handed to fn. It runs under the lock WithTx holds.
type txView struct {
	parent *Memory
}

func (v *txView) GetProduct(_ context.Context, id ledger.ProductID) (ledger.Product, error) {
	return v.parent.getProductLocked(id)
}

func (v *txView) GetProductForUpdate(_ context.Context, id ledger.ProductID) (ledger.Product, error) {
	return v.parent.getProductLocked(id)
}

func (v *txView) SaveProduct(_ context.Context, p ledger.Product) error {
	v.parent.products[p.ID] = p
	return nil
}

func (v *txView) ListProducts(_ context.Context) ([]ledger.Product, error) {
	return v.parent.listProductsLocked(), nil
}

func (v *txView) GetTransaction(_ context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	return v.parent.getTransactionLocked(id)
}

func (v *txView) GetTransactionForUpdate(_ context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	return v.parent.getTransactionLocked(id)
}

func (v *txView) SaveTransaction(_ context.Context, t ledger.Transaction) error {
	return v.parent.saveTransactionLocked(t)
}

func (v *txView) ExistsByReferenceNumber(_ context.Context, ref string) (bool, error) {
	return v.parent.refExistsLocked(ref), nil
}

func (v *txView) ListTransactions(_ context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	return v.parent.listTransactionsLocked(f), nil
}

func (v *txView) GetItem(_ context.Context, id ledger.ItemID) (ledger.TransactionItem, error) {
	return v.parent.getItemLocked(id)
}

func (v *txView) ItemsByTransaction(_ context.Context, id ledger.TransactionID) ([]ledger.TransactionItem, error) {
	return v.parent.itemsByTransactionLocked(id), nil
}

func (v *txView) SaveItems(_ context.Context, items []ledger.TransactionItem) error {
	return v.parent.saveItemsLocked(items)
}

func (v *txView) AppendRefund(_ context.Context, r ledger.Refund) error {
	return v.parent.appendRefundLocked(r)
}

func (v *txView) RefundsByItem(_ context.Context, id ledger.ItemID) ([]ledger.Refund, error) {
	return v.parent.refundsByItemLocked(id), nil
}
