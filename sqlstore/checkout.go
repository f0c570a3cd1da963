package sqlstore

import (
	"context"

	"gorm.io/gorm/clause"

	"github.com/sumup/ucp/checkout"
	"github.com/sumup/ucp/order"
)

func newCheckoutRow(c *checkout.Checkout) (*checkoutRow, error) {
	doc, err := encode(c)
	if err != nil {
		return nil, err
	}
	return &checkoutRow{
		ID:        c.ID,
		TenantID:  c.TenantID,
		Status:    string(c.Status),
		Document:  doc,
		ExpiresAt: utc(c.ExpiresAt),
		CreatedAt: utc(c.CreatedAt),
		UpdatedAt: utc(c.UpdatedAt),
	}, nil
}

func (r *checkoutRow) checkout() (*checkout.Checkout, error) {
	var c checkout.Checkout
	if err := decode(r.Document, &c); err != nil {
		return nil, err
	}
	c.TenantID = r.TenantID
	return &c, nil
}

func (s *Store) CreateCheckout(ctx context.Context, c *checkout.Checkout) error {
	row, err := newCheckoutRow(c)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return checkout.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetCheckout(ctx context.Context, tenantID, id string) (*checkout.Checkout, error) {
	var row checkoutRow
	err := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Take(&row).Error
	if err != nil {
		return nil, notFound(err, checkout.ErrNotFound)
	}
	return row.checkout()
}

func (s *Store) UpdateCheckout(ctx context.Context, c *checkout.Checkout) error {
	row, err := newCheckoutRow(c)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).
		Model(&checkoutRow{}).
		Where("id = ? AND tenant_id = ?", c.ID, c.TenantID).
		Updates(map[string]any{
			"status":     row.Status,
			"document":   row.Document,
			"expires_at": row.ExpiresAt,
			"updated_at": row.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return checkout.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteCheckout(ctx context.Context, tenantID, id string) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Delete(&checkoutRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return checkout.ErrNotFound
	}
	return nil
}

func newOrderRow(o *order.Order) (*orderRow, error) {
	doc, err := encode(o)
	if err != nil {
		return nil, err
	}
	return &orderRow{
		ID:         o.ID,
		TenantID:   o.TenantID,
		CheckoutID: o.CheckoutID,
		Status:     string(o.Status),
		Document:   doc,
		CreatedAt:  utc(o.CreatedAt),
		UpdatedAt:  utc(o.UpdatedAt),
	}, nil
}

func (r *orderRow) order() (*order.Order, error) {
	var o order.Order
	if err := decode(r.Document, &o); err != nil {
		return nil, err
	}
	o.TenantID = r.TenantID
	return &o, nil
}

// CreateOrder relies on the unique checkout_id index: a losing insert reads
// back the winner.
func (s *Store) CreateOrder(ctx context.Context, o *order.Order) (*order.Order, bool, error) {
	row, err := newOrderRow(o)
	if err != nil {
		return nil, false, err
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return o.Clone(), true, nil
	}
	var existing orderRow
	if err := s.db.WithContext(ctx).Where("checkout_id = ?", o.CheckoutID).Take(&existing).Error; err != nil {
		return nil, false, err
	}
	out, err := existing.order()
	return out, false, err
}

func (s *Store) GetOrder(ctx context.Context, tenantID, id string) (*order.Order, error) {
	var row orderRow
	err := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Take(&row).Error
	if err != nil {
		return nil, notFound(err, order.ErrNotFound)
	}
	return row.order()
}

func (s *Store) GetOrderByCheckout(ctx context.Context, tenantID, checkoutID string) (*order.Order, error) {
	var row orderRow
	err := s.db.WithContext(ctx).
		Where("checkout_id = ? AND tenant_id = ?", checkoutID, tenantID).
		Take(&row).Error
	if err != nil {
		return nil, notFound(err, order.ErrNotFound)
	}
	return row.order()
}

func (s *Store) UpdateOrder(ctx context.Context, o *order.Order) error {
	row, err := newOrderRow(o)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).
		Model(&orderRow{}).
		Where("id = ? AND tenant_id = ?", o.ID, o.TenantID).
		Updates(map[string]any{
			"status":     row.Status,
			"document":   row.Document,
			"updated_at": row.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return order.ErrNotFound
	}
	return nil
}
