package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sumup/ucp/settlement"
)

// maxDebitAttempts bounds the optimistic retries of DebitMandate.
const maxDebitAttempts = 5

var errVersionConflict = errors.New("mandate changed concurrently")

func (s *Store) SaveToken(ctx context.Context, t *settlement.Token) error {
	doc, err := encode(t)
	if err != nil {
		return err
	}
	row := tokenRow{
		Token:     t.Token,
		TenantID:  t.TenantID,
		Used:      t.Used,
		UsedAt:    t.UsedAt,
		ExpiresAt: utc(t.ExpiresAt),
		Document:  doc,
		CreatedAt: utc(t.CreatedAt),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *Store) GetToken(ctx context.Context, token string) (*settlement.Token, error) {
	var row tokenRow
	if err := s.db.WithContext(ctx).Where("token = ?", token).Take(&row).Error; err != nil {
		return nil, notFound(err, settlement.ErrTokenNotFound)
	}
	var t settlement.Token
	if err := decode(row.Document, &t); err != nil {
		return nil, err
	}
	// The columns are authoritative for consumption.
	t.TenantID = row.TenantID
	t.Used = row.Used
	t.UsedAt = row.UsedAt
	return &t, nil
}

// MarkTokenUsed is a conditional update: only the writer that observes
// used = false affects a row.
func (s *Store) MarkTokenUsed(ctx context.Context, token string, usedAt time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&tokenRow{}).
		Where("token = ? AND used = ?", token, false).
		Updates(map[string]any{"used": true, "used_at": utc(usedAt)})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).
		Where("used = ? AND expires_at <= ?", false, utc(now)).
		Delete(&tokenRow{})
	return int(res.RowsAffected), res.Error
}

func newSettlementRow(stl *settlement.Settlement) (*settlementRow, error) {
	doc, err := encode(stl)
	if err != nil {
		return nil, err
	}
	return &settlementRow{
		ID:             stl.ID,
		TenantID:       stl.TenantID,
		DedupeKey:      stl.DedupeKey(),
		Token:          stl.Token,
		IdempotencyKey: stl.IdempotencyKey,
		Status:         string(stl.Status),
		Document:       doc,
		CreatedAt:      utc(stl.CreatedAt),
		UpdatedAt:      utc(stl.UpdatedAt),
	}, nil
}

func (r *settlementRow) settlement() (*settlement.Settlement, error) {
	var stl settlement.Settlement
	if err := decode(r.Document, &stl); err != nil {
		return nil, err
	}
	stl.TenantID = r.TenantID
	stl.Token = r.Token
	return &stl, nil
}

// CreateSettlement relies on the unique dedupe_key index: a losing insert
// reads back the winner.
func (s *Store) CreateSettlement(ctx context.Context, stl *settlement.Settlement) (*settlement.Settlement, bool, error) {
	row, err := newSettlementRow(stl)
	if err != nil {
		return nil, false, err
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return stl.Clone(), true, nil
	}
	var existing settlementRow
	err = s.db.WithContext(ctx).
		Where("dedupe_key = ? OR id = ?", row.DedupeKey, row.ID).
		Take(&existing).Error
	if err != nil {
		return nil, false, err
	}
	out, err := existing.settlement()
	return out, false, err
}

func (s *Store) GetSettlement(ctx context.Context, tenantID, id string) (*settlement.Settlement, error) {
	return s.findSettlement(ctx, "id = ? AND tenant_id = ?", id, tenantID)
}

func (s *Store) GetSettlementByToken(ctx context.Context, tenantID, token string) (*settlement.Settlement, error) {
	key := (&settlement.Settlement{Token: token}).DedupeKey()
	return s.findSettlement(ctx, "dedupe_key = ? AND tenant_id = ?", key, tenantID)
}

func (s *Store) GetSettlementByIdempotencyKey(ctx context.Context, tenantID, key string) (*settlement.Settlement, error) {
	dedupe := (&settlement.Settlement{TenantID: tenantID, IdempotencyKey: key}).DedupeKey()
	return s.findSettlement(ctx, "dedupe_key = ? AND tenant_id = ?", dedupe, tenantID)
}

func (s *Store) findSettlement(ctx context.Context, query string, args ...any) (*settlement.Settlement, error) {
	var row settlementRow
	if err := s.db.WithContext(ctx).Where(query, args...).Take(&row).Error; err != nil {
		return nil, notFound(err, settlement.ErrNotFound)
	}
	return row.settlement()
}

// UpdateSettlement is a compare-and-swap on the status column.
func (s *Store) UpdateSettlement(ctx context.Context, stl *settlement.Settlement, expected settlement.Status) error {
	row, err := newSettlementRow(stl)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).
		Model(&settlementRow{}).
		Where("id = ? AND tenant_id = ? AND status = ?", stl.ID, stl.TenantID, string(expected)).
		Updates(map[string]any{
			"status":     row.Status,
			"document":   row.Document,
			"updated_at": row.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if _, err := s.GetSettlement(ctx, stl.TenantID, stl.ID); err != nil {
		return err
	}
	return settlement.ErrStatusConflict
}

func (s *Store) ListSettlementsByStatus(ctx context.Context, tenantID string, status settlement.Status) ([]*settlement.Settlement, error) {
	var rows []settlementRow
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, string(status)).
		Order("created_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return settlements(rows)
}

func (s *Store) ListStaleSettlements(ctx context.Context, statuses []settlement.Status, before time.Time, limit int) ([]*settlement.Settlement, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	q := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", names, utc(before)).
		Order("created_at, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []settlementRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return settlements(rows)
}

func settlements(rows []settlementRow) ([]*settlement.Settlement, error) {
	out := make([]*settlement.Settlement, 0, len(rows))
	for i := range rows {
		stl, err := rows[i].settlement()
		if err != nil {
			return nil, err
		}
		out = append(out, stl)
	}
	return out, nil
}

// SaveMandate inserts or replaces a mandate.
func (s *Store) SaveMandate(ctx context.Context, m *settlement.Mandate) error {
	doc, err := encode(m)
	if err != nil {
		return err
	}
	row := mandateRow{ID: m.ID, TenantID: m.TenantID, Document: doc}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"tenant_id", "document"}),
		}).
		Create(&row).Error
}

func (s *Store) GetMandate(ctx context.Context, tenantID, id string) (*settlement.Mandate, error) {
	m, _, err := s.getMandate(ctx, tenantID, id)
	return m, err
}

func (s *Store) getMandate(ctx context.Context, tenantID, id string) (*settlement.Mandate, int64, error) {
	var row mandateRow
	err := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Take(&row).Error
	if err != nil {
		return nil, 0, notFound(err, settlement.ErrMandateNotFound)
	}
	var m settlement.Mandate
	if err := decode(row.Document, &m); err != nil {
		return nil, 0, err
	}
	m.TenantID = row.TenantID
	return &m, row.Version, nil
}

// DebitMandate reads the mandate and writes the new used amount guarded by
// the row version, retrying when another debit won the race.
func (s *Store) DebitMandate(ctx context.Context, tenantID, id string, amount decimal.Decimal) (*settlement.Mandate, error) {
	for range maxDebitAttempts {
		m, err := s.debitOnce(ctx, tenantID, id, amount)
		if errors.Is(err, errVersionConflict) {
			continue
		}
		return m, err
	}
	return nil, fmt.Errorf("debit mandate %s: %w", id, errVersionConflict)
}

func (s *Store) debitOnce(ctx context.Context, tenantID, id string, amount decimal.Decimal) (*settlement.Mandate, error) {
	m, version, err := s.getMandate(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if m.Status != settlement.MandateActive {
		return nil, settlement.ErrMandateInactive
	}
	if m.Remaining().LessThan(amount) {
		return nil, settlement.ErrMandateInsufficient
	}
	m.UsedAmount = m.UsedAmount.Add(amount)
	doc, err := encode(m)
	if err != nil {
		return nil, err
	}
	res := s.db.WithContext(ctx).
		Model(&mandateRow{}).
		Where("id = ? AND tenant_id = ? AND version = ?", id, tenantID, version).
		Updates(map[string]any{
			"document": doc,
			"version":  gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errVersionConflict
	}
	return m, nil
}
