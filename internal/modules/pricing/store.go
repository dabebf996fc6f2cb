// README: Pricing store backed by PostgreSQL.
package pricing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleetfare/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) CreateRule(ctx context.Context, r *Rule) error {
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	var p PointToPoint
	if r.PointToPoint != nil {
		p = *r.PointToPoint
	}
	var h HourlyCharter
	if r.Hourly != nil {
		h = *r.Hourly
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO pricing_rules (
			id, tenant_id, vehicle_class, service_type, currency, active,
			base_fare, price_per_km, price_per_minute, minimum_fare,
			hourly_rate, minimum_hours, included_km_per_hour, extra_km_rate,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		string(r.ID), string(r.TenantID), r.VehicleClass, string(r.ServiceType), r.Currency, r.Active,
		p.BaseFare, p.PricePerKm, p.PricePerMinute, p.MinimumFare,
		h.HourlyRate, h.MinimumHours, h.IncludedKmPerHour, h.ExtraKmRate,
		r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (s *Store) UpdateRule(ctx context.Context, r *Rule) error {
	var p PointToPoint
	if r.PointToPoint != nil {
		p = *r.PointToPoint
	}
	var h HourlyCharter
	if r.Hourly != nil {
		h = *r.Hourly
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE pricing_rules SET
			currency = $2, active = $3,
			base_fare = $4, price_per_km = $5, price_per_minute = $6, minimum_fare = $7,
			hourly_rate = $8, minimum_hours = $9, included_km_per_hour = $10, extra_km_rate = $11,
			updated_at = NOW()
		WHERE id = $1`,
		string(r.ID), r.Currency, r.Active,
		p.BaseFare, p.PricePerKm, p.PricePerMinute, p.MinimumFare,
		h.HourlyRate, h.MinimumHours, h.IncludedKmPerHour, h.ExtraKmRate,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateRule soft-deletes: past bookings keep referencing the rule row.
func (s *Store) DeactivateRule(ctx context.Context, tenantID, ruleID types.ID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE pricing_rules SET active = false, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2`,
		string(ruleID), string(tenantID),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveRule loads the single active rule for the tenant/class/service triple
// together with its surcharges.
func (s *Store) ActiveRule(ctx context.Context, tenantID types.ID, vehicleClass string, service ServiceType) (*Rule, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, tenant_id, vehicle_class, service_type, currency, active,
		       base_fare, price_per_km, price_per_minute, minimum_fare,
		       hourly_rate, minimum_hours, included_km_per_hour, extra_km_rate,
		       created_at, updated_at
		FROM pricing_rules
		WHERE tenant_id = $1 AND vehicle_class = $2 AND service_type = $3 AND active
		ORDER BY updated_at DESC
		LIMIT 1`,
		string(tenantID), vehicleClass, string(service),
	)
	r, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoApplicableRule
	}
	if err != nil {
		return nil, err
	}
	if r.Surcharges, err = s.surchargesForRule(ctx, r.ID); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) RuleByID(ctx context.Context, id types.ID) (*Rule, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, tenant_id, vehicle_class, service_type, currency, active,
		       base_fare, price_per_km, price_per_minute, minimum_fare,
		       hourly_rate, minimum_hours, included_km_per_hour, extra_km_rate,
		       created_at, updated_at
		FROM pricing_rules WHERE id = $1`, string(id),
	)
	r, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.Surcharges, err = s.surchargesForRule(ctx, r.ID); err != nil {
		return nil, err
	}
	return r, nil
}

func scanRule(row pgx.Row) (*Rule, error) {
	var (
		r Rule
		p PointToPoint
		h HourlyCharter
	)
	err := row.Scan(
		&r.ID, &r.TenantID, &r.VehicleClass, &r.ServiceType, &r.Currency, &r.Active,
		&p.BaseFare, &p.PricePerKm, &p.PricePerMinute, &p.MinimumFare,
		&h.HourlyRate, &h.MinimumHours, &h.IncludedKmPerHour, &h.ExtraKmRate,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if r.ServiceType.IsHourly() {
		r.Hourly = &h
	} else {
		r.PointToPoint = &p
	}
	return &r, nil
}

func (s *Store) surchargesForRule(ctx context.Context, ruleID types.ID) ([]SurchargeRule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, type, days, start_at, end_at, dates, percent
		FROM surcharge_rules WHERE rule_id = $1
		ORDER BY name`, string(ruleID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SurchargeRule
	for rows.Next() {
		var (
			sr   SurchargeRule
			days []int32
		)
		if err := rows.Scan(&sr.ID, &sr.Name, &sr.Type, &days, &sr.StartAt, &sr.EndAt, &sr.Dates, &sr.Percent); err != nil {
			return nil, err
		}
		for _, d := range days {
			sr.Days = append(sr.Days, int(d))
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

func (s *Store) AddSurcharge(ctx context.Context, ruleID types.ID, sr *SurchargeRule) error {
	days := make([]int32, 0, len(sr.Days))
	for _, d := range sr.Days {
		days = append(days, int32(d))
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO surcharge_rules (id, rule_id, name, type, days, start_at, end_at, dates, percent)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		string(sr.ID), string(ruleID), sr.Name, string(sr.Type), days, sr.StartAt, sr.EndAt, sr.Dates, sr.Percent,
	)
	return err
}

func (s *Store) RemoveSurcharge(ctx context.Context, ruleID, surchargeID types.ID) error {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM surcharge_rules WHERE id = $1 AND rule_id = $2`,
		string(surchargeID), string(ruleID),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CreatePromo(ctx context.Context, p *PromoCode) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO promo_codes (
			id, tenant_id, code, discount_type, discount_value, applies_to,
			min_order_amount, max_uses, used_count, valid_from, valid_until, active
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		string(p.ID), string(p.TenantID), p.Code, string(p.DiscountType), p.DiscountValue, string(p.AppliesTo),
		p.MinOrderAmount, p.MaxUses, p.UsedCount, p.ValidFrom, p.ValidUntil, p.Active,
	)
	return err
}

func (s *Store) PromoByCode(ctx context.Context, tenantID types.ID, code string) (*PromoCode, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, tenant_id, code, discount_type, discount_value, applies_to,
		       min_order_amount, max_uses, used_count, valid_from, valid_until, active
		FROM promo_codes WHERE tenant_id = $1 AND code = $2`,
		string(tenantID), code,
	)
	var p PromoCode
	err := row.Scan(
		&p.ID, &p.TenantID, &p.Code, &p.DiscountType, &p.DiscountValue, &p.AppliesTo,
		&p.MinOrderAmount, &p.MaxUses, &p.UsedCount, &p.ValidFrom, &p.ValidUntil, &p.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// RedeemPromo burns one use atomically; the guard keeps concurrent bookings
// from exceeding max_uses.
func (s *Store) RedeemPromo(ctx context.Context, id types.ID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE promo_codes SET used_count = used_count + 1
		WHERE id = $1 AND active AND (max_uses = 0 OR used_count < max_uses)`,
		string(id),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) CreatePolicy(ctx context.Context, p *CancellationPolicy) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if p.IsDefault {
		// exactly one default per tenant
		if _, err := tx.Exec(ctx, `
			UPDATE cancellation_policies SET is_default = false WHERE tenant_id = $1`,
			string(p.TenantID)); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO cancellation_policies (id, tenant_id, name, is_default)
		VALUES ($1,$2,$3,$4)`,
		string(p.ID), string(p.TenantID), p.Name, p.IsDefault); err != nil {
		return err
	}
	for _, t := range p.Tiers {
		if _, err := tx.Exec(ctx, `
			INSERT INTO cancellation_tiers (policy_id, hours_before_pickup, charge_percent)
			VALUES ($1,$2,$3)`,
			string(p.ID), t.HoursBeforePickup, t.ChargePercent); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) DefaultPolicy(ctx context.Context, tenantID types.ID) (*CancellationPolicy, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, tenant_id, name, is_default
		FROM cancellation_policies
		WHERE tenant_id = $1 AND is_default`,
		string(tenantID),
	)
	var p CancellationPolicy
	if err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.IsDefault); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT hours_before_pickup, charge_percent
		FROM cancellation_tiers WHERE policy_id = $1
		ORDER BY hours_before_pickup DESC`, string(p.ID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var t CancellationTier
		if err := rows.Scan(&t.HoursBeforePickup, &t.ChargePercent); err != nil {
			return nil, err
		}
		p.Tiers = append(p.Tiers, t)
	}
	return &p, rows.Err()
}
